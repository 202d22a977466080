// Package manifest implements atomic version manifest persistence for index
// directories.
//
// # Overview
//
// An index directory holds data files plus one manifest per version:
//
//	<root>/version.3           manifest of build version 3
//	<root>/version.536870913   manifest of a private (real-time) version
//	<root>/segment_0/data.zst  data file referenced by manifests
//
// A manifest lists the files the version consists of (path relative to the
// root, size, xxhash64 checksum) plus the version meta: locator, base version,
// branch, schema version and the sealed flag.
//
// # Atomicity
//
// Manifests are written with fs.WriteFileAtomic: a version either exists
// completely or not at all. Data files must be written before the manifest
// that references them.
//
// # Remote Manifests
//
// The deploy service reads remote manifests with Decode and diffs them with
// Diff to decide which files must be fetched.
package manifest
