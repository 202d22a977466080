// Package deploy copies partition artifacts from a blobstore.Store to local
// disk.
//
// A partition's config directory is mirrored file by file. Index versions are
// described by manifests: DeployIndex fetches only the files the target
// manifest adds on top of a locally present base version and writes the
// manifest last, so a version is visible locally only once it is complete.
//
// Remote files may be stored compressed with a ".zst" or ".lz4" suffix; they
// are decompressed on the fly and checked against the manifest.
package deploy
