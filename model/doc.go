// Package model defines the core types shared by the partition controller,
// the index engine adapter and the real-time build pipeline.
//
// # Identity Types
//
//   - PartitionID: table name, hash range [From, To) and partition index
//   - IncVersion: identifier of a bulk-built (or privately committed) index version
//   - BranchID: lineage of the loaded engine state
//
// # Version Types
//
//   - Locator: position in the real-time document stream (SourceID, Offset, UserData)
//   - VersionMeta: locator and base version reflected by a version
//   - TableVersion: a committed version, optionally sealed
//
// # Partition Metadata
//
//   - TargetPartitionMeta: desired state pushed by the orchestrator
//   - CurrentPartitionMeta: observed state maintained by the controller
package model
