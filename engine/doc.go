// Package engine is the uniform capability surface over the two index engine
// variants a partition can run on.
//
// An Adapter owns exactly one native engine, either a LegacyPartition or a
// Tablet. The variant is fixed at construction and every operation dispatches
// on it in one place, so callers never inspect which engine they hold.
//
// Readers obtain views through CreatePartitionData. Each Snapshot pins the
// engine generation that was live when it was created; reopening the engine
// publishes a new generation while old snapshots keep observing the old one
// until they are released.
//
// Errors returned by the native engines are classified through the sentinels
// in this package (ErrCorruption, ErrIO, ErrUninitialized, ...). Open and
// Reopen fold them into an OpenStatus.
package engine
