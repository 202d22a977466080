// Package tablet implements the tablet engine on top of Pebble.
//
// A version is a Pebble checkpoint stored under tablet/<version> in the index
// root and described by a manifest. Opening a version copies the checkpoint
// into a private working directory and opens it as a generation.
//
// Readers get Pebble snapshots pinned to their generation. Reopening publishes
// a new generation; the old one is closed once its last snapshot is released.
//
// Real-time mutations are written to the current generation and journaled in
// memory, so a normal reopen can replay the ones newer than the new version.
// Commit checkpoints the generation into a private version.
package tablet
