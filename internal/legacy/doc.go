// Package legacy implements the legacy partition engine.
//
// A version is a manifest listing segment files. Segments are zstd-compressed
// JSON lines, one entry per mutation, replayed in order on load. Superseded
// and deleted entries are tracked in a roaring bitmap.
//
// Every mutation publishes a new immutable state; readers pin the state that
// was current when they were created. Real-time entries are appended to a
// shared slice that published states never read past their own length.
//
// Commit writes the real-time entries since the last commit into a new segment
// and saves a private version whose manifest extends the loaded one.
package legacy
