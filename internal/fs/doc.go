// Package fs provides filesystem abstractions for testability and fault injection.
//
// # Implementations
//
//   - [LocalFS]: Production implementation using standard os package
//   - [FaultyFS]: Test utility for fault injection (simulate I/O errors)
//
// [WriteFileAtomic] is how version files, manifests and pointers are written:
// temp file, fsync, rename.
//
// This package intentionally does NOT include context.Context parameters.
// Local filesystem operations are not interruptible at the syscall level.
package fs
