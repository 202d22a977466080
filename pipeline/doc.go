// Package pipeline ingests a real-time document stream into a loaded engine.
//
// A Pipeline runs one goroutine. Each iteration reads from the source and
// handles exactly one of: a batch of ordinary documents, an alter-schema
// control document, or a bulk-load control document.
//
// Failures are classified:
//
//   - read and transform failures abort the iteration
//   - a build failure is retried once; a second failure of the corruption
//     class marks the pipeline fatal and schedules a reconstruct, the
//     uninitialized class reconstructs immediately, and anything else drops
//     the batch
//
// A reconstruct commits what it can, rebuilds reader, transformer and
// builder, and seeks the reader to the engine's locator.
package pipeline
