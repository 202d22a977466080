// Package resource implements the process-wide resource controller shared by
// all partitions.
//
//   - Memory: engine memory quota (non-blocking, fail-fast). A failed
//     reservation is what the engines report as "lack of memory".
//   - Fetch slots: bound the number of files deployed in parallel.
//   - IO: token bucket limiting deploy throughput.
//
// Usage:
//
//	rc := resource.NewController(resource.Config{
//	    MemoryLimitBytes:   8 << 30,
//	    IOLimitBytesPerSec: 200 << 20,
//	})
//
//	res, err := rc.ReserveMemory(size)
//	if err != nil {
//	    // ErrMemoryLimitExceeded
//	}
//	defer res.Release()
//
// All methods handle a nil Controller gracefully - they become no-ops.
package resource
