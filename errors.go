package rtpart

import (
	"errors"
	"fmt"

	"github.com/hupe1980/rtpart/model"
)

var (
	// ErrNotLoaded is returned when an operation needs a loaded partition.
	ErrNotLoaded = errors.New("partition not loaded")

	// ErrNotWritable is returned by Write when the partition does not accept
	// direct writes: the table is not a direct-write table or the replica is a follower.
	ErrNotWritable = errors.New("partition not writable")

	// ErrLoadCancelled is the cause of loads stopped by CancelLoad.
	ErrLoadCancelled = errors.New("load cancelled")

	// ErrRealtimeUnavailable is returned when a real-time table has no document source.
	ErrRealtimeUnavailable = errors.New("no document source for real-time table")
)

// LoadError describes a failed load.
//
// The original underlying error can be accessed via errors.Unwrap.
type LoadError struct {
	Version model.IncVersion
	Status  model.TableStatus
	Code    model.ErrorCode
	cause   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load version %s: %s (%s): %v", e.Version, e.Status, e.Code, e.cause)
}

func (e *LoadError) Unwrap() error { return e.cause }
