package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned when an operation is attempted on a closed adapter.
	ErrClosed = errors.New("engine closed")

	// ErrNotOpen is returned when an operation needs an opened engine.
	ErrNotOpen = errors.New("engine not open")

	// ErrInvalidArgument is returned for requests the engine rejects as a whole
	// (unknown fields, incompatible schema, bad import options).
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrCorruption is returned when persisted or in-memory state is damaged.
	ErrCorruption = errors.New("engine corruption")

	// ErrIO is returned when the engine cannot read or write its files.
	ErrIO = errors.New("engine io error")

	// ErrUninitialized is returned when a builder is used before its engine is ready.
	ErrUninitialized = errors.New("engine uninitialized")

	// ErrNotReady is returned while the engine is switching generations.
	ErrNotReady = errors.New("engine not ready")

	// ErrLackOfMemory is returned when the memory quota would be exceeded.
	ErrLackOfMemory = errors.New("engine lack of memory")

	// ErrForceReopen is returned by a normal reopen that can only be done forced.
	ErrForceReopen = errors.New("engine needs forced reopen")

	// ErrInconsistentSchema is returned when a version does not match the loaded schema.
	ErrInconsistentSchema = errors.New("inconsistent schema")

	// ErrVersionNotFound is returned when the requested version is not deployed.
	ErrVersionNotFound = errors.New("version not found")
)

// ErrorClass groups builder errors by how the build pipeline reacts to them.
type ErrorClass int

const (
	// ClassNone means no error.
	ClassNone ErrorClass = iota
	// ClassInvalidArgument errors are logged and ignored.
	ClassInvalidArgument
	// ClassCorruption errors are fatal and require a reload.
	ClassCorruption
	// ClassUninitialized errors require rebuilding the pipeline.
	ClassUninitialized
	// ClassOther covers everything else.
	ClassOther
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassInvalidArgument:
		return "invalid_argument"
	case ClassCorruption:
		return "corruption"
	case ClassUninitialized:
		return "uninitialized"
	default:
		return "other"
	}
}

// Classify returns the class of err.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrCorruption), errors.Is(err, ErrIO):
		return ClassCorruption
	case errors.Is(err, ErrUninitialized), errors.Is(err, ErrNotReady), errors.Is(err, ErrClosed):
		return ClassUninitialized
	case errors.Is(err, ErrInvalidArgument):
		return ClassInvalidArgument
	default:
		return ClassOther
	}
}

// OpenStatus is the outcome of opening or reopening an engine.
type OpenStatus int

const (
	OpenOK OpenStatus = iota
	OpenLackOfMemory
	OpenForceReopen
	OpenInconsistentSchema
	OpenIOException
	OpenEngineException
	OpenUnknownException
	OpenVersionNotFound
	OpenInvalidArgument
	OpenClosed
)

func (s OpenStatus) String() string {
	switch s {
	case OpenOK:
		return "ok"
	case OpenLackOfMemory:
		return "lack_of_memory"
	case OpenForceReopen:
		return "force_reopen"
	case OpenInconsistentSchema:
		return "inconsistent_schema"
	case OpenIOException:
		return "io_exception"
	case OpenEngineException:
		return "engine_exception"
	case OpenUnknownException:
		return "unknown_exception"
	case OpenVersionNotFound:
		return "version_not_found"
	case OpenInvalidArgument:
		return "invalid_argument"
	case OpenClosed:
		return "closed"
	default:
		return fmt.Sprintf("OpenStatus(%d)", int(s))
	}
}

// OpenStatusOf maps an open/reopen error to its status.
// Errors the engine did not classify become OpenUnknownException.
func OpenStatusOf(err error) OpenStatus {
	switch {
	case err == nil:
		return OpenOK
	case errors.Is(err, ErrLackOfMemory):
		return OpenLackOfMemory
	case errors.Is(err, ErrForceReopen):
		return OpenForceReopen
	case errors.Is(err, ErrInconsistentSchema):
		return OpenInconsistentSchema
	case errors.Is(err, ErrIO):
		return OpenIOException
	case errors.Is(err, ErrCorruption):
		return OpenEngineException
	case errors.Is(err, ErrVersionNotFound):
		return OpenVersionNotFound
	case errors.Is(err, ErrInvalidArgument):
		return OpenInvalidArgument
	case errors.Is(err, ErrClosed):
		return OpenClosed
	default:
		return OpenUnknownException
	}
}
