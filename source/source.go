// Package source provides the real-time document streams a partition ingests.
//
// A Source yields raw documents in stream order together with the locator of
// each document. Locators are strictly monotonic per source id; seeking to a
// locator resumes with the document after it.
package source

import (
	"context"
	"errors"

	"github.com/hupe1980/rtpart/document"
	"github.com/hupe1980/rtpart/model"
)

// ErrForeignLocator is returned by Seek when the locator belongs to another stream.
var ErrForeignLocator = errors.New("locator belongs to another stream")

// ReadStatus is the outcome of a Read.
type ReadStatus int

const (
	// ReadOK means a document was returned.
	ReadOK ReadStatus = iota
	// ReadWait means nothing is available yet.
	ReadWait
	// ReadEOF means the stream ended.
	ReadEOF
	// ReadException means the read failed.
	ReadException
)

func (s ReadStatus) String() string {
	switch s {
	case ReadOK:
		return "ok"
	case ReadWait:
		return "wait"
	case ReadEOF:
		return "eof"
	case ReadException:
		return "exception"
	default:
		return "unknown"
	}
}

// Source is a seekable document stream. It is used by one goroutine at a time.
type Source interface {
	// Read returns the next document and its locator.
	Read(ctx context.Context) (*document.Raw, model.Locator, ReadStatus)
	// Seek positions the stream after loc. An invalid loc rewinds to the start.
	// It returns ErrForeignLocator if loc belongs to another stream; any other
	// error leaves the position unknown and may be retried.
	Seek(ctx context.Context, loc model.Locator) error
	Close() error
}

// PositionOracle is implemented by sources that know the newest available position.
type PositionOracle interface {
	MaxAvailablePosition(ctx context.Context) (model.Locator, bool)
}

// Factory creates a fresh source. The pipeline calls it whenever it rebuilds its reader.
type Factory func(ctx context.Context) (Source, error)
