package engine

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/rtpart/model"
)

// handle is the adapter's shared reference count.
// The adapter holds the baseline reference until it retires the handle;
// every outstanding snapshot holds one more.
type handle struct {
	refs    atomic.Int64
	drained chan struct{}
}

func newHandle() *handle {
	h := &handle{drained: make(chan struct{})}
	h.refs.Store(1)
	return h
}

// tryIncRef attempts to increment the reference count.
// Returns false once the handle has been retired and drained.
func (h *handle) tryIncRef() bool {
	for {
		refs := h.refs.Load()
		if refs <= 0 {
			return false
		}
		if h.refs.CompareAndSwap(refs, refs+1) {
			return true
		}
	}
}

func (h *handle) decRef() {
	if h.refs.Add(-1) == 0 {
		close(h.drained)
	}
}

// wait blocks until all references are gone, the timeout elapses or ctx is done.
func (h *handle) wait(ctx context.Context, timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-h.drained:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}

type release struct {
	once   sync.Once
	reader Reader
	h      *handle
}

func (r *release) do() {
	r.once.Do(func() {
		_ = r.reader.Close()
		r.h.decRef()
	})
}

// Snapshot is an immutable view of a partition handed to query readers.
//
// A snapshot keeps observing the engine state it was created from, even if the
// engine is reopened meanwhile. Release must be called when done; a snapshot
// that becomes unreachable without Release is released by the runtime.
type Snapshot struct {
	reader      Reader
	total       int
	hasRealtime bool
	generation  uint64

	released atomic.Bool
	rel      *release
	cleanup  runtime.Cleanup
}

func newSnapshot(h *handle, r Reader, total int, hasRealtime bool, gen uint64) *Snapshot {
	rel := &release{reader: r, h: h}
	s := &Snapshot{
		reader:      r,
		total:       total,
		hasRealtime: hasRealtime,
		generation:  gen,
		rel:         rel,
	}
	s.cleanup = runtime.AddCleanup(s, func(r *release) { r.do() }, rel)
	return s
}

// Get returns the stored fields of a document.
func (s *Snapshot) Get(pk string) (map[string]any, bool, error) {
	if s.released.Load() {
		return nil, false, ErrClosed
	}
	return s.reader.Get(pk)
}

// DocCount returns the number of live documents in the view.
func (s *Snapshot) DocCount() int64 {
	if s.released.Load() {
		return 0
	}
	return s.reader.DocCount()
}

// Version returns the version the view was created from.
func (s *Snapshot) Version() model.TableVersion { return s.reader.Version() }

// Locator returns the stream position reflected by the view.
func (s *Snapshot) Locator() model.Locator { return s.reader.Locator() }

// TotalPartitionCount returns the number of partitions of the table.
func (s *Snapshot) TotalPartitionCount() int { return s.total }

// HasRealtime reports whether the partition ingests real-time data.
func (s *Snapshot) HasRealtime() bool { return s.hasRealtime }

// Generation returns the engine generation (bumped on every open and reopen).
func (s *Snapshot) Generation() uint64 { return s.generation }

// Release drops the snapshot's reference. It is safe to call more than once.
func (s *Snapshot) Release() {
	if s.released.Swap(true) {
		return
	}
	s.cleanup.Stop()
	s.rel.do()
}
