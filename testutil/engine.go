package testutil

import (
	"context"
	"sync"

	"github.com/hupe1980/rtpart/engine"
	"github.com/hupe1980/rtpart/model"
)

// Tablet is an engine.Tablet whose writers come from NewBuilder.
type Tablet struct {
	mu      sync.Mutex
	info    engine.TabletInfo
	writers int

	// NewBuilder returns the builder for the n-th NewWriter call, starting at 0.
	NewBuilder func(n int) (engine.TableBuilder, error)
	// OpenErr, if set, fails OpenTablet and Reopen.
	OpenErr error
}

var _ engine.Tablet = (*Tablet)(nil)

func (t *Tablet) OpenTablet(_ context.Context, opts engine.TabletOpenOptions) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.OpenErr != nil {
		return t.OpenErr
	}
	t.info.Version = model.TableVersion{VersionID: opts.Version}
	t.info.Schema = opts.Schema()
	if t.info.Schema != nil {
		t.info.SchemaVersion = t.info.Schema.Version
	}
	return nil
}

func (t *Tablet) Reopen(_ context.Context, opts engine.ReopenOptions) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.OpenErr != nil {
		return t.OpenErr
	}
	t.info.Version = model.TableVersion{VersionID: opts.Version}
	return nil
}

func (t *Tablet) Info() engine.TabletInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.info
}

func (t *Tablet) NewSnapshot() (engine.Reader, error) {
	return &Reader{V: t.Info().Version}, nil
}

func (t *Tablet) NewWriter(context.Context, engine.WriterOptions) (engine.TableBuilder, error) {
	t.mu.Lock()
	n := t.writers
	t.writers++
	t.mu.Unlock()
	if t.NewBuilder == nil {
		return &MockBuilder{}, nil
	}
	return t.NewBuilder(n)
}

// Writers returns the number of NewWriter calls.
func (t *Tablet) Writers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writers
}

func (t *Tablet) Cleanup(context.Context, engine.CleanupOptions) (bool, error) { return false, nil }

func (t *Tablet) Close() error { return nil }

// Reader is an empty engine.Reader at a fixed version.
type Reader struct {
	V   model.TableVersion
	Loc model.Locator
}

func (r *Reader) Get(string) (map[string]any, bool, error) { return nil, false, nil }
func (r *Reader) DocCount() int64                          { return 0 }
func (r *Reader) Version() model.TableVersion              { return r.V }
func (r *Reader) Locator() model.Locator                   { return r.Loc }
func (r *Reader) Close() error                             { return nil }
