package legacy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/hupe1980/rtpart/document"
	"github.com/hupe1980/rtpart/engine"
	"github.com/hupe1980/rtpart/internal/bulk"
	"github.com/hupe1980/rtpart/internal/manifest"
	"github.com/hupe1980/rtpart/model"
	"github.com/hupe1980/rtpart/resource"
	"github.com/hupe1980/rtpart/schema"
)

// writer applies real-time mutations. It is invalidated by a forced reopen.
type writer struct {
	p      *Partition
	pid    model.PartitionID
	res    *resource.Controller
	epoch  uint64
	closed bool
}

var _ engine.TableBuilder = (*writer)(nil)

// check must be called with p.mu held.
func (w *writer) check() error {
	switch {
	case w.closed:
		return engine.ErrClosed
	case w.p.closed:
		return engine.ErrClosed
	case w.epoch != w.p.epoch:
		return fmt.Errorf("%w: partition was force reopened", engine.ErrUninitialized)
	}
	return nil
}

func (w *writer) Build(ctx context.Context, batch *document.Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	w.p.mu.Lock()
	defer w.p.mu.Unlock()

	if err := w.check(); err != nil {
		return err
	}
	cur := w.p.st.Load()

	entries := make([]entry, 0, len(batch.Docs))
	for _, d := range batch.Docs {
		e, err := toEntry(cur.schema, d)
		if err != nil {
			return err
		}
		entries = append(entries, e)
	}
	return w.publish(cur, entries, batch.Locator)
}

// publish must be called with p.mu held.
func (w *writer) publish(cur *state, entries []entry, loc model.Locator) error {
	var size int64
	for i := range entries {
		size += entries[i].size()
	}
	r, err := w.res.ReserveMemory(size)
	if err != nil {
		return fmt.Errorf("%w: real-time segment needs %d bytes", engine.ErrLackOfMemory, size)
	}

	next := cur.derive()
	next.apply(entries)
	if loc.Valid() && (!next.locator.SameSource(loc) || loc.Offset > next.locator.Offset) {
		next.locator = loc
	}

	w.p.rtRes = append(w.p.rtRes, r)
	w.p.st.Store(next)
	return nil
}

func toEntry(s *schema.Schema, d *document.Document) (entry, error) {
	if d.PK == "" {
		return entry{}, fmt.Errorf("%w: document without primary key", engine.ErrInvalidArgument)
	}
	e := entry{PK: d.PK, TS: d.Timestamp, Loc: d.Locator}
	if d.Op == document.OpDelete {
		e.Delete = true
		return e, nil
	}
	for name := range d.Fields {
		if s != nil {
			if _, ok := s.Field(name); !ok && name != s.PrimaryKey {
				return entry{}, fmt.Errorf("%w: unknown field %q", engine.ErrInvalidArgument, name)
			}
		}
	}
	e.Fields = d.Fields
	return e, nil
}

func (w *writer) AlterTable(ctx context.Context, s *schema.Schema, configPath string, loc model.Locator) error {
	w.p.mu.Lock()
	defer w.p.mu.Unlock()

	if err := w.check(); err != nil {
		return err
	}
	cur := w.p.st.Load()
	if cur.schema != nil {
		if err := cur.schema.CheckEvolution(s); err != nil {
			return fmt.Errorf("%w: %w", engine.ErrInvalidArgument, err)
		}
	}

	next := *cur
	next.schema = s
	next.schemaVersion = s.Version
	if loc.Valid() && (!next.locator.SameSource(loc) || loc.Offset > next.locator.Offset) {
		next.locator = loc
	}
	w.p.st.Store(&next)
	w.p.schemaDirty = true
	w.p.props.ConfigPath = configPath
	w.p.logger.Info("schema altered", "partition", w.pid.String(), "schema_version", s.Version)
	return nil
}

func (w *writer) ImportExternalFiles(ctx context.Context, req *document.Bulkload) error {
	switch req.ImportOptions.Mode {
	case "", "append", "replace":
	default:
		return fmt.Errorf("%w: import mode %q", engine.ErrInvalidArgument, req.ImportOptions.Mode)
	}

	var docs []*document.Document
	for _, f := range req.ExternalFiles {
		if err := ctx.Err(); err != nil {
			return err
		}
		ds, err := bulk.ReadFile(bulk.Resolve(w.p.props.IndexRoot, f))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) || errors.Is(err, bulk.ErrUnsupportedFile) {
				return fmt.Errorf("%w: %w", engine.ErrInvalidArgument, err)
			}
			return fmt.Errorf("%w: %w", engine.ErrIO, err)
		}
		docs = append(docs, ds...)
	}

	w.p.mu.Lock()
	defer w.p.mu.Unlock()

	if err := w.check(); err != nil {
		return err
	}
	cur := w.p.st.Load()

	var entries []entry
	if req.ImportOptions.Mode == "replace" {
		pks := cur.livePKs()
		slices.Sort(pks)
		for _, pk := range pks {
			entries = append(entries, entry{PK: pk, Delete: true, Loc: req.Locator})
		}
	}
	for _, d := range docs {
		if req.ImportOptions.IgnoreDuplicates && req.ImportOptions.Mode != "replace" {
			if _, ok := cur.lookup(d.PK); ok {
				continue
			}
		}
		d.Locator = req.Locator
		e, err := toEntry(cur.schema, d)
		if err != nil {
			return err
		}
		entries = append(entries, e)
	}

	if err := w.publish(cur, entries, req.Locator); err != nil {
		return err
	}
	w.p.logger.Info("external files imported",
		"partition", w.pid.String(), "bulkload_id", req.BulkloadID, "docs", len(entries))
	return nil
}

func (w *writer) NeedCommit() bool {
	w.p.mu.Lock()
	defer w.p.mu.Unlock()

	st := w.p.st.Load()
	return st != nil && (w.p.committedTo < len(st.entries) || w.p.schemaDirty)
}

// Commit writes pending real-time entries and saves a private version.
// Without pending work it returns the loaded version.
func (w *writer) Commit(ctx context.Context) (model.TableVersion, error) {
	w.p.mu.Lock()
	defer w.p.mu.Unlock()

	if err := w.check(); err != nil {
		return model.TableVersion{}, err
	}
	p := w.p
	cur := p.st.Load()
	if p.committedTo >= len(cur.entries) && !p.schemaDirty {
		return cur.version, nil
	}

	files := slices.Clone(cur.files)
	if pending := cur.entries[p.committedTo:]; len(pending) > 0 {
		fi, err := writeSegment(p.fs, p.store.Root(), newSegmentPath(), pending)
		if err != nil {
			return model.TableVersion{}, err
		}
		files = append(files, fi)
	}

	m := manifest.New(p.nextPrivate, EngineName)
	m.Files = files
	m.SchemaVersion = cur.schemaVersion
	m.Locator = cur.locator
	m.BranchID = cur.version.Meta.BranchID
	m.BaseVersion = cur.version.Meta.BaseVersion
	if !cur.version.VersionID.IsPrivate() {
		m.BaseVersion = cur.version.VersionID
	}
	if err := p.store.Save(m); err != nil {
		return model.TableVersion{}, fmt.Errorf("%w: save manifest: %w", engine.ErrIO, err)
	}

	next := *cur
	next.version = m.TableVersion()
	next.files = files
	p.st.Store(&next)
	p.committedTo = len(cur.entries)
	p.schemaDirty = false
	p.nextPrivate++

	p.logger.Debug("committed private version", "partition", w.pid.String(), "version", m.ID, "locator", m.Locator)
	return next.version, nil
}

func (w *writer) Locator() model.Locator {
	st := w.p.st.Load()
	if st == nil {
		return model.Locator{}
	}
	return st.locator
}

func (w *writer) Close() error {
	w.p.mu.Lock()
	defer w.p.mu.Unlock()
	w.closed = true
	return nil
}
