package tablet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/hupe1980/rtpart/document"
	"github.com/hupe1980/rtpart/engine"
	"github.com/hupe1980/rtpart/internal/bulk"
	"github.com/hupe1980/rtpart/internal/manifest"
	"github.com/hupe1980/rtpart/model"
	"github.com/hupe1980/rtpart/resource"
	"github.com/hupe1980/rtpart/schema"
)

// SSTExt is the extension of external files ingested as sstables.
const SSTExt = ".sst"

type writer struct {
	t      *Tablet
	pid    model.PartitionID
	res    *resource.Controller
	epoch  uint64
	closed bool
}

var _ engine.TableBuilder = (*writer)(nil)

// check must be called with t.mu held.
func (w *writer) check() error {
	switch {
	case w.closed, w.t.closed:
		return engine.ErrClosed
	case w.epoch != w.t.epoch:
		return fmt.Errorf("%w: tablet was force reopened", engine.ErrUninitialized)
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

	w.t.mu.Lock()
	defer w.t.mu.Unlock()

	if err := w.check(); err != nil {
		return err
	}
	g := w.t.cur.Load()

	entries := make([]journalEntry, 0, len(batch.Docs))
	for _, d := range batch.Docs {
		e, err := toJournalEntry(g.meta.Load().schema, d)
		if err != nil {
			return err
		}
		entries = append(entries, e)
	}
	return w.publish(g, entries, batch.Locator)
}

// publish must be called with t.mu held.
func (w *writer) publish(g *generation, entries []journalEntry, loc model.Locator) error {
	var size int64
	for i := range entries {
		size += entries[i].size()
	}
	r, err := w.res.ReserveMemory(size)
	if err != nil {
		return fmt.Errorf("%w: real-time batch needs %d bytes", engine.ErrLackOfMemory, size)
	}
	if err := g.apply(entries, loc); err != nil {
		r.Release()
		return err
	}

	// The batch locator belongs to its last entry for replay purposes.
	if n := len(entries); n > 0 && loc.Valid() {
		entries[n-1].loc = advance(entries[n-1].loc, loc)
	}
	w.t.journal = append(w.t.journal, entries...)
	w.t.journalRes = append(w.t.journalRes, r)
	w.t.dirty = true
	return nil
}

func toJournalEntry(s *schema.Schema, d *document.Document) (journalEntry, error) {
	if d.PK == "" {
		return journalEntry{}, fmt.Errorf("%w: document without primary key", engine.ErrInvalidArgument)
	}
	e := journalEntry{key: docKey(d.PK), loc: d.Locator}
	if d.Op == document.OpDelete {
		e.del = true
		return e, nil
	}
	if s != nil {
		for name := range d.Fields {
			if _, ok := s.Field(name); !ok && name != s.PrimaryKey {
				return journalEntry{}, fmt.Errorf("%w: unknown field %q", engine.ErrInvalidArgument, name)
			}
		}
	}
	v, err := json.Marshal(d.Fields)
	if err != nil {
		return journalEntry{}, fmt.Errorf("%w: %w", engine.ErrInvalidArgument, err)
	}
	e.value = v
	return e, nil
}

func (w *writer) AlterTable(_ context.Context, s *schema.Schema, configPath string, loc model.Locator) error {
	w.t.mu.Lock()
	defer w.t.mu.Unlock()

	if err := w.check(); err != nil {
		return err
	}
	g := w.t.cur.Load()
	cur := g.meta.Load()
	if cur.schema != nil {
		if err := cur.schema.CheckEvolution(s); err != nil {
			return fmt.Errorf("%w: %w", engine.ErrInvalidArgument, err)
		}
	}
	locator, err := readLocator(g.db)
	if err != nil {
		return wrapPebble(err)
	}
	b := g.db.NewBatch()
	defer b.Close()
	if err := b.Set(metaSchema, encodeUint(uint64(s.Version)), nil); err != nil {
		return wrapPebble(err)
	}
	if next := advance(locator, loc); next.Valid() {
		if err := b.Set(metaLocator, encodeLocator(next), nil); err != nil {
			return wrapPebble(err)
		}
	}
	if err := b.Commit(pebble.NoSync); err != nil {
		return wrapPebble(err)
	}

	next := *cur
	next.schema = s
	next.schemaVersion = s.Version
	g.meta.Store(&next)
	w.t.dirty = true
	w.t.props.ConfigPath = configPath
	w.t.logger.Info("schema altered", "partition", w.pid.String(), "schema_version", s.Version)
	return nil
}

// ImportExternalFiles imports Parquet files as ordinary mutations and
// ingests sstables directly. Ingested sstables cannot be replayed, so a
// later non-forced reopen fails with ErrForceReopen.
func (w *writer) ImportExternalFiles(ctx context.Context, req *document.Bulkload) error {
	switch req.ImportOptions.Mode {
	case "", "append", "replace":
	default:
		return fmt.Errorf("%w: import mode %q", engine.ErrInvalidArgument, req.ImportOptions.Mode)
	}

	var (
		docs []*document.Document
		ssts []string
	)
	for _, f := range req.ExternalFiles {
		if err := ctx.Err(); err != nil {
			return err
		}
		path := bulk.Resolve(w.t.props.IndexRoot, f)
		if filepath.Ext(path) == SSTExt {
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("%w: %w", engine.ErrInvalidArgument, err)
			}
			ssts = append(ssts, path)
			continue
		}
		ds, err := bulk.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) || errors.Is(err, bulk.ErrUnsupportedFile) {
				return fmt.Errorf("%w: %w", engine.ErrInvalidArgument, err)
			}
			return fmt.Errorf("%w: %w", engine.ErrIO, err)
		}
		docs = append(docs, ds...)
	}

	w.t.mu.Lock()
	defer w.t.mu.Unlock()

	if err := w.check(); err != nil {
		return err
	}
	g := w.t.cur.Load()

	var entries []journalEntry
	if req.ImportOptions.Mode == "replace" {
		keys, err := liveKeys(g.db)
		if err != nil {
			return wrapPebble(err)
		}
		for _, k := range keys {
			entries = append(entries, journalEntry{key: k, del: true, loc: req.Locator})
		}
	}
	for _, d := range docs {
		if req.ImportOptions.IgnoreDuplicates && req.ImportOptions.Mode != "replace" {
			v, err := getValue(g.db, docKey(d.PK))
			if err != nil {
				return wrapPebble(err)
			}
			if v != nil {
				continue
			}
		}
		d.Locator = req.Locator
		e, err := toJournalEntry(g.meta.Load().schema, d)
		if err != nil {
			return err
		}
		entries = append(entries, e)
	}

	if err := w.publish(g, entries, req.Locator); err != nil {
		return err
	}
	if len(ssts) > 0 {
		if err := w.ingest(g, ssts, req.Locator); err != nil {
			return err
		}
	}
	w.t.logger.Info("external files imported",
		"partition", w.pid.String(), "bulkload_id", req.BulkloadID, "docs", len(entries), "sstables", len(ssts))
	return nil
}

// ingest must be called with t.mu held.
func (w *writer) ingest(g *generation, paths []string, loc model.Locator) error {
	// Ingest consumes its inputs; stage copies inside the generation.
	staged := make([]string, 0, len(paths))
	for _, p := range paths {
		dst := filepath.Join(g.dir, "ingest-"+uuid.NewString()+SSTExt)
		if err := copyFile(p, dst); err != nil {
			return fmt.Errorf("%w: %w", engine.ErrIO, err)
		}
		staged = append(staged, dst)
	}
	if err := g.db.Ingest(staged); err != nil {
		for _, p := range staged {
			_ = os.Remove(p)
		}
		return fmt.Errorf("%w: ingest: %w", engine.ErrInvalidArgument, err)
	}
	w.t.ingested = true
	w.t.dirty = true

	n, err := countDocs(g.db)
	if err != nil {
		return wrapPebble(err)
	}
	b := g.db.NewBatch()
	defer b.Close()
	if err := b.Set(metaCount, encodeUint(n), nil); err != nil {
		return wrapPebble(err)
	}
	cur, err := readLocator(g.db)
	if err != nil {
		return wrapPebble(err)
	}
	if next := advance(cur, loc); next.Valid() {
		if err := b.Set(metaLocator, encodeLocator(next), nil); err != nil {
			return wrapPebble(err)
		}
	}
	return wrapPebble(b.Commit(pebble.NoSync))
}

func liveKeys(r pebble.Reader) ([][]byte, error) {
	it, err := r.NewIter(&pebble.IterOptions{LowerBound: docPrefix, UpperBound: docUpperBound})
	if err != nil {
		return nil, err
	}
	var keys [][]byte
	for valid := it.First(); valid; valid = it.Next() {
		keys = append(keys, append([]byte(nil), it.Key()...))
	}
	if err := it.Close(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (w *writer) NeedCommit() bool {
	w.t.mu.Lock()
	defer w.t.mu.Unlock()
	return w.t.dirty && !w.t.closed
}

// Commit checkpoints the current generation as a private version.
// Without pending work it returns the loaded version.
func (w *writer) Commit(ctx context.Context) (model.TableVersion, error) {
	w.t.mu.Lock()
	defer w.t.mu.Unlock()

	if err := w.check(); err != nil {
		return model.TableVersion{}, err
	}
	t := w.t
	g := t.cur.Load()
	cur := g.meta.Load()
	if !t.dirty {
		return cur.version, nil
	}
	if err := ctx.Err(); err != nil {
		return model.TableVersion{}, err
	}

	id := t.nextPrivate
	files, err := checkpoint(g.db, t.store.Root(), id)
	if err != nil {
		return model.TableVersion{}, err
	}
	loc, err := readLocator(g.db)
	if err != nil {
		return model.TableVersion{}, wrapPebble(err)
	}

	m := manifest.New(id, EngineName)
	m.Files = files
	m.SchemaVersion = cur.schemaVersion
	m.Locator = loc
	m.BranchID = cur.version.Meta.BranchID
	m.BaseVersion = cur.version.Meta.BaseVersion
	if !cur.version.VersionID.IsPrivate() {
		m.BaseVersion = cur.version.VersionID
	}
	if err := t.store.Save(m); err != nil {
		return model.TableVersion{}, fmt.Errorf("%w: save manifest: %w", engine.ErrIO, err)
	}

	next := *cur
	next.version = m.TableVersion()
	next.files = files
	g.meta.Store(&next)
	t.dirty = false
	t.nextPrivate++

	t.logger.Debug("committed private version", "partition", w.pid.String(), "version", m.ID, "locator", m.Locator)
	return next.version, nil
}

// checkpoint writes db into root/tablet/<id> and describes its files.
func checkpoint(db *pebble.DB, root string, id model.IncVersion) ([]manifest.FileInfo, error) {
	rel := filepath.Join(versionDir, strconv.FormatInt(int64(id), 10))
	dest := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("%w: %w", engine.ErrIO, err)
	}
	if err := db.Checkpoint(dest, pebble.WithFlushedWAL()); err != nil {
		_ = os.RemoveAll(dest)
		return nil, wrapPebble(err)
	}

	entries, err := os.ReadDir(dest)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", engine.ErrIO, err)
	}
	files := make([]manifest.FileInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		fi, err := describe(root, filepath.Join(rel, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", engine.ErrIO, err)
		}
		files = append(files, fi)
	}
	return files, nil
}

func describe(root, rel string) (manifest.FileInfo, error) {
	f, err := os.Open(filepath.Join(root, rel))
	if err != nil {
		return manifest.FileInfo{}, err
	}
	defer f.Close()

	h := xxhash.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return manifest.FileInfo{}, err
	}
	return manifest.FileInfo{Path: filepath.ToSlash(rel), Size: n, Checksum: h.Sum64()}, nil
}

func (w *writer) Locator() model.Locator {
	g := w.t.cur.Load()
	if g == nil || !g.tryIncRef() {
		return model.Locator{}
	}
	defer g.decRef()
	loc, err := readLocator(g.db)
	if err != nil {
		return model.Locator{}
	}
	return loc
}

func (w *writer) Close() error {
	w.t.mu.Lock()
	defer w.t.mu.Unlock()
	w.closed = true
	return nil
}
