package tablet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hupe1980/rtpart/engine"
	"github.com/hupe1980/rtpart/internal/fs"
	"github.com/hupe1980/rtpart/internal/manifest"
	"github.com/hupe1980/rtpart/model"
	"github.com/hupe1980/rtpart/resource"
	"github.com/hupe1980/rtpart/schema"
)

// EngineName is recorded in manifests written by this engine.
const EngineName = "tablet"

const (
	versionDir = "tablet"
	workDir    = "work"
)

// journalEntry is a real-time mutation kept for replay on normal reopen.
type journalEntry struct {
	key   []byte
	value []byte
	del   bool
	loc   model.Locator
}

func (e *journalEntry) size() int64 {
	return int64(48 + len(e.key) + len(e.value))
}

// Tablet is the tablet engine.
type Tablet struct {
	logger *slog.Logger

	cur atomic.Pointer[generation]

	mu          sync.Mutex
	props       engine.Properties
	store       *manifest.Store
	opened      bool
	closed      bool
	readOnly    bool
	epoch       uint64
	dirty       bool
	ingested    bool
	nextPrivate model.IncVersion
	journal     []journalEntry
	journalRes  []*resource.Reservation
	baseRes     *resource.Reservation

	dirsMu   sync.Mutex
	liveDirs map[string]struct{}
}

var _ engine.Tablet = (*Tablet)(nil)

// New creates an unopened tablet.
func New() *Tablet {
	return &Tablet{
		logger:   slog.Default(),
		liveDirs: make(map[string]struct{}),
	}
}

// OpenTablet opens opts.Version from opts.IndexRoot. InvalidVersion opens an empty tablet.
func (t *Tablet) OpenTablet(ctx context.Context, opts engine.TabletOpenOptions) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return engine.ErrClosed
	}
	if t.opened {
		return fmt.Errorf("%w: already open", engine.ErrInvalidArgument)
	}
	s := opts.Schema()
	if s == nil {
		return fmt.Errorf("%w: missing schema", engine.ErrInvalidArgument)
	}
	if opts.Logger != nil {
		t.logger = opts.Logger
	}
	t.props = opts.Properties
	t.readOnly = opts.ReadOnly
	t.store = manifest.NewStore(fs.Default, opts.IndexRoot)

	var m *manifest.Manifest
	if opts.Version.IsValid() {
		var err error
		if m, err = t.loadManifest(opts.Version); err != nil {
			return err
		}
		if m.SchemaVersion > s.Version {
			return fmt.Errorf("%w: version %s built with schema %d, config has %d",
				engine.ErrInconsistentSchema, opts.Version, m.SchemaVersion, s.Version)
		}
	}

	g, res, err := t.openGeneration(ctx, m, s)
	if err != nil {
		return err
	}
	if err := t.initPrivateVersions(); err != nil {
		g.decRef()
		res.Release()
		return err
	}

	t.baseRes = res
	t.cur.Store(g)
	t.opened = true
	t.logger.Debug("tablet opened", "version", opts.Version, "dir", g.dir)
	return nil
}

// Reopen switches the tablet to opts.Version.
func (t *Tablet) Reopen(ctx context.Context, opts engine.ReopenOptions) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return engine.ErrClosed
	}
	if !t.opened {
		return engine.ErrNotOpen
	}

	old := t.cur.Load()
	cur := old.meta.Load()
	m, err := t.loadManifest(opts.Version)
	if err != nil {
		return err
	}

	s := cur.schema
	if opts.Force {
		s = t.props.Schema()
		if m.SchemaVersion > s.Version {
			return fmt.Errorf("%w: version %s built with schema %d, config has %d",
				engine.ErrInconsistentSchema, opts.Version, m.SchemaVersion, s.Version)
		}
	} else {
		loaded := cur.version.VersionID
		switch {
		case t.ingested:
			return fmt.Errorf("%w: external sstables cannot be replayed", engine.ErrForceReopen)
		case loaded.IsValid() && !loaded.IsPrivate() && !opts.Version.IsPrivate() && opts.Version < loaded:
			return fmt.Errorf("%w: rollback from %s to %s", engine.ErrForceReopen, loaded, opts.Version)
		case m.SchemaVersion != cur.schemaVersion:
			return fmt.Errorf("%w: version %s has schema %d, loaded %d",
				engine.ErrInconsistentSchema, opts.Version, m.SchemaVersion, cur.schemaVersion)
		}
	}

	g, res, err := t.openGeneration(ctx, m, s)
	if err != nil {
		return err
	}

	if opts.Force {
		t.epoch++
		t.releaseJournal()
		t.dirty = false
		t.ingested = false
	} else {
		replay := make([]journalEntry, 0, len(t.journal))
		for _, e := range t.journal {
			if !m.Locator.Valid() || (e.loc.SameSource(m.Locator) && e.loc.Offset > m.Locator.Offset) {
				replay = append(replay, e)
			}
		}
		if len(replay) > 0 {
			if err := g.apply(replay, model.Locator{}); err != nil {
				g.decRef()
				res.Release()
				return err
			}
			t.dirty = true
		}
		t.journal = replay
	}

	t.baseRes.Release()
	t.baseRes = res
	t.cur.Store(g)
	old.decRef()
	t.logger.Debug("tablet reopened", "version", opts.Version, "force", opts.Force, "dir", g.dir)
	return nil
}

func (t *Tablet) releaseJournal() {
	for _, r := range t.journalRes {
		r.Release()
	}
	t.journalRes = nil
	t.journal = nil
}

func (t *Tablet) loadManifest(version model.IncVersion) (*manifest.Manifest, error) {
	m, err := t.store.Load(version)
	switch {
	case err == nil:
		return m, nil
	case errors.Is(err, manifest.ErrNotFound):
		return nil, fmt.Errorf("%w: %s", engine.ErrVersionNotFound, version)
	case errors.Is(err, manifest.ErrCorrupt):
		return nil, fmt.Errorf("%w: %w", engine.ErrCorruption, err)
	default:
		return nil, fmt.Errorf("%w: %w", engine.ErrIO, err)
	}
}

func (t *Tablet) openGeneration(ctx context.Context, m *manifest.Manifest, s *schema.Schema) (*generation, *resource.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	meta := &genMeta{
		version:       model.TableVersion{VersionID: model.InvalidVersion},
		schema:        s,
		schemaVersion: s.Version,
	}
	var size int64
	if m != nil {
		meta.version = m.TableVersion()
		meta.files = slices.Clone(m.Files)
		meta.schemaVersion = m.SchemaVersion
		size = m.TotalSize()
	}

	res, err := t.props.Resource.ReserveMemory(size)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: version needs %d bytes", engine.ErrLackOfMemory, size)
	}

	dir := filepath.Join(t.store.Root(), workDir, uuid.NewString())
	g, err := openGeneration(t.store.Root(), dir, m, meta, t.logger)
	if err != nil {
		res.Release()
		return nil, nil, err
	}

	t.dirsMu.Lock()
	t.liveDirs[dir] = struct{}{}
	t.dirsMu.Unlock()
	g.onClose = func(g *generation) {
		t.dirsMu.Lock()
		delete(t.liveDirs, g.dir)
		t.dirsMu.Unlock()
	}
	return g, res, nil
}

func (t *Tablet) initPrivateVersions() error {
	versions, err := t.store.ListVersions()
	if err != nil {
		return fmt.Errorf("%w: %w", engine.ErrIO, err)
	}
	t.nextPrivate = model.PrivateVersionMask + 1
	for _, v := range versions {
		if v.IsPrivate() && v >= t.nextPrivate {
			t.nextPrivate = v + 1
		}
	}
	return nil
}

// Info describes the loaded state.
func (t *Tablet) Info() engine.TabletInfo {
	g := t.cur.Load()
	if g == nil {
		return engine.TabletInfo{Version: model.TableVersion{VersionID: model.InvalidVersion}}
	}
	meta := g.meta.Load()

	t.mu.Lock()
	var mem int64
	for _, r := range t.journalRes {
		mem += r.Bytes()
	}
	t.mu.Unlock()

	return engine.TabletInfo{
		Version:       meta.version,
		SchemaVersion: meta.schemaVersion,
		Schema:        meta.schema,
		MemoryBytes:   mem,
	}
}

// NewSnapshot returns a reader pinned to the current generation.
func (t *Tablet) NewSnapshot() (engine.Reader, error) {
	for {
		g := t.cur.Load()
		if g == nil {
			return nil, engine.ErrNotOpen
		}
		if !g.tryIncRef() {
			// Retired by a concurrent reopen; pick up the new generation.
			continue
		}
		r, err := newSnapshotReader(g)
		if err != nil {
			g.decRef()
			return nil, err
		}
		return r, nil
	}
}

// NewWriter returns a builder bound to the current epoch.
func (t *Tablet) NewWriter(_ context.Context, opts engine.WriterOptions) (engine.TableBuilder, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case t.closed:
		return nil, engine.ErrClosed
	case !t.opened:
		return nil, engine.ErrUninitialized
	case t.readOnly:
		return nil, fmt.Errorf("%w: tablet is read-only", engine.ErrInvalidArgument)
	}
	return &writer{t: t, pid: opts.Partition, res: opts.Resource, epoch: t.epoch}, nil
}

// Cleanup removes unkept versions, or with VersionsOnly unset, also sweeps
// checkpoint and working directories nothing references.
func (t *Tablet) Cleanup(_ context.Context, opts engine.CleanupOptions) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.opened || t.closed {
		return false, engine.ErrNotOpen
	}
	loaded := t.cur.Load().meta.Load().version.VersionID
	root := t.store.Root()

	versions, err := t.store.ListVersions()
	if err != nil {
		return false, fmt.Errorf("%w: %w", engine.ErrIO, err)
	}

	removed := false
	if opts.VersionsOnly {
		for _, v := range versions {
			if v == loaded || slices.Contains(opts.KeepVersions, v) {
				continue
			}
			if err := t.store.DeleteVersion(v); err != nil {
				return removed, fmt.Errorf("%w: %w", engine.ErrIO, err)
			}
			if err := os.RemoveAll(filepath.Join(root, versionDir, strconv.FormatInt(int64(v), 10))); err != nil {
				return removed, fmt.Errorf("%w: %w", engine.ErrIO, err)
			}
			removed = true
		}
		return removed, nil
	}

	keep := make(map[string]struct{})
	for _, f := range opts.KeepFiles {
		keep[filepath.Dir(filepath.Clean(f))] = struct{}{}
	}
	for _, v := range versions {
		keep[filepath.Join(versionDir, strconv.FormatInt(int64(v), 10))] = struct{}{}
	}

	entries, err := os.ReadDir(filepath.Join(root, versionDir))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("%w: %w", engine.ErrIO, err)
	}
	for _, e := range entries {
		rel := filepath.Join(versionDir, e.Name())
		if _, ok := keep[rel]; ok || !e.IsDir() {
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, rel)); err != nil {
			return removed, fmt.Errorf("%w: %w", engine.ErrIO, err)
		}
		removed = true
	}

	work, err := os.ReadDir(filepath.Join(root, workDir))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return removed, fmt.Errorf("%w: %w", engine.ErrIO, err)
	}
	t.dirsMu.Lock()
	defer t.dirsMu.Unlock()
	for _, e := range work {
		dir := filepath.Join(root, workDir, e.Name())
		if _, ok := t.liveDirs[dir]; ok {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			return removed, fmt.Errorf("%w: %w", engine.ErrIO, err)
		}
		removed = true
	}
	return removed, nil
}

// Close retires the current generation. It is closed once its last snapshot is released.
func (t *Tablet) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	if g := t.cur.Swap(nil); g != nil {
		g.decRef()
	}
	t.releaseJournal()
	t.baseRes.Release()
	return nil
}
