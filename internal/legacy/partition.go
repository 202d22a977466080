package legacy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/rtpart/engine"
	"github.com/hupe1980/rtpart/internal/fs"
	"github.com/hupe1980/rtpart/internal/manifest"
	"github.com/hupe1980/rtpart/model"
	"github.com/hupe1980/rtpart/resource"
	"github.com/hupe1980/rtpart/schema"
)

// EngineName is recorded in manifests written by this engine.
const EngineName = "legacy"

// memoryFactor estimates in-memory size from on-disk segment size.
const memoryFactor = 4

// Option configures a Partition.
type Option func(*Partition)

// WithFileSystem sets the file system. Defaults to the local file system.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(p *Partition) {
		p.fs = fs.OrDefault(fsys)
	}
}

// Partition is the legacy partition engine.
type Partition struct {
	fs     fs.FileSystem
	logger *slog.Logger

	st atomic.Pointer[state]

	mu          sync.Mutex
	props       engine.Properties
	store       *manifest.Store
	opened      bool
	closed      bool
	epoch       uint64
	committedTo int
	schemaDirty bool
	nextPrivate model.IncVersion

	baseRes *resource.Reservation
	rtRes   []*resource.Reservation
}

var _ engine.LegacyPartition = (*Partition)(nil)

// New creates an unopened partition engine.
func New(optFns ...Option) *Partition {
	p := &Partition{
		fs:     fs.Default,
		logger: slog.Default(),
	}
	for _, fn := range optFns {
		fn(p)
	}
	return p
}

// Open loads version from props.IndexRoot. InvalidVersion opens an empty partition.
func (p *Partition) Open(ctx context.Context, props engine.Properties, version model.IncVersion) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return engine.ErrClosed
	}
	if p.opened {
		return fmt.Errorf("%w: already open", engine.ErrInvalidArgument)
	}
	s := props.Schema()
	if s == nil {
		return fmt.Errorf("%w: missing schema", engine.ErrInvalidArgument)
	}
	if props.Logger != nil {
		p.logger = props.Logger
	}
	p.props = props
	p.store = manifest.NewStore(p.fs, props.IndexRoot)

	var m *manifest.Manifest
	if version.IsValid() {
		var err error
		if m, err = p.loadManifest(version); err != nil {
			return err
		}
		if m.SchemaVersion > s.Version {
			return fmt.Errorf("%w: version %s built with schema %d, config has %d",
				engine.ErrInconsistentSchema, version, m.SchemaVersion, s.Version)
		}
	}

	st, res, err := p.loadState(ctx, m, s)
	if err != nil {
		return err
	}

	if err := p.initPrivateVersions(); err != nil {
		res.Release()
		return err
	}

	p.baseRes = res
	p.committedTo = st.rtStart
	p.st.Store(st)
	p.opened = true
	p.logger.Debug("legacy partition opened", "version", version, "docs", st.live)
	return nil
}

// ReopenPartition switches to version.
func (p *Partition) ReopenPartition(ctx context.Context, version model.IncVersion, force bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return engine.ErrClosed
	}
	if !p.opened {
		return engine.ErrNotOpen
	}

	cur := p.st.Load()
	m, err := p.loadManifest(version)
	if err != nil {
		return err
	}

	s := cur.schema
	if force {
		s = p.props.Schema()
		if m.SchemaVersion > s.Version {
			return fmt.Errorf("%w: version %s built with schema %d, config has %d",
				engine.ErrInconsistentSchema, version, m.SchemaVersion, s.Version)
		}
	} else {
		loaded := cur.version.VersionID
		if loaded.IsValid() && !loaded.IsPrivate() && !version.IsPrivate() && version < loaded {
			return fmt.Errorf("%w: rollback from %s to %s", engine.ErrForceReopen, loaded, version)
		}
		if m.SchemaVersion != cur.schemaVersion {
			return fmt.Errorf("%w: version %s has schema %d, loaded %d",
				engine.ErrInconsistentSchema, version, m.SchemaVersion, cur.schemaVersion)
		}
	}

	next, res, err := p.loadState(ctx, m, s)
	if err != nil {
		return err
	}

	if force {
		p.epoch++
		for _, r := range p.rtRes {
			r.Release()
		}
		p.rtRes = nil
		p.committedTo = next.rtStart
		p.schemaDirty = false
	} else {
		replay := replayable(cur, m.Locator)
		if len(replay) > 0 {
			next = next.derive()
			next.apply(replay)
		}
		if cur.locator.SameSource(next.locator) && cur.locator.IsNewerThan(next.locator) {
			next.locator = cur.locator
		}
		p.committedTo = next.rtStart
	}

	p.baseRes.Release()
	p.baseRes = res
	p.st.Store(next)
	p.logger.Debug("legacy partition reopened", "version", version, "force", force, "docs", next.live)
	return nil
}

// replayable returns the real-time entries of cur not covered by loc.
func replayable(cur *state, loc model.Locator) []entry {
	rt := cur.realtimeEntries()
	if !loc.Valid() {
		return slices.Clone(rt)
	}
	var out []entry
	for _, e := range rt {
		if e.Loc.SameSource(loc) && e.Loc.Offset > loc.Offset {
			out = append(out, e)
		}
	}
	return out
}

func (p *Partition) loadManifest(version model.IncVersion) (*manifest.Manifest, error) {
	m, err := p.store.Load(version)
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

func (p *Partition) loadState(ctx context.Context, m *manifest.Manifest, s *schema.Schema) (*state, *resource.Reservation, error) {
	if m == nil {
		return newState(nil, s, nil), nil, nil
	}

	res, err := p.props.Resource.ReserveMemory(m.TotalSize() * memoryFactor)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: version %s needs %d bytes", engine.ErrLackOfMemory, m.ID, m.TotalSize()*memoryFactor)
	}

	var entries []entry
	for _, fi := range m.Files {
		if err := ctx.Err(); err != nil {
			res.Release()
			return nil, nil, err
		}
		es, err := readSegment(p.fs, p.store.Root(), fi)
		if err != nil {
			res.Release()
			return nil, nil, err
		}
		entries = append(entries, es...)
	}
	return newState(m, s, entries), res, nil
}

func (p *Partition) initPrivateVersions() error {
	versions, err := p.store.ListVersions()
	if err != nil {
		return fmt.Errorf("%w: %w", engine.ErrIO, err)
	}
	p.nextPrivate = model.PrivateVersionMask + 1
	for _, v := range versions {
		if v.IsPrivate() && v >= p.nextPrivate {
			p.nextPrivate = v + 1
		}
	}
	return nil
}

// LoadedVersion returns the loaded version and schema version.
func (p *Partition) LoadedVersion() (model.TableVersion, model.SchemaVersion) {
	st := p.st.Load()
	if st == nil {
		return model.TableVersion{VersionID: model.InvalidVersion}, 0
	}
	return st.version, st.schemaVersion
}

// Schema returns the current schema.
func (p *Partition) Schema() *schema.Schema {
	st := p.st.Load()
	if st == nil {
		return nil
	}
	return st.schema
}

// NewReader returns a view of the current state.
func (p *Partition) NewReader() (engine.Reader, error) {
	st := p.st.Load()
	if st == nil {
		return nil, engine.ErrNotOpen
	}
	return &view{st: st}, nil
}

// NewWriter returns a builder bound to the current epoch.
func (p *Partition) NewWriter(pid model.PartitionID, res *resource.Controller) (engine.TableBuilder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, engine.ErrClosed
	}
	if !p.opened {
		return nil, engine.ErrUninitialized
	}
	return &writer{p: p, pid: pid, res: res, epoch: p.epoch}, nil
}

// RemoveVersions deletes version manifests not in keep.
func (p *Partition) RemoveVersions(keep []model.IncVersion) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.opened || p.closed {
		return engine.ErrNotOpen
	}
	versions, err := p.store.ListVersions()
	if err != nil {
		return fmt.Errorf("%w: %w", engine.ErrIO, err)
	}
	loaded := p.st.Load().version.VersionID
	for _, v := range versions {
		if v == loaded || slices.Contains(keep, v) {
			continue
		}
		if err := p.store.DeleteVersion(v); err != nil {
			return fmt.Errorf("%w: %w", engine.ErrIO, err)
		}
		p.logger.Debug("removed version", "version", v)
	}
	return nil
}

// RemoveUnreferencedFiles deletes segment files no remaining version or
// keepFiles entry references. It returns the number of removed files.
func (p *Partition) RemoveUnreferencedFiles(keepFiles []string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.opened || p.closed {
		return 0, engine.ErrNotOpen
	}
	versions, err := p.store.ListVersions()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", engine.ErrIO, err)
	}
	referenced, err := p.store.ReferencedFiles(versions)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", engine.ErrIO, err)
	}
	for _, f := range p.st.Load().files {
		referenced[f.Path] = struct{}{}
	}
	for _, f := range keepFiles {
		referenced[filepath.Clean(f)] = struct{}{}
	}

	dir := filepath.Join(p.store.Root(), segmentDir)
	entries, err := p.fs.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %w", engine.ErrIO, err)
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), segmentExt) {
			continue
		}
		rel := filepath.Join(segmentDir, e.Name())
		if _, ok := referenced[rel]; ok {
			continue
		}
		if err := p.fs.Remove(filepath.Join(p.store.Root(), rel)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("%w: %w", engine.ErrIO, err)
		}
		removed++
	}
	return removed, nil
}

// Close releases memory. Outstanding readers stay valid.
func (p *Partition) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.baseRes.Release()
	for _, r := range p.rtRes {
		r.Release()
	}
	p.rtRes = nil
	return nil
}
