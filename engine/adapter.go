package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/rtpart/model"
	"github.com/hupe1980/rtpart/resource"
	"github.com/hupe1980/rtpart/schema"
)

// Kind identifies the engine variant.
type Kind int

const (
	KindLegacy Kind = iota + 1
	KindTablet
)

func (k Kind) String() string {
	switch k {
	case KindLegacy:
		return "legacy"
	case KindTablet:
		return "tablet"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// variant is the closed set of native engines.
// Only legacyVariant and tabletVariant implement it.
type variant interface {
	kind() Kind
}

type legacyVariant struct{ p LegacyPartition }

func (legacyVariant) kind() Kind { return KindLegacy }

type tabletVariant struct{ t Tablet }

func (tabletVariant) kind() Kind { return KindTablet }

func unknownVariant(v variant) error {
	return fmt.Errorf("%w: unknown engine variant %T", ErrInvalidArgument, v)
}

// Option configures an Adapter.
type Option func(*options)

type options struct {
	logger    *slog.Logger
	reporter  AccessReporter
	partition model.PartitionID
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithAccessReporter sets the receiver of access counters.
func WithAccessReporter(r AccessReporter) Option {
	return func(o *options) {
		o.reporter = r
	}
}

// WithPartition tags logs and access counters with the partition id.
func WithPartition(pid model.PartitionID) Option {
	return func(o *options) {
		o.partition = pid
	}
}

// Adapter owns one native engine and exposes it through a single contract.
type Adapter struct {
	v      variant
	opts   options
	logger *slog.Logger

	mu     sync.Mutex // open, reopen, close
	opened bool
	closed atomic.Bool

	h   *handle
	gen atomic.Uint64
}

// NewLegacyAdapter wraps a legacy partition engine.
func NewLegacyAdapter(p LegacyPartition, optFns ...Option) *Adapter {
	return newAdapter(legacyVariant{p: p}, optFns)
}

// NewTabletAdapter wraps a tablet engine.
func NewTabletAdapter(t Tablet, optFns ...Option) *Adapter {
	return newAdapter(tabletVariant{t: t}, optFns)
}

func newAdapter(v variant, optFns []Option) *Adapter {
	o := options{logger: slog.Default()}
	for _, fn := range optFns {
		fn(&o)
	}
	return &Adapter{
		v:    v,
		opts: o,
		logger: o.logger.With(
			"component", "engine",
			"engine", v.kind().String(),
			"partition", o.partition.String(),
		),
		h: newHandle(),
	}
}

// Kind returns the engine variant.
func (a *Adapter) Kind() Kind { return a.v.kind() }

// Open opens the engine at version.
func (a *Adapter) Open(ctx context.Context, props Properties, version model.IncVersion) (OpenStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed.Load() {
		return OpenClosed, ErrClosed
	}
	if a.opened {
		return OpenInvalidArgument, fmt.Errorf("%w: engine already open", ErrInvalidArgument)
	}
	if props.Logger == nil {
		props.Logger = a.logger
	}

	start := time.Now()
	var err error
	switch v := a.v.(type) {
	case legacyVariant:
		err = v.p.Open(ctx, props, version)
	case tabletVariant:
		err = v.t.OpenTablet(ctx, TabletOpenOptions{Properties: props, Version: version})
	default:
		err = unknownVariant(v)
	}

	status := OpenStatusOf(err)
	if err != nil {
		a.logger.Error("open failed", "version", version, "status", status, "error", err)
		return status, fmt.Errorf("open version %s: %w", version, err)
	}

	a.opened = true
	gen := a.gen.Add(1)
	a.logger.Info("engine opened", "version", version, "generation", gen, "duration", time.Since(start))
	return OpenOK, nil
}

// Reopen switches the engine to version.
//
// A normal reopen keeps real-time data newer than the version. A forced reopen
// discards it; builders created before must be recreated.
func (a *Adapter) Reopen(ctx context.Context, force bool, version model.IncVersion) (OpenStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed.Load() {
		return OpenClosed, ErrClosed
	}
	if !a.opened {
		return OpenInvalidArgument, ErrNotOpen
	}

	start := time.Now()
	var err error
	switch v := a.v.(type) {
	case legacyVariant:
		err = v.p.ReopenPartition(ctx, version, force)
	case tabletVariant:
		err = v.t.Reopen(ctx, ReopenOptions{Version: version, Force: force})
	default:
		err = unknownVariant(v)
	}

	status := OpenStatusOf(err)
	if err != nil {
		a.logger.Error("reopen failed", "version", version, "force", force, "status", status, "error", err)
		return status, fmt.Errorf("reopen version %s: %w", version, err)
	}

	gen := a.gen.Add(1)
	a.logger.Info("engine reopened", "version", version, "force", force, "generation", gen, "duration", time.Since(start))
	return OpenOK, nil
}

// CleanIndexFiles removes local versions not in keep. The loaded version is always kept.
func (a *Adapter) CleanIndexFiles(ctx context.Context, keep []model.IncVersion) error {
	if a.closed.Load() {
		return ErrClosed
	}
	loaded, _ := a.LoadedVersion()
	if loaded.IsValid() && !slices.Contains(keep, loaded.VersionID) {
		keep = append(slices.Clone(keep), loaded.VersionID)
	}

	switch v := a.v.(type) {
	case legacyVariant:
		return v.p.RemoveVersions(keep)
	case tabletVariant:
		_, err := v.t.Cleanup(ctx, CleanupOptions{KeepVersions: keep, VersionsOnly: true})
		return err
	default:
		return unknownVariant(v)
	}
}

// CleanUnreferencedIndexFiles removes files no kept version references.
// It reports whether anything was removed; failures are logged.
func (a *Adapter) CleanUnreferencedIndexFiles(ctx context.Context, keepFiles []string) bool {
	if a.closed.Load() {
		return false
	}

	var (
		removed bool
		err     error
	)
	switch v := a.v.(type) {
	case legacyVariant:
		var n int
		n, err = v.p.RemoveUnreferencedFiles(keepFiles)
		removed = n > 0
	case tabletVariant:
		removed, err = v.t.Cleanup(ctx, CleanupOptions{KeepFiles: keepFiles})
	default:
		err = unknownVariant(v)
	}
	if err != nil {
		a.logger.Warn("clean unreferenced files failed", "error", err)
	}
	return removed
}

// Schema returns the schema of the loaded version.
func (a *Adapter) Schema() *schema.Schema {
	switch v := a.v.(type) {
	case legacyVariant:
		return v.p.Schema()
	case tabletVariant:
		return v.t.Info().Schema
	default:
		return nil
	}
}

// LoadedVersion returns the loaded version and its schema version.
func (a *Adapter) LoadedVersion() (model.TableVersion, model.SchemaVersion) {
	switch v := a.v.(type) {
	case legacyVariant:
		return v.p.LoadedVersion()
	case tabletVariant:
		info := v.t.Info()
		return info.Version, info.SchemaVersion
	default:
		return model.TableVersion{VersionID: model.InvalidVersion}, 0
	}
}

// CreateBuilder returns a builder applying real-time mutations to the engine.
// rtResource falls back to props.Resource.
func (a *Adapter) CreateBuilder(ctx context.Context, pid model.PartitionID, rtResource *resource.Controller, props Properties) (TableBuilder, error) {
	if a.closed.Load() {
		return nil, ErrClosed
	}
	if rtResource == nil {
		rtResource = props.Resource
	}
	if s := props.Schema(); s != nil {
		if _, loaded := a.LoadedVersion(); s.Version < loaded {
			return nil, fmt.Errorf("%w: builder schema %d older than loaded %d", ErrInconsistentSchema, s.Version, loaded)
		}
	}

	switch v := a.v.(type) {
	case legacyVariant:
		return v.p.NewWriter(pid, rtResource)
	case tabletVariant:
		return v.t.NewWriter(ctx, WriterOptions{Partition: pid, Resource: rtResource})
	default:
		return nil, unknownVariant(v)
	}
}

// CreatePartitionData returns a snapshot of the current engine state.
// It fails once the adapter is closing.
func (a *Adapter) CreatePartitionData(total int, hasRealtime bool) (*Snapshot, error) {
	if a.closed.Load() || !a.h.tryIncRef() {
		return nil, ErrClosed
	}
	gen := a.gen.Load()
	if gen == 0 {
		a.h.decRef()
		return nil, ErrNotOpen
	}

	var (
		r   Reader
		err error
	)
	switch v := a.v.(type) {
	case legacyVariant:
		r, err = v.p.NewReader()
	case tabletVariant:
		r, err = v.t.NewSnapshot()
	default:
		err = unknownVariant(v)
	}
	if err != nil {
		a.h.decRef()
		return nil, fmt.Errorf("create reader: %w", err)
	}
	return newSnapshot(a.h, r, total, hasRealtime, gen), nil
}

// OutstandingSnapshots returns the number of unreleased snapshots.
func (a *Adapter) OutstandingSnapshots() int64 {
	n := a.h.refs.Load()
	if !a.closed.Load() {
		n--
	}
	return max(n, 0)
}

// Generation returns the number of successful opens and reopens.
func (a *Adapter) Generation() uint64 { return a.gen.Load() }

// ReportAccessCounter forwards an access counter to monitoring.
// It never fails the caller.
func (a *Adapter) ReportAccessCounter(name string) {
	r := a.opts.reporter
	if r == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			a.logger.Debug("access reporter panicked", "counter", name, "panic", p)
		}
	}()
	r.ReportAccess(a.opts.partition.String(), name)
}

// Close retires the shared handle, waits up to timeout for outstanding
// snapshots and closes the native engine. Close is idempotent.
func (a *Adapter) Close(ctx context.Context, timeout time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed.Swap(true) {
		return nil
	}

	a.h.decRef()
	if !a.h.wait(ctx, timeout) {
		a.logger.Warn("closing engine with outstanding snapshots",
			"outstanding", a.h.refs.Load(), "timeout", timeout)
	}

	var err error
	switch v := a.v.(type) {
	case legacyVariant:
		err = v.p.Close()
	case tabletVariant:
		err = v.t.Close()
	default:
		err = unknownVariant(v)
	}
	if err != nil {
		return fmt.Errorf("close engine: %w", err)
	}
	a.logger.Info("engine closed")
	return nil
}
