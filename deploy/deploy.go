package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hupe1980/rtpart/blobstore"
	"github.com/hupe1980/rtpart/internal/fs"
	"github.com/hupe1980/rtpart/internal/manifest"
	"github.com/hupe1980/rtpart/model"
	"github.com/hupe1980/rtpart/resource"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrCancelled is the cause of deploys stopped by Cancel.
	ErrCancelled = errors.New("deploy cancelled")
	// ErrDiskQuota is returned when the local disk cannot hold the artifacts.
	ErrDiskQuota = errors.New("insufficient disk space")
	// ErrChecksum is returned when a fetched file does not match its manifest entry.
	ErrChecksum = errors.New("checksum mismatch")
	// ErrEmptyConfig is returned when the remote config path holds no files.
	ErrEmptyConfig = errors.New("remote config is empty")
)

// PathDetail locates one partition's index remotely and locally.
type PathDetail struct {
	// RemoteRoot is the index prefix within the store.
	RemoteRoot string
	// LocalRoot is the local index directory.
	LocalRoot string
}

// Observer receives deploy events.
type Observer interface {
	FileFetched(bytes int64)
}

type options struct {
	logger       *slog.Logger
	fs           fs.FileSystem
	res          *resource.Controller
	observer     Observer
	minFreeBytes int64
	freeSpace    func(path string) (int64, bool)
}

// Option configures a Deployer.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithFileSystem sets the local file system.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(o *options) { o.fs = fsys }
}

// WithResource bounds parallel fetches and bandwidth by the controller's limits.
func WithResource(c *resource.Controller) Option {
	return func(o *options) { o.res = c }
}

// WithObserver sets an event observer.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithMinFreeBytes sets the free space that must remain after a deploy.
func WithMinFreeBytes(n int64) Option {
	return func(o *options) { o.minFreeBytes = n }
}

// WithFreeSpace replaces the free space check. It reports false when unknown.
func WithFreeSpace(fn func(path string) (int64, bool)) Option {
	return func(o *options) { o.freeSpace = fn }
}

// Deployer fetches configs and index versions from a store.
type Deployer struct {
	store  blobstore.Store
	opts   options
	logger *slog.Logger

	mu      sync.Mutex
	cancels map[uint64]context.CancelCauseFunc
	nextID  uint64
}

// New creates a deployer reading from store.
func New(store blobstore.Store, optFns ...Option) *Deployer {
	o := options{
		logger:    slog.Default(),
		freeSpace: freeSpace,
	}
	for _, fn := range optFns {
		fn(&o)
	}
	o.fs = fs.OrDefault(o.fs)
	return &Deployer{
		store:   store,
		opts:    o,
		logger:  o.logger.With("component", "deploy"),
		cancels: make(map[uint64]context.CancelCauseFunc),
	}
}

// Cancel stops all running deploys. They report DeployCancelled.
func (d *Deployer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, cancel := range d.cancels {
		cancel(ErrCancelled)
	}
}

func (d *Deployer) track(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.cancels[id] = cancel
	d.mu.Unlock()
	return ctx, func() {
		d.mu.Lock()
		delete(d.cancels, id)
		d.mu.Unlock()
		cancel(nil)
	}
}

func statusOf(ctx context.Context, err error) model.DeployStatus {
	switch {
	case err == nil:
		return model.DeployDone
	case errors.Is(context.Cause(ctx), ErrCancelled), errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return model.DeployCancelled
	case errors.Is(err, ErrDiskQuota):
		return model.DeployDiskQuota
	default:
		return model.DeployFailed
	}
}

// DeployConfig mirrors the files below remote into the local directory.
// Files whose local copy has the remote size are skipped.
func (d *Deployer) DeployConfig(ctx context.Context, remote, local string) (model.DeployStatus, error) {
	ctx, done := d.track(ctx)
	defer done()

	err := d.deployConfig(ctx, remote, local)
	st := statusOf(ctx, err)
	if err != nil {
		d.logger.Warn("config deploy failed", "remote", remote, "local", local, "status", st, "error", err)
		return st, fmt.Errorf("deploy config %s: %w", remote, err)
	}
	d.logger.Info("config deployed", "remote", remote, "local", local)
	return st, nil
}

func (d *Deployer) deployConfig(ctx context.Context, remote, local string) error {
	prefix := blobstore.DirPrefix(remote)
	list, err := d.store.List(ctx, prefix)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		return fmt.Errorf("%w: %s", ErrEmptyConfig, remote)
	}

	var jobs []fetchJob
	for _, a := range list {
		rel := strings.TrimPrefix(a.Name, prefix)
		dst := filepath.Join(local, filepath.FromSlash(trimCodec(rel)))
		if codecOf(rel) == codecNone && d.sameSize(dst, a.Size) {
			continue
		}
		jobs = append(jobs, fetchJob{src: a.Name, dst: dst, size: a.Size, codec: codecOf(rel)})
	}
	return d.fetchAll(ctx, local, jobs)
}

// DeployIndex fetches version target below path.RemoteRoot into path.LocalRoot.
// Files already present in the local base version are not fetched again.
func (d *Deployer) DeployIndex(ctx context.Context, p PathDetail, base, target model.IncVersion) (model.DeployStatus, error) {
	ctx, done := d.track(ctx)
	defer done()

	n, err := d.deployIndex(ctx, p, base, target)
	st := statusOf(ctx, err)
	if err != nil {
		d.logger.Warn("index deploy failed", "remote", p.RemoteRoot, "version", target, "base", base, "status", st, "error", err)
		return st, fmt.Errorf("deploy version %s: %w", target, err)
	}
	d.logger.Info("index deployed", "remote", p.RemoteRoot, "version", target, "base", base, "files", n)
	return st, nil
}

func (d *Deployer) deployIndex(ctx context.Context, p PathDetail, base, target model.IncVersion) (int, error) {
	prefix := blobstore.DirPrefix(p.RemoteRoot)
	data, err := blobstore.ReadAll(ctx, d.store, prefix+manifest.FileName(target))
	if err != nil {
		return 0, err
	}
	m, err := manifest.Decode(data)
	if err != nil {
		return 0, err
	}
	if m.ID != target {
		return 0, fmt.Errorf("%w: manifest names version %s", manifest.ErrCorrupt, m.ID)
	}

	local := manifest.NewStore(d.opts.fs, p.LocalRoot)
	var baseM *manifest.Manifest
	if base.IsValid() && base != target {
		if baseM, err = local.Load(base); err != nil {
			if !errors.Is(err, manifest.ErrNotFound) {
				return 0, err
			}
			d.logger.Debug("delta base not present locally, fetching all files", "base", base)
			baseM = nil
		}
	}

	remote, err := d.store.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	available := make(map[string]int64, len(remote))
	for _, a := range remote {
		available[strings.TrimPrefix(a.Name, prefix)] = a.Size
	}

	changed := make(map[string]struct{})
	for _, f := range manifest.Diff(baseM, m) {
		changed[f.Path] = struct{}{}
	}

	var jobs []fetchJob
	for _, f := range m.Files {
		dst := filepath.Join(p.LocalRoot, filepath.FromSlash(f.Path))
		if _, ok := changed[f.Path]; !ok && d.sameSize(dst, f.Size) {
			continue
		}
		if d.matches(dst, f) {
			continue
		}
		src, size, ok := remoteName(available, f.Path)
		if !ok {
			return 0, fmt.Errorf("%w: %s", blobstore.ErrNotFound, path.Join(p.RemoteRoot, f.Path))
		}
		c := codecNone
		if src != f.Path {
			c = codecOf(src)
		}
		jobs = append(jobs, fetchJob{src: prefix + src, dst: dst, size: size, codec: c, want: &f})
	}

	if err := d.fetchAll(ctx, p.LocalRoot, jobs); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := local.Save(m); err != nil {
		return 0, fmt.Errorf("save manifest: %w", err)
	}
	return len(jobs), nil
}

// remoteName finds the stored name of a file, preferring the uncompressed one.
func remoteName(available map[string]int64, name string) (string, int64, bool) {
	for _, candidate := range []string{name, name + zstExt, name + lz4Ext} {
		if size, ok := available[candidate]; ok {
			return candidate, size, true
		}
	}
	return "", 0, false
}

func (d *Deployer) fetchAll(ctx context.Context, root string, jobs []fetchJob) error {
	if len(jobs) == 0 {
		return nil
	}
	if err := d.opts.fs.MkdirAll(root, 0o755); err != nil {
		return err
	}
	if err := d.checkDisk(root, jobs); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, job := range jobs {
		if err := d.opts.res.AcquireFetch(gctx); err != nil {
			break
		}
		g.Go(func() error {
			defer d.opts.res.ReleaseFetch()
			return d.fetch(gctx, job)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (d *Deployer) checkDisk(root string, jobs []fetchJob) error {
	if d.opts.freeSpace == nil {
		return nil
	}
	free, ok := d.opts.freeSpace(root)
	if !ok {
		return nil
	}
	var need int64
	for _, j := range jobs {
		need += j.expectedSize()
	}
	if need+d.opts.minFreeBytes > free {
		return fmt.Errorf("%w: need %d bytes, %d free", ErrDiskQuota, need+d.opts.minFreeBytes, free)
	}
	return nil
}

func (d *Deployer) sameSize(name string, size int64) bool {
	fi, err := d.opts.fs.Stat(name)
	return err == nil && !fi.IsDir() && fi.Size() == size
}
