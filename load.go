package rtpart

import (
	"context"
	"errors"
	"time"

	"github.com/hupe1980/rtpart/engine"
	"github.com/hupe1980/rtpart/model"
	"github.com/hupe1980/rtpart/schema"
	"github.com/hupe1980/rtpart/versionstore"
)

const (
	loadKindFull = "full"
	loadKindInc  = "inc"
)

// Load brings the partition to target. Without a loaded engine it opens one
// (full load); otherwise it reopens the loaded engine at target.IncVersion.
//
// A branch change returns TableForceReload without touching the engine; the
// orchestrator is expected to Unload and Load again. A forced reopen discards
// real-time data newer than the version and restarts ingestion on top of it.
func (c *Controller) Load(ctx context.Context, target model.TargetPartitionMeta, force bool) (model.TableStatus, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	ctx, done := c.trackLoad(ctx)
	defer done()

	if a, _ := c.currentAdapter(); a == nil {
		return c.loadFull(ctx, target)
	}
	return c.loadInc(ctx, target, force)
}

// CancelLoad stops a running Load. It does not wait for it.
func (c *Controller) CancelLoad() {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	if c.loadCancel != nil {
		c.loadCancel(ErrLoadCancelled)
	}
}

func (c *Controller) trackLoad(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	c.loadMu.Lock()
	c.loadCancel = cancel
	c.loadMu.Unlock()
	return ctx, func() {
		c.loadMu.Lock()
		c.loadCancel = nil
		c.loadMu.Unlock()
		cancel(nil)
	}
}

func (c *Controller) loadFull(ctx context.Context, target model.TargetPartitionMeta) (model.TableStatus, error) {
	start := time.Now()
	c.updateMeta(func(m *model.CurrentPartitionMeta) {
		m.TableStatus = model.TableLoading
		m.ErrorCode = model.ErrorNone
	})

	cfg, err := schema.LoadTable(target.ConfigPath)
	if err != nil {
		return c.failLoad(ctx, loadKindFull, target, model.TableErrorConfig, model.ErrorConfig, err)
	}
	a, err := c.opts.newEngine(cfg, c.engineOptions()...)
	if err != nil {
		return c.failLoad(ctx, loadKindFull, target, model.TableErrorConfig, model.ErrorConfig, err)
	}
	props := engine.Properties{
		IndexRoot:  target.IndexRoot,
		ConfigPath: target.ConfigPath,
		Table:      cfg,
		Resource:   c.opts.resource,
		Logger:     c.opts.logger.Logger,
	}

	version := c.resumeVersion(ctx, target)
	status, err := a.Open(ctx, props, version)
	if err != nil && version != target.IncVersion {
		c.logger.WithVersion(target.IncVersion).Warn("resume failed, opening target version", "private", version, "error", err)
		status, err = a.Open(ctx, props, target.IncVersion)
	}
	if err != nil {
		_ = a.Close(ctx, 0)
		st := tableStatusOf(status)
		return c.failLoad(ctx, loadKindFull, target, st, errorCodeOf(st, true, false), err)
	}

	c.setAdapter(a, props)
	c.target = target
	c.indexRoot = target.IndexRoot
	c.suspended = false

	rtErr := c.startRealtime(ctx)
	if rtErr == nil && cfg.NeedsRealtime() && cfg.Realtime.WaitRecovered {
		if p := c.currentPipeline(); p != nil {
			if err := p.WaitRecovered(ctx); err != nil {
				if cause := context.Cause(ctx); cause != nil {
					err = cause
				}
				_, _ = c.teardown(context.WithoutCancel(ctx))
				return c.failLoad(ctx, loadKindFull, target, model.TableErrorUnknown, model.ErrorUnknown, err)
			}
		}
	}
	return c.finishLoad(ctx, loadKindFull, target, cfg, start, rtErr)
}

func (c *Controller) loadInc(ctx context.Context, target model.TargetPartitionMeta, force bool) (model.TableStatus, error) {
	start := time.Now()
	if target.BranchID != c.target.BranchID {
		c.logger.Warn("branch changed, reload required",
			"loaded_branch", c.target.BranchID, "branch", target.BranchID)
		c.updateMeta(func(m *model.CurrentPartitionMeta) {
			m.TableStatus = model.TableForceReload
		})
		return model.TableForceReload, nil
	}

	cfg, err := schema.LoadTable(target.ConfigPath)
	if err != nil {
		return c.failLoad(ctx, loadKindInc, target, model.TableErrorConfig, model.ErrorConfig, err)
	}

	a, props := c.currentAdapter()
	if force {
		c.stopPipeline()
	}
	c.updateMeta(func(m *model.CurrentPartitionMeta) {
		m.TableStatus = model.TableLoading
	})

	status, err := a.Reopen(ctx, force, target.IncVersion)
	if err != nil {
		if !force {
			c.stopPipeline()
		}
		st := tableStatusOf(status)
		return c.failLoad(ctx, loadKindInc, target, st, errorCodeOf(st, false, force), err)
	}

	props.Table = cfg
	props.ConfigPath = target.ConfigPath
	props.IndexRoot = target.IndexRoot
	c.setAdapter(a, props)
	c.target = target
	c.indexRoot = target.IndexRoot

	return c.finishLoad(ctx, loadKindInc, target, cfg, start, c.startRealtime(ctx))
}

// resumeVersion returns the last committed private version if it was built
// on target in the same branch, target.IncVersion otherwise.
func (c *Controller) resumeVersion(ctx context.Context, target model.TargetPartitionMeta) model.IncVersion {
	if c.opts.versions == nil {
		return target.IncVersion
	}
	rec, err := c.opts.versions.Get(ctx, c.pid)
	switch {
	case err == nil:
		if versionstore.Resumable(rec, target.IncVersion, target.BranchID) {
			c.logger.WithVersion(target.IncVersion).Info("resuming from committed version",
				"private", rec.Version.VersionID, "locator", rec.Version.Meta.Locator)
			return rec.Version.VersionID
		}
	case errors.Is(err, versionstore.ErrNotFound):
	default:
		c.logger.Warn("read version record failed", "error", err)
	}
	return target.IncVersion
}

// finishLoad publishes the loaded state. A real-time start failure keeps the
// partition loaded and is reported as ErrorBuildRealtime.
func (c *Controller) finishLoad(ctx context.Context, kind string, target model.TargetPartitionMeta, cfg *schema.TableConfig, start time.Time, rtErr error) (model.TableStatus, error) {
	s := cfg.Schema
	code := model.ErrorNone
	if rtErr != nil {
		code = model.ErrorBuildRealtime
	}
	rt := c.rtStatus()
	c.updateMeta(func(m *model.CurrentPartitionMeta) {
		m.IncVersion = target.IncVersion
		m.BranchID = target.BranchID
		m.ConfigPath = target.ConfigPath
		m.IndexRoot = target.IndexRoot
		m.SchemaVersion = s.Version
		m.SchemaContent = s.Content()
		m.EffectiveFields = s.EffectiveFields()
		m.TableStatus = model.TableLoaded
		m.RtStatus = rt
		m.ErrorCode = code
		m.ForceOnline = false
	})

	d := time.Since(start)
	c.opts.metrics.Loaded(c.pid.String(), kind, d)
	if rtErr != nil {
		err := &LoadError{Version: target.IncVersion, Status: model.TableLoaded, Code: code, cause: rtErr}
		c.logger.LogLoad(ctx, kind, target.IncVersion, model.TableLoaded, d, err)
		return model.TableLoaded, err
	}
	c.logger.LogLoad(ctx, kind, target.IncVersion, model.TableLoaded, d, nil)
	return model.TableLoaded, nil
}

func (c *Controller) failLoad(ctx context.Context, kind string, target model.TargetPartitionMeta, st model.TableStatus, code model.ErrorCode, cause error) (model.TableStatus, error) {
	c.updateMeta(func(m *model.CurrentPartitionMeta) {
		m.TableStatus = st
		m.ErrorCode = code
	})
	err := &LoadError{Version: target.IncVersion, Status: st, Code: code, cause: cause}
	c.logger.LogLoad(ctx, kind, target.IncVersion, st, 0, err)
	return st, err
}
