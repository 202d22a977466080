package rtpart

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/rtpart/document"
	"github.com/hupe1980/rtpart/engine"
	"github.com/hupe1980/rtpart/model"
	"github.com/hupe1980/rtpart/pipeline"
	"github.com/hupe1980/rtpart/versionstore"
)

// startRealtime points the direct-write path at the current engine and starts
// ingestion unless it is running or suspended.
func (c *Controller) startRealtime(ctx context.Context) error {
	a, props := c.currentAdapter()
	cfg := props.Table

	if cfg.IsDirectWrite() && c.target.Role == model.RoleLeader {
		w, err := a.CreateBuilder(ctx, c.pid, c.rtResource(), props)
		if err != nil {
			c.swapWriter(nil)
			return fmt.Errorf("create direct writer: %w", err)
		}
		c.swapWriter(w)
	} else {
		c.swapWriter(nil)
	}

	if !cfg.NeedsRealtime() || c.suspended || c.currentPipeline() != nil {
		return nil
	}
	if c.opts.source == nil {
		return ErrRealtimeUnavailable
	}

	p := pipeline.New(a, pipeline.Config{
		Partition:  c.pid,
		Props:      props,
		RtResource: c.rtResource(),
		Source:     c.opts.source,
	}, c.pipelineOptions()...)
	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("start realtime: %w", err)
	}

	c.pipelineMu.Lock()
	c.pipeline = p
	c.pipelineMu.Unlock()
	return nil
}

func (c *Controller) pipelineOptions() []pipeline.Option {
	opts := []pipeline.Option{pipeline.WithLogger(c.opts.logger.Logger)}
	if c.opts.metrics != nil {
		opts = append(opts, pipeline.WithObserver(c.opts.metrics))
	}
	return append(opts, c.opts.pipelineOpts...)
}

func (c *Controller) stopPipeline() {
	c.pipelineMu.Lock()
	p := c.pipeline
	c.pipeline = nil
	c.pipelineMu.Unlock()

	if p != nil {
		p.Stop()
	}
}

func (c *Controller) swapWriter(w engine.TableBuilder) {
	c.writerMu.Lock()
	old := c.writer
	c.writer = w
	c.writerMu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			c.logger.Warn("close direct writer failed", "error", err)
		}
	}
}

// SuspendRealtime stops ingestion without unloading. Data built so far stays
// visible; uncommitted data is kept by the engine.
func (c *Controller) SuspendRealtime() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if a, _ := c.currentAdapter(); a == nil {
		return ErrNotLoaded
	}
	c.suspended = true
	c.stopPipeline()
	c.swapWriter(nil)

	rt := c.rtStatus()
	c.updateMeta(func(m *model.CurrentPartitionMeta) { m.RtStatus = rt })
	c.logger.Info("realtime suspended")
	return nil
}

// ResumeRealtime restarts ingestion stopped by SuspendRealtime.
func (c *Controller) ResumeRealtime(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if a, _ := c.currentAdapter(); a == nil {
		return ErrNotLoaded
	}
	c.suspended = false
	err := c.startRealtime(ctx)

	rt := c.rtStatus()
	c.updateMeta(func(m *model.CurrentPartitionMeta) {
		m.RtStatus = rt
		if err != nil {
			m.ErrorCode = model.ErrorBuildRealtime
		} else if m.ErrorCode == model.ErrorBuildRealtime {
			m.ErrorCode = model.ErrorNone
		}
	})
	if err != nil {
		return err
	}
	c.logger.Info("realtime resumed")
	return nil
}

// Write builds documents through the direct-write path. It is only available
// on the leader of a direct-write table.
func (c *Controller) Write(ctx context.Context, batch *document.Batch) error {
	w := c.currentWriter()
	if w == nil {
		return ErrNotWritable
	}
	if err := w.Build(ctx, batch); err != nil {
		if engine.Classify(err) == engine.ClassUninitialized {
			return fmt.Errorf("%w: %w", ErrNotWritable, err)
		}
		return err
	}
	return nil
}

// NeedCommit reports whether built data is not yet durable.
func (c *Controller) NeedCommit() bool {
	if p := c.currentPipeline(); p != nil && p.NeedCommit() {
		return true
	}
	w := c.currentWriter()
	return w != nil && w.NeedCommit()
}

// Commit makes built real-time data durable as a private version and records
// it in the version store. It returns false if nothing could be committed.
func (c *Controller) Commit(ctx context.Context) (bool, model.TableVersion) {
	var (
		ok bool
		v  model.TableVersion
	)
	switch p, w := c.currentPipeline(), c.currentWriter(); {
	case p != nil:
		ok, v = p.Commit(ctx)
	case w != nil:
		var err error
		if v, err = w.Commit(ctx); err != nil {
			c.logger.Error("commit failed", "error", err)
			v = model.TableVersion{}
		} else {
			ok = true
		}
	default:
		return false, model.TableVersion{}
	}

	c.opts.metrics.Committed(c.pid.String(), ok)
	c.logger.LogCommit(ctx, ok, v)
	if ok {
		c.recordCommit(ctx, v)
	}
	return ok, v
}

func (c *Controller) recordCommit(ctx context.Context, v model.TableVersion) {
	if !v.VersionID.IsPrivate() {
		return
	}
	c.lastCommit.Store(&v)
	if c.opts.versions == nil {
		return
	}
	if err := c.opts.versions.Put(ctx, c.pid, v); err != nil {
		if errors.Is(err, versionstore.ErrStale) {
			c.logger.Debug("version record is newer", "version", v.VersionID, "error", err)
			return
		}
		c.logger.Warn("record committed version failed", "version", v.VersionID, "error", err)
	}
}
