package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/rtpart/document"
	"github.com/hupe1980/rtpart/engine"
	"github.com/hupe1980/rtpart/model"
	"github.com/hupe1980/rtpart/schema"
	"github.com/hupe1980/rtpart/source"
)

// ErrRunning is returned when starting a running pipeline.
var ErrRunning = errors.New("pipeline already running")

// Pipeline ingests a document stream into an engine adapter.
type Pipeline struct {
	adapter *engine.Adapter
	cfg     Config
	opts    options
	logger  *slog.Logger

	// Each cell is swapped under its own lock; the loop is their only writer.
	readerMu sync.RWMutex
	reader   source.Source

	transformerMu sync.RWMutex
	transformer   Transformer
	table         *schema.TableConfig

	builderMu sync.RWMutex
	builder   engine.TableBuilder

	needReload atomic.Bool
	fatal      atomic.Bool
	recovered  atomic.Bool
	started    atomic.Int64 // unix nanos of Start

	pending *document.Raw
	// rewind asks the next step to reread from the builder's locator.
	rewind bool

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a pipeline feeding adapter.
func New(adapter *engine.Adapter, cfg Config, optFns ...Option) *Pipeline {
	o := defaultOptions(cfg.Props.Table)
	for _, fn := range optFns {
		fn(&o)
	}
	if o.newTransformer == nil {
		o.newTransformer = DefaultTransformer(o.logger)
	}
	return &Pipeline{
		adapter: adapter,
		cfg:     cfg,
		opts:    o,
		logger:  o.logger.With("component", "pipeline", "partition", cfg.Partition.String()),
		table:   cfg.Props.Table,
	}
}

// Start builds reader, transformer and builder and starts ingesting.
// Construction errors are returned synchronously.
func (p *Pipeline) Start(ctx context.Context) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	if p.done != nil {
		return ErrRunning
	}
	p.started.Store(p.opts.now().UnixNano())
	p.recovered.Store(false)

	if err := p.reconstruct(ctx); err != nil {
		p.teardown()
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(runCtx, p.done)

	p.logger.Info("pipeline started", "locator", p.Locator())
	return nil
}

// Stop cancels the loop and waits for it without timeout. It is idempotent.
func (p *Pipeline) Stop() {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	if p.done == nil {
		return
	}
	p.cancel()
	<-p.done
	p.teardown()
	p.done = nil
	p.cancel = nil
	p.fatal.Store(false)
	p.needReload.Store(false)
	p.logger.Info("pipeline stopped")
}

// Running reports whether the loop is active.
func (p *Pipeline) Running() bool {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	return p.done != nil
}

// Fatal reports whether an unrecoverable build error occurred since Start.
func (p *Pipeline) Fatal() bool { return p.fatal.Load() }

// NeedReload reports whether a reconstruct is pending.
func (p *Pipeline) NeedReload() bool { return p.needReload.Load() }

func (p *Pipeline) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	for ctx.Err() == nil {
		if p.needReload.Load() {
			if err := p.reconstruct(ctx); err != nil {
				p.logger.Error("reconstruct failed", "error", err)
				p.sleep(ctx)
				continue
			}
		}

		progressed := p.step(ctx)
		p.checkRecovered(ctx)
		if !progressed || p.rewind {
			p.sleep(ctx)
		}
	}
}

func (p *Pipeline) sleep(ctx context.Context) {
	t := time.NewTimer(p.opts.idle)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// step runs one iteration and reports whether it made progress.
func (p *Pipeline) step(ctx context.Context) bool {
	if p.rewind {
		p.rewind = false
		if !p.seekBuilder(ctx) {
			return false
		}
	}

	raw, st := p.next(ctx)
	if st != source.ReadOK {
		if st == source.ReadException {
			p.logger.Debug("read failed")
		}
		return false
	}

	switch raw.Cmd() {
	case document.CmdAlter:
		p.handleAlter(ctx, raw)
		return true
	case document.CmdBulkload:
		p.handleBulkload(ctx, raw)
		return true
	}

	batch, ok := p.collect(ctx, raw)
	if !ok {
		return true
	}
	if batch.Len() > 0 {
		p.build(ctx, batch)
	}
	return true
}

func (p *Pipeline) next(ctx context.Context) (*document.Raw, source.ReadStatus) {
	if raw := p.pending; raw != nil {
		p.pending = nil
		return raw, source.ReadOK
	}
	p.readerMu.RLock()
	r := p.reader
	p.readerMu.RUnlock()
	if r == nil {
		return nil, source.ReadException
	}
	raw, _, st := r.Read(ctx)
	return raw, st
}

// collect transforms first and following ordinary documents into one batch.
// A control document ends the batch and is kept for the next iteration.
func (p *Pipeline) collect(ctx context.Context, first *document.Raw) (*document.Batch, bool) {
	p.transformerMu.RLock()
	tr := p.transformer
	p.transformerMu.RUnlock()

	batch := &document.Batch{}
	raw := first
	for {
		b, err := tr.Process(raw)
		switch {
		case err != nil && raw == first:
			p.logger.Warn("transform failed", "locator", raw.Locator, "error", err)
			return nil, false
		case err != nil:
			p.logger.Warn("transform failed, skipping document", "locator", raw.Locator, "error", err)
			batch.Locator = raw.Locator
		default:
			batch.Docs = append(batch.Docs, b.Docs...)
			batch.Locator = b.Locator
		}

		if len(batch.Docs) >= p.opts.batchSize {
			return batch, true
		}
		next, st := p.next(ctx)
		if st != source.ReadOK {
			return batch, true
		}
		if next.IsControl() {
			p.pending = next
			return batch, true
		}
		raw = next
	}
}

// build applies the retry law.
func (p *Pipeline) build(ctx context.Context, batch *document.Batch) {
	p.builderMu.RLock()
	b := p.builder
	p.builderMu.RUnlock()
	if b == nil {
		return
	}

	start := time.Now()
	err := b.Build(ctx, batch)
	if err != nil {
		p.logger.Warn("build failed, retrying", "docs", batch.Len(), "error", err)
		err = b.Build(ctx, batch)
	}
	if err == nil {
		if obs := p.opts.observer; obs != nil {
			obs.BatchBuilt(p.cfg.Partition.String(), batch.Len(), time.Since(start))
		}
		return
	}
	p.handleFailure(ctx, "build", err, "docs", batch.Len(), "locator", batch.Locator)
}

// handleFailure classifies an engine error that survived any retries.
// It reports whether the error was of the invalid-argument class.
func (p *Pipeline) handleFailure(ctx context.Context, op string, err error, attrs ...any) bool {
	class := engine.Classify(err)
	if obs := p.opts.observer; obs != nil {
		obs.BuildFailed(p.cfg.Partition.String(), class)
	}
	attrs = append(attrs, "op", op, "class", class.String(), "error", err)

	switch class {
	case engine.ClassCorruption:
		p.logger.Error("engine corrupted, reload required", attrs...)
		p.fatal.Store(true)
		p.needReload.Store(true)
	case engine.ClassUninitialized:
		p.logger.Warn("builder invalidated, reconstructing", attrs...)
		if rerr := p.reconstruct(ctx); rerr != nil {
			p.logger.Error("reconstruct failed", "error", rerr)
			p.needReload.Store(true)
		}
	case engine.ClassInvalidArgument:
		p.logger.Warn("engine rejected input", attrs...)
		return true
	default:
		p.logger.Warn("engine error, rereading from builder locator", attrs...)
		p.rewind = true
	}
	return false
}

// seekBuilder positions the reader after the builder's locator and discards
// any pending document. A failed seek schedules a reconstruct.
func (p *Pipeline) seekBuilder(ctx context.Context) bool {
	p.readerMu.RLock()
	r := p.reader
	p.readerMu.RUnlock()
	p.builderMu.RLock()
	b := p.builder
	p.builderMu.RUnlock()
	if r == nil || b == nil {
		return false
	}

	p.pending = nil
	loc := b.Locator()
	if err := r.Seek(ctx, loc); err != nil {
		p.logger.Warn("rewind failed, reconstructing", "locator", loc, "error", err)
		p.needReload.Store(true)
		return false
	}
	p.logger.Debug("rewound reader", "locator", loc)
	return true
}

// reconstruct tears reader, transformer and builder down and recreates them
// against the adapter's current state.
func (p *Pipeline) reconstruct(ctx context.Context) error {
	p.builderMu.RLock()
	old := p.builder
	p.builderMu.RUnlock()
	if old != nil && old.NeedCommit() {
		if _, err := old.Commit(ctx); err != nil {
			p.logger.Warn("commit before reconstruct failed", "error", err)
		}
	}
	p.teardown()

	props := p.cfg.Props
	p.transformerMu.RLock()
	props.Table = p.table
	p.transformerMu.RUnlock()

	b, err := p.adapter.CreateBuilder(ctx, p.cfg.Partition, p.cfg.RtResource, props)
	if err != nil {
		return fmt.Errorf("create builder: %w", err)
	}
	tr, err := p.opts.newTransformer(props.Table)
	if err != nil {
		_ = b.Close()
		return fmt.Errorf("create transformer: %w", err)
	}
	if p.cfg.Source == nil {
		_ = b.Close()
		return errors.New("no document source configured")
	}
	r, err := p.cfg.Source(ctx)
	if err != nil {
		_ = b.Close()
		return fmt.Errorf("open source: %w", err)
	}
	if p.opts.hashFilter {
		r = source.NewHashFilter(r, p.cfg.Partition, props.Schema().PrimaryKey)
	}

	loc := b.Locator()
	err = r.Seek(ctx, loc)
	if errors.Is(err, source.ErrForeignLocator) {
		// The stream changed; the engine state stays, reading restarts.
		p.logger.Warn("engine locator belongs to another stream, reading from start", "locator", loc)
		err = r.Seek(ctx, model.Locator{})
	}
	if err != nil {
		_ = r.Close()
		_ = b.Close()
		return fmt.Errorf("seek source to %s: %w", loc, err)
	}

	p.builderMu.Lock()
	p.builder = b
	p.builderMu.Unlock()
	p.transformerMu.Lock()
	p.transformer = tr
	p.transformerMu.Unlock()
	p.readerMu.Lock()
	p.reader = r
	p.readerMu.Unlock()

	p.pending = nil
	p.rewind = false
	p.needReload.Store(false)
	if obs := p.opts.observer; obs != nil {
		obs.Reconstructed(p.cfg.Partition.String())
	}
	p.logger.Debug("pipeline reconstructed", "locator", loc)
	return nil
}

func (p *Pipeline) teardown() {
	p.builderMu.Lock()
	if p.builder != nil {
		_ = p.builder.Close()
		p.builder = nil
	}
	p.builderMu.Unlock()

	p.readerMu.Lock()
	if p.reader != nil {
		_ = p.reader.Close()
		p.reader = nil
	}
	p.readerMu.Unlock()

	p.transformerMu.Lock()
	p.transformer = nil
	p.transformerMu.Unlock()
}

// NeedCommit reports whether a reload is pending or the builder holds unflushed work.
func (p *Pipeline) NeedCommit() bool {
	if p.needReload.Load() {
		return true
	}
	p.builderMu.RLock()
	defer p.builderMu.RUnlock()
	return p.builder != nil && p.builder.NeedCommit()
}

// Commit makes built data durable. Engine errors yield (false, TableVersion{}).
func (p *Pipeline) Commit(ctx context.Context) (bool, model.TableVersion) {
	p.builderMu.RLock()
	b := p.builder
	p.builderMu.RUnlock()
	if b == nil {
		return false, model.TableVersion{}
	}
	v, err := b.Commit(ctx)
	if err != nil {
		p.logger.Error("commit failed", "error", err)
		return false, model.TableVersion{}
	}
	return true, v
}

// Locator returns the builder's locator.
func (p *Pipeline) Locator() model.Locator {
	p.builderMu.RLock()
	defer p.builderMu.RUnlock()
	if p.builder == nil {
		return model.Locator{}
	}
	return p.builder.Locator()
}

// Table returns the table config the pipeline currently builds with.
func (p *Pipeline) Table() *schema.TableConfig {
	p.transformerMu.RLock()
	defer p.transformerMu.RUnlock()
	return p.table
}
