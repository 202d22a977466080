package rtpart

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/rtpart/engine"
	"github.com/hupe1980/rtpart/model"
	"github.com/hupe1980/rtpart/pipeline"
	"github.com/hupe1980/rtpart/resource"
)

// Controller drives one partition through deploy, load, real-time build,
// commit and unload.
type Controller struct {
	pid      model.PartitionID
	deployer Deployer
	opts     options
	logger   *Logger

	// opMu serializes state-changing calls. Readers never take it.
	opMu      sync.Mutex
	target    model.TargetPartitionMeta // last loaded target
	indexRoot string
	suspended bool

	metaMu sync.RWMutex
	meta   model.CurrentPartitionMeta

	adapterMu sync.RWMutex
	adapter   *engine.Adapter
	props     engine.Properties

	pipelineMu sync.RWMutex
	pipeline   *pipeline.Pipeline

	writerMu sync.RWMutex
	writer   engine.TableBuilder

	loadMu     sync.Mutex
	loadCancel func(error)

	lastCommit atomic.Pointer[model.TableVersion]
}

// New creates an unloaded controller for pid. deployer may be nil if the
// partition's bytes are always local.
func New(pid model.PartitionID, deployer Deployer, optFns ...Option) *Controller {
	o := options{
		logger:        NewLogger(slog.Default().Handler()),
		newEngine:     DefaultEngineFactory,
		unloadTimeout: DefaultUnloadTimeout,
	}
	for _, fn := range optFns {
		fn(&o)
	}
	if o.rtResource == nil {
		o.rtResource = o.resource
	}

	return &Controller{
		pid:      pid,
		deployer: deployer,
		opts:     o,
		logger:   o.logger.WithComponent("controller").WithPartition(pid),
		target:   model.TargetPartitionMeta{IncVersion: model.InvalidVersion},
		meta:     model.NewCurrentPartitionMeta(),
	}
}

// Partition returns the partition id.
func (c *Controller) Partition() model.PartitionID { return c.pid }

// GetPartitionData returns a snapshot of the loaded partition. It never
// blocks on lifecycle calls. The caller must Release the snapshot.
func (c *Controller) GetPartitionData() (*engine.Snapshot, error) {
	c.adapterMu.RLock()
	a, props := c.adapter, c.props
	c.adapterMu.RUnlock()

	if a == nil {
		return nil, ErrNotLoaded
	}

	total, hasRealtime := 1, false
	if props.Table != nil {
		total = max(props.Table.PartitionCount, 1)
		hasRealtime = props.Table.Realtime.Enabled
	}
	snap, err := a.CreatePartitionData(total, hasRealtime)
	if err != nil {
		if errors.Is(err, engine.ErrClosed) {
			return nil, fmt.Errorf("%w: %w", ErrNotLoaded, err)
		}
		return nil, err
	}
	a.ReportAccessCounter("partition_data")
	return snap, nil
}

func (c *Controller) currentAdapter() (*engine.Adapter, engine.Properties) {
	c.adapterMu.RLock()
	defer c.adapterMu.RUnlock()
	return c.adapter, c.props
}

func (c *Controller) setAdapter(a *engine.Adapter, props engine.Properties) *engine.Adapter {
	c.adapterMu.Lock()
	defer c.adapterMu.Unlock()
	old := c.adapter
	c.adapter, c.props = a, props
	return old
}

func (c *Controller) currentPipeline() *pipeline.Pipeline {
	c.pipelineMu.RLock()
	defer c.pipelineMu.RUnlock()
	return c.pipeline
}

func (c *Controller) currentWriter() engine.TableBuilder {
	c.writerMu.RLock()
	defer c.writerMu.RUnlock()
	return c.writer
}

func (c *Controller) rtResource() *resource.Controller { return c.opts.rtResource }

func (c *Controller) engineOptions() []engine.Option {
	opts := []engine.Option{
		engine.WithLogger(c.opts.logger.Logger),
		engine.WithPartition(c.pid),
	}
	if c.opts.metrics != nil {
		opts = append(opts, engine.WithAccessReporter(c.opts.metrics))
	}
	return opts
}

// teardown disables writers, stops ingestion and closes the engine, waiting
// up to the unload timeout for outstanding snapshots.
func (c *Controller) teardown(ctx context.Context) (int64, error) {
	c.swapWriter(nil)
	c.stopPipeline()

	a := c.setAdapter(nil, engine.Properties{})
	if a == nil {
		return 0, nil
	}
	outstanding := a.OutstandingSnapshots()
	return outstanding, a.Close(ctx, c.opts.unloadTimeout)
}
