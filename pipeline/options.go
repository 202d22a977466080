package pipeline

import (
	"log/slog"
	"time"

	"github.com/hupe1980/rtpart/document"
	"github.com/hupe1980/rtpart/engine"
	"github.com/hupe1980/rtpart/model"
	"github.com/hupe1980/rtpart/resource"
	"github.com/hupe1980/rtpart/schema"
	"github.com/hupe1980/rtpart/source"
	"github.com/hupe1980/rtpart/transform"
)

// Transformer turns a raw document into a build batch.
type Transformer interface {
	Process(raw *document.Raw) (*document.Batch, error)
}

// TransformerFactory creates a transformer for a table.
type TransformerFactory func(cfg *schema.TableConfig) (Transformer, error)

// DefaultTransformer builds a transform.Transformer honoring the table's filter.
func DefaultTransformer(logger *slog.Logger) TransformerFactory {
	return func(cfg *schema.TableConfig) (Transformer, error) {
		return transform.New(cfg.Schema,
			transform.WithFilter(cfg.Realtime.Filter),
			transform.WithLogger(logger))
	}
}

// Observer receives pipeline events.
type Observer interface {
	BatchBuilt(partition string, docs int, d time.Duration)
	BuildFailed(partition string, class engine.ErrorClass)
	Reconstructed(partition string)
}

// Config binds a pipeline to its partition.
type Config struct {
	Partition  model.PartitionID
	Props      engine.Properties
	RtResource *resource.Controller
	Source     source.Factory
}

type options struct {
	logger         *slog.Logger
	newTransformer TransformerFactory
	observer       Observer
	now            func() time.Time
	hashFilter     bool
	batchSize      int
	idle           time.Duration
	maxRecoverTime time.Duration
	maxDelay       int64
}

// Option configures a Pipeline.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTransformerFactory replaces the default transformer.
func WithTransformerFactory(f TransformerFactory) Option {
	return func(o *options) { o.newTransformer = f }
}

// WithObserver sets an event observer.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithClock sets the time source used by the recovery bound.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithHashFilter drops stream documents outside the partition's hash range.
func WithHashFilter() Option {
	return func(o *options) { o.hashFilter = true }
}

func defaultOptions(cfg *schema.TableConfig) options {
	rt := schema.DefaultTableConfig().Realtime
	if cfg != nil {
		rt = cfg.Realtime
	}
	o := options{
		logger:         slog.Default(),
		now:            time.Now,
		batchSize:      rt.BatchSize,
		idle:           rt.IdleInterval,
		maxRecoverTime: rt.MaxRecoverTime,
		maxDelay:       rt.MaxDelay,
	}
	if o.batchSize <= 0 {
		o.batchSize = 1
	}
	if o.idle <= 0 {
		o.idle = 50 * time.Millisecond
	}
	return o
}
