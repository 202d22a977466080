package rtpart

import (
	"fmt"
	"time"

	"github.com/hupe1980/rtpart/engine"
	"github.com/hupe1980/rtpart/internal/legacy"
	"github.com/hupe1980/rtpart/internal/tablet"
	"github.com/hupe1980/rtpart/metrics"
	"github.com/hupe1980/rtpart/pipeline"
	"github.com/hupe1980/rtpart/resource"
	"github.com/hupe1980/rtpart/schema"
	"github.com/hupe1980/rtpart/source"
	"github.com/hupe1980/rtpart/versionstore"
)

// DefaultUnloadTimeout bounds how long Unload waits for outstanding snapshots.
const DefaultUnloadTimeout = 10 * time.Second

// EngineFactory creates an unopened adapter for a table.
type EngineFactory func(cfg *schema.TableConfig, optFns ...engine.Option) (*engine.Adapter, error)

// DefaultEngineFactory creates the engine named by the table config.
func DefaultEngineFactory(cfg *schema.TableConfig, optFns ...engine.Option) (*engine.Adapter, error) {
	switch cfg.Engine {
	case schema.EngineLegacy:
		return engine.NewLegacyAdapter(legacy.New(), optFns...), nil
	case schema.EngineTablet:
		return engine.NewTabletAdapter(tablet.New(), optFns...), nil
	default:
		return nil, fmt.Errorf("%w: unknown engine %q", engine.ErrInvalidArgument, cfg.Engine)
	}
}

type options struct {
	logger        *Logger
	resource      *resource.Controller
	rtResource    *resource.Controller
	versions      versionstore.Store
	metrics       *metrics.Reporter
	source        source.Factory
	newEngine     EngineFactory
	pipelineOpts  []pipeline.Option
	unloadTimeout time.Duration
}

// Option configures a Controller.
type Option func(*options)

// WithLogger sets the logger. If nil is passed, NoopLogger is used.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l == nil {
			l = NoopLogger()
		}
		o.logger = l
	}
}

// WithResource sets the process-wide resource controller used by engines.
func WithResource(c *resource.Controller) Option {
	return func(o *options) {
		o.resource = c
	}
}

// WithRealtimeResource sets a separate quota for real-time builders.
// Defaults to the resource set by WithResource.
func WithRealtimeResource(c *resource.Controller) Option {
	return func(o *options) {
		o.rtResource = c
	}
}

// WithVersionStore records committed versions so that a restarted process
// resumes from its last private version.
func WithVersionStore(s versionstore.Store) Option {
	return func(o *options) {
		o.versions = s
	}
}

// WithMetrics reports controller, pipeline and engine metrics.
func WithMetrics(r *metrics.Reporter) Option {
	return func(o *options) {
		o.metrics = r
	}
}

// WithSource sets the document source of real-time tables.
func WithSource(f source.Factory) Option {
	return func(o *options) {
		o.source = f
	}
}

// WithEngineFactory replaces DefaultEngineFactory.
func WithEngineFactory(f EngineFactory) Option {
	return func(o *options) {
		if f != nil {
			o.newEngine = f
		}
	}
}

// WithPipelineOptions passes options to every pipeline the controller starts.
func WithPipelineOptions(opts ...pipeline.Option) Option {
	return func(o *options) {
		o.pipelineOpts = append(o.pipelineOpts, opts...)
	}
}

// WithUnloadTimeout bounds how long Unload waits for readers.
func WithUnloadTimeout(d time.Duration) Option {
	return func(o *options) {
		o.unloadTimeout = d
	}
}
