package schema

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineKind selects the index engine variant.
type EngineKind string

const (
	EngineLegacy EngineKind = "legacy"
	EngineTablet EngineKind = "tablet"
)

// RealtimeMode selects how real-time documents reach the engine.
type RealtimeMode string

const (
	// ModeStream ingests documents from a document source.
	ModeStream RealtimeMode = "stream"
	// ModeDirectWrite accepts documents through the controller's write path.
	ModeDirectWrite RealtimeMode = "direct_write"
)

// RealtimeConfig configures real-time ingestion.
type RealtimeConfig struct {
	Enabled bool         `yaml:"enabled"`
	Mode    RealtimeMode `yaml:"mode"`

	// Filter is an optional CEL expression over `doc`; documents it rejects are not built.
	Filter string `yaml:"filter"`

	// WaitRecovered makes a full load block until ingestion has caught up.
	WaitRecovered bool `yaml:"wait_recovered"`

	// MaxRecoverTime bounds how long ingestion may stay "not recovered".
	MaxRecoverTime time.Duration `yaml:"max_recover_time"`

	// MaxDelay is the largest offset gap still considered recovered.
	MaxDelay int64 `yaml:"max_delay"`

	// BatchSize is the number of documents read per iteration.
	BatchSize int `yaml:"batch_size"`

	// IdleInterval is the pause after a read that returned nothing.
	IdleInterval time.Duration `yaml:"idle_interval"`
}

// TableConfig is the content of table.yaml plus the schema.
type TableConfig struct {
	Engine           EngineKind     `yaml:"engine"`
	PartitionCount   int            `yaml:"partition_count"`
	MemoryLimitBytes int64          `yaml:"memory_limit_bytes"`
	Realtime         RealtimeConfig `yaml:"realtime"`

	Schema *Schema `yaml:"-"`
}

// DefaultTableConfig returns the settings used for keys table.yaml leaves out.
func DefaultTableConfig() TableConfig {
	return TableConfig{
		Engine:         EngineLegacy,
		PartitionCount: 1,
		Realtime: RealtimeConfig{
			Mode:           ModeStream,
			MaxRecoverTime: 5 * time.Minute,
			MaxDelay:       100,
			BatchSize:      64,
			IdleInterval:   50 * time.Millisecond,
		},
	}
}

// LoadTable reads table.yaml and schema.yaml from a config directory.
// A missing table.yaml yields the defaults.
func LoadTable(configPath string) (*TableConfig, error) {
	cfg := DefaultTableConfig()
	data, err := os.ReadFile(filepath.Join(configPath, TableFileName))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", TableFileName, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read %s: %w", TableFileName, err)
	}

	s, err := LoadSchema(configPath)
	if err != nil {
		return nil, err
	}
	cfg.Schema = s

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// NeedsRealtime reports whether the table ingests a real-time stream.
func (c *TableConfig) NeedsRealtime() bool {
	return c.Realtime.Enabled && c.Realtime.Mode == ModeStream
}

// IsDirectWrite reports whether the table is written through the controller.
func (c *TableConfig) IsDirectWrite() bool {
	return c.Realtime.Enabled && c.Realtime.Mode == ModeDirectWrite
}

func (c *TableConfig) validate() error {
	switch c.Engine {
	case EngineLegacy, EngineTablet:
	default:
		return fmt.Errorf("%w: unknown engine %q", ErrInvalidSchema, c.Engine)
	}
	switch c.Realtime.Mode {
	case ModeStream, ModeDirectWrite:
	default:
		return fmt.Errorf("%w: unknown realtime mode %q", ErrInvalidSchema, c.Realtime.Mode)
	}
	if c.PartitionCount <= 0 {
		c.PartitionCount = 1
	}
	if c.Realtime.BatchSize <= 0 {
		c.Realtime.BatchSize = 1
	}
	return nil
}
