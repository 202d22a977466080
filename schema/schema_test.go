package schema

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSchema = `
table: t1
version: 1
primary_key: pk
fields:
  - name: title
    type: string
    index: true
  - name: price
    type: int
    attribute: true
`

func TestParseSchema(t *testing.T) {
	s, err := Parse([]byte(testSchema))
	require.NoError(t, err)
	assert.Equal(t, "t1", s.Table)
	assert.Len(t, s.Fields, 2)
	assert.Equal(t, testSchema, s.Content())
	assert.Equal(t, map[string][]string{
		"index":     {"title"},
		"attribute": {"price"},
	}, s.EffectiveFields())

	f, ok := s.Field("price")
	require.True(t, ok)
	assert.Equal(t, TypeInt, f.Type)
}

func TestParseSchemaInvalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"no table", "primary_key: pk\n"},
		{"no pk", "table: t\n"},
		{"bad type", "table: t\nprimary_key: pk\nfields:\n  - name: a\n    type: blob\n"},
		{"dup field", "table: t\nprimary_key: pk\nfields:\n  - {name: a, type: int}\n  - {name: a, type: int}\n"},
		{"not yaml", "::::"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.ErrorIs(t, err, ErrInvalidSchema)
		})
	}
}

func TestCheckEvolution(t *testing.T) {
	base, err := Parse([]byte(testSchema))
	require.NoError(t, err)

	next := *base
	next.Version = 2
	next.Fields = append([]Field{}, base.Fields...)
	next.Fields = append(next.Fields, Field{Name: "brand", Type: TypeString})
	assert.NoError(t, base.CheckEvolution(&next))

	stale := next
	stale.Version = 1
	assert.ErrorIs(t, base.CheckEvolution(&stale), ErrIncompatibleSchema)

	retyped := next
	retyped.Fields = []Field{{Name: "price", Type: TypeString}}
	assert.ErrorIs(t, base.CheckEvolution(&retyped), ErrIncompatibleSchema)
}

func TestLoadTable(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, SchemaFileName), []byte(testSchema), 0o644))

	// Defaults when table.yaml is absent.
	cfg, err := LoadTable(dir)
	require.NoError(t, err)
	assert.Equal(t, EngineLegacy, cfg.Engine)
	assert.False(t, cfg.NeedsRealtime())

	table := `
engine: tablet
partition_count: 4
realtime:
  enabled: true
  mode: stream
  wait_recovered: true
  max_recover_time: 30s
  max_delay: 10
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, TableFileName), []byte(table), 0o644))
	cfg, err = LoadTable(dir)
	require.NoError(t, err)
	assert.Equal(t, EngineTablet, cfg.Engine)
	assert.Equal(t, 4, cfg.PartitionCount)
	assert.True(t, cfg.NeedsRealtime())
	assert.False(t, cfg.IsDirectWrite())
	assert.Equal(t, 30*time.Second, cfg.Realtime.MaxRecoverTime)
	assert.Equal(t, int64(10), cfg.Realtime.MaxDelay)
	assert.Equal(t, 64, cfg.Realtime.BatchSize, "defaults survive partial realtime section")
	assert.Equal(t, "t1", cfg.Schema.Table)

	require.NoError(t, os.WriteFile(filepath.Join(dir, TableFileName), []byte("engine: btree\n"), 0o644))
	_, err = LoadTable(dir)
	assert.ErrorIs(t, err, ErrInvalidSchema)
}
