package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/hupe1980/rtpart/schema"
	"github.com/stretchr/testify/require"
)

// SchemaYAML returns a schema with a string title and a float price field.
func SchemaYAML(table string, version int) string {
	return fmt.Sprintf(`table: %s
version: %d
primary_key: pk
fields:
  - name: title
    type: string
    index: true
  - name: price
    type: float
    attribute: true
`, table, version)
}

// WriteConfig writes schema.yaml and, if non-empty, table.yaml into dir.
func WriteConfig(t testing.TB, dir, schemaYAML, tableYAML string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, schema.SchemaFileName), []byte(schemaYAML), 0o644))
	if tableYAML != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, schema.TableFileName), []byte(tableYAML), 0o644))
	}
	return dir
}

// Table parses SchemaYAML into a table config with real-time enabled.
func Table(t testing.TB, table string, version int) *schema.TableConfig {
	t.Helper()
	s, err := schema.Parse([]byte(SchemaYAML(table, version)))
	require.NoError(t, err)
	cfg := schema.DefaultTableConfig()
	cfg.Realtime.Enabled = true
	cfg.Schema = s
	return &cfg
}
