package document

import (
	"testing"

	"github.com/hupe1980/rtpart/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRaw(t *testing.T) {
	loc := model.Locator{SourceID: "s", Offset: 3}
	r, err := ParseRaw([]byte(`{"pk":"a","title":"hello"}`), loc)
	require.NoError(t, err)
	assert.Equal(t, CmdAdd, r.Cmd())
	assert.False(t, r.IsControl())
	assert.Equal(t, "a", r.String(FieldPK))
	assert.Equal(t, loc, r.Locator)

	_, err = ParseRaw([]byte(`not json`), loc)
	assert.Error(t, err)
}

func TestParseAlterTable(t *testing.T) {
	r, err := ParseRaw([]byte(`{"CMD":"alter","config_path":"/cfg/v2","schema_version":2,"build_id":"t1/0_65535"}`), model.Locator{})
	require.NoError(t, err)
	require.True(t, r.IsControl())

	cmd, err := ParseAlterTable(r)
	require.NoError(t, err)
	assert.Equal(t, "/cfg/v2", cmd.ConfigPath)
	assert.Equal(t, model.SchemaVersion(2), cmd.SchemaVersion)
	assert.Equal(t, "t1/0_65535", cmd.BuildID)

	r.Fields[FieldSchemaVersion] = "3"
	cmd, err = ParseAlterTable(r)
	require.NoError(t, err)
	assert.Equal(t, model.SchemaVersion(3), cmd.SchemaVersion)

	delete(r.Fields, FieldConfigPath)
	_, err = ParseAlterTable(r)
	assert.ErrorIs(t, err, ErrMalformedControl)
}

func TestParseBulkload(t *testing.T) {
	r, err := ParseRaw([]byte(`{"CMD":"bulkload","build_id":"t1/0_65535","bulkload_id":"b1",
		"external_files":["/data/a.parquet","/data/b.parquet"],
		"import_options":"{\"mode\":\"replace\",\"ignore_duplicates\":true}"}`), model.Locator{})
	require.NoError(t, err)

	cmd, err := ParseBulkload(r)
	require.NoError(t, err)
	assert.Equal(t, "b1", cmd.BulkloadID)
	assert.Equal(t, []string{"/data/a.parquet", "/data/b.parquet"}, cmd.ExternalFiles)
	assert.Equal(t, "replace", cmd.ImportOptions.Mode)
	assert.True(t, cmd.ImportOptions.IgnoreDuplicates)

	r.Fields[FieldExternalFiles] = "/x.parquet, /y.parquet"
	r.Fields[FieldImportOptions] = map[string]any{"mode": "append"}
	cmd, err = ParseBulkload(r)
	require.NoError(t, err)
	assert.Equal(t, []string{"/x.parquet", "/y.parquet"}, cmd.ExternalFiles)
	assert.Equal(t, "append", cmd.ImportOptions.Mode)

	delete(r.Fields, FieldExternalFiles)
	_, err = ParseBulkload(r)
	assert.ErrorIs(t, err, ErrMalformedControl)
}
