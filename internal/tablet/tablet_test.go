package tablet

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hupe1980/rtpart/document"
	"github.com/hupe1980/rtpart/engine"
	"github.com/hupe1980/rtpart/internal/manifest"
	"github.com/hupe1980/rtpart/model"
	"github.com/hupe1980/rtpart/resource"
	"github.com/hupe1980/rtpart/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSchemaYAML = `
table: t1
version: 1
primary_key: pk
fields:
  - name: title
    type: string
    index: true
`

func testProps(t *testing.T, root string) engine.Properties {
	t.Helper()
	s, err := schema.Parse([]byte(testSchemaYAML))
	require.NoError(t, err)
	return engine.Properties{IndexRoot: root, Table: &schema.TableConfig{Schema: s}}
}

func doc(pk, title string, offset int64) *document.Document {
	return &document.Document{
		PK:      pk,
		Fields:  map[string]any{"title": title},
		Locator: model.Locator{SourceID: "s1", Offset: offset},
	}
}

func writeV(t *testing.T, root string, id model.IncVersion, offset int64, docs ...*document.Document) *manifest.Manifest {
	t.Helper()
	m, err := WriteVersion(root, VersionSpec{
		ID:            id,
		Docs:          docs,
		SchemaVersion: 1,
		Locator:       model.Locator{SourceID: "s1", Offset: offset},
	})
	require.NoError(t, err)
	return m
}

func open(t *testing.T, root string, v model.IncVersion) *Tablet {
	t.Helper()
	tb := New()
	require.NoError(t, tb.OpenTablet(t.Context(), engine.TabletOpenOptions{Properties: testProps(t, root), Version: v}))
	t.Cleanup(func() { _ = tb.Close() })
	return tb
}

func get(t *testing.T, r engine.Reader, pk string) (string, bool) {
	t.Helper()
	fields, ok, err := r.Get(pk)
	require.NoError(t, err)
	if !ok {
		return "", false
	}
	return fields["title"].(string), true
}

var pid = model.NewPartitionID("t1", 0, 65535)

func TestTablet_OpenAndSnapshot(t *testing.T) {
	root := t.TempDir()
	writeV(t, root, 1, 10, doc("a", "alpha", 0), doc("b", "beta", 0))

	tb := open(t, root, 1)
	info := tb.Info()
	assert.Equal(t, model.IncVersion(1), info.Version.VersionID)
	assert.Equal(t, model.SchemaVersion(1), info.SchemaVersion)

	r, err := tb.NewSnapshot()
	require.NoError(t, err)
	defer r.Close()

	title, ok := get(t, r, "a")
	require.True(t, ok)
	assert.Equal(t, "alpha", title)
	assert.Equal(t, int64(2), r.DocCount())
	assert.Equal(t, int64(10), r.Locator().Offset)
}

func TestTablet_OpenErrors(t *testing.T) {
	root := t.TempDir()

	err := New().OpenTablet(t.Context(), engine.TabletOpenOptions{Properties: testProps(t, root), Version: 9})
	require.ErrorIs(t, err, engine.ErrVersionNotFound)

	m := writeV(t, root, 1, 0, doc("a", "x", 0))
	props := testProps(t, root)
	props.Resource = resource.NewController(resource.Config{MemoryLimitBytes: 1})
	err = New().OpenTablet(t.Context(), engine.TabletOpenOptions{Properties: props, Version: 1})
	require.ErrorIs(t, err, engine.ErrLackOfMemory)

	require.NoError(t, os.Remove(filepath.Join(root, m.Files[0].Path)))
	err = New().OpenTablet(t.Context(), engine.TabletOpenOptions{Properties: testProps(t, root), Version: 1})
	require.ErrorIs(t, err, engine.ErrCorruption)
}

func TestTablet_WriteIsolationAndCommit(t *testing.T) {
	root := t.TempDir()
	writeV(t, root, 1, 10, doc("a", "alpha", 0))
	tb := open(t, root, 1)

	before, err := tb.NewSnapshot()
	require.NoError(t, err)
	defer before.Close()

	w, err := tb.NewWriter(t.Context(), engine.WriterOptions{Partition: pid})
	require.NoError(t, err)
	defer w.Close()
	assert.False(t, w.NeedCommit())

	require.NoError(t, w.Build(t.Context(), &document.Batch{
		Docs:    []*document.Document{doc("b", "beta", 11), {PK: "a", Op: document.OpDelete, Locator: model.Locator{SourceID: "s1", Offset: 12}}},
		Locator: model.Locator{SourceID: "s1", Offset: 12},
	}))
	assert.True(t, w.NeedCommit())
	assert.Equal(t, int64(12), w.Locator().Offset)

	_, ok := get(t, before, "b")
	assert.False(t, ok)
	_, ok = get(t, before, "a")
	assert.True(t, ok)

	after, err := tb.NewSnapshot()
	require.NoError(t, err)
	defer after.Close()
	_, ok = get(t, after, "a")
	assert.False(t, ok)
	assert.Equal(t, int64(1), after.DocCount())

	v, err := w.Commit(t.Context())
	require.NoError(t, err)
	assert.True(t, v.VersionID.IsPrivate())
	assert.Equal(t, model.IncVersion(1), v.Meta.BaseVersion)
	assert.Equal(t, int64(12), v.Meta.Locator.Offset)
	assert.False(t, w.NeedCommit())

	again, err := w.Commit(t.Context())
	require.NoError(t, err)
	assert.Equal(t, v.VersionID, again.VersionID)

	// The private version opens on its own.
	other := open(t, root, v.VersionID)
	r, err := other.NewSnapshot()
	require.NoError(t, err)
	defer r.Close()
	title, ok := get(t, r, "b")
	require.True(t, ok)
	assert.Equal(t, "beta", title)
	assert.Equal(t, int64(1), r.DocCount())
}

func TestTablet_RejectsBadDocuments(t *testing.T) {
	tb := open(t, t.TempDir(), model.InvalidVersion)
	w, err := tb.NewWriter(t.Context(), engine.WriterOptions{Partition: pid})
	require.NoError(t, err)

	err = w.Build(t.Context(), &document.Batch{Docs: []*document.Document{{Fields: map[string]any{"title": "x"}}}})
	require.ErrorIs(t, err, engine.ErrInvalidArgument)

	err = w.Build(t.Context(), &document.Batch{Docs: []*document.Document{{PK: "a", Fields: map[string]any{"nope": 1}}}})
	require.ErrorIs(t, err, engine.ErrInvalidArgument)
}

func TestTablet_ReopenReplaysNewerRealtime(t *testing.T) {
	root := t.TempDir()
	writeV(t, root, 1, 10, doc("a", "alpha", 0))
	tb := open(t, root, 1)

	w, err := tb.NewWriter(t.Context(), engine.WriterOptions{Partition: pid})
	require.NoError(t, err)
	require.NoError(t, w.Build(t.Context(), &document.Batch{Docs: []*document.Document{doc("b", "beta", 11)}, Locator: model.Locator{SourceID: "s1", Offset: 11}}))
	require.NoError(t, w.Build(t.Context(), &document.Batch{Docs: []*document.Document{doc("c", "gamma", 20)}, Locator: model.Locator{SourceID: "s1", Offset: 20}}))

	held, err := tb.NewSnapshot()
	require.NoError(t, err)

	writeV(t, root, 2, 15, doc("a", "alpha2", 0), doc("b", "beta", 0))
	require.NoError(t, tb.Reopen(t.Context(), engine.ReopenOptions{Version: 2}))

	// The retired generation stays readable until released.
	title, ok := get(t, held, "a")
	require.True(t, ok)
	assert.Equal(t, "alpha", title)
	require.NoError(t, held.Close())

	r, err := tb.NewSnapshot()
	require.NoError(t, err)
	defer r.Close()
	title, _ = get(t, r, "a")
	assert.Equal(t, "alpha2", title)
	_, ok = get(t, r, "c")
	assert.True(t, ok)
	assert.Equal(t, int64(3), r.DocCount())
	assert.Equal(t, int64(20), r.Locator().Offset)

	// The old writer still works after a normal reopen.
	require.NoError(t, w.Build(t.Context(), &document.Batch{Docs: []*document.Document{doc("d", "delta", 21)}}))
}

func TestTablet_ForceReopen(t *testing.T) {
	root := t.TempDir()
	writeV(t, root, 1, 10, doc("a", "alpha", 0))
	writeV(t, root, 2, 5, doc("z", "zeta", 0))
	tb := open(t, root, 2)

	w, err := tb.NewWriter(t.Context(), engine.WriterOptions{Partition: pid})
	require.NoError(t, err)
	require.NoError(t, w.Build(t.Context(), &document.Batch{Docs: []*document.Document{doc("b", "beta", 30)}}))

	err = tb.Reopen(t.Context(), engine.ReopenOptions{Version: 1})
	require.ErrorIs(t, err, engine.ErrForceReopen)

	require.NoError(t, tb.Reopen(t.Context(), engine.ReopenOptions{Version: 1, Force: true}))
	assert.Equal(t, model.IncVersion(1), tb.Info().Version.VersionID)
	assert.Zero(t, tb.Info().MemoryBytes)

	r, err := tb.NewSnapshot()
	require.NoError(t, err)
	defer r.Close()
	_, ok := get(t, r, "b")
	assert.False(t, ok)

	err = w.Build(t.Context(), &document.Batch{Docs: []*document.Document{doc("c", "gamma", 31)}})
	require.ErrorIs(t, err, engine.ErrUninitialized)
	assert.Equal(t, engine.ClassUninitialized, engine.Classify(err))
}

func TestTablet_ReopenSchemaMismatch(t *testing.T) {
	root := t.TempDir()
	writeV(t, root, 1, 0, doc("a", "x", 0))
	_, err := WriteVersion(root, VersionSpec{ID: 2, SchemaVersion: 2})
	require.NoError(t, err)
	tb := open(t, root, 1)

	err = tb.Reopen(t.Context(), engine.ReopenOptions{Version: 2})
	require.ErrorIs(t, err, engine.ErrInconsistentSchema)
	assert.Equal(t, model.IncVersion(1), tb.Info().Version.VersionID)
}

func TestWriter_AlterTable(t *testing.T) {
	root := t.TempDir()
	tb := open(t, root, model.InvalidVersion)
	w, err := tb.NewWriter(t.Context(), engine.WriterOptions{Partition: pid})
	require.NoError(t, err)

	next, err := schema.Parse([]byte(testSchemaYAML + `  - name: price
    type: float
`))
	require.NoError(t, err)
	next.Version = 2

	alterAt := model.Locator{SourceID: "s1", Offset: 3}
	require.NoError(t, w.AlterTable(t.Context(), next, "/cfg/2", alterAt))
	assert.Equal(t, model.SchemaVersion(2), tb.Info().SchemaVersion)
	assert.Equal(t, alterAt, w.Locator(), "alter document is not replayed")
	require.NoError(t, w.Build(t.Context(), &document.Batch{Docs: []*document.Document{{PK: "a", Fields: map[string]any{"price": 1.5}}}}))

	v, err := w.Commit(t.Context())
	require.NoError(t, err)
	assert.Equal(t, model.SchemaVersion(2), v.Meta.SchemaVersion)

	err = w.AlterTable(t.Context(), next, "/cfg/2", model.Locator{SourceID: "s1", Offset: 4})
	require.ErrorIs(t, err, engine.ErrInvalidArgument)
	assert.Equal(t, alterAt, w.Locator(), "rejected alter keeps the locator")
}

func TestWriter_ImportSST(t *testing.T) {
	root := t.TempDir()
	writeV(t, root, 1, 0, doc("a", "alpha", 0))
	tb := open(t, root, 1)
	w, err := tb.NewWriter(t.Context(), engine.WriterOptions{Partition: pid})
	require.NoError(t, err)

	sst := filepath.Join(root, "ext", "f1.sst")
	require.NoError(t, WriteSST(sst, []*document.Document{doc("x", "ex", 0), doc("y", "why", 0), doc("x", "ex2", 0)}))

	err = w.ImportExternalFiles(t.Context(), &document.Bulkload{
		BulkloadID:    "b1",
		ExternalFiles: []string{"ext/f1.sst"},
		Locator:       model.Locator{SourceID: "s1", Offset: 40},
	})
	require.NoError(t, err)

	_, err = os.Stat(sst)
	require.NoError(t, err, "input file must be left in place")

	r, err := tb.NewSnapshot()
	require.NoError(t, err)
	defer r.Close()
	title, ok := get(t, r, "x")
	require.True(t, ok)
	assert.Equal(t, "ex2", title)
	assert.Equal(t, int64(3), r.DocCount())
	assert.Equal(t, int64(40), r.Locator().Offset)

	writeV(t, root, 2, 0, doc("a", "alpha", 0))
	err = tb.Reopen(t.Context(), engine.ReopenOptions{Version: 2})
	require.ErrorIs(t, err, engine.ErrForceReopen)

	err = w.ImportExternalFiles(t.Context(), &document.Bulkload{ExternalFiles: []string{"ext/missing.sst"}})
	require.ErrorIs(t, err, engine.ErrInvalidArgument)
	err = w.ImportExternalFiles(t.Context(), &document.Bulkload{ImportOptions: document.ImportOptions{Mode: "merge"}})
	require.ErrorIs(t, err, engine.ErrInvalidArgument)
}

func TestTablet_Cleanup(t *testing.T) {
	root := t.TempDir()
	writeV(t, root, 1, 0, doc("a", "x", 0))
	writeV(t, root, 2, 0, doc("a", "y", 0))
	writeV(t, root, 3, 0, doc("a", "z", 0))
	tb := open(t, root, 3)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "work", "stale"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "tablet", "99"), 0o755))

	removed, err := tb.Cleanup(t.Context(), engine.CleanupOptions{KeepVersions: []model.IncVersion{2}, VersionsOnly: true})
	require.NoError(t, err)
	assert.True(t, removed)

	versions, err := manifest.NewStore(nil, root).ListVersions()
	require.NoError(t, err)
	assert.ElementsMatch(t, []model.IncVersion{2, 3}, versions)
	_, err = os.Stat(filepath.Join(root, "tablet", "1"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	removed, err = tb.Cleanup(t.Context(), engine.CleanupOptions{})
	require.NoError(t, err)
	assert.True(t, removed)
	_, err = os.Stat(filepath.Join(root, "work", "stale"))
	assert.ErrorIs(t, err, os.ErrNotExist)
	_, err = os.Stat(filepath.Join(root, "tablet", "99"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	// The live generation survives the sweep.
	r, err := tb.NewSnapshot()
	require.NoError(t, err)
	defer r.Close()
	title, _ := get(t, r, "a")
	assert.Equal(t, "z", title)
}

func TestTablet_CloseKeepsSnapshotsReadable(t *testing.T) {
	root := t.TempDir()
	writeV(t, root, 1, 0, doc("a", "x", 0))
	tb := New()
	require.NoError(t, tb.OpenTablet(t.Context(), engine.TabletOpenOptions{Properties: testProps(t, root), Version: 1}))

	r, err := tb.NewSnapshot()
	require.NoError(t, err)
	require.NoError(t, tb.Close())
	require.NoError(t, tb.Close())

	_, ok := get(t, r, "a")
	assert.True(t, ok)
	require.NoError(t, r.Close())

	_, err = tb.NewSnapshot()
	require.ErrorIs(t, err, engine.ErrNotOpen)
	_, err = tb.NewWriter(t.Context(), engine.WriterOptions{})
	require.ErrorIs(t, err, engine.ErrClosed)
}
