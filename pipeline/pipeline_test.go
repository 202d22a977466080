package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hupe1980/rtpart/document"
	"github.com/hupe1980/rtpart/engine"
	"github.com/hupe1980/rtpart/internal/legacy"
	"github.com/hupe1980/rtpart/model"
	"github.com/hupe1980/rtpart/schema"
	"github.com/hupe1980/rtpart/source"
	"github.com/hupe1980/rtpart/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var pid = model.NewPartitionID("t1", 0, 65535)

type harness struct {
	p      *Pipeline
	tablet *testutil.Tablet
	stream *source.MemoryStream
}

func newHarness(t *testing.T, builders []*testutil.MockBuilder, optFns ...Option) *harness {
	t.Helper()
	tab := &testutil.Tablet{NewBuilder: func(n int) (engine.TableBuilder, error) {
		return builders[min(n, len(builders)-1)], nil
	}}
	a := engine.NewTabletAdapter(tab)
	table := testutil.Table(t, "t1", 1)
	_, err := a.Open(t.Context(), engine.Properties{Table: table}, 1)
	require.NoError(t, err)

	stream := source.NewMemoryStream("s1")
	p := New(a, Config{
		Partition: pid,
		Props:     engine.Properties{Table: table},
		Source:    stream.Factory(),
	}, optFns...)
	require.NoError(t, p.reconstruct(t.Context()))
	return &harness{p: p, tablet: tab, stream: stream}
}

func (h *harness) add(t *testing.T, docs ...string) {
	t.Helper()
	for _, d := range docs {
		_, err := h.stream.Append([]byte(d))
		require.NoError(t, err)
	}
}

func docJSON(pk string) string { return fmt.Sprintf(`{"pk":%q,"title":"t"}`, pk) }

func batchLen(n int) any {
	return mock.MatchedBy(func(b *document.Batch) bool { return b.Len() == n })
}

func TestStep_BuildsBatch(t *testing.T) {
	b := &testutil.MockBuilder{}
	h := newHarness(t, []*testutil.MockBuilder{b})
	h.add(t, docJSON("a"), docJSON("b"))

	b.On("Build", mock.Anything, mock.MatchedBy(func(batch *document.Batch) bool {
		return batch.Len() == 2 && batch.Locator.Offset == 1 && batch.Docs[1].PK == "b"
	})).Return(nil).Once()

	assert.True(t, h.p.step(t.Context()))
	assert.False(t, h.p.step(t.Context()), "nothing left to read")
	b.AssertExpectations(t)
}

func TestStep_RetryLaw(t *testing.T) {
	tests := []struct {
		name          string
		errs          []error
		wantFatal     bool
		wantReload    bool
		wantWriters   int
		wantBuildCall int
	}{
		{name: "retry succeeds", errs: []error{engine.ErrIO, nil}, wantWriters: 1, wantBuildCall: 2},
		{name: "corruption", errs: []error{engine.ErrCorruption, engine.ErrCorruption}, wantFatal: true, wantReload: true, wantWriters: 1, wantBuildCall: 2},
		{name: "io", errs: []error{engine.ErrIO, fmt.Errorf("disk: %w", engine.ErrIO)}, wantFatal: true, wantReload: true, wantWriters: 1, wantBuildCall: 2},
		{name: "uninitialized", errs: []error{engine.ErrUninitialized, engine.ErrUninitialized}, wantWriters: 2, wantBuildCall: 2},
		{name: "not ready", errs: []error{engine.ErrNotReady, engine.ErrNotReady}, wantWriters: 2, wantBuildCall: 2},
		{name: "other", errs: []error{errors.New("x"), errors.New("y")}, wantWriters: 1, wantBuildCall: 2},
		{name: "invalid argument", errs: []error{engine.ErrInvalidArgument, engine.ErrInvalidArgument}, wantWriters: 1, wantBuildCall: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &testutil.MockBuilder{}
			h := newHarness(t, []*testutil.MockBuilder{b, {}})
			h.add(t, docJSON("a"))
			for _, err := range tt.errs {
				b.On("Build", mock.Anything, batchLen(1)).Return(err).Once()
			}

			assert.True(t, h.p.step(t.Context()))
			b.AssertNumberOfCalls(t, "Build", tt.wantBuildCall)
			assert.Equal(t, tt.wantFatal, h.p.Fatal())
			assert.Equal(t, tt.wantReload, h.p.NeedReload())
			assert.Equal(t, tt.wantWriters, h.tablet.Writers())
			if tt.wantReload {
				assert.True(t, h.p.NeedCommit())
			}
		})
	}
}

func TestStep_FatalIsSticky(t *testing.T) {
	b := &testutil.MockBuilder{}
	h := newHarness(t, []*testutil.MockBuilder{b, {}})
	h.add(t, docJSON("a"))
	b.On("Build", mock.Anything, mock.Anything).Return(engine.ErrCorruption).Twice()

	h.p.step(t.Context())
	require.True(t, h.p.NeedReload())
	require.NoError(t, h.p.reconstruct(t.Context()))

	assert.False(t, h.p.NeedReload())
	assert.True(t, h.p.Fatal())
	assert.Equal(t, 2, h.tablet.Writers())
}

func TestStep_ReadAndTransformFailuresAbort(t *testing.T) {
	b := &testutil.MockBuilder{}
	h := newHarness(t, []*testutil.MockBuilder{b})

	h.stream.FailReads(1)
	h.add(t, `{"title":"no pk"}`)
	assert.False(t, h.p.step(t.Context()))
	assert.True(t, h.p.step(t.Context()))

	h.stream.Seal()
	assert.False(t, h.p.step(t.Context()))

	b.AssertNotCalled(t, "Build", mock.Anything, mock.Anything)
	assert.False(t, h.p.NeedReload())
	assert.Equal(t, 1, h.tablet.Writers())
}

func TestStep_TransformFailureSkipsOnlyThatDocument(t *testing.T) {
	b := &testutil.MockBuilder{}
	h := newHarness(t, []*testutil.MockBuilder{b})
	h.add(t, docJSON("a"), `{"title":"no pk"}`, docJSON("c"))

	b.On("Build", mock.Anything, mock.MatchedBy(func(batch *document.Batch) bool {
		return batch.Len() == 2 && batch.Docs[0].PK == "a" && batch.Docs[1].PK == "c" && batch.Locator.Offset == 2
	})).Return(nil).Once()

	assert.True(t, h.p.step(t.Context()))
	b.AssertExpectations(t)
}

func TestStep_TransientBuildErrorRereads(t *testing.T) {
	b := &testutil.MockBuilder{}
	h := newHarness(t, []*testutil.MockBuilder{b, {}})
	h.add(t, docJSON("a"), docJSON("b"))

	b.On("Build", mock.Anything, batchLen(2)).Return(engine.ErrLackOfMemory).Twice()
	b.On("Build", mock.Anything, mock.MatchedBy(func(batch *document.Batch) bool {
		return batch.Len() == 2 && batch.Docs[0].PK == "a" && batch.Docs[1].PK == "b"
	})).Return(nil).Once()

	assert.True(t, h.p.step(t.Context()))
	assert.True(t, h.p.rewind)
	assert.True(t, h.p.step(t.Context()))
	assert.False(t, h.p.rewind)

	b.AssertExpectations(t)
	b.AssertNumberOfCalls(t, "Build", 3)
	assert.False(t, h.p.Fatal())
	assert.False(t, h.p.NeedReload())
	assert.Equal(t, 1, h.tablet.Writers())
}

func TestStep_RewindDropsPendingControlDocument(t *testing.T) {
	b := &testutil.MockBuilder{Loc: model.Locator{SourceID: "s1", Offset: 0}}
	h := newHarness(t, []*testutil.MockBuilder{b})
	h.add(t, docJSON("a"), docJSON("b"), `{"CMD":"bulkload","build_id":"other/0_1"}`)

	b.On("Build", mock.Anything, batchLen(1)).Return(errors.New("transient")).Twice()
	b.On("Build", mock.Anything, batchLen(1)).Return(nil).Once()

	assert.True(t, h.p.step(t.Context()))
	require.NotNil(t, h.p.pending)
	assert.True(t, h.p.step(t.Context()))
	assert.NotNil(t, h.p.pending, "control document read again after the rewind")
	b.AssertNumberOfCalls(t, "Build", 3)
}

func TestStep_FilteredDocumentsAreNotBuilt(t *testing.T) {
	b := &testutil.MockBuilder{}
	h := newHarness(t, []*testutil.MockBuilder{b}, WithTransformerFactory(func(cfg *schema.TableConfig) (Transformer, error) {
		c := *cfg
		c.Realtime.Filter = `doc.title == "keep"`
		return DefaultTransformer(slog.Default())(&c)
	}))
	h.add(t, `{"pk":"a","title":"drop"}`)
	assert.True(t, h.p.step(t.Context()))
	b.AssertNotCalled(t, "Build", mock.Anything, mock.Anything)
}

func alterJSON(buildID, configPath string, version int) string {
	return fmt.Sprintf(`{"CMD":"alter","build_id":%q,"config_path":%q,"schema_version":%d}`, buildID, configPath, version)
}

func TestStep_AlterTable(t *testing.T) {
	dir := testutil.WriteConfig(t, filepath.Join(t.TempDir(), "v2"), testutil.SchemaYAML("t1", 2), "")

	t.Run("identity filter", func(t *testing.T) {
		b := &testutil.MockBuilder{}
		h := newHarness(t, []*testutil.MockBuilder{b})
		h.add(t, alterJSON("t1/0_100", dir, 2), `{"CMD":"alter","build_id":"t1/0_65535"}`)

		assert.True(t, h.p.step(t.Context()))
		assert.True(t, h.p.step(t.Context()))
		b.AssertNotCalled(t, "AlterTable", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		assert.Equal(t, model.SchemaVersion(1), h.p.Table().Schema.Version)
	})

	t.Run("applied", func(t *testing.T) {
		b := &testutil.MockBuilder{}
		h := newHarness(t, []*testutil.MockBuilder{b})
		h.add(t, alterJSON(pid.BuildID(), dir, 2))
		b.On("AlterTable", mock.Anything, mock.Anything, dir, model.Locator{SourceID: "s1", Offset: 0}).Return(nil).Once()

		assert.True(t, h.p.step(t.Context()))
		b.AssertExpectations(t)
		assert.Equal(t, model.SchemaVersion(2), h.p.Table().Schema.Version)
	})

	t.Run("version mismatch", func(t *testing.T) {
		b := &testutil.MockBuilder{}
		h := newHarness(t, []*testutil.MockBuilder{b})
		h.add(t, alterJSON(pid.BuildID(), dir, 3))

		assert.True(t, h.p.step(t.Context()))
		b.AssertNotCalled(t, "AlterTable", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("rejected keeps schema", func(t *testing.T) {
		b := &testutil.MockBuilder{}
		h := newHarness(t, []*testutil.MockBuilder{b})
		h.add(t, alterJSON(pid.BuildID(), dir, 2))
		b.On("AlterTable", mock.Anything, mock.Anything, dir, mock.Anything).Return(engine.ErrInvalidArgument).Once()

		assert.True(t, h.p.step(t.Context()))
		assert.Equal(t, model.SchemaVersion(1), h.p.Table().Schema.Version)
		assert.False(t, h.p.Fatal())
	})

	t.Run("corruption is fatal", func(t *testing.T) {
		b := &testutil.MockBuilder{}
		h := newHarness(t, []*testutil.MockBuilder{b})
		h.add(t, alterJSON(pid.BuildID(), dir, 2))
		b.On("AlterTable", mock.Anything, mock.Anything, dir, mock.Anything).Return(engine.ErrCorruption).Once()

		assert.True(t, h.p.step(t.Context()))
		assert.True(t, h.p.Fatal())
		assert.True(t, h.p.NeedReload())
		assert.Equal(t, model.SchemaVersion(1), h.p.Table().Schema.Version)
	})
}

func TestStep_Bulkload(t *testing.T) {
	b := &testutil.MockBuilder{}
	h := newHarness(t, []*testutil.MockBuilder{b, {}})
	h.add(t,
		`{"CMD":"bulkload","build_id":"other/0_1","bulkload_id":"x","external_files":["a.parquet"]}`,
		fmt.Sprintf(`{"CMD":"bulkload","build_id":%q,"bulkload_id":"b1","external_files":["a.parquet"],"import_options":{"mode":"replace"}}`, pid.BuildID()),
		fmt.Sprintf(`{"CMD":"bulkload","build_id":%q,"bulkload_id":"b2","external_files":["b.parquet"]}`, pid.BuildID()),
	)
	b.On("ImportExternalFiles", mock.Anything, mock.MatchedBy(func(req *document.Bulkload) bool {
		return req.BulkloadID == "b1" && req.ImportOptions.Mode == "replace" && req.Locator.Offset == 1
	})).Return(nil).Once()
	b.On("ImportExternalFiles", mock.Anything, mock.MatchedBy(func(req *document.Bulkload) bool {
		return req.BulkloadID == "b2"
	})).Return(engine.ErrUninitialized).Once()

	for range 3 {
		assert.True(t, h.p.step(t.Context()))
	}
	b.AssertExpectations(t)
	assert.Equal(t, 2, h.tablet.Writers(), "uninitialized import reconstructs")
	assert.False(t, h.p.Fatal())
}

func TestStep_ControlDocumentEndsBatch(t *testing.T) {
	b := &testutil.MockBuilder{}
	h := newHarness(t, []*testutil.MockBuilder{b})
	h.add(t, docJSON("a"), `{"CMD":"bulkload","build_id":"other/0_1"}`, docJSON("b"))

	b.On("Build", mock.Anything, mock.MatchedBy(func(batch *document.Batch) bool {
		return batch.Len() == 1 && batch.Docs[0].PK == "a"
	})).Return(nil).Once()
	b.On("Build", mock.Anything, mock.MatchedBy(func(batch *document.Batch) bool {
		return batch.Len() == 1 && batch.Docs[0].PK == "b"
	})).Return(nil).Once()

	assert.True(t, h.p.step(t.Context()))
	assert.NotNil(t, h.p.pending)
	assert.True(t, h.p.step(t.Context()))
	assert.True(t, h.p.step(t.Context()))
	b.AssertExpectations(t)
}

func TestReconstruct_SeeksToEngineLocator(t *testing.T) {
	b1 := &testutil.MockBuilder{}
	b2 := &testutil.MockBuilder{Loc: model.Locator{SourceID: "s1", Offset: 1}}
	h := newHarness(t, []*testutil.MockBuilder{b1, b2})
	h.add(t, docJSON("a"), docJSON("b"), docJSON("c"))

	b1.Dirty.Store(true)
	b1.On("Commit", mock.Anything).Return(model.TableVersion{}, errors.New("commit failed")).Once()
	require.NoError(t, h.p.reconstruct(t.Context()))
	b1.AssertExpectations(t)

	b2.On("Build", mock.Anything, mock.MatchedBy(func(batch *document.Batch) bool {
		return batch.Len() == 1 && batch.Docs[0].PK == "c"
	})).Return(nil).Once()
	assert.True(t, h.p.step(t.Context()))
	b2.AssertExpectations(t)
}

func TestReconstruct_ForeignLocatorRestartsStream(t *testing.T) {
	b := &testutil.MockBuilder{Loc: model.Locator{SourceID: "old", Offset: 9}}
	h := newHarness(t, []*testutil.MockBuilder{b})
	h.add(t, docJSON("a"))

	b.On("Build", mock.Anything, mock.MatchedBy(func(batch *document.Batch) bool {
		return batch.Docs[0].PK == "a"
	})).Return(nil).Once()
	assert.True(t, h.p.step(t.Context()))
	b.AssertExpectations(t)
}

// seekFailSource fails every Seek with err while err is set.
type seekFailSource struct {
	source.Source
	err   error
	seeks []model.Locator
}

func (s *seekFailSource) Seek(ctx context.Context, loc model.Locator) error {
	s.seeks = append(s.seeks, loc)
	if s.err != nil {
		return s.err
	}
	return s.Source.Seek(ctx, loc)
}

func TestReconstruct_TransientSeekErrorKeepsPosition(t *testing.T) {
	b := &testutil.MockBuilder{Loc: model.Locator{SourceID: "s1", Offset: 1}}
	tab := &testutil.Tablet{NewBuilder: func(int) (engine.TableBuilder, error) { return b, nil }}
	a := engine.NewTabletAdapter(tab)
	table := testutil.Table(t, "t1", 1)
	_, err := a.Open(t.Context(), engine.Properties{Table: table}, 1)
	require.NoError(t, err)

	stream := source.NewMemoryStream("s1")
	for _, pk := range []string{"a", "b", "c"} {
		_, err := stream.Append([]byte(docJSON(pk)))
		require.NoError(t, err)
	}
	seekErr := errors.New("connection refused")
	var src *seekFailSource
	p := New(a, Config{
		Partition: pid,
		Props:     engine.Properties{Table: table},
		Source: func(context.Context) (source.Source, error) {
			src = &seekFailSource{Source: stream.Open(), err: seekErr}
			return src, nil
		},
	})

	err = p.reconstruct(t.Context())
	require.Error(t, err)
	assert.NotErrorIs(t, err, source.ErrForeignLocator)
	assert.Equal(t, []model.Locator{b.Loc}, src.seeks, "no rewind to the start of the stream")

	seekErr = nil
	require.NoError(t, p.reconstruct(t.Context()))
	b.On("Build", mock.Anything, mock.MatchedBy(func(batch *document.Batch) bool {
		return batch.Len() == 1 && batch.Docs[0].PK == "c"
	})).Return(nil).Once()
	assert.True(t, p.step(t.Context()))
	b.AssertExpectations(t)
}

func TestCommit(t *testing.T) {
	b := &testutil.MockBuilder{}
	h := newHarness(t, []*testutil.MockBuilder{b})
	v := model.TableVersion{VersionID: model.PrivateVersionMask + 1}

	b.On("Commit", mock.Anything).Return(v, nil).Once()
	ok, got := h.p.Commit(t.Context())
	assert.True(t, ok)
	assert.Equal(t, v, got)

	b.On("Commit", mock.Anything).Return(model.TableVersion{}, engine.ErrIO).Once()
	ok, got = h.p.Commit(t.Context())
	assert.False(t, ok)
	assert.Equal(t, model.TableVersion{}, got)

	assert.False(t, h.p.NeedCommit())
	b.Dirty.Store(true)
	assert.True(t, h.p.NeedCommit())
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestIsRecovered(t *testing.T) {
	t.Run("time bound", func(t *testing.T) {
		c := &clock{now: time.Unix(1000, 0)}
		h := newHarness(t, []*testutil.MockBuilder{{}}, WithClock(c.Now))
		assert.False(t, h.p.IsRecovered(), "not started")

		h.p.started.Store(c.Now().UnixNano())
		assert.False(t, h.p.IsRecovered())
		c.Advance(5*time.Minute - time.Second)
		assert.False(t, h.p.IsRecovered())
		c.Advance(time.Second)
		assert.True(t, h.p.IsRecovered())
	})

	t.Run("caught up", func(t *testing.T) {
		b := &testutil.MockBuilder{Loc: model.Locator{SourceID: "s1", Offset: 1}}
		h := newHarness(t, []*testutil.MockBuilder{b})
		h.p.started.Store(time.Now().UnixNano())

		h.p.checkRecovered(t.Context())
		assert.False(t, h.p.IsRecovered(), "empty stream")

		for i := range 200 {
			h.add(t, docJSON(fmt.Sprint(i)))
		}
		h.p.checkRecovered(t.Context())
		assert.False(t, h.p.IsRecovered(), "198 behind")

		b.Loc.Offset = 99
		h.p.checkRecovered(t.Context())
		assert.True(t, h.p.IsRecovered())
	})

	t.Run("source mismatch", func(t *testing.T) {
		b := &testutil.MockBuilder{Loc: model.Locator{SourceID: "other", Offset: 5}}
		h := newHarness(t, []*testutil.MockBuilder{b})
		h.p.started.Store(time.Now().UnixNano())
		h.add(t, docJSON("a"))

		h.p.checkRecovered(t.Context())
		assert.False(t, h.p.IsRecovered())
	})
}

func TestCaughtUp(t *testing.T) {
	loc := func(src string, off int64) model.Locator { return model.Locator{SourceID: src, Offset: off} }
	tests := []struct {
		latest, ingested model.Locator
		want             bool
	}{
		{loc("s", 10), loc("s", 10), true},
		{loc("s", 110), loc("s", 10), true},
		{loc("s", 111), loc("s", 10), false},
		{loc("s", 10), loc("t", 10), false},
		{loc("s", 10), model.Locator{}, false},
		{model.Locator{}, loc("s", 10), false},
	}
	for i, tt := range tests {
		assert.Equal(t, tt.want, caughtUp(tt.latest, tt.ingested, 100), "case %d", i)
	}
}

func TestPipeline_EndToEndLegacy(t *testing.T) {
	root := t.TempDir()
	table := testutil.Table(t, "t1", 1)
	table.Realtime.IdleInterval = time.Millisecond
	table.Realtime.MaxDelay = 0
	props := engine.Properties{IndexRoot: root, Table: table}

	a := engine.NewLegacyAdapter(legacy.New())
	_, err := a.Open(t.Context(), props, model.InvalidVersion)
	require.NoError(t, err)
	defer a.Close(t.Context(), time.Second)

	stream := source.NewMemoryStream("s1")
	for i := range 10 {
		_, err := stream.Append([]byte(docJSON(fmt.Sprintf("d%d", i))))
		require.NoError(t, err)
	}

	p := New(a, Config{Partition: pid, Props: props, Source: stream.Factory()})
	require.NoError(t, p.Start(t.Context()))
	require.ErrorIs(t, p.Start(t.Context()), ErrRunning)
	require.NoError(t, p.WaitRecovered(t.Context()))

	require.Eventually(t, func() bool {
		s, err := a.CreatePartitionData(1, true)
		if err != nil {
			return false
		}
		defer s.Release()
		return s.DocCount() == 10
	}, 5*time.Second, 5*time.Millisecond)

	assert.True(t, p.NeedCommit())
	ok, v := p.Commit(t.Context())
	require.True(t, ok)
	assert.True(t, v.VersionID.IsPrivate())
	assert.Equal(t, int64(9), v.Meta.Locator.Offset)

	p.Stop()
	p.Stop()
	assert.False(t, p.Running())
	ok, _ = p.Commit(t.Context())
	assert.False(t, ok, "no builder after stop")
}
