package rtpart

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hupe1980/rtpart/blobstore"
	"github.com/hupe1980/rtpart/deploy"
	"github.com/hupe1980/rtpart/document"
	"github.com/hupe1980/rtpart/engine"
	"github.com/hupe1980/rtpart/internal/legacy"
	"github.com/hupe1980/rtpart/internal/manifest"
	"github.com/hupe1980/rtpart/model"
	"github.com/hupe1980/rtpart/resource"
	"github.com/hupe1980/rtpart/source"
	"github.com/hupe1980/rtpart/testutil"
	"github.com/hupe1980/rtpart/versionstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pid = model.NewPartitionID("t1", 0, 65535)

const (
	streamTable = `engine: legacy
realtime:
  enabled: true
  mode: stream
  max_delay: 0
  idle_interval: 1ms
  wait_recovered: true
`
	directWriteTable = `engine: legacy
realtime:
  enabled: true
  mode: direct_write
`
)

type fixture struct {
	configDir string
	indexRoot string
}

func newFixture(t *testing.T, tableYAML string) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		configDir: filepath.Join(dir, "config"),
		indexRoot: filepath.Join(dir, "index"),
	}
	testutil.WriteConfig(t, f.configDir, testutil.SchemaYAML("t1", 1), tableYAML)
	return f
}

func docs(prefix string, n int) []*document.Document {
	out := make([]*document.Document, n)
	for i := range out {
		out[i] = &document.Document{
			PK:     fmt.Sprintf("%s-%d", prefix, i),
			Op:     document.OpAdd,
			Fields: map[string]any{"title": prefix},
		}
	}
	return out
}

func (f *fixture) writeVersion(t *testing.T, id model.IncVersion, branch model.BranchID, base *manifest.Manifest, n int) *manifest.Manifest {
	t.Helper()
	m, err := legacy.WriteVersion(nil, f.indexRoot, legacy.VersionSpec{
		ID:            id,
		Docs:          docs(fmt.Sprintf("v%d", id), n),
		SchemaVersion: 1,
		BranchID:      branch,
		Base:          base,
	})
	require.NoError(t, err)
	return m
}

func (f *fixture) target(v model.IncVersion, branch model.BranchID) model.TargetPartitionMeta {
	return model.TargetPartitionMeta{
		ConfigPath: f.configDir,
		IndexRoot:  f.indexRoot,
		IncVersion: v,
		BranchID:   branch,
		Role:       model.RoleLeader,
	}
}

func docCount(t *testing.T, c *Controller) int64 {
	t.Helper()
	snap, err := c.GetPartitionData()
	require.NoError(t, err)
	defer snap.Release()
	return snap.DocCount()
}

func newController(optFns ...Option) *Controller {
	return New(pid, nil, append([]Option{WithLogger(NoopLogger()), WithUnloadTimeout(100 * time.Millisecond)}, optFns...)...)
}

func TestController_Lifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	v1 := f.writeVersion(t, 1, 1, nil, 3)
	f.writeVersion(t, 2, 1, v1, 2)

	c := newController()
	assert.Equal(t, model.TableUnloaded, c.CurrentMeta().TableStatus)
	_, err := c.GetPartitionData()
	require.ErrorIs(t, err, ErrNotLoaded)

	st, err := c.Load(ctx, f.target(1, 1), false)
	require.NoError(t, err)
	assert.Equal(t, model.TableLoaded, st)

	meta := c.CurrentMeta()
	assert.Equal(t, model.IncVersion(1), meta.IncVersion)
	assert.Equal(t, model.BranchID(1), meta.BranchID)
	assert.Equal(t, model.SchemaVersion(1), meta.SchemaVersion)
	assert.NotEmpty(t, meta.SchemaContent)
	assert.Equal(t, []string{"title"}, meta.EffectiveFields["index"])
	assert.Equal(t, model.RtNone, meta.RtStatus)
	assert.Equal(t, int64(3), docCount(t, c))

	st, err = c.Load(ctx, f.target(2, 1), true)
	require.NoError(t, err)
	assert.Equal(t, model.TableLoaded, st)
	assert.Equal(t, model.IncVersion(2), c.CurrentMeta().IncVersion)
	assert.Equal(t, int64(5), docCount(t, c))

	require.NoError(t, c.Unload(ctx))
	meta = c.CurrentMeta()
	assert.Equal(t, model.TableUnloaded, meta.TableStatus)
	assert.Equal(t, model.InvalidVersion, meta.IncVersion)
	_, err = c.GetPartitionData()
	require.ErrorIs(t, err, ErrNotLoaded)

	require.NoError(t, c.Unload(ctx), "unload is idempotent")
	assert.Equal(t, model.TableUnloaded, c.CurrentMeta().TableStatus)
}

func TestController_SnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	v1 := f.writeVersion(t, 1, 1, nil, 3)
	f.writeVersion(t, 2, 1, v1, 4)

	c := newController()
	_, err := c.Load(ctx, f.target(1, 1), false)
	require.NoError(t, err)

	old, err := c.GetPartitionData()
	require.NoError(t, err)

	_, err = c.Load(ctx, f.target(2, 1), false)
	require.NoError(t, err)

	assert.Equal(t, int64(3), old.DocCount(), "snapshot taken before the reopen is unchanged")
	assert.Equal(t, model.IncVersion(1), old.Version().VersionID)
	assert.Equal(t, int64(7), docCount(t, c))

	old.Release()
	old.Release()
	require.NoError(t, c.Unload(ctx))
}

func TestController_UnloadWithOutstandingSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	f.writeVersion(t, 1, 1, nil, 1)

	c := newController()
	_, err := c.Load(ctx, f.target(1, 1), false)
	require.NoError(t, err)

	snap, err := c.GetPartitionData()
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, c.Unload(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond, "unload waits for the timeout")
	assert.Equal(t, int64(1), snap.DocCount(), "snapshot stays readable")
	snap.Release()
}

func TestController_MonotonicVersion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	v1 := f.writeVersion(t, 1, 1, nil, 1)
	f.writeVersion(t, 2, 1, v1, 1)

	c := newController()
	_, err := c.Load(ctx, f.target(2, 1), false)
	require.NoError(t, err)

	st, err := c.Load(ctx, f.target(1, 1), false)
	require.Error(t, err)
	assert.Equal(t, model.TableErrorLackMem, st, "rollback needs a forced reopen")
	assert.Equal(t, model.IncVersion(2), c.CurrentMeta().IncVersion)

	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, model.ErrorNone, le.Code)
	require.ErrorIs(t, err, engine.ErrForceReopen)

	st, err = c.Load(ctx, f.target(1, 1), true)
	require.NoError(t, err)
	assert.Equal(t, model.TableLoaded, st)
	assert.Equal(t, model.IncVersion(1), c.CurrentMeta().IncVersion)
	require.NoError(t, c.Unload(ctx))
}

func TestController_BranchChangeForcesReload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	v1 := f.writeVersion(t, 1, 1, nil, 2)
	f.writeVersion(t, 2, 2, v1, 1)

	c := newController()
	_, err := c.Load(ctx, f.target(1, 1), false)
	require.NoError(t, err)
	gen := c.adapter.Generation()

	st, err := c.Load(ctx, f.target(2, 2), false)
	require.NoError(t, err)
	assert.Equal(t, model.TableForceReload, st)
	assert.Equal(t, gen, c.adapter.Generation(), "engine not reopened")

	meta := c.CurrentMeta()
	assert.Equal(t, model.TableForceReload, meta.TableStatus)
	assert.Equal(t, model.IncVersion(1), meta.IncVersion)
	assert.Equal(t, int64(2), docCount(t, c))

	require.NoError(t, c.Unload(ctx))
	st, err = c.Load(ctx, f.target(2, 2), false)
	require.NoError(t, err)
	assert.Equal(t, model.TableLoaded, st)
	require.NoError(t, c.Unload(ctx))
}

func TestController_LoadFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("config", func(t *testing.T) {
		f := newFixture(t, "engine: unknown\n")
		c := newController()
		st, err := c.Load(ctx, f.target(model.InvalidVersion, 0), false)
		require.Error(t, err)
		assert.Equal(t, model.TableErrorConfig, st)
		assert.Equal(t, model.ErrorConfig, c.CurrentMeta().ErrorCode)
		_, err = c.GetPartitionData()
		assert.ErrorIs(t, err, ErrNotLoaded)
	})

	t.Run("missing version", func(t *testing.T) {
		f := newFixture(t, "")
		c := newController()
		st, err := c.Load(ctx, f.target(7, 0), false)
		require.ErrorIs(t, err, engine.ErrVersionNotFound)
		assert.Equal(t, model.TableErrorUnknown, st)
		assert.Equal(t, model.ErrorUnknown, c.CurrentMeta().ErrorCode)
	})

	t.Run("lack of memory", func(t *testing.T) {
		f := newFixture(t, "")
		f.writeVersion(t, 1, 0, nil, 5)
		c := newController(WithResource(resource.NewController(resource.Config{MemoryLimitBytes: 1})))
		st, err := c.Load(ctx, f.target(1, 0), false)
		require.ErrorIs(t, err, engine.ErrLackOfMemory)
		assert.Equal(t, model.TableErrorLackMem, st)
		assert.Equal(t, model.ErrorLoadLackMem, c.CurrentMeta().ErrorCode)
	})

	t.Run("forced reopen lack of memory", func(t *testing.T) {
		f := newFixture(t, "")
		m1 := f.writeVersion(t, 1, 0, nil, 1)
		m2 := f.writeVersion(t, 2, 0, nil, 50)
		// room for either version alone, not for both while reopening
		limit := 4*(m1.TotalSize()+m2.TotalSize()) - 1
		res := resource.NewController(resource.Config{MemoryLimitBytes: limit})
		c := newController(WithResource(res))
		_, err := c.Load(ctx, f.target(1, 0), false)
		require.NoError(t, err)

		st, err := c.Load(ctx, f.target(2, 0), true)
		require.ErrorIs(t, err, engine.ErrLackOfMemory)
		assert.Equal(t, model.TableErrorLackMem, st)
		assert.Equal(t, model.ErrorForceReopenLackMem, c.CurrentMeta().ErrorCode)
		assert.Equal(t, int64(1), docCount(t, c), "old version keeps serving")
		require.NoError(t, c.Unload(ctx))
	})
}

func TestController_Scenario(t *testing.T) {
	ctx := context.Background()
	remote := t.TempDir()
	testutil.WriteConfig(t, filepath.Join(remote, "t1", "config"), testutil.SchemaYAML("t1", 1), "")
	remoteIndex := &fixture{indexRoot: filepath.Join(remote, "t1", "index", "0_65535")}
	v1 := remoteIndex.writeVersion(t, 1, 1, nil, 3)
	remoteIndex.writeVersion(t, 2, 1, v1, 2)

	local := newFixture(t, "")
	c := New(pid, deploy.New(blobstore.NewLocalStore(remote)), WithLogger(NoopLogger()))

	target := local.target(1, 1)
	target.RemoteConfigPath = "t1/config"
	target.RemoteIndexRoot = "t1/index/0_65535"

	st, err := c.Deploy(ctx, target, false)
	require.NoError(t, err)
	assert.Equal(t, model.DeployDone, st)
	assert.Equal(t, model.DeployDone, c.CurrentMeta().DeployStatus[1])

	ts, err := c.Load(ctx, target, false)
	require.NoError(t, err)
	assert.Equal(t, model.TableLoaded, ts)
	assert.Equal(t, int64(3), docCount(t, c))

	target.IncVersion = 2
	target.KeepCount = 1
	st, err = c.Deploy(ctx, target, false)
	require.NoError(t, err)
	assert.Equal(t, model.DeployDone, st)

	ts, err = c.Load(ctx, target, true)
	require.NoError(t, err)
	assert.Equal(t, model.TableLoaded, ts)
	assert.Equal(t, model.IncVersion(2), c.CurrentMeta().IncVersion)
	assert.Equal(t, int64(5), docCount(t, c))

	require.NoError(t, c.CleanIndexFiles(ctx, nil))
	_, err = os.Stat(filepath.Join(local.indexRoot, manifest.FileName(1)))
	assert.ErrorIs(t, err, os.ErrNotExist, "version 1 pruned")
	_, err = os.Stat(filepath.Join(local.indexRoot, manifest.FileName(2)))
	require.NoError(t, err, "loaded version kept")
	assert.NotContains(t, c.CurrentMeta().DeployStatus, model.IncVersion(1))

	require.NoError(t, c.Unload(ctx))
	assert.Equal(t, model.TableUnloaded, c.CurrentMeta().TableStatus)
}

func TestController_DeployPrunesUnusedVersions(t *testing.T) {
	ctx := context.Background()
	remote := t.TempDir()
	testutil.WriteConfig(t, filepath.Join(remote, "t1", "config"), testutil.SchemaYAML("t1", 1), "")
	remoteIndex := &fixture{indexRoot: filepath.Join(remote, "t1", "index", "0_65535")}
	v1 := remoteIndex.writeVersion(t, 1, 1, nil, 3)
	remoteIndex.writeVersion(t, 2, 1, v1, 2)
	remoteIndex.writeVersion(t, 3, 1, nil, 4)

	local := newFixture(t, "")
	c := New(pid, deploy.New(blobstore.NewLocalStore(remote)), WithLogger(NoopLogger()))
	deployVersion := func(v model.IncVersion) {
		t.Helper()
		target := local.target(v, 1)
		target.RemoteConfigPath = "t1/config"
		target.RemoteIndexRoot = "t1/index/0_65535"
		st, err := c.Deploy(ctx, target, false)
		require.NoError(t, err)
		require.Equal(t, model.DeployDone, st)
	}
	exists := func(v model.IncVersion) bool {
		_, err := os.Stat(filepath.Join(local.indexRoot, manifest.FileName(v)))
		return err == nil
	}

	deployVersion(1)
	_, err := c.Load(ctx, local.target(1, 1), false)
	require.NoError(t, err)

	deployVersion(2)
	assert.True(t, exists(1), "loaded version kept")
	assert.True(t, exists(2))

	deployVersion(3)
	assert.True(t, exists(1), "loaded version kept")
	assert.False(t, exists(2), "unused version pruned")
	assert.True(t, exists(3))
	assert.NotContains(t, c.CurrentMeta().DeployStatus, model.IncVersion(2))
	assert.Equal(t, int64(3), docCount(t, c))

	require.NoError(t, c.Unload(ctx))
}

func TestController_DeployFailure(t *testing.T) {
	ctx := context.Background()
	local := newFixture(t, "")
	c := New(pid, deploy.New(blobstore.NewLocalStore(t.TempDir())), WithLogger(NoopLogger()))

	target := local.target(1, 0)
	target.RemoteConfigPath = "missing/config"
	target.RemoteIndexRoot = "missing/index"

	st, err := c.Deploy(ctx, target, false)
	require.ErrorIs(t, err, deploy.ErrEmptyConfig)
	assert.Equal(t, model.DeployFailed, st)
	assert.Equal(t, model.DeployFailed, c.CurrentMeta().DeployStatus[1])

	c.CancelDeploy()

	noDeployer := newController()
	st, err = noDeployer.Deploy(ctx, target, false)
	require.Error(t, err)
	assert.Equal(t, model.DeployFailed, st)
}

func TestController_RealtimeCommitAndResume(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, streamTable)
	f.writeVersion(t, 1, 1, nil, 3)

	stream := source.NewMemoryStream("s1")
	for i := range 5 {
		_, err := stream.Append([]byte(fmt.Sprintf(`{"pk":"rt-%d","title":"rt"}`, i)))
		require.NoError(t, err)
	}
	versions := versionstore.NewFileStore(t.TempDir(), nil)

	c := newController(WithSource(stream.Factory()), WithVersionStore(versions))
	st, err := c.Load(ctx, f.target(1, 1), false)
	require.NoError(t, err)
	assert.Equal(t, model.TableLoaded, st)
	assert.Equal(t, model.RtBuilding, c.CurrentMeta().RtStatus)

	require.Eventually(t, func() bool { return docCount(t, c) == 8 }, 5*time.Second, 5*time.Millisecond)
	require.True(t, c.NeedCommit())

	ok, v := c.Commit(ctx)
	require.True(t, ok)
	assert.True(t, v.VersionID.IsPrivate())
	assert.Equal(t, model.IncVersion(1), v.Meta.BaseVersion)
	assert.Equal(t, int64(4), v.Meta.Locator.Offset)

	rec, err := versions.Get(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, v.VersionID, rec.Version.VersionID)

	require.NoError(t, c.Unload(ctx))
	ok, _ = c.Commit(ctx)
	assert.False(t, ok, "nothing to commit after unload")

	restarted := newController(WithSource(stream.Factory()), WithVersionStore(versions))
	_, err = restarted.Load(ctx, f.target(1, 1), false)
	require.NoError(t, err)
	assert.Equal(t, int64(8), docCount(t, restarted), "real-time data survives the restart")
	assert.Equal(t, model.IncVersion(1), restarted.CurrentMeta().IncVersion)

	snap, err := restarted.GetPartitionData()
	require.NoError(t, err)
	assert.Equal(t, v.VersionID, snap.Version().VersionID)
	assert.True(t, snap.HasRealtime())
	snap.Release()

	require.NoError(t, restarted.Unload(ctx))
}

func TestController_SuspendResume(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, streamTable)
	stream := source.NewMemoryStream("s1")
	_, err := stream.Append([]byte(`{"pk":"a","title":"x"}`))
	require.NoError(t, err)

	c := newController(WithSource(stream.Factory()))
	require.ErrorIs(t, c.SuspendRealtime(), ErrNotLoaded)

	_, err = c.Load(ctx, f.target(model.InvalidVersion, 0), false)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return docCount(t, c) == 1 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, c.SuspendRealtime())
	assert.Equal(t, model.RtSuspended, c.CurrentMeta().RtStatus)

	_, err = stream.Append([]byte(`{"pk":"b","title":"x"}`))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(1), docCount(t, c), "nothing is built while suspended")

	require.NoError(t, c.ResumeRealtime(ctx))
	assert.Equal(t, model.RtBuilding, c.CurrentMeta().RtStatus)
	require.Eventually(t, func() bool { return docCount(t, c) == 2 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Unload(ctx))
}

func TestController_RealtimeWithoutSource(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "engine: legacy\nrealtime:\n  enabled: true\n")

	c := newController()
	st, err := c.Load(ctx, f.target(model.InvalidVersion, 0), false)
	require.ErrorIs(t, err, ErrRealtimeUnavailable)
	assert.Equal(t, model.TableLoaded, st, "the partition serves without ingestion")
	assert.Equal(t, model.ErrorBuildRealtime, c.CurrentMeta().ErrorCode)
	require.NoError(t, c.Unload(ctx))
}

func TestController_CancelLoad(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, streamTable)
	stream := source.NewMemoryStream("s1")

	c := newController(WithSource(stream.Factory()))
	go func() {
		time.Sleep(50 * time.Millisecond)
		c.CancelLoad()
	}()

	st, err := c.Load(ctx, f.target(model.InvalidVersion, 0), false)
	require.ErrorIs(t, err, ErrLoadCancelled)
	assert.Equal(t, model.TableErrorUnknown, st)
	_, err = c.GetPartitionData()
	assert.ErrorIs(t, err, ErrNotLoaded)
}

func TestController_DirectWrite(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, directWriteTable)

	c := newController()
	require.ErrorIs(t, c.Write(ctx, &document.Batch{Docs: docs("w", 1)}), ErrNotWritable)

	_, err := c.Load(ctx, f.target(model.InvalidVersion, 0), false)
	require.NoError(t, err)
	assert.Equal(t, model.RtBuilding, c.CurrentMeta().RtStatus)

	require.NoError(t, c.Write(ctx, &document.Batch{Docs: docs("w", 3)}))
	assert.Equal(t, int64(3), docCount(t, c))
	assert.True(t, c.NeedCommit())

	ok, v := c.Commit(ctx)
	require.True(t, ok)
	assert.True(t, v.VersionID.IsPrivate())
	assert.False(t, c.NeedCommit())
	require.NoError(t, c.Unload(ctx))

	follower := newController()
	target := f.target(model.InvalidVersion, 0)
	target.Role = model.RoleFollower
	_, err = follower.Load(ctx, target, false)
	require.NoError(t, err)
	require.ErrorIs(t, follower.Write(ctx, &document.Batch{Docs: docs("w", 1)}), ErrNotWritable)
	require.NoError(t, follower.Unload(ctx))
}

func TestTableStatusOf(t *testing.T) {
	tests := []struct {
		in   engine.OpenStatus
		want model.TableStatus
	}{
		{engine.OpenOK, model.TableLoaded},
		{engine.OpenLackOfMemory, model.TableErrorLackMem},
		{engine.OpenForceReopen, model.TableErrorLackMem},
		{engine.OpenInconsistentSchema, model.TableForceReload},
		{engine.OpenIOException, model.TableForceReload},
		{engine.OpenEngineException, model.TableForceReload},
		{engine.OpenUnknownException, model.TableForceReload},
		{engine.OpenVersionNotFound, model.TableErrorUnknown},
		{engine.OpenInvalidArgument, model.TableErrorUnknown},
		{engine.OpenClosed, model.TableErrorUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.in.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tableStatusOf(tt.in))
		})
	}
}

func TestErrorCodeOf(t *testing.T) {
	assert.Equal(t, model.ErrorLoadLackMem, errorCodeOf(model.TableErrorLackMem, true, false))
	assert.Equal(t, model.ErrorForceReopenLackMem, errorCodeOf(model.TableErrorLackMem, false, true))
	assert.Equal(t, model.ErrorNone, errorCodeOf(model.TableErrorLackMem, false, false))
	assert.Equal(t, model.ErrorConfig, errorCodeOf(model.TableErrorConfig, true, false))
	assert.Equal(t, model.ErrorUnknown, errorCodeOf(model.TableErrorUnknown, false, false))
	assert.Equal(t, model.ErrorNone, errorCodeOf(model.TableForceReload, false, true))
}
