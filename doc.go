// Package rtpart manages the lifecycle of one partition of a searchable,
// versioned table.
//
// A partition is replaced wholesale by index versions shipped from an offline
// build system and, between versions, appended to by a real-time document
// stream. The Controller keeps both paths consistent:
//
//	deploy -> load -> (real-time build) -> commit -> unload
//
// # Quick Start
//
//	store := blobstore.NewLocalStore("/mnt/artifacts")
//	ctrl := rtpart.New(pid, deploy.New(store),
//	    rtpart.WithSource(source.JetStreamFactory(natsURL, source.JetStreamConfig{Stream: "docs"})),
//	    rtpart.WithVersionStore(versionstore.NewFileStore("/var/lib/rtpart", nil)),
//	)
//
//	st, err := ctrl.Deploy(ctx, target, false)
//	ts, err := ctrl.Load(ctx, target, false)
//
//	snap, err := ctrl.GetPartitionData()
//	defer snap.Release()
//
//	ok, version := ctrl.Commit(ctx)
//	err = ctrl.Unload(ctx)
//
// # Concurrency
//
// Deploy, Load, Unload, CleanIndexFiles and the real-time suspend/resume calls
// are serialized by the controller. GetPartitionData, CurrentMeta, Commit,
// NeedCommit and Write never wait for them: the engine, the pipeline and the
// direct writer are each published through their own lock, held only while a
// pointer is swapped.
//
// A snapshot obtained from GetPartitionData stays valid and unchanged across
// later loads; Unload waits up to the unload timeout for outstanding
// snapshots before closing the engine.
//
// # Versions
//
// Public versions come from the build system. Commits of real-time data create
// private versions (model.PrivateVersionMask) on top of the loaded public
// version. With a version store configured, a full load of public version V
// resumes from the last private version built on V in the same branch.
package rtpart
