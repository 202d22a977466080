package engine

import (
	"context"
	"log/slog"

	"github.com/hupe1980/rtpart/document"
	"github.com/hupe1980/rtpart/model"
	"github.com/hupe1980/rtpart/resource"
	"github.com/hupe1980/rtpart/schema"
)

// Properties carry everything an engine needs to open a partition.
type Properties struct {
	// IndexRoot is the local directory holding the partition's versions.
	IndexRoot string
	// ConfigPath is the local config directory the schema was read from.
	ConfigPath string
	// Table holds the table settings and schema.
	Table *schema.TableConfig
	// Resource is the process-wide memory quota. May be nil.
	Resource *resource.Controller
	// Logger is used by the native engine. May be nil.
	Logger *slog.Logger
}

// Schema returns the table schema or nil.
func (p Properties) Schema() *schema.Schema {
	if p.Table == nil {
		return nil
	}
	return p.Table.Schema
}

// Reader is a read view of the engine at one point in time.
// A view never changes after creation; Close releases it.
type Reader interface {
	// Get returns the stored fields of a document.
	Get(pk string) (map[string]any, bool, error)
	// DocCount returns the number of live documents.
	DocCount() int64
	// Version returns the version the view was created from.
	Version() model.TableVersion
	// Locator returns the stream position reflected by the view.
	Locator() model.Locator
	Close() error
}

// TableBuilder applies real-time mutations to an engine.
//
// A builder stays valid across normal reopens of its engine. After a forced
// reopen or close it returns ErrUninitialized and must be recreated.
type TableBuilder interface {
	Build(ctx context.Context, batch *document.Batch) error
	// AlterTable switches to s and advances the locator to loc, the position
	// of the alter document.
	AlterTable(ctx context.Context, s *schema.Schema, configPath string, loc model.Locator) error
	ImportExternalFiles(ctx context.Context, req *document.Bulkload) error
	// NeedCommit reports whether mutations were built since the last commit.
	NeedCommit() bool
	// Commit persists built mutations as a new private version.
	Commit(ctx context.Context) (model.TableVersion, error)
	// Locator returns the position of the last built document.
	Locator() model.Locator
	Close() error
}

// LegacyPartition is the native surface of the legacy partition engine.
type LegacyPartition interface {
	Open(ctx context.Context, props Properties, version model.IncVersion) error
	// ReopenPartition switches to version. A normal reopen keeps real-time
	// data newer than the version; a forced one discards it.
	ReopenPartition(ctx context.Context, version model.IncVersion, force bool) error
	LoadedVersion() (model.TableVersion, model.SchemaVersion)
	Schema() *schema.Schema
	NewReader() (Reader, error)
	NewWriter(pid model.PartitionID, res *resource.Controller) (TableBuilder, error)
	RemoveVersions(keep []model.IncVersion) error
	RemoveUnreferencedFiles(keepFiles []string) (int, error)
	Close() error
}

// TabletOpenOptions configure opening a tablet.
type TabletOpenOptions struct {
	Properties
	Version model.IncVersion
	// ReadOnly tablets reject writers.
	ReadOnly bool
}

// ReopenOptions configure a tablet reopen.
type ReopenOptions struct {
	Version model.IncVersion
	Force   bool
}

// TabletInfo describes the loaded state of a tablet.
type TabletInfo struct {
	Version       model.TableVersion
	SchemaVersion model.SchemaVersion
	Schema        *schema.Schema
	MemoryBytes   int64
}

// CleanupOptions select what a tablet keeps on cleanup.
type CleanupOptions struct {
	KeepVersions []model.IncVersion
	KeepFiles    []string
	// VersionsOnly skips the unreferenced file sweep.
	VersionsOnly bool
}

// WriterOptions configure a tablet writer.
type WriterOptions struct {
	Partition model.PartitionID
	Resource  *resource.Controller
}

// Tablet is the native surface of the tablet engine.
type Tablet interface {
	OpenTablet(ctx context.Context, opts TabletOpenOptions) error
	Reopen(ctx context.Context, opts ReopenOptions) error
	Info() TabletInfo
	NewSnapshot() (Reader, error)
	NewWriter(ctx context.Context, opts WriterOptions) (TableBuilder, error)
	// Cleanup removes versions and files. It reports whether anything was removed.
	Cleanup(ctx context.Context, opts CleanupOptions) (bool, error)
	Close() error
}

// AccessReporter receives best-effort access counters.
type AccessReporter interface {
	ReportAccess(partition string, name string)
}
