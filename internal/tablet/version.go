package tablet

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/objstorage/objstorageprovider"
	"github.com/cockroachdb/pebble/sstable"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/google/uuid"
	"github.com/hupe1980/rtpart/document"
	"github.com/hupe1980/rtpart/internal/fs"
	"github.com/hupe1980/rtpart/internal/manifest"
	"github.com/hupe1980/rtpart/model"
)

// VersionSpec describes a build version written by WriteVersion.
type VersionSpec struct {
	ID            model.IncVersion
	Docs          []*document.Document
	SchemaVersion model.SchemaVersion
	Locator       model.Locator
	BranchID      model.BranchID
	Sealed        bool
	// Base, if set, starts the version from Base's checkpoint.
	Base *manifest.Manifest
}

// WriteVersion builds a checkpoint version into root the way the offline
// build system lays it out.
func WriteVersion(root string, spec VersionSpec) (*manifest.Manifest, error) {
	logger := slog.Default()
	dir := filepath.Join(root, workDir, uuid.NewString())
	g, err := openGeneration(root, dir, spec.Base, &genMeta{}, logger)
	if err != nil {
		return nil, err
	}
	defer g.decRef()

	entries := make([]journalEntry, 0, len(spec.Docs))
	for _, d := range spec.Docs {
		e, err := toJournalEntry(nil, d)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := g.apply(entries, spec.Locator); err != nil {
		return nil, err
	}
	if err := g.db.Set(metaSchema, encodeUint(uint64(spec.SchemaVersion)), pebble.Sync); err != nil {
		return nil, wrapPebble(err)
	}

	files, err := checkpoint(g.db, root, spec.ID)
	if err != nil {
		return nil, err
	}

	m := manifest.New(spec.ID, EngineName)
	m.Files = files
	m.SchemaVersion = spec.SchemaVersion
	m.Locator = spec.Locator
	m.BranchID = spec.BranchID
	m.Sealed = spec.Sealed
	if spec.Base != nil {
		m.BaseVersion = spec.Base.ID
	}
	if err := manifest.NewStore(fs.Default, root).Save(m); err != nil {
		return nil, err
	}
	return m, nil
}

// WriteSST writes docs into an sstable that ImportExternalFiles can ingest.
func WriteSST(path string, docs []*document.Document) error {
	type kv struct{ k, v []byte }
	latest := make(map[string]int, len(docs))
	rows := make([]kv, 0, len(docs))
	for _, d := range docs {
		e, err := toJournalEntry(nil, d)
		if err != nil {
			return err
		}
		if e.del {
			return fmt.Errorf("sstable import cannot carry deletes: %q", d.PK)
		}
		if i, ok := latest[d.PK]; ok {
			rows[i].v = e.value
			continue
		}
		latest[d.PK] = len(rows)
		rows = append(rows, kv{e.key, e.value})
	}
	slices.SortFunc(rows, func(a, b kv) int { return bytes.Compare(a.k, b.k) })

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := vfs.Default.Create(path)
	if err != nil {
		return err
	}
	w := sstable.NewWriter(objstorageprovider.NewFileWritable(f), sstable.WriterOptions{})
	for _, r := range rows {
		if err := w.Set(r.k, r.v); err != nil {
			_ = w.Close()
			return err
		}
	}
	return w.Close()
}
