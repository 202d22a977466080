package tablet

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/hupe1980/rtpart/engine"
	"github.com/hupe1980/rtpart/internal/manifest"
	"github.com/hupe1980/rtpart/model"
	"github.com/hupe1980/rtpart/schema"
)

// pebbleLogger routes Pebble's logs into slog.
type pebbleLogger struct {
	l *slog.Logger
}

func (p pebbleLogger) Infof(format string, args ...any) {
	p.l.Debug(fmt.Sprintf(format, args...), "source", "pebble")
}

func (p pebbleLogger) Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	p.l.Error(msg, "source", "pebble")
	panic(msg)
}

// genMeta describes the version a generation serves.
type genMeta struct {
	version       model.TableVersion
	files         []manifest.FileInfo
	schema        *schema.Schema
	schemaVersion model.SchemaVersion
}

// generation is one opened Pebble instance. The tablet holds the baseline
// reference while the generation is current; snapshots hold one more each.
type generation struct {
	db      *pebble.DB
	dir     string
	meta    atomic.Pointer[genMeta]
	refs    atomic.Int64
	onClose func(*generation)
	logger  *slog.Logger
}

// openGeneration copies the checkpoint of m (if any) into dir and opens it.
func openGeneration(root, dir string, m *manifest.Manifest, meta *genMeta, logger *slog.Logger) (*generation, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %w", engine.ErrIO, err)
	}
	if m != nil {
		for _, fi := range m.Files {
			if err := copyCheckpointFile(root, dir, fi); err != nil {
				_ = os.RemoveAll(dir)
				return nil, err
			}
		}
	}

	db, err := pebble.Open(dir, &pebble.Options{Logger: pebbleLogger{l: logger}})
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, wrapPebble(err)
	}

	g := &generation{db: db, dir: dir, logger: logger}
	g.meta.Store(meta)
	g.refs.Store(1)
	return g, nil
}

func copyCheckpointFile(root, dir string, fi manifest.FileInfo) error {
	src := filepath.Join(root, fi.Path)
	st, err := os.Stat(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: checkpoint file %s missing", engine.ErrCorruption, fi.Path)
		}
		return fmt.Errorf("%w: %w", engine.ErrIO, err)
	}
	if st.Size() != fi.Size {
		return fmt.Errorf("%w: checkpoint file %s has size %d, want %d", engine.ErrCorruption, fi.Path, st.Size(), fi.Size)
	}

	dst := filepath.Join(dir, filepath.Base(fi.Path))
	// sstables are immutable and can be shared.
	if strings.HasSuffix(dst, ".sst") {
		if err := os.Link(src, dst); err == nil {
			return nil
		}
	}
	if err := copyFile(src, dst); err != nil {
		return fmt.Errorf("%w: %w", engine.ErrIO, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func wrapPebble(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pebble.ErrCorruption):
		return fmt.Errorf("%w: %w", engine.ErrCorruption, err)
	case errors.Is(err, pebble.ErrClosed):
		return fmt.Errorf("%w: %w", engine.ErrNotReady, err)
	default:
		return fmt.Errorf("%w: %w", engine.ErrIO, err)
	}
}

func (g *generation) tryIncRef() bool {
	for {
		refs := g.refs.Load()
		if refs <= 0 {
			return false
		}
		if g.refs.CompareAndSwap(refs, refs+1) {
			return true
		}
	}
}

func (g *generation) decRef() {
	if g.refs.Add(-1) != 0 {
		return
	}
	if err := g.db.Close(); err != nil {
		g.logger.Warn("close generation", "dir", g.dir, "error", err)
	}
	if err := os.RemoveAll(g.dir); err != nil {
		g.logger.Warn("remove generation dir", "dir", g.dir, "error", err)
	}
	if g.onClose != nil {
		g.onClose(g)
	}
}

// apply writes entries and the advanced locator in one batch.
func (g *generation) apply(entries []journalEntry, loc model.Locator) error {
	b := g.db.NewIndexedBatch()
	defer b.Close()

	count, err := readUint(b, metaCount)
	if err != nil {
		return wrapPebble(err)
	}
	cur, err := readLocator(b)
	if err != nil {
		return wrapPebble(err)
	}

	for _, e := range entries {
		existing, err := getValue(b, e.key)
		if err != nil {
			return wrapPebble(err)
		}
		if e.del {
			if existing != nil {
				count--
			}
			if err := b.Delete(e.key, nil); err != nil {
				return wrapPebble(err)
			}
		} else {
			if existing == nil {
				count++
			}
			if err := b.Set(e.key, e.value, nil); err != nil {
				return wrapPebble(err)
			}
		}
		cur = advance(cur, e.loc)
	}
	cur = advance(cur, loc)

	if err := b.Set(metaCount, encodeUint(count), nil); err != nil {
		return wrapPebble(err)
	}
	if cur.Valid() {
		if err := b.Set(metaLocator, encodeLocator(cur), nil); err != nil {
			return wrapPebble(err)
		}
	}
	return wrapPebble(b.Commit(pebble.NoSync))
}

// advance returns the later of cur and next.
func advance(cur, next model.Locator) model.Locator {
	if next.Valid() && (!cur.SameSource(next) || next.Offset > cur.Offset) {
		return next
	}
	return cur
}

// snapshotReader is a Pebble snapshot pinned to its generation.
type snapshotReader struct {
	g       *generation
	snap    *pebble.Snapshot
	meta    *genMeta
	locator model.Locator
	count   int64
	once    sync.Once
}

var _ engine.Reader = (*snapshotReader)(nil)

func newSnapshotReader(g *generation) (*snapshotReader, error) {
	snap := g.db.NewSnapshot()
	loc, err := readLocator(snap)
	if err != nil {
		_ = snap.Close()
		return nil, wrapPebble(err)
	}
	count, err := readUint(snap, metaCount)
	if err != nil {
		_ = snap.Close()
		return nil, wrapPebble(err)
	}
	return &snapshotReader{g: g, snap: snap, meta: g.meta.Load(), locator: loc, count: int64(count)}, nil
}

func (r *snapshotReader) Get(pk string) (map[string]any, bool, error) {
	v, err := getValue(r.snap, docKey(pk))
	if err != nil {
		return nil, false, wrapPebble(err)
	}
	if v == nil {
		return nil, false, nil
	}
	var fields map[string]any
	if err := json.Unmarshal(v, &fields); err != nil {
		return nil, false, fmt.Errorf("%w: document %q: %w", engine.ErrCorruption, pk, err)
	}
	return fields, true, nil
}

func (r *snapshotReader) DocCount() int64             { return r.count }
func (r *snapshotReader) Version() model.TableVersion { return r.meta.version }
func (r *snapshotReader) Locator() model.Locator      { return r.locator }

func (r *snapshotReader) Close() error {
	var err error
	r.once.Do(func() {
		err = r.snap.Close()
		r.g.decRef()
	})
	return err
}
