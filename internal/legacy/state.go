package legacy

import (
	"maps"
	"slices"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/hupe1980/rtpart/engine"
	"github.com/hupe1980/rtpart/internal/manifest"
	"github.com/hupe1980/rtpart/model"
	"github.com/hupe1980/rtpart/schema"
)

// state is an immutable partition state. Mutations derive a new state.
type state struct {
	version       model.TableVersion
	files         []manifest.FileInfo
	schema        *schema.Schema
	schemaVersion model.SchemaVersion
	locator       model.Locator

	// entries is shared append-only storage; a state never reads past len(entries).
	entries []entry
	base    map[string]uint32 // immutable after load
	rt      map[string]uint32 // copied on write
	deleted *roaring.Bitmap   // copied on write
	rtStart int
	live    int64
}

func newState(m *manifest.Manifest, s *schema.Schema, entries []entry) *state {
	st := &state{
		schema:  s,
		entries: entries,
		base:    make(map[string]uint32, len(entries)),
		rt:      make(map[string]uint32),
		deleted: roaring.New(),
	}
	if m != nil {
		st.version = m.TableVersion()
		st.files = slices.Clone(m.Files)
		st.schemaVersion = m.SchemaVersion
		st.locator = m.Locator
	} else {
		st.version = model.TableVersion{VersionID: model.InvalidVersion}
		if s != nil {
			st.schemaVersion = s.Version
		}
	}

	for i := range entries {
		id := uint32(i)
		e := &entries[i]
		if prev, ok := st.base[e.PK]; ok && !st.deleted.Contains(prev) {
			st.deleted.Add(prev)
			st.live--
		}
		st.base[e.PK] = id
		if e.Delete {
			st.deleted.Add(id)
		} else {
			st.live++
		}
	}
	st.rtStart = len(entries)
	return st
}

// lookup returns the live entry id of pk.
func (s *state) lookup(pk string) (uint32, bool) {
	id, ok := s.rt[pk]
	if !ok {
		id, ok = s.base[pk]
	}
	if !ok || s.deleted.Contains(id) {
		return 0, false
	}
	return id, true
}

// derive returns a copy that may be mutated by apply.
func (s *state) derive() *state {
	next := *s
	next.rt = maps.Clone(s.rt)
	next.deleted = s.deleted.Clone()
	return &next
}

// apply appends entries. Only call on a derived state.
func (s *state) apply(entries []entry) {
	for _, e := range entries {
		id := uint32(len(s.entries))
		if prev, ok := s.lookup(e.PK); ok {
			s.deleted.Add(prev)
			s.live--
		}
		s.entries = append(s.entries, e)
		s.rt[e.PK] = id
		if e.Delete {
			s.deleted.Add(id)
		} else {
			s.live++
		}
		if e.Loc.Valid() && (!s.locator.SameSource(e.Loc) || e.Loc.Offset > s.locator.Offset) {
			s.locator = e.Loc
		}
	}
}

// livePKs returns the primary keys of all live documents.
func (s *state) livePKs() []string {
	out := make([]string, 0, s.live)
	for pk := range s.base {
		if _, ok := s.lookup(pk); ok {
			out = append(out, pk)
		}
	}
	for pk := range s.rt {
		if _, inBase := s.base[pk]; inBase {
			continue
		}
		if _, ok := s.lookup(pk); ok {
			out = append(out, pk)
		}
	}
	return out
}

func (s *state) realtimeEntries() []entry {
	return s.entries[s.rtStart:]
}

// view is a reader over one state.
type view struct {
	st *state
}

var _ engine.Reader = (*view)(nil)

func (v *view) Get(pk string) (map[string]any, bool, error) {
	id, ok := v.st.lookup(pk)
	if !ok {
		return nil, false, nil
	}
	return maps.Clone(v.st.entries[id].Fields), true, nil
}

func (v *view) DocCount() int64             { return v.st.live }
func (v *view) Version() model.TableVersion { return v.st.version }
func (v *view) Locator() model.Locator      { return v.st.locator }
func (v *view) Close() error                { return nil }
