package source

import (
	"context"

	"github.com/cespare/xxhash/v2"
	"github.com/hupe1980/rtpart/document"
	"github.com/hupe1980/rtpart/model"
)

// HashRange is the size of the partition hash space.
const HashRange = 1 << 16

// maxSkips bounds how many foreign documents one Read may skip.
const maxSkips = 1024

// Hash maps a primary key into [0, HashRange).
func Hash(pk string) uint32 {
	return uint32(xxhash.Sum64String(pk) % HashRange)
}

// HashFilter drops documents whose primary key hashes outside a partition.
// Control documents and documents without a primary key pass through.
type HashFilter struct {
	Source
	pid   model.PartitionID
	field string
}

// NewHashFilter wraps src. field names the primary key field.
func NewHashFilter(src Source, pid model.PartitionID, field string) *HashFilter {
	if field == "" {
		field = document.FieldPK
	}
	return &HashFilter{Source: src, pid: pid, field: field}
}

func (f *HashFilter) Read(ctx context.Context) (*document.Raw, model.Locator, ReadStatus) {
	for range maxSkips {
		raw, loc, st := f.Source.Read(ctx)
		if st != ReadOK || f.accept(raw) {
			return raw, loc, st
		}
	}
	return nil, model.Locator{}, ReadWait
}

func (f *HashFilter) accept(raw *document.Raw) bool {
	if raw.IsControl() {
		return true
	}
	pk := raw.String(f.field)
	if pk == "" {
		return true
	}
	return f.pid.Contains(Hash(pk))
}

// MaxAvailablePosition forwards to the wrapped source.
func (f *HashFilter) MaxAvailablePosition(ctx context.Context) (model.Locator, bool) {
	if o, ok := f.Source.(PositionOracle); ok {
		return o.MaxAvailablePosition(ctx)
	}
	return model.Locator{}, false
}
