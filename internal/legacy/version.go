package legacy

import (
	"slices"

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
	// Base, if set, makes the version a delta on top of Base's files.
	Base *manifest.Manifest
}

// WriteVersion writes a build version into root the way the offline build
// system lays it out.
func WriteVersion(fsys fs.FileSystem, root string, spec VersionSpec) (*manifest.Manifest, error) {
	fsys = fs.OrDefault(fsys)

	m := manifest.New(spec.ID, EngineName)
	m.SchemaVersion = spec.SchemaVersion
	m.Locator = spec.Locator
	m.BranchID = spec.BranchID
	m.Sealed = spec.Sealed
	if spec.Base != nil {
		m.Files = slices.Clone(spec.Base.Files)
		m.BaseVersion = spec.Base.ID
	}

	if len(spec.Docs) > 0 {
		entries := make([]entry, 0, len(spec.Docs))
		for _, d := range spec.Docs {
			e, err := toEntry(nil, d)
			if err != nil {
				return nil, err
			}
			entries = append(entries, e)
		}
		fi, err := writeSegment(fsys, root, newSegmentPath(), entries)
		if err != nil {
			return nil, err
		}
		m.Files = append(m.Files, fi)
	}

	if err := manifest.NewStore(fsys, root).Save(m); err != nil {
		return nil, err
	}
	return m, nil
}
