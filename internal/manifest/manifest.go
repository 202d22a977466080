package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hupe1980/rtpart/internal/fs"
	"github.com/hupe1980/rtpart/model"
)

const (
	// FilePrefix is the file name prefix of version manifests.
	FilePrefix = "version."
	// CurrentFormat is the manifest format written by this package.
	CurrentFormat = 1
)

// FileInfo describes one data file of a version.
type FileInfo struct {
	Path     string `json:"path"` // Relative to the index root
	Size     int64  `json:"size"`
	Checksum uint64 `json:"checksum"`
}

// Manifest describes one version of an index directory.
type Manifest struct {
	Format        int                 `json:"format"`
	ID            model.IncVersion    `json:"id"`
	Engine        string              `json:"engine"`
	CreatedAt     time.Time           `json:"created_at"`
	Files         []FileInfo          `json:"files"`
	SchemaVersion model.SchemaVersion `json:"schema_version"`
	Locator       model.Locator       `json:"locator"`
	BaseVersion   model.IncVersion    `json:"base_version"`
	BranchID      model.BranchID      `json:"branch_id"`
	Sealed        bool                `json:"sealed"`
}

// New creates an empty manifest for the given version.
func New(id model.IncVersion, engine string) *Manifest {
	return &Manifest{
		Format:      CurrentFormat,
		ID:          id,
		Engine:      engine,
		CreatedAt:   time.Now(),
		BaseVersion: model.InvalidVersion,
	}
}

// FileName returns the manifest file name of a version.
func FileName(id model.IncVersion) string {
	return FilePrefix + strconv.FormatInt(int64(id), 10)
}

// ParseFileName extracts the version from a manifest file name.
func ParseFileName(name string) (model.IncVersion, bool) {
	rest, ok := strings.CutPrefix(name, FilePrefix)
	if !ok {
		return model.InvalidVersion, false
	}
	v, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || v < 0 {
		return model.InvalidVersion, false
	}
	return model.IncVersion(v), true
}

// Decode parses a manifest.
func Decode(data []byte) (*Manifest, error) {
	m := &Manifest{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if m.Format != CurrentFormat {
		return nil, fmt.Errorf("%w: %d", ErrIncompatibleVersion, m.Format)
	}
	return m, nil
}

// Encode serializes a manifest.
func (m *Manifest) Encode() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// TableVersion converts the manifest into the version it describes.
func (m *Manifest) TableVersion() model.TableVersion {
	return model.TableVersion{
		VersionID: m.ID,
		Meta: model.VersionMeta{
			Locator:       m.Locator,
			BaseVersion:   m.BaseVersion,
			BranchID:      m.BranchID,
			SchemaVersion: m.SchemaVersion,
			Timestamp:     m.CreatedAt,
		},
		Sealed: m.Sealed,
	}
}

// TotalSize returns the sum of all file sizes.
func (m *Manifest) TotalSize() int64 {
	var n int64
	for _, f := range m.Files {
		n += f.Size
	}
	return n
}

// HasFile reports whether the manifest references path.
func (m *Manifest) HasFile(path string) bool {
	return slices.ContainsFunc(m.Files, func(f FileInfo) bool { return f.Path == path })
}

// Diff returns the files of next that are missing from, or differ in, base.
// A nil base yields every file of next.
func Diff(base, next *Manifest) []FileInfo {
	if base == nil {
		return slices.Clone(next.Files)
	}
	have := make(map[string]FileInfo, len(base.Files))
	for _, f := range base.Files {
		have[f.Path] = f
	}
	var out []FileInfo
	for _, f := range next.Files {
		if b, ok := have[f.Path]; ok && b.Size == f.Size && b.Checksum == f.Checksum {
			continue
		}
		out = append(out, f)
	}
	return out
}

// Checksum computes the checksum stored in FileInfo.
func Checksum(data []byte) uint64 {
	return xxhash.Sum64(data)
}

// Store manages the manifests of one index directory.
type Store struct {
	fs   fs.FileSystem
	root string
	mu   sync.Mutex
}

// NewStore creates a new manifest store rooted at dir.
func NewStore(fsys fs.FileSystem, root string) *Store {
	return &Store{fs: fs.OrDefault(fsys), root: root}
}

// Root returns the index directory.
func (s *Store) Root() string { return s.root }

// FS returns the underlying file system.
func (s *Store) FS() fs.FileSystem { return s.fs }

// Load loads the manifest of a version.
func (s *Store) Load(id model.IncVersion) (*Manifest, error) {
	data, err := fs.ReadFile(s.fs, filepath.Join(s.root, FileName(id)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: version %s", ErrNotFound, id)
		}
		return nil, err
	}
	return Decode(data)
}

// Save atomically writes a manifest.
func (s *Store) Save(m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.Format = CurrentFormat
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	data, err := m.Encode()
	if err != nil {
		return err
	}
	return fs.WriteFileAtomic(s.fs, filepath.Join(s.root, FileName(m.ID)), data)
}

// ListVersions returns all versions present in the directory, ascending.
func (s *Store) ListVersions() ([]model.IncVersion, error) {
	entries, err := s.fs.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []model.IncVersion
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if v, ok := ParseFileName(e.Name()); ok {
			out = append(out, v)
		}
	}
	slices.Sort(out)
	return out, nil
}

// Latest returns the highest version matching keep, or ErrNotFound.
func (s *Store) Latest(keep func(model.IncVersion) bool) (*Manifest, error) {
	versions, err := s.ListVersions()
	if err != nil {
		return nil, err
	}
	for i := len(versions) - 1; i >= 0; i-- {
		if keep != nil && !keep(versions[i]) {
			continue
		}
		return s.Load(versions[i])
	}
	return nil, ErrNotFound
}

// DeleteVersion deletes the manifest of a version. Data files are left alone.
func (s *Store) DeleteVersion(id model.IncVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.fs.Remove(filepath.Join(s.root, FileName(id)))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// ReferencedFiles returns the union of files referenced by the given versions.
// Versions without a manifest are skipped.
func (s *Store) ReferencedFiles(ids []model.IncVersion) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	for _, id := range ids {
		m, err := s.Load(id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		for _, f := range m.Files {
			out[f.Path] = struct{}{}
		}
	}
	return out, nil
}
