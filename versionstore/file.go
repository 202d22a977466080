package versionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/rtpart/internal/fs"
	"github.com/hupe1980/rtpart/model"
)

// FileStore keeps one JSON record per partition in a directory.
type FileStore struct {
	dir string
	fs  fs.FileSystem
	mu  sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a store in dir. A nil fsys uses the local file system.
func NewFileStore(dir string, fsys fs.FileSystem) *FileStore {
	return &FileStore{dir: dir, fs: fs.OrDefault(fsys)}
}

func (s *FileStore) path(pid model.PartitionID) string {
	name := strings.NewReplacer("/", "_", string(filepath.Separator), "_").Replace(pid.String())
	return filepath.Join(s.dir, name+".json")
}

func (s *FileStore) Get(ctx context.Context, pid model.PartitionID) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(pid)
}

func (s *FileStore) load(pid model.PartitionID) (Record, error) {
	data, err := fs.ReadFile(s.fs, s.path(pid))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, fmt.Errorf("%w: %s", ErrNotFound, pid)
		}
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode record %s: %w", pid, err)
	}
	return rec, nil
}

func (s *FileStore) Put(ctx context.Context, pid model.PartitionID, v model.TableVersion) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.load(pid)
	switch {
	case err == nil:
		if !newer(cur.Version, v) {
			return fmt.Errorf("%w: %s has %s", ErrStale, pid, cur.Version.VersionID)
		}
	case !errors.Is(err, ErrNotFound):
		return err
	}

	data, err := json.Marshal(Record{Partition: pid.String(), Version: v, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return fs.WriteFileAtomic(s.fs, s.path(pid), data)
}
