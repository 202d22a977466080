package legacy

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/hupe1980/rtpart/engine"
	"github.com/hupe1980/rtpart/internal/fs"
	"github.com/hupe1980/rtpart/internal/manifest"
	"github.com/hupe1980/rtpart/model"
	"github.com/klauspost/compress/zstd"
)

const (
	segmentDir = "segments"
	segmentExt = ".jsonl.zst"
)

// entry is one mutation.
type entry struct {
	PK     string         `json:"pk"`
	Delete bool           `json:"del,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
	TS     int64          `json:"ts,omitempty"`
	Loc    model.Locator  `json:"loc,omitzero"`
}

func (e *entry) size() int64 {
	return int64(64 + len(e.PK) + 48*len(e.Fields))
}

func newSegmentPath() string {
	return filepath.Join(segmentDir, "seg-"+uuid.NewString()+segmentExt)
}

// writeSegment writes entries to root/rel and returns its file info.
func writeSegment(fsys fs.FileSystem, root, rel string, entries []entry) (manifest.FileInfo, error) {
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		return manifest.FileInfo{}, err
	}
	enc := json.NewEncoder(zw)
	for i := range entries {
		if err := enc.Encode(&entries[i]); err != nil {
			_ = zw.Close()
			return manifest.FileInfo{}, fmt.Errorf("encode entry: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return manifest.FileInfo{}, err
	}

	path := filepath.Join(root, rel)
	if err := fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return manifest.FileInfo{}, fmt.Errorf("%w: %w", engine.ErrIO, err)
	}
	data := buf.Bytes()
	if err := fs.WriteFileAtomic(fsys, path, data); err != nil {
		return manifest.FileInfo{}, fmt.Errorf("%w: write segment: %w", engine.ErrIO, err)
	}
	return manifest.FileInfo{Path: rel, Size: int64(len(data)), Checksum: manifest.Checksum(data)}, nil
}

// readSegment reads and verifies a segment.
func readSegment(fsys fs.FileSystem, root string, fi manifest.FileInfo) ([]entry, error) {
	data, err := fs.ReadFile(fsys, filepath.Join(root, fi.Path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: segment %s missing", engine.ErrCorruption, fi.Path)
		}
		return nil, fmt.Errorf("%w: read segment %s: %w", engine.ErrIO, fi.Path, err)
	}
	if int64(len(data)) != fi.Size || manifest.Checksum(data) != fi.Checksum {
		return nil, fmt.Errorf("%w: segment %s checksum mismatch", engine.ErrCorruption, fi.Path)
	}

	zr, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: segment %s: %w", engine.ErrCorruption, fi.Path, err)
	}
	defer zr.Close()

	var out []entry
	dec := json.NewDecoder(bufio.NewReader(zr))
	for {
		var e entry
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("%w: segment %s: %w", engine.ErrCorruption, fi.Path, err)
		}
		out = append(out, e)
	}
	return out, nil
}
