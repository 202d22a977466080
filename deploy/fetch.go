package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/hupe1980/rtpart/internal/manifest"
	"github.com/hupe1980/rtpart/resource"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

const (
	zstExt = ".zst"
	lz4Ext = ".lz4"

	// stagingPrefix names partially fetched files.
	stagingPrefix = ".deploy-"
)

type codec int

const (
	codecNone codec = iota
	codecZstd
	codecLZ4
)

func codecOf(name string) codec {
	switch {
	case strings.HasSuffix(name, zstExt):
		return codecZstd
	case strings.HasSuffix(name, lz4Ext):
		return codecLZ4
	default:
		return codecNone
	}
}

func trimCodec(name string) string {
	return strings.TrimSuffix(strings.TrimSuffix(name, zstExt), lz4Ext)
}

type fetchJob struct {
	src   string
	dst   string
	size  int64 // stored size
	codec codec
	want  *manifest.FileInfo
}

func (j fetchJob) expectedSize() int64 {
	if j.want != nil {
		return j.want.Size
	}
	return j.size
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

func decompress(c codec, r io.Reader) (io.Reader, func(), error) {
	switch c {
	case codecZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return dec, dec.Close, nil
	case codecLZ4:
		return lz4.NewReader(r), func() {}, nil
	default:
		return r, func() {}, nil
	}
}

// fetch streams one blob into a staging file and renames it into place.
func (d *Deployer) fetch(ctx context.Context, job fetchJob) (err error) {
	rc, err := d.store.Open(ctx, job.src)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	src, closeDec, err := decompress(job.codec, resource.NewRateLimitedReader(ctx, rc, d.opts.res))
	if err != nil {
		return fmt.Errorf("%s: %w", job.src, err)
	}
	defer closeDec()

	fsys := d.opts.fs
	if err := fsys.MkdirAll(filepath.Dir(job.dst), 0o755); err != nil {
		return err
	}
	tmp := filepath.Join(filepath.Dir(job.dst), stagingPrefix+uuid.NewString())
	f, err := fsys.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = fsys.Remove(tmp)
		}
	}()

	h := xxhash.New()
	n, err := io.Copy(io.MultiWriter(f, h), ctxReader{ctx: ctx, r: src})
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("fetch %s: %w", job.src, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if w := job.want; w != nil {
		if n != w.Size {
			return fmt.Errorf("%w: %s has %d bytes, manifest says %d", ErrChecksum, w.Path, n, w.Size)
		}
		if sum := h.Sum64(); sum != w.Checksum {
			return fmt.Errorf("%w: %s has %x, manifest says %x", ErrChecksum, w.Path, sum, w.Checksum)
		}
	}
	if err := fsys.Rename(tmp, job.dst); err != nil {
		return err
	}
	if obs := d.opts.observer; obs != nil {
		obs.FileFetched(n)
	}
	return nil
}

// matches reports whether name already holds the file f describes.
func (d *Deployer) matches(name string, f manifest.FileInfo) bool {
	file, err := d.opts.fs.OpenFile(name, os.O_RDONLY, 0)
	if err != nil {
		return false
	}
	defer file.Close()

	h := xxhash.New()
	n, err := io.Copy(h, file)
	if err != nil && !errors.Is(err, io.EOF) {
		return false
	}
	return n == f.Size && h.Sum64() == f.Checksum
}
