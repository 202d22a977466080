// Package gocloud adapts a gocloud.dev/blob bucket to blobstore.Store.
//
// Any bucket URL with a registered driver can be deployed from. The file://
// and mem:// schemes are always registered.
package gocloud

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/hupe1980/rtpart/blobstore"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/memblob"  // mem:// driver
	"gocloud.dev/gcerrors"
)

// Store implements blobstore.Store on a gocloud bucket.
type Store struct {
	bucket *blob.Bucket
}

var _ blobstore.Store = (*Store)(nil)

// Open opens a bucket URL such as "file:///var/artifacts" or "mem://".
// A non-empty prefix scopes the store to that key prefix.
func Open(ctx context.Context, bucketURL, prefix string) (*Store, error) {
	b, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	return New(b, prefix), nil
}

// New wraps an opened bucket. The store takes ownership of b.
func New(b *blob.Bucket, prefix string) *Store {
	if p := blobstore.DirPrefix(prefix); p != "" {
		b = blob.PrefixedBucket(b, p)
	}
	return &Store{bucket: b}
}

func mapErr(name string, err error) error {
	if gcerrors.Code(err) == gcerrors.NotFound {
		return fmt.Errorf("%w: %s", blobstore.ErrNotFound, name)
	}
	return err
}

func (s *Store) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	r, err := s.bucket.NewReader(ctx, name, nil)
	if err != nil {
		return nil, mapErr(name, err)
	}
	return r, nil
}

func (s *Store) Stat(ctx context.Context, name string) (blobstore.Attrs, error) {
	a, err := s.bucket.Attributes(ctx, name)
	if err != nil {
		return blobstore.Attrs{}, mapErr(name, err)
	}
	return blobstore.Attrs{Name: name, Size: a.Size}, nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]blobstore.Attrs, error) {
	it := s.bucket.List(&blob.ListOptions{Prefix: prefix})

	var out []blobstore.Attrs
	for {
		obj, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if obj.IsDir || strings.HasSuffix(obj.Key, "/") {
			continue
		}
		out = append(out, blobstore.Attrs{Name: obj.Key, Size: obj.Size})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) Put(ctx context.Context, name string, data []byte) error {
	return s.bucket.WriteAll(ctx, name, data, nil)
}

// Close closes the bucket.
func (s *Store) Close() error {
	return s.bucket.Close()
}
