package blobstore

import (
	"context"
	"errors"
	"io"
	"strings"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations must return an error that satisfies errors.Is(err, ErrNotFound).
var ErrNotFound = errors.New("blob not found")

// Attrs describes a stored blob.
type Attrs struct {
	// Name is relative to the store root.
	Name string
	Size int64
}

// Store is read-mostly access to deployable artifacts.
type Store interface {
	// Open returns a reader over the whole blob.
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	// Stat returns the blob's attributes.
	Stat(ctx context.Context, name string) (Attrs, error)
	// List returns all blobs below prefix, sorted by name.
	List(ctx context.Context, prefix string) ([]Attrs, error)
	// Put writes a blob atomically.
	Put(ctx context.Context, name string, data []byte) error
}

// ReadAll reads a whole blob.
func ReadAll(ctx context.Context, s Store, name string) ([]byte, error) {
	r, err := s.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

// DirPrefix returns prefix with exactly one trailing slash, or "" for the root.
func DirPrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}
