// Package blobstore abstracts the remote storage partition artifacts are
// deployed from.
//
// Names are slash separated and relative to the store's root. A Store must be
// safe for concurrent use.
//
// # Built-in Implementations
//
//   - LocalStore: a directory on the local file system
//   - s3.Store: Amazon S3
//   - minio.Store: MinIO and other S3-compatible services
//   - gocloud.Store: any gocloud.dev/blob bucket URL (file://, mem://, s3://, ...)
//
// # Custom Implementations
//
// Implement the Store interface to deploy from other backends:
//
//	type Store interface {
//	    Open(ctx, name) (io.ReadCloser, error)
//	    Stat(ctx, name) (Attrs, error)
//	    List(ctx, prefix) ([]Attrs, error)
//	    Put(ctx, name, data) error
//	}
package blobstore
