// Package s3 provides an Amazon S3 implementation of blobstore.Store.
//
// # Usage
//
//	store, err := s3.New(ctx, "my-bucket", s3.WithPrefix("tables/"), s3.WithRegion("eu-west-1"))
//
// # Features
//
//   - Streaming reads of whole objects
//   - Multipart uploads for large blobs via the transfer manager
//   - Automatic pagination for listing
//   - Configurable prefix for multi-tenant isolation
package s3
