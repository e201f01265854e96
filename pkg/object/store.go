// Package object defines the blob-store interface the data path depends
// on. Its implementations are the memory and S3-compatible backends in
// the subpackages; there is no local-filesystem backend.
// The core never depends on a concrete backend, only on this interface
// and its NotFound discriminator.
package object

import (
	"context"
	"io"
)

// Store is the consumed object-store interface: put/get/get-range/delete
// of objects, keyed by opaque string paths produced by pkg/chunk's
// slice/block codec.
type Store interface {
	// Put uploads the full contents of data under key, overwriting any
	// existing object at that key. Uploads must be safe to retry with the
	// same key (at-most-once is a property of the caller never re-PUTting
	// a key whose upload already succeeded, not of this interface).
	Put(ctx context.Context, key string, data []byte) error

	// Get fetches the full object at key.
	Get(ctx context.Context, key string) ([]byte, error)

	// GetRange fetches [offset, offset+length) of the object at key, for
	// partial reads of a block that is only partially needed.
	GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error)

	// Delete removes the object at key. Deleting a missing key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// IsNotFound reports whether err represents a missing-object
	// condition from this store.
	IsNotFound(err error) bool
}

// MultipartWriter is implemented by backends that support incremental
// multipart upload, for a future streaming-PUT path; the in-repo backends
// only implement whole-object Put, so this is currently unused by pkg/chunk
// but kept as part of the interface surface for a put_multipart(path)
// variant.
type MultipartWriter interface {
	io.Writer
	Complete(ctx context.Context) error
	Abort(ctx context.Context) error
}
