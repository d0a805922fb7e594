// Package storage provides the object-store port and its S3 adapter.
// Artifacts, uploads, and downloaded media all live in buckets behind this
// interface; callers address objects by (bucket, key) and hand out presigned
// GET URLs instead of raw object access.
package storage

import (
	"context"
	"io"
	"time"
)

// ObjectStore is the object-storage port the worker, the downloader, and the
// bucket endpoints consume.
type ObjectStore interface {
	// EnsureBucket creates the bucket if it does not exist.
	EnsureBucket(ctx context.Context, bucket string) error

	// Put stores the object under (bucket, key).
	Put(ctx context.Context, bucket, key string, data io.Reader) error

	// PresignGet returns a time-limited GET URL for the object.
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)

	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, bucket, key string) error
}
