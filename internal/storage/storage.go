// Package storage provides read access to remote object stores: full bucket
// listing for the object index, one-level listing for bucket browsing and
// downloads for the ingest gateway.
package storage

import (
	"context"
	"errors"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrBucketNotFound = errors.New("bucket not found")
	ErrDownloadFailed = errors.New("download failed")
	ErrListFailed     = errors.New("list failed")
)

// ObjectStorage abstracts the object store operations tabulard needs.
// Implementations include S3 and a local filesystem store for development.
type ObjectStorage interface {
	// ListKeys returns every object key in bucket, in listing order
	// (lexicographic for S3). Pagination is handled internally.
	ListKeys(ctx context.Context, bucket string) ([]string, error)

	// ListPrefix returns one level of bucket under prefix: the objects
	// directly below it and the sub-prefixes that group deeper keys.
	ListPrefix(ctx context.Context, bucket, prefix string) (*Listing, error)

	// Download copies bucket/key to localPath, creating parent directories.
	Download(ctx context.Context, bucket, key, localPath string) error

	// Exists checks if an object exists.
	Exists(ctx context.Context, bucket, key string) (bool, error)
}

// Listing is one level of a bucket, split on "/" like an S3 listing with a
// delimiter. Prefixes end in "/".
type Listing struct {
	Keys     []string
	Prefixes []string
}
