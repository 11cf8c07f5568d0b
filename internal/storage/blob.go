package storage

import (
	"context"
	"io"
)

// Key prefixes of archived files.
const (
	PrefixTests   = "tests/"
	PrefixResults = "results/"
)

// BlobStore archives uploaded test files and produced result files.
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) (string, error) // returns canonical key
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}
