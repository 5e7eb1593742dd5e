package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo is object metadata returned by archive listings.
type BlobInfo struct {
	Path         string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// BlobWriter uploads objects to the archive store.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobReader retrieves and lists archived objects.
type BlobReader interface {
	// Get returns ErrNotFound when no object exists at the path. The caller
	// closes the returned reader.
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// BlobDeleter removes archived objects. Deletes are idempotent.
type BlobDeleter interface {
	Delete(ctx context.Context, path string) error
}
