// Package provider defines the destinations job artifacts are mirrored to.
//
// A sink only needs to accept whole objects and describe them back.
// Authentication uses SDK default credential chains; sinks should not
// implement custom auth logic.
package provider

import (
	"context"
	"io"
	"time"
)

// ObjectPutter can create or overwrite objects.
type ObjectPutter interface {
	PutObject(ctx context.Context, key string, body io.Reader, contentLength int64) error
}

// Sink is an artifact destination.
//
// Implementations must be safe for concurrent use: every slot worker of a
// run shares one sink.
type Sink interface {
	ObjectPutter

	// Head returns metadata for a stored object.
	// Returns ErrNotFound if the object does not exist.
	Head(ctx context.Context, key string) (*ObjectMeta, error)

	// Location renders key as a human-readable destination for results.
	Location(key string) string

	// Close releases any resources held by the sink.
	Close() error
}

// ObjectMeta describes a stored object.
type ObjectMeta struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// ProviderType identifies a sink implementation.
type ProviderType string

const (
	// ProviderS3 represents AWS S3 or S3-compatible storage.
	ProviderS3 ProviderType = "s3"

	// ProviderFile represents a local directory.
	ProviderFile ProviderType = "file"
)

// String returns the string representation of the provider type.
func (p ProviderType) String() string {
	return string(p)
}
