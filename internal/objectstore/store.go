// Package objectstore stores dataset artifacts in S3-compatible buckets.
package objectstore

import (
	"context"
	"errors"
	"io"
	"strings"
)

var (
	// ErrNotFound is returned for a missing object or bucket.
	ErrNotFound = errors.New("object not found")

	// ErrDisabled is returned by every operation of a disabled store.
	ErrDisabled = errors.New("object store disabled")
)

// Store is the object storage surface recalld needs.
type Store interface {
	// EnsureBuckets creates each bucket that does not exist yet.
	EnsureBuckets(ctx context.Context, buckets ...string) error
	Put(ctx context.Context, bucket, object string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, bucket, object string) ([]byte, error)
	Delete(ctx context.Context, bucket, object string) error
	List(ctx context.Context, bucket, prefix string) ([]string, error)
	Health(ctx context.Context) error
}

// Ref joins bucket and object into the "bucket/object" form stored on
// experiments.
func Ref(bucket, object string) string {
	return bucket + "/" + object
}

// SplitRef is the inverse of Ref.
func SplitRef(ref string) (bucket, object string, ok bool) {
	bucket, object, ok = strings.Cut(ref, "/")
	return bucket, object, ok && bucket != "" && object != ""
}

// Disabled is a Store whose operations all fail with ErrDisabled.
type Disabled struct{}

var _ Store = Disabled{}

func (Disabled) EnsureBuckets(context.Context, ...string) error { return ErrDisabled }
func (Disabled) Put(context.Context, string, string, io.Reader, int64, string) error {
	return ErrDisabled
}
func (Disabled) Get(context.Context, string, string) ([]byte, error)    { return nil, ErrDisabled }
func (Disabled) Delete(context.Context, string, string) error           { return ErrDisabled }
func (Disabled) List(context.Context, string, string) ([]string, error) { return nil, ErrDisabled }
func (Disabled) Health(context.Context) error                           { return ErrDisabled }
