// Package storage defines the object-store collaborator the pipeline
// delegates to, plus the S3 and in-memory implementations. The gate never
// touches object payloads; it only mints URLs and queries metadata.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ObjectInfo holds metadata for a listed object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string
}

// ObjectStore abstracts the storage backend consumed by the pipeline.
//
// All implementations MUST be safe for concurrent use by multiple
// goroutines. Implementations should honor ctx cancellation and report
// failures as *StoreError so the pipeline can decide what is retryable.
type ObjectStore interface {
	// GenerateUploadURL mints a presigned PUT URL for key with the given
	// content type, valid for ttl.
	GenerateUploadURL(ctx context.Context, key, contentType string, ttl time.Duration) (string, error)
	// GenerateDownloadURL mints a presigned GET URL for key, valid for ttl.
	GenerateDownloadURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	// ObjectExists reports whether key currently exists.
	ObjectExists(ctx context.Context, key string) (bool, error)
	// ListObjects returns up to maxKeys objects under prefix.
	ListObjects(ctx context.Context, prefix string, maxKeys int) ([]ObjectInfo, error)
	// DeleteObject removes key.
	DeleteObject(ctx context.Context, key string) error
	// Healthy probes backend connectivity.
	Healthy(ctx context.Context) error
}

// StoreError classifies a collaborator failure. Transient failures may be
// retried by the pipeline within its small retry budget; permanent ones are
// surfaced immediately.
type StoreError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *StoreError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("store: %s (%s): %v", e.Op, kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// NewTransient wraps err as a retryable store failure.
func NewTransient(op string, err error) *StoreError {
	return &StoreError{Op: op, Transient: true, Err: err}
}

// NewPermanent wraps err as a non-retryable store failure.
func NewPermanent(op string, err error) *StoreError {
	return &StoreError{Op: op, Transient: false, Err: err}
}

// IsTransient reports whether err is a retryable store failure.
func IsTransient(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Transient
}
