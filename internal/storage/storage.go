// Package storage defines the identifier authority and metadata persistence for ingested images.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/hyperjump/iris/internal/models"
)

var (
	// ErrNotFound is returned by lookups of unknown identifiers.
	ErrNotFound = errors.New("image not found")
	// ErrUnsupportedImage marks a payload that cannot be decoded. No identifier is consumed.
	ErrUnsupportedImage = errors.New("unsupported image")
)

// StorageError reports a persistence failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsRejected reports whether err is a per-item rejection rather than a store failure.
func IsRejected(err error) bool {
	return errors.Is(err, ErrUnsupportedImage)
}

// Store assigns identifiers and persists image records.
type Store interface {
	// AllocateAndPersist reserves the next identifier and writes the normalized copy
	// and record atomically. A failed call consumes no identifier.
	AllocateAndPersist(ctx context.Context, data []byte, prov models.Provenance, jobID string) (*models.ImageRecord, error)
	Get(ctx context.Context, id uint64) (*models.ImageRecord, error)
	// HighestID returns the largest identifier, or ok=false for an empty store.
	HighestID(ctx context.Context) (id uint64, ok bool, err error)
	List(ctx context.Context, offset, limit int) ([]*models.ImageRecord, error)
	Count(ctx context.Context) (int64, error)
	HasReference(ctx context.Context, ref string) (bool, error)
	OpenImage(ctx context.Context, id uint64) (io.ReadCloser, *models.ImageRecord, error)

	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error

	Close() error
}
