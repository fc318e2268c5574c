// Package storage defines the storage interfaces and sentinel errors shared
// by the crmcache stores.
//
// The interfaces are deliberately small: the key-value store is the durable
// source of truth for entity records, and everything else (vector index,
// embedding memo) is derivable from it.
package storage

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/crmkit/crmcache/pkg/types"
)

var (
	// ErrNotFound indicates a lookup miss. This is a normal empty result,
	// not a fault; callers match it with errors.Is.
	ErrNotFound = errors.New("storage: not found")

	// ErrStorageIO indicates an underlying read/write failure of a local
	// store. The operation was aborted and no partial write should be
	// assumed durable.
	ErrStorageIO = errors.New("storage: i/o failure")

	// ErrInvalidInput indicates the caller passed parameters the store
	// cannot act on (empty key, nil record, ...).
	ErrInvalidInput = errors.New("storage: invalid input")
)

// EntityStore is the persistent, ordered, prefix-scannable store of entity
// records. Operations on distinct keys are safe to call concurrently;
// operations on the same key are serialized by the implementation.
type EntityStore interface {
	// Put upserts a record under its composite key, overwriting any
	// existing value.
	Put(ctx context.Context, record *types.EntityRecord) error

	// Get returns the record for (objectType, objectId), or ErrNotFound.
	Get(ctx context.Context, objectType types.ObjectType, objectID string) (*types.EntityRecord, error)

	// ScanType yields all records of one type in lexicographic key order.
	// The sequence is lazy, finite, and restartable: each range-over starts
	// a fresh scan.
	ScanType(ctx context.Context, objectType types.ObjectType) iter.Seq2[*types.EntityRecord, error]

	// Delete removes a record; it is a no-op when the key is absent.
	Delete(ctx context.Context, objectType types.ObjectType, objectID string) error

	// LastRefreshed returns the completion time of the last successful
	// refresh cycle for the given type, or the zero time when the type has
	// never been refreshed.
	LastRefreshed(ctx context.Context, objectType types.ObjectType) (time.Time, error)

	// SetLastRefreshed records the completion time of a refresh cycle.
	SetLastRefreshed(ctx context.Context, objectType types.ObjectType, at time.Time) error

	// Close releases the store's resources.
	Close() error
}
