package persistence

import (
	"context"

	apperrors "github.com/voici5986/grok2api/pkg/errors"
)

// StoredRecord is one persisted token record: opaque JSON plus a monotonic
// version used for optimistic concurrency across workers. Unknown JSON
// fields round-trip untouched.
type StoredRecord struct {
	ID      string
	Data    []byte
	Version int64
}

// Store is the pluggable persistence contract for the token catalog.
// Put performs a compare-and-swap on version: a writer that lost the race
// gets a persistence_conflict error and is expected to reload and retry.
type Store interface {
	List(ctx context.Context) ([]StoredRecord, error)
	Get(ctx context.Context, id string) (*StoredRecord, error)
	Put(ctx context.Context, id string, data []byte, version int64) (int64, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// ErrConflict 版本冲突
var ErrConflict = apperrors.New(apperrors.CodePersistConflict, "record version conflict")

// ErrNotFound 记录不存在
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")
