// Package activitystore implements the append-only, upsert-by-id activity
// log contract behind two interchangeable backends: a JSONL log file and a
// SQLite-backed indexed store, selected once at construction time.
package activitystore

import (
	"context"
	"fmt"
	"iter"

	"github.com/relaycode/agentsession/activity"
)

// StorageError wraps any durability failure from a Store implementation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("activity storage: %s: %s", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// Store is the per-session activity storage contract.
type Store interface {
	// Init prepares the backing store. Idempotent; must be called before
	// any other method.
	Init(ctx context.Context) error

	// Close releases any held resources.
	Close() error

	// Append upserts a by id: new ids are appended to the tail of scan
	// order; existing ids are replaced in place.
	Append(ctx context.Context, a activity.Activity) error

	// AppendActivities upserts a batch in one call, applying Append's
	// per-item semantics to each but flushing the batch as a single durable
	// write. Used by the streaming engine to persist a fetched page at once
	// instead of one round-trip per activity.
	AppendActivities(ctx context.Context, as []activity.Activity) error

	// Get returns the activity with the given id, if present.
	Get(ctx context.Context, id string) (activity.Activity, bool, error)

	// Latest returns the most recently appended activity, if any.
	Latest(ctx context.Context) (activity.Activity, bool, error)

	// Scan iterates all activities in insertion order. Each call starts a
	// fresh, independent traversal; breaking out of it early ends the
	// traversal. LogStore copies its in-memory records into a snapshot
	// before yielding; SQLiteStore reads rows one at a time.
	Scan(ctx context.Context) iter.Seq2[activity.Activity, error]

	// Count returns the number of distinct activity ids stored, ideally in
	// O(1).
	Count(ctx context.Context) (int, error)
}

// Factory constructs Stores, one per session id, sharing whatever
// connection/handle the backend needs process-wide.
type Factory interface {
	ActivityStore(sessionID string) Store
}
