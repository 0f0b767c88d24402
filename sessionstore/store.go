// Package sessionstore implements session resource and index storage,
// sharing the same log/SQLite backend split as activitystore and
// constructed alongside it from a single storage factory so a process
// never mixes backends for the two stores.
package sessionstore

import (
	"context"
	"fmt"

	"github.com/relaycode/agentsession/resource"
)

// StorageError wraps any durability failure from a Store implementation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("session storage: %s: %s", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// Store is the session metadata and index storage contract.
type Store interface {
	Init(ctx context.Context) error
	Close() error

	// Upsert writes a single session's latest resource and appends an
	// index row.
	Upsert(ctx context.Context, s resource.Session, syncedAt int64) error

	// UpsertMany writes several sessions in one batch (used by Sync).
	UpsertMany(ctx context.Context, sessions []resource.Session, syncedAt int64) error

	// Get returns the cached session for id, if present.
	Get(ctx context.Context, id string) (resource.Cached, bool, error)

	// ScanIndex returns the index, newest entry per id winning on
	// coalesce, ordered by _updatedAt descending.
	ScanIndex(ctx context.Context) ([]resource.IndexEntry, error)

	// GetActivityHighWaterMark returns the last-seen activity createTime
	// recorded for a session, if any.
	GetActivityHighWaterMark(ctx context.Context, sessionID string) (string, bool, error)

	// SetActivityHighWaterMark records the latest replicated activity
	// createTime and count for a session's index row.
	SetActivityHighWaterMark(ctx context.Context, sessionID, createTime string, count int) error

	// Count returns the number of distinct sessions known to the store.
	Count(ctx context.Context) (int, error)
}
