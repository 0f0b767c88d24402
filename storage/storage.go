// Package storage composes activitystore and sessionstore into the single
// storage factory a client façade is constructed with, so a process picks
// one backend (log file or SQLite) for both at construction time and never
// mixes them.
package storage

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/relaycode/agentsession/activitystore"
	"github.com/relaycode/agentsession/internal/dbschema"
	"github.com/relaycode/agentsession/platform"
	"github.com/relaycode/agentsession/sessionstore"
)

// Backend selects which storage implementation a Factory uses.
type Backend string

const (
	BackendLog    Backend = "log"
	BackendSQLite Backend = "sqlite"
)

// Factory is the storage capability a client façade depends on.
type Factory interface {
	ActivityStore(sessionID string) activitystore.Store
	SessionStore() sessionstore.Store
	// Close releases any shared resources (e.g. the sqlite connection).
	Close() error
}

// Open constructs a Factory rooted at cacheDir using the given backend.
func Open(ctx context.Context, backend Backend, cacheDir string, pf platform.Platform) (Factory, error) {
	switch backend {
	case "", BackendLog:
		return newLogFactory(cacheDir, pf), nil
	case BackendSQLite:
		return newSQLiteFactory(ctx, cacheDir, pf)
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", backend)
	}
}

type logFactory struct {
	root string
	pf   platform.Platform
	sess *sessionstore.LogStore
}

func newLogFactory(root string, pf platform.Platform) *logFactory {
	return &logFactory{root: root, pf: pf, sess: sessionstore.NewLogStore(root, pf)}
}

func (f *logFactory) ActivityStore(sessionID string) activitystore.Store {
	lf := &activitystore.LogFactory{
		Root:      f.root,
		PF:        f.pf,
		DigestKey: []byte("agentsession-activity-log"),
	}
	return lf.ActivityStore(sessionID)
}

func (f *logFactory) SessionStore() sessionstore.Store { return f.sess }
func (f *logFactory) Close() error                     { return nil }

type sqliteFactory struct {
	activity *activitystore.SQLiteFactory
	sess     *sessionstore.SQLiteStore
	closeFn  func() error
}

func newSQLiteFactory(ctx context.Context, root string, pf platform.Platform) (*sqliteFactory, error) {
	conn, err := dbschema.Open(filepath.Join(root, "cache.db"))
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	return &sqliteFactory{
		activity: &activitystore.SQLiteFactory{DB: conn, PF: pf},
		sess:     sessionstore.NewSQLiteStore(conn, pf),
		closeFn:  conn.Close,
	}, nil
}

func (f *sqliteFactory) ActivityStore(sessionID string) activitystore.Store {
	return f.activity.ActivityStore(sessionID)
}

func (f *sqliteFactory) SessionStore() sessionstore.Store { return f.sess }
func (f *sqliteFactory) Close() error                      { return f.closeFn() }
