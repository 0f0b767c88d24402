package sessionstore

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/relaycode/agentsession/platform"
	"github.com/relaycode/agentsession/resource"
)

// SQLiteStore is the indexed-database Store implementation, sharing the
// underlying *sql.DB with activitystore.SQLiteStore (single connection,
// one schema) per the storage factory's constructor-time backend choice.
type SQLiteStore struct {
	db *sql.DB
	pf platform.Platform
}

// NewSQLiteStore wraps an already-open, already-migrated *sql.DB (see
// internal/dbschema.Open).
func NewSQLiteStore(db *sql.DB, pf platform.Platform) *SQLiteStore {
	return &SQLiteStore{db: db, pf: pf}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO global_metadata (id, last_synced_at, session_count) VALUES (1, 0, 0)
		 ON CONFLICT(id) DO NOTHING`)
	return wrapErr("init", err)
}

func (s *SQLiteStore) Close() error { return nil }

func (s *SQLiteStore) Upsert(ctx context.Context, sess resource.Session, syncedAt int64) error {
	return s.UpsertMany(ctx, []resource.Session{sess}, syncedAt)
}

func (s *SQLiteStore) UpsertMany(ctx context.Context, sessions []resource.Session, syncedAt int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("upsert: begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, sess := range sessions {
		payload, err := json.Marshal(sess)
		if err != nil {
			return wrapErr("upsert: marshal", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO sessions (id, payload, last_synced_at) VALUES (?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET payload = ?, last_synced_at = ?`,
			sess.ID, string(payload), syncedAt, string(payload), syncedAt)
		if err != nil {
			return wrapErr("upsert: session", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO session_index (id, title, state, create_time, source, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			sess.ID, sess.Title, string(sess.State), sess.CreateTime, sess.SourceContext.Source, syncedAt)
		if err != nil {
			return wrapErr("upsert: index", err)
		}
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&count); err != nil {
		return wrapErr("upsert: count", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE global_metadata SET session_count = ?, last_synced_at = ? WHERE id = 1`,
		count, syncedAt); err != nil {
		return wrapErr("upsert: metadata", err)
	}

	return wrapErr("upsert: commit", tx.Commit())
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (resource.Cached, bool, error) {
	var payload string
	var syncedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, last_synced_at FROM sessions WHERE id = ?`, id,
	).Scan(&payload, &syncedAt)
	if err == sql.ErrNoRows {
		return resource.Cached{}, false, nil
	}
	if err != nil {
		return resource.Cached{}, false, wrapErr("get", err)
	}
	var sess resource.Session
	if err := json.Unmarshal([]byte(payload), &sess); err != nil {
		return resource.Cached{}, false, wrapErr("get: unmarshal", err)
	}
	return resource.Cached{Resource: sess, LastSyncedAt: syncedAt}, true, nil
}

func (s *SQLiteStore) ScanIndex(ctx context.Context) ([]resource.IndexEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT si.id, si.title, si.state, si.create_time, si.source, si.updated_at,
		       si.activity_count, si.activity_high_water_mark
		FROM session_index si
		INNER JOIN (
			SELECT id, MAX(rowid_seq) AS max_seq FROM session_index GROUP BY id
		) latest ON si.rowid_seq = latest.max_seq
		ORDER BY si.updated_at DESC`)
	if err != nil {
		return nil, wrapErr("scan index", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []resource.IndexEntry
	for rows.Next() {
		var e resource.IndexEntry
		var state string
		if err := rows.Scan(&e.ID, &e.Title, &state, &e.CreateTime, &e.Source, &e.UpdatedAt, &e.ActivityCount, &e.ActivityHighWaterMark); err != nil {
			return nil, wrapErr("scan index: row", err)
		}
		e.State = resource.State(state)
		out = append(out, e)
	}
	return out, wrapErr("scan index: rows", rows.Err())
}

func (s *SQLiteStore) GetActivityHighWaterMark(ctx context.Context, sessionID string) (string, bool, error) {
	var hwm string
	err := s.db.QueryRowContext(ctx, `
		SELECT activity_high_water_mark FROM session_index
		WHERE id = ? ORDER BY rowid_seq DESC LIMIT 1`, sessionID).Scan(&hwm)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapErr("get watermark", err)
	}
	if hwm == "" {
		return "", false, nil
	}
	return hwm, true, nil
}

func (s *SQLiteStore) SetActivityHighWaterMark(ctx context.Context, sessionID, createTime string, count int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE session_index SET activity_high_water_mark = ?, activity_count = ?, updated_at = ?
		WHERE id = ? AND rowid_seq = (SELECT MAX(rowid_seq) FROM session_index WHERE id = ?)`,
		createTime, count, s.pf.Now().UnixMilli(), sessionID, sessionID)
	if err != nil {
		return wrapErr("set watermark", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr("set watermark: rows affected", err)
	}
	if n == 0 {
		return wrapErr("set watermark", sql.ErrNoRows)
	}
	return nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT session_count FROM global_metadata WHERE id = 1`).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return count, wrapErr("count", err)
}
