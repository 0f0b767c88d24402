package activitystore

import (
	"context"
	"database/sql"
	"encoding/json"
	"iter"

	"github.com/relaycode/agentsession/activity"
	"github.com/relaycode/agentsession/platform"
)

// SQLiteFactory hands out Stores backed by a single shared *sql.DB, opened
// with a single connection (see dbschema.Open). Opening the connection and
// running migrations is the caller's responsibility; this factory only
// scopes queries to a session_id.
type SQLiteFactory struct {
	DB *sql.DB
	PF platform.Platform
}

func (f *SQLiteFactory) ActivityStore(sessionID string) Store {
	return &SQLiteStore{db: f.DB, sessionID: sessionID, pf: f.PF}
}

// SQLiteStore is the indexed-database Store implementation, standing in for
// the spec's browser-oriented "indexed database" contract.
type SQLiteStore struct {
	db        *sql.DB
	sessionID string
	pf        platform.Platform
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO activity_metadata (session_id, activity_count, last_synced_at, high_water_mark)
		 VALUES (?, 0, 0, '')
		 ON CONFLICT(session_id) DO NOTHING`, s.sessionID)
	return wrapErr("init", err)
}

func (s *SQLiteStore) Close() error { return nil }

func (s *SQLiteStore) Append(ctx context.Context, a activity.Activity) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return wrapErr("append: marshal", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("append: begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO activities (session_id, activity_id, create_time, payload)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id, activity_id) DO UPDATE SET create_time = ?, payload = ?`,
		s.sessionID, a.ID, a.CreateTime, string(payload), a.CreateTime, string(payload))
	if err != nil {
		return wrapErr("append: upsert", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM activities WHERE session_id = ?`, s.sessionID).Scan(&count); err != nil {
		return wrapErr("append: count", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE activity_metadata
		 SET activity_count = ?,
		     last_synced_at = ?,
		     high_water_mark = CASE WHEN ? > high_water_mark THEN ? ELSE high_water_mark END
		 WHERE session_id = ?`,
		count, s.pf.Now().UnixMilli(), a.CreateTime, a.CreateTime, s.sessionID)
	if err != nil {
		return wrapErr("append: update metadata", err)
	}

	if err := tx.Commit(); err != nil {
		return wrapErr("append: commit", err)
	}
	return nil
}

// AppendActivities upserts a batch of activities inside a single
// transaction, recomputing the session's activity count and high-water mark
// once at the end rather than once per item.
func (s *SQLiteStore) AppendActivities(ctx context.Context, as []activity.Activity) error {
	if len(as) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("append batch: begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	hwm := ""
	for _, a := range as {
		payload, err := json.Marshal(a)
		if err != nil {
			return wrapErr("append batch: marshal", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO activities (session_id, activity_id, create_time, payload)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(session_id, activity_id) DO UPDATE SET create_time = ?, payload = ?`,
			s.sessionID, a.ID, a.CreateTime, string(payload), a.CreateTime, string(payload))
		if err != nil {
			return wrapErr("append batch: upsert", err)
		}
		if a.CreateTime > hwm {
			hwm = a.CreateTime
		}
	}

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM activities WHERE session_id = ?`, s.sessionID).Scan(&count); err != nil {
		return wrapErr("append batch: count", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE activity_metadata
		 SET activity_count = ?,
		     last_synced_at = ?,
		     high_water_mark = CASE WHEN ? > high_water_mark THEN ? ELSE high_water_mark END
		 WHERE session_id = ?`,
		count, s.pf.Now().UnixMilli(), hwm, hwm, s.sessionID)
	if err != nil {
		return wrapErr("append batch: update metadata", err)
	}

	return wrapErr("append batch: commit", tx.Commit())
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (activity.Activity, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM activities WHERE session_id = ? AND activity_id = ?`, s.sessionID, id,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return activity.Activity{}, false, nil
	}
	if err != nil {
		return activity.Activity{}, false, wrapErr("get", err)
	}
	var a activity.Activity
	if err := json.Unmarshal([]byte(payload), &a); err != nil {
		return activity.Activity{}, false, wrapErr("get: unmarshal", err)
	}
	return a, true, nil
}

func (s *SQLiteStore) Latest(ctx context.Context) (activity.Activity, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM activities WHERE session_id = ? ORDER BY seq DESC LIMIT 1`, s.sessionID,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return activity.Activity{}, false, nil
	}
	if err != nil {
		return activity.Activity{}, false, wrapErr("latest", err)
	}
	var a activity.Activity
	if err := json.Unmarshal([]byte(payload), &a); err != nil {
		return activity.Activity{}, false, wrapErr("latest: unmarshal", err)
	}
	return a, true, nil
}

// Scan streams rows straight from the database in seq order, one at a
// time, rather than materializing the whole table.
func (s *SQLiteStore) Scan(ctx context.Context) iter.Seq2[activity.Activity, error] {
	return func(yield func(activity.Activity, error) bool) {
		rows, err := s.db.QueryContext(ctx,
			`SELECT payload FROM activities WHERE session_id = ? ORDER BY seq ASC`, s.sessionID)
		if err != nil {
			yield(activity.Activity{}, wrapErr("scan", err))
			return
		}
		defer rows.Close() //nolint:errcheck

		for rows.Next() {
			var payload string
			if err := rows.Scan(&payload); err != nil {
				yield(activity.Activity{}, wrapErr("scan: row", err))
				return
			}
			var a activity.Activity
			if err := json.Unmarshal([]byte(payload), &a); err != nil {
				// Best-effort replay: skip a corrupt record.
				continue
			}
			if !yield(a, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(activity.Activity{}, wrapErr("scan: rows", err))
		}
	}
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT activity_count FROM activity_metadata WHERE session_id = ?`, s.sessionID,
	).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return count, wrapErr("count", err)
}
