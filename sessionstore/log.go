package sessionstore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/relaycode/agentsession/platform"
	"github.com/relaycode/agentsession/resource"
)

type globalMetadata struct {
	LastSyncedAt int64 `json:"lastSyncedAt"`
	SessionCount int   `json:"sessionCount"`
}

// LogStore persists session resources and the index log as flat files
// under root (sessions.jsonl, global-metadata.json, <sid>/session.json).
type LogStore struct {
	root string
	pf   platform.Platform

	mu      sync.Mutex
	latest  map[string]resource.Cached
	index   []resource.IndexEntry
	meta    globalMetadata
}

// NewLogStore constructs a LogStore rooted at root.
func NewLogStore(root string, pf platform.Platform) *LogStore {
	return &LogStore{root: root, pf: pf, latest: map[string]resource.Cached{}}
}

func (s *LogStore) indexPath() string    { return filepath.Join(s.root, "sessions.jsonl") }
func (s *LogStore) metadataPath() string { return filepath.Join(s.root, "global-metadata.json") }
func (s *LogStore) sessionDir(id string) string { return filepath.Join(s.root, id) }
func (s *LogStore) sessionPath(id string) string {
	return filepath.Join(s.sessionDir(id), "session.json")
}

func (s *LogStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return wrapErr("init: mkdir", err)
	}

	f, err := os.Open(s.indexPath())
	if os.IsNotExist(err) {
		return s.loadMetadataLocked()
	}
	if err != nil {
		return wrapErr("init: open index", err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e resource.IndexEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		s.index = append(s.index, e)
	}
	if err := scanner.Err(); err != nil {
		return wrapErr("init: scan index", err)
	}

	// Rebuild the cached resources of sessions persisted by an earlier
	// process: newest index row per id, overlaid with <sid>/session.json
	// when it is readable from disk.
	for i := len(s.index) - 1; i >= 0; i-- {
		e := s.index[i]
		if _, ok := s.latest[e.ID]; ok {
			continue
		}
		c := resource.Cached{Resource: resource.Session{ID: e.ID, Title: e.Title, State: e.State, CreateTime: e.CreateTime, SourceContext: resource.SourceContext{Source: e.Source}}, LastSyncedAt: e.UpdatedAt}
		if data, err := os.ReadFile(s.sessionPath(e.ID)); err == nil {
			_ = json.Unmarshal(data, &c.Resource)
		}
		s.latest[e.ID] = c
	}

	return s.loadMetadataLocked()
}

func (s *LogStore) loadMetadataLocked() error {
	data, err := os.ReadFile(s.metadataPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return wrapErr("init: read metadata", err)
	}
	var m globalMetadata
	if err := json.Unmarshal(data, &m); err == nil {
		s.meta = m
	}
	return nil
}

func (s *LogStore) Close() error { return nil }

func (s *LogStore) Upsert(ctx context.Context, sess resource.Session, syncedAt int64) error {
	return s.UpsertMany(ctx, []resource.Session{sess}, syncedAt)
}

func (s *LogStore) UpsertMany(ctx context.Context, sessions []resource.Session, syncedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.indexPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return wrapErr("upsert: open index", err)
	}
	w := bufio.NewWriter(f)

	for _, sess := range sessions {
		if err := os.MkdirAll(s.sessionDir(sess.ID), 0o755); err != nil {
			f.Close() //nolint:errcheck
			return wrapErr("upsert: mkdir", err)
		}
		data, err := json.Marshal(sess)
		if err != nil {
			f.Close() //nolint:errcheck
			return wrapErr("upsert: marshal session", err)
		}
		if err := s.pf.SaveFile(s.sessionPath(sess.ID), data, 0o644); err != nil {
			f.Close() //nolint:errcheck
			return wrapErr("upsert: save session", err)
		}

		entry := resource.IndexEntry{
			ID:         sess.ID,
			Title:      sess.Title,
			State:      sess.State,
			CreateTime: sess.CreateTime,
			Source:     sess.SourceContext.Source,
			UpdatedAt:  syncedAt,
		}
		line, err := json.Marshal(entry)
		if err != nil {
			f.Close() //nolint:errcheck
			return wrapErr("upsert: marshal index", err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			f.Close() //nolint:errcheck
			return wrapErr("upsert: write index", err)
		}

		s.latest[sess.ID] = resource.Cached{Resource: sess, LastSyncedAt: syncedAt}
		s.index = append(s.index, entry)
	}

	if err := w.Flush(); err != nil {
		f.Close() //nolint:errcheck
		return wrapErr("upsert: flush", err)
	}
	if err := f.Sync(); err != nil {
		f.Close() //nolint:errcheck
		return wrapErr("upsert: sync", err)
	}
	if err := f.Close(); err != nil {
		return wrapErr("upsert: close", err)
	}

	s.meta.SessionCount = len(s.latest)
	s.meta.LastSyncedAt = syncedAt
	return s.saveMetadataLocked()
}

func (s *LogStore) saveMetadataLocked() error {
	data, err := json.Marshal(s.meta)
	if err != nil {
		return wrapErr("save metadata: marshal", err)
	}
	if err := s.pf.SaveFile(s.metadataPath(), data, 0o644); err != nil {
		return wrapErr("save metadata: write", err)
	}
	return nil
}

func (s *LogStore) Get(ctx context.Context, id string) (resource.Cached, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.latest[id]
	return c, ok, nil
}

func (s *LogStore) ScanIndex(ctx context.Context) ([]resource.IndexEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	coalesced := map[string]resource.IndexEntry{}
	order := make([]string, 0, len(s.index))
	for _, e := range s.index {
		if existing, ok := coalesced[e.ID]; !ok || e.UpdatedAt >= existing.UpdatedAt {
			if !ok {
				order = append(order, e.ID)
			}
			coalesced[e.ID] = e
		}
	}

	out := make([]resource.IndexEntry, 0, len(order))
	for _, id := range order {
		out = append(out, coalesced[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt > out[j].UpdatedAt })
	return out, nil
}

func (s *LogStore) GetActivityHighWaterMark(ctx context.Context, sessionID string) (string, bool, error) {
	entries, err := s.ScanIndex(ctx)
	if err != nil {
		return "", false, err
	}
	for _, e := range entries {
		if e.ID == sessionID {
			if e.ActivityHighWaterMark == "" {
				return "", false, nil
			}
			return e.ActivityHighWaterMark, true, nil
		}
	}
	return "", false, nil
}

func (s *LogStore) SetActivityHighWaterMark(ctx context.Context, sessionID, createTime string, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.index) - 1; i >= 0; i-- {
		if s.index[i].ID == sessionID {
			entry := s.index[i]
			entry.ActivityHighWaterMark = createTime
			entry.ActivityCount = count
			entry.UpdatedAt = s.pf.Now().UnixMilli()

			f, err := os.OpenFile(s.indexPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return wrapErr("set watermark: open", err)
			}
			line, err := json.Marshal(entry)
			if err != nil {
				f.Close() //nolint:errcheck
				return wrapErr("set watermark: marshal", err)
			}
			if _, err := f.Write(append(line, '\n')); err != nil {
				f.Close() //nolint:errcheck
				return wrapErr("set watermark: write", err)
			}
			if err := f.Close(); err != nil {
				return wrapErr("set watermark: close", err)
			}

			s.index = append(s.index, entry)
			return nil
		}
	}
	return wrapErr("set watermark", fmt.Errorf("unknown session %q", sessionID))
}

func (s *LogStore) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.latest), nil
}
