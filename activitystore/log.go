package activitystore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"reflect"
	"sync"

	"github.com/relaycode/agentsession/activity"
	"github.com/relaycode/agentsession/platform"

	"github.com/rs/zerolog"
)

// logMetadata is the sidecar record accompanying an activities.jsonl log.
type logMetadata struct {
	ActivityCount    int    `json:"activityCount"`
	LastSyncedAt     int64  `json:"lastSyncedAt"`
	HighWaterMark    string `json:"highWaterMark"`
	LastRecordDigest string `json:"lastRecordDigest"` // hex HMAC of the last-appended record's bytes
}

// LogFactory constructs LogStores rooted at a single cache directory, one
// subdirectory per session.
type LogFactory struct {
	Root string
	PF   platform.Platform
	// DigestKey keys the sidecar corruption-check HMAC. Any fixed,
	// process-local value is fine; it need not be secret.
	DigestKey []byte
	// Logger receives a warning when Init finds the sidecar digest doesn't
	// match the last record on disk. Defaults to a no-op logger.
	Logger zerolog.Logger
}

func (f *LogFactory) ActivityStore(sessionID string) Store {
	return &LogStore{
		dir: filepath.Join(f.Root, sessionID),
		pf:  f.PF,
		key: f.DigestKey,
		log: f.Logger,
	}
}

// LogStore is the JSONL-backed Store implementation.
type LogStore struct {
	dir string
	pf  platform.Platform
	key []byte
	log zerolog.Logger

	mu    sync.Mutex
	order []string // activity ids in insertion order
	byID  map[string]activity.Activity
	meta  logMetadata
}

func (s *LogStore) activitiesPath() string { return filepath.Join(s.dir, "activities.jsonl") }
func (s *LogStore) metadataPath() string   { return filepath.Join(s.dir, "metadata.json") }

func (s *LogStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return wrapErr("init: mkdir", err)
	}

	s.byID = map[string]activity.Activity{}
	s.order = nil

	f, err := os.Open(s.activitiesPath())
	if os.IsNotExist(err) {
		return s.loadMetadataLocked()
	}
	if err != nil {
		return wrapErr("init: open", err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var a activity.Activity
		if err := json.Unmarshal(line, &a); err != nil {
			// Best-effort replay: skip a corrupt record rather than fail
			// the whole store.
			s.log.Warn().Err(err).Str("dir", s.dir).Msg("skipping corrupt activity record")
			continue
		}
		if _, exists := s.byID[a.ID]; !exists {
			s.order = append(s.order, a.ID)
		}
		s.byID[a.ID] = a
	}
	if err := scanner.Err(); err != nil {
		return wrapErr("init: scan", err)
	}

	if err := s.loadMetadataLocked(); err != nil {
		return err
	}
	s.checkDigestLocked()
	return nil
}

func (s *LogStore) loadMetadataLocked() error {
	data, err := os.ReadFile(s.metadataPath())
	if os.IsNotExist(err) {
		s.meta = logMetadata{}
		return nil
	}
	if err != nil {
		return wrapErr("init: read metadata", err)
	}
	var m logMetadata
	if err := json.Unmarshal(data, &m); err != nil {
		// A corrupt sidecar is not fatal: the log itself is authoritative.
		s.meta = logMetadata{}
		return nil
	}
	s.meta = m
	return nil
}

// checkDigestLocked recomputes the HMAC of the last record in s.order and
// compares it against the sidecar's recorded digest, logging a warning on
// mismatch (e.g. metadata.json and activities.jsonl fell out of sync across
// a crash). Never fatal: the log, not the digest, is authoritative.
func (s *LogStore) checkDigestLocked() {
	if reflect.DeepEqual(s.log, zerolog.Logger{}) {
		s.log = zerolog.Nop()
	}
	if s.meta.LastRecordDigest == "" || len(s.order) == 0 {
		return
	}
	last := s.byID[s.order[len(s.order)-1]]
	line, err := json.Marshal(last)
	if err != nil {
		return
	}
	line = append(line, '\n')
	got := fmt.Sprintf("%x", s.pf.HMACSHA256(s.key, line))
	if got != s.meta.LastRecordDigest {
		s.log.Warn().Str("dir", s.dir).Msg("activity log digest mismatch on init; metadata sidecar may be stale")
	}
}

func (s *LogStore) Close() error { return nil }

func (s *LogStore) Append(ctx context.Context, a activity.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(a)
}

// AppendActivities upserts a batch of activities as a single durable write,
// sharing one file open/sync/close rather than one per item.
func (s *LogStore) AppendActivities(ctx context.Context, as []activity.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var newTail []activity.Activity
	for _, a := range as {
		if _, existed := s.byID[a.ID]; !existed {
			s.order = append(s.order, a.ID)
			newTail = append(newTail, a)
		}
		s.byID[a.ID] = a
	}

	anyUpdatedExisting := len(newTail) != len(as)
	if anyUpdatedExisting {
		// At least one id in the batch already existed; a full rewrite
		// keeps scan-order position stable for updated records.
		if err := s.rewriteLocked(); err != nil {
			return err
		}
		if err := s.refreshDigestLocked(); err != nil {
			return err
		}
	} else if len(newTail) > 0 {
		if err := s.appendTailLocked(newTail); err != nil {
			return err
		}
	}

	return s.finishAppendLocked(as)
}

func (s *LogStore) appendLocked(a activity.Activity) error {
	_, existed := s.byID[a.ID]
	if !existed {
		s.order = append(s.order, a.ID)
	}
	s.byID[a.ID] = a

	if existed {
		if err := s.rewriteLocked(); err != nil {
			return err
		}
		if err := s.refreshDigestLocked(); err != nil {
			return err
		}
	} else {
		line, err := json.Marshal(a)
		if err != nil {
			return wrapErr("append: marshal", err)
		}
		line = append(line, '\n')
		if err := s.writeLinesLocked(line); err != nil {
			return err
		}
		digest := s.pf.HMACSHA256(s.key, line)
		s.meta.LastRecordDigest = fmt.Sprintf("%x", digest)
	}

	return s.finishAppendLocked([]activity.Activity{a})
}

// appendTailLocked appends several brand-new records in one write and
// refreshes the digest from the last of them.
func (s *LogStore) appendTailLocked(as []activity.Activity) error {
	var buf []byte
	for _, a := range as {
		line, err := json.Marshal(a)
		if err != nil {
			return wrapErr("append: marshal", err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	if err := s.writeLinesLocked(buf); err != nil {
		return err
	}
	return s.refreshDigestLocked()
}

func (s *LogStore) writeLinesLocked(buf []byte) error {
	f, err := os.OpenFile(s.activitiesPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return wrapErr("append: open", err)
	}
	if _, err := f.Write(buf); err != nil {
		f.Close() //nolint:errcheck
		return wrapErr("append: write", err)
	}
	if err := f.Sync(); err != nil {
		f.Close() //nolint:errcheck
		return wrapErr("append: sync", err)
	}
	return wrapErr("append: close", f.Close())
}

// refreshDigestLocked recomputes the digest of the current tail record,
// keeping metadata consistent with whatever is now physically last on disk.
func (s *LogStore) refreshDigestLocked() error {
	if len(s.order) == 0 {
		s.meta.LastRecordDigest = ""
		return nil
	}
	last := s.byID[s.order[len(s.order)-1]]
	line, err := json.Marshal(last)
	if err != nil {
		return wrapErr("append: marshal", err)
	}
	line = append(line, '\n')
	digest := s.pf.HMACSHA256(s.key, line)
	s.meta.LastRecordDigest = fmt.Sprintf("%x", digest)
	return nil
}

// finishAppendLocked updates the sidecar metadata record after a batch or
// single append has been durably written.
func (s *LogStore) finishAppendLocked(as []activity.Activity) error {
	for _, a := range as {
		if a.CreateTime > s.meta.HighWaterMark {
			s.meta.HighWaterMark = a.CreateTime
		}
	}
	s.meta.ActivityCount = len(s.order)
	s.meta.LastSyncedAt = s.pf.Now().UnixMilli()
	return s.saveMetadataLocked()
}

func (s *LogStore) rewriteLocked() error {
	tmp := s.activitiesPath() + ".rewrite.tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return wrapErr("rewrite: create", err)
	}
	w := bufio.NewWriter(f)
	for _, id := range s.order {
		line, err := json.Marshal(s.byID[id])
		if err != nil {
			f.Close() //nolint:errcheck
			return wrapErr("rewrite: marshal", err)
		}
		if _, err := w.Write(line); err != nil {
			f.Close() //nolint:errcheck
			return wrapErr("rewrite: write", err)
		}
		if err := w.WriteByte('\n'); err != nil {
			f.Close() //nolint:errcheck
			return wrapErr("rewrite: write", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close() //nolint:errcheck
		return wrapErr("rewrite: flush", err)
	}
	if err := f.Sync(); err != nil {
		f.Close() //nolint:errcheck
		return wrapErr("rewrite: sync", err)
	}
	if err := f.Close(); err != nil {
		return wrapErr("rewrite: close", err)
	}
	if err := os.Rename(tmp, s.activitiesPath()); err != nil {
		return wrapErr("rewrite: rename", err)
	}
	return nil
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

func (s *LogStore) Get(ctx context.Context, id string) (activity.Activity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	return a, ok, nil
}

func (s *LogStore) Latest(ctx context.Context) (activity.Activity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) == 0 {
		return activity.Activity{}, false, nil
	}
	return s.byID[s.order[len(s.order)-1]], true, nil
}

func (s *LogStore) Scan(ctx context.Context) iter.Seq2[activity.Activity, error] {
	return func(yield func(activity.Activity, error) bool) {
		s.mu.Lock()
		snapshot := make([]activity.Activity, 0, len(s.order))
		for _, id := range s.order {
			snapshot = append(snapshot, s.byID[id])
		}
		s.mu.Unlock()

		for _, a := range snapshot {
			if ctx.Err() != nil {
				yield(activity.Activity{}, ctx.Err())
				return
			}
			if !yield(a, nil) {
				return
			}
		}
	}
}

func (s *LogStore) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order), nil
}
