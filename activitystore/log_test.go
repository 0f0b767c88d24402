package activitystore

import (
	"context"
	"testing"
	"time"

	"github.com/relaycode/agentsession/activity"
	"github.com/relaycode/agentsession/platform"
)

func scanAll(t *testing.T, s Store) []activity.Activity {
	t.Helper()
	var out []activity.Activity
	for a, err := range s.Scan(context.Background()) {
		if err != nil {
			t.Fatalf("Scan: %v", err)
		}
		out = append(out, a)
	}
	return out
}

func newTestLogStore(t *testing.T) *LogStore {
	t.Helper()
	dir := t.TempDir()
	f := &LogFactory{Root: dir, PF: platform.NewMemory(time.Now()), DigestKey: []byte("test-key")}
	s := f.ActivityStore("sess-1").(*LogStore)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	return s
}

func TestLogStore_AppendAndScan(t *testing.T) {
	ctx := context.Background()
	s := newTestLogStore(t)

	a1 := activity.Activity{ID: "a1", CreateTime: "2026-01-01T00:00:00Z", Type: activity.TypeAgentMessaged, Message: "hi"}
	a2 := activity.Activity{ID: "a2", CreateTime: "2026-01-01T00:00:01Z", Type: activity.TypeUserMessaged, Message: "hey"}

	if err := s.Append(ctx, a1); err != nil {
		t.Fatalf("Append a1: %v", err)
	}
	if err := s.Append(ctx, a2); err != nil {
		t.Fatalf("Append a2: %v", err)
	}

	all := scanAll(t, s)
	if len(all) != 2 || all[0].ID != "a1" || all[1].ID != "a2" {
		t.Fatalf("Scan = %+v, want [a1, a2]", all)
	}

	latest, ok, err := s.Latest(ctx)
	if err != nil || !ok {
		t.Fatalf("Latest: %v, ok=%v", err, ok)
	}
	if latest.ID != "a2" {
		t.Errorf("Latest.ID = %q, want a2", latest.ID)
	}
}

func TestLogStore_AppendUpsertPreservesPosition(t *testing.T) {
	ctx := context.Background()
	s := newTestLogStore(t)

	for _, a := range []activity.Activity{
		{ID: "a1", CreateTime: "2026-01-01T00:00:00Z", Type: activity.TypeAgentMessaged, Message: "first"},
		{ID: "a2", CreateTime: "2026-01-01T00:00:01Z", Type: activity.TypeAgentMessaged, Message: "second"},
	} {
		if err := s.Append(ctx, a); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	// Upsert a1 with new content; position in scan order must not move.
	if err := s.Append(ctx, activity.Activity{ID: "a1", CreateTime: "2026-01-01T00:00:00Z", Type: activity.TypeAgentMessaged, Message: "updated"}); err != nil {
		t.Fatalf("Append upsert: %v", err)
	}

	all := scanAll(t, s)
	if len(all) != 2 {
		t.Fatalf("Scan returned %d items, want 2 (upsert must not duplicate)", len(all))
	}
	if all[0].ID != "a1" || all[0].Message != "updated" {
		t.Errorf("all[0] = %+v, want updated a1 still first", all[0])
	}
}

func TestLogStore_InitReplaysAcrossInstances(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	pf := platform.NewMemory(time.Now())

	f1 := &LogFactory{Root: dir, PF: pf, DigestKey: []byte("k")}
	s1 := f1.ActivityStore("sess-1")
	if err := s1.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := s1.Append(ctx, activity.Activity{ID: "a1", CreateTime: "2026-01-01T00:00:00Z", Type: activity.TypeAgentMessaged}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	s1.Close() //nolint:errcheck

	f2 := &LogFactory{Root: dir, PF: pf, DigestKey: []byte("k")}
	s2 := f2.ActivityStore("sess-1")
	if err := s2.Init(ctx); err != nil {
		t.Fatalf("Init (reopen): %v", err)
	}
	count, err := s2.Count(ctx)
	if err != nil || count != 1 {
		t.Fatalf("Count = %d, err = %v, want 1", count, err)
	}
}
