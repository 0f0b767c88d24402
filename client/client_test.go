package client

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/relaycode/agentsession/platform"
	"github.com/relaycode/agentsession/storage"
)

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
		Header:     http.Header{},
	}
}

func newTestClient(t *testing.T, pf *platform.Memory) *Client {
	t.Helper()
	c, err := New(context.Background(), Config{
		APIKey:         "k",
		CacheRoot:      t.TempDir(),
		StorageBackend: storage.BackendLog,
		Platform:       pf,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() }) //nolint:errcheck
	return c
}

func TestClient_SessionHydratesMetadataLazily(t *testing.T) {
	pf := platform.NewMemory(time.Now())
	c := newTestClient(t, pf)

	var calls int
	pf.SetRoundTripper(func(req *http.Request) (*http.Response, error) {
		calls++
		return jsonResponse(200, `{"id":"s1","title":"t","state":"inProgress","createTime":"2026-01-01T00:00:00Z"}`), nil
	})

	sess, err := c.Session(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if calls != 0 {
		t.Fatalf("calls = %d before Info, want 0", calls)
	}

	if _, err := sess.Info(context.Background()); err != nil {
		t.Fatalf("Info: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d after Info, want 1", calls)
	}
}

func TestClient_NewSessionPersists(t *testing.T) {
	pf := platform.NewMemory(time.Now())
	c := newTestClient(t, pf)

	pf.SetRoundTripper(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(200, `{"id":"s2","title":"new","state":"queued","createTime":"2026-01-01T00:00:00Z"}`), nil
	})

	sess, err := c.NewSession(context.Background(), map[string]string{"prompt": "fix it"})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if sess.ID() != "s2" {
		t.Errorf("ID = %q", sess.ID())
	}
}

func TestClient_SyncIncrementalStopsAtLocalNewest(t *testing.T) {
	pf := platform.NewMemory(time.Now())
	c := newTestClient(t, pf)

	list := `{"sessions":[
		{"id":"s2","title":"b","state":"inProgress","createTime":"2026-01-01T00:00:01Z","updateTime":"2026-01-01T00:10:00Z"},
		{"id":"s1","title":"a","state":"completed","createTime":"2026-01-01T00:00:00Z","updateTime":"2026-01-01T00:05:00Z"}
	]}`
	var calls int
	pf.SetRoundTripper(func(req *http.Request) (*http.Response, error) {
		calls++
		return jsonResponse(200, list), nil
	})

	first, err := c.Sync(context.Background(), SyncOptions{Depth: DepthMetadata})
	if err != nil {
		t.Fatalf("Sync (first): %v", err)
	}
	if first.SessionsSynced != 2 {
		t.Fatalf("first SessionsSynced = %d, want 2", first.SessionsSynced)
	}

	// Second incremental sync against the same (unchanged) remote list should
	// stop at the very first session, since its updateTime no longer exceeds
	// what's already cached.
	second, err := c.Sync(context.Background(), SyncOptions{Depth: DepthMetadata, Incremental: true})
	if err != nil {
		t.Fatalf("Sync (second): %v", err)
	}
	if second.SessionsSynced != 0 {
		t.Errorf("second SessionsSynced = %d, want 0", second.SessionsSynced)
	}

	// A newer remote updateTime for s2 only should resync just that session.
	pf.SetRoundTripper(func(req *http.Request) (*http.Response, error) {
		calls++
		return jsonResponse(200, `{"sessions":[
			{"id":"s2","title":"b","state":"inProgress","createTime":"2026-01-01T00:00:01Z","updateTime":"2026-01-01T01:00:00Z"},
			{"id":"s1","title":"a","state":"completed","createTime":"2026-01-01T00:00:00Z","updateTime":"2026-01-01T00:05:00Z"}
		]}`), nil
	})
	third, err := c.Sync(context.Background(), SyncOptions{Depth: DepthMetadata, Incremental: true})
	if err != nil {
		t.Fatalf("Sync (third): %v", err)
	}
	if third.SessionsSynced != 1 {
		t.Errorf("third SessionsSynced = %d, want 1 (only s2 changed)", third.SessionsSynced)
	}
}

func TestClient_SourcesListsFromAPI(t *testing.T) {
	pf := platform.NewMemory(time.Now())
	c := newTestClient(t, pf)

	pf.SetRoundTripper(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(200, `{"sources":[{"name":"demo","owner":"o","repo":"r","defaultRef":"main"}]}`), nil
	})

	got, err := c.Sources().List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got = %+v", got)
	}
}
