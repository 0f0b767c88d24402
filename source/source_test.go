package source

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/relaycode/agentsession/apiclient"
	"github.com/relaycode/agentsession/platform"
)

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
		Header:     http.Header{},
	}
}

type stubEnricher struct {
	enrichment *GitHubEnrichment
	err        error
}

func (s *stubEnricher) Enrich(ctx context.Context, owner, repo string) (*GitHubEnrichment, error) {
	return s.enrichment, s.err
}

func newTestAPI(t *testing.T, pf *platform.Memory) *apiclient.Client {
	t.Helper()
	api, err := apiclient.New(apiclient.Config{APIKey: "k"}, pf)
	if err != nil {
		t.Fatalf("apiclient.New: %v", err)
	}
	return api
}

func TestSources_ListReturnsDescriptors(t *testing.T) {
	pf := platform.NewMemory(time.Now())
	pf.SetRoundTripper(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(200, `{"sources":[{"name":"demo","owner":"o","repo":"r","defaultRef":"main"}]}`), nil
	})
	srcs := New(newTestAPI(t, pf), nil)

	got, err := srcs.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || got[0].Name != "demo" {
		t.Errorf("got = %+v", got)
	}
}

func TestSources_GetEnriches(t *testing.T) {
	pf := platform.NewMemory(time.Now())
	pf.SetRoundTripper(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(200, `{"name":"demo","owner":"o","repo":"r","defaultRef":"main"}`), nil
	})
	srcs := New(newTestAPI(t, pf), &stubEnricher{enrichment: &GitHubEnrichment{Stars: 5, DefaultBranch: "main"}})

	got, err := srcs.Get(context.Background(), "o", "r")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Enrichment == nil || got.Enrichment.Stars != 5 {
		t.Errorf("Enrichment = %+v", got.Enrichment)
	}
}

func TestSources_GetWithoutEnricherStillWorks(t *testing.T) {
	pf := platform.NewMemory(time.Now())
	pf.SetRoundTripper(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(200, `{"name":"demo","owner":"o","repo":"r","defaultRef":"main"}`), nil
	})
	srcs := New(newTestAPI(t, pf), nil)

	got, err := srcs.Get(context.Background(), "o", "r")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Enrichment != nil {
		t.Errorf("Enrichment = %+v, want nil", got.Enrichment)
	}
}

func TestSources_GetNotFound(t *testing.T) {
	pf := platform.NewMemory(time.Now())
	pf.SetRoundTripper(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(404, `not found`), nil
	})
	srcs := New(newTestAPI(t, pf), nil)

	_, err := srcs.Get(context.Background(), "o", "r")
	var nf *NotFound
	if !errors.As(err, &nf) {
		t.Fatalf("err = %v, want *NotFound", err)
	}
}
