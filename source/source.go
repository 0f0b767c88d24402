// Package source implements source discovery: the Service's own source
// registry, optionally enriched with a best-effort GitHub lookup when a
// token is available. Provider construction is env-gated with a disabled
// fallback so the system always starts.
package source

import (
	"context"
	"fmt"

	"github.com/relaycode/agentsession/apiclient"
)

// Descriptor is one entry of the Service's source registry.
type Descriptor struct {
	Name        string `json:"name"`
	Owner       string `json:"owner"`
	Repo        string `json:"repo"`
	DefaultRef  string `json:"defaultRef"`
	Description string `json:"description,omitempty"`

	// Enrichment populated only when a GitHub enricher is configured and the
	// lookup succeeds; nil otherwise.
	Enrichment *GitHubEnrichment `json:"githubEnrichment,omitempty"`
}

// GitHubEnrichment carries best-effort metadata pulled directly from the
// GitHub API, independent of what the Service itself returns.
type GitHubEnrichment struct {
	Stars         int    `json:"stars"`
	DefaultBranch string `json:"defaultBranch"`
	Private       bool   `json:"private"`
}

// NotFound signals that Sources().Get found no matching source.
type NotFound struct {
	Owner string
	Repo  string
}

func (e *NotFound) Error() string {
	return fmt.Sprintf("source: no github source %s/%s", e.Owner, e.Repo)
}

// Enricher performs an optional best-effort lookup against a third-party
// provider. A nil Enricher (the disabled state) is always a no-op.
type Enricher interface {
	Enrich(ctx context.Context, owner, repo string) (*GitHubEnrichment, error)
}

// Sources is the read-only source discovery sub-API.
type Sources struct {
	api      *apiclient.Client
	enricher Enricher // nil when disabled (no GITHUB_TOKEN)
}

// New constructs Sources. enricher may be nil (the disabled fallback):
// discovery keeps working, enrichment is simply skipped.
func New(api *apiclient.Client, enricher Enricher) *Sources {
	return &Sources{api: api, enricher: enricher}
}

// List fetches the Service's full source registry.
func (s *Sources) List(ctx context.Context) ([]Descriptor, error) {
	var out struct {
		Sources []Descriptor `json:"sources"`
	}
	if err := s.api.ListSources(ctx, &out); err != nil {
		return nil, err
	}
	return out.Sources, nil
}

// Get fetches a single GitHub-backed source descriptor, enriching it with a
// best-effort GitHub API lookup when an enricher is configured. Enrichment
// failures are swallowed: the Service's own descriptor is still returned.
func (s *Sources) Get(ctx context.Context, owner, repo string) (Descriptor, error) {
	var d Descriptor
	if err := s.api.GetGitHubSource(ctx, owner, repo, &d); err != nil {
		var apiErr *apiclient.APIError
		if ae, ok := err.(*apiclient.APIError); ok {
			apiErr = ae
		}
		if apiErr != nil && apiErr.NotFound() {
			return Descriptor{}, &NotFound{Owner: owner, Repo: repo}
		}
		return Descriptor{}, err
	}

	if s.enricher != nil {
		if enr, err := s.enricher.Enrich(ctx, owner, repo); err == nil {
			d.Enrichment = enr
		}
	}
	return d, nil
}
