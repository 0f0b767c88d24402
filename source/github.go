package source

import (
	"context"
	"fmt"

	"github.com/google/go-github/v68/github"
)

// GitHubEnricher performs a best-effort lookup against the real GitHub API,
// grounded on ghclient.NewClient's github.NewClient(nil).WithAuthToken(token)
// construction.
type GitHubEnricher struct {
	gh *github.Client
}

// NewGitHubEnricher constructs an enricher authenticated with token. Callers
// should only construct one when GITHUB_TOKEN is set; otherwise Sources
// should be built with a nil Enricher.
func NewGitHubEnricher(token string) *GitHubEnricher {
	return &GitHubEnricher{gh: github.NewClient(nil).WithAuthToken(token)}
}

func (e *GitHubEnricher) Enrich(ctx context.Context, owner, repo string) (*GitHubEnrichment, error) {
	r, _, err := e.gh.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return nil, fmt.Errorf("source: github enrich %s/%s: %w", owner, repo, err)
	}
	return &GitHubEnrichment{
		Stars:         r.GetStargazersCount(),
		DefaultBranch: r.GetDefaultBranch(),
		Private:       r.GetPrivate(),
	}, nil
}
