package source

import (
	"os"

	"github.com/relaycode/agentsession/apiclient"
)

// NewFromEnv constructs Sources with GitHub enrichment enabled only when
// GITHUB_TOKEN is set, mirroring gitprovider.NewRegistry's
// enabled-if-configured, disabled-otherwise pattern — the system always
// starts, enrichment is simply absent when unconfigured.
func NewFromEnv(api *apiclient.Client) *Sources {
	token := os.Getenv("GITHUB_TOKEN")
	if token == "" {
		return New(api, nil)
	}
	return New(api, NewGitHubEnricher(token))
}
