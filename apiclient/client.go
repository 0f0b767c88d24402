// Package apiclient is the thin REST layer over the Service. It favors a
// manual-JSON doJSON helper over a generated SDK: marshal, build a
// request, dispatch through the platform, switch on status code,
// unmarshal.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/relaycode/agentsession/platform"
)

// Config configures a Client.
type Config struct {
	APIKey         string
	BaseURL        string // e.g. "https://agent.example.com/v1alpha"
	RequestTimeout time.Duration
}

// DefaultBaseURL is used when Config.BaseURL is empty.
const DefaultBaseURL = "https://api.agentsession.dev/v1alpha"

// Client is a thin, typed wrapper over the Service's REST surface.
type Client struct {
	cfg Config
	pf  platform.Platform
}

// New constructs a Client. Returns MissingAPIKeyError if cfg.APIKey is empty.
func New(cfg Config, pf platform.Platform) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, &MissingAPIKeyError{}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Client{cfg: cfg, pf: pf}, nil
}

// ActivitiesPage is the raw response shape of the activities list endpoint.
type ActivitiesPage struct {
	Activities    []json.RawMessage `json:"activities"`
	NextPageToken string             `json:"nextPageToken"`
}

// GetSession fetches a session resource by id.
func (c *Client) GetSession(ctx context.Context, id string, out any) error {
	return c.doJSON(ctx, http.MethodGet, "/sessions/"+id, nil, out)
}

// ListActivities fetches one page of a session's activity list.
func (c *Client) ListActivities(ctx context.Context, sessionID, pageToken string) (*ActivitiesPage, error) {
	path := fmt.Sprintf("/sessions/%s/activities?pageSize=50", sessionID)
	if pageToken != "" {
		path += "&pageToken=" + pageToken
	}
	var page ActivitiesPage
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// CreateSession creates a new session from config and decodes the resource
// into out.
func (c *Client) CreateSession(ctx context.Context, body any, out any) error {
	return c.doJSON(ctx, http.MethodPost, "/sessions", body, out)
}

// SendMessage posts a user message to a session.
func (c *Client) SendMessage(ctx context.Context, sessionID, text string) error {
	body := map[string]string{"message": text}
	return c.doJSON(ctx, http.MethodPost, "/sessions/"+sessionID+":sendMessage", body, nil)
}

// ApprovePlan posts plan approval for a session.
func (c *Client) ApprovePlan(ctx context.Context, sessionID, planID string) error {
	body := map[string]string{"planId": planID}
	return c.doJSON(ctx, http.MethodPost, "/sessions/"+sessionID+":approvePlan", body, nil)
}

// ListSessions fetches one page of the remote session list, newest first.
func (c *Client) ListSessions(ctx context.Context, pageToken string, limit int) (json.RawMessage, error) {
	path := fmt.Sprintf("/sessions?pageSize=%d", limit)
	if pageToken != "" {
		path += "&pageToken=" + pageToken
	}
	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// ListSources fetches the Service's own source registry.
func (c *Client) ListSources(ctx context.Context, out any) error {
	return c.doJSON(ctx, http.MethodGet, "/sources", nil, out)
}

// GetGitHubSource fetches a single GitHub-backed source descriptor.
func (c *Client) GetGitHubSource(ctx context.Context, owner, repo string, out any) error {
	return c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/sources/github/%s/%s", owner, repo), nil, out)
}

// doJSON executes an HTTP request against the Service with JSON body/response
// handling.
func (c *Client) doJSON(ctx context.Context, method, path string, reqBody any, out any) error {
	var bodyReader io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", c.pf.NewUUID())
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.pf.Do(req)
	if err != nil {
		return &NetworkError{Err: err}
	}

	respData, err := platform.ReadAllClose(resp.Body)
	if err != nil {
		return &NetworkError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return &AuthenticationError{StatusCode: resp.StatusCode, Body: string(respData)}
		case http.StatusTooManyRequests:
			return &RateLimitError{StatusCode: resp.StatusCode, Body: string(respData), RetryAfter: resp.Header.Get("Retry-After")}
		default:
			return &APIError{StatusCode: resp.StatusCode, Body: string(respData)}
		}
	}

	if out != nil && len(respData) > 0 {
		if err := json.Unmarshal(respData, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}
