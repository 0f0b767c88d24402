// Package client implements the top-level façade: the composition root
// that wires apiclient, storage, and platform together and hands out
// per-session façades.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaycode/agentsession/activity"
	"github.com/relaycode/agentsession/apiclient"
	"github.com/relaycode/agentsession/platform"
	"github.com/relaycode/agentsession/resource"
	"github.com/relaycode/agentsession/session"
	"github.com/relaycode/agentsession/source"
	"github.com/relaycode/agentsession/storage"
	"github.com/relaycode/agentsession/stream"
)

// Config configures a Client. The core never reads ambient state itself;
// cmd/agentsessionctl is responsible for populating Config from env/flags.
type Config struct {
	APIKey            string
	BaseURL           string
	PollingInterval   time.Duration
	RequestTimeout    time.Duration
	CacheRoot         string
	OriginatorExclude map[activity.Originator]bool
	StorageBackend    storage.Backend
	Logger            zerolog.Logger
	Platform          platform.Platform // nil defaults to platform.NewDefault()
}

// Client is the top-level façade over the Service and its local cache.
type Client struct {
	api   *apiclient.Client
	store storage.Factory
	pf    platform.Platform
	opts  stream.Options
	log   zerolog.Logger
	src   *source.Sources
}

// New constructs a Client. The caller owns Close.
func New(ctx context.Context, cfg Config) (*Client, error) {
	pf := cfg.Platform
	if pf == nil {
		pf = platform.NewDefault()
	}

	api, err := apiclient.New(apiclient.Config{
		APIKey:         cfg.APIKey,
		BaseURL:        cfg.BaseURL,
		RequestTimeout: cfg.RequestTimeout,
	}, pf)
	if err != nil {
		return nil, err
	}

	cacheRoot := cfg.CacheRoot
	if cacheRoot == "" {
		cacheRoot = "."
	}
	store, err := storage.Open(ctx, cfg.StorageBackend, cacheRoot, pf)
	if err != nil {
		return nil, fmt.Errorf("client: open storage: %w", err)
	}

	return &Client{
		api:   api,
		store: store,
		pf:    pf,
		log:   cfg.Logger,
		opts: stream.Options{
			PollingInterval:   cfg.PollingInterval,
			OriginatorExclude: cfg.OriginatorExclude,
			Logger:            cfg.Logger,
		},
		src: source.NewFromEnv(api),
	}, nil
}

// Close releases any shared resources held by the storage backend.
func (c *Client) Close() error { return c.store.Close() }

// Session returns the façade for an existing session, wiring the per-session
// activity store lazily. It does not itself fetch anything from the
// network; call Info to hydrate metadata.
func (c *Client) Session(ctx context.Context, id string) (*session.Session, error) {
	as := c.store.ActivityStore(id)
	if err := as.Init(ctx); err != nil {
		return nil, fmt.Errorf("client: init activity store: %w", err)
	}
	ss := c.store.SessionStore()
	if err := ss.Init(ctx); err != nil {
		return nil, fmt.Errorf("client: init session store: %w", err)
	}

	return session.New(session.Config{
		ID:            id,
		API:           c.api,
		ActivityStore: as,
		SessionStore:  ss,
		Platform:      c.pf,
		StreamOptions: c.opts,
		Logger:        c.log,
	}), nil
}

// NewSession creates a session via the Service, persists its resource, and
// returns its façade.
func (c *Client) NewSession(ctx context.Context, body any) (*session.Session, error) {
	var sess resource.Session
	if err := c.api.CreateSession(ctx, body, &sess); err != nil {
		return nil, err
	}

	ss := c.store.SessionStore()
	if err := ss.Init(ctx); err != nil {
		return nil, fmt.Errorf("client: init session store: %w", err)
	}
	if err := ss.Upsert(ctx, sess, c.pf.Now().UnixMilli()); err != nil {
		return nil, fmt.Errorf("client: persist new session: %w", err)
	}

	return c.Session(ctx, sess.ID)
}

// Sources returns the source discovery sub-API.
func (c *Client) Sources() *source.Sources { return c.src }

// CachedSessions returns the local session index without touching the
// network, newest entry per id winning on duplicates.
func (c *Client) CachedSessions(ctx context.Context) ([]resource.IndexEntry, error) {
	ss := c.store.SessionStore()
	if err := ss.Init(ctx); err != nil {
		return nil, fmt.Errorf("client: init session store: %w", err)
	}
	return ss.ScanIndex(ctx)
}
