package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/relaycode/agentsession/resource"
)

// SyncDepth selects how much of a session Sync pulls down.
type SyncDepth string

const (
	// DepthMetadata syncs only session resources into the index.
	DepthMetadata SyncDepth = "metadata"
	// DepthActivities additionally drains each synced session's timeline.
	DepthActivities SyncDepth = "activities"
)

// SyncOptions configures Sync.
type SyncOptions struct {
	Depth       SyncDepth
	Incremental bool
	Limit       int
	SessionID   string // when set, sync only this one session
}

// SyncResult summarizes what Sync did.
type SyncResult struct {
	SessionsSynced   int
	ActivitiesSynced int
}

type remoteSessionPage struct {
	Sessions      []resource.Session `json:"sessions"`
	NextPageToken string             `json:"nextPageToken"`
}

// Sync pulls remote session metadata (and optionally activity timelines)
// into the local cache. The remote session list is newest-first; incremental
// sync stops as soon as it reaches a session that is already cached with an
// updateTime at least as new as the remote copy.
func (c *Client) Sync(ctx context.Context, opts SyncOptions) (SyncResult, error) {
	if opts.SessionID != "" {
		return c.syncOne(ctx, opts.SessionID, opts.Depth)
	}

	ss := c.store.SessionStore()
	if err := ss.Init(ctx); err != nil {
		return SyncResult{}, fmt.Errorf("client: init session store: %w", err)
	}

	var result SyncResult
	pageToken := ""
	for {
		raw, err := c.api.ListSessions(ctx, pageToken, 50)
		if err != nil {
			return result, err
		}
		var page remoteSessionPage
		if err := json.Unmarshal(raw, &page); err != nil {
			return result, fmt.Errorf("client: unmarshal session page: %w", err)
		}

		var toSync []resource.Session
		stop := false
		for _, sess := range page.Sessions {
			if opts.Limit > 0 && result.SessionsSynced+len(toSync) >= opts.Limit {
				stop = true
				break
			}
			if opts.Incremental {
				cached, ok, err := ss.Get(ctx, sess.ID)
				if err != nil {
					return result, err
				}
				if ok && sess.UpdateTime <= cached.Resource.UpdateTime {
					stop = true
					break
				}
			}
			toSync = append(toSync, sess)
		}

		if len(toSync) > 0 {
			syncedAt := c.pf.Now().UnixMilli()
			if err := ss.UpsertMany(ctx, toSync, syncedAt); err != nil {
				return result, err
			}
			result.SessionsSynced += len(toSync)

			if opts.Depth == DepthActivities {
				for _, sess := range toSync {
					n, err := c.hydrateSessionActivities(ctx, sess.ID)
					if err != nil {
						return result, err
					}
					result.ActivitiesSynced += n
				}
			}
		}

		if stop || page.NextPageToken == "" {
			return result, nil
		}
		pageToken = page.NextPageToken
	}
}

func (c *Client) syncOne(ctx context.Context, id string, depth SyncDepth) (SyncResult, error) {
	sess, err := c.Session(ctx, id)
	if err != nil {
		return SyncResult{}, err
	}
	if _, err := sess.Info(ctx); err != nil {
		return SyncResult{}, err
	}
	result := SyncResult{SessionsSynced: 1}
	if depth == DepthActivities {
		n, err := sess.Hydrate(ctx)
		if err != nil {
			return result, err
		}
		result.ActivitiesSynced = n
	}
	return result, nil
}

func (c *Client) hydrateSessionActivities(ctx context.Context, sessionID string) (int, error) {
	sess, err := c.Session(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	return sess.Hydrate(ctx)
}
