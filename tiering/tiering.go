// Package tiering classifies cached sessions by freshness, the way
// gitprovider.ValidateTier classifies a tier number against plain data: a
// pure function over inputs, no I/O, no clock of its own.
package tiering

import (
	"time"

	"github.com/relaycode/agentsession/resource"
)

// Tier is a cached session's freshness classification.
type Tier string

const (
	// TierHot sessions must be refetched on every read.
	TierHot Tier = "hot"
	// TierWarm sessions are served from cache for a day after last sync.
	TierWarm Tier = "warm"
	// TierFrozen sessions are treated as immutable and never refetched.
	TierFrozen Tier = "frozen"
)

const (
	frozenAge  = 30 * 24 * time.Hour
	warmWindow = 24 * time.Hour
)

// Determine classifies cached relative to now.
func Determine(cached resource.Cached, now time.Time) Tier {
	created, err := time.Parse(time.RFC3339, cached.Resource.CreateTime)
	if err == nil && now.Sub(created) > frozenAge {
		return TierFrozen
	}

	if cached.Resource.State.IsTerminal() {
		lastSynced := time.UnixMilli(cached.LastSyncedAt)
		if now.Sub(lastSynced) < warmWindow {
			return TierWarm
		}
	}

	return TierHot
}

// IsValid reports whether a cached session may be served without a refetch.
func IsValid(cached resource.Cached, now time.Time) bool {
	t := Determine(cached, now)
	return t == TierWarm || t == TierFrozen
}
