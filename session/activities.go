package session

import (
	"context"
	"sort"

	"github.com/relaycode/agentsession/activity"
)

// Activities is the read-oriented sub-API over one session's activity
// timeline, reachable as Session.Activities().
type Activities struct {
	s *Session
}

// Activities returns the Activities sub-API for s.
func (s *Session) Activities() *Activities {
	return &Activities{s: s}
}

// Get returns the cached activity with the given id, if any.
func (a *Activities) Get(ctx context.Context, id string) (activity.Activity, bool, error) {
	return a.s.as.Get(ctx, id)
}

// Latest returns the most recently appended cached activity, if any.
func (a *Activities) Latest(ctx context.Context) (activity.Activity, bool, error) {
	return a.s.as.Latest(ctx)
}

// SelectOptions filters and sorts Select's read-only projection over the
// cache. It is a minimal stand-in for a real query language: a linear
// scan with at most one originator/type filter, not an index.
type SelectOptions struct {
	Originator   activity.Originator
	Type         activity.Type
	SinceCreate  string
	Limit        int
	NewestFirst  bool
}

// Select runs a read-only filter-and-sort projection over the cached
// timeline. It never touches the network.
func (a *Activities) Select(ctx context.Context, opts SelectOptions) ([]activity.Activity, error) {
	var out []activity.Activity
	for act, err := range a.s.as.Scan(ctx) {
		if err != nil {
			return nil, err
		}
		if opts.Originator != "" && act.Originator != opts.Originator {
			continue
		}
		if opts.Type != "" && act.Type != opts.Type {
			continue
		}
		if opts.SinceCreate != "" && act.CreateTime <= opts.SinceCreate {
			continue
		}
		out = append(out, act)
	}

	if opts.NewestFirst {
		sort.SliceStable(out, func(i, j int) bool { return out[i].CreateTime > out[j].CreateTime })
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Hydrate runs the same drain-until-quiescence pass as Session.Hydrate,
// returning only the count of newly persisted activities.
func (a *Activities) Hydrate(ctx context.Context) (int, error) {
	return a.s.Hydrate(ctx)
}

// ListOptions configures a direct, cache-bypassing fetch via List.
type ListOptions struct {
	PageToken string
}

// ListPage is one page of a direct List fetch.
type ListPage struct {
	Activities    []activity.Activity
	NextPageToken string
}

// List fetches one page of activities directly from the Service,
// bypassing the local cache entirely, for callers that must see server
// truth rather than the locally replayed timeline.
func (a *Activities) List(ctx context.Context, opts ListOptions) (ListPage, error) {
	page, err := a.s.api.ListActivities(ctx, a.s.id, opts.PageToken)
	if err != nil {
		return ListPage{}, err
	}

	out := ListPage{NextPageToken: page.NextPageToken}
	for _, raw := range page.Activities {
		act, err := activity.MapActivity(raw)
		if err != nil {
			return ListPage{}, err
		}
		out.Activities = append(out.Activities, act)
	}
	return out, nil
}
