// Package stream implements the activity streaming engine: the
// paginate-dedup-poll loop behind History, Updates, and Stream.
package stream

import (
	"context"
	"iter"
	"reflect"
	"time"

	"github.com/relaycode/agentsession/activity"
	"github.com/relaycode/agentsession/activitystore"
	"github.com/relaycode/agentsession/apiclient"
	"github.com/relaycode/agentsession/platform"
	"github.com/relaycode/agentsession/retry"

	"github.com/rs/zerolog"
)

const (
	defaultPollingInterval = 2 * time.Second
	watermarkBucketCap     = 4096
)

// Options configures an Engine.
type Options struct {
	PollingInterval   time.Duration
	OriginatorExclude map[activity.Originator]bool
	Logger            zerolog.Logger
}

// Engine drives the pagination/poll algorithm for one session.
type Engine struct {
	sessionID string
	api       *apiclient.Client
	store     activitystore.Store
	pf        platform.Platform
	opts      Options
}

// New constructs an Engine for sessionID. store must already be Init'd.
func New(sessionID string, api *apiclient.Client, store activitystore.Store, pf platform.Platform, opts Options) *Engine {
	if opts.PollingInterval == 0 {
		opts.PollingInterval = defaultPollingInterval
	}
	if reflect.DeepEqual(opts.Logger, zerolog.Logger{}) {
		opts.Logger = zerolog.Nop()
	}
	return &Engine{sessionID: sessionID, api: api, store: store, pf: pf, opts: opts}
}

// watermark tracks the (createTime, id-set) pair used to deduplicate
// activities across page and poll boundaries.
type watermark struct {
	lastSeenTime string
	seenAtTime   map[string]struct{}
}

func newWatermark() *watermark {
	return &watermark{seenAtTime: map[string]struct{}{}}
}

// admit reports whether a is new relative to w, updating w's bookkeeping
// when it is. log receives a warning when the per-timestamp id set is
// evicted under pressure.
func (w *watermark) admit(a activity.Activity, log *zerolog.Logger) bool {
	if a.CreateTime < w.lastSeenTime {
		return false
	}
	if a.CreateTime == w.lastSeenTime {
		if _, dup := w.seenAtTime[a.ID]; dup {
			return false
		}
	} else {
		w.lastSeenTime = a.CreateTime
		w.seenAtTime = map[string]struct{}{}
	}
	if len(w.seenAtTime) >= watermarkBucketCap {
		// Bound pathological bursts at a single timestamp by evicting one
		// entry, whichever map iteration yields first (not necessarily the
		// oldest). An evicted id can be re-yielded, a rare false negative,
		// rather than memory growing without bound.
		for k := range w.seenAtTime {
			delete(w.seenAtTime, k)
			break
		}
		if log != nil {
			log.Warn().Str("create_time", a.CreateTime).Msg("watermark bucket evicted an entry")
		}
	}
	w.seenAtTime[a.ID] = struct{}{}
	return true
}

// History replays locally stored activities in insertion order, then ends.
func (e *Engine) History(ctx context.Context) iter.Seq2[activity.Activity, error] {
	return func(yield func(activity.Activity, error) bool) {
		for a, err := range e.store.Scan(ctx) {
			if err != nil {
				yield(activity.Activity{}, err)
				return
			}
			if !yield(a, nil) {
				return
			}
		}
	}
}

// localWatermark builds a watermark already advanced past everything in the
// local store, so a fresh poll never re-yields cached history. Returns the
// stored activities alongside it so Stream can replay them without a second
// scan.
func (e *Engine) localWatermark(ctx context.Context) (*watermark, []activity.Activity, error) {
	var all []activity.Activity
	for a, err := range e.store.Scan(ctx) {
		if err != nil {
			return nil, nil, err
		}
		all = append(all, a)
	}
	w := newWatermark()
	for _, a := range all {
		w.admit(a, &e.opts.Logger)
	}
	return w, all, nil
}

// Updates polls the Service for activities strictly newer than whatever is
// already in the local store, and never ends on its own; callers stop by
// cancelling ctx or breaking iteration.
func (e *Engine) Updates(ctx context.Context) iter.Seq2[activity.Activity, error] {
	return func(yield func(activity.Activity, error) bool) {
		w, _, err := e.localWatermark(ctx)
		if err != nil {
			yield(activity.Activity{}, err)
			return
		}
		for a, err := range e.updatesFrom(ctx, w) {
			if !yield(a, err) {
				return
			}
			if err != nil {
				return
			}
		}
	}
}

func (e *Engine) updatesFrom(ctx context.Context, w *watermark) iter.Seq2[activity.Activity, error] {
	return func(yield func(activity.Activity, error) bool) {
		pageToken := ""
		isFirstCall := true

		for {
			if ctx.Err() != nil {
				yield(activity.Activity{}, ctx.Err())
				return
			}

			var page *apiclient.ActivitiesPage
			fetch := func(ctx context.Context) error {
				p, err := e.api.ListActivities(ctx, e.sessionID, pageToken)
				if err != nil {
					return err
				}
				page = p
				return nil
			}

			var err error
			if isFirstCall {
				err = retry.WithFirstRequestRetry(ctx, fetch)
				isFirstCall = false
			} else {
				err = fetch(ctx)
			}
			if err != nil {
				e.opts.Logger.Warn().Err(err).Str("session_id", e.sessionID).Msg("activity fetch failed")
				yield(activity.Activity{}, err)
				return
			}

			var admitted []activity.Activity
			for _, raw := range page.Activities {
				a, mapErr := activity.MapActivity(raw)
				if mapErr != nil {
					e.opts.Logger.Warn().Err(mapErr).Str("session_id", e.sessionID).Msg("activity map error")
					yield(activity.Activity{}, mapErr)
					return
				}
				if !w.admit(a, &e.opts.Logger) {
					continue
				}
				admitted = append(admitted, a)
			}

			if len(admitted) > 0 {
				if err := e.store.AppendActivities(ctx, admitted); err != nil {
					yield(activity.Activity{}, err)
					return
				}
			}

			for _, a := range admitted {
				if e.opts.OriginatorExclude[a.Originator] {
					continue
				}
				if !yield(a, nil) {
					return
				}
			}

			if page.NextPageToken != "" {
				pageToken = page.NextPageToken
				continue
			}

			pageToken = ""
			e.opts.Logger.Debug().Str("session_id", e.sessionID).Dur("interval", e.opts.PollingInterval).Msg("polling sleep")
			if err := e.pf.Sleep(ctx, e.opts.PollingInterval); err != nil {
				yield(activity.Activity{}, err)
				return
			}
		}
	}
}

// Stream replays local history, then continues as Updates, carrying the
// watermark across so the live phase never re-yields a replayed activity.
func (e *Engine) Stream(ctx context.Context) iter.Seq2[activity.Activity, error] {
	return func(yield func(activity.Activity, error) bool) {
		w, all, err := e.localWatermark(ctx)
		if err != nil {
			yield(activity.Activity{}, err)
			return
		}
		for _, a := range all {
			if !yield(a, nil) {
				return
			}
		}

		for a, err := range e.updatesFrom(ctx, w) {
			if !yield(a, err) {
				return
			}
			if err != nil {
				return
			}
		}
	}
}
