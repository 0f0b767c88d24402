// Package session implements the per-session façade: a single object
// gluing the API client, activity store, streaming engine, and cache
// tiering together.
package session

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/relaycode/agentsession/activity"
	"github.com/relaycode/agentsession/activitystore"
	"github.com/relaycode/agentsession/apiclient"
	"github.com/relaycode/agentsession/platform"
	"github.com/relaycode/agentsession/resource"
	"github.com/relaycode/agentsession/sessionstore"
	"github.com/relaycode/agentsession/stream"
	"github.com/relaycode/agentsession/tiering"

	"github.com/rs/zerolog"
)

// InvalidStateError signals an action incompatible with the session's
// current state.
type InvalidStateError struct {
	Action string
	State  resource.State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid state: cannot %s while session is %s", e.Action, e.State)
}

// AutomatedSessionFailed signals that Result observed a terminal failed
// session.
type AutomatedSessionFailed struct {
	SessionID string
	Reason    string
}

func (e *AutomatedSessionFailed) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("session %s failed: %s", e.SessionID, e.Reason)
	}
	return fmt.Sprintf("session %s failed", e.SessionID)
}

// Outcome is the terminal result returned by Result.
type Outcome struct {
	SessionID   string
	State       resource.State
	PullRequest *resource.PullRequest
	Outputs     resource.Outputs
}

// Session is the façade over one remote session.
type Session struct {
	id        string
	api       *apiclient.Client
	as        activitystore.Store
	ss        sessionstore.Store
	pf        platform.Platform
	eng       *stream.Engine
	log       zerolog.Logger
	pollEvery time.Duration
}

// Config holds the pieces needed to construct a Session. All fields are
// required except Logger, which defaults to a no-op logger.
type Config struct {
	ID            string
	API           *apiclient.Client
	ActivityStore activitystore.Store
	SessionStore  sessionstore.Store
	Platform      platform.Platform
	StreamOptions stream.Options
	Logger        zerolog.Logger
}

// New constructs a Session façade. The caller must have already called
// cfg.ActivityStore.Init.
func New(cfg Config) *Session {
	eng := stream.New(cfg.ID, cfg.API, cfg.ActivityStore, cfg.Platform, cfg.StreamOptions)
	pollEvery := cfg.StreamOptions.PollingInterval
	if pollEvery == 0 {
		pollEvery = 2 * time.Second
	}
	return &Session{
		id:        cfg.ID,
		api:       cfg.API,
		as:        cfg.ActivityStore,
		ss:        cfg.SessionStore,
		pf:        cfg.Platform,
		eng:       eng,
		log:       cfg.Logger,
		pollEvery: pollEvery,
	}
}

// ID returns the session's identifier.
func (s *Session) ID() string { return s.id }

// Info returns the session resource, refetching from the Service only when
// cache tiering deems the cached copy stale.
func (s *Session) Info(ctx context.Context) (resource.Session, error) {
	cached, ok, err := s.ss.Get(ctx, s.id)
	if err != nil {
		return resource.Session{}, err
	}
	if ok && tiering.IsValid(cached, s.pf.Now()) {
		return cached.Resource, nil
	}

	var sess resource.Session
	if err := s.api.GetSession(ctx, s.id, &sess); err != nil {
		return resource.Session{}, err
	}
	syncedAt := s.pf.Now().UnixMilli()
	if err := s.ss.Upsert(ctx, sess, syncedAt); err != nil {
		return resource.Session{}, err
	}
	return sess, nil
}

// History replays the locally cached activity timeline.
func (s *Session) History(ctx context.Context) iter.Seq2[activity.Activity, error] {
	return s.eng.History(ctx)
}

// Updates yields only activities newer than the local watermark, polling
// indefinitely.
func (s *Session) Updates(ctx context.Context) iter.Seq2[activity.Activity, error] {
	return s.eng.Updates(ctx)
}

// Stream replays history then continues live.
func (s *Session) Stream(ctx context.Context) iter.Seq2[activity.Activity, error] {
	return s.eng.Stream(ctx)
}

// Hydrate drains Updates until one full polling interval passes with no new
// activity, returning the count of newly persisted activities. It runs the
// engine in a background goroutine and stops it once no new activity has
// arrived for one polling interval, since Updates itself never ends on its
// own.
func (s *Session) Hydrate(ctx context.Context) (int, error) {
	if hwm, ok, err := s.ss.GetActivityHighWaterMark(ctx, s.id); err == nil && ok {
		s.log.Debug().Str("session_id", s.id).Str("high_water_mark", hwm).Msg("hydrate starting above cached watermark")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type item struct {
		a   activity.Activity
		err error
	}
	items := make(chan item)
	go func() {
		defer close(items)
		for a, err := range s.eng.Updates(runCtx) {
			select {
			case items <- item{a, err}:
			case <-runCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	count := 0
	timer := time.NewTimer(s.pollEvery)
	defer timer.Stop()
	for {
		select {
		case it, ok := <-items:
			if !ok {
				s.persistHighWaterMark(ctx, count)
				return count, nil
			}
			if it.err != nil {
				if runCtx.Err() != nil {
					s.persistHighWaterMark(ctx, count)
					return count, nil
				}
				return count, it.err
			}
			count++
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(s.pollEvery)
		case <-timer.C:
			s.persistHighWaterMark(ctx, count)
			return count, nil
		case <-ctx.Done():
			return count, ctx.Err()
		}
	}
}

// persistHighWaterMark records the activity store's current high-water mark
// against the session's cached index entry once a drain has admitted at
// least one activity. Best-effort: a failure here doesn't invalidate the
// count Hydrate already observed, so it's logged rather than returned.
func (s *Session) persistHighWaterMark(ctx context.Context, admitted int) {
	if admitted == 0 {
		return
	}
	latest, ok, err := s.as.Latest(ctx)
	if err != nil || !ok {
		return
	}
	count, err := s.as.Count(ctx)
	if err != nil {
		return
	}
	if err := s.ss.SetActivityHighWaterMark(ctx, s.id, latest.CreateTime, count); err != nil {
		s.log.Warn().Err(err).Str("session_id", s.id).Msg("failed to persist activity high-water mark")
	}
}

// Result blocks until the session reaches a terminal state.
func (s *Session) Result(ctx context.Context) (Outcome, error) {
	for {
		info, err := s.Info(ctx)
		if err != nil {
			return Outcome{}, err
		}
		if info.State.IsTerminal() {
			if info.State == resource.StateFailed {
				return Outcome{SessionID: s.id, State: info.State, Outputs: info.Outputs},
					&AutomatedSessionFailed{SessionID: s.id}
			}
			return Outcome{
				SessionID:   s.id,
				State:       info.State,
				PullRequest: info.Outputs.PullRequest,
				Outputs:     info.Outputs,
			}, nil
		}

		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		default:
		}
		if err := s.pf.Sleep(ctx, s.pollEvery); err != nil {
			return Outcome{}, err
		}
	}
}

// Message posts a user message to the session.
func (s *Session) Message(ctx context.Context, text string) error {
	return s.api.SendMessage(ctx, s.id, text)
}

// ApprovePlan approves a generated plan, rejecting with InvalidStateError
// unless the session is currently awaiting approval.
func (s *Session) ApprovePlan(ctx context.Context, planID string) error {
	info, err := s.Info(ctx)
	if err != nil {
		return err
	}
	if info.State != resource.StateAwaitingPlanApproval {
		return &InvalidStateError{Action: "approve plan", State: info.State}
	}
	return s.api.ApprovePlan(ctx, s.id, planID)
}
