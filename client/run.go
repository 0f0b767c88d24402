package client

import (
	"context"
	"iter"

	"github.com/relaycode/agentsession/activity"
	"github.com/relaycode/agentsession/session"
)

// RunHandle exposes two independent views over the same session created by
// Run: a one-shot Result and a live Stream. This is plain sugar for two
// methods on one object rather than an overloaded promise-that-is-also-an-
// iterable; callers wanting both run them concurrently.
type RunHandle struct {
	Session *session.Session
}

// Result blocks until the underlying session reaches a terminal state.
func (h *RunHandle) Result(ctx context.Context) (session.Outcome, error) {
	return h.Session.Result(ctx)
}

// Stream replays history then continues live.
func (h *RunHandle) Stream(ctx context.Context) iter.Seq2[activity.Activity, error] {
	return h.Session.Stream(ctx)
}

// Run creates a session via the Service and returns a RunHandle over it.
func (c *Client) Run(ctx context.Context, body any) (*RunHandle, error) {
	sess, err := c.NewSession(ctx, body)
	if err != nil {
		return nil, err
	}
	return &RunHandle{Session: sess}, nil
}
