package session

import (
	"context"
	"time"

	"github.com/relaycode/agentsession/activity"
	"github.com/relaycode/agentsession/resource"
)

// Snapshot is a point-in-time aggregate over a session's cached timeline
// and its current Info. The timeline comes from the cache only; Info is
// fetched from the Service when cache tiering deems it stale.
type Snapshot struct {
	SessionID      string
	State          resource.State
	ActivityCounts map[activity.Type]int
	DurationMs     int64
	Timeline       []activity.Activity
	Insights       Insights
}

// Insights are cheap, derived signals computed while walking a timeline.
// They exist to save callers from re-deriving the same facts from
// Timeline themselves, not to replace a real query layer.
type Insights struct {
	PlanApprovalsRequested int
	UserMessageCount       int
	AgentMessageCount      int
	ArtifactCount          int
}

// Snapshot drains History and combines it with the current Info into a
// single aggregate. It does not itself refresh Info from the network
// beyond what the cache tiering rule already permits.
func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	info, err := s.Info(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	var timeline []activity.Activity
	for a, err := range s.History(ctx) {
		if err != nil {
			return Snapshot{}, err
		}
		timeline = append(timeline, a)
	}

	snap := Snapshot{
		SessionID:      s.id,
		State:          info.State,
		ActivityCounts: map[activity.Type]int{},
		Timeline:       timeline,
	}
	for _, a := range timeline {
		snap.ActivityCounts[a.Type]++
		switch a.Type {
		case activity.TypePlanGenerated:
			snap.Insights.PlanApprovalsRequested++
		case activity.TypeUserMessaged:
			snap.Insights.UserMessageCount++
		case activity.TypeAgentMessaged:
			snap.Insights.AgentMessageCount++
		}
		snap.Insights.ArtifactCount += len(a.Artifacts)
	}

	if len(timeline) > 0 {
		start := timeline[0].ParsedCreateTime()
		end := timeline[len(timeline)-1].ParsedCreateTime()
		if !start.IsZero() && !end.IsZero() {
			snap.DurationMs = durationMillis(start, end)
		}
	}

	return snap, nil
}

func durationMillis(start, end time.Time) int64 {
	d := end.Sub(start)
	if d < 0 {
		return 0
	}
	return d.Milliseconds()
}
