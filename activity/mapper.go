package activity

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MapError signals a REST activity or artifact shape the mapper does not
// recognize.
type MapError struct {
	Context string
	Raw     json.RawMessage
}

func (e *MapError) Error() string {
	return fmt.Sprintf("map error: unrecognized %s shape: %s", e.Context, string(e.Raw))
}

// rawActivity mirrors the union-shaped REST payload: every field is
// optional, and presence of a sibling field selects the variant.
type rawActivity struct {
	Name       string          `json:"name"`
	CreateTime string          `json:"createTime"`
	Originator string          `json:"originator"`
	Artifacts  []rawArtifact   `json:"artifacts"`

	AgentMessaged *struct {
		Message string `json:"message"`
	} `json:"agentMessaged"`
	UserMessaged *struct {
		Message string `json:"message"`
	} `json:"userMessaged"`
	PlanGenerated *struct {
		Plan Plan `json:"plan"`
	} `json:"planGenerated"`
	PlanApproved *struct {
		PlanID string `json:"planId"`
	} `json:"planApproved"`
	ProgressUpdated *struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	} `json:"progressUpdated"`
	SessionCompleted *struct{} `json:"sessionCompleted"`
	SessionFailed    *struct {
		Reason string `json:"reason"`
	} `json:"sessionFailed"`
}

type rawArtifact struct {
	ChangeSet  *ChangeSet  `json:"changeSet"`
	Media      *Media      `json:"media"`
	BashOutput *BashOutput `json:"bashOutput"`
}

// idFromName extracts the trailing path segment of a resource name, e.g.
// "sessions/abc/activities/123" -> "123".
func idFromName(name string) string {
	idx := strings.LastIndex(name, "/")
	if idx < 0 {
		return name
	}
	return name[idx+1:]
}

// MapActivity transforms one raw REST activity record into the tagged
// Activity type. The detection order below is fixed so that future API
// fields (only one of which should ever be present at a time) never change
// which variant an existing payload maps to.
func MapActivity(raw json.RawMessage) (Activity, error) {
	var ra rawActivity
	if err := json.Unmarshal(raw, &ra); err != nil {
		return Activity{}, &MapError{Context: "activity", Raw: raw}
	}

	a := Activity{
		ID:         idFromName(ra.Name),
		CreateTime: ra.CreateTime,
		Originator: Originator(ra.Originator),
	}
	if a.Originator == "" {
		a.Originator = OriginatorSystem
	}

	switch {
	case ra.AgentMessaged != nil:
		a.Type = TypeAgentMessaged
		a.Message = ra.AgentMessaged.Message
	case ra.UserMessaged != nil:
		a.Type = TypeUserMessaged
		a.Message = ra.UserMessaged.Message
	case ra.PlanGenerated != nil:
		a.Type = TypePlanGenerated
		plan := ra.PlanGenerated.Plan
		a.Plan = &plan
	case ra.PlanApproved != nil:
		a.Type = TypePlanApproved
		a.PlanID = ra.PlanApproved.PlanID
	case ra.ProgressUpdated != nil:
		a.Type = TypeProgressUpdated
		a.Title = ra.ProgressUpdated.Title
		a.Description = ra.ProgressUpdated.Description
	case ra.SessionCompleted != nil:
		a.Type = TypeSessionCompleted
	case ra.SessionFailed != nil:
		a.Type = TypeSessionFailed
		a.Reason = ra.SessionFailed.Reason
	default:
		return Activity{}, &MapError{Context: "activity", Raw: raw}
	}

	for _, ra := range ra.Artifacts {
		art, err := mapArtifact(ra)
		if err != nil {
			return Activity{}, err
		}
		a.Artifacts = append(a.Artifacts, art)
	}

	return a, nil
}

func mapArtifact(ra rawArtifact) (Artifact, error) {
	switch {
	case ra.ChangeSet != nil:
		return Artifact{Type: ArtifactChangeSet, ChangeSet: ra.ChangeSet}, nil
	case ra.Media != nil:
		return Artifact{Type: ArtifactMedia, Media: ra.Media}, nil
	case ra.BashOutput != nil:
		return Artifact{Type: ArtifactBashOutput, BashOutput: ra.BashOutput}, nil
	default:
		b, _ := json.Marshal(ra)
		return Artifact{}, &MapError{Context: "artifact", Raw: b}
	}
}
