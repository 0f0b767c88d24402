package session

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/relaycode/agentsession/activity"
)

var markdownRenderer = goldmark.New(
	goldmark.WithExtensions(
		extension.GFM, // tables, strikethrough, autolinks, task lists
	),
)

// RenderTimelineHTML drains History and renders message/progress bodies
// through goldmark into an HTML fragment. It never calls the network.
func (s *Session) RenderTimelineHTML(ctx context.Context) (string, error) {
	var buf bytes.Buffer
	for a, err := range s.History(ctx) {
		if err != nil {
			return "", err
		}
		fragment, err := renderActivityHTML(a)
		if err != nil {
			return "", err
		}
		buf.WriteString(fragment)
	}
	return buf.String(), nil
}

func renderActivityHTML(a activity.Activity) (string, error) {
	var body string
	switch a.Type {
	case activity.TypeAgentMessaged, activity.TypeUserMessaged:
		body = a.Message
	case activity.TypeProgressUpdated:
		body = a.Description
	default:
		return "", nil
	}
	if strings.TrimSpace(body) == "" {
		return "", nil
	}

	var out bytes.Buffer
	if err := markdownRenderer.Convert([]byte(body), &out); err != nil {
		return fmt.Sprintf(`<div class="activity activity-%s">%s</div>`, a.Type, html.EscapeString(body)), nil
	}
	return fmt.Sprintf(`<div class="activity activity-%s">%s</div>`, a.Type, out.String()), nil
}
