package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ActionKind is one of the closed set of verbs the model may select.
type ActionKind string

const (
	ActionAnswer        ActionKind = "answer"
	ActionLaunchApp     ActionKind = "launch_app"
	ActionListApps      ActionKind = "list_apps"
	ActionListDocs      ActionKind = "list_docs"
	ActionListAppValues ActionKind = "list_app_values"
)

// Action is a validated model decision. Exactly the fields required by the
// variant are populated; nothing partial leaks past the parse boundary.
type Action struct {
	Kind    ActionKind
	Message string // answer
	App     string // launch_app
}

// rawAction is the unvalidated wire shape.
type rawAction struct {
	Action  string `json:"action"`
	Message string `json:"message"`
	App     string `json:"app"`
}

// ParseAction parses a model reply into an Action. The reply must be a
// single JSON object with a known action and the fields that action
// requires; anything else is rejected so the caller can issue the one
// corrective retry.
func ParseAction(reply string) (Action, error) {
	trimmed := strings.TrimSpace(stripFence(reply))
	if trimmed == "" {
		return Action{}, fmt.Errorf("empty reply")
	}

	var raw rawAction
	dec := json.NewDecoder(strings.NewReader(trimmed))
	if err := dec.Decode(&raw); err != nil {
		return Action{}, fmt.Errorf("not a JSON object: %v", err)
	}

	switch ActionKind(raw.Action) {
	case ActionAnswer:
		if raw.Message == "" {
			return Action{}, fmt.Errorf("answer action missing message")
		}
		return Action{Kind: ActionAnswer, Message: raw.Message}, nil
	case ActionLaunchApp:
		if err := validateHTMLDocument(raw.App); err != nil {
			return Action{}, fmt.Errorf("launch_app: %w", err)
		}
		return Action{Kind: ActionLaunchApp, App: raw.App}, nil
	case ActionListApps:
		return Action{Kind: ActionListApps}, nil
	case ActionListDocs:
		return Action{Kind: ActionListDocs}, nil
	case ActionListAppValues:
		return Action{Kind: ActionListAppValues}, nil
	default:
		return Action{}, fmt.Errorf("unknown action %q", raw.Action)
	}
}

// stripFence removes a surrounding markdown code fence if present; models
// habitually wrap JSON in one despite instructions.
func stripFence(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return s
	}
	t = strings.TrimPrefix(t, "```json")
	t = strings.TrimPrefix(t, "```")
	if idx := strings.LastIndex(t, "```"); idx >= 0 {
		t = t[:idx]
	}
	return t
}

// validateHTMLDocument checks the payload is a complete markup document, not
// a fragment. Agent-authored app code is otherwise taken as-is; it runs only
// inside the sandboxed rendering process.
func validateHTMLDocument(src string) error {
	lower := strings.ToLower(src)
	if strings.TrimSpace(src) == "" {
		return fmt.Errorf("empty app payload")
	}
	if !strings.Contains(lower, "<html") {
		return fmt.Errorf("app payload is not a complete HTML document")
	}
	if !strings.Contains(lower, "</html>") {
		return fmt.Errorf("app payload is missing a closing html tag")
	}
	return nil
}
