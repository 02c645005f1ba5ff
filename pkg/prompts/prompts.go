// Package prompts builds the request envelope sent to the model for each
// agent decision step. The envelope is JSON: system prompt, durable history,
// the latest user message, and whatever optional context the model requested
// on a previous step, each with a note explaining why it is present.
package prompts

import "encoding/json"

// Notes attached to requested context sections.
const (
	AppsNote         = "The app list below is provided because you requested running apps."
	DocsNote         = "The document list below is provided because you requested open documents."
	StoredValuesNote = "The stored values below are provided because you requested stored values."
)

// HistoryItem is one prior turn in the envelope.
type HistoryItem struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// DocsInfo is the open-document context supplied after a list_docs action.
type DocsInfo struct {
	OpenDocuments  []string `json:"open_documents"`
	ActiveDocument string   `json:"active_document,omitempty"`
}

// ValueInfo is one stored-value descriptor supplied after list_app_values.
// It deliberately carries no value content.
type ValueInfo struct {
	Key         string `json:"key"`
	Description string `json:"description"`
}

// Envelope is the full model request.
type Envelope struct {
	System     string        `json:"system"`
	History    []HistoryItem `json:"history"`
	LatestUser string        `json:"latest_user"`

	Apps     []string `json:"apps,omitempty"`
	AppsNote string   `json:"apps_note,omitempty"`

	OpenDocuments  []string `json:"open_documents,omitempty"`
	ActiveDocument string   `json:"active_document,omitempty"`
	DocsNote       string   `json:"docs_note,omitempty"`

	StoredValues     []ValueInfo `json:"stored_values,omitempty"`
	StoredValuesNote string      `json:"stored_values_note,omitempty"`

	ParseErrorNote string `json:"parse_error_note,omitempty"`
}

// Build renders the envelope for one model call. Optional sections are
// included only when their payload is non-nil, each with its note set.
func Build(history []HistoryItem, latestUser string, apps []string, docs *DocsInfo, values []ValueInfo) string {
	env := Envelope{
		System:     SystemPrompt,
		History:    history,
		LatestUser: latestUser,
	}
	if apps != nil {
		env.Apps = apps
		env.AppsNote = AppsNote
	}
	if docs != nil {
		env.OpenDocuments = docs.OpenDocuments
		env.ActiveDocument = docs.ActiveDocument
		env.DocsNote = DocsNote
	}
	if values != nil {
		env.StoredValues = values
		env.StoredValuesNote = StoredValuesNote
	}
	return render(env)
}

// BuildCorrective re-renders an envelope with a parse-error note after the
// model produced an unparseable action. Used for the single corrective retry.
func BuildCorrective(env string, parseErr string) string {
	var parsed Envelope
	if err := json.Unmarshal([]byte(env), &parsed); err != nil {
		parsed = Envelope{System: SystemPrompt, LatestUser: env}
	}
	parsed.ParseErrorNote = "Your previous reply could not be parsed as an action (" + parseErr +
		"). Reply with exactly one JSON object in the documented action format."
	return render(parsed)
}

func render(env Envelope) string {
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}
