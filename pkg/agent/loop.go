// Package agent implements the decision loop for one chat turn: invoke the
// external model, interpret its action, and either conclude the turn or
// gather the requested context and loop.
//
// Only the final answer is appended to durable chat history. Context gathered
// through list_* actions is attached to a single model call and discarded;
// stored values surface as key/description pairs only, never raw content.
package agent

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/odvcencio/sandbar/pkg/document"
	"github.com/odvcencio/sandbar/pkg/logging"
	"github.com/odvcencio/sandbar/pkg/model"
	"github.com/odvcencio/sandbar/pkg/prompts"
	"github.com/odvcencio/sandbar/pkg/telemetry"
	"github.com/odvcencio/sandbar/pkg/valuestore"
)

// History notes recorded when the model requests context mid-turn.
const (
	noteRequestedApps   = "Assistant requested info on running apps."
	noteRequestedDocs   = "Assistant requested info on open documents."
	noteRequestedValues = "Assistant requested info on stored values."
)

// Turn-failure messages surfaced as answer-shaped error turns.
const (
	msgNoActionableResponse = "No actionable response was produced. Please retry or rephrase."
	msgUnparseableReply     = "The assistant reply could not be interpreted as an action."

	msgAppsAlreadyProvided   = "App list was already provided, but the assistant requested it again without concluding."
	msgDocsAlreadyProvided   = "Document list was already provided, but the assistant requested it again without concluding."
	msgValuesAlreadyProvided = "Stored values list was already provided, but the assistant requested it again without concluding."
)

// Config bounds one turn of the loop.
type Config struct {
	// MaxIterations caps non-terminal recursion. Reaching it without a
	// terminal action is a turn failure, never an unbounded loop.
	MaxIterations int

	// Model is the hint passed to the inference client; empty uses the
	// client default.
	Model string
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{MaxIterations: 3}
}

// Spawner starts a rendering process for a newly launched app instance.
type Spawner interface {
	LaunchApp(ctx context.Context, app document.AppInstance) error
}

// Result describes the outcome of one turn.
type Result struct {
	// Message is the assistant's final answer, empty when the turn ended
	// by launching an app with nothing further to say.
	Message string
	// LaunchedApp is set when the turn launched an application.
	LaunchedApp *document.AppInstance
	// ModelCalls is the number of inference invocations spent.
	ModelCalls int
}

// Loop is the per-session decision engine.
type Loop struct {
	doc     *document.Document
	values  *valuestore.Store
	client  model.Inference
	spawner Spawner
	log     *logging.Logger
	cfg     Config
}

// New constructs a Loop. spawner may be nil when no rendering process should
// be started (tests, headless runs).
func New(doc *document.Document, values *valuestore.Store, client model.Inference, spawner Spawner, cfg Config) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg = DefaultConfig()
	}
	return &Loop{doc: doc, values: values, client: client, spawner: spawner, cfg: cfg}
}

// SetLogger attaches a structured logger.
func (l *Loop) SetLogger(log *logging.Logger) { l.log = log }

// RunTurn processes one user chat message to completion: at most
// MaxIterations model calls plus one corrective retry for a malformed reply.
// It commits the turn's durable history in a single document transaction and
// returns the outcome.
func (l *Loop) RunTurn(ctx context.Context, latestUser string) (Result, error) {
	snap := l.doc.Snapshot()

	history := make([]prompts.HistoryItem, 0, len(snap.History))
	for _, turn := range snap.History {
		history = append(history, prompts.HistoryItem{Role: string(turn.Role), Content: turn.Content})
	}

	var appsPayload []string
	var docsPayload *prompts.DocsInfo
	var valuesPayload []prompts.ValueInfo

	var fragments []document.Turn
	currentUser := latestUser
	pushedUser := false
	retried := false

	var result Result
	var finalMsg string
	var launched *document.AppInstance

steps:
	for i := 0; i < l.cfg.MaxIterations; i++ {
		envelope := prompts.Build(history, currentUser, appsPayload, docsPayload, valuesPayload)

		reply, err := l.client.Complete(ctx, envelope, l.cfg.Model)
		result.ModelCalls++
		if err != nil {
			finalMsg = fmt.Sprintf("Error: %v", err)
			break
		}

		action, perr := ParseAction(reply)
		if perr != nil {
			if retried {
				finalMsg = msgUnparseableReply
				break
			}
			retried = true
			l.logEvent(logging.LevelWarn, "parse_retry", map[string]any{"error": perr.Error()})

			reply, err = l.client.Complete(ctx, prompts.BuildCorrective(envelope, perr.Error()), l.cfg.Model)
			result.ModelCalls++
			if err != nil {
				finalMsg = fmt.Sprintf("Error: %v", err)
				break
			}
			action, perr = ParseAction(reply)
			if perr != nil {
				finalMsg = msgUnparseableReply
				break
			}
		}

		var note string
		switch action.Kind {
		case ActionAnswer:
			finalMsg = action.Message
			break steps

		case ActionLaunchApp:
			launched = &document.AppInstance{
				ID:         "app-" + uuid.NewString(),
				HTMLSource: action.App,
			}
			break steps

		case ActionListApps:
			if appsPayload != nil {
				finalMsg = msgAppsAlreadyProvided
				break steps
			}
			appsPayload = collectApps(&snap)
			note = noteRequestedApps

		case ActionListDocs:
			if docsPayload != nil {
				finalMsg = msgDocsAlreadyProvided
				break steps
			}
			docsPayload = collectDocs(&snap)
			note = noteRequestedDocs

		case ActionListAppValues:
			if valuesPayload != nil {
				finalMsg = msgValuesAlreadyProvided
				break steps
			}
			valuesPayload = collectValues(l.values)
			note = noteRequestedValues
		}

		if !pushedUser && currentUser != "" {
			fragments = append(fragments, document.Turn{Role: document.RoleUser, Content: currentUser})
			history = append(history, prompts.HistoryItem{Role: string(document.RoleUser), Content: currentUser})
			currentUser = ""
			pushedUser = true
		}
		fragments = append(fragments, document.Turn{Role: document.RoleAssistant, Content: note})
		history = append(history, prompts.HistoryItem{Role: string(document.RoleAssistant), Content: note})
	}

	if finalMsg == "" && launched == nil {
		finalMsg = msgNoActionableResponse
	}

	l.doc.Apply(func(tx *document.Tx) {
		for _, frag := range fragments {
			tx.AppendTurn(frag.Role, frag.Content)
		}
		if !pushedUser && latestUser != "" {
			tx.AppendTurn(document.RoleUser, latestUser)
		}
		if finalMsg != "" {
			tx.AppendTurn(document.RoleAssistant, finalMsg)
		}
		if launched != nil {
			tx.PutApp(*launched)
		}
	})

	result.Message = finalMsg
	result.LaunchedApp = launched

	if launched != nil && l.spawner != nil {
		if err := l.spawner.LaunchApp(ctx, *launched); err != nil {
			l.logEvent(logging.LevelError, "spawn_failed", map[string]any{
				"app_id": launched.ID,
				"error":  err.Error(),
			})
			return result, fmt.Errorf("spawning app %s: %w", launched.ID, err)
		}
	}

	switch {
	case launched != nil:
		telemetry.ObserveAgentTurn("launch")
	case finalMsg == msgNoActionableResponse || finalMsg == msgUnparseableReply:
		telemetry.ObserveAgentTurn("failure")
	default:
		telemetry.ObserveAgentTurn("answer")
	}
	l.logEvent(logging.LevelInfo, "turn_done", map[string]any{
		"model_calls": result.ModelCalls,
		"launched":    launched != nil,
	})
	return result, nil
}

func (l *Loop) logEvent(level logging.Level, eventType string, details map[string]any) {
	if l.log == nil {
		return
	}
	_ = l.log.Log(logging.Event{
		Level:     level,
		Category:  logging.CategoryAgent,
		EventType: eventType,
		Details:   details,
	})
}

func collectApps(snap *document.State) []string {
	sources := make([]string, 0, len(snap.Apps))
	for _, id := range appIDs(snap) {
		sources = append(sources, snap.Apps[id].HTMLSource)
	}
	return sources
}

func appIDs(snap *document.State) []string {
	ids := make([]string, 0, len(snap.Apps))
	for id := range snap.Apps {
		ids = append(ids, id)
	}
	sortStrings(ids)
	return ids
}

func collectDocs(snap *document.State) *prompts.DocsInfo {
	open := snap.OpenDocuments()
	active := snap.ActiveDocument
	if active != "" && !contains(open, active) {
		open = append(open, active)
	}
	return &prompts.DocsInfo{OpenDocuments: open, ActiveDocument: active}
}

func collectValues(values *valuestore.Store) []prompts.ValueInfo {
	entries := values.List()
	infos := make([]prompts.ValueInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, prompts.ValueInfo{Key: e.Key, Description: e.Description})
	}
	return infos
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func sortStrings(ss []string) {
	sort.Strings(ss)
}
