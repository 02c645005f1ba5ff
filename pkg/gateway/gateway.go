// Package gateway exposes the protocol endpoints a rendering process may
// call. Every call is turned into a PendingRequest in the shared document;
// the privileged host observes the request, performs the action, and writes
// the response, which the gateway then returns to the waiting caller.
//
// The gateway never performs a privileged action itself, and a response is
// only ever surfaced to the caller that created the request.
package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/odvcencio/sandbar/pkg/document"
	"github.com/odvcencio/sandbar/pkg/logging"
	"github.com/odvcencio/sandbar/pkg/telemetry"
	"github.com/odvcencio/sandbar/pkg/valuestore"
)

// AppHeader carries the calling app instance id on every protocol request.
const AppHeader = "X-Sandbar-App"

// BusySentinel is returned with HTTP 429 when an app exceeds its pending
// request bound.
const BusySentinel = "busy"

const maxBodyBytes = 4 << 20

// Config bounds gateway behavior.
type Config struct {
	// RequestTimeout is the round-trip budget for one protocol call.
	RequestTimeout time.Duration
	// MaxPendingPerApp fails new calls fast once an app has this many
	// requests outstanding.
	MaxPendingPerApp int
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:   30 * time.Second,
		MaxPendingPerApp: 32,
	}
}

// storeValueBody is the JSON body of a store_value call.
type storeValueBody struct {
	Key         string `json:"key"`
	Value       string `json:"value"`
	Description string `json:"description"`
}

// Gateway serves the protocol endpoints over one document replica.
type Gateway struct {
	doc      *document.Document
	values   *valuestore.Store
	cfg      Config
	log      *logging.Logger
	upgrader websocket.Upgrader
}

// New constructs a Gateway. values powers the /watch change feed.
func New(doc *document.Document, values *valuestore.Store, cfg Config) *Gateway {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	if cfg.MaxPendingPerApp <= 0 {
		cfg.MaxPendingPerApp = DefaultConfig().MaxPendingPerApp
	}
	return &Gateway{
		doc:    doc,
		values: values,
		cfg:    cfg,
		// The gateway listens on loopback for the embedded surface only.
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

// SetLogger attaches a structured logger.
func (g *Gateway) SetLogger(log *logging.Logger) { g.log = log }

// Router returns the HTTP handler.
func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/inference", g.handleCall(document.KindInference))
	r.Post("/document_read", g.handleCall(document.KindDocumentRead))
	r.Post("/store_value", g.handleStoreValue)
	r.Post("/read_value", g.handleCall(document.KindStoreRead))
	r.Get("/watch", g.handleWatch)
	r.Get("/metrics", telemetry.Handler().ServeHTTP)
	return r
}

// handleCall files a request of the given kind with the raw body as payload
// and replies with the raw response text.
func (g *Gateway) handleCall(kind document.RequestKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		appID := r.Header.Get(AppHeader)
		if appID == "" {
			http.Error(w, "missing app id", http.StatusBadRequest)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		g.respond(w, r.Context(), kind, appID, string(body))
	}
}

// handleStoreValue validates the JSON body before filing the request; the
// payload still travels through the document and is re-validated by the
// host, which treats everything rendering-side as untrusted.
func (g *Gateway) handleStoreValue(w http.ResponseWriter, r *http.Request) {
	appID := r.Header.Get(AppHeader)
	if appID == "" {
		http.Error(w, "missing app id", http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	var sv storeValueBody
	if err := json.Unmarshal(body, &sv); err != nil {
		http.Error(w, "invalid store_value body", http.StatusBadRequest)
		return
	}
	if sv.Key == "" {
		http.Error(w, "missing key", http.StatusBadRequest)
		return
	}
	g.respond(w, r.Context(), document.KindStoreWrite, appID, string(body))
}

func (g *Gateway) respond(w http.ResponseWriter, ctx context.Context, kind document.RequestKind, appID, payload string) {
	resp, status := g.Call(ctx, kind, appID, payload)
	switch status {
	case CallBusy:
		telemetry.ObserveRequest(string(kind), "busy")
		http.Error(w, BusySentinel, http.StatusTooManyRequests)
	case CallTimeout:
		telemetry.ObserveRequest(string(kind), "abandoned")
		// Timeout surfaces as the empty-string sentinel, never a fault
		// inside the rendering process.
		w.WriteHeader(http.StatusOK)
	default:
		telemetry.ObserveRequest(string(kind), "answered")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, resp)
	}
}

// CallStatus classifies the outcome of one protocol call.
type CallStatus int

const (
	CallAnswered CallStatus = iota
	CallTimeout
	CallBusy
)

// Call files a PendingRequest and waits for the host's answer: a condition
// wait on document version change, not polling. On timeout the request is
// marked abandoned and the empty sentinel returned. Only this caller ever
// observes the response.
func (g *Gateway) Call(ctx context.Context, kind document.RequestKind, appID, payload string) (string, CallStatus) {
	if g.doc.Snapshot().PendingForApp(appID) >= g.cfg.MaxPendingPerApp {
		g.logEvent(logging.LevelWarn, "request_busy", appID, "", nil)
		return "", CallBusy
	}

	id := uuid.NewString()
	answered := make(chan string, 1)
	cancel := g.doc.Subscribe(func(uint64) {
		req, ok := g.doc.Snapshot().Requests[id]
		if ok && req.Status == document.StatusAnswered {
			select {
			case answered <- req.Response:
			default:
			}
		}
	})
	defer cancel()

	g.doc.Apply(func(tx *document.Tx) {
		tx.PutRequest(document.PendingRequest{
			ID:      id,
			Kind:    kind,
			AppID:   appID,
			Payload: payload,
		})
	})
	g.logEvent(logging.LevelInfo, "request_filed", appID, id, map[string]any{"kind": string(kind)})

	timer := time.NewTimer(g.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-answered:
		// Consumed; garbage-collect the request record.
		g.doc.Apply(func(tx *document.Tx) {
			tx.RemoveRequest(id)
		})
		return resp, CallAnswered
	case <-timer.C:
		g.abandon(id)
		g.logEvent(logging.LevelWarn, "request_timeout", appID, id, nil)
		return "", CallTimeout
	case <-ctx.Done():
		g.abandon(id)
		return "", CallTimeout
	}
}

func (g *Gateway) abandon(id string) {
	g.doc.Apply(func(tx *document.Tx) {
		tx.AbandonRequest(id)
	})
}

// watchEvent is one message on the /watch feed.
type watchEvent struct {
	Key string `json:"key"`
}

// handleWatch streams stored-value change notifications over a websocket.
// An optional ?key= restricts the feed to one key; the default is every key.
// Only keys are sent; an interested app reads the value through read_value.
func (g *Gateway) handleWatch(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		key = valuestore.Wildcard
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events := make(chan string, 64)
	cancel := g.values.Subscribe(key, func(changed string) {
		select {
		case events <- changed:
		default:
		}
	})
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case changed := <-events:
			if err := conn.WriteJSON(watchEvent{Key: changed}); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) logEvent(level logging.Level, eventType, appID, requestID string, details map[string]any) {
	if g.log == nil {
		return
	}
	_ = g.log.Log(logging.Event{
		Level:     level,
		Category:  logging.CategoryGateway,
		EventType: eventType,
		AppID:     appID,
		RequestID: requestID,
		Details:   details,
	})
}
