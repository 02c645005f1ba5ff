// Package host runs the privileged side of a session: it owns the primary
// document replica, answers protocol requests filed by rendering processes,
// spawns and reaps renderer processes, and drives the inference queue.
package host

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/odvcencio/sandbar/pkg/document"
	"github.com/odvcencio/sandbar/pkg/logging"
	"github.com/odvcencio/sandbar/pkg/model"
	"github.com/odvcencio/sandbar/pkg/queue"
	"github.com/odvcencio/sandbar/pkg/telemetry"
	"github.com/odvcencio/sandbar/pkg/valuestore"
)

// maxConcurrentServes bounds parallel document_read/store handlers.
const maxConcurrentServes = 8

// Config controls host behavior.
type Config struct {
	// RendererBinary is the renderer executable spawned per app; empty
	// means "sandbar-render" resolved on PATH.
	RendererBinary string
	// GatewayAddr is advertised to spawned renderers.
	GatewayAddr string
	// WorkDir holds per-app HTML files handed to renderers.
	WorkDir string
	// Model is passed through to the inference queue.
	Model string
}

// Host answers requests and manages renderer process lifecycles.
type Host struct {
	doc    *document.Document
	values *valuestore.Store
	queue  *queue.Queue
	log    *logging.Logger
	cfg    Config

	sem *semaphore.Weighted

	mu       sync.Mutex
	procs    map[string]*exec.Cmd
	inflight map[string]bool
}

// New constructs a Host. client powers the inference queue.
func New(doc *document.Document, values *valuestore.Store, client model.Inference, cfg Config) *Host {
	if cfg.RendererBinary == "" {
		cfg.RendererBinary = "sandbar-render"
	}
	q := queue.New(doc, client)
	q.Model = cfg.Model
	return &Host{
		doc:      doc,
		values:   values,
		queue:    q,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(maxConcurrentServes),
		procs:    make(map[string]*exec.Cmd),
		inflight: make(map[string]bool),
	}
}

// SetLogger attaches a structured logger.
func (h *Host) SetLogger(log *logging.Logger) {
	h.log = log
	h.queue.SetLogger(log)
}

// Run serves until ctx is canceled or the document's exit flag is raised.
// It blocks; the inference queue runs on its own goroutine.
func (h *Host) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	wake := make(chan struct{}, 1)
	unsub := h.doc.Subscribe(func(uint64) {
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	defer unsub()

	wg.Add(1)
	go func() {
		defer wg.Done()
		h.queue.Run(ctx)
	}()

	h.reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			h.killAll()
			return ctx.Err()
		case <-wake:
			if h.doc.Snapshot().ShouldExit {
				h.logEvent(logging.LevelInfo, "session_exit", "", nil)
				h.killAll()
				return nil
			}
			h.reconcile(ctx)
		}
	}
}

// reconcile serves newly pending requests, refreshes gauges, and reaps
// processes for apps no longer in the document.
func (h *Host) reconcile(ctx context.Context) {
	snap := h.doc.Snapshot()

	pending := 0
	var abandoned []string
	for _, req := range snap.Requests {
		if req.Status == document.StatusAbandoned {
			abandoned = append(abandoned, req.ID)
			continue
		}
		if req.Status == document.StatusPending {
			pending++
		}
		if req.Status != document.StatusPending || req.Kind == document.KindInference {
			continue
		}
		h.serveAsync(ctx, req)
	}
	telemetry.SetPendingRequests(pending)
	telemetry.SetRunningApps(len(snap.Apps))

	// Abandoned requests have no waiter left; collect them. Answered ones
	// are collected by the gateway when the caller consumes the response.
	if len(abandoned) > 0 {
		h.doc.Apply(func(tx *document.Tx) {
			for _, id := range abandoned {
				tx.RemoveRequest(id)
			}
		})
	}

	h.mu.Lock()
	var stale []*exec.Cmd
	for id, cmd := range h.procs {
		if _, ok := snap.Apps[id]; !ok {
			stale = append(stale, cmd)
			delete(h.procs, id)
		}
	}
	h.mu.Unlock()
	for _, cmd := range stale {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}
}

// serveAsync answers one read/write request on a bounded worker. Inference
// requests are the queue's alone.
func (h *Host) serveAsync(ctx context.Context, req document.PendingRequest) {
	h.mu.Lock()
	if h.inflight[req.ID] {
		h.mu.Unlock()
		return
	}
	h.inflight[req.ID] = true
	h.mu.Unlock()

	if err := h.sem.Acquire(ctx, 1); err != nil {
		h.mu.Lock()
		delete(h.inflight, req.ID)
		h.mu.Unlock()
		return
	}
	go func() {
		defer h.sem.Release(1)
		defer func() {
			h.mu.Lock()
			delete(h.inflight, req.ID)
			h.mu.Unlock()
		}()
		h.serve(req)
	}()
}

// serve computes the response for one request and writes the answer, unless
// the request was abandoned while we worked.
func (h *Host) serve(req document.PendingRequest) {
	var resp string
	switch req.Kind {
	case document.KindDocumentRead:
		snap := h.doc.Snapshot()
		if doc, ok := snap.Documents[req.Payload]; ok {
			resp = doc.Text
		}
	case document.KindStoreRead:
		resp = h.values.Read(req.Payload)
	case document.KindStoreWrite:
		var body struct {
			Key         string `json:"key"`
			Value       string `json:"value"`
			Description string `json:"description"`
		}
		if err := json.Unmarshal([]byte(req.Payload), &body); err != nil || body.Key == "" {
			resp = "Error: invalid store_value payload"
			break
		}
		h.values.Store(body.Key, body.Value, body.Description)
	}

	cur, ok := h.doc.Snapshot().Requests[req.ID]
	if !ok || cur.Status != document.StatusPending {
		h.logEvent(logging.LevelWarn, "late_answer_discarded", req.ID, nil)
		return
	}
	h.doc.Apply(func(tx *document.Tx) {
		tx.AnswerRequest(req.ID, resp)
	})
	h.logEvent(logging.LevelDebug, "request_served", req.ID, map[string]any{"kind": string(req.Kind)})
}

// LaunchApp writes the app's HTML to the work dir and spawns a renderer
// process for it. The renderer finds the gateway and its own identity in
// the environment.
func (h *Host) LaunchApp(ctx context.Context, app document.AppInstance) error {
	dir := h.cfg.WorkDir
	if dir == "" {
		dir = os.TempDir()
	}
	appDir := filepath.Join(dir, "apps")
	if err := os.MkdirAll(appDir, 0o755); err != nil {
		return fmt.Errorf("create app dir: %w", err)
	}
	path := filepath.Join(appDir, app.ID+".html")
	if err := os.WriteFile(path, []byte(app.HTMLSource), 0o644); err != nil {
		return fmt.Errorf("write app html: %w", err)
	}

	cmd := exec.Command(h.cfg.RendererBinary, "--app", path)
	cmd.Env = append(os.Environ(),
		"SANDBAR_APP_ID="+app.ID,
		"SANDBAR_GATEWAY=http://"+h.cfg.GatewayAddr,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn renderer: %w", err)
	}

	h.mu.Lock()
	h.procs[app.ID] = cmd
	h.mu.Unlock()
	h.logEvent(logging.LevelInfo, "app_launched", "", map[string]any{"app_id": app.ID, "pid": cmd.Process.Pid})

	go func() {
		_ = cmd.Wait()
		h.CloseApp(app.ID)
	}()
	return nil
}

// CloseApp removes the app from the document and abandons every request it
// still has outstanding, so no waiter hangs on a dead process.
func (h *Host) CloseApp(id string) {
	h.mu.Lock()
	cmd, running := h.procs[id]
	delete(h.procs, id)
	h.mu.Unlock()
	if running && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}

	snap := h.doc.Snapshot()
	if _, ok := snap.Apps[id]; !ok {
		return
	}
	h.doc.Apply(func(tx *document.Tx) {
		tx.RemoveApp(id)
		for _, req := range snap.PendingRequestsForApp(id) {
			tx.AbandonRequest(req.ID)
		}
	})
	h.logEvent(logging.LevelInfo, "app_closed", "", map[string]any{"app_id": id})
}

func (h *Host) killAll() {
	h.mu.Lock()
	procs := h.procs
	h.procs = make(map[string]*exec.Cmd)
	h.mu.Unlock()
	for _, cmd := range procs {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}
}

func (h *Host) logEvent(level logging.Level, eventType, requestID string, details map[string]any) {
	if h.log == nil {
		return
	}
	_ = h.log.Log(logging.Event{
		Level:     level,
		Category:  logging.CategoryHost,
		EventType: eventType,
		RequestID: requestID,
		Details:   details,
	})
}
