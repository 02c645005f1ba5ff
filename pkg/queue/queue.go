// Package queue serializes app-originated inference requests onto the single
// external model channel: strict FIFO, one in flight at a time.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/odvcencio/sandbar/pkg/document"
	"github.com/odvcencio/sandbar/pkg/logging"
	"github.com/odvcencio/sandbar/pkg/model"
	"github.com/odvcencio/sandbar/pkg/telemetry"
)

// Queue drains pending inference requests from the shared document in
// arrival order. Request i's response is written before request i+1 begins
// processing. Payloads pass to the model verbatim; no system prompt is ever
// prepended to app-originated inference.
type Queue struct {
	doc    *document.Document
	client model.Inference
	log    *logging.Logger

	// Model is the hint passed to the inference client for app requests;
	// empty uses the client default.
	Model string
}

// New creates a Queue over doc backed by client.
func New(doc *document.Document, client model.Inference) *Queue {
	return &Queue{doc: doc, client: client}
}

// SetLogger attaches a structured logger.
func (q *Queue) SetLogger(log *logging.Logger) { q.log = log }

// Run blocks, processing inference requests until ctx is cancelled. The
// document is re-read after every response so requests filed mid-drain are
// picked up without polling.
func (q *Queue) Run(ctx context.Context) error {
	wake := make(chan struct{}, 1)
	cancel := q.doc.Subscribe(func(uint64) {
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	defer cancel()

	for {
		q.drain(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

// Drain processes every currently pending inference request, oldest first.
// Exported for host loops that manage their own scheduling.
func (q *Queue) Drain(ctx context.Context) {
	q.drain(ctx)
}

func (q *Queue) drain(ctx context.Context) {
	for ctx.Err() == nil {
		pending := q.doc.Snapshot().PendingByKind(document.KindInference)
		if len(pending) == 0 {
			return
		}
		q.process(ctx, pending[0])
	}
}

func (q *Queue) process(ctx context.Context, req document.PendingRequest) {
	start := time.Now()
	reply, err := q.client.Complete(ctx, req.Payload, q.Model)
	telemetry.ObserveInference(time.Since(start))
	if err != nil {
		reply = fmt.Sprintf("Error: %v", err)
		q.logEvent(logging.LevelError, "inference_failed", req, map[string]any{"error": err.Error()})
	}

	// The request may have been abandoned (app teardown, caller timeout)
	// while the model call was in flight; a late answer is discarded.
	current, ok := q.doc.Snapshot().Requests[req.ID]
	if !ok || current.Status != document.StatusPending {
		q.logEvent(logging.LevelWarn, "late_answer_discarded", req, nil)
		return
	}

	q.doc.Apply(func(tx *document.Tx) {
		tx.AnswerRequest(req.ID, reply)
	})
	q.logEvent(logging.LevelInfo, "inference_answered", req, nil)
}

func (q *Queue) logEvent(level logging.Level, eventType string, req document.PendingRequest, details map[string]any) {
	if q.log == nil {
		return
	}
	_ = q.log.Log(logging.Event{
		Level:     level,
		Category:  logging.CategoryQueue,
		EventType: eventType,
		AppID:     req.AppID,
		RequestID: req.ID,
		Details:   details,
	})
}
