package queue

import (
	"context"
	"reflect"
	"testing"

	"github.com/odvcencio/sandbar/pkg/document"
	"github.com/odvcencio/sandbar/pkg/model"
)

func file(doc *document.Document, id, payload string) {
	doc.Apply(func(tx *document.Tx) {
		tx.PutRequest(document.PendingRequest{
			ID:      id,
			Kind:    document.KindInference,
			AppID:   "app1",
			Payload: payload,
		})
	})
}

func TestQueue_DrainAnswersInArrivalOrder(t *testing.T) {
	doc := document.New("host")
	stub := model.NewStubClient("first reply", "second reply", "third reply")
	q := New(doc, stub)

	file(doc, "r1", "prompt one")
	file(doc, "r2", "prompt two")
	file(doc, "r3", "prompt three")

	q.Drain(context.Background())

	if got := stub.Prompts; !reflect.DeepEqual(got, []string{"prompt one", "prompt two", "prompt three"}) {
		t.Errorf("prompts = %v", got)
	}
	snap := doc.Snapshot()
	for id, want := range map[string]string{
		"r1": "first reply",
		"r2": "second reply",
		"r3": "third reply",
	} {
		req := snap.Requests[id]
		if req.Status != document.StatusAnswered || req.Response != want {
			t.Errorf("%s = %s %q, want answered %q", id, req.Status, req.Response, want)
		}
	}
}

func TestQueue_PayloadPassedVerbatim(t *testing.T) {
	doc := document.New("host")
	stub := model.NewStubClient("ok")
	q := New(doc, stub)
	q.Model = "test-model"

	payload := "  raw text\nwith newlines, no wrapping  "
	file(doc, "r1", payload)
	q.Drain(context.Background())

	if stub.Prompts[0] != payload {
		t.Errorf("prompt = %q, payload was altered", stub.Prompts[0])
	}
	if stub.Models[0] != "test-model" {
		t.Errorf("model hint = %q", stub.Models[0])
	}
}

func TestQueue_ErrorBecomesReply(t *testing.T) {
	doc := document.New("host")
	stub := model.NewStubClient()
	stub.Err = context.DeadlineExceeded
	q := New(doc, stub)

	file(doc, "r1", "p")
	q.Drain(context.Background())

	req := doc.Snapshot().Requests["r1"]
	if req.Status != document.StatusAnswered {
		t.Fatalf("status = %s", req.Status)
	}
	if req.Response == "" || req.Response[:6] != "Error:" {
		t.Errorf("response = %q, want Error: prefix", req.Response)
	}
}

func TestQueue_LateAnswerDiscarded(t *testing.T) {
	doc := document.New("host")
	abandoning := &abandonClient{doc: doc, id: "r1"}
	q := New(doc, abandoning)

	file(doc, "r1", "p")
	q.Drain(context.Background())

	req := doc.Snapshot().Requests["r1"]
	if req.Status != document.StatusAbandoned {
		t.Errorf("status = %s, want abandoned", req.Status)
	}
	if req.Response != "" {
		t.Errorf("abandoned request got response %q", req.Response)
	}
}

// abandonClient abandons the request while its model call is in flight.
type abandonClient struct {
	doc *document.Document
	id  string
}

func (c *abandonClient) Complete(ctx context.Context, prompt, model string) (string, error) {
	c.doc.Apply(func(tx *document.Tx) { tx.AbandonRequest(c.id) })
	return "too late", nil
}

func (c *abandonClient) Close() error { return nil }
