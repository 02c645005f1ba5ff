package host

import (
	"context"
	"testing"
	"time"

	"github.com/odvcencio/sandbar/pkg/document"
	"github.com/odvcencio/sandbar/pkg/gateway"
	"github.com/odvcencio/sandbar/pkg/model"
	"github.com/odvcencio/sandbar/pkg/valuestore"
)

func startHost(t *testing.T, replies ...string) (*Host, *document.Document, *valuestore.Store, *gateway.Gateway) {
	t.Helper()
	doc := document.New("host")
	values := valuestore.New(doc)
	t.Cleanup(values.Close)

	h := New(doc, values, model.NewStubClient(replies...), Config{})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)

	gw := gateway.New(doc, values, gateway.Config{RequestTimeout: 2 * time.Second})
	return h, doc, values, gw
}

func TestHost_StoreWriteThenReadAcrossApps(t *testing.T) {
	_, _, values, gw := startHost(t)
	ctx := context.Background()

	resp, status := gw.Call(ctx, document.KindStoreWrite, "app1",
		`{"key": "shared", "value": "42", "description": "the answer"}`)
	if status != gateway.CallAnswered {
		t.Fatalf("store_write = %q, %v", resp, status)
	}

	// A different app reads what the first one wrote.
	resp, status = gw.Call(ctx, document.KindStoreRead, "app2", "shared")
	if status != gateway.CallAnswered || resp != "42" {
		t.Fatalf("store_read = %q, %v", resp, status)
	}

	list := values.List()
	if len(list) != 1 || list[0].Description != "the answer" {
		t.Errorf("List = %+v", list)
	}
}

func TestHost_DocumentRead(t *testing.T) {
	_, doc, _, gw := startHost(t)
	doc.Apply(func(tx *document.Tx) {
		tx.PutDocument("file:///main.go", "package main")
	})

	resp, status := gw.Call(context.Background(), document.KindDocumentRead, "app1", "file:///main.go")
	if status != gateway.CallAnswered || resp != "package main" {
		t.Fatalf("document_read = %q, %v", resp, status)
	}

	// An unknown document answers with the empty sentinel rather than
	// leaving the caller to time out.
	resp, status = gw.Call(context.Background(), document.KindDocumentRead, "app1", "file:///nope")
	if status != gateway.CallAnswered || resp != "" {
		t.Fatalf("missing document = %q, %v", resp, status)
	}
}

func TestHost_InferenceFlowsThroughQueue(t *testing.T) {
	_, _, _, gw := startHost(t, "model reply")

	resp, status := gw.Call(context.Background(), document.KindInference, "app1", "a prompt")
	if status != gateway.CallAnswered || resp != "model reply" {
		t.Fatalf("inference = %q, %v", resp, status)
	}
}

func TestHost_InvalidStoreWritePayload(t *testing.T) {
	_, _, values, gw := startHost(t)

	resp, status := gw.Call(context.Background(), document.KindStoreWrite, "app1", "not json")
	if status != gateway.CallAnswered {
		t.Fatalf("store_write = %v", status)
	}
	if resp == "" {
		t.Error("expected error text for invalid payload")
	}
	if len(values.List()) != 0 {
		t.Errorf("invalid payload stored: %+v", values.List())
	}
}

func TestHost_CloseAppAbandonsOutstandingRequests(t *testing.T) {
	h, doc, _, _ := startHost(t)

	doc.Apply(func(tx *document.Tx) {
		tx.PutApp(document.AppInstance{ID: "app1", HTMLSource: "<html></html>"})
		tx.PutRequest(document.PendingRequest{
			ID:      "stuck",
			Kind:    document.KindInference,
			AppID:   "app1",
			Payload: "p",
		})
	})
	h.CloseApp("app1")

	snap := doc.Snapshot()
	if _, ok := snap.Apps["app1"]; ok {
		t.Error("app still present after close")
	}
	req := snap.Requests["stuck"]
	if req.Status == document.StatusPending {
		t.Errorf("request left pending after app close: %+v", req)
	}
}

func TestHost_AbandonedRequestsCollected(t *testing.T) {
	_, doc, _, _ := startHost(t)

	doc.Apply(func(tx *document.Tx) {
		tx.PutRequest(document.PendingRequest{
			ID:      "orphan",
			Kind:    document.KindInference,
			AppID:   "app1",
			Payload: "p",
		})
		tx.AbandonRequest("orphan")
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := doc.Snapshot().Requests["orphan"]; !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("abandoned request never collected")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Removal is terminal; a replayed creation op must not resurrect it.
	doc.Apply(func(tx *document.Tx) {
		tx.PutRequest(document.PendingRequest{ID: "orphan", Kind: document.KindInference, AppID: "app1", Payload: "p"})
	})
	if _, ok := doc.Snapshot().Requests["orphan"]; ok {
		t.Error("collected request resurrected by replayed creation")
	}
}

func TestHost_ExitFlagStopsRun(t *testing.T) {
	doc := document.New("host")
	values := valuestore.New(doc)
	defer values.Close()

	h := New(doc, values, model.NewStubClient(), Config{})
	done := make(chan error, 1)
	go func() { done <- h.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	doc.Apply(func(tx *document.Tx) { tx.SetShouldExit(true) })

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on exit flag")
	}
}
