package document

import (
	"reflect"
	"testing"
)

// capture collects every locally committed op batch so tests can replay
// them into other replicas in arbitrary orders.
func capture(doc *Document) *[]Op {
	var ops []Op
	doc.OnCommit(func(batch []Op) {
		ops = append(ops, batch...)
	})
	return &ops
}

func TestDocument_LocalMutations(t *testing.T) {
	doc := New("a")

	doc.Apply(func(tx *Tx) {
		tx.PutDocument("file:///main.go", "package main")
		tx.SetActiveDocument("file:///main.go")
		tx.AppendTurn(RoleUser, "hello")
		tx.AppendTurn(RoleAssistant, "hi")
	})

	snap := doc.Snapshot()
	if got := snap.Documents["file:///main.go"].Text; got != "package main" {
		t.Errorf("document text = %q", got)
	}
	if snap.ActiveDocument != "file:///main.go" {
		t.Errorf("active = %q", snap.ActiveDocument)
	}
	if len(snap.History) != 2 || snap.History[0].Content != "hello" || snap.History[1].Content != "hi" {
		t.Errorf("history = %+v", snap.History)
	}
}

func TestDocument_RemoteMergeConverges(t *testing.T) {
	a := New("a")
	b := New("b")
	aOps := capture(a)
	bOps := capture(b)

	a.Apply(func(tx *Tx) { tx.PutDocument("file:///x", "from a") })
	b.Apply(func(tx *Tx) { tx.PutDocument("file:///x", "from b") })

	// Deliver in opposite orders.
	a.ApplyRemote(*bOps)
	b.ApplyRemote(*aOps)

	sa := a.Snapshot()
	sb := b.Snapshot()
	if sa.Documents["file:///x"].Text != sb.Documents["file:///x"].Text {
		t.Errorf("replicas diverged: %q vs %q",
			sa.Documents["file:///x"].Text, sb.Documents["file:///x"].Text)
	}
}

func TestDocument_MergeIdempotent(t *testing.T) {
	a := New("a")
	b := New("b")
	aOps := capture(a)

	a.Apply(func(tx *Tx) {
		tx.PutDocument("file:///x", "text")
		tx.AppendTurn(RoleUser, "hello")
	})

	b.ApplyRemote(*aOps)
	before := b.Snapshot()
	// At-least-once delivery replays the same batch.
	b.ApplyRemote(*aOps)
	after := b.Snapshot()

	if !reflect.DeepEqual(before.History, after.History) {
		t.Errorf("history changed on replay: %+v vs %+v", before.History, after.History)
	}
	if len(after.History) != 1 {
		t.Errorf("expected one turn, got %d", len(after.History))
	}
}

func TestDocument_HistoryInterleavesConcurrentAppends(t *testing.T) {
	a := New("a")
	b := New("b")
	aOps := capture(a)
	bOps := capture(b)

	a.Apply(func(tx *Tx) { tx.AppendTurn(RoleUser, "from a") })
	b.Apply(func(tx *Tx) { tx.AppendTurn(RoleAssistant, "from b") })

	a.ApplyRemote(*bOps)
	b.ApplyRemote(*aOps)

	sa := a.Snapshot()
	sb := b.Snapshot()
	if len(sa.History) != 2 || len(sb.History) != 2 {
		t.Fatalf("expected both turns on both replicas, got %d and %d",
			len(sa.History), len(sb.History))
	}
	if !reflect.DeepEqual(sa.History, sb.History) {
		t.Errorf("history order diverged: %+v vs %+v", sa.History, sb.History)
	}
}

func TestDocument_RequestArrivalOrderAgrees(t *testing.T) {
	a := New("a")
	b := New("b")
	aOps := capture(a)
	bOps := capture(b)

	a.Apply(func(tx *Tx) {
		tx.PutRequest(PendingRequest{ID: "r1", Kind: KindInference, AppID: "app1", Payload: "p1"})
	})
	b.Apply(func(tx *Tx) {
		tx.PutRequest(PendingRequest{ID: "r2", Kind: KindInference, AppID: "app2", Payload: "p2"})
	})

	a.ApplyRemote(*bOps)
	b.ApplyRemote(*aOps)

	orderA := ids(a.Snapshot().PendingByKind(KindInference))
	orderB := ids(b.Snapshot().PendingByKind(KindInference))
	if !reflect.DeepEqual(orderA, orderB) {
		t.Errorf("arrival order diverged: %v vs %v", orderA, orderB)
	}
	if len(orderA) != 2 {
		t.Errorf("expected 2 pending, got %v", orderA)
	}
}

func ids(reqs []PendingRequest) []string {
	out := make([]string, len(reqs))
	for i, r := range reqs {
		out[i] = r.ID
	}
	return out
}

func TestDocument_AnswerAbandonRaceConverges(t *testing.T) {
	origin := New("origin")
	originOps := capture(origin)
	origin.Apply(func(tx *Tx) {
		tx.PutRequest(PendingRequest{ID: "r1", Kind: KindInference, AppID: "app1", Payload: "p"})
	})

	a := New("a")
	b := New("b")
	aOps := capture(a)
	bOps := capture(b)
	a.ApplyRemote(*originOps)
	b.ApplyRemote(*originOps)

	// One replica answers while the other abandons.
	a.Apply(func(tx *Tx) { tx.AnswerRequest("r1", "reply") })
	b.Apply(func(tx *Tx) { tx.AbandonRequest("r1") })

	a.ApplyRemote(*bOps)
	b.ApplyRemote(*aOps)

	ra := a.Snapshot().Requests["r1"]
	rb := b.Snapshot().Requests["r1"]
	if ra.Status != rb.Status {
		t.Errorf("status diverged: %s vs %s", ra.Status, rb.Status)
	}
	if ra.Status == StatusPending {
		t.Error("status reverted to pending")
	}
}

func TestDocument_StatusNeverRevertsToPending(t *testing.T) {
	doc := New("a")
	doc.Apply(func(tx *Tx) {
		tx.PutRequest(PendingRequest{ID: "r1", Kind: KindStoreRead, AppID: "app1", Payload: "k"})
	})
	doc.Apply(func(tx *Tx) { tx.AnswerRequest("r1", "v") })

	// A duplicate creation op for the same id arrives late.
	doc.ApplyRemote([]Op{{
		ID:      "late-create",
		Actor:   "b",
		Clock:   1,
		Kind:    OpPutRequest,
		Request: &PendingRequest{ID: "r1", Kind: KindStoreRead, AppID: "app1", Payload: "k"},
	}})

	req := doc.Snapshot().Requests["r1"]
	if req.Status != StatusAnswered || req.Response != "v" {
		t.Errorf("request regressed: %+v", req)
	}
}

func TestDocument_RemovedRequestStaysGone(t *testing.T) {
	doc := New("a")
	doc.Apply(func(tx *Tx) {
		tx.PutRequest(PendingRequest{ID: "r1", Kind: KindStoreRead, AppID: "app1", Payload: "k"})
	})
	doc.Apply(func(tx *Tx) {
		tx.AnswerRequest("r1", "v")
		tx.RemoveRequest("r1")
	})

	// The original creation op is redelivered after collection.
	doc.ApplyRemote([]Op{{
		ID:      "replayed-create",
		Actor:   "b",
		Clock:   1,
		Kind:    OpPutRequest,
		Request: &PendingRequest{ID: "r1", Kind: KindStoreRead, AppID: "app1", Payload: "k"},
	}})

	if _, ok := doc.Snapshot().Requests["r1"]; ok {
		t.Error("collected request resurrected")
	}
}

func TestDocument_ValueDescriptionFixedAtCreation(t *testing.T) {
	a := New("a")
	b := New("b")
	aOps := capture(a)
	bOps := capture(b)

	// Concurrent creations with different descriptions.
	a.Apply(func(tx *Tx) { tx.StoreValue("shared", "1", "first description") })
	b.Apply(func(tx *Tx) { tx.StoreValue("shared", "2", "second description") })

	a.ApplyRemote(*bOps)
	b.ApplyRemote(*aOps)

	va := a.Snapshot().Values["shared"]
	vb := b.Snapshot().Values["shared"]
	if va.Description != vb.Description {
		t.Errorf("descriptions diverged: %q vs %q", va.Description, vb.Description)
	}
	if va.Value != vb.Value {
		t.Errorf("values diverged: %q vs %q", va.Value, vb.Value)
	}

	// A later value update never touches the description.
	a.Apply(func(tx *Tx) { tx.StoreValue("shared", "3", "sneaky rewrite") })
	got := a.Snapshot().Values["shared"]
	if got.Value != "3" {
		t.Errorf("value = %q, want 3", got.Value)
	}
	if got.Description != va.Description {
		t.Errorf("update changed description: %q -> %q", va.Description, got.Description)
	}
}

func TestDocument_SetDescriptionOverrides(t *testing.T) {
	doc := New("a")
	doc.Apply(func(tx *Tx) { tx.StoreValue("k", "v", "original") })
	doc.Apply(func(tx *Tx) { tx.SetDescription("k", "rewritten") })

	if got := doc.Snapshot().Values["k"].Description; got != "rewritten" {
		t.Errorf("description = %q", got)
	}
}

func TestDocument_ShouldExitReplicates(t *testing.T) {
	a := New("a")
	b := New("b")
	aOps := capture(a)

	a.Apply(func(tx *Tx) { tx.SetShouldExit(true) })
	b.ApplyRemote(*aOps)

	if !b.Snapshot().ShouldExit {
		t.Error("exit flag did not replicate")
	}
}

func TestDocument_SubscribeNotifies(t *testing.T) {
	doc := New("a")
	var versions []uint64
	cancel := doc.Subscribe(func(v uint64) { versions = append(versions, v) })
	defer cancel()

	doc.Apply(func(tx *Tx) { tx.AppendTurn(RoleUser, "x") })
	doc.Apply(func(tx *Tx) { tx.AppendTurn(RoleUser, "y") })

	if len(versions) != 2 || versions[0] >= versions[1] {
		t.Errorf("versions = %v", versions)
	}
}

func TestDocument_EmptyApplyDoesNotBumpVersion(t *testing.T) {
	doc := New("a")
	before := doc.Version()
	doc.Apply(func(tx *Tx) {})
	if doc.Version() != before {
		t.Error("empty transaction bumped version")
	}
}
