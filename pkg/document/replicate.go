package document

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/odvcencio/sandbar/pkg/bus"
)

// Replicator synchronizes one Document replica over a message bus.
// Local commits are broadcast as JSON op batches; batches from other replicas
// are merged through ApplyRemote. Merge idempotence makes at-least-once
// delivery (and hearing our own broadcasts back) harmless.
type Replicator struct {
	doc     *Document
	bus     bus.MessageBus
	subject string
	sub     bus.Subscription
}

// NewReplicator wires doc to the given subject on b. Call Start to begin
// exchanging ops.
func NewReplicator(doc *Document, b bus.MessageBus, subject string) *Replicator {
	return &Replicator{doc: doc, bus: b, subject: subject}
}

// Subject returns the replication subject for a session id.
func Subject(session string) string {
	return "sandbar.doc." + session + ".ops"
}

// Start subscribes to the replication subject and begins broadcasting local
// commits. The context bounds the subscription lifetime.
func (r *Replicator) Start(ctx context.Context) error {
	sub, err := r.bus.Subscribe(ctx, r.subject, func(msg *bus.Message) {
		var ops []Op
		if err := json.Unmarshal(msg.Data, &ops); err != nil {
			return
		}
		r.doc.ApplyRemote(ops)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", r.subject, err)
	}
	r.sub = sub

	r.doc.OnCommit(func(ops []Op) {
		data, err := json.Marshal(ops)
		if err != nil {
			return
		}
		_ = r.bus.Publish(ctx, r.subject, data)
	})

	return nil
}

// Stop cancels the replication subscription.
func (r *Replicator) Stop() {
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
		r.sub = nil
	}
}
