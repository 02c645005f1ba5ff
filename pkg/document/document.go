// Package document implements the replicated coordination document shared by
// the host process and the rendering processes. All cross-process state flows
// through it: open editor documents, chat history, app instances, pending
// privileged requests, and stored values.
//
// Replication is operation-based. Every mutation is recorded as a typed Op
// carrying a Lamport clock and the writing actor; ops are idempotent
// (deduplicated by id) and merge deterministically in any delivery order.
// Scalar cells resolve last-writer-wins by stamp, the chat history interleaves
// concurrent appends by stamp order, never by overwrite.
package document

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Document is one replica of the shared coordination document.
// All methods are safe for concurrent use.
type Document struct {
	mu    sync.Mutex
	actor string

	clock   uint64
	version uint64

	docs    map[string]TextDocument
	active  string
	history []chatEntry
	apps    map[string]AppInstance
	reqs    map[string]*PendingRequest
	values  map[string]*valueEntry
	exit    bool

	stamps  map[string]Stamp
	applied map[string]struct{}
	gone    map[string]struct{}

	subs    map[int]func(uint64)
	nextSub int
	commits []func([]Op)
}

type chatEntry struct {
	turn Turn
	at   Stamp
}

// valueEntry tracks a stored value together with the stamps that decide its
// merged description: the earliest creating write fixes the description, an
// explicit description update (latest wins) overrides it.
type valueEntry struct {
	value    string
	version  uint64
	valAt    Stamp
	firstAt  *Stamp
	first    string
	overAt   *Stamp
	override string
}

func (v *valueEntry) description() string {
	if v.overAt != nil {
		return v.override
	}
	return v.first
}

// New creates an empty replica identified by actor. Actor ids must be unique
// per process; they break ties between concurrent writes.
func New(actor string) *Document {
	return &Document{
		actor:   actor,
		docs:    make(map[string]TextDocument),
		apps:    make(map[string]AppInstance),
		reqs:    make(map[string]*PendingRequest),
		values:  make(map[string]*valueEntry),
		stamps:  make(map[string]Stamp),
		applied: make(map[string]struct{}),
		gone:    make(map[string]struct{}),
		subs:    make(map[int]func(uint64)),
	}
}

// Actor returns this replica's actor id.
func (d *Document) Actor() string { return d.actor }

// Version returns the current local version.
func (d *Document) Version() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

// Apply runs mutator inside a transaction and commits the recorded ops as one
// atomic version bump. It returns the new version. Mutators must not block;
// long-running work (model calls) belongs outside the lock, bracketed by a
// request write and a later response write.
func (d *Document) Apply(mutator func(*Tx)) uint64 {
	d.mu.Lock()
	tx := &Tx{doc: d}
	mutator(tx)

	var version uint64
	var batch []Op
	var notify []func(uint64)
	var commits []func([]Op)

	if len(tx.ops) > 0 {
		d.version++
		batch = tx.ops
		commits = append(commits, d.commits...)
	}
	version = d.version
	for _, fn := range d.subs {
		notify = append(notify, fn)
	}
	d.mu.Unlock()

	if len(batch) > 0 {
		for _, fn := range commits {
			fn(batch)
		}
		for _, fn := range notify {
			fn(version)
		}
	}
	return version
}

// ApplyRemote merges ops received from another replica. Already-seen ops are
// ignored, so at-least-once delivery is safe. Returns the new version.
func (d *Document) ApplyRemote(ops []Op) uint64 {
	d.mu.Lock()
	merged := false
	for _, op := range ops {
		if _, seen := d.applied[op.ID]; seen {
			continue
		}
		d.applied[op.ID] = struct{}{}
		if op.Clock > d.clock {
			d.clock = op.Clock
		}
		d.applyOp(op)
		merged = true
	}
	var notify []func(uint64)
	if merged {
		d.version++
	}
	version := d.version
	for _, fn := range d.subs {
		notify = append(notify, fn)
	}
	d.mu.Unlock()

	if merged {
		for _, fn := range notify {
			fn(version)
		}
	}
	return version
}

// Snapshot returns an immutable point-in-time copy of the document state.
func (d *Document) Snapshot() State {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := State{
		Documents:      make(map[string]TextDocument, len(d.docs)),
		ActiveDocument: d.active,
		History:        make([]Turn, len(d.history)),
		Apps:           make(map[string]AppInstance, len(d.apps)),
		Requests:       make(map[string]PendingRequest, len(d.reqs)),
		Values:         make(map[string]StoredValue, len(d.values)),
		ShouldExit:     d.exit,
	}
	for uri, doc := range d.docs {
		st.Documents[uri] = doc
	}
	for i, entry := range d.history {
		st.History[i] = entry.turn
	}
	for id, app := range d.apps {
		st.Apps[id] = app
	}
	for id, req := range d.reqs {
		st.Requests[id] = *req
	}
	for key, v := range d.values {
		st.Values[key] = StoredValue{
			Key:         key,
			Value:       v.value,
			Description: v.description(),
			Version:     v.version,
		}
	}
	return st
}

// Subscribe registers fn to be called with the new version after every
// successful local or remote mutation. The returned function cancels the
// subscription. Callbacks run outside the document lock.
func (d *Document) Subscribe(fn func(version uint64)) (cancel func()) {
	d.mu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.subs, id)
		d.mu.Unlock()
	}
}

// OnCommit registers fn to receive every locally committed op batch. The
// replicator uses this to broadcast local mutations; remote merges do not
// trigger it, which keeps ops from echoing back and forth.
func (d *Document) OnCommit(fn func(ops []Op)) {
	d.mu.Lock()
	d.commits = append(d.commits, fn)
	d.mu.Unlock()
}

// Tx records mutations inside one Apply call.
type Tx struct {
	doc *Document
	ops []Op
}

func (tx *Tx) record(op Op) {
	tx.doc.clock++
	op.ID = ulid.Make().String()
	op.Actor = tx.doc.actor
	op.Clock = tx.doc.clock
	tx.doc.applied[op.ID] = struct{}{}
	tx.doc.applyOp(op)
	tx.ops = append(tx.ops, op)
}

// PutDocument records an open editor document's identifier and text.
func (tx *Tx) PutDocument(uri, text string) {
	tx.record(Op{Kind: OpPutDocument, URI: uri, Text: text})
}

// RemoveDocument drops a closed editor document.
func (tx *Tx) RemoveDocument(uri string) {
	tx.record(Op{Kind: OpRemoveDocument, URI: uri})
}

// SetActiveDocument records the currently focused document identifier.
func (tx *Tx) SetActiveDocument(uri string) {
	tx.record(Op{Kind: OpSetActiveDocument, URI: uri})
}

// AppendTurn appends a chat turn. Concurrent appends from different replicas
// are both preserved, interleaved by stamp order.
func (tx *Tx) AppendTurn(role Role, content string) {
	tx.record(Op{Kind: OpAppendTurn, Role: role, Content: content})
}

// PutApp records a newly launched app instance.
func (tx *Tx) PutApp(app AppInstance) {
	if app.CreatedAt.IsZero() {
		app.CreatedAt = time.Now().UTC()
	}
	tx.record(Op{Kind: OpPutApp, App: &app})
}

// RemoveApp drops a torn-down app instance.
func (tx *Tx) RemoveApp(id string) {
	tx.record(Op{Kind: OpRemoveApp, Key: id})
}

// PutRequest files a new pending request. Status is forced to pending; the
// arrival stamp is assigned during merge so every replica agrees on
// submission order.
func (tx *Tx) PutRequest(req PendingRequest) {
	req.Status = StatusPending
	req.Response = ""
	tx.record(Op{Kind: OpPutRequest, Request: &req})
}

// AnswerRequest writes the host's response for a pending request.
func (tx *Tx) AnswerRequest(id, response string) {
	tx.record(Op{Kind: OpAnswerRequest, RequestID: id, Response: response})
}

// AbandonRequest marks a request abandoned (timeout or app teardown).
func (tx *Tx) AbandonRequest(id string) {
	tx.record(Op{Kind: OpAbandonRequest, RequestID: id})
}

// RemoveRequest garbage-collects a consumed request.
func (tx *Tx) RemoveRequest(id string) {
	tx.record(Op{Kind: OpRemoveRequest, RequestID: id})
}

// StoreValue creates or updates a stored value. On update the existing
// description is preserved; it only changes through SetDescription.
func (tx *Tx) StoreValue(key, value, description string) {
	tx.record(Op{Kind: OpPutValue, Key: key, Value: value, Description: description})
}

// SetDescription is the explicit description-update path.
func (tx *Tx) SetDescription(key, description string) {
	tx.record(Op{Kind: OpSetDescription, Key: key, Description: description})
}

// SetShouldExit signals coordinated shutdown to every process.
func (tx *Tx) SetShouldExit(exit bool) {
	tx.record(Op{Kind: OpSetShouldExit, Exit: exit})
}
