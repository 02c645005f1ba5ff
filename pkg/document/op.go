package document

// OpKind identifies a replicated mutation.
type OpKind string

const (
	OpPutDocument       OpKind = "put_document"
	OpRemoveDocument    OpKind = "remove_document"
	OpSetActiveDocument OpKind = "set_active_document"
	OpAppendTurn        OpKind = "append_turn"
	OpPutApp            OpKind = "put_app"
	OpRemoveApp         OpKind = "remove_app"
	OpPutRequest        OpKind = "put_request"
	OpAnswerRequest     OpKind = "answer_request"
	OpAbandonRequest    OpKind = "abandon_request"
	OpRemoveRequest     OpKind = "remove_request"
	OpPutValue          OpKind = "put_value"
	OpSetDescription    OpKind = "set_description"
	OpSetShouldExit     OpKind = "set_should_exit"
)

// Stamp is the replication stamp of an operation: a Lamport clock plus the
// writing actor, with the op id as a final tiebreaker. Comparing stamps gives
// a deterministic total order consistent with causality.
type Stamp struct {
	Clock uint64 `json:"clock"`
	Actor string `json:"actor"`
	ID    string `json:"id"`
}

// Before reports whether s is ordered strictly before other.
func (s Stamp) Before(other Stamp) bool {
	if s.Clock != other.Clock {
		return s.Clock < other.Clock
	}
	if s.Actor != other.Actor {
		return s.Actor < other.Actor
	}
	return s.ID < other.ID
}

// Op is one replicated mutation. Ops are the wire unit of document sync:
// idempotent (deduplicated by ID) and mergeable in any delivery order.
type Op struct {
	ID    string `json:"id"`
	Actor string `json:"actor"`
	Clock uint64 `json:"clock"`
	Kind  OpKind `json:"kind"`

	URI  string `json:"uri,omitempty"`
	Text string `json:"text,omitempty"`

	Role    Role   `json:"role,omitempty"`
	Content string `json:"content,omitempty"`

	Key         string `json:"key,omitempty"`
	Value       string `json:"value,omitempty"`
	Description string `json:"description,omitempty"`

	App     *AppInstance    `json:"app,omitempty"`
	Request *PendingRequest `json:"request,omitempty"`

	RequestID string `json:"request_id,omitempty"`
	Response  string `json:"response,omitempty"`

	Exit bool `json:"exit,omitempty"`
}

// stamp returns the op's replication stamp.
func (op Op) stamp() Stamp {
	return Stamp{Clock: op.Clock, Actor: op.Actor, ID: op.ID}
}
