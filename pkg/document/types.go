package document

import (
	"sort"
	"time"
)

// Role identifies the author of a chat turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry in the durable chat history.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// TextDocument is an open editor document mirrored into the shared state.
// Only the host process writes these; the rendering side reads them through
// the document_read protocol call.
type TextDocument struct {
	URI  string `json:"uri"`
	Text string `json:"text"`
}

// AppInstance is a launched application. Instances are immutable once
// created; a new iteration of an app is a new instance with a fresh id.
type AppInstance struct {
	ID         string    `json:"id"`
	HTMLSource string    `json:"html_source"`
	CreatedAt  time.Time `json:"created_at"`
}

// RequestKind classifies a privileged action requested by an app.
type RequestKind string

const (
	KindInference    RequestKind = "inference"
	KindDocumentRead RequestKind = "document_read"
	KindStoreWrite   RequestKind = "store_write"
	KindStoreRead    RequestKind = "store_read"
)

// RequestStatus is the lifecycle state of a PendingRequest.
type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusAnswered  RequestStatus = "answered"
	StatusAbandoned RequestStatus = "abandoned"
)

// PendingRequest correlates one privileged action with one waiting caller.
// The host is the only legal writer of Response; the gateway only ever
// transitions a request to abandoned.
type PendingRequest struct {
	ID       string        `json:"id"`
	Kind     RequestKind   `json:"kind"`
	AppID    string        `json:"app_id"`
	Payload  string        `json:"payload"`
	Status   RequestStatus `json:"status"`
	Response string        `json:"response,omitempty"`

	// Arrival is the replication stamp of the op that created the request.
	// It defines submission order across replicas.
	Arrival Stamp `json:"arrival"`
}

// StoredValue is a ValueStore entry. Description is fixed at first write and
// only changes through the explicit description-update path; it is never
// re-derived from value content.
type StoredValue struct {
	Key         string `json:"key"`
	Value       string `json:"value"`
	Description string `json:"description"`
	Version     uint64 `json:"version"`
}

// State is a point-in-time view of the whole shared document. Snapshots are
// deep copies and safe to read without locking.
type State struct {
	Documents      map[string]TextDocument
	ActiveDocument string
	History        []Turn
	Apps           map[string]AppInstance
	Requests       map[string]PendingRequest
	Values         map[string]StoredValue
	ShouldExit     bool
}

// OpenDocuments returns the sorted identifiers of all open documents.
func (s State) OpenDocuments() []string {
	uris := make([]string, 0, len(s.Documents))
	for uri := range s.Documents {
		uris = append(uris, uri)
	}
	sortStrings(uris)
	return uris
}

// PendingByKind returns pending requests of the given kind in arrival order.
func (s State) PendingByKind(kind RequestKind) []PendingRequest {
	var out []PendingRequest
	for _, req := range s.Requests {
		if req.Kind == kind && req.Status == StatusPending {
			out = append(out, req)
		}
	}
	sortRequests(out)
	return out
}

// PendingForApp counts pending requests belonging to one app.
func (s State) PendingForApp(appID string) int {
	n := 0
	for _, req := range s.Requests {
		if req.AppID == appID && req.Status == StatusPending {
			n++
		}
	}
	return n
}

// PendingRequestsForApp returns the pending requests one app has
// outstanding, in arrival order.
func (s State) PendingRequestsForApp(appID string) []PendingRequest {
	var out []PendingRequest
	for _, req := range s.Requests {
		if req.AppID == appID && req.Status == StatusPending {
			out = append(out, req)
		}
	}
	sortRequests(out)
	return out
}

func sortStrings(ss []string) {
	sort.Strings(ss)
}

func sortRequests(reqs []PendingRequest) {
	sort.Slice(reqs, func(i, j int) bool {
		return reqs[i].Arrival.Before(reqs[j].Arrival)
	})
}
