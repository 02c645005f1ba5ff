// Package valuestore exposes the key/value sub-structure of the shared
// document: the intended sharing mechanism between applications.
//
// Listing never exposes raw values, only keys and their human-authored
// descriptions, so agent context-gathering cannot ingest attacker-influenced
// payloads. A value update preserves the original description; changing a
// description is a separate, explicit operation.
package valuestore

import (
	"sort"
	"sync"

	"github.com/odvcencio/sandbar/pkg/document"
)

// Wildcard subscribes to writes on every key.
const Wildcard = "*"

// Entry is what List exposes per stored value: key and description only.
type Entry struct {
	Key         string `json:"key"`
	Description string `json:"description"`
}

// Store provides value storage over a shared document replica.
type Store struct {
	doc *document.Document

	mu     sync.Mutex
	seen   map[string]uint64
	subs   map[int]subscriber
	nextID int
	cancel func()
}

type subscriber struct {
	key string
	fn  func(key string)
}

// New creates a Store over doc and begins watching for writes so that
// subscribers observe replicated changes as well as local ones.
func New(doc *document.Document) *Store {
	s := &Store{
		doc:  doc,
		seen: make(map[string]uint64),
		subs: make(map[int]subscriber),
	}
	for key, v := range doc.Snapshot().Values {
		s.seen[key] = v.Version
	}
	s.cancel = doc.Subscribe(func(uint64) { s.diff() })
	return s
}

// Close stops watching the document.
func (s *Store) Close() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Store creates or updates an entry. Duplicate writes are idempotent upserts.
// When the key already exists the description argument is ignored and the
// original description kept; use UpdateDescription to change it.
func (s *Store) Store(key, value, description string) {
	s.doc.Apply(func(tx *document.Tx) {
		tx.StoreValue(key, value, description)
	})
}

// UpdateDescription is the explicit path for rewriting an entry's stated
// purpose. It has no effect on absent keys.
func (s *Store) UpdateDescription(key, description string) {
	s.doc.Apply(func(tx *document.Tx) {
		tx.SetDescription(key, description)
	})
}

// Read returns the value for key, or the empty string if absent.
func (s *Store) Read(key string) string {
	v, ok := s.doc.Snapshot().Values[key]
	if !ok {
		return ""
	}
	return v.Value
}

// List returns every entry's key and description, sorted by key.
// Raw value content is never included.
func (s *Store) List() []Entry {
	values := s.doc.Snapshot().Values
	entries := make([]Entry, 0, len(values))
	for key, v := range values {
		entries = append(entries, Entry{Key: key, Description: v.Description})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries
}

// Subscribe invokes fn with the written key on every successful write to key,
// or to any key when key is Wildcard. The returned function cancels the
// subscription.
func (s *Store) Subscribe(key string, fn func(key string)) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = subscriber{key: key, fn: fn}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// diff compares stored value versions against the last observed set and
// notifies subscribers of every key that changed.
func (s *Store) diff() {
	values := s.doc.Snapshot().Values

	s.mu.Lock()
	var changed []string
	for key, v := range values {
		if s.seen[key] != v.Version {
			s.seen[key] = v.Version
			changed = append(changed, key)
		}
	}
	var fire []func(string)
	var keys []string
	for _, key := range changed {
		for _, sub := range s.subs {
			if sub.key == Wildcard || sub.key == key {
				fire = append(fire, sub.fn)
				keys = append(keys, key)
			}
		}
	}
	s.mu.Unlock()

	for i, fn := range fire {
		fn(keys[i])
	}
}
