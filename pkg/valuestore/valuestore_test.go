package valuestore

import (
	"reflect"
	"testing"
	"time"

	"github.com/odvcencio/sandbar/pkg/document"
)

func TestStore_ReadBack(t *testing.T) {
	doc := document.New("a")
	s := New(doc)
	defer s.Close()

	s.Store("greeting", "hello", "a greeting")

	if got := s.Read("greeting"); got != "hello" {
		t.Errorf("Read = %q", got)
	}
	if got := s.Read("missing"); got != "" {
		t.Errorf("Read missing = %q, want empty", got)
	}
}

func TestStore_UpdatePreservesDescription(t *testing.T) {
	doc := document.New("a")
	s := New(doc)
	defer s.Close()

	s.Store("counter", "1", "number of widgets")
	s.Store("counter", "2", "something else entirely")

	if got := s.Read("counter"); got != "2" {
		t.Errorf("value = %q", got)
	}
	list := s.List()
	if len(list) != 1 || list[0].Description != "number of widgets" {
		t.Errorf("List = %+v, want original description", list)
	}
}

func TestStore_UpdatePreservesEmptyDescription(t *testing.T) {
	doc := document.New("a")
	s := New(doc)
	defer s.Close()

	// A value created without a description stays undescribed; a later
	// value write may not retitle it.
	s.Store("scratch", "v1", "")
	s.Store("scratch", "v2", "retitled by a later write")

	if got := s.Read("scratch"); got != "v2" {
		t.Errorf("value = %q", got)
	}
	list := s.List()
	if len(list) != 1 || list[0].Description != "" {
		t.Errorf("List = %+v, want empty description", list)
	}
}

func TestStore_UpdateDescription(t *testing.T) {
	doc := document.New("a")
	s := New(doc)
	defer s.Close()

	s.Store("k", "v", "old purpose")
	s.UpdateDescription("k", "new purpose")

	list := s.List()
	if len(list) != 1 || list[0].Description != "new purpose" {
		t.Errorf("List = %+v", list)
	}
}

func TestStore_ListSortedWithoutValues(t *testing.T) {
	doc := document.New("a")
	s := New(doc)
	defer s.Close()

	s.Store("zebra", "secret z", "last")
	s.Store("apple", "secret a", "first")

	got := s.List()
	want := []Entry{
		{Key: "apple", Description: "first"},
		{Key: "zebra", Description: "last"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("List = %+v, want %+v", got, want)
	}
}

func TestStore_SubscribeKey(t *testing.T) {
	doc := document.New("a")
	s := New(doc)
	defer s.Close()

	hits := make(chan string, 4)
	cancel := s.Subscribe("watched", func(key string) { hits <- key })
	defer cancel()

	s.Store("watched", "1", "")
	s.Store("other", "1", "")

	select {
	case key := <-hits:
		if key != "watched" {
			t.Errorf("notified for %q", key)
		}
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}
	select {
	case key := <-hits:
		t.Errorf("unexpected notification for %q", key)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStore_SubscribeWildcard(t *testing.T) {
	doc := document.New("a")
	s := New(doc)
	defer s.Close()

	hits := make(chan string, 4)
	cancel := s.Subscribe(Wildcard, func(key string) { hits <- key })
	defer cancel()

	s.Store("one", "1", "")
	s.Store("two", "2", "")

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case key := <-hits:
			got[key] = true
		case <-time.After(time.Second):
			t.Fatal("missing notification")
		}
	}
	if !got["one"] || !got["two"] {
		t.Errorf("got notifications %v", got)
	}
}

func TestStore_SubscribeSeesReplicatedWrites(t *testing.T) {
	doc := document.New("a")
	s := New(doc)
	defer s.Close()

	hits := make(chan string, 1)
	cancel := s.Subscribe("remote", func(key string) { hits <- key })
	defer cancel()

	// A write merged from another replica, not made through this store.
	other := document.New("b")
	var ops []document.Op
	other.OnCommit(func(batch []document.Op) { ops = append(ops, batch...) })
	other.Apply(func(tx *document.Tx) { tx.StoreValue("remote", "x", "") })
	doc.ApplyRemote(ops)

	select {
	case key := <-hits:
		if key != "remote" {
			t.Errorf("notified for %q", key)
		}
	case <-time.After(time.Second):
		t.Fatal("replicated write not observed")
	}
}
