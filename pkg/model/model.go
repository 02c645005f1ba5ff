// Package model provides the external inference channel: text in, text out,
// fallible, cancellable. The HTTP client speaks an OpenAI-compatible chat
// completions API; StubClient scripts replies for tests.
package model

import (
	"context"
	"sync"
)

// Inference is the opaque model channel consumed by the agent loop and the
// request queue. The prompt is sent verbatim; the raw text reply is returned
// unmodified.
type Inference interface {
	Complete(ctx context.Context, prompt string, model string) (string, error)
	Close() error
}

// StubClient replays scripted replies in order. When the script is exhausted
// it repeats the final reply. Safe for concurrent use.
type StubClient struct {
	mu      sync.Mutex
	replies []string
	Err     error

	// Prompts records every prompt received, in call order.
	Prompts []string
	// Models records the model hint of every call.
	Models []string
}

// NewStubClient creates a stub that returns replies in sequence.
func NewStubClient(replies ...string) *StubClient {
	return &StubClient{replies: replies}
}

func (s *StubClient) Complete(ctx context.Context, prompt string, model string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.Prompts = append(s.Prompts, prompt)
	s.Models = append(s.Models, model)
	if s.Err != nil {
		return "", s.Err
	}
	if len(s.replies) == 0 {
		return "", nil
	}
	idx := len(s.Prompts) - 1
	if idx >= len(s.replies) {
		idx = len(s.replies) - 1
	}
	return s.replies[idx], nil
}

func (s *StubClient) Close() error { return nil }

// Calls returns how many completions have been requested.
func (s *StubClient) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Prompts)
}
