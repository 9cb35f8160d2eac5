package enginetest

import (
	"context"
	"path/filepath"
	"sync"

	"hydroflow/internal/engine"
	"hydroflow/internal/naming"
)

// Tool is a fake engine.Adapter. It records invocations and creates every
// absolute output path, unless Fail holds an error for the operation.
type Tool struct {
	Fail map[string]error

	mu    sync.Mutex
	calls []engine.Invocation
}

// Invoke implements engine.Adapter.
func (t *Tool) Invoke(_ context.Context, inv engine.Invocation) (*engine.Result, error) {
	t.mu.Lock()
	t.calls = append(t.calls, inv)
	err := t.Fail[inv.Operation]
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}
	for _, p := range inv.OutputPaths() {
		if filepath.IsAbs(p) {
			if err := Touch(p); err != nil {
				return nil, err
			}
		}
	}
	return &engine.Result{}, nil
}

// Invocations returns the recorded invocations in order.
func (t *Tool) Invocations() []engine.Invocation {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]engine.Invocation(nil), t.calls...)
}

// Operations returns the operation of every invocation.
func (t *Tool) Operations() []string {
	calls := t.Invocations()
	ops := make([]string, len(calls))
	for i, c := range calls {
		ops[i] = c.Operation
	}
	return ops
}

// Last returns the most recent invocation.
func (t *Tool) Last() engine.Invocation {
	calls := t.Invocations()
	if len(calls) == 0 {
		return engine.Invocation{}
	}
	return calls[len(calls)-1]
}

// Find returns the first invocation of op.
func (t *Tool) Find(op string) (engine.Invocation, bool) {
	for _, c := range t.Invocations() {
		if c.Operation == op {
			return c, true
		}
	}
	return engine.Invocation{}, false
}

// Sessions is a fake GRASS opener handing out one shared Session.
type Sessions struct {
	Session *Tool

	mu     sync.Mutex
	opened []int
}

// Open records the requested resolution and returns Session.
func (s *Sessions) Open(_ context.Context, _ naming.Artifact, resolution int) (engine.Adapter, error) {
	s.mu.Lock()
	s.opened = append(s.opened, resolution)
	s.mu.Unlock()
	return s.Session, nil
}

// Opened returns the resolutions sessions were opened with.
func (s *Sessions) Opened() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.opened...)
}
