// Package enginetest provides an in-process engine.Runner for tests.
package enginetest

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"hydroflow/internal/engine"
)

// Runner records every command and answers with Handle. A nil Handle exits 0
// with no output.
type Runner struct {
	Handle func(cmd engine.Command) (*engine.Result, error)

	mu    sync.Mutex
	calls []engine.Command
}

// Run implements engine.Runner.
func (r *Runner) Run(ctx context.Context, cmd engine.Command) (*engine.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	r.mu.Unlock()

	if r.Handle == nil {
		return &engine.Result{Command: cmd.Argv()}, nil
	}
	res, err := r.Handle(cmd)
	if res != nil && res.Command == nil {
		res.Command = cmd.Argv()
	}
	return res, err
}

// Calls returns the recorded commands in order.
func (r *Runner) Calls() []engine.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]engine.Command(nil), r.calls...)
}

// Argvs returns the argv of every recorded command.
func (r *Runner) Argvs() [][]string {
	calls := r.Calls()
	out := make([][]string, len(calls))
	for i, c := range calls {
		out[i] = c.Argv()
	}
	return out
}

// Touch creates empty files, making parent directories as needed.
func Touch(paths ...string) error {
	for _, p := range paths {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(p, nil, 0o644); err != nil {
			return err
		}
	}
	return nil
}
