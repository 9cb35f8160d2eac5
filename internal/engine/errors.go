package engine

import (
	"fmt"
	"strings"
)

// ExternalToolError reports a failed external tool invocation: the process
// could not run, exited non-zero, or did not produce a declared output.
type ExternalToolError struct {
	Tool      string
	Operation string
	Command   []string
	ExitCode  int
	Stderr    string
	Missing   []string
	Err       error
}

func (e *ExternalToolError) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s failed", e.Tool, e.Operation)
	switch {
	case e.Err != nil:
		fmt.Fprintf(&b, ": %v", e.Err)
	case len(e.Missing) > 0:
		fmt.Fprintf(&b, ": declared outputs missing: %s", strings.Join(e.Missing, ", "))
	default:
		fmt.Fprintf(&b, " with exit code %d", e.ExitCode)
	}
	if len(e.Command) > 0 {
		fmt.Fprintf(&b, "\ncommand: %s", strings.Join(e.Command, " "))
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		fmt.Fprintf(&b, "\nstderr: %s", s)
	}
	return b.String()
}

func (e *ExternalToolError) Unwrap() error { return e.Err }
