package journal

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// RunStatus is the lifecycle state of a run record.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunAborted   RunStatus = "aborted"
)

// Run is the persistent metadata of one pipeline run. It is informational:
// nothing reads it back to decide names or numbers.
type Run struct {
	RunID     string            `json:"run_id"`
	Pipeline  string            `json:"pipeline"`
	GraphHash string            `json:"graph_hash"`
	StartTime time.Time         `json:"start_time"`
	EndTime   *time.Time        `json:"end_time"`
	Status    RunStatus         `json:"status"`
	Inputs    map[string]string `json:"inputs"`
	Outputs   map[string]string `json:"outputs"`
	Steps     map[string]string `json:"steps"`
	// Edges are the step dependencies of the run's graph.
	Edges []Edge `json:"edges,omitempty"`
}

// Edge records that step To waited for step From.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (r Run) Validate() error {
	var errs []error
	if strings.TrimSpace(r.RunID) == "" {
		errs = append(errs, errors.New("run_id is required"))
	}
	if strings.TrimSpace(r.Pipeline) == "" {
		errs = append(errs, errors.New("pipeline is required"))
	}
	if strings.TrimSpace(r.GraphHash) == "" {
		errs = append(errs, errors.New("graph_hash is required"))
	}
	if r.StartTime.IsZero() {
		errs = append(errs, errors.New("start_time is required"))
	}
	switch r.Status {
	case RunRunning:
		if r.EndTime != nil {
			errs = append(errs, errors.New("end_time must be null while running"))
		}
	case RunSucceeded, RunFailed, RunAborted:
		if r.EndTime == nil {
			errs = append(errs, fmt.Errorf("end_time is required for status %q", r.Status))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid status %q", r.Status))
	}
	return errors.Join(errs...)
}

// FailureClass is the coarse category of a run failure.
type FailureClass string

const (
	FailureClassTool       FailureClass = "tool"
	FailureClassNaming     FailureClass = "naming"
	FailureClassAllocation FailureClass = "allocation"
	FailureClassThreshold  FailureClass = "threshold"
	FailureClassConfig     FailureClass = "config"
	FailureClassSystem     FailureClass = "system"
)

// Failure is the persistent record of why a run stopped.
type Failure struct {
	FailureClass FailureClass `json:"failure_class"`
	Step         *string      `json:"step"`
	ErrorCode    string       `json:"error_code"`
	ErrorMessage string       `json:"error_message"`

	// Set for tool failures.
	Tool      string   `json:"tool,omitempty"`
	Operation string   `json:"operation,omitempty"`
	Command   []string `json:"command,omitempty"`
	ExitCode  *int     `json:"exit_code,omitempty"`
	Stderr    string   `json:"stderr,omitempty"`
	Missing   []string `json:"missing_outputs,omitempty"`
}

func (f Failure) Validate() error {
	var errs []error
	switch f.FailureClass {
	case FailureClassTool, FailureClassNaming, FailureClassAllocation,
		FailureClassThreshold, FailureClassConfig, FailureClassSystem:
	default:
		errs = append(errs, fmt.Errorf("invalid failure_class %q", f.FailureClass))
	}
	if strings.TrimSpace(f.ErrorCode) == "" {
		errs = append(errs, errors.New("error_code is required"))
	}
	if strings.TrimSpace(f.ErrorMessage) == "" {
		errs = append(errs, errors.New("error_message is required"))
	}
	if f.FailureClass == FailureClassTool && len(f.Command) == 0 {
		errs = append(errs, errors.New("command is required for tool failures"))
	}
	return errors.Join(errs...)
}
