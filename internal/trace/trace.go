// Package trace records what a pipeline run did: which steps ran, failed or
// were skipped, and which groups were allocated or reused along the way.
//
// The trace is observational only. It never influences naming, numbering or
// scheduling.
package trace

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// EventKind is the stable discriminator for Event. The string values are
// persisted in trace.json; do not rename.
type EventKind string

const (
	EventStepCompleted   EventKind = "StepCompleted"
	EventStepFailed      EventKind = "StepFailed"
	EventStepSkipped     EventKind = "StepSkipped"
	EventGroupAllocated  EventKind = "GroupAllocated"
	EventGroupReused     EventKind = "GroupReused"
	EventArtifactWritten EventKind = "ArtifactWritten"
)

// Event is a single logical transition or decision.
type Event struct {
	Kind EventKind `json:"kind"`

	// Step names the pipeline step the event belongs to, if any.
	Step string `json:"step,omitempty"`

	// Reason is a stable reason code such as "UpstreamFailed".
	Reason string `json:"reason,omitempty"`

	// Cause names a related step, e.g. the failed step that caused a skip.
	Cause string `json:"cause,omitempty"`

	// Path is the group directory or artifact file the event refers to.
	Path string `json:"path,omitempty"`

	// Artifacts lists artifact paths produced by a completed step.
	Artifacts []string `json:"artifacts,omitempty"`
}

// RunTrace is the ordered record of one pipeline run. Runs are sequential, so
// recording order is execution order.
type RunTrace struct {
	GraphHash string  `json:"graphHash"`
	Events    []Event `json:"events"`
}

// Validate checks basic invariants.
func (t *RunTrace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	if t.GraphHash == "" {
		return errors.New("graphHash is required")
	}
	for i, e := range t.Events {
		if e.Kind == "" {
			return fmt.Errorf("events[%d].kind is required", i)
		}
		if isStepEvent(e.Kind) && e.Step == "" {
			return fmt.Errorf("events[%d].step is required for kind %q", i, e.Kind)
		}
		if isPathEvent(e.Kind) && e.Path == "" {
			return fmt.Errorf("events[%d].path is required for kind %q", i, e.Kind)
		}
	}
	return nil
}

func isStepEvent(kind EventKind) bool {
	switch kind {
	case EventStepCompleted, EventStepFailed, EventStepSkipped:
		return true
	default:
		return false
	}
}

func isPathEvent(kind EventKind) bool {
	switch kind {
	case EventGroupAllocated, EventGroupReused, EventArtifactWritten:
		return true
	default:
		return false
	}
}

// Filter returns the events of the given kind, in order.
func (t RunTrace) Filter(kind EventKind) []Event {
	var out []Event
	for _, e := range t.Events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// JSON returns the indented JSON encoding after validating the trace.
func (t RunTrace) JSON() ([]byte, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	b, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// Hash returns the sha256 hex digest of the trace's JSON encoding.
func (t RunTrace) Hash() (string, error) {
	b, err := t.JSON()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
