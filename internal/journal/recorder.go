package journal

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"hydroflow/internal/trace"
)

// NewRunID returns a random run identifier.
func NewRunID() string { return uuid.NewString() }

// Recorder writes the lifecycle of a run to a Store. A nil Recorder records
// nothing, which is how the journal is disabled.
type Recorder struct {
	Store  *Store
	Logger *zap.Logger
	Now    func() time.Time
}

// NewRecorder returns a Recorder journaling under projectRoot.
func NewRecorder(projectRoot string, logger *zap.Logger) (*Recorder, error) {
	store, err := NewStore(projectRoot)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{Store: store, Logger: logger}, nil
}

func (r *Recorder) now() time.Time {
	if r != nil && r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// Start persists a running record for a new run.
func (r *Recorder) Start(runID, pipeline, graphHash string, inputs map[string]string, edges []Edge) (Run, error) {
	run := Run{
		RunID:     runID,
		Pipeline:  pipeline,
		GraphHash: graphHash,
		StartTime: r.now(),
		Status:    RunRunning,
		Inputs:    inputs,
		Edges:     edges,
	}
	if r == nil {
		return run, nil
	}
	if err := r.Store.SaveRun(run); err != nil {
		return run, err
	}
	r.Logger.Debug("run started", zap.String("run", runID), zap.String("dir", r.Store.RunDir(runID)))
	return run, nil
}

// Finish stamps run with its terminal status, outputs and step states.
func (r *Recorder) Finish(run Run, status RunStatus, outputs, steps map[string]string) (Run, error) {
	end := r.now()
	run.EndTime = &end
	run.Status = status
	run.Outputs = outputs
	run.Steps = steps
	if r == nil {
		return run, nil
	}
	return run, r.Store.SaveRun(run)
}

// RecordFailure classifies err and writes failure.json.
func (r *Recorder) RecordFailure(runID string, err error) (Failure, error) {
	if err == nil {
		return Failure{}, errors.New("nil error")
	}
	f := Classify(err)
	if r == nil {
		return f, nil
	}
	return f, r.Store.SaveFailure(runID, f)
}

// RecordTrace writes trace.json.
func (r *Recorder) RecordTrace(runID string, t trace.RunTrace) error {
	if r == nil {
		return nil
	}
	return r.Store.SaveTrace(runID, t)
}
