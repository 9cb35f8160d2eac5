package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"hydroflow/internal/metrics"
	"hydroflow/internal/trace"
)

// Run outcomes reported to metrics.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeAborted   = "aborted"
)

// Report is the summary of one graph execution.
type Report struct {
	GraphHash GraphHash

	// States is the terminal state of every step.
	States ExecutionState

	// Order lists the steps that were started, in start order.
	Order []string

	// Failed is the failing step, if any.
	Failed string

	Duration time.Duration
}

// Runner executes graphs one step at a time.
type Runner struct {
	Logger  *zap.Logger
	Metrics *metrics.Collectors
	Trace   trace.Sink
}

func (r *Runner) logger() *zap.Logger {
	if r == nil || r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

// Run executes g in topological order. The first step failure marks every
// downstream step SKIPPED with reason UpstreamFailed and every other pending
// step SKIPPED with reason Aborted; the step's error is returned wrapped in a
// *StepError. Outputs already written stay on disk.
func (r *Runner) Run(ctx context.Context, pipeline string, g *Graph, arts *Artifacts) (*Report, error) {
	if g == nil {
		return nil, errors.New("nil graph")
	}
	if arts == nil {
		arts = NewArtifacts(nil)
	}
	log := r.logger().With(zap.String("pipeline", pipeline), zap.String("graph", g.Hash().String()[:12]))
	start := time.Now()

	state := NewExecutionState(g)
	report := &Report{GraphHash: g.Hash(), States: state}
	finish := func(outcome string, err error) (*Report, error) {
		report.Duration = time.Since(start)
		r.Metrics.RunFinished(pipeline, outcome)
		if err != nil {
			log.Error("pipeline failed", zap.String("step", report.Failed), zap.Duration("duration", report.Duration), zap.Error(err))
		} else {
			log.Info("pipeline finished", zap.Int("steps", len(report.Order)), zap.Duration("duration", report.Duration))
		}
		return report, err
	}

	for _, name := range g.TopologicalOrder() {
		if state[name] != StepPending {
			continue
		}
		if err := ctx.Err(); err != nil {
			if aerr := r.abortPending(pipeline, state, g, ""); aerr != nil {
				return finish(OutcomeFailed, aerr)
			}
			return finish(OutcomeAborted, err)
		}

		step := g.nodesByName[name].Step
		if err := Transition(state, name, StepPending, StepRunning); err != nil {
			return finish(OutcomeFailed, err)
		}
		report.Order = append(report.Order, name)
		log.Debug("step started", zap.String("step", name))

		before := arts.count()
		stepStart := time.Now()
		err := step.Run(ctx, arts)
		written := arts.since(before)

		if err == nil {
			if terr := Transition(state, name, StepRunning, StepCompleted); terr != nil {
				return finish(OutcomeFailed, terr)
			}
			r.Metrics.StepFinished(pipeline, name, string(StepCompleted))
			trace.SafeRecord(r.Trace, trace.Event{Kind: trace.EventStepCompleted, Step: name, Artifacts: written})
			log.Info("step completed", zap.String("step", name), zap.Duration("duration", time.Since(stepStart)))
			continue
		}

		report.Failed = name
		skipped, perr := FailAndPropagate(g, state, name)
		if perr != nil {
			return finish(OutcomeFailed, perr)
		}
		r.Metrics.StepFinished(pipeline, name, string(StepFailed))
		trace.SafeRecord(r.Trace, trace.Event{Kind: trace.EventStepFailed, Step: name, Reason: err.Error(), Artifacts: written})
		for _, s := range skipped {
			r.skipped(pipeline, s, ReasonUpstreamFailed, name)
		}
		if aerr := r.abortPending(pipeline, state, g, name); aerr != nil {
			return finish(OutcomeFailed, aerr)
		}
		return finish(OutcomeFailed, &StepError{Step: name, Err: err})
	}
	return finish(OutcomeSucceeded, nil)
}

// abortPending marks the remaining PENDING steps SKIPPED with reason Aborted.
func (r *Runner) abortPending(pipeline string, state ExecutionState, g *Graph, cause string) error {
	for _, name := range g.TopologicalOrder() {
		if state[name] != StepPending {
			continue
		}
		if err := Transition(state, name, StepPending, StepSkipped); err != nil {
			return fmt.Errorf("abort %s: %w", name, err)
		}
		r.skipped(pipeline, name, ReasonAborted, cause)
	}
	return nil
}

func (r *Runner) skipped(pipeline, step, reason, cause string) {
	r.Metrics.StepFinished(pipeline, step, string(StepSkipped))
	trace.SafeRecord(r.Trace, trace.Event{Kind: trace.EventStepSkipped, Step: step, Reason: reason, Cause: cause})
	r.logger().Info("step skipped", zap.String("pipeline", pipeline), zap.String("step", step), zap.String("reason", reason))
}
