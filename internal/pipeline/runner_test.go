package pipeline

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"hydroflow/internal/metrics"
	"hydroflow/internal/trace"
)

func TestRunner_FailureSkipsDownstreamAndAbortsTheRest(t *testing.T) {
	boom := errors.New("boom")
	var ran []string
	run := func(name string, err error, outputs ...string) StepFunc {
		return func(_ context.Context, a *Artifacts) error {
			ran = append(ran, name)
			for _, o := range outputs {
				a.Set(o, "/out/"+o)
			}
			return err
		}
	}
	g, err := NewGraph([]Step{
		{Name: "a", Run: run("a", nil, "x")},
		{Name: "b", Needs: []string{"a"}, Run: run("b", boom, "partial")},
		{Name: "c", Needs: []string{"b"}, Run: run("c", nil)},
		{Name: "d", Run: run("d", nil)},
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := trace.NewRecorder()
	m := metrics.New()
	r := &Runner{Metrics: m, Trace: rec}
	report, err := r.Run(context.Background(), "test", g, nil)

	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Step != "b" || !errors.Is(err, boom) {
		t.Fatalf("expected StepError for b wrapping boom, got %v", err)
	}
	if !reflect.DeepEqual(ran, []string{"a", "b"}) {
		t.Fatalf("ran = %v", ran)
	}
	wantState := ExecutionState{"a": StepCompleted, "b": StepFailed, "c": StepSkipped, "d": StepSkipped}
	if !reflect.DeepEqual(report.States, wantState) {
		t.Fatalf("states = %v", report.States)
	}
	if report.Failed != "b" || !reflect.DeepEqual(report.Order, []string{"a", "b"}) {
		t.Fatalf("unexpected report %+v", report)
	}

	events := rec.Snapshot()
	want := []trace.Event{
		{Kind: trace.EventStepCompleted, Step: "a", Artifacts: []string{"/out/x"}},
		{Kind: trace.EventStepFailed, Step: "b", Reason: "boom", Artifacts: []string{"/out/partial"}},
		{Kind: trace.EventStepSkipped, Step: "c", Reason: ReasonUpstreamFailed, Cause: "b"},
		{Kind: trace.EventStepSkipped, Step: "d", Reason: ReasonAborted, Cause: "b"},
	}
	if !reflect.DeepEqual(events, want) {
		t.Fatalf("events = %+v", events)
	}

	if got := testutil.ToFloat64(m.Runs.WithLabelValues("test", OutcomeFailed)); got != 1 {
		t.Fatalf("runs{failed} = %v", got)
	}
	if got := testutil.ToFloat64(m.Steps.WithLabelValues("test", "c", string(StepSkipped))); got != 1 {
		t.Fatalf("steps{c,SKIPPED} = %v", got)
	}
}

func TestRunner_CancelledContextAbortsBeforeNextStep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	g, err := NewGraph([]Step{
		{Name: "a", Run: func(context.Context, *Artifacts) error { cancel(); return nil }},
		{Name: "b", Needs: []string{"a"}, Run: func(context.Context, *Artifacts) error {
			t.Fatal("b must not run after cancellation")
			return nil
		}},
	})
	if err != nil {
		t.Fatal(err)
	}

	report, err := (&Runner{}).Run(ctx, "test", g, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if report.States["a"] != StepCompleted || report.States["b"] != StepSkipped || report.Failed != "" {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestRunner_SuccessPublishesArtifacts(t *testing.T) {
	g, _ := NewGraph([]Step{
		{Name: "fill", Run: func(_ context.Context, a *Artifacts) error {
			dem, err := a.Get("dem")
			if err != nil {
				return err
			}
			a.Set("fel", dem+".fel")
			return nil
		}},
	})
	arts := NewArtifacts(map[string]string{"dem": "d.tif"})
	report, err := (&Runner{}).Run(context.Background(), "test", g, arts)
	if err != nil {
		t.Fatal(err)
	}
	if report.States["fill"] != StepCompleted {
		t.Fatalf("unexpected state %v", report.States)
	}
	if got, _ := arts.Lookup("fel"); got != "d.tif.fel" {
		t.Fatalf("fel = %q", got)
	}
	if _, err := arts.Get("absent"); err == nil {
		t.Fatalf("expected error for absent artifact")
	}
}
