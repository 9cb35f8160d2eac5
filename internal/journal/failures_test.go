package journal

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"hydroflow/internal/config"
	"hydroflow/internal/engine"
	"hydroflow/internal/group"
	"hydroflow/internal/naming"
	"hydroflow/internal/thresholds"
)

type stepErr struct {
	step string
	err  error
}

func (e *stepErr) Error() string    { return e.step + ": " + e.err.Error() }
func (e *stepErr) Unwrap() error    { return e.err }
func (e *stepErr) StepName() string { return e.step }

func TestClassify_ToolFailureKeepsCommandAndStderr(t *testing.T) {
	toolErr := &engine.ExternalToolError{
		Tool:      "taudem",
		Operation: "PitRemove",
		Command:   []string{"mpiexec", "-n", "8", "PitRemove", "-z", "dem.tif", "-fel", "fel.tif"},
		ExitCode:  3,
		Stderr:    "ERROR: cannot open dem.tif",
	}
	f := Classify(&stepErr{step: "pit-remove", err: fmt.Errorf("fill pits: %w", toolErr)})

	if f.FailureClass != FailureClassTool || f.ErrorCode != "ToolExitNonZero" {
		t.Fatalf("unexpected failure: %#v", f)
	}
	if f.Step == nil || *f.Step != "pit-remove" {
		t.Fatalf("expected step pit-remove, got %v", f.Step)
	}
	if f.ExitCode == nil || *f.ExitCode != 3 || f.Stderr != toolErr.Stderr {
		t.Fatalf("exit/stderr not kept: %#v", f)
	}
	if !reflect.DeepEqual(f.Command, toolErr.Command) {
		t.Fatalf("command mismatch: %v", f.Command)
	}
	if err := f.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestClassify_MissingOutputAndStartFailure(t *testing.T) {
	f := Classify(&engine.ExternalToolError{Tool: "whitebox", Operation: "Clip", Command: []string{"whitebox_tools"}, Missing: []string{"/x.shp"}})
	if f.ErrorCode != "ToolOutputMissing" || !reflect.DeepEqual(f.Missing, []string{"/x.shp"}) {
		t.Fatalf("unexpected failure: %#v", f)
	}
	f = Classify(&engine.ExternalToolError{Tool: "grass", Operation: "r.watershed", Command: []string{"grass"}, ExitCode: -1})
	if f.ErrorCode != "ToolStartFailed" {
		t.Fatalf("unexpected code %s", f.ErrorCode)
	}
}

func TestClassify_DomainErrors(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		class FailureClass
		code  string
	}{
		{"naming", &naming.MalformedNameError{Name: "dem.tif", Reason: "no project id"}, FailureClassNaming, "MalformedName"},
		{"allocation", &group.GroupAllocationError{Parent: "/p", Prefix: "SFW", Attempts: 5, Err: group.ErrDirectoryExists}, FailureClassAllocation, "GroupAllocation"},
		{"overflow", &group.GroupAllocationError{Parent: "/p", Prefix: "SFW", Number: 100, Err: group.ErrNumberOverflow}, FailureClassAllocation, "GroupNumberOverflow"},
		{"threshold", &thresholds.MissingThresholdError{Method: thresholds.GridOrder, Resolution: 10}, FailureClassThreshold, "MissingThreshold"},
		{"config", &config.Error{Path: "hydroflow.yaml", Err: fmt.Errorf("bad")}, FailureClassConfig, "InvalidConfig"},
		{"interrupted", fmt.Errorf("run: %w", context.Canceled), FailureClassSystem, "Interrupted"},
		{"other", fmt.Errorf("disk full"), FailureClassSystem, "Internal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := Classify(tc.err)
			if f.FailureClass != tc.class || f.ErrorCode != tc.code {
				t.Fatalf("got %s/%s, want %s/%s", f.FailureClass, f.ErrorCode, tc.class, tc.code)
			}
			if f.Step != nil {
				t.Fatalf("unexpected step %q", *f.Step)
			}
			if err := f.Validate(); err != nil {
				t.Fatalf("Validate: %v", err)
			}
		})
	}
}

func TestRecorder_Lifecycle(t *testing.T) {
	base := t.TempDir()
	rec, err := NewRecorder(base, nil)
	if err != nil {
		t.Fatal(err)
	}
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rec.Now = func() time.Time { clock = clock.Add(time.Second); return clock }

	id := NewRunID()
	run, err := rec.Start(id, "taudem", "gh", map[string]string{"dem": "d.tif"}, []Edge{{From: "pit-remove", To: "flow-direction"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := rec.RecordFailure(id, &stepErr{step: "area", err: &thresholds.MissingThresholdError{Method: thresholds.GridOrder}}); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if _, err := rec.Finish(run, RunFailed, map[string]string{"fel": "f.tif"}, map[string]string{"area": "FAILED"}); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	loaded, err := rec.Store.LoadRun(id)
	if err != nil {
		t.Fatalf("LoadRun: %v", err)
	}
	if loaded.Status != RunFailed || loaded.EndTime == nil || !loaded.EndTime.After(loaded.StartTime) {
		t.Fatalf("unexpected run: %+v", loaded)
	}
	if len(loaded.Edges) != 1 || loaded.Edges[0] != (Edge{From: "pit-remove", To: "flow-direction"}) {
		t.Fatalf("unexpected edges %v", loaded.Edges)
	}
	f, err := rec.Store.LoadFailure(id)
	if err != nil {
		t.Fatalf("LoadFailure: %v", err)
	}
	if f.FailureClass != FailureClassThreshold || f.Step == nil || *f.Step != "area" {
		t.Fatalf("unexpected failure: %#v", f)
	}
	if rec.Store.RunDir(id) != filepath.Join(base, ".hydroflow", "runs", id) {
		t.Fatalf("unexpected run dir %s", rec.Store.RunDir(id))
	}
}

func TestRecorder_NilRecordsNothing(t *testing.T) {
	var rec *Recorder
	run, err := rec.Start("id", "taudem", "gh", nil, nil)
	if err != nil || run.Status != RunRunning {
		t.Fatalf("unexpected %+v %v", run, err)
	}
	if _, err := rec.Finish(run, RunSucceeded, nil, nil); err != nil {
		t.Fatal(err)
	}
	f, err := rec.RecordFailure("id", fmt.Errorf("x"))
	if err != nil || f.FailureClass != FailureClassSystem {
		t.Fatalf("unexpected %#v %v", f, err)
	}
}
