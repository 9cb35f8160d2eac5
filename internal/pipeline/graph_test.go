package pipeline

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func noop(context.Context, *Artifacts) error { return nil }

func step(name string, needs ...string) Step {
	return Step{Name: name, Needs: needs, Run: noop}
}

func TestNewGraph_RejectsInvalidDefinitions(t *testing.T) {
	cases := []struct {
		name  string
		steps []Step
		want  string
	}{
		{"empty", nil, "no steps"},
		{"unnamed", []Step{step("")}, "name is required"},
		{"no function", []Step{{Name: "a"}}, "no function"},
		{"duplicate", []Step{step("a"), step("a")}, "duplicate step name"},
		{"unknown dependency", []Step{step("a", "ghost")}, "unknown step"},
		{"self loop", []Step{step("a", "a")}, "self-loop"},
		{"duplicate dependency", []Step{step("a"), step("b", "a", "a")}, "duplicate dependency"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewGraph(tc.steps)
			if !errors.Is(err, ErrInvalidGraph) {
				t.Fatalf("expected ErrInvalidGraph, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q in %q", tc.want, err.Error())
			}
		})
	}
}

func TestNewGraph_ReportsCycle(t *testing.T) {
	_, err := NewGraph([]Step{step("a", "c"), step("b", "a"), step("c", "b"), step("d")})
	if !errors.Is(err, ErrCycleFound) {
		t.Fatalf("expected ErrCycleFound, got %v", err)
	}
	if !strings.Contains(err.Error(), "a -> b -> c -> a") {
		t.Fatalf("unexpected cycle path: %v", err)
	}
}

func TestGraph_TopologicalOrderAndHashIgnoreDeclarationOrder(t *testing.T) {
	g1, err := NewGraph([]Step{
		step("pit-remove"),
		step("flow-direction", "pit-remove"),
		step("grid-network", "flow-direction"),
		step("area-accumulation", "flow-direction"),
	})
	if err != nil {
		t.Fatal(err)
	}
	g2, err := NewGraph([]Step{
		step("area-accumulation", "flow-direction"),
		step("grid-network", "flow-direction"),
		step("flow-direction", "pit-remove"),
		step("pit-remove"),
	})
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"pit-remove", "flow-direction", "area-accumulation", "grid-network"}
	if got := g1.TopologicalOrder(); !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	if g1.Hash() != g2.Hash() {
		t.Fatalf("hash differs across declaration order: %s vs %s", g1.Hash(), g2.Hash())
	}
	if len(g1.Hash()) != 64 {
		t.Fatalf("unexpected hash %q", g1.Hash())
	}

	g3, _ := NewGraph([]Step{step("pit-remove"), step("flow-direction", "pit-remove")})
	if g3.Hash() == g1.Hash() {
		t.Fatalf("different graphs share a hash")
	}

	edges := g1.Edges()
	if len(edges) != 3 || edges[0] != (Edge{From: "flow-direction", To: "area-accumulation"}) {
		t.Fatalf("unexpected edges %v", edges)
	}
}
