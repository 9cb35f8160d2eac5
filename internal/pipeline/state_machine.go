package pipeline

import (
	"container/heap"
	"fmt"
)

// IsTerminal reports whether the state is terminal.
func IsTerminal(s StepState) bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped:
		return true
	default:
		return false
	}
}

// Transition performs a validated transition for a single step.
//
// The caller supplies the expected prior state. The map is mutated if and
// only if the transition is valid.
func Transition(state ExecutionState, step string, from, to StepState) error {
	cur, ok := state[step]
	if !ok {
		return fmt.Errorf("unknown step in state: %q", step)
	}
	if cur != from {
		return fmt.Errorf("invalid transition for %q: expected %s, got %s", step, from, cur)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed transition for %q: %s -> %s", step, from, to)
	}
	state[step] = to
	return nil
}

func isAllowedTransition(from, to StepState) bool {
	switch from {
	case StepPending:
		return to == StepRunning || to == StepSkipped
	case StepRunning:
		return to == StepCompleted || to == StepFailed
	default:
		return false
	}
}

// FailAndPropagate moves step from RUNNING to FAILED and transitively marks
// every PENDING downstream step SKIPPED. It returns the skipped steps in
// canonical order of discovery.
func FailAndPropagate(g *Graph, state ExecutionState, step string) ([]string, error) {
	if g == nil {
		return nil, fmt.Errorf("nil graph")
	}
	node, ok := g.nodesByName[step]
	if !ok {
		return nil, fmt.Errorf("unknown step: %q", step)
	}
	cur, ok := state[step]
	if !ok {
		return nil, fmt.Errorf("unknown step in state: %q", step)
	}
	if cur != StepRunning && cur != StepFailed {
		return nil, fmt.Errorf("cannot fail %q from state %s", step, cur)
	}
	state[step] = StepFailed

	visited := make([]bool, len(g.nodes))
	visited[node.canonicalIndex] = true

	hq := &intMinHeap{}
	heap.Init(hq)
	for _, d := range g.outgoing[node.canonicalIndex] {
		heap.Push(hq, d)
	}

	var skipped []string
	for hq.Len() > 0 {
		u := heap.Pop(hq).(int)
		if visited[u] {
			continue
		}
		visited[u] = true

		name := g.nodes[u].Name
		switch state[name] {
		case StepPending:
			state[name] = StepSkipped
			skipped = append(skipped, name)
		case StepRunning:
			return skipped, fmt.Errorf("invariant violation: downstream step %q is RUNNING during failure propagation", name)
		}

		for _, v := range g.outgoing[u] {
			if !visited[v] {
				heap.Push(hq, v)
			}
		}
	}
	return skipped, nil
}
