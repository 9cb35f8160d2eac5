package engine

import "context"

// Arg is one named tool argument. Invocations use ordered slices of Args so the
// rendered argv is deterministic.
type Arg struct {
	Key   string
	Value string
}

// Invocation is a tool-agnostic request to run one operation.
type Invocation struct {
	Operation string
	Inputs    []Arg
	Outputs   []Arg
	Params    []Arg
	Flags     []string
}

// OutputPaths returns the values of all declared outputs.
func (inv Invocation) OutputPaths() []string {
	paths := make([]string, 0, len(inv.Outputs))
	for _, o := range inv.Outputs {
		paths = append(paths, o.Value)
	}
	return paths
}

// Adapter runs invocations against one external toolset.
type Adapter interface {
	Invoke(ctx context.Context, inv Invocation) (*Result, error)
}
