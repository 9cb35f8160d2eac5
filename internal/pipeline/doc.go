// Package pipeline runs hydrological stages as a step graph.
//
// A Graph is the immutable step definition with a stable GraphHash. An
// ExecutionState holds the runtime status of one run. Runner executes a graph
// serially and stops scheduling downstream work at the first failure; the
// drivers assemble the stage chains the CLI exposes.
package pipeline
