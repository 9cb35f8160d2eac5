// Package metrics holds the Prometheus collectors for pipeline runs.
//
// hydroflow is a batch tool, so collectors live in a private registry that the
// CLI writes to a node-exporter textfile at exit. All methods are safe on a nil
// *Collectors, which disables collection.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "hydroflow"

// Collectors groups every metric the pipeline records.
type Collectors struct {
	Registry *prometheus.Registry

	ToolInvocations   *prometheus.CounterVec
	ToolDuration      *prometheus.HistogramVec
	GroupsAllocated   *prometheus.CounterVec
	GroupsReused      *prometheus.CounterVec
	AllocationRetries prometheus.Counter
	Steps             *prometheus.CounterVec
	Runs              *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Collectors {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collectors{
		Registry: reg,
		ToolInvocations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_invocations_total",
			Help:      "External tool invocations by tool, operation and outcome.",
		}, []string{"tool", "operation", "outcome"}),
		ToolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_duration_seconds",
			Help:      "Wall-clock duration of external tool invocations.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 4, 9),
		}, []string{"tool", "operation"}),
		GroupsAllocated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "groups_allocated_total",
			Help:      "Group directories created, by family prefix.",
		}, []string{"prefix"}),
		GroupsReused: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "groups_reused_total",
			Help:      "Existing group directories reused, by family prefix.",
		}, []string{"prefix"}),
		AllocationRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "group_allocation_retries_total",
			Help:      "Group allocations retried after a name collision.",
		}),
		Steps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_steps_total",
			Help:      "Pipeline steps by pipeline, step and final state.",
		}, []string{"pipeline", "step", "state"}),
		Runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Pipeline runs by pipeline and outcome.",
		}, []string{"pipeline", "outcome"}),
	}
}

// ObserveTool records one external tool invocation.
func (c *Collectors) ObserveTool(tool, operation, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.ToolInvocations.WithLabelValues(tool, operation, outcome).Inc()
	c.ToolDuration.WithLabelValues(tool, operation).Observe(d.Seconds())
}

// GroupAllocated counts a newly created group.
func (c *Collectors) GroupAllocated(prefix string) {
	if c == nil {
		return
	}
	c.GroupsAllocated.WithLabelValues(prefix).Inc()
}

// GroupReused counts a reused group.
func (c *Collectors) GroupReused(prefix string) {
	if c == nil {
		return
	}
	c.GroupsReused.WithLabelValues(prefix).Inc()
}

// AllocationRetry counts one collision retry.
func (c *Collectors) AllocationRetry() {
	if c == nil {
		return
	}
	c.AllocationRetries.Inc()
}

// StepFinished counts a step reaching a terminal state.
func (c *Collectors) StepFinished(pipeline, step, state string) {
	if c == nil {
		return
	}
	c.Steps.WithLabelValues(pipeline, step, state).Inc()
}

// RunFinished counts a completed pipeline run.
func (c *Collectors) RunFinished(pipeline, outcome string) {
	if c == nil {
		return
	}
	c.Runs.WithLabelValues(pipeline, outcome).Inc()
}

// WriteTextfile writes the registry in text exposition format to path, atomically.
func (c *Collectors) WriteTextfile(path string) error {
	if c == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, c.Registry)
}
