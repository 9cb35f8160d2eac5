package pipeline

// StepState is the runtime execution state of a step.
type StepState string

const (
	StepPending   StepState = "PENDING"
	StepRunning   StepState = "RUNNING"
	StepCompleted StepState = "COMPLETED"
	StepFailed    StepState = "FAILED"
	StepSkipped   StepState = "SKIPPED"
)

// ExecutionState holds per-step state keyed by step name for one run.
type ExecutionState map[string]StepState

// NewExecutionState returns every step of g in PENDING.
func NewExecutionState(g *Graph) ExecutionState {
	st := make(ExecutionState, len(g.nodes))
	for _, n := range g.nodes {
		st[n.Name] = StepPending
	}
	return st
}

// Reasons recorded on skipped steps.
const (
	ReasonUpstreamFailed = "UpstreamFailed"
	ReasonAborted        = "Aborted"
)
