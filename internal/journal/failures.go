package journal

import (
	"context"
	"errors"

	"hydroflow/internal/config"
	"hydroflow/internal/engine"
	"hydroflow/internal/group"
	"hydroflow/internal/naming"
	"hydroflow/internal/thresholds"
)

// Classify maps err onto the failure taxonomy. The innermost recognised
// error decides the class; a step name anywhere in the chain is kept.
func Classify(err error) Failure {
	if err == nil {
		return Failure{FailureClass: FailureClassSystem, ErrorCode: "Unknown", ErrorMessage: "nil error"}
	}
	f := classify(err)
	var stepped interface{ StepName() string }
	if errors.As(err, &stepped) {
		if name := stepped.StepName(); name != "" {
			f.Step = &name
		}
	}
	return f
}

func classify(err error) Failure {
	var toolErr *engine.ExternalToolError
	if errors.As(err, &toolErr) {
		code := "ToolExitNonZero"
		switch {
		case len(toolErr.Missing) > 0:
			code = "ToolOutputMissing"
		case toolErr.ExitCode < 0:
			code = "ToolStartFailed"
		}
		exit := toolErr.ExitCode
		return Failure{
			FailureClass: FailureClassTool,
			ErrorCode:    code,
			ErrorMessage: err.Error(),
			Tool:         toolErr.Tool,
			Operation:    toolErr.Operation,
			Command:      append([]string(nil), toolErr.Command...),
			ExitCode:     &exit,
			Stderr:       toolErr.Stderr,
			Missing:      append([]string(nil), toolErr.Missing...),
		}
	}

	var nameErr *naming.MalformedNameError
	if errors.As(err, &nameErr) {
		return Failure{FailureClass: FailureClassNaming, ErrorCode: "MalformedName", ErrorMessage: err.Error()}
	}

	var allocErr *group.GroupAllocationError
	if errors.As(err, &allocErr) {
		code := "GroupAllocation"
		if errors.Is(err, group.ErrNumberOverflow) {
			code = "GroupNumberOverflow"
		}
		return Failure{FailureClass: FailureClassAllocation, ErrorCode: code, ErrorMessage: err.Error()}
	}

	var threshErr *thresholds.MissingThresholdError
	if errors.As(err, &threshErr) {
		return Failure{FailureClass: FailureClassThreshold, ErrorCode: "MissingThreshold", ErrorMessage: err.Error()}
	}

	var cfgErr *config.Error
	if errors.As(err, &cfgErr) {
		return Failure{FailureClass: FailureClassConfig, ErrorCode: "InvalidConfig", ErrorMessage: err.Error()}
	}

	code := "Internal"
	switch {
	case errors.Is(err, context.Canceled):
		code = "Interrupted"
	case errors.Is(err, context.DeadlineExceeded):
		code = "DeadlineExceeded"
	}
	return Failure{FailureClass: FailureClassSystem, ErrorCode: code, ErrorMessage: err.Error()}
}
