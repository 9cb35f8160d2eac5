package cli

import (
	"context"
	"errors"
	"fmt"

	"hydroflow/internal/config"
	"hydroflow/internal/engine"
	"hydroflow/internal/group"
	"hydroflow/internal/naming"
	"hydroflow/internal/pipeline"
	"hydroflow/internal/thresholds"
)

const (
	ExitSuccess           = 0
	ExitPipelineFailure   = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
)

// InvocationError is a usage error: bad flags, wrong arguments.
type InvocationError struct {
	ExitCode int
	Message  string
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

// ExitCode maps an error returned by Run to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr != nil {
		if invErr.ExitCode != 0 {
			return invErr.ExitCode
		}
		return ExitInvalidInvocation
	}

	var cfgErr *config.Error
	var missing *thresholds.MissingThresholdError
	if errors.As(err, &cfgErr) || errors.As(err, &missing) {
		return ExitConfigError
	}

	var malformed *naming.MalformedNameError
	if errors.As(err, &malformed) {
		return ExitInvalidInvocation
	}

	var toolErr *engine.ExternalToolError
	var allocErr *group.GroupAllocationError
	var stepErr *pipeline.StepError
	switch {
	case errors.As(err, &toolErr), errors.As(err, &allocErr), errors.As(err, &stepErr):
		return ExitPipelineFailure
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ExitPipelineFailure
	}
	return ExitInternalError
}
