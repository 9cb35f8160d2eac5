package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"hydroflow/internal/metrics"
)

// Outcome labels for the tool invocation counter.
const (
	OutcomeOK            = "ok"
	OutcomeError         = "error"
	OutcomeNonZeroExit   = "exit_nonzero"
	OutcomeMissingOutput = "missing_output"
)

// Invoker is the shared run-check-verify path of every adapter.
type Invoker struct {
	Tool    string
	Runner  Runner
	Logger  *zap.Logger
	Metrics *metrics.Collectors
}

// Exec runs cmd and checks it: the exit code must be zero and every path in
// verify must exist afterwards. Any failure is an *ExternalToolError.
func (iv *Invoker) Exec(ctx context.Context, operation string, cmd Command, verify []string) (*Result, error) {
	logger := iv.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("tool", iv.Tool), zap.String("operation", operation))
	logger.Debug("running", zap.Strings("argv", cmd.Argv()), zap.String("dir", cmd.Dir))

	start := time.Now()
	res, err := iv.Runner.Run(ctx, cmd)
	if err != nil {
		iv.Metrics.ObserveTool(iv.Tool, operation, OutcomeError, time.Since(start))
		logger.Error("tool did not run", zap.Error(err))
		return nil, &ExternalToolError{
			Tool:      iv.Tool,
			Operation: operation,
			Command:   cmd.Argv(),
			ExitCode:  -1,
			Err:       err,
		}
	}

	if res.ExitCode != 0 {
		iv.Metrics.ObserveTool(iv.Tool, operation, OutcomeNonZeroExit, res.Duration)
		logger.Error("tool failed",
			zap.Int("exit_code", res.ExitCode),
			zap.ByteString("stderr", res.Stderr))
		return res, &ExternalToolError{
			Tool:      iv.Tool,
			Operation: operation,
			Command:   res.Command,
			ExitCode:  res.ExitCode,
			Stderr:    string(res.Stderr),
		}
	}

	if missing := MissingOutputs(verify); len(missing) > 0 {
		iv.Metrics.ObserveTool(iv.Tool, operation, OutcomeMissingOutput, res.Duration)
		logger.Error("tool exited 0 without its outputs", zap.Strings("missing", missing))
		return res, &ExternalToolError{
			Tool:      iv.Tool,
			Operation: operation,
			Command:   res.Command,
			ExitCode:  res.ExitCode,
			Stderr:    string(res.Stderr),
			Missing:   missing,
		}
	}

	iv.Metrics.ObserveTool(iv.Tool, operation, OutcomeOK, res.Duration)
	logger.Debug("finished", zap.Duration("duration", res.Duration))
	return res, nil
}
