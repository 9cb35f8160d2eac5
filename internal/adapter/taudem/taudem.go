// Package taudem drives the TauDEM command-line tools under mpiexec.
package taudem

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"hydroflow/internal/engine"
	"hydroflow/internal/metrics"
)

// Tool name used in logs, metrics and errors.
const Tool = "taudem"

// DefaultProcesses is the mpiexec rank count when none is configured.
const DefaultProcesses = 8

// TauDEM programs.
const (
	PitRemove = "PitRemove"
	D8FlowDir = "D8FlowDir"
	AreaD8    = "AreaD8"
	Gridnet   = "Gridnet"
	Threshold = "Threshold"
	StreamNet = "StreamNet"
)

// Config locates the TauDEM installation.
type Config struct {
	MPIExec   string
	Processes int
	// BinDir holds the TauDEM executables. Empty means they are found on the
	// child PATH.
	BinDir string
	Env    map[string]string
}

// Adapter runs TauDEM tools.
type Adapter struct {
	cfg     Config
	invoker *engine.Invoker
}

// New returns an Adapter that runs commands through runner.
func New(cfg Config, runner engine.Runner, logger *zap.Logger, m *metrics.Collectors) *Adapter {
	if cfg.MPIExec == "" {
		cfg.MPIExec = "mpiexec"
	}
	if cfg.Processes <= 0 {
		cfg.Processes = DefaultProcesses
	}
	return &Adapter{
		cfg:     cfg,
		invoker: &engine.Invoker{Tool: Tool, Runner: runner, Logger: logger, Metrics: m},
	}
}

// Argv renders an invocation as
//
//	mpiexec -n N [BinDir/]Tool -key value ... -flag
//
// Inputs come before outputs, then parameters, then bare flags.
func (a *Adapter) Argv(inv engine.Invocation) []string {
	program := inv.Operation
	if a.cfg.BinDir != "" {
		program = filepath.Join(a.cfg.BinDir, inv.Operation)
	}
	argv := []string{a.cfg.MPIExec, "-n", fmt.Sprint(a.cfg.Processes), program}
	for _, group := range [][]engine.Arg{inv.Inputs, inv.Outputs, inv.Params} {
		for _, arg := range group {
			argv = append(argv, "-"+arg.Key, arg.Value)
		}
	}
	for _, f := range inv.Flags {
		argv = append(argv, "-"+f)
	}
	return argv
}

// Invoke runs one TauDEM tool and verifies every declared output exists.
func (a *Adapter) Invoke(ctx context.Context, inv engine.Invocation) (*engine.Result, error) {
	if inv.Operation == "" {
		return nil, fmt.Errorf("taudem: invocation without operation")
	}
	argv := a.Argv(inv)
	cmd := engine.Command{Path: argv[0], Args: argv[1:], Env: a.cfg.Env}
	return a.invoker.Exec(ctx, inv.Operation, cmd, inv.OutputPaths())
}
