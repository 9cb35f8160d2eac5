// Package whitebox runs WhiteboxTools through its command-line runner.
package whitebox

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"hydroflow/internal/engine"
	"hydroflow/internal/metrics"
)

// Tool name used in logs, metrics and errors.
const Tool = "whitebox"

// WhiteboxTools tool names used by the pipeline.
const (
	LayerFootprint             = "LayerFootprint"
	Clip                       = "Clip"
	MergeVectors               = "MergeVectors"
	ExtendVectorLines          = "ExtendVectorLines"
	VectorLinesToRaster        = "VectorLinesToRaster"
	ZonalStatistics            = "ZonalStatistics"
	IsNoData                   = "IsNoData"
	PickFromList               = "PickFromList"
	BreachDepressionsLeastCost = "BreachDepressionsLeastCost"
	Subtract                   = "Subtract"
	Reclass                    = "Reclass"
	Clump                      = "Clump"
	RasterArea                 = "RasterArea"
	ModifyNoDataValue          = "ModifyNoDataValue"
	RasterToVectorPolygons     = "RasterToVectorPolygons"
	PolygonArea                = "PolygonArea"
)

// Config locates the whitebox_tools binary.
type Config struct {
	Binary  string
	WorkDir string
	Verbose bool
	Env     map[string]string
}

// Adapter runs WhiteboxTools.
type Adapter struct {
	cfg     Config
	invoker *engine.Invoker
}

// New returns an Adapter that runs commands through runner.
func New(cfg Config, runner engine.Runner, logger *zap.Logger, m *metrics.Collectors) *Adapter {
	if cfg.Binary == "" {
		cfg.Binary = "whitebox_tools"
	}
	return &Adapter{
		cfg:     cfg,
		invoker: &engine.Invoker{Tool: Tool, Runner: runner, Logger: logger, Metrics: m},
	}
}

// Join renders a multi-path argument the way whitebox_tools expects it.
func Join(paths ...string) string {
	return strings.Join(paths, ";")
}

// Argv renders inv as: whitebox_tools --run=Tool [--wd=dir] --key=value ... --flag [-v]
func (a *Adapter) Argv(inv engine.Invocation) []string {
	argv := []string{a.cfg.Binary, "--run=" + inv.Operation}
	if a.cfg.WorkDir != "" {
		argv = append(argv, "--wd="+a.cfg.WorkDir)
	}
	for _, group := range [][]engine.Arg{inv.Inputs, inv.Outputs, inv.Params} {
		for _, arg := range group {
			argv = append(argv, "--"+arg.Key+"="+arg.Value)
		}
	}
	for _, f := range inv.Flags {
		argv = append(argv, "--"+f)
	}
	if a.cfg.Verbose {
		argv = append(argv, "-v")
	}
	return argv
}

// Invoke runs one tool and verifies its declared outputs exist.
func (a *Adapter) Invoke(ctx context.Context, inv engine.Invocation) (*engine.Result, error) {
	if inv.Operation == "" {
		return nil, errors.New("whitebox: invocation without tool")
	}
	argv := a.Argv(inv)
	cmd := engine.Command{Path: argv[0], Args: argv[1:], Dir: a.cfg.WorkDir, Env: a.cfg.Env}
	return a.invoker.Exec(ctx, inv.Operation, cmd, inv.OutputPaths())
}
