// Package cli is the hydroflow command line: flag parsing, wiring of the
// configured tools into pipeline drivers, and exit status mapping.
package cli

import (
	"context"
	"errors"
	"io"
	"os"

	"go.uber.org/zap"

	"hydroflow/internal/adapter/grass"
	"hydroflow/internal/adapter/taudem"
	"hydroflow/internal/adapter/whitebox"
	"hydroflow/internal/config"
	"hydroflow/internal/engine"
	"hydroflow/internal/group"
	"hydroflow/internal/lineage"
	"hydroflow/internal/logging"
	"hydroflow/internal/metrics"
	"hydroflow/internal/pipeline"
	"hydroflow/internal/stage"
)

// Env is the process boundary of a CLI run. Zero fields fall back to the
// real process: os.Stdout, os.Stderr, os.LookupEnv and a subprocess executor.
type Env struct {
	Stdout    io.Writer
	Stderr    io.Writer
	LookupEnv func(string) (string, bool)
	// Runner replaces the subprocess executor for every external tool.
	Runner engine.Runner
}

func (e Env) stdout() io.Writer {
	if e.Stdout == nil {
		return os.Stdout
	}
	return e.Stdout
}

func (e Env) stderr() io.Writer {
	if e.Stderr == nil {
		return os.Stderr
	}
	return e.Stderr
}

func (e Env) lookupEnv() func(string) (string, bool) {
	if e.LookupEnv == nil {
		return os.LookupEnv
	}
	return e.LookupEnv
}

// flags holds the persistent root flags.
type flags struct {
	configPath  string
	verbose     bool
	logFormat   string
	metricsFile string
	noJournal   bool
}

// app is the state shared by the subcommands of one run. The driver is built
// on first use.
type app struct {
	env   Env
	flags flags

	started bool
	cfg     *config.Config
	log     *zap.Logger
	metrics *metrics.Collectors
	driver  *pipeline.Driver
}

// setup loads the configuration and builds the logger and metrics.
func (a *app) setup() error {
	a.started = true
	switch a.flags.logFormat {
	case "", logging.FormatAuto, logging.FormatJSON, logging.FormatConsole:
	default:
		return invalidInvocationf("invalid --log-format %q (expected auto|json|console)", a.flags.logFormat)
	}

	cfg, err := config.Load(a.flags.configPath)
	if err != nil {
		return err
	}
	if a.flags.logFormat != "" {
		cfg.Logging.Format = a.flags.logFormat
	}
	if a.flags.metricsFile != "" {
		cfg.Metrics.Textfile = a.flags.metricsFile
	}
	if a.flags.noJournal {
		cfg.Journal.Enabled = false
	}

	log, err := logging.New(logging.Options{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Verbose: a.flags.verbose,
		Output:  a.env.stderr(),
	})
	if err != nil {
		return &config.Error{Err: err}
	}

	a.cfg = cfg
	a.log = log
	a.metrics = metrics.New()
	return nil
}

// pipelineDriver wires the configured adapters, allocator and resolver into a
// driver. Every external tool runs through the same executor.
func (a *app) pipelineDriver() *pipeline.Driver {
	if a.driver != nil {
		return a.driver
	}
	cfg, log, m := a.cfg, a.log, a.metrics

	runner := a.env.Runner
	if runner == nil {
		runner = engine.NewExecutor(log)
	}
	childEnv := cfg.ChildEnv(a.env.lookupEnv())
	log.Debug("tool environment", zap.Strings("keys", cfg.EnvKeys()))

	td := taudem.New(taudem.Config{
		MPIExec:   cfg.TauDEM.MPIExec,
		Processes: cfg.TauDEM.Processes,
		BinDir:    cfg.TauDEM.BinDir,
		Env:       childEnv,
	}, runner, log, m)
	gr := grass.New(grass.Config{
		Binary:    cfg.GRASS.Binary,
		GISBase:   cfg.GRASS.GISBase,
		Database:  cfg.GRASS.Database,
		Mapset:    cfg.GRASS.Mapset,
		AddonPath: cfg.GRASS.AddonPath,
		Env:       childEnv,
	}, runner, log, m)
	wb := whitebox.New(whitebox.Config{
		Binary:  cfg.Whitebox.Binary,
		WorkDir: cfg.Whitebox.WorkDir,
		Verbose: cfg.Whitebox.Verbose,
		Env:     childEnv,
	}, runner, log, m)

	resolver := lineage.NewResolver(lineage.DefaultLayout(), a.allocator(), log)
	resolver.Metrics = m

	a.driver = &pipeline.Driver{
		Stages: &stage.Stages{
			Resolver:   resolver,
			TauDEM:     td,
			GRASS:      gr,
			Whitebox:   wb,
			Thresholds: cfg.ThresholdTables(),
			Logger:     log,
		},
		Logger:  log,
		Metrics: m,
		Journal: cfg.Journal.Enabled,
	}
	return a.driver
}

func (a *app) allocator() *group.Allocator {
	return group.NewAllocator(a.cfg.Allocator.MaxAttempts, a.log, a.metrics)
}

// close flushes metrics and logs. Errors here never change the exit status.
func (a *app) close() {
	if a.log == nil {
		return
	}
	if path := a.cfg.Metrics.Textfile; path != "" {
		if err := a.metrics.WriteTextfile(path); err != nil {
			a.log.Warn("metrics textfile not written", zap.String("path", path), zap.Error(err))
		}
	}
	_ = a.log.Sync()
}

// Run executes the hydroflow command line with args (excluding argv[0]) and
// returns the exit status with the error that caused it, if any.
func Run(ctx context.Context, args []string, env Env) (int, error) {
	a := &app{env: env}
	root := a.rootCommand()
	root.SetArgs(args)
	root.SetOut(env.stdout())
	root.SetErr(env.stderr())

	err := root.ExecuteContext(ctx)
	a.close()

	var invErr *InvocationError
	if err != nil && !a.started && !errors.As(err, &invErr) {
		// cobra rejected the command line before any command ran.
		err = &InvocationError{ExitCode: ExitInvalidInvocation, Message: err.Error()}
	}
	return ExitCode(err), err
}
