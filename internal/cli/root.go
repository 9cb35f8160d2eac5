package cli

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"hydroflow/internal/pipeline"
)

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "hydroflow",
		Short: "Terrain analysis pipelines over TauDEM, GRASS and WhiteboxTools",
		Long: `hydroflow runs hydrological terrain analysis chains on DEM artifacts.

Every product is written into a numbered group directory of the project tree,
named after the artifact it was derived from.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return invalidInvocationf("%s: %v", cmd.CommandPath(), err)
	})

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.configPath, "config", "", "configuration file (default ./hydroflow.yaml when present)")
	pf.BoolVarP(&a.flags.verbose, "verbose", "v", false, "debug logging")
	pf.StringVar(&a.flags.logFormat, "log-format", "", "log encoding: auto, json or console")
	pf.StringVar(&a.flags.metricsFile, "metrics-file", "", "write Prometheus metrics to this textfile at exit")
	pf.BoolVar(&a.flags.noJournal, "no-journal", false, "do not write run records under <project>/.hydroflow")

	root.AddCommand(
		a.taudemCommand(),
		a.watershedCommand(),
		a.inversePlanCommand(),
		a.geomorphonCommand(),
		a.enforceCommand(),
		a.parseCommand(),
		a.allocateCommand(),
		a.watchCommand(),
	)
	return root
}

// exactArgs is cobra.ExactArgs reporting an invocation error.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return invalidInvocationf("%s: accepts %d arg(s), received %d", cmd.CommandPath(), n, len(args))
		}
		return nil
	}
}

func minimumArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) < n {
			return invalidInvocationf("%s: requires at least %d arg(s), received %d", cmd.CommandPath(), n, len(args))
		}
		return nil
	}
}

// intFlag returns a pointer to the flag value when it was set on the command
// line, nil otherwise.
func intFlag(cmd *cobra.Command, name string, v int) *int {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	return &v
}

// printOutcome writes the run id and the produced artifacts, one per line,
// sorted by key.
func printOutcome(w io.Writer, o *pipeline.Outcome) {
	if o == nil {
		return
	}
	fmt.Fprintf(w, "run\t%s\n", o.RunID)
	keys := make([]string, 0, len(o.Outputs))
	for k := range o.Outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s\t%s\n", k, o.Outputs[k])
	}
}
