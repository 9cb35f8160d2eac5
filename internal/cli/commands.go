package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"hydroflow/internal/lineage"
	"hydroflow/internal/naming"
	"hydroflow/internal/pipeline"
	"hydroflow/internal/stage"
	"hydroflow/internal/thresholds"
	"hydroflow/internal/watch"
)

func (a *app) taudemCommand() *cobra.Command {
	var (
		threshold  int
		method     string
		resolution int
		skipNet    bool
	)
	cmd := &cobra.Command{
		Use:   "taudem <dem>",
		Short: "PitRemove, D8FlowDir, AreaD8, Gridnet, Threshold and StreamNet on a DEM",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m := thresholds.Method(strings.ToUpper(method))
			if m != thresholds.D8Area && m != thresholds.GridOrder {
				return invalidInvocationf("invalid --method %q (expected D8AREA|GORD)", method)
			}
			o, err := a.pipelineDriver().TauDEMChain(cmd.Context(), args[0], pipeline.ChainOptions{
				Threshold:     intFlag(cmd, "threshold", threshold),
				Method:        m,
				Resolution:    resolution,
				SkipStreamNet: skipNet,
			})
			printOutcome(cmd.OutOrStdout(), o)
			return err
		},
	}
	f := cmd.Flags()
	f.IntVar(&threshold, "threshold", 0, "stream threshold (default from the resolution table)")
	f.StringVar(&method, "method", string(thresholds.D8Area), "grid thresholded into streams: D8AREA or GORD")
	f.IntVar(&resolution, "resolution", 0, "DEM resolution in feet (default from the D{n} qualifier)")
	f.BoolVar(&skipNet, "skip-streamnet", false, "stop after Gridnet")
	return cmd
}

func (a *app) watershedCommand() *cobra.Command {
	var threshold, resolution int
	cmd := &cobra.Command{
		Use:   "watershed <dem>",
		Short: "r.watershed flow direction and streams, then StreamNet",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := a.pipelineDriver().WatershedToStreamNet(cmd.Context(), args[0], resolution, intFlag(cmd, "threshold", threshold))
			printOutcome(cmd.OutOrStdout(), o)
			return err
		},
	}
	cmd.Flags().IntVar(&threshold, "threshold", 0, "minimum basin size in cells (default from the resolution table)")
	cmd.Flags().IntVar(&resolution, "resolution", 0, "DEM resolution in feet (default from the D{n} qualifier)")
	return cmd
}

func (a *app) inversePlanCommand() *cobra.Command {
	var (
		in                    pipeline.InversePlanInputs
		threshold, resolution int
	)
	cmd := &cobra.Command{
		Use:   "invplan <fwinvplan> --fel <fel> --p <p> --ad8 <ad8>",
		Short: "Threshold an inverse plan curvature grid and run StreamNet",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, req := range []struct{ flag, value string }{{"--fel", in.Fel}, {"--p", in.P}, {"--ad8", in.AD8}} {
				if req.value == "" {
					return invalidInvocationf("invplan: %s is required", req.flag)
				}
			}
			in.InversePlan = args[0]
			o, err := a.pipelineDriver().InversePlanToStreamNet(cmd.Context(), in, resolution, intFlag(cmd, "threshold", threshold))
			printOutcome(cmd.OutOrStdout(), o)
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&in.Fel, "fel", "", "pit-filled DEM")
	f.StringVar(&in.P, "p", "", "D8 flow direction grid")
	f.StringVar(&in.AD8, "ad8", "", "D8 contributing area grid")
	f.IntVar(&threshold, "threshold", 0, "curvature threshold (default from the resolution table)")
	f.IntVar(&resolution, "resolution", 0, "DEM resolution in feet (default from the D{n} qualifier)")
	return cmd
}

func (a *app) geomorphonCommand() *cobra.Command {
	var (
		resolution int
		params     stage.GeomorphonParams
	)
	cmd := &cobra.Command{
		Use:   "geomorphon <dem>",
		Short: "Classify depressions, hollows and valleys with r.geomorphon",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := a.geomorphonParams()
			f := cmd.Flags()
			if f.Changed("search") {
				p.Search = params.Search
			}
			if f.Changed("skip") {
				p.Skip = params.Skip
			}
			if f.Changed("flat") {
				p.Flat = params.Flat
			}
			if f.Changed("dist") {
				p.Dist = params.Dist
			}
			o, err := a.pipelineDriver().GeomorphonRun(cmd.Context(), args[0], resolution, p)
			printOutcome(cmd.OutOrStdout(), o)
			return err
		},
	}
	def := stage.DefaultGeomorphonParams()
	f := cmd.Flags()
	f.IntVar(&resolution, "resolution", 0, "DEM resolution in feet (default from the D{n} qualifier)")
	f.IntVar(&params.Search, "search", def.Search, "outer search radius in cells (default from config)")
	f.IntVar(&params.Skip, "skip", def.Skip, "inner skip radius in cells (default from config)")
	f.Float64Var(&params.Flat, "flat", def.Flat, "flatness threshold in degrees (default from config)")
	f.IntVar(&params.Dist, "dist", def.Dist, "flatness distance in cells (default from config)")
	return cmd
}

func (a *app) geomorphonParams() stage.GeomorphonParams {
	g := a.cfg.Geomorphon
	return stage.GeomorphonParams{Search: g.Search, Skip: g.Skip, Flat: g.Flat, Dist: g.Dist}
}

func (a *app) enforceCommand() *cobra.Command {
	var (
		culverts []string
		zones    string
		opts     pipeline.EnforceOptions
	)
	cmd := &cobra.Command{
		Use:   "enforce <dem> (--culverts <glob>... | --zones <raster>)",
		Short: "Burn culverts into a DEM and breach depressions",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(culverts) == 0 && zones == "" {
				return invalidInvocationf("enforce: --culverts or --zones is required")
			}
			files, err := expandGlobs(culverts)
			if err != nil {
				return err
			}

			e := a.cfg.Enforce
			resolved := pipeline.EnforceOptions{ExtendDistance: e.ExtendDistance, BreachDistance: e.BreachDistance, MinDepth: e.MinDepth}
			f := cmd.Flags()
			if f.Changed("extend") {
				resolved.ExtendDistance = opts.ExtendDistance
			}
			if f.Changed("breach") {
				resolved.BreachDistance = opts.BreachDistance
			}
			if f.Changed("min-depth") {
				resolved.MinDepth = opts.MinDepth
			}

			o, err := a.pipelineDriver().HydroEnforce(cmd.Context(), pipeline.EnforceInputs{
				DEM:      args[0],
				Culverts: files,
				Zones:    zones,
			}, resolved)
			printOutcome(cmd.OutOrStdout(), o)
			return err
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&culverts, "culverts", nil, "culvert line files or ** globs, repeatable")
	f.StringVar(&zones, "zones", "", "culvert zone raster, skipping the vector steps")
	f.Float64Var(&opts.ExtendDistance, "extend", 0, "culvert line extension (default from config)")
	f.Float64Var(&opts.BreachDistance, "breach", 0, "maximum breach distance (default from config)")
	f.Float64Var(&opts.MinDepth, "min-depth", 0, "minimum depression depth for zone analysis, 0 disables (default from config)")
	return cmd
}

// expandGlobs expands each pattern and returns the union, sorted. A pattern
// without matches is an invocation error.
func expandGlobs(patterns []string) ([]string, error) {
	seen := map[string]struct{}{}
	var out []string
	for _, p := range patterns {
		matches, err := doublestar.FilepathGlob(p)
		if err != nil {
			return nil, invalidInvocationf("invalid culvert pattern %q: %v", p, err)
		}
		if len(matches) == 0 {
			return nil, invalidInvocationf("no culvert files match %q", p)
		}
		for _, m := range matches {
			if _, dup := seen[m]; dup {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out, nil
}

// parsedName is the parse command's view of an artifact.
type parsedName struct {
	Path        string   `yaml:"path"`
	Project     string   `yaml:"project"`
	Product     string   `yaml:"product"`
	Group       int      `yaml:"group"`
	Descriptor  string   `yaml:"descriptor"`
	Qualifiers  []string `yaml:"qualifiers,omitempty"`
	Resolution  int      `yaml:"resolution,omitempty"`
	Ext         string   `yaml:"ext"`
	ProjectRoot string   `yaml:"project_root"`
}

func (a *app) parseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "parse <path>...",
		Short: "Decompose artifact file names",
		Args:  minimumArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			layout := lineage.DefaultLayout()
			out := make([]parsedName, 0, len(args))
			for _, p := range args {
				art, err := naming.Parse(p)
				if err != nil {
					return err
				}
				res, _ := art.Resolution()
				out = append(out, parsedName{
					Path:        art.Path(),
					Project:     art.ProjectID,
					Product:     art.ProductCode,
					Group:       art.GroupNumber,
					Descriptor:  art.SourceDescriptor,
					Qualifiers:  art.Qualifiers,
					Resolution:  res,
					Ext:         art.Ext,
					ProjectRoot: layout.ProjectRoot(art),
				})
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(out); err != nil {
				return fmt.Errorf("encode: %w", err)
			}
			return enc.Close()
		},
	}
}

func (a *app) allocateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "allocate <class-dir> <prefix> <tag>",
		Short: "Create the next numbered group directory of a family",
		Args:  exactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := naming.FormatGroup(args[1], 0, args[2]); err != nil {
				return err
			}
			path, err := a.allocator().Allocate(cmd.Context(), args[0], args[1], args[2])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}

func (a *app) watchCommand() *cobra.Command {
	var (
		pipelineName string
		pattern      string
		settle       time.Duration
		existing     bool
	)
	cmd := &cobra.Command{
		Use:   "watch <dir>",
		Short: "Run a pipeline for every DEM arriving under a directory",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := a.cfg.Watch
			f := cmd.Flags()
			if f.Changed("pipeline") {
				w.Pipeline = pipelineName
			}
			if f.Changed("pattern") {
				w.Pattern = pattern
			}
			if f.Changed("settle") {
				w.Settle = settle
			}
			handle, err := a.watchHandler(w.Pipeline)
			if err != nil {
				return err
			}
			if !doublestar.ValidatePattern(w.Pattern) {
				return invalidInvocationf("invalid --pattern %q", w.Pattern)
			}

			watcher := &watch.Watcher{
				Dir:      args[0],
				Pattern:  w.Pattern,
				Settle:   w.Settle,
				Logger:   a.log.Named("watch"),
				Handle:   handle,
				Existing: existing,
			}
			return watcher.Run(cmd.Context())
		},
	}
	f := cmd.Flags()
	f.StringVar(&pipelineName, "pipeline", "", "pipeline to run: taudem, watershed or geomorphon (default from config)")
	f.StringVar(&pattern, "pattern", "", "file name glob of DEMs to process (default from config)")
	f.DurationVar(&settle, "settle", 0, "quiet period before a file is processed (default from config)")
	f.BoolVar(&existing, "existing", false, "also process matching files already present")
	return cmd
}

// watchHandler returns the driver call for a watched DEM.
func (a *app) watchHandler(name string) (watch.Handler, error) {
	d := a.pipelineDriver()
	out := a.env.stdout()
	var run func(ctx context.Context, dem string) (*pipeline.Outcome, error)
	switch name {
	case pipeline.PipelineTauDEM:
		run = func(ctx context.Context, dem string) (*pipeline.Outcome, error) {
			return d.TauDEMChain(ctx, dem, pipeline.ChainOptions{})
		}
	case pipeline.PipelineWatershed:
		run = func(ctx context.Context, dem string) (*pipeline.Outcome, error) {
			return d.WatershedToStreamNet(ctx, dem, 0, nil)
		}
	case pipeline.PipelineGeomorphon:
		params := a.geomorphonParams()
		run = func(ctx context.Context, dem string) (*pipeline.Outcome, error) {
			return d.GeomorphonRun(ctx, dem, 0, params)
		}
	default:
		return nil, invalidInvocationf("invalid --pipeline %q (expected taudem|watershed|geomorphon)", name)
	}
	return func(ctx context.Context, dem string) error {
		o, err := run(ctx, dem)
		printOutcome(out, o)
		return err
	}, nil
}
