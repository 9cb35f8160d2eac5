package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"hydroflow/internal/journal"
	"hydroflow/internal/metrics"
	"hydroflow/internal/naming"
	"hydroflow/internal/stage"
	"hydroflow/internal/thresholds"
	"hydroflow/internal/trace"
)

// Pipeline names, as used in metrics labels and journal records.
const (
	PipelineTauDEM      = "taudem"
	PipelineWatershed   = "watershed"
	PipelineInversePlan = "invplan"
	PipelineEnforce     = "enforce"
	PipelineGeomorphon  = "geomorphon"
)

// Driver assembles stage chains into graphs and runs them.
type Driver struct {
	Stages  *stage.Stages
	Logger  *zap.Logger
	Metrics *metrics.Collectors
	// Journal writes run.json, failure.json and trace.json under the input's
	// project root.
	Journal bool
}

// Outcome is what one pipeline run produced.
type Outcome struct {
	RunID    string
	Pipeline string
	// Outputs maps artifact keys (fel, p, ad8, src, ord, ...) to the paths
	// written.
	Outputs map[string]string
	Report  *Report
	Trace   trace.RunTrace
}

func (d *Driver) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

// ChainOptions configure TauDEMChain.
type ChainOptions struct {
	// Threshold overrides the default for Method.
	Threshold *int
	// Method picks the grid thresholded into streams: D8AREA (default) or GORD.
	Method thresholds.Method
	// Resolution overrides the DEM's D{n} qualifier for threshold lookup.
	Resolution int
	// SkipStreamNet stops after Gridnet.
	SkipStreamNet bool
}

// TauDEMChain runs PitRemove, D8FlowDir, AreaD8 and Gridnet on dem, then
// Threshold and StreamNet unless SkipStreamNet is set.
func (d *Driver) TauDEMChain(ctx context.Context, dem string, opts ChainOptions) (*Outcome, error) {
	method := opts.Method
	if method == "" {
		method = thresholds.D8Area
	}
	if method != thresholds.D8Area && method != thresholds.GridOrder {
		return nil, fmt.Errorf("taudem chain thresholds D8AREA or GORD grids, not %s", method)
	}

	resolution := inputResolution(opts.Resolution, dem)

	return d.execute(ctx, PipelineTauDEM, dem, map[string]string{"dem": dem}, func(st *stage.Stages) []Step {
		steps := []Step{
			{Name: "pit-remove", Run: func(ctx context.Context, a *Artifacts) error {
				return publish(a, "fel")(st.PitRemove(ctx, must(a, "dem")))
			}},
			{Name: "flow-direction", Needs: []string{"pit-remove"}, Run: func(ctx context.Context, a *Artifacts) error {
				fd, err := st.FlowDirection(ctx, must(a, "fel"))
				if err != nil {
					return err
				}
				a.Set("p", fd.P)
				a.Set("sd8", fd.Slope)
				return nil
			}},
			{Name: "area-accumulation", Needs: []string{"flow-direction"}, Run: func(ctx context.Context, a *Artifacts) error {
				return publish(a, "ad8")(st.AreaAccumulation(ctx, must(a, "p")))
			}},
			{Name: "grid-network", Needs: []string{"flow-direction"}, Run: func(ctx context.Context, a *Artifacts) error {
				gn, err := st.GridNetwork(ctx, must(a, "p"))
				if err != nil {
					return err
				}
				a.Set("plen", gn.LongestPath)
				a.Set("tlen", gn.TotalLength)
				a.Set("gord", gn.Order)
				return nil
			}},
		}
		if opts.SkipStreamNet {
			return steps
		}

		ssaKey, ssaStep := "ad8", "area-accumulation"
		if method == thresholds.GridOrder {
			ssaKey, ssaStep = "gord", "grid-network"
		}
		return append(steps,
			Step{Name: "stream-threshold", Needs: []string{ssaStep}, Run: func(ctx context.Context, a *Artifacts) error {
				return publish(a, "src")(st.StreamThreshold(ctx, must(a, ssaKey), opts.Threshold, resolution))
			}},
			streamNetStep(st, "stream-threshold", "area-accumulation"),
		)
	})
}

// WatershedToStreamNet derives P and SRC with r.watershed, fills the DEM and
// accumulates area on P, then runs StreamNet.
func (d *Driver) WatershedToStreamNet(ctx context.Context, dem string, resolution int, threshold *int) (*Outcome, error) {
	return d.execute(ctx, PipelineWatershed, dem, map[string]string{"dem": dem}, func(st *stage.Stages) []Step {
		return []Step{
			{Name: "watershed", Run: func(ctx context.Context, a *Artifacts) error {
				ws, err := st.Watershed(ctx, must(a, "dem"), resolution, threshold)
				if err != nil {
					return err
				}
				a.Set("src", ws.Src)
				a.Set("p", ws.P)
				return nil
			}},
			{Name: "pit-remove", Run: func(ctx context.Context, a *Artifacts) error {
				return publish(a, "fel")(st.PitRemove(ctx, must(a, "dem")))
			}},
			{Name: "area-accumulation", Needs: []string{"watershed"}, Run: func(ctx context.Context, a *Artifacts) error {
				return publish(a, "ad8")(st.AreaAccumulation(ctx, must(a, "p")))
			}},
			streamNetStep(st, "watershed", "pit-remove", "area-accumulation"),
		}
	})
}

// InversePlanInputs are the grids InversePlanToStreamNet reads.
type InversePlanInputs struct {
	InversePlan string
	Fel         string
	P           string
	AD8         string
}

// InversePlanToStreamNet thresholds an inverse plan curvature grid into
// streams and runs StreamNet on them.
func (d *Driver) InversePlanToStreamNet(ctx context.Context, in InversePlanInputs, resolution int, threshold *int) (*Outcome, error) {
	inputs := map[string]string{"invplan": in.InversePlan, "fel": in.Fel, "p": in.P, "ad8": in.AD8}
	resolution = inputResolution(resolution, in.InversePlan, in.Fel, in.AD8, in.P)
	return d.execute(ctx, PipelineInversePlan, in.InversePlan, inputs, func(st *stage.Stages) []Step {
		return []Step{
			{Name: "stream-threshold", Run: func(ctx context.Context, a *Artifacts) error {
				return publish(a, "src")(st.StreamThreshold(ctx, must(a, "invplan"), threshold, resolution))
			}},
			streamNetStep(st, "stream-threshold"),
		}
	})
}

// EnforceInputs are the HydroEnforce inputs. Either Culverts or Zones is
// required; Zones is a culvert zone raster that skips the vector steps.
type EnforceInputs struct {
	DEM      string
	Culverts []string
	Zones    string
}

// EnforceOptions configure HydroEnforce.
type EnforceOptions struct {
	ExtendDistance float64
	BreachDistance float64
	// MinDepth, when positive, adds the depression zone analysis of the
	// breached DEM.
	MinDepth float64
}

// HydroEnforce burns culverts into dem and breaches depressions on both the
// original and the burned surface. Culvert files whose name already carries
// the DEM's project id are used as clipped.
func (d *Driver) HydroEnforce(ctx context.Context, in EnforceInputs, opts EnforceOptions) (*Outcome, error) {
	if len(in.Culverts) == 0 && in.Zones == "" {
		return nil, fmt.Errorf("hydro enforcement needs culvert files or a zone raster")
	}
	dem, err := naming.Parse(in.DEM)
	if err != nil {
		return nil, fmt.Errorf("dem: %w", err)
	}

	inputs := map[string]string{"dem": in.DEM}
	if in.Zones != "" {
		inputs["pipr"] = in.Zones
	}
	var clipped, raw []string
	for _, c := range in.Culverts {
		if PreClipped(c, dem.ProjectID) {
			clipped = append(clipped, c)
		} else {
			raw = append(raw, c)
		}
	}

	return d.execute(ctx, PipelineEnforce, in.DEM, inputs, func(st *stage.Stages) []Step {
		var steps []Step
		zonesNeed := []string(nil)
		if in.Zones == "" {
			var clips []string
			for i, c := range raw {
				name := fmt.Sprintf("clip-culverts-%02d", i)
				key := fmt.Sprintf("pipes.%02d", i)
				culvert := c
				clips = append(clips, name)
				steps = append(steps, Step{Name: name, Run: func(ctx context.Context, a *Artifacts) error {
					cc, err := st.ClipCulverts(ctx, culvert, must(a, "dem"))
					if err != nil {
						return err
					}
					a.Set(key+".box", cc.Footprint)
					a.Set(key, cc.Pipes)
					return nil
				}})
			}
			steps = append(steps,
				Step{Name: "merge-culverts", Needs: clips, Run: func(ctx context.Context, a *Artifacts) error {
					files := append([]string(nil), clipped...)
					for i := range raw {
						files = append(files, must(a, fmt.Sprintf("pipes.%02d", i)))
					}
					return publish(a, "pipes")(st.MergeCulverts(ctx, must(a, "dem"), files))
				}},
				Step{Name: "extend-culverts", Needs: []string{"merge-culverts"}, Run: func(ctx context.Context, a *Artifacts) error {
					return publish(a, "xtpipe")(st.ExtendCulverts(ctx, must(a, "pipes"), opts.ExtendDistance))
				}},
				Step{Name: "rasterize-culverts", Needs: []string{"extend-culverts"}, Run: func(ctx context.Context, a *Artifacts) error {
					return publish(a, "pipr")(st.RasterizeCulverts(ctx, must(a, "xtpipe"), must(a, "dem")))
				}},
			)
			zonesNeed = []string{"rasterize-culverts"}
		}

		steps = append(steps,
			Step{Name: "zone-minimum", Needs: zonesNeed, Run: func(ctx context.Context, a *Artifacts) error {
				return publish(a, "min")(st.ZoneMinimum(ctx, must(a, "dem"), must(a, "pipr")))
			}},
			Step{Name: "burn-culverts", Needs: []string{"zone-minimum"}, Run: func(ctx context.Context, a *Artifacts) error {
				b, err := st.BurnCulverts(ctx, must(a, "dem"), must(a, "min"))
				if err != nil {
					return err
				}
				a.Set("pos", b.Position)
				a.Set("burned", b.DEM)
				return nil
			}},
			// The breaches follow the burn so the DEM groups number burn,
			// breached, breached-burned.
			Step{Name: "breach-dem", Needs: []string{"burn-culverts"}, Run: func(ctx context.Context, a *Artifacts) error {
				return publish(a, "breached")(st.BreachDepressions(ctx, must(a, "dem"), opts.BreachDistance))
			}},
			Step{Name: "breach-burned", Needs: []string{"breach-dem"}, Run: func(ctx context.Context, a *Artifacts) error {
				return publish(a, "breached_burned")(st.BreachDepressions(ctx, must(a, "burned"), opts.BreachDistance))
			}},
		)
		if opts.MinDepth > 0 {
			steps = append(steps, Step{Name: "depression-zones", Needs: []string{"breach-dem"}, Run: func(ctx context.Context, a *Artifacts) error {
				z, err := st.DepressionZones(ctx, must(a, "dem"), must(a, "breached"), opts.MinDepth)
				if err != nil {
					return err
				}
				a.Set("zones.diff", z.Difference)
				a.Set("zones.means", z.Means)
				a.Set("zones.polygons", z.Polygons)
				return nil
			}})
		}
		return steps
	})
}

// GeomorphonRun classifies landforms on dem.
func (d *Driver) GeomorphonRun(ctx context.Context, dem string, resolution int, params stage.GeomorphonParams) (*Outcome, error) {
	return d.execute(ctx, PipelineGeomorphon, dem, map[string]string{"dem": dem}, func(st *stage.Stages) []Step {
		return []Step{{Name: "geomorphon", Run: func(ctx context.Context, a *Artifacts) error {
			return publish(a, "geom")(st.Geomorphon(ctx, must(a, "dem"), resolution, params))
		}}}
	})
}

// PreClipped reports whether a culvert file was already clipped to a project,
// which its name shows by carrying the project id.
func PreClipped(culvertPath, projectID string) bool {
	return projectID != "" && strings.Contains(filepath.Base(culvertPath), projectID)
}

func streamNetStep(st *stage.Stages, needs ...string) Step {
	return Step{Name: "stream-network", Needs: needs, Run: func(ctx context.Context, a *Artifacts) error {
		sn, err := st.StreamNetwork(ctx, stage.StreamNetInputs{
			Fel: must(a, "fel"),
			P:   must(a, "p"),
			AD8: must(a, "ad8"),
			Src: must(a, "src"),
		})
		if err != nil {
			return err
		}
		a.Set("ord", sn.Order)
		a.Set("tree", sn.Tree)
		a.Set("coord", sn.Coord)
		a.Set("net", sn.Reaches)
		a.Set("w", sn.Basins)
		return nil
	}}
}

// publish stores a single-path stage result under key.
func publish(a *Artifacts, key string) func(string, error) error {
	return func(path string, err error) error {
		if err != nil {
			return err
		}
		a.Set(key, path)
		return nil
	}
}

// must returns the artifact under key, or "" which the stage rejects as a
// malformed name.
func must(a *Artifacts, key string) string {
	p, _ := a.Lookup(key)
	return p
}

// execute builds the graph against a per-run copy of the stages wired to a
// fresh trace recorder, runs it and journals the result.
func (d *Driver) execute(ctx context.Context, pipeline, anchor string, inputs map[string]string, build func(*stage.Stages) []Step) (*Outcome, error) {
	if d.Stages == nil || d.Stages.Resolver == nil {
		return nil, fmt.Errorf("%s: stages not configured", pipeline)
	}
	anchorArt, err := naming.Parse(anchor)
	if err != nil {
		return nil, fmt.Errorf("%s input: %w", pipeline, err)
	}

	rec := trace.NewRecorder()
	st := d.runStages(rec)
	g, err := NewGraph(build(st))
	if err != nil {
		return nil, err
	}

	runID := journal.NewRunID()
	log := d.logger().With(zap.String("run", runID))
	st.Logger = log
	jr := d.journal(st, anchorArt, log)

	run, err := jr.Start(runID, pipeline, g.Hash().String(), inputs, journalEdges(g))
	if err != nil {
		log.Warn("journal unavailable", zap.Error(err))
		jr = nil
	}

	arts := NewArtifacts(inputs)
	runner := &Runner{Logger: log, Metrics: d.Metrics, Trace: rec}
	report, runErr := runner.Run(ctx, pipeline, g, arts)

	outcome := &Outcome{RunID: runID, Pipeline: pipeline, Outputs: map[string]string{}, Report: report}
	if report != nil {
		outcome.Trace = rec.Trace(report.GraphHash.String())
	}
	// Partial outputs are reported too; they stay on disk after a failure.
	for k, v := range arts.Snapshot() {
		if _, isInput := inputs[k]; !isInput && v != "" {
			outcome.Outputs[k] = v
		}
	}
	d.finish(jr, run, outcome, runErr, log)
	return outcome, runErr
}

// runStages returns a copy of the configured stages whose resolver and
// stages both record into rec as well as the configured sinks.
func (d *Driver) runStages(rec *trace.Recorder) *stage.Stages {
	st := *d.Stages
	st.Trace = tee(d.Stages.Trace, rec)
	res := *d.Stages.Resolver
	res.Trace = tee(d.Stages.Resolver.Trace, rec)
	st.Resolver = &res
	return &st
}

func tee(base trace.Sink, rec *trace.Recorder) trace.Sink {
	if base == nil {
		return rec
	}
	return trace.Tee{base, rec}
}

func (d *Driver) journal(st *stage.Stages, anchor naming.Artifact, log *zap.Logger) *journal.Recorder {
	if !d.Journal {
		return nil
	}
	jr, err := journal.NewRecorder(st.Resolver.Layout.ProjectRoot(anchor), log)
	if err != nil {
		log.Warn("journal unavailable", zap.Error(err))
		return nil
	}
	return jr
}

func (d *Driver) finish(jr *journal.Recorder, run journal.Run, o *Outcome, runErr error, log *zap.Logger) {
	if jr == nil {
		return
	}
	status := journal.RunSucceeded
	switch {
	case runErr != nil && o.Report != nil && o.Report.Failed == "":
		status = journal.RunAborted
	case runErr != nil:
		status = journal.RunFailed
	}
	steps := map[string]string{}
	if o.Report != nil {
		for name, st := range o.Report.States {
			steps[name] = string(st)
		}
	}
	if runErr != nil {
		if _, err := jr.RecordFailure(o.RunID, runErr); err != nil {
			log.Warn("journal failure record not written", zap.Error(err))
		}
	}
	if o.Report != nil {
		if err := jr.RecordTrace(o.RunID, o.Trace); err != nil {
			log.Warn("journal trace not written", zap.Error(err))
		}
	}
	if _, err := jr.Finish(run, status, o.Outputs, steps); err != nil {
		log.Warn("journal run record not written", zap.Error(err))
		return
	}
	log.Debug("run journaled", zap.String("dir", jr.Store.RunDir(o.RunID)))
}

// inputResolution returns explicit when positive, otherwise the first D{n}
// qualifier found on paths, or 0. Derived grids do not carry the qualifier,
// so it is read from the pipeline inputs before any stage runs.
func inputResolution(explicit int, paths ...string) int {
	if explicit > 0 {
		return explicit
	}
	for _, p := range paths {
		a, err := naming.Parse(p)
		if err != nil {
			continue
		}
		if r, ok := a.Resolution(); ok {
			return r
		}
	}
	return 0
}

func journalEdges(g *Graph) []journal.Edge {
	edges := g.Edges()
	out := make([]journal.Edge, len(edges))
	for i, e := range edges {
		out[i] = journal.Edge{From: e.From, To: e.To}
	}
	return out
}
