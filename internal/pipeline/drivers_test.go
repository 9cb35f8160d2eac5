package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hydroflow/internal/engine"
	"hydroflow/internal/engine/enginetest"
	"hydroflow/internal/group"
	"hydroflow/internal/journal"
	"hydroflow/internal/lineage"
	"hydroflow/internal/naming"
	"hydroflow/internal/stage"
	"hydroflow/internal/thresholds"
	"hydroflow/internal/trace"
)

type driverFixture struct {
	root     string
	dem      string
	driver   *Driver
	taudem   *enginetest.Tool
	whitebox *enginetest.Tool
	grass    *enginetest.Sessions
}

func newDriverFixture(t *testing.T) *driverFixture {
	t.Helper()
	root := filepath.Join(t.TempDir(), "HUC01")
	dem := filepath.Join(root, lineage.ClassSurface, "DSM00_LDR2014", "HUC01_DEM00_SRC2020.tif")
	require.NoError(t, enginetest.Touch(dem))

	f := &driverFixture{
		root:     root,
		dem:      dem,
		taudem:   &enginetest.Tool{},
		whitebox: &enginetest.Tool{},
		grass:    &enginetest.Sessions{Session: &enginetest.Tool{}},
	}
	f.driver = &Driver{
		Stages: &stage.Stages{
			Resolver:   lineage.NewResolver(lineage.DefaultLayout(), group.NewAllocator(0, nil, nil), nil),
			TauDEM:     f.taudem,
			GRASS:      f.grass,
			Whitebox:   f.whitebox,
			Thresholds: thresholds.Defaults(),
		},
		Journal: true,
	}
	return f
}

func (f *driverFixture) path(parts ...string) string {
	return filepath.Join(append([]string{f.root}, parts...)...)
}

func (f *driverFixture) store(t *testing.T) *journal.Store {
	t.Helper()
	s, err := journal.NewStore(f.root)
	require.NoError(t, err)
	return s
}

func TestTauDEMChain_WritesEveryProductAndJournals(t *testing.T) {
	f := newDriverFixture(t)

	out, err := f.driver.TauDEMChain(context.Background(), f.dem, ChainOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"PitRemove", "D8FlowDir", "AreaD8", "Gridnet", "Threshold", "StreamNet"}, f.taudem.Operations())
	assert.Equal(t, f.path("Surface_Flow", "SFW00_DSM00", "HUC01_FEL00_DEM00.tif"), out.Outputs["fel"])
	assert.Equal(t, f.path("Surface_Flow", "SFW00_DSM00", "HUC01_D8AREA00_DEM00.tif"), out.Outputs["ad8"])
	assert.Equal(t, f.path("Stream_Pres", "STPRES00_D8AREA00", "HUC01_SRC00_D8AREA00.tif"), out.Outputs["src"])
	assert.Equal(t, f.path("Stream_Net", "SNET00_SRC00", "HUC01_ORD00_SRC00.tif"), out.Outputs["ord"])
	assert.Equal(t, f.path("Basins", "BSN00_SRC00", "HUC01_BSN00_SRC00.tif"), out.Outputs["w"])
	assert.NotContains(t, out.Outputs, "dem")

	assert.Len(t, out.Trace.Filter(trace.EventStepCompleted), 6)
	assert.Len(t, out.Trace.Filter(trace.EventGroupAllocated), 4, "SFW00, STPRES00, SNET00, BSN00")

	store := f.store(t)
	ids, err := store.ListRunIDs()
	require.NoError(t, err)
	require.Equal(t, []string{out.RunID}, ids)
	run, err := store.LoadRun(out.RunID)
	require.NoError(t, err)
	assert.Equal(t, journal.RunSucceeded, run.Status)
	assert.Equal(t, out.Outputs, run.Outputs)
	assert.Equal(t, "COMPLETED", run.Steps["stream-network"])
	assert.Contains(t, run.Edges, journal.Edge{From: "stream-threshold", To: "stream-network"})
	assert.Contains(t, run.Edges, journal.Edge{From: "pit-remove", To: "flow-direction"})
	saved, err := store.LoadTrace(out.RunID)
	require.NoError(t, err)
	assert.Equal(t, out.Trace, saved)
	_, err = store.LoadFailure(out.RunID)
	assert.True(t, os.IsNotExist(err))
}

func TestTauDEMChain_FailureStopsDownstreamAndKeepsPartialOutputs(t *testing.T) {
	f := newDriverFixture(t)
	toolErr := &engine.ExternalToolError{
		Tool:      "taudem",
		Operation: "D8FlowDir",
		Command:   []string{"mpiexec", "-n", "8", "D8FlowDir"},
		ExitCode:  1,
		Stderr:    "ERROR: bad fel",
	}
	f.taudem.Fail = map[string]error{"D8FlowDir": toolErr}

	out, err := f.driver.TauDEMChain(context.Background(), f.dem, ChainOptions{})
	var got *engine.ExternalToolError
	require.True(t, errors.As(err, &got))
	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, "flow-direction", stepErr.Step)

	assert.Equal(t, []string{"PitRemove", "D8FlowDir"}, f.taudem.Operations())
	fel := f.path("Surface_Flow", "SFW00_DSM00", "HUC01_FEL00_DEM00.tif")
	assert.Equal(t, map[string]string{"fel": fel}, out.Outputs)
	assert.FileExists(t, fel)
	assert.Equal(t, StepSkipped, out.Report.States["stream-network"])

	store := f.store(t)
	run, err := store.LoadRun(out.RunID)
	require.NoError(t, err)
	assert.Equal(t, journal.RunFailed, run.Status)
	failure, err := store.LoadFailure(out.RunID)
	require.NoError(t, err)
	assert.Equal(t, journal.FailureClassTool, failure.FailureClass)
	require.NotNil(t, failure.Step)
	assert.Equal(t, "flow-direction", *failure.Step)
	assert.Equal(t, "ERROR: bad fel", failure.Stderr)
	assert.Equal(t, toolErr.Command, failure.Command)
}

func TestTauDEMChain_GridOrderMethodWithoutDefaultFails(t *testing.T) {
	f := newDriverFixture(t)
	f.driver.Journal = false

	_, err := f.driver.TauDEMChain(context.Background(), f.dem, ChainOptions{Method: thresholds.GridOrder})
	var missing *thresholds.MissingThresholdError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, []string{"PitRemove", "D8FlowDir", "AreaD8", "Gridnet"}, f.taudem.Operations())
	assert.NoDirExists(t, f.path(journal.Dir))

	_, err = f.driver.TauDEMChain(context.Background(), f.dem, ChainOptions{Method: thresholds.Watershed})
	assert.Error(t, err)
}

func TestTauDEMChain_ThresholdFollowsDEMResolution(t *testing.T) {
	f := newDriverFixture(t)
	f.driver.Journal = false
	f.driver.Stages.Thresholds = thresholds.Defaults().Merge(thresholds.Tables{
		thresholds.D8Area: {ByResolution: map[int]int{20: 250, 10: 900}},
	})
	dem := f.path(lineage.ClassSurface, "DSM01_LDR2014", "HUC01_DEM01_LDR2014_D20.tif")
	require.NoError(t, enginetest.Touch(dem))

	out, err := f.driver.TauDEMChain(context.Background(), dem, ChainOptions{})
	require.NoError(t, err)
	assert.Equal(t, f.path("Stream_Pres", "STPRES00_D8AREA00", "HUC01_SRC00_D8AREA00.tif"), out.Outputs["src"])
	threshold := f.taudem.Invocations()[4]
	assert.Equal(t, "Threshold", threshold.Operation)
	assert.Equal(t, []engine.Arg{{Key: "thresh", Value: "250"}}, threshold.Params)

	_, err = f.driver.TauDEMChain(context.Background(), dem, ChainOptions{Resolution: 10})
	require.NoError(t, err)
	assert.Equal(t, []engine.Arg{{Key: "thresh", Value: "900"}}, f.taudem.Invocations()[10].Params)

	_, err = f.driver.TauDEMChain(context.Background(), f.dem, ChainOptions{})
	var missing *thresholds.MissingThresholdError
	require.True(t, errors.As(err, &missing), "got %v", err)
	assert.Zero(t, missing.Resolution)
}

func TestTauDEMChain_MalformedInputRunsNothing(t *testing.T) {
	f := newDriverFixture(t)
	bad := filepath.Join(t.TempDir(), "elevation.tif")
	require.NoError(t, enginetest.Touch(bad))

	_, err := f.driver.TauDEMChain(context.Background(), bad, ChainOptions{})
	var malformed *naming.MalformedNameError
	require.True(t, errors.As(err, &malformed))
	assert.Empty(t, f.taudem.Operations())
}

func TestWatershedToStreamNet(t *testing.T) {
	f := newDriverFixture(t)

	out, err := f.driver.WatershedToStreamNet(context.Background(), f.dem, 10, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"pit-remove", "watershed", "area-accumulation", "stream-network"}, out.Report.Order)
	assert.Equal(t, f.path("Surface_Flow", "SFW00_DSM00", "HUC01_FEL00_DEM00.tif"), out.Outputs["fel"])
	assert.Equal(t, f.path("Surface_Flow", "SFW01_DSM00", "HUC01_P01_DEM00.tif"), out.Outputs["p"])
	assert.Equal(t, f.path("Stream_Pres", "STPRES00_DSM00", "HUC01_SRC00_DEM00.tif"), out.Outputs["src"])
	assert.Equal(t, f.path("Surface_Flow", "SFW01_DSM00", "HUC01_D8AREA01_DEM00.tif"), out.Outputs["ad8"])
	assert.Equal(t, f.path("Stream_Net", "SNET00_SRC00", "HUC01_ORD00_SRC00.tif"), out.Outputs["ord"])

	net := f.taudem.Last()
	assert.Equal(t, "StreamNet", net.Operation)
	assert.Equal(t, []string{"sw"}, net.Flags)
	assert.Equal(t, []int{10}, f.grass.Opened())
}

func TestInversePlanToStreamNet(t *testing.T) {
	f := newDriverFixture(t)
	sfw := func(name string) string { return f.path("Surface_Flow", "SFW00_DSM00", name) }
	in := InversePlanInputs{
		InversePlan: sfw("HUC01_FWINVPLAN00_DEM00_D10.tif"),
		Fel:         sfw("HUC01_FEL00_DEM00.tif"),
		P:           sfw("HUC01_P00_DEM00.tif"),
		AD8:         sfw("HUC01_D8AREA00_DEM00.tif"),
	}
	require.NoError(t, enginetest.Touch(in.InversePlan, in.Fel, in.P, in.AD8))

	out, err := f.driver.InversePlanToStreamNet(context.Background(), in, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Threshold", "StreamNet"}, f.taudem.Operations())
	assert.Equal(t, f.path("Stream_Pres", "STPRES00_FWINVPLAN00", "HUC01_SRC00_FWINVPLAN00.tif"), out.Outputs["src"])
	assert.Equal(t, f.path("Stream_Net", "SNET00_SRC00", "HUC01_ORD00_SRC00.tif"), out.Outputs["ord"])
}

func TestInversePlanToStreamNet_ResolutionFromFilledDEM(t *testing.T) {
	f := newDriverFixture(t)
	sfw := func(name string) string { return f.path("Surface_Flow", "SFW00_DSM00", name) }
	in := InversePlanInputs{
		InversePlan: sfw("HUC01_FWINVPLAN00_DEM00.tif"),
		Fel:         sfw("HUC01_FEL00_DEM00_D5.tif"),
		P:           sfw("HUC01_P00_DEM00.tif"),
		AD8:         sfw("HUC01_D8AREA00_DEM00.tif"),
	}
	require.NoError(t, enginetest.Touch(in.InversePlan, in.Fel, in.P, in.AD8))

	_, err := f.driver.InversePlanToStreamNet(context.Background(), in, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, []engine.Arg{{Key: "thresh", Value: "500"}}, f.taudem.Invocations()[0].Params)
}

func TestHydroEnforce_ClipsOnlyUnclippedCulverts(t *testing.T) {
	f := newDriverFixture(t)
	statewide := filepath.Join(t.TempDir(), "culverts_statewide.shp")
	preclipped := filepath.Join(t.TempDir(), "HUC01_PIPES04_NCDOT.shp")
	require.NoError(t, enginetest.Touch(statewide, preclipped))

	out, err := f.driver.HydroEnforce(context.Background(),
		EnforceInputs{DEM: f.dem, Culverts: []string{preclipped, statewide}},
		EnforceOptions{ExtendDistance: 20, BreachDistance: 100})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"clip-culverts-00", "merge-culverts", "extend-culverts", "rasterize-culverts",
		"zone-minimum", "burn-culverts", "breach-dem", "breach-burned",
	}, out.Report.Order)
	clip, ok := f.whitebox.Find("Clip")
	require.True(t, ok)
	assert.Equal(t, statewide, clip.Inputs[0].Value)
	merge, _ := f.whitebox.Find("MergeVectors")
	assert.Equal(t, preclipped+";"+f.path("Hydro_Route", "PIPES00_DEM00", "HUC01_PIPES00_DEM00.shp"), merge.Inputs[0].Value)

	assert.Equal(t, f.path("Hydro_Route", "PIPES01_PIPES00", "HUC01_PIPES01_PIPES00.shp"), out.Outputs["pipes"])
	assert.Equal(t, f.path("Surface", "DSM01_DEM00", "HUC01_DEM01_DEM00.tif"), out.Outputs["burned"])
	assert.Equal(t, f.path("Surface", "DSM02_DEM00", "HUC01_DEM02_DEM00.tif"), out.Outputs["breached"])
	assert.Equal(t, f.path("Surface", "DSM03_DEM01", "HUC01_DEM03_DEM01.tif"), out.Outputs["breached_burned"])
}

func TestHydroEnforce_ZoneRasterSkipsVectorSteps(t *testing.T) {
	f := newDriverFixture(t)
	zones := f.path("Hydro_Route", "PIPES00_DEM00", "HUC01_PIPR00_DEM00.tif")
	require.NoError(t, enginetest.Touch(zones))

	out, err := f.driver.HydroEnforce(context.Background(),
		EnforceInputs{DEM: f.dem, Zones: zones},
		EnforceOptions{BreachDistance: 100, MinDepth: 0.5})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"zone-minimum", "burn-culverts", "breach-dem", "breach-burned", "depression-zones",
	}, out.Report.Order)
	assert.Equal(t, f.path("Surface", "DSM02_DEM00", "HUC01_FP02_DEM00.shp"), out.Outputs["zones.polygons"])

	_, err = f.driver.HydroEnforce(context.Background(), EnforceInputs{DEM: f.dem}, EnforceOptions{})
	assert.Error(t, err)
}

func TestGeomorphonRun(t *testing.T) {
	f := newDriverFixture(t)
	out, err := f.driver.GeomorphonRun(context.Background(), f.dem, 20, stage.DefaultGeomorphonParams())
	require.NoError(t, err)
	assert.Equal(t, f.path("Surface_Flow", "SFW00_DSM00", "HUC01_GEOM00_DEM00.tif"), out.Outputs["geom"])
	assert.Equal(t, PipelineGeomorphon, out.Pipeline)
}

func TestPreClipped(t *testing.T) {
	assert.True(t, PreClipped("/data/HUC01_PIPES04_NCDOT.shp", "HUC01"))
	assert.False(t, PreClipped("/HUC01/culverts.shp", "HUC01"))
	assert.False(t, PreClipped("/data/culverts.shp", ""))
}
