package whitebox

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hydroflow/internal/engine"
	"hydroflow/internal/engine/enginetest"
)

func TestArgv(t *testing.T) {
	a := New(Config{WorkDir: "/data", Verbose: true}, nil, nil, nil)
	got := a.Argv(engine.Invocation{
		Operation: BreachDepressionsLeastCost,
		Inputs:    []engine.Arg{{Key: "dem", Value: "in.tif"}},
		Outputs:   []engine.Arg{{Key: "output", Value: "out.tif"}},
		Params:    []engine.Arg{{Key: "dist", Value: "50"}},
		Flags:     []string{"fill"},
	})
	assert.Equal(t, []string{
		"whitebox_tools", "--run=BreachDepressionsLeastCost", "--wd=/data",
		"--dem=in.tif", "--output=out.tif", "--dist=50", "--fill", "-v",
	}, got)
}

func TestJoin(t *testing.T) {
	assert.Equal(t, "a.shp;b.shp", Join("a.shp", "b.shp"))
	assert.Equal(t, "a.shp", Join("a.shp"))
}

func TestInvoke_NonZeroExitSurfacesStderr(t *testing.T) {
	out := filepath.Join(t.TempDir(), "HUC01_BOX00_DEM00.shp")
	runner := &enginetest.Runner{Handle: func(engine.Command) (*engine.Result, error) {
		return &engine.Result{ExitCode: 1, Stderr: []byte("Unrecognized tool name")}, nil
	}}

	_, err := New(Config{}, runner, nil, nil).Invoke(context.Background(), engine.Invocation{
		Operation: LayerFootprint,
		Inputs:    []engine.Arg{{Key: "input", Value: "dem.tif"}},
		Outputs:   []engine.Arg{{Key: "output", Value: out}},
	})
	var toolErr *engine.ExternalToolError
	require.True(t, errors.As(err, &toolErr))
	assert.Equal(t, Tool, toolErr.Tool)
	assert.Equal(t, LayerFootprint, toolErr.Operation)
	assert.Equal(t, 1, toolErr.ExitCode)
	assert.Equal(t, "Unrecognized tool name", toolErr.Stderr)
}
