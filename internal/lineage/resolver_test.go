package lineage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hydroflow/internal/group"
	"hydroflow/internal/naming"
	"hydroflow/internal/trace"
)

// newProject lays out <tmp>/HUC01/Surface/DSM00_LDR2014/HUC01_DEM00_SRC2020.tif
// and returns the project root and the parsed DEM.
func newProject(t *testing.T) (string, naming.Artifact) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "HUC01")
	dir := filepath.Join(root, ClassSurface, "DSM00_LDR2014")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, "HUC01_DEM00_SRC2020.tif")
	require.NoError(t, os.WriteFile(path, []byte("dem"), 0o644))
	dem, err := naming.Parse(path)
	require.NoError(t, err)
	return root, dem
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, nil, 0o644))
}

var felTarget = Target{
	Class:       ClassSurfaceFlow,
	Prefix:      FamilySFW,
	ProductCode: "FEL",
	Ext:         "tif",
	Tag:         TagGroup,
	Descriptor:  naming.Upstream,
}

func TestLayout_ProjectRootAndIdentity(t *testing.T) {
	root, dem := newProject(t)
	l := DefaultLayout()
	assert.Equal(t, root, l.ProjectRoot(dem))
	assert.Equal(t, filepath.Join(root, ClassBasins), l.ClassDir(dem, ClassBasins))
	assert.Equal(t, "DSM00", GroupIdentity(dem))

	class, prefix, ok := Family(dem)
	require.True(t, ok)
	assert.Equal(t, ClassSurface, class)
	assert.Equal(t, FamilyDSM, prefix)

	loose, err := naming.Parse(filepath.Join(t.TempDir(), "HUC01_DEM03_SRC2020.tif"))
	require.NoError(t, err)
	assert.Equal(t, "DEM03", GroupIdentity(loose))
	_, _, ok = Family(loose)
	assert.False(t, ok)
}

func TestResolve_EndToEndNamingScenario(t *testing.T) {
	root, dem := newProject(t)
	r := NewResolver(DefaultLayout(), group.NewAllocator(0, nil, nil), nil)
	ctx := context.Background()

	fel, err := r.Resolve(ctx, dem, felTarget)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, ClassSurfaceFlow, "SFW00_DSM00", "HUC01_FEL00_DEM00.tif"), fel.Path())
	assert.False(t, fel.Reused)
	touch(t, fel.Path())

	p, err := r.InGroup(fel.Artifact, Target{ProductCode: "P", Ext: "tif"})
	require.NoError(t, err)
	slp, err := r.InGroup(fel.Artifact, Target{ProductCode: "D8SLP", Ext: "tif"})
	require.NoError(t, err)
	assert.Equal(t, "HUC01_P00_DEM00.tif", p.Artifact.Name())
	assert.Equal(t, "HUC01_D8SLP00_DEM00.tif", slp.Artifact.Name())
	assert.Equal(t, fel.GroupPath, p.GroupPath)
	assert.Equal(t, "SFW00_DSM00", p.Group.String())
	touch(t, p.Path())

	area, err := r.InGroup(p.Artifact, Target{ProductCode: "D8AREA", Ext: "tif"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(fel.GroupPath, "HUC01_D8AREA00_DEM00.tif"), area.Path())
}

func TestResolve_ReusesGroupAndDisambiguatesExistingFile(t *testing.T) {
	_, dem := newProject(t)
	rec := trace.NewRecorder()
	r := NewResolver(DefaultLayout(), group.NewAllocator(0, nil, nil), nil)
	r.Trace = rec
	ctx := context.Background()

	first, err := r.Resolve(ctx, dem, felTarget)
	require.NoError(t, err)
	touch(t, first.Path())

	second, err := r.Resolve(ctx, dem, felTarget)
	require.NoError(t, err)
	assert.True(t, second.Reused)
	assert.Equal(t, first.GroupPath, second.GroupPath)
	assert.Equal(t, "HUC01_FEL00_DEM00_v1.tif", second.Artifact.Name())
	touch(t, second.Path())

	third, err := r.Resolve(ctx, dem, felTarget)
	require.NoError(t, err)
	assert.Equal(t, "HUC01_FEL00_DEM00_v2.tif", third.Artifact.Name())

	over := felTarget
	over.Overwrite = true
	same, err := r.Resolve(ctx, dem, over)
	require.NoError(t, err)
	assert.Equal(t, first.Path(), same.Path())

	tr := rec.Trace("g")
	assert.Len(t, tr.Filter(trace.EventGroupAllocated), 1)
	assert.Len(t, tr.Filter(trace.EventGroupReused), 3)
}

func TestInGroupAll_SharesOneDisambiguator(t *testing.T) {
	_, dem := newProject(t)
	r := NewResolver(DefaultLayout(), group.NewAllocator(0, nil, nil), nil)
	fel, err := r.Resolve(context.Background(), dem, felTarget)
	require.NoError(t, err)
	touch(t, fel.Path())

	outputs := []Target{{ProductCode: "P", Ext: "tif"}, {ProductCode: "D8SLP", Ext: "tif"}}
	fresh, err := r.InGroupAll(fel.Artifact, outputs...)
	require.NoError(t, err)
	require.Len(t, fresh, 2)
	assert.Equal(t, "HUC01_P00_DEM00.tif", fresh[0].Artifact.Name())
	assert.Equal(t, "HUC01_D8SLP00_DEM00.tif", fresh[1].Artifact.Name())

	touch(t, fresh[1].Path())
	touch(t, filepath.Join(fel.GroupPath, "HUC01_P00_DEM00_v1.tif"))
	again, err := r.InGroupAll(fel.Artifact, outputs...)
	require.NoError(t, err)
	assert.Equal(t, "HUC01_P00_DEM00_v2.tif", again[0].Artifact.Name())
	assert.Equal(t, "HUC01_D8SLP00_DEM00_v2.tif", again[1].Artifact.Name())
	assert.Equal(t, "SFW00_DSM00", again[1].Group.String())
}

func TestResolve_FreshAlwaysAllocates(t *testing.T) {
	root, dem := newProject(t)
	r := NewResolver(DefaultLayout(), group.NewAllocator(0, nil, nil), nil)
	target := Target{
		Class:       ClassStreamPres,
		Prefix:      FamilySTPRES,
		ProductCode: "SRC",
		Ext:         "tif",
		Tag:         TagUpstream,
		Descriptor:  naming.Upstream,
		Fresh:       true,
	}

	a, err := r.Resolve(context.Background(), dem, target)
	require.NoError(t, err)
	b, err := r.Resolve(context.Background(), dem, target)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(root, ClassStreamPres, "STPRES00_DEM00", "HUC01_SRC00_DEM00.tif"), a.Path())
	assert.Equal(t, filepath.Join(root, ClassStreamPres, "STPRES01_DEM00", "HUC01_SRC01_DEM00.tif"), b.Path())
}

func TestResolve_DoesNotReuseNearMissPrefix(t *testing.T) {
	root, dem := newProject(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, ClassSurfaceFlow, "SFWX00_DSM00"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ClassSurfaceFlow, "SFW04_DSM001"), 0o755))

	r := NewResolver(DefaultLayout(), group.NewAllocator(0, nil, nil), nil)
	res, err := r.Resolve(context.Background(), dem, felTarget)
	require.NoError(t, err)
	assert.False(t, res.Reused)
	assert.Equal(t, "SFW05_DSM00", filepath.Base(res.GroupPath))
}

func TestInto_UsesDestinationNumber(t *testing.T) {
	root, dem := newProject(t)
	dest := filepath.Join(root, ClassHydroRoute, "PIPES03_DEM00")
	require.NoError(t, os.MkdirAll(dest, 0o755))

	r := NewResolver(DefaultLayout(), nil, nil)
	res, err := r.Into(dem, dest, Target{ProductCode: "BOX", Ext: "shp", Descriptor: naming.Upstream})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, "HUC01_BOX03_DEM00.shp"), res.Path())

	_, err = r.Into(dem, filepath.Join(root, "not_a_group"), Target{ProductCode: "BOX", Ext: "shp"})
	assert.Error(t, err)
}
