package stage

import (
	"context"
	"errors"
	"fmt"

	"hydroflow/internal/adapter/whitebox"
	"hydroflow/internal/engine"
	"hydroflow/internal/lineage"
	"hydroflow/internal/naming"
)

// Product codes written by the hydro-enforcement stages.
const (
	CodeBOX    = "BOX"
	CodePIPES  = "PIPES"
	CodeXTPIPE = "XTPIPE"
	CodePIPR   = "PIPR"
	CodeMIN    = "MIN"
	CodePOS    = "POS"
	CodeDEM    = "DEM"

	CodeDIFF  = "DIFF"
	CodeFCEL  = "FCEL"
	CodeFCLMP = "FCLMP"
	CodeFAREA = "FAREA"
	CodeFPTCH = "FPTCH"
	CodeFZ    = "FZ"
	CodeFMEAN = "FMEAN"
	CodeFP    = "FP"
)

// ClippedCulverts are the ClipCulverts outputs.
type ClippedCulverts struct {
	Footprint string
	Pipes     string
}

// ClipCulverts clips a culvert line file to the DEM footprint. The footprint
// and the clipped lines go to a new Hydro_Route group.
func (s *Stages) ClipCulverts(ctx context.Context, culvertPath, demPath string) (ClippedCulverts, error) {
	dem, err := parse("dem", demPath)
	if err != nil {
		return ClippedCulverts{}, err
	}
	if err := requireFiles(culvertPath, demPath); err != nil {
		return ClippedCulverts{}, err
	}

	box, err := s.Resolver.Resolve(ctx, dem, lineage.Target{
		Class:       lineage.ClassHydroRoute,
		Prefix:      lineage.FamilyPIPES,
		ProductCode: CodeBOX,
		Ext:         "shp",
		Tag:         lineage.TagUpstream,
		Descriptor:  naming.Upstream,
		Fresh:       true,
	})
	if err != nil {
		return ClippedCulverts{}, err
	}
	pipes, err := s.Resolver.Into(dem, box.GroupPath, lineage.Target{ProductCode: CodePIPES, Ext: "shp", Descriptor: naming.Upstream})
	if err != nil {
		return ClippedCulverts{}, err
	}

	err = s.run(ctx, s.Whitebox, whitebox.Tool, engine.Invocation{
		Operation: whitebox.LayerFootprint,
		Inputs:    []engine.Arg{arg("input", demPath)},
		Outputs:   []engine.Arg{arg("output", box.Path())},
	})
	if err != nil {
		return ClippedCulverts{}, err
	}
	err = s.run(ctx, s.Whitebox, whitebox.Tool, engine.Invocation{
		Operation: whitebox.Clip,
		Inputs:    []engine.Arg{arg("input", culvertPath), arg("clip", box.Path())},
		Outputs:   []engine.Arg{arg("output", pipes.Path())},
	})
	if err != nil {
		return ClippedCulverts{}, err
	}
	return ClippedCulverts{Footprint: box.Path(), Pipes: pipes.Path()}, nil
}

// MergeCulverts merges clipped culvert files into a new Hydro_Route group of
// the DEM's project, tagged with the last file's product token.
func (s *Stages) MergeCulverts(ctx context.Context, demPath string, pipePaths []string) (string, error) {
	if len(pipePaths) == 0 {
		return "", errors.New("merge culverts: no culvert files")
	}
	dem, err := parse("dem", demPath)
	if err != nil {
		return "", err
	}
	last, err := parse("pipes", pipePaths[len(pipePaths)-1])
	if err != nil {
		return "", err
	}
	if err := requireFiles(pipePaths...); err != nil {
		return "", err
	}

	merged, err := s.Resolver.Resolve(ctx, last, lineage.Target{
		Class:       lineage.ClassHydroRoute,
		Prefix:      lineage.FamilyPIPES,
		ProductCode: CodePIPES,
		Ext:         "shp",
		Tag:         lineage.TagUpstream,
		Descriptor:  naming.Upstream,
		Fresh:       true,
		Project:     s.Resolver.Layout.ProjectRoot(dem),
	})
	if err != nil {
		return "", err
	}

	err = s.run(ctx, s.Whitebox, whitebox.Tool, engine.Invocation{
		Operation: whitebox.MergeVectors,
		Inputs:    []engine.Arg{arg("inputs", whitebox.Join(pipePaths...))},
		Outputs:   []engine.Arg{arg("output", merged.Path())},
	})
	if err != nil {
		return "", err
	}
	return merged.Path(), nil
}

// ExtendCulverts extends each culvert line by dist at both ends.
func (s *Stages) ExtendCulverts(ctx context.Context, pipesPath string, dist float64) (string, error) {
	if dist <= 0 {
		return "", fmt.Errorf("extend distance must be positive, got %v", dist)
	}
	return s.inGroupTool(ctx, pipesPath, CodeXTPIPE, "shp", whitebox.ExtendVectorLines,
		[]engine.Arg{arg("input", pipesPath)},
		[]engine.Arg{arg("dist", ftoa(dist)), arg("extend", "both")}, nil)
}

// RasterizeCulverts burns culvert lines into a one-cell-wide zone raster on
// the DEM grid.
func (s *Stages) RasterizeCulverts(ctx context.Context, pipesPath, demPath string) (string, error) {
	if err := requireFiles(demPath); err != nil {
		return "", err
	}
	return s.inGroupTool(ctx, pipesPath, CodePIPR, "tif", whitebox.VectorLinesToRaster,
		[]engine.Arg{arg("input", pipesPath)},
		[]engine.Arg{arg("field", "FID"), arg("base", demPath)},
		[]string{"nodata"})
}

// ZoneMinimum writes the minimum DEM elevation of each culvert zone, next to
// the zones raster.
func (s *Stages) ZoneMinimum(ctx context.Context, demPath, zonesPath string) (string, error) {
	if err := requireFiles(demPath); err != nil {
		return "", err
	}
	return s.inGroupTool(ctx, zonesPath, CodeMIN, "tif", whitebox.ZonalStatistics,
		[]engine.Arg{arg("input", demPath), arg("features", zonesPath)},
		[]engine.Arg{arg("stat", "minimum")}, nil)
}

// BurnedDEM are the BurnCulverts outputs.
type BurnedDEM struct {
	Position string
	DEM      string
}

// BurnCulverts replaces DEM cells inside culvert zones with the zone minimum.
// The result is a new DEM group in the input DEM's own family.
func (s *Stages) BurnCulverts(ctx context.Context, demPath, minPath string) (BurnedDEM, error) {
	dem, err := parse("dem", demPath)
	if err != nil {
		return BurnedDEM{}, err
	}
	if err := requireFiles(demPath, minPath); err != nil {
		return BurnedDEM{}, err
	}

	pos, err := s.resolveDEMGroup(ctx, dem, CodePOS)
	if err != nil {
		return BurnedDEM{}, err
	}
	out, err := s.Resolver.Into(dem, pos.GroupPath, lineage.Target{ProductCode: CodeDEM, Ext: "tif", Descriptor: naming.Upstream})
	if err != nil {
		return BurnedDEM{}, err
	}

	err = s.run(ctx, s.Whitebox, whitebox.Tool, engine.Invocation{
		Operation: whitebox.IsNoData,
		Inputs:    []engine.Arg{arg("input", minPath)},
		Outputs:   []engine.Arg{arg("output", pos.Path())},
	})
	if err != nil {
		return BurnedDEM{}, err
	}
	// PickFromList takes zones where pos is 0 and the DEM where it is 1.
	err = s.run(ctx, s.Whitebox, whitebox.Tool, engine.Invocation{
		Operation: whitebox.PickFromList,
		Inputs:    []engine.Arg{arg("inputs", whitebox.Join(minPath, demPath)), arg("pos_input", pos.Path())},
		Outputs:   []engine.Arg{arg("output", out.Path())},
	})
	if err != nil {
		return BurnedDEM{}, err
	}
	return BurnedDEM{Position: pos.Path(), DEM: out.Path()}, nil
}

// BreachDepressions breaches (and fills what remains of) depressions within
// dist. The result is a new DEM group in the input DEM's own family.
func (s *Stages) BreachDepressions(ctx context.Context, demPath string, dist float64) (string, error) {
	dem, err := parse("dem", demPath)
	if err != nil {
		return "", err
	}
	if dist <= 0 {
		return "", fmt.Errorf("breach distance must be positive, got %v", dist)
	}
	if err := requireFiles(demPath); err != nil {
		return "", err
	}

	out, err := s.resolveDEMGroup(ctx, dem, CodeDEM)
	if err != nil {
		return "", err
	}
	err = s.run(ctx, s.Whitebox, whitebox.Tool, engine.Invocation{
		Operation: whitebox.BreachDepressionsLeastCost,
		Inputs:    []engine.Arg{arg("dem", demPath)},
		Outputs:   []engine.Arg{arg("output", out.Path())},
		Params:    []engine.Arg{arg("dist", ftoa(dist))},
		Flags:     []string{"fill"},
	})
	if err != nil {
		return "", err
	}
	return out.Path(), nil
}

// DepressionZones are the DepressionZones outputs.
type DepressionZones struct {
	Difference string
	Cells      string
	Clumps     string
	Area       string
	Patches    string
	Zones      string
	Means      string
	Polygons   string
}

// DepressionZones compares a DEM before and after breaching and outlines the
// multi-cell zones raised by at least minDepth, with their mean change.
func (s *Stages) DepressionZones(ctx context.Context, oldPath, newPath string, minDepth float64) (DepressionZones, error) {
	if minDepth <= 0 {
		return DepressionZones{}, fmt.Errorf("minimum depth must be positive, got %v", minDepth)
	}
	if err := requireFiles(oldPath); err != nil {
		return DepressionZones{}, err
	}
	var z DepressionZones
	var err error

	if z.Difference, err = s.inGroupTool(ctx, newPath, CodeDIFF, "tif", whitebox.Subtract,
		[]engine.Arg{arg("input1", newPath), arg("input2", oldPath)}, nil, nil); err != nil {
		return z, err
	}
	depth := ftoa(minDepth)
	if z.Cells, err = s.inGroupTool(ctx, z.Difference, CodeFCEL, "tif", whitebox.Reclass,
		[]engine.Arg{arg("input", z.Difference)},
		[]engine.Arg{arg("reclass_vals", "0;min;"+depth+";1;"+depth+";max")}, nil); err != nil {
		return z, err
	}
	if z.Clumps, err = s.inGroupTool(ctx, z.Cells, CodeFCLMP, "tif", whitebox.Clump,
		[]engine.Arg{arg("input", z.Cells)}, nil, []string{"diag", "zero_back"}); err != nil {
		return z, err
	}
	if z.Area, err = s.inGroupTool(ctx, z.Clumps, CodeFAREA, "tif", whitebox.RasterArea,
		[]engine.Arg{arg("input", z.Clumps)},
		[]engine.Arg{arg("units", "grid cells")}, []string{"zero_back"}); err != nil {
		return z, err
	}
	if z.Patches, err = s.inGroupTool(ctx, z.Area, CodeFPTCH, "tif", whitebox.Reclass,
		[]engine.Arg{arg("input", z.Area)},
		[]engine.Arg{arg("reclass_vals", "0;min;2;1;2;max")}, nil); err != nil {
		return z, err
	}
	err = s.run(ctx, s.Whitebox, whitebox.Tool, engine.Invocation{
		Operation: whitebox.ModifyNoDataValue,
		Inputs:    []engine.Arg{arg("input", z.Patches)},
		Params:    []engine.Arg{arg("new_value", "0")},
	})
	if err != nil {
		return z, err
	}
	if z.Zones, err = s.inGroupTool(ctx, z.Patches, CodeFZ, "tif", whitebox.Clump,
		[]engine.Arg{arg("input", z.Patches)}, nil, []string{"diag", "zero_back"}); err != nil {
		return z, err
	}
	if z.Means, err = s.inGroupTool(ctx, z.Difference, CodeFMEAN, "tif", whitebox.ZonalStatistics,
		[]engine.Arg{arg("input", z.Difference), arg("features", z.Zones)},
		[]engine.Arg{arg("stat", "mean")}, nil); err != nil {
		return z, err
	}
	if z.Polygons, err = s.inGroupTool(ctx, z.Means, CodeFP, "shp", whitebox.RasterToVectorPolygons,
		[]engine.Arg{arg("input", z.Means)}, nil, nil); err != nil {
		return z, err
	}
	err = s.run(ctx, s.Whitebox, whitebox.Tool, engine.Invocation{
		Operation: whitebox.PolygonArea,
		Inputs:    []engine.Arg{arg("input", z.Polygons)},
	})
	return z, err
}

// inGroupTool runs a single-output whitebox tool whose output sits next to
// basePath.
func (s *Stages) inGroupTool(ctx context.Context, basePath, code, ext, tool string, inputs, params []engine.Arg, flags []string) (string, error) {
	base, err := parse("input", basePath)
	if err != nil {
		return "", err
	}
	if err := requireFiles(basePath); err != nil {
		return "", err
	}
	out, err := s.Resolver.InGroup(base, lineage.Target{ProductCode: code, Ext: ext})
	if err != nil {
		return "", err
	}
	err = s.run(ctx, s.Whitebox, whitebox.Tool, engine.Invocation{
		Operation: tool,
		Inputs:    inputs,
		Outputs:   []engine.Arg{arg("output", out.Path())},
		Params:    params,
		Flags:     flags,
	})
	if err != nil {
		return "", err
	}
	return out.Path(), nil
}

// resolveDEMGroup allocates a new group in the family and class folder the DEM
// itself lives in, tagged with the DEM's product token.
func (s *Stages) resolveDEMGroup(ctx context.Context, dem naming.Artifact, code string) (lineage.Resolution, error) {
	class, prefix, ok := lineage.Family(dem)
	if !ok {
		return lineage.Resolution{}, fmt.Errorf("dem %s is not inside a group directory", dem.Path())
	}
	return s.Resolver.Resolve(ctx, dem, lineage.Target{
		Class:       class,
		Prefix:      prefix,
		ProductCode: code,
		Ext:         "tif",
		Tag:         lineage.TagUpstream,
		Descriptor:  naming.Upstream,
		Fresh:       true,
	})
}
