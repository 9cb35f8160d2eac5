package stage

import (
	"context"
	"fmt"

	"hydroflow/internal/adapter/taudem"
	"hydroflow/internal/engine"
	"hydroflow/internal/lineage"
	"hydroflow/internal/naming"
	"hydroflow/internal/thresholds"
)

// Product codes written by the TauDEM stages.
const (
	CodeFEL    = "FEL"
	CodeP      = "P"
	CodeD8SLP  = "D8SLP"
	CodeD8AREA = "D8AREA"
	CodePLEN   = "PLEN"
	CodeTLEN   = "TLEN"
	CodeGORD   = "GORD"
	CodeSRC    = "SRC"
	CodeORD    = "ORD"
	CodeTREE   = "TREE"
	CodeCOORD  = "COORD"
	CodeRCH    = "RCH"
	CodeBSN    = "BSN"
)

// PitRemove fills pits in dem. The FEL grid goes to the Surface_Flow group
// derived from the DEM's own group, which is reused across runs.
func (s *Stages) PitRemove(ctx context.Context, demPath string) (string, error) {
	dem, err := parse("dem", demPath)
	if err != nil {
		return "", err
	}
	if err := requireFiles(demPath); err != nil {
		return "", err
	}

	fel, err := s.Resolver.Resolve(ctx, dem, lineage.Target{
		Class:       lineage.ClassSurfaceFlow,
		Prefix:      lineage.FamilySFW,
		ProductCode: CodeFEL,
		Ext:         "tif",
		Tag:         lineage.TagGroup,
		Descriptor:  naming.Upstream,
	})
	if err != nil {
		return "", err
	}

	err = s.run(ctx, s.TauDEM, taudem.Tool, engine.Invocation{
		Operation: taudem.PitRemove,
		Inputs:    []engine.Arg{arg("z", demPath)},
		Outputs:   []engine.Arg{arg("fel", fel.Path())},
	})
	if err != nil {
		return "", err
	}
	return fel.Path(), nil
}

// FlowDirections are the D8FlowDir outputs.
type FlowDirections struct {
	P     string
	Slope string
}

// FlowDirection computes D8 flow directions and slopes next to fel.
func (s *Stages) FlowDirection(ctx context.Context, felPath string) (FlowDirections, error) {
	fel, err := parse("fel", felPath)
	if err != nil {
		return FlowDirections{}, err
	}
	if err := requireFiles(felPath); err != nil {
		return FlowDirections{}, err
	}

	outs, err := s.Resolver.InGroupAll(fel,
		lineage.Target{ProductCode: CodeP, Ext: "tif"},
		lineage.Target{ProductCode: CodeD8SLP, Ext: "tif"})
	if err != nil {
		return FlowDirections{}, err
	}
	p, sd8 := outs[0], outs[1]

	err = s.run(ctx, s.TauDEM, taudem.Tool, engine.Invocation{
		Operation: taudem.D8FlowDir,
		Inputs:    []engine.Arg{arg("fel", felPath)},
		Outputs:   []engine.Arg{arg("p", p.Path()), arg("sd8", sd8.Path())},
	})
	if err != nil {
		return FlowDirections{}, err
	}
	return FlowDirections{P: p.Path(), Slope: sd8.Path()}, nil
}

// AreaAccumulation computes D8 contributing area next to p.
func (s *Stages) AreaAccumulation(ctx context.Context, pPath string) (string, error) {
	p, err := parse("p", pPath)
	if err != nil {
		return "", err
	}
	if err := requireFiles(pPath); err != nil {
		return "", err
	}

	ad8, err := s.Resolver.InGroup(p, lineage.Target{ProductCode: CodeD8AREA, Ext: "tif"})
	if err != nil {
		return "", err
	}

	err = s.run(ctx, s.TauDEM, taudem.Tool, engine.Invocation{
		Operation: taudem.AreaD8,
		Inputs:    []engine.Arg{arg("p", pPath)},
		Outputs:   []engine.Arg{arg("ad8", ad8.Path())},
	})
	if err != nil {
		return "", err
	}
	return ad8.Path(), nil
}

// GridNetworks are the Gridnet outputs.
type GridNetworks struct {
	LongestPath string
	TotalLength string
	Order       string
}

// GridNetwork computes path lengths and grid order next to p.
func (s *Stages) GridNetwork(ctx context.Context, pPath string) (GridNetworks, error) {
	p, err := parse("p", pPath)
	if err != nil {
		return GridNetworks{}, err
	}
	if err := requireFiles(pPath); err != nil {
		return GridNetworks{}, err
	}

	outs, err := s.Resolver.InGroupAll(p,
		lineage.Target{ProductCode: CodePLEN, Ext: "tif"},
		lineage.Target{ProductCode: CodeTLEN, Ext: "tif"},
		lineage.Target{ProductCode: CodeGORD, Ext: "tif"})
	if err != nil {
		return GridNetworks{}, err
	}
	var paths [3]string
	for i, r := range outs {
		paths[i] = r.Path()
	}

	err = s.run(ctx, s.TauDEM, taudem.Tool, engine.Invocation{
		Operation: taudem.Gridnet,
		Inputs:    []engine.Arg{arg("p", pPath)},
		Outputs:   []engine.Arg{arg("plen", paths[0]), arg("tlen", paths[1]), arg("gord", paths[2])},
	})
	if err != nil {
		return GridNetworks{}, err
	}
	return GridNetworks{LongestPath: paths[0], TotalLength: paths[1], Order: paths[2]}, nil
}

// StreamThreshold turns a source grid (D8AREA, FWINVPLAN, ORD or GORD) into a
// stream raster. A nil threshold selects the default for the grid's method at
// resolution; resolution 0 falls back to the grid's D{n} qualifier.
func (s *Stages) StreamThreshold(ctx context.Context, ssaPath string, threshold *int, resolution int) (string, error) {
	ssa, err := parse("ssa", ssaPath)
	if err != nil {
		return "", err
	}
	method, ok := thresholds.MethodFor(ssa.ProductCode)
	if !ok {
		return "", fmt.Errorf("ssa: %s is not a thresholdable grid", ssa.ProductCode)
	}
	value, err := s.tables().Select(threshold, method, resolutionOf(ssa, resolution))
	if err != nil {
		return "", err
	}
	if err := requireFiles(ssaPath); err != nil {
		return "", err
	}

	src, err := s.Resolver.Resolve(ctx, ssa, lineage.Target{
		Class:       lineage.ClassStreamPres,
		Prefix:      lineage.FamilySTPRES,
		ProductCode: CodeSRC,
		Ext:         "tif",
		Tag:         lineage.TagUpstream,
		Descriptor:  naming.Upstream,
		Fresh:       true,
	})
	if err != nil {
		return "", err
	}

	err = s.run(ctx, s.TauDEM, taudem.Tool, engine.Invocation{
		Operation: taudem.Threshold,
		Inputs:    []engine.Arg{arg("ssa", ssaPath)},
		Outputs:   []engine.Arg{arg("src", src.Path())},
		Params:    []engine.Arg{arg("thresh", itoa(value))},
	})
	if err != nil {
		return "", err
	}
	return src.Path(), nil
}

// StreamNetInputs are the grids StreamNet reads. Fel may be the raw DEM when
// P and SRC came from r.watershed.
type StreamNetInputs struct {
	Fel string
	P   string
	AD8 string
	Src string
}

// StreamNetworks are the StreamNet outputs.
type StreamNetworks struct {
	Group      string
	Order      string
	Tree       string
	Coord      string
	Reaches    string
	BasinGroup string
	Basins     string
}

// StreamNetwork delineates the stream network and its basins from a SRC grid.
// The network files share one new Stream_Net group and the basins grid goes
// to a new Basins group, both tagged with the SRC product token.
func (s *Stages) StreamNetwork(ctx context.Context, in StreamNetInputs) (StreamNetworks, error) {
	src, err := parse("src", in.Src)
	if err != nil {
		return StreamNetworks{}, err
	}
	if err := requireFiles(in.Fel, in.P, in.AD8, in.Src); err != nil {
		return StreamNetworks{}, err
	}

	target := lineage.Target{
		Class:       lineage.ClassStreamNet,
		Prefix:      lineage.FamilySNET,
		ProductCode: CodeORD,
		Ext:         "tif",
		Tag:         lineage.TagUpstream,
		Descriptor:  naming.Upstream,
		Fresh:       true,
	}
	ord, err := s.Resolver.Resolve(ctx, src, target)
	if err != nil {
		return StreamNetworks{}, err
	}
	var side [3]string
	for i, f := range []struct{ code, ext string }{{CodeTREE, "dat"}, {CodeCOORD, "dat"}, {CodeRCH, "shp"}} {
		r, err := s.Resolver.Into(src, ord.GroupPath, lineage.Target{ProductCode: f.code, Ext: f.ext, Descriptor: naming.Upstream})
		if err != nil {
			return StreamNetworks{}, err
		}
		side[i] = r.Path()
	}

	bsn, err := s.Resolver.Resolve(ctx, src, lineage.Target{
		Class:       lineage.ClassBasins,
		Prefix:      lineage.FamilyBSN,
		ProductCode: CodeBSN,
		Ext:         "tif",
		Tag:         lineage.TagUpstream,
		Descriptor:  naming.Upstream,
		Fresh:       true,
	})
	if err != nil {
		return StreamNetworks{}, err
	}

	inv := engine.Invocation{
		Operation: taudem.StreamNet,
		Inputs:    []engine.Arg{arg("fel", in.Fel), arg("p", in.P), arg("ad8", in.AD8), arg("src", in.Src)},
		Outputs: []engine.Arg{
			arg("ord", ord.Path()),
			arg("tree", side[0]),
			arg("coord", side[1]),
			arg("net", side[2]),
			arg("w", bsn.Path()),
		},
	}
	if singleWatershed(src) {
		inv.Flags = []string{"sw"}
	}
	if err := s.run(ctx, s.TauDEM, taudem.Tool, inv); err != nil {
		return StreamNetworks{}, err
	}

	return StreamNetworks{
		Group:      ord.GroupPath,
		Order:      ord.Path(),
		Tree:       side[0],
		Coord:      side[1],
		Reaches:    side[2],
		BasinGroup: bsn.GroupPath,
		Basins:     bsn.Path(),
	}, nil
}

// singleWatershed reports whether StreamNet gets -sw. It is omitted only for
// streams thresholded from a Strahler order grid.
func singleWatershed(src naming.Artifact) bool {
	code, ok := src.DescriptorCode()
	return !ok || code != CodeORD
}
