package stage

import (
	"context"
	"fmt"

	"hydroflow/internal/adapter/grass"
	"hydroflow/internal/engine"
	"hydroflow/internal/lineage"
	"hydroflow/internal/naming"
	"hydroflow/internal/thresholds"
)

// CodeGEOM is the geomorphon landform product.
const CodeGEOM = "GEOM"

// GeoTIFF export settings.
const (
	int16CreateOptions = "COMPRESS=LZW,PREDICTOR=2,BIGTIFF=YES"
	int16NoData        = "-32768"
	byteCreateOptions  = "COMPRESS=DEFLATE,PREDICTOR=2"
)

// rasterNames are the GRASS map names derived from one DEM.
type rasterNames struct {
	dem, num, project string
}

func newRasterNames(dem naming.Artifact) rasterNames {
	return rasterNames{
		dem:     dem.ProjectID + "_" + dem.ProductToken(),
		num:     fmt.Sprintf("%02d", dem.GroupNumber),
		project: dem.ProjectID,
	}
}

func (n rasterNames) watershed(layer string) string {
	return n.project + "_" + layer + "_" + n.num
}

func (n rasterNames) geomorphon(layer string) string {
	return n.project + "_" + layer + n.num
}

// Watersheds are the r.watershed exports.
type Watersheds struct {
	P   string
	Src string
}

// Watershed runs r.watershed on dem and exports TauDEM-compatible flow
// direction (P) and stream source (SRC) grids, each into a new group. A nil
// threshold selects the minimum basin size for the DEM resolution.
func (s *Stages) Watershed(ctx context.Context, demPath string, resolution int, threshold *int) (Watersheds, error) {
	dem, err := parse("dem", demPath)
	if err != nil {
		return Watersheds{}, err
	}
	res := resolutionOf(dem, resolution)
	minBasin, err := s.tables().Select(threshold, thresholds.Watershed, res)
	if err != nil {
		return Watersheds{}, err
	}
	if err := requireFiles(demPath); err != nil {
		return Watersheds{}, err
	}
	if s.GRASS == nil {
		return Watersheds{}, fmt.Errorf("%s adapter not configured", grass.Tool)
	}

	session, err := s.GRASS.Open(ctx, dem, res)
	if err != nil {
		return Watersheds{}, err
	}
	names := newRasterNames(dem)
	if err := s.importDEM(ctx, session, demPath, names.dem); err != nil {
		return Watersheds{}, err
	}

	drain := names.watershed("drain")
	stream := names.watershed("stream")
	err = s.run(ctx, session, grass.Tool, engine.Invocation{
		Operation: grass.ModuleWatershed,
		Inputs:    []engine.Arg{arg("elevation", names.dem)},
		Outputs: []engine.Arg{
			arg("accumulation", names.watershed("acc")),
			arg("tci", names.watershed("tci")),
			arg("spi", names.watershed("spi")),
			arg("drainage", drain),
			arg("basin", names.watershed("basin")),
			arg("stream", stream),
			arg("length_slope", names.watershed("slplen")),
			arg("slope_steepness", names.watershed("slpstp")),
		},
		Params: []engine.Arg{arg("threshold", itoa(minBasin))},
	})
	if err != nil {
		return Watersheds{}, err
	}

	src := names.watershed("src")
	if err := s.mapcalc(ctx, session, fmt.Sprintf("%s = if(isnull(%s), 0, 1)", src, stream)); err != nil {
		return Watersheds{}, err
	}
	srcPath, err := s.export(ctx, session, dem, src, lineage.Target{
		Class:       lineage.ClassStreamPres,
		Prefix:      lineage.FamilySTPRES,
		ProductCode: CodeSRC,
		Ext:         "tif",
		Tag:         lineage.TagGroup,
		Descriptor:  naming.Upstream,
		Fresh:       true,
	}, "Int16", int16CreateOptions, int16NoData)
	if err != nil {
		return Watersheds{}, err
	}

	p := names.watershed("p")
	if err := s.mapcalc(ctx, session, fmt.Sprintf("%s = if(%s >= 1, if(%s == 8, 1, %s + 1), null())", p, drain, drain, drain)); err != nil {
		return Watersheds{}, err
	}
	pPath, err := s.export(ctx, session, dem, p, lineage.Target{
		Class:       lineage.ClassSurfaceFlow,
		Prefix:      lineage.FamilySFW,
		ProductCode: CodeP,
		Ext:         "tif",
		Tag:         lineage.TagGroup,
		Descriptor:  naming.Upstream,
		Fresh:       true,
	}, "Int16", int16CreateOptions, int16NoData)
	if err != nil {
		return Watersheds{}, err
	}

	return Watersheds{P: pPath, Src: srcPath}, nil
}

// GeomorphonParams are the r.geomorphon search settings.
type GeomorphonParams struct {
	Search int
	Skip   int
	Flat   float64
	Dist   int
}

// DefaultGeomorphonParams returns the settings used for valley and hollow
// mapping.
func DefaultGeomorphonParams() GeomorphonParams {
	return GeomorphonParams{Search: 30, Skip: 0, Flat: 1, Dist: 0}
}

// Geomorphon classifies landforms on dem and exports depressions (1),
// hollows (2) and valleys (3), everything else 0, as a GEOM grid next to the
// DEM's pit-filled surface.
func (s *Stages) Geomorphon(ctx context.Context, demPath string, resolution int, params GeomorphonParams) (string, error) {
	dem, err := parse("dem", demPath)
	if err != nil {
		return "", err
	}
	if params.Search <= 0 {
		return "", fmt.Errorf("geomorphon search radius must be positive, got %d", params.Search)
	}
	if err := requireFiles(demPath); err != nil {
		return "", err
	}
	if s.GRASS == nil {
		return "", fmt.Errorf("%s adapter not configured", grass.Tool)
	}

	session, err := s.GRASS.Open(ctx, dem, resolutionOf(dem, resolution))
	if err != nil {
		return "", err
	}
	names := newRasterNames(dem)
	if err := s.importDEM(ctx, session, demPath, names.dem); err != nil {
		return "", err
	}

	forms := names.geomorphon("forms")
	err = s.run(ctx, session, grass.Tool, engine.Invocation{
		Operation: grass.ModuleGeomorphon,
		Inputs:    []engine.Arg{arg("elevation", names.dem)},
		Outputs:   []engine.Arg{arg("forms", forms)},
		Params: []engine.Arg{
			arg("search", itoa(params.Search)),
			arg("skip", itoa(params.Skip)),
			arg("flat", ftoa(params.Flat)),
			arg("dist", itoa(params.Dist)),
		},
	})
	if err != nil {
		return "", err
	}

	geom := names.geomorphon("geom")
	expr := fmt.Sprintf("%s = if(%s == 10, 1, if(%s == 7, 2, if(%s == 9, 3, 0)))", geom, forms, forms, forms)
	if err := s.mapcalc(ctx, session, expr); err != nil {
		return "", err
	}
	return s.export(ctx, session, dem, geom, lineage.Target{
		Class:       lineage.ClassSurfaceFlow,
		Prefix:      lineage.FamilySFW,
		ProductCode: CodeGEOM,
		Ext:         "tif",
		Tag:         lineage.TagGroup,
		Descriptor:  naming.Upstream,
	}, "Byte", byteCreateOptions, "")
}

func (s *Stages) importDEM(ctx context.Context, session engine.Adapter, demPath, raster string) error {
	err := s.run(ctx, session, grass.Tool, engine.Invocation{
		Operation: grass.ModuleImport,
		Inputs:    []engine.Arg{arg("input", demPath)},
		Outputs:   []engine.Arg{arg("output", raster)},
	})
	if err != nil {
		return err
	}
	return s.run(ctx, session, grass.Tool, engine.Invocation{
		Operation: grass.ModuleRegion,
		Params:    []engine.Arg{arg("raster", raster)},
	})
}

func (s *Stages) mapcalc(ctx context.Context, session engine.Adapter, expr string) error {
	return s.run(ctx, session, grass.Tool, engine.Invocation{
		Operation: grass.ModuleMapcalc,
		Params:    []engine.Arg{arg("expression", expr)},
	})
}

// export resolves the destination for raster and writes it as a GeoTIFF.
func (s *Stages) export(ctx context.Context, session engine.Adapter, dem naming.Artifact, raster string, t lineage.Target, dataType, createOpts, nodata string) (string, error) {
	dest, err := s.Resolver.Resolve(ctx, dem, t)
	if err != nil {
		return "", err
	}
	params := []engine.Arg{
		arg("format", "GTiff"),
		arg("type", dataType),
		arg("createopt", createOpts),
	}
	if nodata != "" {
		params = append(params, arg("nodata", nodata))
	}
	err = s.run(ctx, session, grass.Tool, engine.Invocation{
		Operation: grass.ModuleExport,
		Inputs:    []engine.Arg{arg("input", raster)},
		Outputs:   []engine.Arg{arg("output", dest.Path())},
		Params:    params,
	})
	if err != nil {
		return "", err
	}
	return dest.Path(), nil
}
