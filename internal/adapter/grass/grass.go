// Package grass runs GRASS GIS modules from outside a GRASS session.
//
// Every module runs as its own process: grass <mapset> --exec <module> ...
// The session environment is built as an explicit child env block from
// Config and is never written to the parent process environment.
package grass

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"hydroflow/internal/engine"
	"hydroflow/internal/metrics"
	"hydroflow/internal/naming"
)

// Tool name used in logs, metrics and errors.
const Tool = "grass"

// DefaultMapset is the mapset every location is created with.
const DefaultMapset = "PERMANENT"

// Module names used by the pipeline.
const (
	ModuleImport     = "r.in.gdal"
	ModuleRegion     = "g.region"
	ModuleWatershed  = "r.watershed"
	ModuleMapcalc    = "r.mapcalc"
	ModuleGeomorphon = "r.geomorphon"
	ModuleExport     = "r.out.gdal"
)

// Config describes a GRASS installation and database.
type Config struct {
	Binary string
	// GISBase is the installation directory. When empty it is discovered with
	// "grass --config path".
	GISBase   string
	Database  string
	Mapset    string
	AddonPath string
	// Env is passed to every child, e.g. HOME and PATH.
	Env map[string]string
}

// Adapter owns the GRASS configuration and opens sessions bound to a location.
type Adapter struct {
	cfg     Config
	invoker *engine.Invoker
	logger  *zap.Logger

	mu      sync.Mutex
	gisbase string
}

// New returns an Adapter that runs commands through runner.
func New(cfg Config, runner engine.Runner, logger *zap.Logger, m *metrics.Collectors) *Adapter {
	if cfg.Binary == "" {
		cfg.Binary = "grass"
	}
	if cfg.Mapset == "" {
		cfg.Mapset = DefaultMapset
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		cfg:     cfg,
		invoker: &engine.Invoker{Tool: Tool, Runner: runner, Logger: logger, Metrics: m},
		logger:  logger,
		gisbase: cfg.GISBase,
	}
}

// LocationName derives the location for a DEM: {project}_{code}{NN}_{resolution}.
// The resolution suffix is omitted when unknown.
func LocationName(dem naming.Artifact, resolution int) string {
	if resolution <= 0 {
		return dem.ProjectID + "_" + dem.ProductToken()
	}
	return fmt.Sprintf("%s_%s_%d", dem.ProjectID, dem.ProductToken(), resolution)
}

// LocationPath returns the location directory inside the database.
func (a *Adapter) LocationPath(location string) string {
	return filepath.Join(a.cfg.Database, location)
}

// MapsetPath returns the mapset directory of location.
func (a *Adapter) MapsetPath(location string) string {
	return filepath.Join(a.cfg.Database, location, a.cfg.Mapset)
}

// ResolveGISBase returns the configured GISBASE, asking the grass launcher
// once when none was configured.
func (a *Adapter) ResolveGISBase(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.gisbase != "" {
		return a.gisbase, nil
	}

	cmd := engine.Command{Path: a.cfg.Binary, Args: []string{"--config", "path"}, Env: a.cfg.Env}
	res, err := a.invoker.Exec(ctx, "config-path", cmd, nil)
	if err != nil {
		return "", err
	}
	base := strings.TrimSpace(string(res.Stdout))
	if base == "" {
		return "", &engine.ExternalToolError{
			Tool:      Tool,
			Operation: "config-path",
			Command:   res.Command,
			Stderr:    string(res.Stderr),
			Err:       errors.New("empty GISBASE"),
		}
	}
	a.logger.Debug("discovered GISBASE", zap.String("gisbase", base))
	a.gisbase = base
	return base, nil
}

// Environment returns the child env block for modules running in location.
func (a *Adapter) Environment(gisbase, location string) map[string]string {
	env := make(map[string]string, len(a.cfg.Env)+7)
	for k, v := range a.cfg.Env {
		env[k] = v
	}

	path := []string{filepath.Join(gisbase, "bin"), filepath.Join(gisbase, "scripts")}
	if p := a.cfg.Env["PATH"]; p != "" {
		path = append(path, p)
	}
	env["PATH"] = strings.Join(path, string(os.PathListSeparator))
	env["GISBASE"] = gisbase
	env["GISDBASE"] = a.cfg.Database
	env["LOCATION_NAME"] = location
	env["MAPSET"] = a.cfg.Mapset
	env["GRASS_OVERWRITE"] = "1"
	if a.cfg.AddonPath != "" {
		env["GRASS_ADDON_PATH"] = a.cfg.AddonPath
	}
	return env
}

// EnsureLocation creates location from the DEM's projection when its
// directory does not exist yet.
func (a *Adapter) EnsureLocation(ctx context.Context, location, demPath string) error {
	locPath := a.LocationPath(location)
	if _, err := os.Stat(locPath); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat location %s: %w", locPath, err)
	}
	if err := os.MkdirAll(a.cfg.Database, 0o755); err != nil {
		return fmt.Errorf("create GRASS database %s: %w", a.cfg.Database, err)
	}

	a.logger.Info("creating GRASS location", zap.String("location", locPath), zap.String("dem", demPath))
	cmd := engine.Command{
		Path: a.cfg.Binary,
		Args: []string{"-c", demPath, "-e", locPath},
		Env:  a.cfg.Env,
	}
	_, err := a.invoker.Exec(ctx, "create-location", cmd, []string{a.MapsetPath(location)})
	return err
}

// Open prepares a session for dem: it resolves GISBASE, creates the location
// if needed and returns an adapter that runs modules inside it.
func (a *Adapter) Open(ctx context.Context, dem naming.Artifact, resolution int) (engine.Adapter, error) {
	gisbase, err := a.ResolveGISBase(ctx)
	if err != nil {
		return nil, err
	}
	location := LocationName(dem, resolution)
	if err := a.EnsureLocation(ctx, location, dem.Path()); err != nil {
		return nil, err
	}
	return &Session{
		adapter:  a,
		location: location,
		env:      a.Environment(gisbase, location),
	}, nil
}

// Session runs modules in one location.
type Session struct {
	adapter  *Adapter
	location string
	env      map[string]string
}

// Location returns the session's location name.
func (s *Session) Location() string { return s.location }

// Argv renders inv as: grass <mapset> --exec <module> [-flags] key=value ...
func (s *Session) Argv(inv engine.Invocation) []string {
	argv := []string{s.adapter.cfg.Binary, s.adapter.MapsetPath(s.location), "--exec", inv.Operation}
	for _, f := range inv.Flags {
		argv = append(argv, "-"+f)
	}
	for _, group := range [][]engine.Arg{inv.Inputs, inv.Outputs, inv.Params} {
		for _, arg := range group {
			argv = append(argv, arg.Key+"="+arg.Value)
		}
	}
	return argv
}

// Invoke runs one GRASS module. Only r.out.gdal writes files outside the
// database, so only its outputs are checked on disk.
func (s *Session) Invoke(ctx context.Context, inv engine.Invocation) (*engine.Result, error) {
	if inv.Operation == "" {
		return nil, errors.New("grass: invocation without module")
	}
	argv := s.Argv(inv)
	cmd := engine.Command{Path: argv[0], Args: argv[1:], Env: s.env}

	var verify []string
	if inv.Operation == ModuleExport {
		verify = inv.OutputPaths()
	}
	return s.adapter.invoker.Exec(ctx, inv.Operation, cmd, verify)
}
