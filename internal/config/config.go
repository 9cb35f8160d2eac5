// Package config loads hydroflow settings from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"hydroflow/internal/thresholds"
)

// DefaultFile is the configuration file looked up when none is given.
const DefaultFile = "hydroflow.yaml"

// Error reports an unreadable, malformed or invalid configuration.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Path == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Config is the full hydroflow configuration.
type Config struct {
	Allocator  AllocatorConfig             `yaml:"allocator"`
	TauDEM     TauDEMConfig                `yaml:"taudem"`
	GRASS      GRASSConfig                 `yaml:"grass"`
	Whitebox   WhiteboxConfig              `yaml:"whitebox"`
	Env        EnvConfig                   `yaml:"env"`
	Thresholds map[string]thresholds.Table `yaml:"thresholds" validate:"resolution_table,dive,keys,oneof=WATERSHED D8AREA FWINVPLAN ORD GORD,endkeys"`
	Geomorphon GeomorphonConfig            `yaml:"geomorphon"`
	Enforce    EnforceConfig               `yaml:"enforce"`
	Journal    JournalConfig               `yaml:"journal"`
	Logging    LoggingConfig               `yaml:"logging"`
	Metrics    MetricsConfig               `yaml:"metrics"`
	Watch      WatchConfig                 `yaml:"watch"`
}

// AllocatorConfig bounds group creation retries.
type AllocatorConfig struct {
	MaxAttempts int `yaml:"max_attempts" validate:"gte=1,lte=100"`
}

// TauDEMConfig locates mpiexec and the TauDEM executables.
type TauDEMConfig struct {
	MPIExec   string `yaml:"mpiexec" validate:"required"`
	Processes int    `yaml:"processes" validate:"gte=1,lte=1024"`
	BinDir    string `yaml:"bin_dir"`
}

// GRASSConfig locates the GRASS launcher and its database.
type GRASSConfig struct {
	Binary    string `yaml:"binary" validate:"required"`
	GISBase   string `yaml:"gisbase"`
	Database  string `yaml:"database" validate:"required"`
	Mapset    string `yaml:"mapset" validate:"required"`
	AddonPath string `yaml:"addon_path"`
}

// WhiteboxConfig locates whitebox_tools.
type WhiteboxConfig struct {
	Binary  string `yaml:"binary" validate:"required"`
	WorkDir string `yaml:"work_dir"`
	Verbose bool   `yaml:"verbose"`
}

// EnvConfig builds the environment of external tools. Only Inherit names are
// copied from the hydroflow process; Set entries are added on top.
type EnvConfig struct {
	Inherit []string          `yaml:"inherit" validate:"dive,required"`
	Set     map[string]string `yaml:"set" validate:"dive,keys,required,endkeys"`
}

// GeomorphonConfig holds the r.geomorphon search settings.
type GeomorphonConfig struct {
	Search int     `yaml:"search" validate:"gte=1"`
	Skip   int     `yaml:"skip" validate:"gte=0"`
	Flat   float64 `yaml:"flat" validate:"gt=0"`
	Dist   int     `yaml:"dist" validate:"gte=0"`
}

// EnforceConfig holds the culvert burn and breach distances, in DEM units.
type EnforceConfig struct {
	ExtendDistance float64 `yaml:"extend_distance" validate:"gte=0"`
	BreachDistance float64 `yaml:"breach_distance" validate:"gt=0"`
	MinDepth       float64 `yaml:"min_depth" validate:"gte=0"`
}

// JournalConfig toggles the per-run journal.
type JournalConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoggingConfig selects the log level and encoding.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=auto json console"`
}

// MetricsConfig names the textfile collector output, if any.
type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

// WatchConfig drives the directory watcher.
type WatchConfig struct {
	Pipeline string        `yaml:"pipeline" validate:"oneof=taudem watershed geomorphon"`
	Pattern  string        `yaml:"pattern" validate:"required,glob"`
	Settle   time.Duration `yaml:"settle" validate:"gte=0"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return &Config{
		Allocator: AllocatorConfig{MaxAttempts: 5},
		TauDEM:    TauDEMConfig{MPIExec: "mpiexec", Processes: 8},
		GRASS: GRASSConfig{
			Binary:   "grass",
			Database: filepath.Join(home, "grassdata"),
			Mapset:   "PERMANENT",
		},
		Whitebox: WhiteboxConfig{Binary: "whitebox_tools"},
		Env: EnvConfig{
			Inherit: []string{"HOME", "PATH", "LANG", "TMPDIR", "USER", "PROJ_LIB", "GDAL_DATA"},
		},
		Geomorphon: GeomorphonConfig{Search: 30, Skip: 0, Flat: 1, Dist: 0},
		Enforce:    EnforceConfig{ExtendDistance: 20, BreachDistance: 100, MinDepth: 0.5},
		Journal:    JournalConfig{Enabled: true},
		Logging:    LoggingConfig{Level: "info", Format: "auto"},
		Watch: WatchConfig{
			Pipeline: "taudem",
			Pattern:  "*_DEM[0-9][0-9]_*.tif",
			Settle:   2 * time.Second,
		},
	}
}

// Load reads path over the defaults, applies HYDROFLOW_* overrides and
// validates the result. An empty path loads DefaultFile when it exists and the
// defaults otherwise; a named file must exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		if err := decode(f, cfg); err != nil {
			return nil, &Error{Path: path, Err: err}
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
		path = ""
	default:
		return nil, &Error{Path: path, Err: err}
	}

	if err := cfg.applyEnvOverrides(os.LookupEnv); err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("parse: %w", err)
	}
	return nil
}

// applyEnvOverrides applies HYDROFLOW_* variables.
func (c *Config) applyEnvOverrides(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"HYDROFLOW_TAUDEM_MPIEXEC":  &c.TauDEM.MPIExec,
		"HYDROFLOW_TAUDEM_BIN_DIR":  &c.TauDEM.BinDir,
		"HYDROFLOW_GRASS_BINARY":    &c.GRASS.Binary,
		"HYDROFLOW_GRASS_GISBASE":   &c.GRASS.GISBase,
		"HYDROFLOW_GRASS_DATABASE":  &c.GRASS.Database,
		"HYDROFLOW_WHITEBOX_BINARY": &c.Whitebox.Binary,
		"HYDROFLOW_LOG_LEVEL":       &c.Logging.Level,
		"HYDROFLOW_LOG_FORMAT":      &c.Logging.Format,
		"HYDROFLOW_METRICS_FILE":    &c.Metrics.Textfile,
	}
	for key, dst := range str {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup("HYDROFLOW_TAUDEM_PROCESSES"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("HYDROFLOW_TAUDEM_PROCESSES: %w", err)
		}
		c.TauDEM.Processes = n
	}
	if v, ok := lookup("HYDROFLOW_JOURNAL"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("HYDROFLOW_JOURNAL: %w", err)
		}
		c.Journal.Enabled = b
	}
	return nil
}

// ThresholdTables returns the built-in tables with configured methods
// replacing theirs.
func (c *Config) ThresholdTables() thresholds.Tables {
	override := make(thresholds.Tables, len(c.Thresholds))
	for m, t := range c.Thresholds {
		override[thresholds.Method(strings.ToUpper(m))] = t
	}
	return thresholds.Defaults().Merge(override)
}

// ChildEnv returns the environment handed to external tools: the inherited
// variables present in lookup, then the Set entries.
func (c *Config) ChildEnv(lookup func(string) (string, bool)) map[string]string {
	env := make(map[string]string, len(c.Env.Inherit)+len(c.Env.Set))
	for _, k := range c.Env.Inherit {
		if v, ok := lookup(k); ok {
			env[k] = v
		}
	}
	for k, v := range c.Env.Set {
		env[k] = v
	}
	return env
}

// EnvKeys returns the names ChildEnv may produce, sorted.
func (c *Config) EnvKeys() []string {
	seen := map[string]struct{}{}
	for _, k := range c.Env.Inherit {
		seen[k] = struct{}{}
	}
	for k := range c.Env.Set {
		seen[k] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
