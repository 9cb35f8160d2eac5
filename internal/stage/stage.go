// Package stage implements the hydrological processing stages.
//
// A stage parses its input artifact, asks the lineage resolver where its
// outputs go, runs the external tool through an adapter and returns the paths
// it wrote. Stages never compute names themselves and never inspect tool
// output beyond the adapter's existence check.
package stage

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"go.uber.org/zap"

	"hydroflow/internal/engine"
	"hydroflow/internal/lineage"
	"hydroflow/internal/naming"
	"hydroflow/internal/thresholds"
	"hydroflow/internal/trace"
)

// GRASS opens a GRASS session bound to the location of a DEM.
type GRASS interface {
	Open(ctx context.Context, dem naming.Artifact, resolution int) (engine.Adapter, error)
}

// Stages holds the collaborators shared by every stage.
type Stages struct {
	Resolver   *lineage.Resolver
	TauDEM     engine.Adapter
	GRASS      GRASS
	Whitebox   engine.Adapter
	Thresholds thresholds.Tables
	Logger     *zap.Logger
	Trace      trace.Sink
}

func (s *Stages) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *Stages) tables() thresholds.Tables {
	if s.Thresholds == nil {
		return thresholds.Defaults()
	}
	return s.Thresholds
}

// run invokes adapter and records every declared output on success.
func (s *Stages) run(ctx context.Context, adapter engine.Adapter, tool string, inv engine.Invocation) error {
	if adapter == nil {
		return fmt.Errorf("%s adapter not configured", tool)
	}
	if _, err := adapter.Invoke(ctx, inv); err != nil {
		return err
	}
	s.written(inv.OutputPaths()...)
	return nil
}

func (s *Stages) written(paths ...string) {
	for _, p := range paths {
		s.logger().Info("artifact written", zap.String("artifact", p))
		trace.SafeRecord(s.Trace, trace.Event{Kind: trace.EventArtifactWritten, Path: p})
	}
}

// parse reads path as an artifact, naming the role it plays in errors.
func parse(role, path string) (naming.Artifact, error) {
	a, err := naming.Parse(path)
	if err != nil {
		return naming.Artifact{}, fmt.Errorf("%s: %w", role, err)
	}
	return a, nil
}

// requireFiles fails when any input is missing, before any group is allocated.
func requireFiles(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("input %s: %w", p, err)
		}
	}
	return nil
}

// resolutionOf returns explicit when positive, else the D{n} qualifier of a,
// else 0.
func resolutionOf(a naming.Artifact, explicit int) int {
	if explicit > 0 {
		return explicit
	}
	if r, ok := a.Resolution(); ok {
		return r
	}
	return 0
}

func arg(key, value string) engine.Arg { return engine.Arg{Key: key, Value: value} }

func itoa(v int) string { return strconv.Itoa(v) }

func ftoa(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
