// Package lineage decides where a derived artifact goes.
//
// Given an input artifact and a target product, the Resolver finds the
// destination group (reusing a group already derived from the same upstream
// group, or allocating a new one) and composes the output file name.
package lineage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"hydroflow/internal/group"
	"hydroflow/internal/metrics"
	"hydroflow/internal/naming"
	"hydroflow/internal/trace"
)

// maxDisambiguators bounds the v1, v2, ... search for a free file name.
const maxDisambiguators = 999

// TagMode selects the source tag of a destination group.
type TagMode int

const (
	// TagGroup tags the group with the input's own group identity, e.g. DSM00.
	TagGroup TagMode = iota
	// TagUpstream tags the group with the input's product token, e.g. D8AREA00.
	TagUpstream
)

// Target describes the product a stage wants to write.
type Target struct {
	Class       string
	Prefix      string
	ProductCode string
	Ext         string

	Tag        TagMode
	Descriptor naming.DescriptorMode

	// Fresh always allocates a new group instead of reusing a matching one.
	Fresh bool

	// Overwrite returns the composed path even if the file already exists.
	Overwrite bool

	// Project overrides the project root derived from the input path.
	Project string
}

// Resolution is the outcome of resolving a target.
type Resolution struct {
	Artifact  naming.Artifact
	GroupPath string
	Group     naming.GroupName
	Reused    bool
}

// Path returns the artifact file path.
func (r Resolution) Path() string { return r.Artifact.Path() }

// Resolver computes destination groups and file names.
type Resolver struct {
	Layout    Layout
	Allocator *group.Allocator
	Logger    *zap.Logger
	Metrics   *metrics.Collectors
	Trace     trace.Sink
}

// NewResolver returns a Resolver using alloc for new groups.
func NewResolver(layout Layout, alloc *group.Allocator, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{Layout: layout, Allocator: alloc, Logger: logger}
}

// SourceTag returns the group source tag t would use for input in.
func SourceTag(in naming.Artifact, mode TagMode) string {
	if mode == TagUpstream {
		return in.ProductToken()
	}
	return GroupIdentity(in)
}

// Resolve finds or creates the destination group for t and composes the output
// artifact inside it.
func (r *Resolver) Resolve(ctx context.Context, in naming.Artifact, t Target) (Resolution, error) {
	classDir := r.Layout.ClassDir(in, t.Class)
	if t.Project != "" {
		classDir = filepath.Join(t.Project, t.Class)
	}
	tag := SourceTag(in, t.Tag)

	groupPath, reused, err := r.destination(ctx, classDir, t.Prefix, tag, t.Fresh)
	if err != nil {
		return Resolution{}, err
	}
	return r.into(in, groupPath, t, reused)
}

func (r *Resolver) destination(ctx context.Context, classDir, prefix, tag string, fresh bool) (string, bool, error) {
	if !fresh {
		path, ok, err := group.Find(classDir, prefix, tag)
		if err != nil {
			return "", false, err
		}
		if ok {
			r.logger().Debug("reusing group", zap.String("group", path))
			r.Metrics.GroupReused(prefix)
			trace.SafeRecord(r.Trace, trace.Event{Kind: trace.EventGroupReused, Path: path})
			return path, true, nil
		}
	}

	if r.Allocator == nil {
		return "", false, errors.New("lineage: no group allocator configured")
	}
	path, err := r.Allocator.Allocate(ctx, classDir, prefix, tag)
	if err != nil {
		return "", false, err
	}
	trace.SafeRecord(r.Trace, trace.Event{Kind: trace.EventGroupAllocated, Path: path})
	return path, false, nil
}

// Into composes the output artifact for t inside an existing group directory.
// Only t.ProductCode, t.Ext, t.Descriptor and t.Overwrite are used.
func (r *Resolver) Into(in naming.Artifact, groupPath string, t Target) (Resolution, error) {
	return r.into(in, groupPath, t, true)
}

func (r *Resolver) into(in naming.Artifact, groupPath string, t Target, reused bool) (Resolution, error) {
	g, err := naming.ParseGroup(filepath.Base(groupPath))
	if err != nil {
		return Resolution{}, fmt.Errorf("destination group: %w", err)
	}
	out, err := naming.ComposeWith(in, t.ProductCode, t.Ext, groupPath, t.Descriptor)
	if err != nil {
		return Resolution{}, err
	}
	outs, err := r.free(t.Overwrite, out)
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{Artifact: outs[0], GroupPath: groupPath, Group: g, Reused: reused}, nil
}

// InGroup composes the output artifact next to in, keeping its group number.
// Only t.ProductCode, t.Ext, t.Descriptor and t.Overwrite are used.
func (r *Resolver) InGroup(in naming.Artifact, t Target) (Resolution, error) {
	res, err := r.InGroupAll(in, t)
	if err != nil {
		return Resolution{}, err
	}
	return res[0], nil
}

// InGroupAll composes one artifact per target next to in, as InGroup does,
// but disambiguates them together: when any of the names is taken, every
// output gets the smallest v{n} that is free for all of them.
func (r *Resolver) InGroupAll(in naming.Artifact, targets ...Target) ([]Resolution, error) {
	outs := make([]naming.Artifact, len(targets))
	overwrite := true
	for i, t := range targets {
		out, err := naming.Sibling(in, t.ProductCode, t.Ext, t.Descriptor)
		if err != nil {
			return nil, err
		}
		outs[i] = out
		overwrite = overwrite && t.Overwrite
	}
	outs, err := r.free(overwrite, outs...)
	if err != nil {
		return nil, err
	}
	res := make([]Resolution, len(outs))
	for i, out := range outs {
		res[i] = Resolution{Artifact: out, GroupPath: in.Dir, Reused: true}
		if g, err := naming.ParseGroup(filepath.Base(in.Dir)); err == nil {
			res[i].Group = g
		}
	}
	return res, nil
}

// free returns as unchanged when none of them exists, or their first common
// disambiguated variant that is free for all.
func (r *Resolver) free(overwrite bool, as ...naming.Artifact) ([]naming.Artifact, error) {
	if overwrite {
		return as, nil
	}
	taken, err := anyExists(as)
	if err != nil || !taken {
		return as, err
	}
	for n := 1; n <= maxDisambiguators; n++ {
		candidates := make([]naming.Artifact, len(as))
		for i, a := range as {
			candidates[i] = naming.Disambiguate(a, n)
		}
		taken, err := anyExists(candidates)
		if err != nil {
			return nil, err
		}
		if !taken {
			for i := range as {
				r.logger().Info("output exists, writing disambiguated artifact",
					zap.String("existing", as[i].Path()),
					zap.String("artifact", candidates[i].Path()))
			}
			return candidates, nil
		}
	}
	return nil, fmt.Errorf("no free name for %s after %d disambiguators", as[0].Path(), maxDisambiguators)
}

func anyExists(as []naming.Artifact) (bool, error) {
	for _, a := range as {
		exists, err := pathExists(a.Path())
		if err != nil || exists {
			return exists, err
		}
	}
	return false, nil
}

func (r *Resolver) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

func pathExists(p string) (bool, error) {
	_, err := os.Lstat(p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", p, err)
}
