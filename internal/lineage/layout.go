package lineage

import (
	"path/filepath"

	"hydroflow/internal/naming"
)

// Product class folders directly under a project root.
const (
	ClassSurface     = "Surface"
	ClassSurfaceFlow = "Surface_Flow"
	ClassStreamPres  = "Stream_Pres"
	ClassStreamNet   = "Stream_Net"
	ClassBasins      = "Basins"
	ClassHydroRoute  = "Hydro_Route"
)

// Group family prefixes.
const (
	FamilyDSM    = "DSM"
	FamilySFW    = "SFW"
	FamilySTPRES = "STPRES"
	FamilySNET   = "SNET"
	FamilyBSN    = "BSN"
	FamilyPIPES  = "PIPES"
)

// DefaultProjectDepth is the number of parent steps from an artifact file to
// its project root: file -> group -> class -> project.
const DefaultProjectDepth = 3

// Layout describes the fixed project tree.
type Layout struct {
	ProjectDepth int
}

// DefaultLayout returns the three-level project tree layout.
func DefaultLayout() Layout { return Layout{ProjectDepth: DefaultProjectDepth} }

// ProjectRoot walks ProjectDepth levels up from the artifact file.
func (l Layout) ProjectRoot(a naming.Artifact) string {
	depth := l.ProjectDepth
	if depth <= 0 {
		depth = DefaultProjectDepth
	}
	p := a.Path()
	for i := 0; i < depth; i++ {
		p = filepath.Dir(p)
	}
	return p
}

// ClassDir returns the product class folder under the artifact's project root.
func (l Layout) ClassDir(a naming.Artifact, class string) string {
	return filepath.Join(l.ProjectRoot(a), class)
}

// GroupIdentity returns the {prefix}{NN} of the group directory holding a, or
// the artifact's product token when its directory is not a group.
func GroupIdentity(a naming.Artifact) string {
	if g, err := naming.ParseGroup(filepath.Base(a.Dir)); err == nil {
		return g.Identity()
	}
	return a.ProductToken()
}

// Family returns the class folder and family prefix the artifact itself lives
// in. ok is false when a's directory is not a group.
func Family(a naming.Artifact) (class, prefix string, ok bool) {
	g, err := naming.ParseGroup(filepath.Base(a.Dir))
	if err != nil {
		return "", "", false
	}
	return filepath.Base(filepath.Dir(a.Dir)), g.Prefix, true
}
