// Package thresholds selects stream and basin thresholds.
//
// A threshold is either given explicitly or looked up by source method and DEM
// resolution. A missing value is an error; nothing is guessed.
package thresholds

import (
	"fmt"
	"sort"
)

// Method names the grid a threshold applies to.
type Method string

const (
	// Watershed is the GRASS r.watershed minimum basin size in cells.
	Watershed Method = "WATERSHED"
	// D8Area thresholds a D8 contributing area grid.
	D8Area Method = "D8AREA"
	// InversePlan thresholds an inverse plan curvature weighted area grid.
	InversePlan Method = "FWINVPLAN"
	// StreamOrder thresholds a Strahler order grid.
	StreamOrder Method = "ORD"
	// GridOrder thresholds a Gridnet order grid.
	GridOrder Method = "GORD"
)

// MissingThresholdError reports that no threshold was given and none is
// defined for the method at this resolution.
type MissingThresholdError struct {
	Method     Method
	Resolution int
}

func (e *MissingThresholdError) Error() string {
	if e == nil {
		return ""
	}
	if e.Resolution <= 0 {
		return fmt.Sprintf("no %s threshold given and the DEM resolution is unknown", e.Method)
	}
	return fmt.Sprintf("no %s threshold given and none defined for resolution %d", e.Method, e.Resolution)
}

// Table holds the defaults of one method. Fixed, when non-nil, applies at
// every resolution.
type Table struct {
	Fixed        *int        `yaml:"fixed,omitempty"`
	ByResolution map[int]int `yaml:"by_resolution,omitempty"`
}

// Lookup returns the default for resolution.
func (t Table) Lookup(resolution int) (int, bool) {
	if t.Fixed != nil {
		return *t.Fixed, true
	}
	v, ok := t.ByResolution[resolution]
	return v, ok
}

// Resolutions returns the resolutions with a defined value, ascending.
func (t Table) Resolutions() []int {
	out := make([]int, 0, len(t.ByResolution))
	for r := range t.ByResolution {
		out = append(out, r)
	}
	sort.Ints(out)
	return out
}

// Tables maps each method to its defaults.
type Tables map[Method]Table

func fixed(v int) *int { return &v }

// Defaults returns the built-in tables. Resolutions are in DEM units (feet).
func Defaults() Tables {
	return Tables{
		Watershed:   {ByResolution: map[int]int{20: 100, 10: 500, 5: 1200}},
		D8Area:      {Fixed: fixed(100)},
		InversePlan: {ByResolution: map[int]int{20: 5, 10: 60, 5: 500}},
		StreamOrder: {Fixed: fixed(3)},
		GridOrder:   {},
	}
}

// Merge returns a copy of t with every method in override replacing its entry.
func (t Tables) Merge(override Tables) Tables {
	out := make(Tables, len(t)+len(override))
	for m, tab := range t {
		out[m] = tab
	}
	for m, tab := range override {
		out[m] = tab
	}
	return out
}

// Select returns explicit when set, otherwise the table default for method at
// resolution.
func (t Tables) Select(explicit *int, method Method, resolution int) (int, error) {
	if explicit != nil {
		if *explicit <= 0 {
			return 0, fmt.Errorf("%s threshold must be positive, got %d", method, *explicit)
		}
		return *explicit, nil
	}
	if v, ok := t[method].Lookup(resolution); ok {
		return v, nil
	}
	return 0, &MissingThresholdError{Method: method, Resolution: resolution}
}

// MethodFor maps a source grid's product code to its threshold method.
func MethodFor(productCode string) (Method, bool) {
	switch m := Method(productCode); m {
	case D8Area, InversePlan, StreamOrder, GridOrder:
		return m, true
	}
	return "", false
}
