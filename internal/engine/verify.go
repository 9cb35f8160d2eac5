package engine

import (
	"os"
	"sort"
)

// MissingOutputs returns the declared paths that do not exist, sorted and
// deduplicated. Directories count as present.
func MissingOutputs(paths []string) []string {
	var missing []string
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		if _, err := os.Stat(p); err != nil {
			missing = append(missing, p)
		}
	}
	sort.Strings(missing)
	return missing
}
