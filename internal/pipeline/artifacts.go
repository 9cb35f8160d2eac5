package pipeline

import (
	"fmt"
	"sort"
	"sync"
)

// Artifacts is the named set of paths a run reads and produces. Steps look up
// their inputs by key and publish their outputs under new keys.
type Artifacts struct {
	mu    sync.Mutex
	paths map[string]string
	order []string
}

// NewArtifacts returns a set seeded with the run inputs.
func NewArtifacts(seed map[string]string) *Artifacts {
	a := &Artifacts{paths: make(map[string]string, len(seed))}
	keys := make([]string, 0, len(seed))
	for k := range seed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		a.Set(k, seed[k])
	}
	return a
}

// Set publishes path under key, replacing any earlier value.
func (a *Artifacts) Set(key, path string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.paths[key]; !ok {
		a.order = append(a.order, key)
	}
	a.paths[key] = path
}

// Lookup returns the path published under key.
func (a *Artifacts) Lookup(key string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.paths[key]
	return p, ok
}

// Get returns the path under key or an error naming the missing key.
func (a *Artifacts) Get(key string) (string, error) {
	p, ok := a.Lookup(key)
	if !ok || p == "" {
		return "", fmt.Errorf("artifact %q not available", key)
	}
	return p, nil
}

// Snapshot returns a copy of all published paths.
func (a *Artifacts) Snapshot() map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]string, len(a.paths))
	for k, v := range a.paths {
		out[k] = v
	}
	return out
}

// since returns the paths published after the first n keys, in publish order.
func (a *Artifacts) since(n int) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, k := range a.order[n:] {
		out = append(out, a.paths[k])
	}
	return out
}

func (a *Artifacts) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.order)
}
