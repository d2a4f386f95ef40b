package video

import (
	"path/filepath"
	"sort"
	"sync"
)

// ActiveSegments tracks segment files that are currently being written
type ActiveSegments struct {
	mu    sync.RWMutex
	paths map[string]struct{}
}

// NewActiveSegments creates an empty registry
func NewActiveSegments() *ActiveSegments {
	return &ActiveSegments{paths: make(map[string]struct{})}
}

// Add registers an open segment
func (a *ActiveSegments) Add(path string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.paths[filepath.Clean(path)] = struct{}{}
}

// Remove unregisters a segment
func (a *ActiveSegments) Remove(path string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.paths, filepath.Clean(path))
}

// Contains reports whether path is an open segment
func (a *ActiveSegments) Contains(path string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.paths[filepath.Clean(path)]
	return ok
}

// List returns all open segment paths, sorted
func (a *ActiveSegments) List() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.paths))
	for p := range a.paths {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
