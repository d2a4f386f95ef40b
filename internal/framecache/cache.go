// Package framecache holds the most recent JPEG frame published by each
// camera. Writes overwrite; there is no expiry.
package framecache

import (
	"sort"
	"sync"
	"time"
)

// Entry is the latest frame for a camera
type Entry struct {
	JPEG      []byte
	UpdatedAt time.Time
	// Seq increases by one on every Put for the camera
	Seq uint64
}

// Cache is a keyed last-write-wins store of encoded frames
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// New creates an empty cache
func New() *Cache {
	return &Cache{entries: make(map[string]Entry)}
}

// Put replaces the frame for cameraID. The cache keeps the slice; callers
// must not modify it afterwards.
func (c *Cache) Put(cameraID string, jpeg []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.entries[cameraID]
	c.entries[cameraID] = Entry{
		JPEG:      jpeg,
		UpdatedAt: time.Now(),
		Seq:       prev.Seq + 1,
	}
}

// Get returns the latest frame for cameraID
func (c *Cache) Get(cameraID string) ([]byte, bool) {
	e, ok := c.Entry(cameraID)
	if !ok {
		return nil, false
	}
	return e.JPEG, true
}

// Entry returns the latest frame with its metadata
func (c *Cache) Entry(cameraID string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[cameraID]
	return e, ok
}

// IDs returns the cameras that have published at least one frame, sorted
func (c *Cache) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
