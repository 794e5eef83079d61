// Package pathcache implements the AS-path cache: a map from PathID to
// a shared ASPA verdict, reference-counted by the update entries that
// traverse the same path so two updates sharing a path inherit one
// validation instead of re-running ASPA for each.
package pathcache

import (
	"sync"

	"github.com/nist-srx/srx-server/internal/fingerprint"
	"github.com/nist-srx/srx-server/internal/verdict"
)

// Entry is one AS-path's cached ASPA verdict.
type Entry struct {
	PathID    uint32
	ASPath    []uint32
	ASType    fingerprint.ASType
	Direction Direction
	Verdict   verdict.Value
	Source    string
	refCount  int
}

// Direction classifies an AS-path relative to the validating AS, per
// the upstream/downstream/unknown distinction ASPA validation needs.
type Direction uint8

const (
	DirectionUnknown    Direction = 0
	DirectionUpstream   Direction = 1
	DirectionDownstream Direction = 2
)

// Cache is the AS-path cache.
type Cache struct {
	mu      sync.Mutex
	entries map[uint32]*Entry
}

// New constructs an empty AS-path cache.
func New() *Cache {
	return &Cache{entries: make(map[uint32]*Entry)}
}

// Lookup returns the shared ASPA verdict for pathID, if present.
func (c *Cache) Lookup(pathID uint32) (*Entry, verdict.Value, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[pathID]
	if !ok {
		return nil, verdict.Undefined, false
	}
	copyEntry := *e
	return &copyEntry, e.Verdict, true
}

// Store installs a new path entry if one doesn't already exist for
// pathID, copying the AS-path data so the cache owns its own slice.
// If an entry already exists it is left untouched — the first
// validator to reach a path wins, per §4.6's dedup rule.
func (c *Cache) Store(pathID uint32, asPath []uint32, asType fingerprint.ASType, direction Direction, v verdict.Value, source string) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[pathID]; ok {
		return e
	}
	pathCopy := make([]uint32, len(asPath))
	copy(pathCopy, asPath)
	e := &Entry{
		PathID:    pathID,
		ASPath:    pathCopy,
		ASType:    asType,
		Direction: direction,
		Verdict:   v,
		Source:    source,
	}
	c.entries[pathID] = e
	return e
}

// AddRef increments pathID's reference count, called whenever an
// update entry starts referencing this path.
func (c *Cache) AddRef(pathID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[pathID]; ok {
		e.refCount++
	}
}

// Release decrements pathID's reference count and deletes the entry
// once no update entry references it any longer.
func (c *Cache) Release(pathID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[pathID]
	if !ok {
		return
	}
	e.refCount--
	if e.refCount <= 0 {
		delete(c.entries, pathID)
	}
}

// SetVerdict updates pathID's shared ASPA verdict, used when ASPA
// validation completes for the first update that referenced this path.
func (c *Cache) SetVerdict(pathID uint32, v verdict.Value, source string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[pathID]
	if !ok {
		return false
	}
	e.Verdict = v
	e.Source = source
	return true
}

// Len returns the number of cached path entries, for tests and metrics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
