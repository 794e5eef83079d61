// Package updatecache implements the update cache: a map from UpdateID
// to validation state, default-result source tags, and the set of
// proxy slots listening for verdict changes on that update.
package updatecache

import (
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nist-srx/srx-server/internal/proxymap"
	"github.com/nist-srx/srx-server/internal/verdict"
)

// Defaults bundles the three starting verdicts a proxy supplies on a
// VERIFY request, before the dispatcher runs any validator.
type Defaults struct {
	ROA    verdict.Value
	BGPsec verdict.Value
	ASPA   verdict.Value
}

// Entry is one cached update's full state.
type Entry struct {
	UpdateID   uint32
	OriginASN  uint32
	Prefix     netip.Prefix
	BGPsecBlob []byte
	PathID     uint32

	ROA, BGPsec, ASPA                    verdict.Value
	ROASource, BGPsecSource, ASPASource  string

	Listeners map[proxymap.Slot]struct{}
	LastTouch time.Time
	ExpiresAt time.Time // zero means not scheduled for garbage collection
}

func (e *Entry) matches(originASN uint32, prefix netip.Prefix, bgpsecBlob []byte) bool {
	if e.OriginASN != originASN || e.Prefix != prefix {
		return false
	}
	if len(e.BGPsecBlob) != len(bgpsecBlob) {
		return false
	}
	for i := range e.BGPsecBlob {
		if e.BGPsecBlob[i] != bgpsecBlob[i] {
			return false
		}
	}
	return true
}

// Cache is the update cache.
type Cache struct {
	mu      sync.Mutex
	entries map[uint32]*Entry
	log     *slog.Logger

	entryGauge     prometheus.Gauge
	collisionCount prometheus.Counter
}

// New constructs an empty update cache.
func New(reg prometheus.Registerer, log *slog.Logger) *Cache {
	factory := promauto.With(reg)
	return &Cache{
		entries: make(map[uint32]*Entry),
		log:     log,
		entryGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "srx_updatecache_entries",
			Help: "Number of update entries currently cached.",
		}),
		collisionCount: factory.NewCounter(prometheus.CounterOpts{
			Name: "srx_updatecache_fingerprint_collisions_total",
			Help: "Number of UpdateID fingerprint collisions resolved by linear probing.",
		}),
	}
}

// GetResult returns entry's current state and registers slot as a
// listener, per §4.5.
func (c *Cache) GetResult(updateID uint32, slot proxymap.Slot) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[updateID]
	if !ok {
		return nil, false
	}
	if e.Listeners == nil {
		e.Listeners = make(map[proxymap.Slot]struct{})
	}
	e.Listeners[slot] = struct{}{}
	e.LastTouch = time.Now()
	e.ExpiresAt = time.Time{}
	return e, true
}

// DetectCollision reports whether an entry exists at updateID whose
// identity fields do not match the given (origin, prefix, bgpsec).
func (c *Cache) DetectCollision(updateID uint32, originASN uint32, prefix netip.Prefix, bgpsecBlob []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[updateID]
	if !ok {
		return false
	}
	return !e.matches(originASN, prefix, bgpsecBlob)
}

// StoreUpdate creates an entry at candidateID, resolving fingerprint
// collisions by linear probing forward until a free slot or a true
// match is found, and registers slot as its first listener. It
// returns the existing entry, with slot added to its listeners, if one
// already matches, along
// with whether a new entry was created — the caller uses that to
// decide whether this update newly references pathID and should take
// a path-cache reference on it.
func (c *Cache) StoreUpdate(candidateID uint32, slot proxymap.Slot, originASN uint32, prefix netip.Prefix, defaults Defaults, bgpsecBlob []byte, pathID uint32) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := candidateID
	for {
		e, occupied := c.entries[id]
		if !occupied {
			break
		}
		if e.matches(originASN, prefix, bgpsecBlob) {
			if e.Listeners == nil {
				e.Listeners = make(map[proxymap.Slot]struct{})
			}
			e.Listeners[slot] = struct{}{}
			e.LastTouch = time.Now()
			return e, false
		}
		if c.log != nil {
			c.log.Warn("updatecache: fingerprint collision", "candidate", candidateID, "occupied", id)
		}
		c.collisionCount.Inc()
		id++
	}

	e := &Entry{
		UpdateID:   id,
		OriginASN:  originASN,
		Prefix:     prefix,
		BGPsecBlob: append([]byte(nil), bgpsecBlob...),
		PathID:     pathID,
		ROA:        defaults.ROA,
		BGPsec:     defaults.BGPsec,
		ASPA:       defaults.ASPA,
		Listeners:  map[proxymap.Slot]struct{}{slot: {}},
		LastTouch:  time.Now(),
	}
	c.entries[id] = e
	c.entryGauge.Set(float64(len(c.entries)))
	return e, true
}

// ModifyResultWithAspa late-patches an ASPA verdict obtained from the
// path cache after a VALIDATE command completes.
func (c *Cache) ModifyResultWithAspa(updateID uint32, aspaResult verdict.Value, source string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[updateID]
	if !ok {
		return false
	}
	e.ASPA = aspaResult
	e.ASPASource = source
	return true
}

// SetVerdict writes a ROA or BGPsec verdict produced by the
// dispatcher, tagging its source.
func (c *Cache) SetVerdict(updateID uint32, field string, v verdict.Value, source string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[updateID]
	if !ok {
		return false
	}
	switch field {
	case "roa":
		e.ROA, e.ROASource = v, source
	case "bgpsec":
		e.BGPsec, e.BGPsecSource = v, source
	case "aspa":
		e.ASPA, e.ASPASource = v, source
	}
	return true
}

// RemoveListener removes slot from the single entry at updateID's
// listener set, scheduling its grace window if that empties the set.
// It returns false when updateID is not cached, the caller's signal to
// reply UPDATE_NOT_FOUND instead.
func (c *Cache) RemoveListener(updateID uint32, slot proxymap.Slot, keepWindow time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[updateID]
	if !ok {
		return false
	}
	delete(e.Listeners, slot)
	if len(e.Listeners) == 0 && e.ExpiresAt.IsZero() {
		e.ExpiresAt = time.Now().Add(keepWindow)
	}
	return true
}

// UnregisterClientID removes slot from every entry's listener set.
// Entries whose listener set becomes empty enter the grace window
// rather than being deleted immediately, so a late retransmission
// from a reconnecting proxy still finds its verdict.
func (c *Cache) UnregisterClientID(slot proxymap.Slot, keepWindow time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for _, e := range c.entries {
		delete(e.Listeners, slot)
		if len(e.Listeners) == 0 && e.ExpiresAt.IsZero() {
			e.ExpiresAt = now.Add(keepWindow)
		}
	}
}

// Prune hard-deletes every entry whose grace window has elapsed and
// which has gained no new listener since, returning the removed
// entries so the caller can release any path-cache references they
// held.
func (c *Cache) Prune(now time.Time) []*Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var removed []*Entry
	for id, e := range c.entries {
		if !e.ExpiresAt.IsZero() && len(e.Listeners) == 0 && now.After(e.ExpiresAt) {
			delete(c.entries, id)
			removed = append(removed, e)
		}
	}
	if len(removed) > 0 {
		c.entryGauge.Set(float64(len(c.entries)))
	}
	return removed
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
