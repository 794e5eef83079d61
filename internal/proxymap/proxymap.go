// Package proxymap implements the fixed-size bidirectional mapping
// between an external 32-bit proxy identifier and an internal client
// slot (1..255), with pre-configuration and crash grace-window
// retention. Slot 0 is reserved and never allocated.
package proxymap

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Slot is an internal client identifier in the range [1, 255].
type Slot uint8

// NumSlots is the fixed table size, including the reserved slot 0.
const NumSlots = 256

var (
	// ErrTableFull names the every-slot-occupied condition. CreateClientID
	// does not return it: it reports a full table by returning slot 0.
	ErrTableFull = errors.New("proxymap: table full")

	// ErrSlotMismatch is returned by AddMapping when the slot is already
	// bound to a different proxyID or socket handle.
	ErrSlotMismatch = errors.New("proxymap: slot bound to a different proxy")

	// ErrProxyBoundElsewhere is returned when the same proxyID attempts
	// to re-register under a different slot without first deactivating
	// its current one.
	ErrProxyBoundElsewhere = errors.New("proxymap: proxy already bound to a different slot")

	// ErrUnknownSlot is returned for operations on a slot outside [1,255]
	// or one that has never been mapped.
	ErrUnknownSlot = errors.New("proxymap: unknown slot")
)

// Socket identifies the session handle bound to a slot. It's an
// opaque comparable key (typically a *session.Session pointer) so
// this package never depends on the session package.
type Socket interface{}

// SKILen is the length in bytes of a subject key identifier, mirrored
// from the wire package's constant to avoid importing it here.
const SKILen = 20

// Mapping is one row of the 256-slot table.
type Mapping struct {
	ProxyID     uint32
	Socket      Socket
	IsActive    bool
	PreDefined  bool
	Crashed     time.Time // zero value means "not crashed"
	UpdateCount int
	SKI         [SKILen]byte
	HasSKI      bool
}

func (m Mapping) bound() bool {
	return m.ProxyID != 0
}

// Map is the 256-slot proxy-client mapping table.
type Map struct {
	mu        sync.Mutex
	slots     [NumSlots]Mapping
	noMapping int // highest slot index ever allocated, bounds the linear scan

	activeGauge  prometheus.Gauge
	crashedGauge prometheus.Gauge
}

// New constructs an empty table and registers its Prometheus gauges.
func New(reg prometheus.Registerer) *Map {
	factory := promauto.With(reg)
	return &Map{
		activeGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "srx_proxymap_active_slots",
			Help: "Number of proxy-map slots currently bound to a live session.",
		}),
		crashedGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "srx_proxymap_crashed_slots",
			Help: "Number of proxy-map slots awaiting crash grace-window expiry.",
		}),
	}
}

// FindClientID returns the slot currently or previously bound to
// proxyID, or 0 if none. Scan is bounded by the high-water mark of
// slots ever allocated, per §4.3.
func (m *Map) FindClientID(proxyID uint32) Slot {
	if proxyID == 0 {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 1; i <= m.noMapping; i++ {
		if m.slots[i].ProxyID == proxyID {
			return Slot(i)
		}
	}
	return 0
}

// CreateClientID returns the smallest free slot (>=1), or 0 if the
// table is full.
func (m *Map) CreateClientID() Slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 1; i < NumSlots; i++ {
		if !m.slots[i].bound() {
			if i > m.noMapping {
				m.noMapping = i
			}
			return Slot(i)
		}
	}
	return 0
}

// AddMapping registers proxyID at slot, bound to socket. Re-registration
// is idempotent when (slot, proxyID, socket) all already match, and a
// slot whose socket was cleared (a pre-defined or crashed mapping) is
// rebound to the new socket when the same proxyID registers again.
// Mismatches are rejected per the tie-break rules in §4.3: a proxyID
// already bound elsewhere, or a slot already bound to someone else,
// is an error rather than silently overwritten.
func (m *Map) AddMapping(proxyID uint32, slot Slot, socket Socket, activate bool) error {
	if slot == 0 || int(slot) >= NumSlots {
		return ErrUnknownSlot
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := 1; i <= m.noMapping; i++ {
		if i != int(slot) && m.slots[i].ProxyID == proxyID {
			return ErrProxyBoundElsewhere
		}
	}

	cur := &m.slots[slot]
	if cur.bound() {
		if cur.ProxyID != proxyID || (cur.Socket != nil && cur.Socket != socket) {
			return ErrSlotMismatch
		}
		if socket != nil {
			cur.Socket = socket
			cur.Crashed = time.Time{}
		}
		cur.IsActive = activate
		cur.PreDefined = cur.PreDefined || !activate
		m.refreshGaugesLocked()
		return nil
	}

	cur.ProxyID = proxyID
	cur.Socket = socket
	cur.IsActive = activate
	cur.PreDefined = !activate
	cur.Crashed = time.Time{}
	if int(slot) > m.noMapping {
		m.noMapping = int(slot)
	}
	m.refreshGaugesLocked()
	return nil
}

// SetActivation toggles only the active flag; it never touches the
// bound socket.
func (m *Map) SetActivation(slot Slot, value bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if slot == 0 || int(slot) > m.noMapping || !m.slots[slot].bound() {
		return ErrUnknownSlot
	}
	m.slots[slot].IsActive = value
	m.refreshGaugesLocked()
	return nil
}

// DefaultKeepWindow is used when a deactivation does not specify a
// larger keep-window of its own.
const DefaultKeepWindow = 60 * time.Second

// Deactivate clears the bound socket, optionally records a crash
// timestamp, and deletes the mapping entirely unless it is
// pre-defined or crashed (both of which must survive for the grace
// window so a reconnecting proxy can rebind its slot).
func (m *Map) Deactivate(slot Slot, crashed bool, keepWindow time.Duration) error {
	if keepWindow < DefaultKeepWindow {
		keepWindow = DefaultKeepWindow
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if slot == 0 || int(slot) > m.noMapping || !m.slots[slot].bound() {
		return ErrUnknownSlot
	}

	cur := &m.slots[slot]
	cur.Socket = nil
	cur.IsActive = false
	if crashed {
		cur.Crashed = now()
	}

	if !cur.PreDefined && !crashed {
		*cur = Mapping{}
	}
	m.refreshGaugesLocked()
	return nil
}

// SetSKI records the subject key identifier a proxy registered via
// REGISTER_SKI, for inclusion in future SIGTRA_SIGNATURE_RESPONSE
// blocks addressed to that proxy's slot.
func (m *Map) SetSKI(slot Slot, ski [SKILen]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if slot == 0 || int(slot) > m.noMapping || !m.slots[slot].bound() {
		return ErrUnknownSlot
	}
	m.slots[slot].SKI = ski
	m.slots[slot].HasSKI = true
	return nil
}

// Lookup returns a copy of slot's current mapping.
func (m *Map) Lookup(slot Slot) (Mapping, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if slot == 0 || int(slot) > m.noMapping || !m.slots[slot].bound() {
		return Mapping{}, false
	}
	return m.slots[slot], true
}

// ActiveSlots returns every slot currently bound to a live session,
// used by the connection handler's broadcastPacket.
func (m *Map) ActiveSlots() []Slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Slot
	for i := 1; i <= m.noMapping; i++ {
		if m.slots[i].bound() && m.slots[i].IsActive {
			out = append(out, Slot(i))
		}
	}
	return out
}

// ExpireCrashed hard-deletes every non-predefined mapping whose crash
// timestamp is older than keepWindow, returning the freed slots so the
// caller can garbage-collect their listener memberships exactly once.
func (m *Map) ExpireCrashed(keepWindow time.Duration) []Slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	var freed []Slot
	cutoff := now().Add(-keepWindow)
	for i := 1; i <= m.noMapping; i++ {
		cur := &m.slots[i]
		if cur.bound() && !cur.Crashed.IsZero() && cur.Crashed.Before(cutoff) && !cur.PreDefined {
			*cur = Mapping{}
			freed = append(freed, Slot(i))
		}
	}
	if len(freed) > 0 {
		m.refreshGaugesLocked()
	}
	return freed
}

func (m *Map) refreshGaugesLocked() {
	active, crashedCount := 0, 0
	for i := 1; i <= m.noMapping; i++ {
		cur := m.slots[i]
		if cur.bound() && cur.IsActive {
			active++
		}
		if cur.bound() && !cur.Crashed.IsZero() {
			crashedCount++
		}
	}
	m.activeGauge.Set(float64(active))
	m.crashedGauge.Set(float64(crashedCount))
}

// now is a seam so tests can avoid timing flakiness; overridden in tests only.
var now = time.Now
