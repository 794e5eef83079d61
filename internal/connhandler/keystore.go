package connhandler

import (
	"crypto/ecdsa"
	"sync"

	"github.com/nist-srx/srx-server/internal/wire"
)

// PeerKeyStore resolves the subject key identifier carried in a
// SigtraBlock to the public key used to verify its signature. Real key
// material is distributed out-of-band (an RPKI repository publishing
// BGPsec router certificates); this interface only pins the shape the
// connection handler needs from that lookup.
type PeerKeyStore interface {
	PublicKey(ski [wire.SKILen]byte) (*ecdsa.PublicKey, bool)
}

// MockPeerKeyStore is a deterministic, in-memory PeerKeyStore for
// tests and for standing up a server with no RPKI repository attached.
type MockPeerKeyStore struct {
	mu   sync.Mutex
	keys map[[wire.SKILen]byte]*ecdsa.PublicKey
}

// NewMockPeerKeyStore constructs an empty store.
func NewMockPeerKeyStore() *MockPeerKeyStore {
	return &MockPeerKeyStore{keys: make(map[[wire.SKILen]byte]*ecdsa.PublicKey)}
}

// Register associates ski with pub, as if learned from REGISTER_SKI or
// an out-of-band RPKI fetch.
func (m *MockPeerKeyStore) Register(ski [wire.SKILen]byte, pub *ecdsa.PublicKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[ski] = pub
}

// PublicKey implements PeerKeyStore.
func (m *MockPeerKeyStore) PublicKey(ski [wire.SKILen]byte) (*ecdsa.PublicKey, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pub, ok := m.keys[ski]
	return pub, ok
}

var _ PeerKeyStore = (*MockPeerKeyStore)(nil)
