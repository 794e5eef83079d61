// Package rpki defines the query interface an RPKI-to-Router client
// would expose to the validation layer. The client itself — session
// management with an upstream cache, incremental ROA/Router-Key/ASPA
// table updates — is out of scope for this server; only the read-side
// shape the validators consume is pinned here, plus a deterministic
// in-memory fake for tests.
package rpki

import (
	"crypto/ecdsa"
	"net/netip"
)

// ROAEntry is one Route Origination Authorization: prefix up to
// MaxLength may be originated by OriginASN.
type ROAEntry struct {
	Prefix    netip.Prefix
	MaxLength uint8
	OriginASN uint32
}

// Source is the read-only query surface a BGPsec/ROA/ASPA validator
// consults. A real implementation backs it with an RPKI-to-Router
// session; Source itself has no opinion on transport.
type Source interface {
	// ROAsFor returns every ROA covering prefix's address family and
	// containing it, regardless of origin ASN or max length.
	ROAsFor(prefix netip.Prefix) []ROAEntry

	// RouterKey resolves a subject key identifier to the router's
	// public key, for BGPsec signature verification.
	RouterKey(ski [20]byte) (*ecdsa.PublicKey, bool)

	// ASPA returns the provider ASNs a customer AS has attested to,
	// and whether any ASPA record exists for it at all.
	ASPA(customerASN uint32) (providers []uint32, found bool)
}

// MockSource is a deterministic, in-memory Source for tests and for
// standing up validators with no RPKI cache attached.
type MockSource struct {
	roas  []ROAEntry
	keys  map[[20]byte]*ecdsa.PublicKey
	aspas map[uint32][]uint32
}

// NewMockSource constructs an empty source.
func NewMockSource() *MockSource {
	return &MockSource{
		keys:  make(map[[20]byte]*ecdsa.PublicKey),
		aspas: make(map[uint32][]uint32),
	}
}

// AddROA registers one ROA entry.
func (m *MockSource) AddROA(entry ROAEntry) {
	m.roas = append(m.roas, entry)
}

// AddRouterKey associates ski with pub.
func (m *MockSource) AddRouterKey(ski [20]byte, pub *ecdsa.PublicKey) {
	m.keys[ski] = pub
}

// SetASPA records customerASN's provider set.
func (m *MockSource) SetASPA(customerASN uint32, providers []uint32) {
	m.aspas[customerASN] = providers
}

// ROAsFor implements Source.
func (m *MockSource) ROAsFor(prefix netip.Prefix) []ROAEntry {
	var out []ROAEntry
	for _, r := range m.roas {
		if r.Prefix.Addr().Is4() != prefix.Addr().Is4() {
			continue
		}
		if r.Prefix.Overlaps(prefix) && r.Prefix.Bits() <= prefix.Bits() {
			out = append(out, r)
		}
	}
	return out
}

// RouterKey implements Source.
func (m *MockSource) RouterKey(ski [20]byte) (*ecdsa.PublicKey, bool) {
	pub, ok := m.keys[ski]
	return pub, ok
}

// ASPA implements Source.
func (m *MockSource) ASPA(customerASN uint32) ([]uint32, bool) {
	providers, ok := m.aspas[customerASN]
	return providers, ok
}

var _ Source = (*MockSource)(nil)
