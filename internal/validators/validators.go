// Package validators defines the uniform interface the command
// dispatcher consumes for origin (ROA), path (BGPsec), and AS-path
// (ASPA) validation. Real validation logic lives outside this system
// (an RPKI cache, a BGPsec crypto backend, an ASPA database); this
// package pins the shape those collaborators must have and ships
// deterministic mocks for tests, plus RPKIOrigin and RPKIASPA, which
// run origin and ASPA checks over an internal/rpki.Source.
package validators

import (
	"net/netip"

	"github.com/nist-srx/srx-server/internal/pathcache"
	"github.com/nist-srx/srx-server/internal/rpki"
	"github.com/nist-srx/srx-server/internal/verdict"
)

// OriginValidator checks a prefix/origin-ASN pair against ROA data.
type OriginValidator interface {
	ValidateOrigin(prefix netip.Prefix, originASN uint32) verdict.Value
}

// PathValidator checks a BGPsec path attribute blob against the
// announced prefix, origin, and the validating AS's own ASN.
type PathValidator interface {
	ValidateBGPsec(bgpsecBlob []byte, prefix netip.Prefix, originASN, localASN uint32) verdict.Value
}

// ASPAValidator checks an AS-path against ASPA objects for the given
// traversal direction.
type ASPAValidator interface {
	ValidateASPA(asPath []uint32, direction pathcache.Direction) verdict.Value
}

// Set bundles the three validators the dispatcher calls out to.
type Set struct {
	Origin OriginValidator
	Path   PathValidator
	ASPA   ASPAValidator
}

// MockOrigin is a deterministic OriginValidator for tests: it answers
// from a fixed table keyed by prefix string, defaulting to NotFound.
type MockOrigin struct {
	Table map[string]verdict.Value
}

func NewMockOrigin() *MockOrigin {
	return &MockOrigin{Table: make(map[string]verdict.Value)}
}

func (m *MockOrigin) Set(prefix netip.Prefix, v verdict.Value) {
	m.Table[prefix.String()] = v
}

func (m *MockOrigin) ValidateOrigin(prefix netip.Prefix, _ uint32) verdict.Value {
	if v, ok := m.Table[prefix.String()]; ok {
		return v
	}
	return verdict.NotFound
}

// MockPath is a deterministic PathValidator for tests: an empty blob
// is Undefined (no BGPsec data to check), a non-empty blob is Valid
// unless explicitly overridden.
type MockPath struct {
	ForceResult verdict.Value
	Force       bool
}

func (m *MockPath) ValidateBGPsec(blob []byte, _ netip.Prefix, _, _ uint32) verdict.Value {
	if m.Force {
		return m.ForceResult
	}
	if len(blob) == 0 {
		return verdict.Undefined
	}
	return verdict.Valid
}

// MockASPA is a deterministic ASPAValidator for tests, answering from
// a fixed table keyed by the joined AS-path.
type MockASPA struct {
	Default verdict.Value
	Table   map[string]verdict.Value
}

func NewMockASPA() *MockASPA {
	return &MockASPA{Default: verdict.Unverifiable, Table: make(map[string]verdict.Value)}
}

func pathKey(asPath []uint32) string {
	key := make([]byte, 0, len(asPath)*5)
	for _, asn := range asPath {
		key = append(key, byte(asn>>24), byte(asn>>16), byte(asn>>8), byte(asn), '|')
	}
	return string(key)
}

func (m *MockASPA) Set(asPath []uint32, v verdict.Value) {
	m.Table[pathKey(asPath)] = v
}

func (m *MockASPA) ValidateASPA(asPath []uint32, _ pathcache.Direction) verdict.Value {
	if v, ok := m.Table[pathKey(asPath)]; ok {
		return v
	}
	return m.Default
}

// RPKIOrigin is an OriginValidator backed by an RPKI Source: it
// implements the standard ROA covering-prefix check (RFC 6811 §2) —
// no covering ROA is NotFound, a covering ROA whose origin or max
// length doesn't match the announcement is Invalid, otherwise Valid.
type RPKIOrigin struct {
	Source rpki.Source
}

func (r *RPKIOrigin) ValidateOrigin(prefix netip.Prefix, originASN uint32) verdict.Value {
	roas := r.Source.ROAsFor(prefix)
	if len(roas) == 0 {
		return verdict.NotFound
	}
	for _, roa := range roas {
		if roa.OriginASN == originASN && uint8(prefix.Bits()) <= roa.MaxLength {
			return verdict.Valid
		}
	}
	return verdict.Invalid
}

// RPKIASPA is an ASPAValidator backed by an RPKI Source, checking that
// each hop in the path is an authorized provider of the hop before it
// per the announcement's traversal direction (RFC 9582 §6). A customer
// AS with no ASPA record on file is Unverifiable rather than Invalid,
// since ASPA adoption is not universal.
type RPKIASPA struct {
	Source rpki.Source
}

func (r *RPKIASPA) ValidateASPA(asPath []uint32, direction pathcache.Direction) verdict.Value {
	if len(asPath) < 2 {
		return verdict.Undefined
	}
	hops := asPath
	if direction == pathcache.DirectionDownstream {
		hops = make([]uint32, len(asPath))
		for i, asn := range asPath {
			hops[len(asPath)-1-i] = asn
		}
	}

	seenUnverifiable := false
	for i := 0; i < len(hops)-1; i++ {
		customer, provider := hops[i], hops[i+1]
		providers, found := r.Source.ASPA(customer)
		if !found {
			seenUnverifiable = true
			continue
		}
		authorized := false
		for _, p := range providers {
			if p == provider {
				authorized = true
				break
			}
		}
		if !authorized {
			return verdict.Invalid
		}
	}
	if seenUnverifiable {
		return verdict.Unverifiable
	}
	return verdict.Valid
}

var (
	_ OriginValidator = (*MockOrigin)(nil)
	_ PathValidator   = (*MockPath)(nil)
	_ ASPAValidator   = (*MockASPA)(nil)
	_ OriginValidator = (*RPKIOrigin)(nil)
	_ ASPAValidator   = (*RPKIASPA)(nil)
)
