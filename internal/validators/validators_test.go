package validators

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nist-srx/srx-server/internal/pathcache"
	"github.com/nist-srx/srx-server/internal/rpki"
	"github.com/nist-srx/srx-server/internal/verdict"
)

func TestMockOriginDefaultsToNotFound(t *testing.T) {
	m := NewMockOrigin()
	prefix := netip.MustParsePrefix("192.0.2.0/24")
	require.Equal(t, verdict.NotFound, m.ValidateOrigin(prefix, 65001))

	m.Set(prefix, verdict.Valid)
	require.Equal(t, verdict.Valid, m.ValidateOrigin(prefix, 65001))
}

func TestMockPathUndefinedWithoutBlob(t *testing.T) {
	m := &MockPath{}
	prefix := netip.MustParsePrefix("192.0.2.0/24")
	require.Equal(t, verdict.Undefined, m.ValidateBGPsec(nil, prefix, 65001, 65002))
	require.Equal(t, verdict.Valid, m.ValidateBGPsec([]byte{1}, prefix, 65001, 65002))
}

func TestMockASPATable(t *testing.T) {
	m := NewMockASPA()
	path := []uint32{65001, 65002}
	require.Equal(t, verdict.Unverifiable, m.ValidateASPA(path, pathcache.DirectionUpstream))

	m.Set(path, verdict.Invalid)
	require.Equal(t, verdict.Invalid, m.ValidateASPA(path, pathcache.DirectionUpstream))
}

func TestRPKIOriginNoCoveringROAIsNotFound(t *testing.T) {
	src := rpki.NewMockSource()
	v := &RPKIOrigin{Source: src}
	require.Equal(t, verdict.NotFound, v.ValidateOrigin(netip.MustParsePrefix("192.0.2.0/24"), 65001))
}

func TestRPKIOriginMatchingROAIsValid(t *testing.T) {
	src := rpki.NewMockSource()
	src.AddROA(rpki.ROAEntry{Prefix: netip.MustParsePrefix("192.0.2.0/23"), MaxLength: 24, OriginASN: 65001})
	v := &RPKIOrigin{Source: src}
	require.Equal(t, verdict.Valid, v.ValidateOrigin(netip.MustParsePrefix("192.0.2.0/24"), 65001))
}

func TestRPKIOriginWrongOriginIsInvalid(t *testing.T) {
	src := rpki.NewMockSource()
	src.AddROA(rpki.ROAEntry{Prefix: netip.MustParsePrefix("192.0.2.0/24"), MaxLength: 24, OriginASN: 65001})
	v := &RPKIOrigin{Source: src}
	require.Equal(t, verdict.Invalid, v.ValidateOrigin(netip.MustParsePrefix("192.0.2.0/24"), 65099))
}

func TestRPKIOriginExceedingMaxLengthIsInvalid(t *testing.T) {
	src := rpki.NewMockSource()
	src.AddROA(rpki.ROAEntry{Prefix: netip.MustParsePrefix("192.0.2.0/23"), MaxLength: 23, OriginASN: 65001})
	v := &RPKIOrigin{Source: src}
	require.Equal(t, verdict.Invalid, v.ValidateOrigin(netip.MustParsePrefix("192.0.2.0/24"), 65001))
}

func TestRPKIASPAAuthorizedChainIsValid(t *testing.T) {
	src := rpki.NewMockSource()
	src.SetASPA(65003, []uint32{65002})
	src.SetASPA(65002, []uint32{65001})
	v := &RPKIASPA{Source: src}
	require.Equal(t, verdict.Valid, v.ValidateASPA([]uint32{65003, 65002, 65001}, pathcache.DirectionUpstream))
}

func TestRPKIASPAUnauthorizedHopIsInvalid(t *testing.T) {
	src := rpki.NewMockSource()
	src.SetASPA(65003, []uint32{65099})
	v := &RPKIASPA{Source: src}
	require.Equal(t, verdict.Invalid, v.ValidateASPA([]uint32{65003, 65002}, pathcache.DirectionUpstream))
}

func TestRPKIASPAMissingRecordIsUnverifiable(t *testing.T) {
	src := rpki.NewMockSource()
	v := &RPKIASPA{Source: src}
	require.Equal(t, verdict.Unverifiable, v.ValidateASPA([]uint32{65003, 65002}, pathcache.DirectionUpstream))
}
