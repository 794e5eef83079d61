package rpki

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestROAsForReturnsCoveringEntriesOnly(t *testing.T) {
	src := NewMockSource()
	src.AddROA(ROAEntry{Prefix: netip.MustParsePrefix("192.0.2.0/24"), MaxLength: 24, OriginASN: 65001})
	src.AddROA(ROAEntry{Prefix: netip.MustParsePrefix("198.51.100.0/24"), MaxLength: 24, OriginASN: 65002})

	got := src.ROAsFor(netip.MustParsePrefix("192.0.2.0/24"))
	require.Len(t, got, 1)
	require.Equal(t, uint32(65001), got[0].OriginASN)
}

func TestROAsForIgnoresOtherAddressFamily(t *testing.T) {
	src := NewMockSource()
	src.AddROA(ROAEntry{Prefix: netip.MustParsePrefix("2001:db8::/32"), MaxLength: 48, OriginASN: 65001})

	got := src.ROAsFor(netip.MustParsePrefix("192.0.2.0/24"))
	require.Empty(t, got)
}

func TestASPALookupReportsMissingRecords(t *testing.T) {
	src := NewMockSource()
	src.SetASPA(65001, []uint32{65010})

	providers, found := src.ASPA(65001)
	require.True(t, found)
	require.Equal(t, []uint32{65010}, providers)

	_, found = src.ASPA(65099)
	require.False(t, found)
}
