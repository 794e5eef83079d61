// Package fingerprint derives the 32-bit UpdateID and PathID keys used
// by the update cache and AS-path cache from their constituent fields.
package fingerprint

import (
	"encoding/binary"
	"net/netip"

	"github.com/cespare/xxhash/v2"
)

// sum32 folds an xxhash 64-bit digest of buf down to 32 bits. Any
// deterministic hash works here; xxhash is used because it's already
// in the dependency graph and is fast enough to run per-update.
func sum32(buf []byte) uint32 {
	return uint32(xxhash.Sum64(buf))
}

// Update derives the UpdateID from the fields that define a unique
// route announcement: origin ASN, prefix, and the raw BGPsec path
// attribute blob (nil/empty when the update carries none).
func Update(originASN uint32, prefix netip.Prefix, bgpsecBlob []byte) uint32 {
	addr := prefix.Addr()
	buf := make([]byte, 0, 4+1+addr.BitLen()/8+len(bgpsecBlob))
	var asnBuf [4]byte
	binary.BigEndian.PutUint32(asnBuf[:], originASN)
	buf = append(buf, asnBuf[:]...)
	buf = append(buf, byte(prefix.Bits()))
	buf = append(buf, addr.AsSlice()...)
	buf = append(buf, bgpsecBlob...)
	return sum32(buf)
}

// ASType distinguishes an AS-path built of AS_SEQUENCE hops from one
// that includes an AS_SET (e.g. after aggregation).
type ASType uint8

const (
	ASSequence ASType = 0
	ASSet      ASType = 1
)

// Path derives the PathID from an AS-path's hop sequence and its type
// tag, so two updates that traverse the same path share one cache
// entry regardless of which update discovered it first.
func Path(asPath []uint32, asType ASType) uint32 {
	buf := make([]byte, 0, 1+4*len(asPath))
	buf = append(buf, byte(asType))
	var hopBuf [4]byte
	for _, asn := range asPath {
		binary.BigEndian.PutUint32(hopBuf[:], asn)
		buf = append(buf, hopBuf[:]...)
	}
	return sum32(buf)
}
