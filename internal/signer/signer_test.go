package signer

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalMessageLayout(t *testing.T) {
	prefix := [4]byte{203, 0, 113, 0}
	msg := CanonicalMessage(65001, 65001, 65002, 65010, 1700000000, 24, prefix)

	require.Len(t, msg, 25)
	require.Equal(t, uint32(65001), binary.BigEndian.Uint32(msg[0:4]))
	require.Equal(t, uint32(65002), binary.BigEndian.Uint32(msg[8:12]))
	require.Equal(t, uint32(65010), binary.BigEndian.Uint32(msg[12:16]))
	require.Equal(t, byte(24), msg[20])
	require.Equal(t, prefix[:], msg[21:25])
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	priv, err := GenerateKey()
	require.NoError(t, err)
	s := New(priv)

	msg := CanonicalMessage(65001, 65001, 65002, 65010, 1700000000, 24, [4]byte{203, 0, 113, 0})
	sig, err := s.Sign(msg)
	require.NoError(t, err)
	require.LessOrEqual(t, len(sig), MaxSignatureLen)

	require.True(t, Verify(s.PublicKey(), msg, sig))
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	priv, err := GenerateKey()
	require.NoError(t, err)
	s := New(priv)

	msg := CanonicalMessage(1, 2, 3, 4, 5, 24, [4]byte{1, 2, 3, 4})
	sig, err := s.Sign(msg)
	require.NoError(t, err)

	tampered := CanonicalMessage(1, 2, 3, 9, 5, 24, [4]byte{1, 2, 3, 4})
	require.False(t, Verify(s.PublicKey(), tampered, sig))
}

func TestDifferentPeersProduceDifferentMessages(t *testing.T) {
	base := CanonicalMessage(65001, 65001, 65002, 65010, 1700000000, 24, [4]byte{203, 0, 113, 0})
	other := CanonicalMessage(65001, 65001, 65002, 65020, 1700000000, 24, [4]byte{203, 0, 113, 0})
	require.NotEqual(t, base, other)
}
