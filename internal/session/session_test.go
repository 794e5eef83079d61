package session

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nist-srx/srx-server/internal/proxymap"
	"github.com/nist-srx/srx-server/internal/wire"
)

func TestHandshakeTransitionsToActive(t *testing.T) {
	var buf bytes.Buffer
	s := New(&buf, nil)
	require.Equal(t, StateAccepted, s.State())

	require.NoError(t, s.OnHello(proxymap.Slot(1), 0x0A0B0C0D, 65001))
	require.Equal(t, StateActive, s.State())
	require.Equal(t, proxymap.Slot(1), s.Slot())
	require.Equal(t, uint32(0x0A0B0C0D), s.ProxyID())
	require.Equal(t, uint32(65001), s.ASN())
}

func TestSecondHelloOnActiveIsError(t *testing.T) {
	var buf bytes.Buffer
	s := New(&buf, nil)
	require.NoError(t, s.OnHello(proxymap.Slot(1), 1, 65001))
	require.ErrorIs(t, s.OnHello(proxymap.Slot(2), 2, 65002), ErrAlreadyActive)
}

func TestRequireActiveBeforeHandshake(t *testing.T) {
	var buf bytes.Buffer
	s := New(&buf, nil)
	require.ErrorIs(t, s.RequireActive(), ErrNotActive)

	require.NoError(t, s.OnHello(proxymap.Slot(1), 1, 65001))
	require.NoError(t, s.RequireActive())
}

func TestGoodbyeThenClose(t *testing.T) {
	var buf bytes.Buffer
	s := New(&buf, nil)
	s.OnGoodbye()
	require.Equal(t, StateGoodbyeReceived, s.State())
	s.Close()
	require.Equal(t, StateClosed, s.State())
}

func TestSendWritesFrame(t *testing.T) {
	var buf bytes.Buffer
	s := New(&buf, nil)
	require.NoError(t, s.Send(wire.SYNC_REQUEST, nil))
	require.Equal(t, wire.HeaderSize, buf.Len())
}

func TestSendAfterCloseFails(t *testing.T) {
	var buf bytes.Buffer
	s := New(&buf, nil)
	s.Close()
	require.ErrorIs(t, s.Send(wire.SYNC_REQUEST, nil), ErrClosed)
}
