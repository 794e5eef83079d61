package connhandler

import (
	"bytes"
	"net/netip"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/nist-srx/srx-server/internal/dispatcher"
	"github.com/nist-srx/srx-server/internal/proxymap"
	"github.com/nist-srx/srx-server/internal/session"
	"github.com/nist-srx/srx-server/internal/signer"
	"github.com/nist-srx/srx-server/internal/validators"
	"github.com/nist-srx/srx-server/internal/verdict"
	"github.com/nist-srx/srx-server/internal/wire"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	reg := prometheus.NewRegistry()
	vs := validators.Set{
		Origin: validators.NewMockOrigin(),
		Path:   &validators.MockPath{},
		ASPA:   validators.NewMockASPA(),
	}
	return New(reg, nil, nil, nil, vs, 0, 0, 0)
}

func helloFrame(version uint16, proxyID uint32) *wire.Frame {
	h := wire.Hello{Version: version, ProxyID: proxyID, ASN: 65001}
	return &wire.Frame{Header: wire.Header{Type: wire.HELLO}, Body: h.Marshal()}
}

func TestHelloAssignsSlotAndSendsHelloResponse(t *testing.T) {
	h := newTestHandler(t)
	var buf bytes.Buffer
	sess := session.New(&buf, nil)

	got := make(chan dispatcher.Outbound, 4)
	h.SendQueue.Start(func(o dispatcher.Outbound) { got <- o })
	defer h.SendQueue.Stop()

	h.processPDU(recvItem{Sess: sess, Frame: helloFrame(ProtocolVersion, 42)})

	require.Equal(t, session.StateActive, sess.State())
	require.NotEqual(t, proxymap.Slot(0), sess.Slot())

	select {
	case o := <-got:
		require.Equal(t, wire.HELLO_RESPONSE, o.Type)
		resp, err := wire.UnmarshalHelloResponse(o.Body)
		require.NoError(t, err)
		require.Equal(t, uint32(42), resp.ProxyID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for HELLO_RESPONSE")
	}
}

func TestHelloWithWrongVersionIsRejected(t *testing.T) {
	h := newTestHandler(t)
	var buf bytes.Buffer
	sess := session.New(&buf, nil)

	h.processPDU(recvItem{Sess: sess, Frame: helloFrame(99, 1)})

	require.Equal(t, session.StateClosed, sess.State())
}

func TestVerifyBeforeHelloIsRejected(t *testing.T) {
	h := newTestHandler(t)
	var buf bytes.Buffer
	sess := session.New(&buf, nil)

	vr := wire.VerifyRequest{
		Flags:     wire.FlagVerifyOrigin,
		Prefix:    netip.MustParsePrefix("192.0.2.0/24"),
		OriginASN: 65001,
	}
	frame := &wire.Frame{Header: wire.Header{Type: wire.VERIFY_V4_REQUEST}, Body: vr.MarshalV4()}

	h.processPDU(recvItem{Sess: sess, Frame: frame})
	require.Equal(t, session.StateClosed, sess.State())
}

func TestVerifyEnqueuesValidateWork(t *testing.T) {
	h := newTestHandler(t)
	var buf bytes.Buffer
	sess := session.New(&buf, nil)
	h.processPDU(recvItem{Sess: sess, Frame: helloFrame(ProtocolVersion, 7)})
	require.Equal(t, session.StateActive, sess.State())

	vr := wire.VerifyRequest{
		Flags:     wire.FlagVerifyOrigin,
		Prefix:    netip.MustParsePrefix("192.0.2.0/24"),
		OriginASN: 65001,
	}
	frame := &wire.Frame{Header: wire.Header{Type: wire.VERIFY_V4_REQUEST}, Body: vr.MarshalV4()}
	h.processPDU(recvItem{Sess: sess, Frame: frame})

	require.Equal(t, 1, h.WorkQueue.Len())
	require.Equal(t, 1, h.UpdateCache.Len())
	require.Equal(t, 1, h.PathCache.Len())
}

func TestGoodbyeDeactivatesMapping(t *testing.T) {
	h := newTestHandler(t)
	var buf bytes.Buffer
	sess := session.New(&buf, nil)
	h.processPDU(recvItem{Sess: sess, Frame: helloFrame(ProtocolVersion, 9)})
	slot := sess.Slot()
	require.NotEqual(t, proxymap.Slot(0), slot)

	g := wire.Goodbye{KeepWindow: 0}
	frame := &wire.Frame{Header: wire.Header{Type: wire.GOODBYE}, Body: g.Marshal()}
	h.processPDU(recvItem{Sess: sess, Frame: frame})

	require.Equal(t, session.StateClosed, sess.State())
	_, ok := h.ProxyMap.Lookup(slot)
	require.False(t, ok)
}

func TestCleanupSessionMarksCrashedOnAbruptDisconnect(t *testing.T) {
	h := newTestHandler(t)
	var buf bytes.Buffer
	sess := session.New(&buf, nil)
	h.processPDU(recvItem{Sess: sess, Frame: helloFrame(ProtocolVersion, 11)})
	slot := sess.Slot()

	h.cleanupSession(sess)

	mapping, ok := h.ProxyMap.Lookup(slot)
	require.True(t, ok)
	require.False(t, mapping.Crashed.IsZero())
	require.Equal(t, session.StateClosed, sess.State())
}

func TestVerifyCarriesSessionASNIntoValidateWork(t *testing.T) {
	h := newTestHandler(t)
	var buf bytes.Buffer
	sess := session.New(&buf, nil)
	h.processPDU(recvItem{Sess: sess, Frame: helloFrame(ProtocolVersion, 31)})
	require.Equal(t, uint32(65001), sess.ASN())

	got := make(chan dispatcher.Item, 1)
	h.WorkQueue.Start(func(i dispatcher.Item) { got <- i })
	defer h.WorkQueue.Stop()

	vr := wire.VerifyRequest{
		Flags:     wire.FlagVerifyOrigin,
		Prefix:    netip.MustParsePrefix("192.0.2.0/24"),
		OriginASN: 65010,
	}
	frame := &wire.Frame{Header: wire.Header{Type: wire.VERIFY_V4_REQUEST}, Body: vr.MarshalV4()}
	h.processPDU(recvItem{Sess: sess, Frame: frame})

	select {
	case item := <-got:
		require.NotNil(t, item.Validate)
		require.Equal(t, uint32(65001), item.Validate.LocalASN)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatched validate work")
	}
}

func TestVerifyOnKnownUpdateNotifiesOnlyWhenDefaultsDiverge(t *testing.T) {
	h := newTestHandler(t)
	var buf bytes.Buffer
	sess := session.New(&buf, nil)
	h.processPDU(recvItem{Sess: sess, Frame: helloFrame(ProtocolVersion, 32)})

	prefix := netip.MustParsePrefix("192.0.2.0/24")
	origin := uint32(65020)

	vr := wire.VerifyRequest{
		Flags:     wire.FlagVerifyOrigin,
		Prefix:    prefix,
		OriginASN: origin,
	}
	frame := &wire.Frame{Header: wire.Header{Type: wire.VERIFY_V4_REQUEST}, Body: vr.MarshalV4()}

	drained := make(chan dispatcher.Item, 4)
	h.WorkQueue.Start(func(i dispatcher.Item) { drained <- i })

	h.processPDU(recvItem{Sess: sess, Frame: frame})
	var validated dispatcher.Item
	select {
	case validated = <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first validate dispatch")
	}
	h.WorkQueue.Stop()

	// Stand in for the dispatcher actually running the VALIDATE item:
	// settle this update's ROA verdict at NotFound.
	updateID := validated.Validate.UpdateID
	h.UpdateCache.SetVerdict(updateID, "roa", verdict.NotFound, "validator")

	got := make(chan dispatcher.Outbound, 4)
	h.SendQueue.Start(func(o dispatcher.Outbound) { got <- o })
	defer h.SendQueue.Stop()

	// The HELLO_RESPONSE queued during the handshake is delivered first.
	select {
	case o := <-got:
		require.Equal(t, wire.HELLO_RESPONSE, o.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for HELLO_RESPONSE")
	}

	// Resubmit declaring the same default the cached verdict already
	// holds (NotFound): no divergence, so no VERIFY_NOTIFICATION.
	vrSame := vr
	vrSame.ROADefault = wire.SRxResult(verdict.NotFound)
	frameSame := &wire.Frame{Header: wire.Header{Type: wire.VERIFY_V4_REQUEST}, Body: vrSame.MarshalV4()}
	h.processPDU(recvItem{Sess: sess, Frame: frameSame})
	select {
	case o := <-got:
		t.Fatalf("unexpected notification for non-diverging resubmission: %+v", o)
	case <-time.After(100 * time.Millisecond):
	}

	// Resubmit declaring a ROADefault that disagrees with the cached
	// verdict: this must notify immediately.
	vrDiverge := vr
	vrDiverge.ROADefault = wire.SRxResult(verdict.Invalid)
	frameDiverge := &wire.Frame{Header: wire.Header{Type: wire.VERIFY_V4_REQUEST}, Body: vrDiverge.MarshalV4()}
	h.processPDU(recvItem{Sess: sess, Frame: frameDiverge})
	select {
	case o := <-got:
		require.Equal(t, wire.VERIFY_NOTIFICATION, o.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for divergence notification")
	}
}

func TestRegisterSKIStoresSKIForSigtraSignatureResponse(t *testing.T) {
	h := newTestHandler(t)
	priv, err := signer.GenerateKey()
	require.NoError(t, err)
	h.Signer = signer.New(priv)

	var buf bytes.Buffer
	sess := session.New(&buf, nil)
	h.processPDU(recvItem{Sess: sess, Frame: helloFrame(ProtocolVersion, 41)})

	var ski [wire.SKILen]byte
	for i := range ski {
		ski[i] = byte(i + 1)
	}
	reg := wire.RegisterSKI{ProxyID: 41, ASN: 65001, SKI: ski}
	h.processPDU(recvItem{Sess: sess, Frame: &wire.Frame{Header: wire.Header{Type: wire.REGISTER_SKI}, Body: reg.Marshal()}})

	mapping, ok := h.ProxyMap.Lookup(sess.Slot())
	require.True(t, ok)
	require.True(t, mapping.HasSKI)
	require.Equal(t, ski, mapping.SKI)

	got := make(chan dispatcher.Outbound, 4)
	h.SendQueue.Start(func(o dispatcher.Outbound) { got <- o })
	defer h.SendQueue.Stop()

	// The HELLO_RESPONSE queued during the handshake is delivered first.
	select {
	case o := <-got:
		require.Equal(t, wire.HELLO_RESPONSE, o.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for HELLO_RESPONSE")
	}

	genReq := wire.SigtraGenerationRequest{
		SignatureID: 7,
		Prefix:      netip.MustParsePrefix("192.0.2.0/24"),
		ASPath:      []uint32{65001},
		OriginASN:   65001,
		Timestamp:   1,
		Peers:       []uint32{65099},
	}
	h.processPDU(recvItem{Sess: sess, Frame: &wire.Frame{Header: wire.Header{Type: wire.SIGTRA_GENERATION_REQUEST}, Body: genReq.Marshal()}})

	select {
	case o := <-got:
		require.Equal(t, wire.SIGTRA_SIGNATURE_RESPONSE, o.Type)
		resp, err := wire.UnmarshalSigtraSignatureResponse(o.Body)
		require.NoError(t, err)
		require.Equal(t, ski, resp.SKI)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SIGTRA_SIGNATURE_RESPONSE")
	}
}

func TestDuplicateHelloOnActiveSessionIsRejected(t *testing.T) {
	h := newTestHandler(t)
	var buf bytes.Buffer
	sess := session.New(&buf, nil)
	h.processPDU(recvItem{Sess: sess, Frame: helloFrame(ProtocolVersion, 21)})
	require.Equal(t, session.StateActive, sess.State())

	h.processPDU(recvItem{Sess: sess, Frame: helloFrame(ProtocolVersion, 22)})
	require.Equal(t, session.StateClosed, sess.State())
}
