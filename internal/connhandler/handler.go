// Package connhandler implements the top-level connection coordinator:
// it accepts proxy-client TCP connections, owns the proxy map, the
// receive/send queues, the command dispatcher, and the slot->session
// registry the dispatcher needs to resolve listeners back to live
// sessions. It is where the PDU-type switch and the protocol-level
// error-handling rules live.
package connhandler

import (
	"crypto/ecdsa"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nist-srx/srx-server/internal/dispatcher"
	"github.com/nist-srx/srx-server/internal/fingerprint"
	"github.com/nist-srx/srx-server/internal/metrics"
	"github.com/nist-srx/srx-server/internal/pathcache"
	"github.com/nist-srx/srx-server/internal/proxymap"
	"github.com/nist-srx/srx-server/internal/queue"
	"github.com/nist-srx/srx-server/internal/session"
	"github.com/nist-srx/srx-server/internal/signer"
	"github.com/nist-srx/srx-server/internal/updatecache"
	"github.com/nist-srx/srx-server/internal/validators"
	"github.com/nist-srx/srx-server/internal/verdict"
	"github.com/nist-srx/srx-server/internal/wire"
)

// ProtocolVersion is the only proxy protocol version this server
// speaks; a HELLO declaring anything else is rejected.
const ProtocolVersion uint16 = 3

// maintenanceInterval governs how often crashed proxy-map slots and
// expired update-cache entries are swept.
const maintenanceInterval = 15 * time.Second

// recvItem is one inbound frame tagged with the session it arrived on,
// the unit of work the receive queue carries.
type recvItem struct {
	Sess  *session.Session
	Frame *wire.Frame
}

// Handler owns every piece of server-side state for one listening
// socket: the proxy map, both bounded queues, the dispatcher, and the
// session registry.
type Handler struct {
	ProxyMap    *proxymap.Map
	UpdateCache *updatecache.Cache
	PathCache   *pathcache.Cache
	Dispatcher  *dispatcher.Dispatcher
	Signer      *signer.Signer
	KeyStore    PeerKeyStore
	Metrics     *metrics.Metrics

	RecvQueue *queue.Queue[recvItem]
	WorkQueue *queue.Queue[dispatcher.Item]
	SendQueue *queue.Queue[dispatcher.Outbound]

	log *slog.Logger

	mu       sync.Mutex
	sessions map[proxymap.Slot]*session.Session
	listener net.Listener
	closed   bool
	stopMx   chan struct{}
}

// New constructs a handler. recvLen/workLen/sendLen bound the three
// queues (0 means unbounded); cmd/srx-server sizes them from the
// configured queue capacities, which default to 1024 entries. A full
// queue rejects the enqueue with queue.ErrFull instead of blocking the
// producer: an inbound frame rejected this way ends that proxy's reader
// loop, and a rejected work item or outbound PDU is logged and dropped.
func New(reg prometheus.Registerer, log *slog.Logger, sg *signer.Signer, keys PeerKeyStore, vs validators.Set, recvLen, workLen, sendLen int) *Handler {
	pm := proxymap.New(reg)
	uc := updatecache.New(reg, log)
	pc := pathcache.New()

	sendQ := queue.New[dispatcher.Outbound](reg, "send", sendLen)
	workQ := queue.New[dispatcher.Item](reg, "dispatch", workLen)
	recvQ := queue.New[recvItem](reg, "receive", recvLen)

	disp := dispatcher.New(workQ, sendQ, uc, pc, vs, sg, log)

	h := &Handler{
		ProxyMap:    pm,
		UpdateCache: uc,
		PathCache:   pc,
		Dispatcher:  disp,
		Signer:      sg,
		KeyStore:    keys,
		Metrics:     metrics.New(reg),
		RecvQueue:   recvQ,
		WorkQueue:   workQ,
		SendQueue:   sendQ,
		log:         log,
		sessions:    make(map[proxymap.Slot]*session.Session),
	}
	disp.SetSessionLookup(h.lookupSession)
	return h
}

// Start launches the three queue workers, the dispatcher, and the
// background maintenance sweep.
func (h *Handler) Start() {
	h.Dispatcher.Start()
	h.SendQueue.Start(func(o dispatcher.Outbound) {
		if o.Session == nil {
			return
		}
		if err := o.Session.Send(o.Type, o.Body); err != nil && h.log != nil {
			h.log.Warn("connhandler: write failed", "session", o.Session.ID, "type", o.Type, "err", err)
		}
	})
	h.RecvQueue.Start(h.processPDU)

	h.mu.Lock()
	h.stopMx = make(chan struct{})
	stop := h.stopMx
	h.mu.Unlock()
	go h.runMaintenance(stop)
}

// Stop drains and joins every worker, in an order that guarantees no
// goroutine is asked to enqueue onto an already-stopped queue: stop
// accepting new inbound work first, let the dispatcher finish anything
// already queued, then drain whatever it emitted onto the send queue.
func (h *Handler) Stop() {
	h.mu.Lock()
	stop := h.stopMx
	h.mu.Unlock()
	if stop != nil {
		close(stop)
	}
	h.RecvQueue.Stop()
	h.Dispatcher.Stop()
	h.SendQueue.Stop()
}

func (h *Handler) runMaintenance(stop chan struct{}) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.ProxyMap.ExpireCrashed(proxymap.DefaultKeepWindow)
			for _, e := range h.UpdateCache.Prune(time.Now()) {
				h.PathCache.Release(e.PathID)
			}
		case <-stop:
			return
		}
	}
}

// Serve accepts connections on addr until the listener is closed.
func (h *Handler) Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.listener = ln
	h.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if h.isClosed() {
				return nil
			}
			return err
		}
		go h.handleConn(conn)
	}
}

// Close stops accepting new connections and announces the shutdown to
// every currently active session via broadcastPacket.
func (h *Handler) Close() error {
	h.mu.Lock()
	h.closed = true
	ln := h.listener
	h.mu.Unlock()
	h.broadcastPacket(wire.GOODBYE, wire.Goodbye{}.Marshal())
	if ln != nil {
		return ln.Close()
	}
	return nil
}

func (h *Handler) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Handler) registerSession(slot proxymap.Slot, sess *session.Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[slot] = sess
}

func (h *Handler) unregisterSession(slot proxymap.Slot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, slot)
}

func (h *Handler) lookupSession(slot proxymap.Slot) *session.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[slot]
}

// handleConn owns one proxy's reader loop: frame-by-frame off the
// socket, handed to the receive queue for processing by the single
// receive-queue worker.
func (h *Handler) handleConn(conn net.Conn) {
	sess := session.New(conn, h.log)
	defer h.cleanupSession(sess)

	for {
		frame, err := wire.ReadFrame(conn)
		if err != nil {
			return
		}
		if err := h.RecvQueue.Enqueue(recvItem{Sess: sess, Frame: frame}); err != nil {
			if h.log != nil {
				h.log.Warn("connhandler: receive queue rejected frame", "session", sess.ID, "err", err)
			}
			return
		}
	}
}

// cleanupSession runs once a proxy's reader loop exits, for any
// reason: an orderly GOODBYE already marks the mapping deactivated
// (not crashed); anything else is a TCP-level failure and the mapping
// is marked crashed so it survives only the grace window, per §7's
// "TCP error -> mark mapping crashed" rule.
func (h *Handler) cleanupSession(sess *session.Session) {
	slot := sess.Slot()
	if slot != 0 {
		switch sess.State() {
		case session.StateClosed, session.StateGoodbyeReceived:
			h.ProxyMap.Deactivate(slot, false, proxymap.DefaultKeepWindow)
			h.Metrics.RecordSessionEnd("goodbye")
		default:
			h.ProxyMap.Deactivate(slot, true, proxymap.DefaultKeepWindow)
			if h.log != nil {
				h.log.Warn("connhandler: session crashed", "session", sess.ID, "slot", slot)
			}
			h.Metrics.RecordSessionEnd("crashed")
		}
		h.unregisterSession(slot)
		h.UpdateCache.UnregisterClientID(slot, proxymap.DefaultKeepWindow)
	}
	sess.Close()
}

// processPDU is the receive queue's single worker: it runs the
// top-level PDU switch, consulting the caches synchronously before
// handing validation/signing work to the command dispatcher.
func (h *Handler) processPDU(item recvItem) {
	sess, frame := item.Sess, item.Frame

	h.Metrics.RecordReceived(frame.Header.Type.String())

	pdu, err := wire.Decode(frame)
	if err != nil {
		h.sendError(sess, wire.ErrorInvalidPacket)
		h.sendGoodbyeAndClose(sess)
		return
	}

	switch p := pdu.(type) {
	case *wire.Hello:
		h.handleHello(sess, p)
	case *wire.Goodbye:
		h.handleGoodbye(sess, p)
	case *wire.VerifyRequest:
		h.handleVerify(sess, p)
	case *wire.SignRequest:
		h.handleSignRequest(sess, p)
	case *wire.DeleteUpdate:
		h.handleDelete(sess, p)
	case *wire.PeerChange:
		h.handlePeerChange(sess, p)
	case *wire.SyncRequest:
		h.handleSync(sess)
	case *wire.RegisterSKI:
		h.handleRegisterSKI(sess, p)
	case *wire.SigtraGenerationRequest:
		h.handleSigtraGeneration(sess, p)
	case *wire.SigtraValidationRequest:
		h.handleSigtraValidation(sess, p)
	default:
		h.sendError(sess, wire.ErrorInvalidPacket)
		h.sendGoodbyeAndClose(sess)
	}
}

func (h *Handler) handleHello(sess *session.Session, p *wire.Hello) {
	if sess.State() != session.StateAccepted {
		h.sendError(sess, wire.ErrorInvalidPacket)
		h.sendGoodbyeAndClose(sess)
		return
	}
	if p.Version != ProtocolVersion {
		h.sendError(sess, wire.ErrorWrongVersion)
		h.sendGoodbyeAndClose(sess)
		return
	}

	slot := proxymap.Slot(0)
	if p.ProxyID != 0 {
		slot = h.ProxyMap.FindClientID(p.ProxyID)
	}
	if slot == 0 {
		slot = h.ProxyMap.CreateClientID()
		if slot == 0 {
			h.sendError(sess, wire.ErrorInternal)
			h.sendGoodbyeAndClose(sess)
			return
		}
	}

	proxyID := p.ProxyID
	if proxyID == 0 {
		proxyID = uint32(slot)
	}

	if err := h.ProxyMap.AddMapping(proxyID, slot, sess, true); err != nil {
		h.sendError(sess, wire.ErrorDupProxyID)
		sess.Close()
		return
	}
	if err := sess.OnHello(slot, proxyID, p.ASN); err != nil {
		h.sendError(sess, wire.ErrorInvalidPacket)
		h.sendGoodbyeAndClose(sess)
		return
	}
	h.registerSession(slot, sess)

	resp := wire.HelloResponse{Version: ProtocolVersion, ProxyID: proxyID}
	h.enqueueSend(sess, wire.HELLO_RESPONSE, resp.Marshal())
}

func (h *Handler) handleGoodbye(sess *session.Session, g *wire.Goodbye) {
	sess.OnGoodbye()
	keepWindow := time.Duration(g.KeepWindow) * time.Second
	if slot := sess.Slot(); slot != 0 {
		h.ProxyMap.Deactivate(slot, false, keepWindow)
		h.UpdateCache.UnregisterClientID(slot, keepWindow)
	}
	sess.Close()
}

func (h *Handler) handleVerify(sess *session.Session, v *wire.VerifyRequest) {
	if !h.requireActive(sess) {
		return
	}
	slot := sess.Slot()

	pathID := fingerprint.Path(v.ASPath, fingerprint.ASSequence)
	h.PathCache.Store(pathID, v.ASPath, fingerprint.ASSequence, pathcache.DirectionUnknown, verdict.Undefined, "")

	candidateID := fingerprint.Update(v.OriginASN, v.Prefix, v.BGPsecAttrBlob)
	defaults := updatecache.Defaults{
		ROA:    verdict.Value(v.ROADefault),
		BGPsec: verdict.Value(v.BGPsecDefault),
		ASPA:   verdict.Value(v.ASPADefault),
	}
	entry, created := h.UpdateCache.StoreUpdate(candidateID, slot, v.OriginASN, v.Prefix, defaults, v.BGPsecAttrBlob, pathID)

	if !created {
		// Known update: the cache already holds its current verdicts.
		// Notify only if this request's declared defaults disagree with
		// what we already know; otherwise the proxy already has the
		// answer and a repeat notification would be noise.
		diverges := v.Flags&wire.FlagVerifyOrigin != 0 && entry.ROA != defaults.ROA
		diverges = diverges || (v.Flags&wire.FlagVerifyPath != 0 && entry.BGPsec != defaults.BGPsec)
		diverges = diverges || (v.Flags&wire.FlagVerifyASPA != 0 && entry.ASPA != defaults.ASPA)
		if diverges {
			notif := wire.VerifyNotification{
				ROAResult:    wire.SRxResult(entry.ROA),
				BGPsecResult: wire.SRxResult(entry.BGPsec),
				ASPAResult:   wire.SRxResult(entry.ASPA),
				RequestToken: v.RequestToken,
				UpdateID:     entry.UpdateID,
			}
			h.enqueueSend(sess, wire.VERIFY_NOTIFICATION, notif.Marshal())
		}
		return
	}

	h.PathCache.AddRef(pathID)

	needROA := v.Flags&wire.FlagVerifyOrigin != 0 && entry.ROASource == ""
	needBGPsec := v.Flags&wire.FlagVerifyPath != 0 && entry.BGPsecSource == "" && len(v.BGPsecAttrBlob) > 0
	needASPA := v.Flags&wire.FlagVerifyASPA != 0 && entry.ASPASource == ""

	if !needROA && !needBGPsec && !needASPA {
		notif := wire.VerifyNotification{
			ROAResult:    wire.SRxResult(entry.ROA),
			BGPsecResult: wire.SRxResult(entry.BGPsec),
			ASPAResult:   wire.SRxResult(entry.ASPA),
			RequestToken: v.RequestToken,
			UpdateID:     entry.UpdateID,
		}
		h.enqueueSend(sess, wire.VERIFY_NOTIFICATION, notif.Marshal())
		return
	}

	item := dispatcher.NewItem(dispatcher.KindValidate, sess, slot)
	item.Validate = &dispatcher.ValidateWork{
		UpdateID:     entry.UpdateID,
		PathID:       pathID,
		Prefix:       v.Prefix,
		OriginASN:    v.OriginASN,
		LocalASN:     sess.ASN(),
		BGPsecBlob:   v.BGPsecAttrBlob,
		ASPath:       v.ASPath,
		Direction:    pathcache.DirectionUnknown,
		RequestToken: v.RequestToken,
		NeedROA:      needROA,
		NeedBGPsec:   needBGPsec,
		NeedASPA:     needASPA,
	}
	h.enqueueWork(item)
}

func (h *Handler) handleSignRequest(sess *session.Session, s *wire.SignRequest) {
	if !h.requireActive(sess) {
		return
	}
	item := dispatcher.NewItem(dispatcher.KindSign, sess, sess.Slot())
	item.Sign = &dispatcher.SignWork{
		UpdateID:       s.UpdateID,
		PrependCounter: s.PrependCounter,
		PeerASN:        s.PeerASN,
		LocalASN:       sess.ASN(),
	}
	h.enqueueWork(item)
}

func (h *Handler) handleDelete(sess *session.Session, d *wire.DeleteUpdate) {
	if !h.requireActive(sess) {
		return
	}
	item := dispatcher.NewItem(dispatcher.KindDelete, sess, sess.Slot())
	item.Delete = d
	h.enqueueWork(item)
}

func (h *Handler) handlePeerChange(sess *session.Session, p *wire.PeerChange) {
	if !h.requireActive(sess) {
		return
	}
	item := dispatcher.NewItem(dispatcher.KindPeerChange, sess, sess.Slot())
	item.Peer = p
	h.enqueueWork(item)
}

func (h *Handler) handleSync(sess *session.Session) {
	if !h.requireActive(sess) {
		return
	}
	h.enqueueWork(dispatcher.NewItem(dispatcher.KindSync, sess, sess.Slot()))
}

func (h *Handler) handleRegisterSKI(sess *session.Session, r *wire.RegisterSKI) {
	if !h.requireActive(sess) {
		return
	}
	if err := h.ProxyMap.SetSKI(sess.Slot(), r.SKI); err != nil {
		if h.log != nil {
			h.log.Warn("connhandler: SKI registration failed", "proxy_id", r.ProxyID, "err", err)
		}
		return
	}
	if h.log != nil {
		h.log.Info("connhandler: SKI registered", "proxy_id", r.ProxyID, "asn", r.ASN)
	}
}

func (h *Handler) handleSigtraGeneration(sess *session.Session, g *wire.SigtraGenerationRequest) {
	if !h.requireActive(sess) {
		return
	}
	if h.Signer == nil {
		h.sendError(sess, wire.ErrorAlgoNotSupported)
		return
	}

	var prevASN uint32
	if len(g.ASPath) > 0 {
		prevASN = g.ASPath[len(g.ASPath)-1]
	}
	var prefixBytes [4]byte
	if g.Prefix.Addr().Is4() {
		prefixBytes = g.Prefix.Addr().As4()
	}

	var ski [wire.SKILen]byte
	if mapping, ok := h.ProxyMap.Lookup(sess.Slot()); ok && mapping.HasSKI {
		ski = mapping.SKI
	}

	localASN := sess.ASN()
	for _, peer := range g.Peers {
		msg := signer.CanonicalMessage(g.OTC, prevASN, localASN, peer, g.Timestamp, uint8(g.Prefix.Bits()), prefixBytes)
		sig, err := h.Signer.Sign(msg)
		if err != nil {
			if h.log != nil {
				h.log.Error("connhandler: sigtra signing failed", "peer", peer, "err", err)
			}
			continue
		}
		resp := wire.SigtraSignatureResponse{SignatureID: g.SignatureID, NextASN: peer, SKI: ski, Signature: sig}
		h.enqueueSend(sess, wire.SIGTRA_SIGNATURE_RESPONSE, resp.Marshal())
	}
}

func (h *Handler) handleSigtraValidation(sess *session.Session, v *wire.SigtraValidationRequest) {
	if !h.requireActive(sess) {
		return
	}

	var prefixBytes [4]byte
	if v.Prefix.Addr().Is4() {
		prefixBytes = v.Prefix.Addr().As4()
	}

	results := make([]wire.SRxResult, len(v.Blocks))
	for i, b := range v.Blocks {
		var prevASN uint32
		if i < len(v.ASPath) {
			prevASN = v.ASPath[i]
		}
		msg := signer.CanonicalMessage(v.OTC, prevASN, b.CreatorAS, b.NextASN, b.Timestamp, uint8(v.Prefix.Bits()), prefixBytes)

		var pub *ecdsa.PublicKey
		var ok bool
		if h.KeyStore != nil {
			pub, ok = h.KeyStore.PublicKey(b.SKI)
		}
		switch {
		case !ok:
			results[i] = wire.SRxResult(verdict.Unverifiable)
		case signer.Verify(pub, msg, b.Signature):
			results[i] = wire.SRxResult(verdict.Valid)
		default:
			results[i] = wire.SRxResult(verdict.Invalid)
		}
	}

	resp := wire.SigtraValidationResponse{SignatureID: v.SignatureID, Results: results}
	h.enqueueSend(sess, wire.SIGTRA_VALIDATION_RESPONSE, resp.Marshal())
}

// broadcastPacket enqueues typ/body for delivery to every currently
// active session. It is best-effort: the first send-queue rejection
// stops the broadcast rather than retrying or skipping ahead, and is
// only logged, never returned to a caller.
func (h *Handler) broadcastPacket(typ wire.PDUType, body []byte) {
	for _, slot := range h.ProxyMap.ActiveSlots() {
		sess := h.lookupSession(slot)
		if sess == nil {
			continue
		}
		if err := h.SendQueue.Enqueue(dispatcher.Outbound{Session: sess, Type: typ, Body: body}); err != nil {
			if h.log != nil {
				h.log.Warn("connhandler: broadcast send rejected", "slot", slot, "err", err)
			}
			return
		}
	}
}

func (h *Handler) enqueueSend(sess *session.Session, typ wire.PDUType, body []byte) {
	if err := h.SendQueue.Enqueue(dispatcher.Outbound{Session: sess, Type: typ, Body: body}); err != nil {
		if h.log != nil {
			h.log.Warn("connhandler: send queue rejected PDU", "type", typ, "err", err)
		}
		return
	}
	h.Metrics.RecordSent(typ.String())
}

func (h *Handler) enqueueWork(item dispatcher.Item) {
	if err := h.WorkQueue.Enqueue(item); err != nil {
		if h.log != nil {
			h.log.Error("connhandler: dispatch queue rejected item", "kind", item.Kind, "err", err)
		}
	}
}

func (h *Handler) sendError(sess *session.Session, code wire.ErrorCode) {
	h.Metrics.RecordError(code.String())
	pdu := wire.ErrorPDU{Code: code}
	h.enqueueSend(sess, wire.ERROR, pdu.Marshal())
}

// sendGoodbyeAndClose implements the abort path common to every fatal
// protocol error in §7: tell the proxy, then close from our side.
func (h *Handler) sendGoodbyeAndClose(sess *session.Session) {
	h.enqueueSend(sess, wire.GOODBYE, wire.Goodbye{}.Marshal())
	sess.OnGoodbye()
	sess.Close()
}

// requireActive sends the handshake-missing error and aborts the
// session when a VERIFY/SIGN/DELETE/PEER_CHANGE/SYNC PDU arrives
// before HELLO has completed, per §7.
func (h *Handler) requireActive(sess *session.Session) bool {
	if err := sess.RequireActive(); err != nil {
		h.sendError(sess, wire.ErrorInternal)
		h.sendGoodbyeAndClose(sess)
		return false
	}
	return true
}
