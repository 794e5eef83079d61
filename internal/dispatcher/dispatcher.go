// Package dispatcher implements the command dispatcher: a single
// worker consuming a bounded queue of tagged work items (VALIDATE,
// SIGN, DELETE, PEER_CHANGE, SYNC), each carrying a correlation ID for
// tracing. It calls the appropriate validator, writes results to the
// update and path caches, and emits VERIFY_NOTIFICATION PDUs to every
// listener whose stored verdict changed.
package dispatcher

import (
	"log/slog"
	"net/netip"
	"time"

	"github.com/google/uuid"

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

// Kind is the closed set of work-item tags the dispatcher understands.
type Kind uint8

const (
	KindValidate Kind = iota
	KindSign
	KindDelete
	KindPeerChange
	KindSync
)

// Outbound is one PDU queued for delivery to a session, the unit of
// work the send queue drains.
type Outbound struct {
	Session *session.Session
	Type    wire.PDUType
	Body    []byte
}

// ValidateWork carries everything a VALIDATE item needs: which
// policies the triggering request actually asked for, since the
// connection handler has already filtered out policies the cache
// answered synchronously.
type ValidateWork struct {
	UpdateID     uint32
	PathID       uint32
	Prefix       netip.Prefix
	OriginASN    uint32
	LocalASN     uint32
	BGPsecBlob   []byte
	ASPath       []uint32
	Direction    pathcache.Direction
	RequestToken uint32
	NeedROA      bool
	NeedBGPsec   bool
	NeedASPA     bool
}

// SignWork carries a SIGN_REQUEST's fields plus the update it refers to.
type SignWork struct {
	UpdateID       uint32
	PrependCounter uint8
	PeerASN        uint32
	LocalASN       uint32
}

// Item is one unit of dispatcher work.
type Item struct {
	ID      uuid.UUID
	Kind    Kind
	Session *session.Session
	Slot    proxymap.Slot

	Validate *ValidateWork
	Sign     *SignWork
	Delete   *wire.DeleteUpdate
	Peer     *wire.PeerChange
}

// NewItem stamps item with a fresh correlation ID.
func NewItem(kind Kind, sess *session.Session, slot proxymap.Slot) Item {
	return Item{ID: uuid.New(), Kind: kind, Session: sess, Slot: slot}
}

// Dispatcher owns the work queue and every collaborator the worker
// calls into.
type Dispatcher struct {
	queue       *queue.Queue[Item]
	sendQueue   *queue.Queue[Outbound]
	updateCache *updatecache.Cache
	pathCache   *pathcache.Cache
	validators  validators.Set
	signer      *signer.Signer
	log         *slog.Logger

	lookupSession SessionLookup
}

// SessionLookup resolves a listening slot back to its live
// *session.Session. The connection handler installs one via
// SetSessionLookup so the dispatcher has no import-cycle dependency on
// connhandler's session registry.
type SessionLookup func(proxymap.Slot) *session.Session

// New constructs a dispatcher. sendQueue is where emitted PDUs go;
// the dispatcher never writes to a session directly, per the
// leaf-lock-ordering rule that sends must happen outside any cache
// lock.
func New(workQueue *queue.Queue[Item], sendQueue *queue.Queue[Outbound], updateCache *updatecache.Cache, pathCache *pathcache.Cache, vs validators.Set, sg *signer.Signer, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		queue:       workQueue,
		sendQueue:   sendQueue,
		updateCache: updateCache,
		pathCache:   pathCache,
		validators:  vs,
		signer:      sg,
		log:         log,
	}
}

// Start launches the single dispatcher worker.
func (d *Dispatcher) Start() {
	d.queue.Start(d.handle)
}

// Stop drains and joins the dispatcher worker.
func (d *Dispatcher) Stop() {
	d.queue.Stop()
}

// Enqueue submits one work item. Items for a single session are
// processed in FIFO order because the underlying queue is FIFO and
// every item is enqueued by the connection handler's single
// receive-queue worker, which handles each session's frames in arrival
// order.
func (d *Dispatcher) Enqueue(item Item) error {
	return d.queue.Enqueue(item)
}

func (d *Dispatcher) handle(item Item) {
	switch item.Kind {
	case KindValidate:
		d.handleValidate(item)
	case KindSign:
		d.handleSign(item)
	case KindDelete:
		d.handleDelete(item)
	case KindPeerChange:
		d.handlePeerChange(item)
	case KindSync:
		d.handleSync(item)
	}
}

func (d *Dispatcher) handleValidate(item Item) {
	w := item.Validate
	if w == nil {
		return
	}

	before, ok := d.updateCache.GetResult(w.UpdateID, item.Slot)
	if !ok {
		return
	}
	priorROA, priorBGPsec, priorASPA := before.ROA, before.BGPsec, before.ASPA

	if w.NeedROA && d.validators.Origin != nil {
		v := d.validators.Origin.ValidateOrigin(w.Prefix, w.OriginASN)
		d.updateCache.SetVerdict(w.UpdateID, "roa", v, "validator")
	}
	if w.NeedBGPsec && d.validators.Path != nil {
		v := d.validators.Path.ValidateBGPsec(w.BGPsecBlob, w.Prefix, w.OriginASN, w.LocalASN)
		d.updateCache.SetVerdict(w.UpdateID, "bgpsec", v, "validator")
	}
	if w.NeedASPA && d.validators.ASPA != nil {
		if _, cached, ok := d.pathCache.Lookup(w.PathID); ok && cached != verdict.Undefined {
			d.updateCache.ModifyResultWithAspa(w.UpdateID, cached, "pathcache")
		} else {
			v := d.validators.ASPA.ValidateASPA(w.ASPath, w.Direction)
			d.pathCache.SetVerdict(w.PathID, v, "validator")
			d.updateCache.ModifyResultWithAspa(w.UpdateID, v, "validator")
		}
	}

	entry, ok := d.updateCache.GetResult(w.UpdateID, item.Slot)
	if !ok {
		return
	}
	if entry.ROA == priorROA && entry.BGPsec == priorBGPsec && entry.ASPA == priorASPA {
		return
	}
	d.notifyListeners(entry, w.RequestToken)
}

// notifyListeners emits VERIFY_NOTIFICATION to every listener whose
// stored verdict is now known, per §4.7's "notifications emitted
// before the dispatcher acknowledges the next item for that session".
func (d *Dispatcher) notifyListeners(entry *updatecache.Entry, requestToken uint32) {
	notif := wire.VerifyNotification{
		ResultFlags:  0,
		ROAResult:    wire.SRxResult(entry.ROA),
		BGPsecResult: wire.SRxResult(entry.BGPsec),
		ASPAResult:   wire.SRxResult(entry.ASPA),
		RequestToken: requestToken,
		UpdateID:     entry.UpdateID,
	}
	body := notif.Marshal()

	for _, sess := range d.listenerSessions(entry) {
		if err := d.sendQueue.Enqueue(Outbound{Session: sess, Type: wire.VERIFY_NOTIFICATION, Body: body}); err != nil {
			if d.log != nil {
				d.log.Warn("dispatcher: send queue rejected notification", "update_id", entry.UpdateID, "err", err)
			}
		}
	}
}

func (d *Dispatcher) listenerSessions(entry *updatecache.Entry) []*session.Session {
	if d.lookupSession == nil {
		return nil
	}
	out := make([]*session.Session, 0, len(entry.Listeners))
	for slot := range entry.Listeners {
		if sess := d.lookupSession(slot); sess != nil {
			out = append(out, sess)
		}
	}
	return out
}

func (d *Dispatcher) handleSign(item Item) {
	w := item.Sign
	if w == nil || d.signer == nil {
		return
	}
	entry, ok := d.updateCache.GetResult(w.UpdateID, item.Slot)
	if !ok {
		d.enqueueError(item, wire.ErrorUpdateNotFound)
		if item.Session != nil {
			d.sendQueue.Enqueue(Outbound{Session: item.Session, Type: wire.SYNC_REQUEST, Body: nil})
		}
		return
	}

	var prefixBytes [4]byte
	if entry.Prefix.Addr().Is4() {
		prefixBytes = entry.Prefix.Addr().As4()
	}
	msg := signer.CanonicalMessage(w.LocalASN, w.LocalASN, w.LocalASN, w.PeerASN, uint32(time.Now().Unix()), uint8(entry.Prefix.Bits()), prefixBytes)
	sig, err := d.signer.Sign(msg)
	if err != nil {
		if d.log != nil {
			d.log.Error("dispatcher: signing failed", "update_id", w.UpdateID, "err", err)
		}
		return
	}

	notif := wire.SignNotification{UpdateID: w.UpdateID, Signature: sig}
	if item.Session != nil {
		d.sendQueue.Enqueue(Outbound{Session: item.Session, Type: wire.SIGN_NOTIFICATION, Body: notif.Marshal()})
	}
}

func (d *Dispatcher) enqueueError(item Item, code wire.ErrorCode) {
	if item.Session == nil {
		return
	}
	pdu := wire.ErrorPDU{Code: code}
	d.sendQueue.Enqueue(Outbound{Session: item.Session, Type: wire.ERROR, Body: pdu.Marshal()})
}

// handleDelete unregisters the requesting slot from exactly the named
// update's listener set, per §7's "update not found on delete" rule:
// an unknown UpdateID gets ERROR(UPDATE_NOT_FOUND) and a SYNC_REQUEST,
// not a silent no-op.
func (d *Dispatcher) handleDelete(item Item) {
	w := item.Delete
	if w == nil {
		return
	}
	keepWindow := time.Duration(w.KeepWindow) * time.Second
	if d.updateCache.RemoveListener(w.UpdateID, item.Slot, keepWindow) {
		return
	}
	d.enqueueError(item, wire.ErrorUpdateNotFound)
	if item.Session != nil {
		d.sendQueue.Enqueue(Outbound{Session: item.Session, Type: wire.SYNC_REQUEST, Body: nil})
	}
}

func (d *Dispatcher) handlePeerChange(item Item) {
	// PEER_CHANGE is serialized through the dispatcher so it can't race
	// a concurrent VALIDATE for the same session. No peer set is kept:
	// neither the dispatcher nor the connection handler records the added
	// or removed peer ASN, so the request has no effect on validation.
	_ = item.Peer
}

func (d *Dispatcher) handleSync(item Item) {
	if item.Session == nil {
		return
	}
	d.sendQueue.Enqueue(Outbound{Session: item.Session, Type: wire.SYNC_REQUEST, Body: nil})
}

// SetSessionLookup wires the connection handler's slot->session
// registry into the dispatcher, used to resolve update-entry
// listener sets back to live sessions when emitting notifications.
func (d *Dispatcher) SetSessionLookup(fn SessionLookup) {
	d.lookupSession = fn
}
