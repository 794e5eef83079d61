// Package session implements the per-proxy session state machine:
// Accepted -> Hello-Received -> Active -> Goodbye-Received -> Closed.
// Only in Active are validation, signing, and delete PDUs honored.
package session

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nist-srx/srx-server/internal/proxymap"
	"github.com/nist-srx/srx-server/internal/wire"
)

// State is one point in the session state machine.
type State uint8

const (
	StateAccepted State = iota
	StateHelloReceived
	StateActive
	StateGoodbyeReceived
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateHelloReceived:
		return "hello-received"
	case StateActive:
		return "active"
	case StateGoodbyeReceived:
		return "goodbye-received"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrAlreadyActive is returned by OnHello when a second HELLO
	// arrives on an already-active session.
	ErrAlreadyActive = errors.New("session: HELLO received on an active session")

	// ErrNotAccepted is returned by OnHello outside the Accepted state.
	ErrNotAccepted = errors.New("session: HELLO illegal outside accepted state")

	// ErrNotActive is returned by RequireActive when validation,
	// signing, or delete PDUs arrive before the handshake completes.
	ErrNotActive = errors.New("session: PDU requires an active session")

	// ErrClosed is returned by Send once the session has closed.
	ErrClosed = errors.New("session: closed")
)

// Session is one proxy's TCP conversation.
type Session struct {
	ID uuid.UUID

	mu        sync.Mutex
	state     State
	slot      proxymap.Slot
	proxyID   uint32
	asn       uint32
	createdAt time.Time
	lastTouch time.Time

	writeMu sync.Mutex
	conn    io.Writer

	log *slog.Logger
}

// New creates a session in the Accepted state, wrapping the raw
// connection writer used to send framed PDUs back to the proxy.
func New(conn io.Writer, log *slog.Logger) *Session {
	now := time.Now()
	return &Session{
		ID:        uuid.New(),
		state:     StateAccepted,
		conn:      conn,
		createdAt: now,
		lastTouch: now,
		log:       log,
	}
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Slot returns the proxy-map slot bound to this session, or 0 before
// the handshake completes.
func (s *Session) Slot() proxymap.Slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slot
}

// ProxyID returns the external proxy identifier bound to this
// session, or 0 before the handshake completes.
func (s *Session) ProxyID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proxyID
}

// ASN returns the AS number the proxy declared in its HELLO, or 0
// before the handshake completes. BGPsec and SIGTRA operations use
// this as the local AS for the connection, since one server instance
// serves proxies representing different ASes over distinct slots.
func (s *Session) ASN() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.asn
}

// OnHello transitions Accepted -> Hello-Received -> Active and binds
// the session to slot/proxyID/asn. A HELLO on an already-active
// session is rejected per §4.2; addMapping has already happened by
// the time this is called, so this only governs the state machine.
func (s *Session) OnHello(slot proxymap.Slot, proxyID uint32, asn uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateActive {
		return ErrAlreadyActive
	}
	if s.state != StateAccepted {
		return ErrNotAccepted
	}
	s.state = StateHelloReceived
	s.slot = slot
	s.proxyID = proxyID
	s.asn = asn
	s.state = StateActive
	s.lastTouch = time.Now()
	if s.log != nil {
		s.log.Info("session active", "session", s.ID, "slot", slot, "proxy_id", proxyID)
	}
	return nil
}

// RequireActive returns ErrNotActive unless the session has completed
// its handshake, gating VERIFY/SIGN/DELETE/PEER_CHANGE PDUs per §4.2.
func (s *Session) RequireActive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return ErrNotActive
	}
	return nil
}

// OnGoodbye transitions to Goodbye-Received, beginning orderly
// shutdown; the caller is responsible for draining outbound queued
// PDUs before calling Close.
func (s *Session) OnGoodbye() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateClosed {
		s.state = StateGoodbyeReceived
	}
}

// Close marks the session Closed. It is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateClosed
}

// Touch updates the session's last-activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastTouch = time.Now()
}

// Send writes one framed PDU to the proxy. Writes are serialized
// independently of the state machine mutex so a slow write never
// blocks state inspection.
func (s *Session) Send(typ wire.PDUType, body []byte) error {
	if s.State() == StateClosed {
		return ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wire.WriteFrame(s.conn, typ, body)
}
