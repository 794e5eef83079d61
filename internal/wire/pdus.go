package wire

import "net/netip"

// SKILen is the length in bytes of a subject key identifier (SHA-1
// digest of a public key, per RFC 5280 §4.2.1.2).
const SKILen = 20

// Verify request flag bits, carried in VerifyRequest.Flags.
const (
	FlagVerifyOrigin  uint8 = 1 << 0
	FlagVerifyPath    uint8 = 1 << 1
	FlagVerifyASPA    uint8 = 1 << 3
	FlagVerifyReceipt uint8 = 1 << 7
)

// SRxResult carries a verdict.Value on the wire for ROA, BGPsec and
// ASPA validation. The constants below name values 0-3; values 4
// (unverifiable) and 5 (don't use) follow verdict.Value as well.
type SRxResult uint8

const (
	ResultUndefined SRxResult = 0
	ResultValid     SRxResult = 1
	ResultNotFound  SRxResult = 2
	ResultInvalid   SRxResult = 3
)

// Hello is the first PDU a proxy client sends after connecting.
type Hello struct {
	Version  uint16
	ProxyID  uint32
	ASN      uint32
	SKI      [SKILen]byte
	PeerASNs []uint32
}

func (h Hello) Marshal() []byte {
	w := &bodyWriter{}
	w.putU16(h.Version)
	w.putU8(0) // reserved
	w.putU32(h.ProxyID)
	w.putU32(h.ASN)
	w.putBytes(h.SKI[:])
	w.putU32(uint32(len(h.PeerASNs)))
	for _, asn := range h.PeerASNs {
		w.putU32(asn)
	}
	return w.bytes()
}

func UnmarshalHello(body []byte) (*Hello, error) {
	r := newBodyReader(body)
	h := &Hello{}
	h.Version = r.u16()
	r.u8() // reserved
	h.ProxyID = r.u32()
	h.ASN = r.u32()
	copy(h.SKI[:], r.bytes(SKILen))
	n := r.u32()
	h.PeerASNs = make([]uint32, n)
	for i := range h.PeerASNs {
		h.PeerASNs[i] = r.u32()
	}
	if r.err != nil {
		return nil, r.err
	}
	return h, nil
}

// HelloResponse answers Hello with the assigned proxy ID (or echoes it
// back when the client supplied a valid one of its own).
type HelloResponse struct {
	Version uint16
	ProxyID uint32
}

func (h HelloResponse) Marshal() []byte {
	w := &bodyWriter{}
	w.putU16(h.Version)
	w.putU8(0)
	w.putU32(h.ProxyID)
	return w.bytes()
}

func UnmarshalHelloResponse(body []byte) (*HelloResponse, error) {
	r := newBodyReader(body)
	h := &HelloResponse{}
	h.Version = r.u16()
	r.u8()
	h.ProxyID = r.u32()
	if r.err != nil {
		return nil, r.err
	}
	return h, nil
}

// Goodbye requests an orderly session close. KeepWindow is how many
// seconds update-cache entries left without listeners by the departing
// proxy are kept before they may be pruned; the proxy-map slot of a
// proxy that is not pre-defined is released at once.
type Goodbye struct {
	KeepWindow uint16
}

func (g Goodbye) Marshal() []byte {
	w := &bodyWriter{}
	w.putU16(g.KeepWindow)
	w.putU8(0)
	return w.bytes()
}

func UnmarshalGoodbye(body []byte) (*Goodbye, error) {
	r := newBodyReader(body)
	g := &Goodbye{KeepWindow: r.u16()}
	r.u8()
	if r.err != nil {
		return nil, r.err
	}
	return g, nil
}

// VerifyRequest carries an origin/path/ASPA validation request for a
// single update. IPVersion distinguishes the V4/V6 wire types; Prefix
// always holds a fully-formed netip.Prefix regardless of family.
type VerifyRequest struct {
	Flags          uint8
	ROADefault     SRxResult
	BGPsecDefault  SRxResult
	ASPADefault    SRxResult
	RequestToken   uint32
	Prefix         netip.Prefix
	OriginASN      uint32
	ASPath         []uint32
	BGPsecAttrBlob []byte
}

func (v VerifyRequest) marshalCommon(w *bodyWriter) {
	w.putU8(v.Flags)
	w.putU8(uint8(v.ROADefault))
	w.putU8(uint8(v.BGPsecDefault))
	w.putU8(uint8(v.ASPADefault))
	w.putU32(v.RequestToken)
	w.putU8(uint8(v.Prefix.Bits()))
	w.putU32(v.OriginASN)
	w.putU16(uint16(len(v.ASPath)))
	for _, asn := range v.ASPath {
		w.putU32(asn)
	}
	w.putU16(uint16(len(v.BGPsecAttrBlob)))
	w.putBytes(v.BGPsecAttrBlob)
}

// MarshalV4 encodes v as a VERIFY_V4_REQUEST body; v.Prefix must hold an IPv4 address.
func (v VerifyRequest) MarshalV4() []byte {
	w := &bodyWriter{}
	v.marshalCommon(w)
	addr := v.Prefix.Addr().As4()
	w.putBytes(addr[:])
	return w.bytes()
}

// MarshalV6 encodes v as a VERIFY_V6_REQUEST body; v.Prefix must hold an IPv6 address.
func (v VerifyRequest) MarshalV6() []byte {
	w := &bodyWriter{}
	v.marshalCommon(w)
	addr := v.Prefix.Addr().As16()
	w.putBytes(addr[:])
	return w.bytes()
}

func unmarshalVerifyRequest(body []byte, v6 bool) (*VerifyRequest, error) {
	r := newBodyReader(body)
	v := &VerifyRequest{}
	v.Flags = r.u8()
	v.ROADefault = SRxResult(r.u8())
	v.BGPsecDefault = SRxResult(r.u8())
	v.ASPADefault = SRxResult(r.u8())
	v.RequestToken = r.u32()
	prefixLen := r.u8()
	v.OriginASN = r.u32()
	n := r.u16()
	v.ASPath = make([]uint32, n)
	for i := range v.ASPath {
		v.ASPath[i] = r.u32()
	}
	attrLen := r.u16()
	v.BGPsecAttrBlob = r.bytes(int(attrLen))

	var addr netip.Addr
	if v6 {
		raw := r.bytes(16)
		if r.err == nil {
			var a16 [16]byte
			copy(a16[:], raw)
			addr = netip.AddrFrom16(a16)
		}
	} else {
		raw := r.bytes(4)
		if r.err == nil {
			var a4 [4]byte
			copy(a4[:], raw)
			addr = netip.AddrFrom4(a4)
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	prefix, err := addr.Prefix(int(prefixLen))
	if err != nil {
		return nil, ErrMalformedBody
	}
	v.Prefix = prefix
	return v, nil
}

func UnmarshalVerifyRequestV4(body []byte) (*VerifyRequest, error) {
	return unmarshalVerifyRequest(body, false)
}

func UnmarshalVerifyRequestV6(body []byte) (*VerifyRequest, error) {
	return unmarshalVerifyRequest(body, true)
}

// SignRequest asks the signer to produce one BGPsec signature block
// for the AS identified by PeerASN, extending the path ending at the
// signer's own ASN.
type SignRequest struct {
	UpdateID       uint32
	PrependCounter uint8
	PeerASN        uint32
}

func (s SignRequest) Marshal() []byte {
	w := &bodyWriter{}
	w.putU32(s.UpdateID)
	w.putU8(s.PrependCounter)
	w.putU8(0)
	w.putU16(0)
	w.putU32(s.PeerASN)
	return w.bytes()
}

func UnmarshalSignRequest(body []byte) (*SignRequest, error) {
	r := newBodyReader(body)
	s := &SignRequest{}
	s.UpdateID = r.u32()
	s.PrependCounter = r.u8()
	r.u8()
	r.u16()
	s.PeerASN = r.u32()
	if r.err != nil {
		return nil, r.err
	}
	return s, nil
}

// VerifyNotification reports a verdict, or a verdict change, for a
// previously submitted update.
type VerifyNotification struct {
	ResultFlags  uint8
	ROAResult    SRxResult
	BGPsecResult SRxResult
	ASPAResult   SRxResult
	RequestToken uint32
	UpdateID     uint32
}

func (v VerifyNotification) Marshal() []byte {
	w := &bodyWriter{}
	flags := v.ResultFlags
	if v.RequestToken != 0 {
		// A notification carrying a request token always has the RECEIPT bit.
		flags |= FlagVerifyReceipt
	}
	w.putU8(flags)
	w.putU8(uint8(v.ROAResult))
	w.putU8(uint8(v.BGPsecResult))
	w.putU8(uint8(v.ASPAResult))
	w.putU32(v.RequestToken)
	w.putU32(v.UpdateID)
	return w.bytes()
}

func UnmarshalVerifyNotification(body []byte) (*VerifyNotification, error) {
	r := newBodyReader(body)
	v := &VerifyNotification{}
	v.ResultFlags = r.u8()
	v.ROAResult = SRxResult(r.u8())
	v.BGPsecResult = SRxResult(r.u8())
	v.ASPAResult = SRxResult(r.u8())
	v.RequestToken = r.u32()
	v.UpdateID = r.u32()
	if r.err != nil {
		return nil, r.err
	}
	return v, nil
}

// SignNotification carries the signature block produced for a SignRequest back to the client.
type SignNotification struct {
	UpdateID  uint32
	Signature []byte
}

func (s SignNotification) Marshal() []byte {
	w := &bodyWriter{}
	w.putU32(s.UpdateID)
	w.putU32(uint32(len(s.Signature)))
	w.putBytes(s.Signature)
	return w.bytes()
}

func UnmarshalSignNotification(body []byte) (*SignNotification, error) {
	r := newBodyReader(body)
	s := &SignNotification{}
	s.UpdateID = r.u32()
	n := r.u32()
	s.Signature = r.bytes(int(n))
	if r.err != nil {
		return nil, r.err
	}
	return s, nil
}

// DeleteUpdate tells the server the proxy no longer needs UpdateID's
// verdict kept warm; the cache entry may still linger KeepWindow
// seconds for late-arriving duplicate submissions.
type DeleteUpdate struct {
	KeepWindow uint16
	UpdateID   uint32
}

func (d DeleteUpdate) Marshal() []byte {
	w := &bodyWriter{}
	w.putU16(d.KeepWindow)
	w.putU16(0)
	w.putU32(d.UpdateID)
	return w.bytes()
}

func UnmarshalDeleteUpdate(body []byte) (*DeleteUpdate, error) {
	r := newBodyReader(body)
	d := &DeleteUpdate{}
	d.KeepWindow = r.u16()
	r.u16()
	d.UpdateID = r.u32()
	if r.err != nil {
		return nil, r.err
	}
	return d, nil
}

// PeerChangeType distinguishes adding vs. removing a peer AS from a session's trust set.
type PeerChangeType uint8

const (
	PeerChangeRemove PeerChangeType = 0
	PeerChangeAdd    PeerChangeType = 1
)

// PeerChange announces a change to the set of peer ASNs a session validates against.
type PeerChange struct {
	Type    PeerChangeType
	PeerASN uint32
}

func (p PeerChange) Marshal() []byte {
	w := &bodyWriter{}
	w.putU8(uint8(p.Type))
	w.putU8(0)
	w.putU16(0)
	w.putU32(p.PeerASN)
	return w.bytes()
}

func UnmarshalPeerChange(body []byte) (*PeerChange, error) {
	r := newBodyReader(body)
	p := &PeerChange{}
	p.Type = PeerChangeType(r.u8())
	r.u8()
	r.u16()
	p.PeerASN = r.u32()
	if r.err != nil {
		return nil, r.err
	}
	return p, nil
}

// SyncRequest asks the receiving proxy to resynchronize by resubmitting
// its updates. The server sends it after an UPDATE_NOT_FOUND error and
// answers a SYNC_REQUEST from a proxy with one of its own; it does not
// replay cached verdicts. It carries no body.
type SyncRequest struct{}

func (SyncRequest) Marshal() []byte { return nil }

// ErrorCode is the closed enum of protocol-level error conditions
// reported via the ERROR PDU.
type ErrorCode uint16

const (
	ErrorWrongVersion     ErrorCode = 0
	ErrorDupProxyID       ErrorCode = 1
	ErrorInvalidPacket    ErrorCode = 2
	ErrorInternal         ErrorCode = 3
	ErrorAlgoNotSupported ErrorCode = 4
	ErrorUpdateNotFound   ErrorCode = 5
)

func (e ErrorCode) String() string {
	switch e {
	case ErrorWrongVersion:
		return "WRONG_VERSION"
	case ErrorDupProxyID:
		return "DUP_PROXY_ID"
	case ErrorInvalidPacket:
		return "INVALID_PACKET"
	case ErrorInternal:
		return "INTERNAL"
	case ErrorAlgoNotSupported:
		return "ALGO_NOT_SUPPORTED"
	case ErrorUpdateNotFound:
		return "UPDATE_NOT_FOUND"
	default:
		return "UNKNOWN"
	}
}

// ErrorPDU reports a protocol-level error to the client.
type ErrorPDU struct {
	Code ErrorCode
}

func (e ErrorPDU) Marshal() []byte {
	w := &bodyWriter{}
	w.putU16(uint16(e.Code))
	return w.bytes()
}

func UnmarshalErrorPDU(body []byte) (*ErrorPDU, error) {
	r := newBodyReader(body)
	e := &ErrorPDU{Code: ErrorCode(r.u16())}
	if r.err != nil {
		return nil, r.err
	}
	return e, nil
}

// RegisterSKI associates a subject key identifier with a proxy-owned
// ASN, ahead of BGPsec validation requests that reference it.
type RegisterSKI struct {
	ProxyID uint32
	ASN     uint32
	SKI     [SKILen]byte
}

func (s RegisterSKI) Marshal() []byte {
	w := &bodyWriter{}
	w.putU32(s.ProxyID)
	w.putU32(s.ASN)
	w.putBytes(s.SKI[:])
	return w.bytes()
}

func UnmarshalRegisterSKI(body []byte) (*RegisterSKI, error) {
	r := newBodyReader(body)
	s := &RegisterSKI{}
	s.ProxyID = r.u32()
	s.ASN = r.u32()
	copy(s.SKI[:], r.bytes(SKILen))
	if r.err != nil {
		return nil, r.err
	}
	return s, nil
}

// SigtraMaxSignatureLen bounds a single ECDSA P-256 DER signature, per §4.10.
const SigtraMaxSignatureLen = 72

// SigtraBlock is one signature block in a path-transit validation request.
type SigtraBlock struct {
	SKI       [SKILen]byte
	Timestamp uint32
	CreatorAS uint32
	NextASN   uint32
	Signature []byte
}

func (b SigtraBlock) marshal(w *bodyWriter) {
	w.putBytes(b.SKI[:])
	w.putU32(b.Timestamp)
	w.putU32(b.CreatorAS)
	w.putU32(b.NextASN)
	w.putU8(uint8(len(b.Signature)))
	w.putBytes(b.Signature)
}

func unmarshalSigtraBlock(r *bodyReader) SigtraBlock {
	b := SigtraBlock{}
	copy(b.SKI[:], r.bytes(SKILen))
	b.Timestamp = r.u32()
	b.CreatorAS = r.u32()
	b.NextASN = r.u32()
	n := r.u8()
	b.Signature = r.bytes(int(n))
	return b
}

// SigtraGenerationRequest asks the signer to produce one signature
// block per entry in Peers, extending the given AS path over Prefix.
type SigtraGenerationRequest struct {
	SignatureID uint32
	Prefix      netip.Prefix
	ASPath      []uint32
	OriginASN   uint32
	Timestamp   uint32
	OTC         uint32
	Peers       []uint32
}

func (g SigtraGenerationRequest) Marshal() []byte {
	w := &bodyWriter{}
	w.putU32(g.SignatureID)
	w.putU8(uint8(g.Prefix.Bits()))
	addr := g.Prefix.Addr().As4()
	w.putBytes(addr[:])
	w.putU8(uint8(len(g.ASPath)))
	for _, asn := range g.ASPath {
		w.putU32(asn)
	}
	w.putU32(g.OriginASN)
	w.putU32(g.Timestamp)
	w.putU32(g.OTC)
	w.putU8(uint8(len(g.Peers)))
	for _, p := range g.Peers {
		w.putU32(p)
	}
	return w.bytes()
}

func UnmarshalSigtraGenerationRequest(body []byte) (*SigtraGenerationRequest, error) {
	r := newBodyReader(body)
	g := &SigtraGenerationRequest{}
	g.SignatureID = r.u32()
	prefixLen := r.u8()
	var a4 [4]byte
	copy(a4[:], r.bytes(4))
	n := r.u8()
	g.ASPath = make([]uint32, n)
	for i := range g.ASPath {
		g.ASPath[i] = r.u32()
	}
	g.OriginASN = r.u32()
	g.Timestamp = r.u32()
	g.OTC = r.u32()
	pc := r.u8()
	g.Peers = make([]uint32, pc)
	for i := range g.Peers {
		g.Peers[i] = r.u32()
	}
	if r.err != nil {
		return nil, r.err
	}
	prefix, err := netip.AddrFrom4(a4).Prefix(int(prefixLen))
	if err != nil {
		return nil, ErrMalformedBody
	}
	g.Prefix = prefix
	return g, nil
}

// SigtraValidationRequest asks the server to verify a chain of
// signature blocks collected along an AS path for a given prefix.
type SigtraValidationRequest struct {
	SignatureID uint32
	Prefix      netip.Prefix
	ASPath      []uint32
	OTC         uint32
	Blocks      []SigtraBlock
}

func (v SigtraValidationRequest) Marshal() []byte {
	w := &bodyWriter{}
	w.putU32(v.SignatureID)
	w.putU8(uint8(len(v.Blocks)))
	w.putU8(uint8(v.Prefix.Bits()))
	addr := v.Prefix.Addr().As4()
	w.putBytes(addr[:])
	w.putU8(uint8(len(v.ASPath)))
	for _, asn := range v.ASPath {
		w.putU32(asn)
	}
	w.putU32(v.OTC)
	for _, b := range v.Blocks {
		b.marshal(w)
	}
	return w.bytes()
}

func UnmarshalSigtraValidationRequest(body []byte) (*SigtraValidationRequest, error) {
	r := newBodyReader(body)
	v := &SigtraValidationRequest{}
	v.SignatureID = r.u32()
	blockCount := r.u8()
	prefixLen := r.u8()
	var a4 [4]byte
	copy(a4[:], r.bytes(4))
	n := r.u8()
	v.ASPath = make([]uint32, n)
	for i := range v.ASPath {
		v.ASPath[i] = r.u32()
	}
	v.OTC = r.u32()
	v.Blocks = make([]SigtraBlock, blockCount)
	for i := range v.Blocks {
		v.Blocks[i] = unmarshalSigtraBlock(r)
	}
	if r.err != nil {
		return nil, r.err
	}
	prefix, err := netip.AddrFrom4(a4).Prefix(int(prefixLen))
	if err != nil {
		return nil, ErrMalformedBody
	}
	v.Prefix = prefix
	return v, nil
}

// SigtraSignatureResponse returns one generated signature, tagged with
// the peer ASN it was generated for so the client can match it back to
// its SigtraGenerationRequest.Peers entry, plus the SKI the signing
// proxy registered via REGISTER_SKI.
type SigtraSignatureResponse struct {
	SignatureID uint32
	NextASN     uint32
	SKI         [SKILen]byte
	Signature   []byte
}

func (s SigtraSignatureResponse) Marshal() []byte {
	w := &bodyWriter{}
	w.putU32(s.SignatureID)
	w.putU32(s.NextASN)
	w.putBytes(s.SKI[:])
	w.putU8(uint8(len(s.Signature)))
	w.putBytes(s.Signature)
	return w.bytes()
}

func UnmarshalSigtraSignatureResponse(body []byte) (*SigtraSignatureResponse, error) {
	r := newBodyReader(body)
	s := &SigtraSignatureResponse{}
	s.SignatureID = r.u32()
	s.NextASN = r.u32()
	copy(s.SKI[:], r.bytes(SKILen))
	n := r.u8()
	s.Signature = r.bytes(int(n))
	if r.err != nil {
		return nil, r.err
	}
	return s, nil
}

// SigtraValidationResponse reports one validity byte per block in the
// corresponding SigtraValidationRequest, in the same order.
type SigtraValidationResponse struct {
	SignatureID uint32
	Results     []SRxResult
}

func (v SigtraValidationResponse) Marshal() []byte {
	w := &bodyWriter{}
	w.putU32(v.SignatureID)
	w.putU8(uint8(len(v.Results)))
	for _, res := range v.Results {
		w.putU8(uint8(res))
	}
	return w.bytes()
}

func UnmarshalSigtraValidationResponse(body []byte) (*SigtraValidationResponse, error) {
	r := newBodyReader(body)
	v := &SigtraValidationResponse{}
	v.SignatureID = r.u32()
	n := r.u8()
	v.Results = make([]SRxResult, n)
	for i := range v.Results {
		v.Results[i] = SRxResult(r.u8())
	}
	if r.err != nil {
		return nil, r.err
	}
	return v, nil
}
