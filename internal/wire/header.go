// Package wire implements the SRx proxy protocol framing: an 8-byte
// common header followed by a type-specific body. All multi-byte
// integers are big-endian (network order); structures are byte-packed
// with no alignment padding.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// PDUType is the closed enum of proxy protocol PDU types.
type PDUType uint8

const (
	HELLO                      PDUType = 0
	HELLO_RESPONSE             PDUType = 1
	GOODBYE                    PDUType = 2
	VERIFY_V4_REQUEST          PDUType = 3
	VERIFY_V6_REQUEST          PDUType = 4
	SIGN_REQUEST               PDUType = 5
	VERIFY_NOTIFICATION        PDUType = 6
	SIGN_NOTIFICATION          PDUType = 7
	DELETE_UPDATE              PDUType = 8
	PEER_CHANGE                PDUType = 9
	SYNC_REQUEST               PDUType = 10
	ERROR                      PDUType = 11
	REGISTER_SKI               PDUType = 13
	SIGTRA_GENERATION_REQUEST  PDUType = 14
	SIGTRA_VALIDATION_REQUEST  PDUType = 15
	SIGTRA_SIGNATURE_RESPONSE  PDUType = 16
	SIGTRA_VALIDATION_RESPONSE PDUType = 17
)

func (t PDUType) String() string {
	switch t {
	case HELLO:
		return "HELLO"
	case HELLO_RESPONSE:
		return "HELLO_RESPONSE"
	case GOODBYE:
		return "GOODBYE"
	case VERIFY_V4_REQUEST:
		return "VERIFY_V4_REQUEST"
	case VERIFY_V6_REQUEST:
		return "VERIFY_V6_REQUEST"
	case SIGN_REQUEST:
		return "SIGN_REQUEST"
	case VERIFY_NOTIFICATION:
		return "VERIFY_NOTIFICATION"
	case SIGN_NOTIFICATION:
		return "SIGN_NOTIFICATION"
	case DELETE_UPDATE:
		return "DELETE_UPDATE"
	case PEER_CHANGE:
		return "PEER_CHANGE"
	case SYNC_REQUEST:
		return "SYNC_REQUEST"
	case ERROR:
		return "ERROR"
	case REGISTER_SKI:
		return "REGISTER_SKI"
	case SIGTRA_GENERATION_REQUEST:
		return "SIGTRA_GENERATION_REQUEST"
	case SIGTRA_VALIDATION_REQUEST:
		return "SIGTRA_VALIDATION_REQUEST"
	case SIGTRA_SIGNATURE_RESPONSE:
		return "SIGTRA_SIGNATURE_RESPONSE"
	case SIGTRA_VALIDATION_RESPONSE:
		return "SIGTRA_VALIDATION_RESPONSE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// isKnownType reports whether t is one of the closed enum values. Used
// to reject unrecognized PDU types before any body decoding is attempted.
func isKnownType(t PDUType) bool {
	switch t {
	case HELLO, HELLO_RESPONSE, GOODBYE, VERIFY_V4_REQUEST, VERIFY_V6_REQUEST,
		SIGN_REQUEST, VERIFY_NOTIFICATION, SIGN_NOTIFICATION, DELETE_UPDATE,
		PEER_CHANGE, SYNC_REQUEST, ERROR, REGISTER_SKI,
		SIGTRA_GENERATION_REQUEST, SIGTRA_VALIDATION_REQUEST,
		SIGTRA_SIGNATURE_RESPONSE, SIGTRA_VALIDATION_RESPONSE:
		return true
	default:
		return false
	}
}

// HeaderSize is the size in bytes of the common PDU header.
const HeaderSize = 8

// MaxFrameLen bounds the length field to guard against a corrupted or
// hostile peer declaring an unreasonably large frame. The proxy
// protocol has no legitimate PDU anywhere near this size.
const MaxFrameLen = 1 << 20 // 1 MiB

// Header is the common 8-byte PDU header: type(1) | reserved(3) | length(4).
type Header struct {
	Type   PDUType
	Length uint32 // total PDU length, including this 8-byte header
}

// Marshal serializes the header.
func (h Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = byte(h.Type)
	// bytes 1-3 are reserved, left zero
	binary.BigEndian.PutUint32(buf[4:8], h.Length)
	return buf
}

// UnmarshalHeader parses the 8-byte common header.
func UnmarshalHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrShortFrame
	}
	h := Header{
		Type:   PDUType(buf[0]),
		Length: binary.BigEndian.Uint32(buf[4:8]),
	}
	return h, nil
}

// Frame is a decoded header plus its raw, type-specific body bytes.
type Frame struct {
	Header Header
	Body   []byte
}

// ReadFrame reads one framed PDU from r: the 8-byte header, then
// exactly Length-HeaderSize further bytes. It enforces §4.1's length
// invariants and rejects unknown types before the body is touched.
func ReadFrame(r io.Reader) (*Frame, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrShortFrame
		}
		return nil, err
	}

	h, err := UnmarshalHeader(headerBuf)
	if err != nil {
		return nil, err
	}

	if h.Length < HeaderSize || h.Length > MaxFrameLen {
		return nil, fmt.Errorf("%w: declared length %d", ErrBadLength, h.Length)
	}

	if !isKnownType(h.Type) {
		return nil, fmt.Errorf("%w: type %d", ErrUnknownType, h.Type)
	}

	bodyLen := int(h.Length) - HeaderSize
	body := make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, ErrShortFrame
			}
			return nil, err
		}
	}

	return &Frame{Header: h, Body: body}, nil
}

// WriteFrame writes typ's header followed by body to w. The header's
// Length field is computed from len(body).
func WriteFrame(w io.Writer, typ PDUType, body []byte) error {
	h := Header{Type: typ, Length: uint32(HeaderSize + len(body))}
	if _, err := w.Write(h.Marshal()); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return err
		}
	}
	return nil
}
