package wire

import "errors"

// Decoding errors. Every body decoder returns one of these (optionally
// wrapped with extra context via fmt.Errorf("%w: ...")) rather than a
// bare error, so callers can classify a malformed peer deterministically.
var (
	// ErrShortFrame is returned when the stream ends before a full
	// header or a full declared body has been read.
	ErrShortFrame = errors.New("wire: short frame")

	// ErrBadLength is returned when the header's length field is
	// smaller than HeaderSize or exceeds MaxFrameLen.
	ErrBadLength = errors.New("wire: bad length")

	// ErrUnknownType is returned for a header type byte outside the
	// closed PDUType enum.
	ErrUnknownType = errors.New("wire: unknown pdu type")

	// ErrMalformedBody is returned when a body's internal structure
	// (fixed fields, length-prefixed arrays) doesn't fit the bytes
	// actually present.
	ErrMalformedBody = errors.New("wire: malformed body")
)
