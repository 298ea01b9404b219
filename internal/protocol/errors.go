package protocol

import "errors"

// Codec-level error kinds. Decode errors never reach a session caller — the
// transport adapter logs and drops the frame. ErrPayloadTooLarge from Encode
// is returned to the caller of the session operation that built the frame.
var (
	// ErrShortFrame is returned when fewer bytes are available than the
	// declared length requires.
	ErrShortFrame = errors.New("protocol: short frame")
	// ErrBadCRC is returned when the computed CRC does not match the
	// received one.
	ErrBadCRC = errors.New("protocol: bad crc")
	// ErrPayloadTooLarge is returned by Encode when the payload exceeds
	// MaxPayload bytes.
	ErrPayloadTooLarge = errors.New("protocol: payload too large")
)
