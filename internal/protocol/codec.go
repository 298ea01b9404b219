package protocol

import (
	"encoding/binary"
)

// Codec converts between a structured Frame and its wire body (the bytes
// following the preamble). It performs no I/O and holds no state — a
// stateless struct safe for concurrent use.
type Codec struct{}

// Encode serializes f into the frame body: destination, source,
// little-endian sequence_nr, command, big-endian length, payload,
// little-endian crc. The preamble is not included; callers (the transport
// adapter) prepend it.
func (Codec) Encode(f Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayload {
		return nil, ErrPayloadTooLarge
	}
	body := make([]byte, HeaderOverhead+len(f.Payload))
	body[0] = f.Destination
	body[1] = f.Source
	binary.LittleEndian.PutUint16(body[2:4], f.SequenceNr)
	body[4] = f.Command
	binary.BigEndian.PutUint16(body[5:7], uint16(len(f.Payload)))
	copy(body[7:7+len(f.Payload)], f.Payload)

	crc := crc16Kermit(body[:7+len(f.Payload)])
	binary.LittleEndian.PutUint16(body[7+len(f.Payload):], crc)
	return body, nil
}

// Decode parses a frame body (bytes after the preamble). body must contain
// at least HeaderOverhead bytes; if the declared length requires more bytes
// than are present, ErrShortFrame is returned. CRC mismatches yield
// ErrBadCRC.
func (Codec) Decode(body []byte) (Frame, error) {
	if len(body) < HeaderOverhead {
		return Frame{}, ErrShortFrame
	}
	length := binary.BigEndian.Uint16(body[5:7])
	total := HeaderOverhead + int(length)
	if len(body) < total {
		return Frame{}, ErrShortFrame
	}

	covered := body[:7+int(length)]
	want := crc16Kermit(covered)
	got := binary.LittleEndian.Uint16(body[total-2 : total])
	if got != want {
		return Frame{}, ErrBadCRC
	}

	f := Frame{
		Destination: body[0],
		Source:      body[1],
		SequenceNr:  binary.LittleEndian.Uint16(body[2:4]),
		Command:     body[4],
	}
	if length > 0 {
		f.Payload = append([]byte(nil), body[7:7+int(length)]...)
	}
	return f, nil
}
