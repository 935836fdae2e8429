package voiceproto

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderLen is the number of bytes in a voice packet header.
	HeaderLen = 5

	// Version is the only wire protocol version in existence. There is no
	// negotiation path; packets carrying any other version are dropped by the
	// relay engine rather than rejected here.
	Version = 1

	// MaxPayload is the largest payload representable by the uint16 length
	// field.
	MaxPayload = 65535
)

var (
	ErrTooShort        = errors.New("voiceproto: packet shorter than header")
	ErrPayloadTooLarge = errors.New("voiceproto: payload too large")
)

// PacketType discriminates the three payload kinds carried over the voice
// socket.
type PacketType uint8

const (
	// TypeAudio carries an opaque audio codec frame, relayed verbatim.
	TypeAudio PacketType = 0
	// TypeEvent carries a UTF-8 event notification (e.g. "joined:<user>").
	TypeEvent PacketType = 1
	// TypeControl carries the UTF-8 join/leave control grammar.
	TypeControl PacketType = 2
)

func (t PacketType) String() string {
	switch t {
	case TypeAudio:
		return "audio"
	case TypeEvent:
		return "event"
	case TypeControl:
		return "control"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Packet is a decoded voice relay frame.
//
// The wire layout is a fixed 5-byte header followed by the payload:
//
//	byte 0    type     (0=audio, 1=event, 2=control)
//	byte 1    version  (= 1)
//	byte 2    flags    (reserved, = 0)
//	bytes 3-4 length   (uint16, little-endian)
//	bytes 5.. payload
type Packet struct {
	Type    PacketType
	Version uint8
	Flags   uint8
	Payload []byte
}

// Encode serializes a packet with the current protocol version. It fails only
// when the payload cannot be represented by the uint16 length field.
func Encode(typ PacketType, flags uint8, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), MaxPayload)
	}

	b := make([]byte, HeaderLen+len(payload))
	b[0] = byte(typ)
	b[1] = Version
	b[2] = flags
	binary.LittleEndian.PutUint16(b[3:5], uint16(len(payload)))
	copy(b[HeaderLen:], payload)
	return b, nil
}

// Decode parses a packet from b.
//
// A declared payload length that exceeds the bytes actually present is not an
// error: the payload is clamped to what is available. Datagram transports
// already guarantee a frame boundary, so a short buffer means the sender lied
// about the length, and the relay's job is to keep forwarding, not to police
// senders. Decode never allocates; the returned payload aliases b.
func Decode(b []byte) (Packet, error) {
	if len(b) < HeaderLen {
		return Packet{}, ErrTooShort
	}

	declared := int(binary.LittleEndian.Uint16(b[3:5]))
	payload := b[HeaderLen:]
	if declared < len(payload) {
		payload = payload[:declared]
	}

	return Packet{
		Type:    PacketType(b[0]),
		Version: b[1],
		Flags:   b[2],
		Payload: payload,
	}, nil
}
