// Package wire implements the fixed-layout RUDP packet header and the
// modular sequence-number arithmetic used to compare it.
package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Packet types. 3 is intentionally unused, matching the wire protocol
// this package is compatible with.
const (
	TypeData byte = 1
	TypeAck  byte = 2
	TypeSyn  byte = 4
	TypeFin  byte = 5
)

// Version is the only header version this package emits or accepts.
const Version byte = 1

// MaxPayload is the largest payload a single packet may carry. Callers
// needing a different cap should build their own wire package; it is
// fixed here because the on-wire record size (header + zero-padded
// payload) must be identical between peers.
const MaxPayload = 1000

// headerLen is version(1) + type(1) + seqno(4) + payload_length(4).
const headerLen = 1 + 1 + 4 + 4

// RecordLen is the size, in bytes, of every datagram this protocol
// sends: the wire format pads the payload to a fixed width rather than
// inferring the length from the datagram size.
const RecordLen = headerLen + MaxPayload

// TypeName returns a short human-readable name for a packet type, used
// in trace logging. Unknown types are reported as "BAD".
func TypeName(t byte) string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeAck:
		return "ACK"
	case TypeSyn:
		return "SYN"
	case TypeFin:
		return "FIN"
	default:
		return "BAD"
	}
}

// Packet is a decoded RUDP datagram.
type Packet struct {
	Type   byte
	Seqno  uint32
	Payload []byte
}

// Encode serializes p into the fixed RecordLen-byte wire record. Header
// fields are written big-endian (network byte order); see SPEC_FULL.md
// for why this implementation fixes an explicit order where the
// original left it to host endianness.
func Encode(p Packet) ([]byte, error) {
	if len(p.Payload) > MaxPayload {
		return nil, errors.Errorf("wire: payload length %d exceeds MaxPayload %d", len(p.Payload), MaxPayload)
	}
	buf := make([]byte, RecordLen)
	buf[0] = Version
	buf[1] = p.Type
	binary.BigEndian.PutUint32(buf[2:6], p.Seqno)
	binary.BigEndian.PutUint32(buf[6:10], uint32(len(p.Payload)))
	copy(buf[headerLen:], p.Payload)
	return buf, nil
}

// Decode parses a received datagram. It rejects anything that isn't
// exactly RecordLen bytes, since the sender always pads to that width.
func Decode(buf []byte) (Packet, error) {
	if len(buf) != RecordLen {
		return Packet{}, errors.Errorf("wire: expected %d-byte record, got %d", RecordLen, len(buf))
	}
	version := buf[0]
	if version != Version {
		return Packet{}, errors.Errorf("wire: unsupported version %d", version)
	}
	typ := buf[1]
	seqno := binary.BigEndian.Uint32(buf[2:6])
	length := binary.BigEndian.Uint32(buf[6:10])
	if length > MaxPayload {
		return Packet{}, errors.Errorf("wire: payload_length %d exceeds MaxPayload %d", length, MaxPayload)
	}
	payload := make([]byte, length)
	copy(payload, buf[headerLen:uint32(headerLen)+length])
	return Packet{Type: typ, Seqno: seqno, Payload: payload}, nil
}

// SeqLT reports whether a precedes b under modular 32-bit sequence
// arithmetic (wrap-around safe comparison).
func SeqLT(a, b uint32) bool {
	return int32(a-b) < 0
}

// SeqGEQ reports whether a is at or after b under modular 32-bit
// sequence arithmetic.
func SeqGEQ(a, b uint32) bool {
	return !SeqLT(a, b)
}
