package bam

// HMTP handshake.
//
// A new connection opens with one code byte followed by an initial frame:
//
//	[1-byte code][2-byte big-endian length][1-byte admin flag][length-1 reserved bytes]
//
// Code 0x37 selects unidirectional bus mode, 0x38 bidirectional. Any other
// code, a zero length, or a short read is a protocol error and the
// connection is torn down. The reserved bytes are extension data and are
// skipped. 0x39 is the acknowledgement a receiver may send back; the
// server side of a link never sends it.

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	HandshakeUnidirectional byte = 0x37
	HandshakeBidirectional  byte = 0x38
	HandshakeAck            byte = 0x39
)

// maxHandshakeReserved is the largest reserved block the 2-byte length can
// describe alongside the admin flag.
const maxHandshakeReserved = 1<<16 - 2

// LinkMode is the bus mode chosen by the handshake code.
type LinkMode byte

const (
	ModeUnidirectional LinkMode = LinkMode(HandshakeUnidirectional)
	ModeBidirectional  LinkMode = LinkMode(HandshakeBidirectional)
)

func (m LinkMode) String() string {
	switch m {
	case ModeUnidirectional:
		return "unidirectional"
	case ModeBidirectional:
		return "bidirectional"
	default:
		return fmt.Sprintf("mode(0x%02x)", byte(m))
	}
}

// Handshake is the decoded opening of a link.
type Handshake struct {
	Mode  LinkMode
	Admin bool
}

// ProtocolError is fatal to the connection it occurred on.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return "hmtp " + e.Op + ": " + e.Err.Error()
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ReadHandshake reads the code byte and initial frame from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var code [1]byte
	if _, err := io.ReadFull(r, code[:]); err != nil {
		return Handshake{}, &ProtocolError{Op: "handshake", Err: fmt.Errorf("read code: %w", err)}
	}

	var mode LinkMode
	switch code[0] {
	case HandshakeUnidirectional:
		mode = ModeUnidirectional
	case HandshakeBidirectional:
		mode = ModeBidirectional
	default:
		return Handshake{}, &ProtocolError{Op: "handshake", Err: fmt.Errorf("unknown code 0x%02x", code[0])}
	}

	var hdr [3]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Handshake{}, &ProtocolError{Op: "handshake", Err: fmt.Errorf("read frame: %w", err)}
	}
	length := int(binary.BigEndian.Uint16(hdr[:2]))
	if length < 1 {
		return Handshake{}, &ProtocolError{Op: "handshake", Err: fmt.Errorf("frame length %d too small", length)}
	}

	if reserved := int64(length - 1); reserved > 0 {
		if n, err := io.CopyN(io.Discard, r, reserved); err != nil {
			return Handshake{}, &ProtocolError{Op: "handshake", Err: fmt.Errorf("skip reserved (%d of %d): %w", n, reserved, err)}
		}
	}

	return Handshake{Mode: mode, Admin: hdr[2] != 0}, nil
}

// WriteHandshake writes the opening of a link with optional reserved
// extension bytes.
func WriteHandshake(w io.Writer, mode LinkMode, admin bool, reserved []byte) error {
	if mode != ModeUnidirectional && mode != ModeBidirectional {
		return fmt.Errorf("hmtp handshake: invalid mode %s", mode)
	}
	if len(reserved) > maxHandshakeReserved {
		return fmt.Errorf("hmtp handshake: %d reserved bytes exceed frame", len(reserved))
	}

	buf := make([]byte, 4+len(reserved))
	buf[0] = byte(mode)
	binary.BigEndian.PutUint16(buf[1:3], uint16(1+len(reserved)))
	if admin {
		buf[3] = 1
	}
	copy(buf[4:], reserved)
	_, err := w.Write(buf)
	return err
}
