package bam

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
)

// Frame format: [4-byte big-endian payload length][1-byte kind][fields]
//
// Fields, in order:
//
//	to, from                      [2-byte length][UTF-8 bytes] each
//	id        (query kinds only)  [8-byte big-endian]
//	error     (error kinds only)  type, condition, text, cause as strings
//	value                         [1-byte body tag][body]
//
// Payload length covers the kind byte plus the fields.

// maxFramePayload is the upper bound on a single frame's payload. Larger
// frames are rejected on read.
const maxFramePayload = 16 << 20 // 16 MB

// Body type tags for the wire encoding of values. Common types are encoded
// directly; anything else falls back to gob.
const (
	bodyNil     byte = 0
	bodyString  byte = 1
	bodyInt     byte = 2
	bodyInt64   byte = 3
	bodyFloat64 byte = 4
	bodyBool    byte = 5
	bodyBytes   byte = 6
	bodyUint64  byte = 7
	bodyGob     byte = 8
)

func init() {
	gob.Register("")
	gob.Register(0)
	gob.Register(int64(0))
	gob.Register(uint64(0))
	gob.Register(float64(0))
	gob.Register(false)
	gob.Register([]byte(nil))
	gob.Register(map[string]interface{}{})
}

// RegisterValueType registers a user-defined payload type so it can cross
// a link through the gob fallback. Must be called on both ends before
// packets carrying the type are sent.
func RegisterValueType(value interface{}) {
	gob.Register(value)
}

var frameBufPool = sync.Pool{
	New: func() any {
		b := new(bytes.Buffer)
		b.Grow(256)
		return b
	},
}

func hasID(k Kind) bool {
	return k == KindQuery || k == KindQueryResult || k == KindQueryError
}

func hasError(k Kind) bool {
	return k == KindMessageError || k == KindQueryError
}

// EncodePacket returns p as a complete frame.
func EncodePacket(p Packet) ([]byte, error) {
	buf := frameBufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer frameBufPool.Put(buf)

	if err := buildFrame(buf, p); err != nil {
		return nil, err
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// WritePacket encodes p and writes it to w in a single Write call.
func WritePacket(w io.Writer, p Packet) error {
	buf := frameBufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer frameBufPool.Put(buf)

	if err := buildFrame(buf, p); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func buildFrame(buf *bytes.Buffer, p Packet) error {
	buf.Write([]byte{0, 0, 0, 0, byte(p.kind)}) // length placeholder + kind
	if err := encodeFields(buf, p); err != nil {
		return fmt.Errorf("encode %s: %w", p.kind, err)
	}
	n := buf.Len() - 4
	if n > maxFramePayload {
		return fmt.Errorf("encode %s: frame too large (%d bytes)", p.kind, n)
	}
	binary.BigEndian.PutUint32(buf.Bytes()[:4], uint32(n))
	return nil
}

func encodeFields(buf *bytes.Buffer, p Packet) error {
	switch p.kind {
	case KindMessage, KindMessageError, KindQuery, KindQueryResult, KindQueryError:
	default:
		return fmt.Errorf("unknown kind %d", p.kind)
	}

	if err := putStr(buf, p.to); err != nil {
		return err
	}
	if err := putStr(buf, p.from); err != nil {
		return err
	}
	if hasID(p.kind) {
		putU64(buf, p.id)
	}
	if hasError(p.kind) {
		e := p.err
		if e == nil {
			e = &ErrorInfo{}
		}
		for _, s := range []string{e.Type, e.Condition, e.Text, e.Cause} {
			if err := putStr(buf, s); err != nil {
				return err
			}
		}
	}
	return putBody(buf, p.value)
}

// errBody marks a value that could not be decoded from an otherwise
// well-formed frame.
var errBody = errors.New("unreadable value")

// BodyError is returned by ReadPacket when a frame is intact but its value
// cannot be decoded, typically a gob type this process has not registered.
// Packet carries the frame's kind, addresses, id and error with a nil
// value, so the sender can be answered and the stream read on.
type BodyError struct {
	Packet Packet
	Err    error
}

func (e *BodyError) Error() string {
	return "hmtp decode " + e.Packet.kind.String() + " value: " + e.Err.Error()
}

func (e *BodyError) Unwrap() error { return e.Err }

// ReadPacket reads one frame from r. io.EOF is returned unwrapped when r
// ends cleanly between frames; malformed frames yield a *ProtocolError and
// intact frames with an unreadable value a *BodyError.
func ReadPacket(r io.Reader) (Packet, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Packet{}, &ProtocolError{Op: "read frame", Err: err}
		}
		return Packet{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n < 1 {
		return Packet{}, &ProtocolError{Op: "read frame", Err: fmt.Errorf("frame length %d too small", n)}
	}
	if n > maxFramePayload {
		return Packet{}, &ProtocolError{Op: "read frame", Err: fmt.Errorf("frame too large (%d bytes)", n)}
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return Packet{}, &ProtocolError{Op: "read frame", Err: fmt.Errorf("incomplete frame: %w", err)}
	}

	p, err := decodePacket(data)
	if errors.Is(err, errBody) {
		return p, &BodyError{Packet: p, Err: err}
	}
	if err != nil {
		return Packet{}, &ProtocolError{Op: "decode frame", Err: err}
	}
	return p, nil
}

func decodePacket(data []byte) (Packet, error) {
	p := Packet{kind: Kind(data[0])}
	switch p.kind {
	case KindMessage, KindMessageError, KindQuery, KindQueryResult, KindQueryError:
	default:
		return Packet{}, fmt.Errorf("unknown kind %d", data[0])
	}

	off := 1
	var err error
	if p.to, off, err = getStr(data, off); err != nil {
		return Packet{}, err
	}
	if p.from, off, err = getStr(data, off); err != nil {
		return Packet{}, err
	}
	if hasID(p.kind) {
		if p.id, off, err = getU64(data, off); err != nil {
			return Packet{}, err
		}
	}
	if hasError(p.kind) {
		var e ErrorInfo
		for _, dst := range []*string{&e.Type, &e.Condition, &e.Text, &e.Cause} {
			if *dst, off, err = getStr(data, off); err != nil {
				return Packet{}, err
			}
		}
		p.err = &e
	}
	var bodyErr error
	if p.value, off, err = getBody(data, off); err != nil {
		if !errors.Is(err, errBody) {
			return Packet{}, err
		}
		bodyErr = err
	}
	if off != len(data) {
		return Packet{}, fmt.Errorf("%d trailing bytes", len(data)-off)
	}
	return p, bodyErr
}

// --- field encoding ---

func putStr(buf *bytes.Buffer, s string) error {
	if len(s) > math.MaxUint16 {
		return fmt.Errorf("string too long (%d bytes)", len(s))
	}
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(len(s)))
	buf.Write(tmp[:])
	buf.WriteString(s)
	return nil
}

func putU64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

func putLen32(buf *bytes.Buffer, n int) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(n))
	buf.Write(tmp[:])
}

func putBody(buf *bytes.Buffer, body interface{}) error {
	switch v := body.(type) {
	case nil:
		buf.WriteByte(bodyNil)
	case string:
		buf.WriteByte(bodyString)
		putLen32(buf, len(v))
		buf.WriteString(v)
	case int:
		buf.WriteByte(bodyInt)
		putU64(buf, uint64(int64(v)))
	case int64:
		buf.WriteByte(bodyInt64)
		putU64(buf, uint64(v))
	case uint64:
		buf.WriteByte(bodyUint64)
		putU64(buf, v)
	case float64:
		buf.WriteByte(bodyFloat64)
		putU64(buf, math.Float64bits(v))
	case bool:
		buf.WriteByte(bodyBool)
		if v {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case []byte:
		buf.WriteByte(bodyBytes)
		putLen32(buf, len(v))
		buf.Write(v)
	default:
		buf.WriteByte(bodyGob)
		var gobBuf bytes.Buffer
		if err := gob.NewEncoder(&gobBuf).Encode(&body); err != nil {
			return fmt.Errorf("body gob encode: %w", err)
		}
		putLen32(buf, gobBuf.Len())
		buf.Write(gobBuf.Bytes())
	}
	return nil
}

// --- field decoding ---

func getStr(data []byte, off int) (string, int, error) {
	if off+2 > len(data) {
		return "", off, fmt.Errorf("short data for string length")
	}
	n := int(binary.BigEndian.Uint16(data[off:]))
	off += 2
	if off+n > len(data) {
		return "", off, fmt.Errorf("short data for string")
	}
	return string(data[off : off+n]), off + n, nil
}

func getU64(data []byte, off int) (uint64, int, error) {
	if off+8 > len(data) {
		return 0, off, fmt.Errorf("short data for uint64")
	}
	return binary.BigEndian.Uint64(data[off:]), off + 8, nil
}

func getSized(data []byte, off int, what string) ([]byte, int, error) {
	if off+4 > len(data) {
		return nil, off, fmt.Errorf("short data for %s length", what)
	}
	n := int(binary.BigEndian.Uint32(data[off:]))
	off += 4
	if n < 0 || off+n > len(data) {
		return nil, off, fmt.Errorf("short data for %s", what)
	}
	return data[off : off+n], off + n, nil
}

func getBody(data []byte, off int) (interface{}, int, error) {
	if off >= len(data) {
		return nil, off, fmt.Errorf("short data for body tag")
	}
	tag := data[off]
	off++
	switch tag {
	case bodyNil:
		return nil, off, nil
	case bodyString:
		b, newOff, err := getSized(data, off, "string body")
		return string(b), newOff, err
	case bodyInt:
		v, newOff, err := getU64(data, off)
		return int(int64(v)), newOff, err
	case bodyInt64:
		v, newOff, err := getU64(data, off)
		return int64(v), newOff, err
	case bodyUint64:
		return getU64(data, off)
	case bodyFloat64:
		v, newOff, err := getU64(data, off)
		return math.Float64frombits(v), newOff, err
	case bodyBool:
		if off >= len(data) {
			return nil, off, fmt.Errorf("short data for bool")
		}
		return data[off] != 0, off + 1, nil
	case bodyBytes:
		b, newOff, err := getSized(data, off, "bytes body")
		if err != nil {
			return nil, newOff, err
		}
		out := make([]byte, len(b))
		copy(out, b)
		return out, newOff, nil
	case bodyGob:
		b, newOff, err := getSized(data, off, "gob body")
		if err != nil {
			return nil, newOff, err
		}
		var body interface{}
		if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&body); err != nil {
			return nil, newOff, fmt.Errorf("%w: gob: %v", errBody, err)
		}
		return body, newOff, nil
	default:
		return nil, off, fmt.Errorf("unknown body tag %d", tag)
	}
}
