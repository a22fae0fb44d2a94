// Package wire implements GigaVector's WireProtocol: the big-endian framed
// binary request/response codec exposed over TCP by pkg/server. Framing
// (length-prefix + type byte + request id) is grounded on
// Aman-CERP-amanmcp's internal/daemon/protocol.go Request/Response envelope
// shape, reimplemented as spec.md §4.13's fixed big-endian binary layout
// instead of that daemon's JSON-RPC envelope — JSON cannot express the
// spec's exact field-width wire format.
package wire

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/gigavector/gigavector/pkg/errs"
)

// MsgType identifies a wire message's payload shape.
type MsgType uint8

const (
	MsgAdd         MsgType = 1
	MsgSearch      MsgType = 2
	MsgDelete      MsgType = 3
	MsgUpdate      MsgType = 4
	MsgGet         MsgType = 5
	MsgBatchAdd    MsgType = 6
	MsgBatchSearch MsgType = 7
	MsgStats       MsgType = 8
	MsgHealth      MsgType = 9
	MsgSave        MsgType = 10
	MsgResponse    MsgType = 128
)

// headerSize is the 4-byte big-endian length prefix of a frame; it is
// followed by a 1-byte type and a 4-byte big-endian request id. length
// counts everything after itself,
// i.e. 1 (type) + 4 (request id) + len(payload) = 5 + len(payload).
const headerSize = 4

// Frame is one decoded wire message: its type, request id, and raw payload
// bytes (still to be parsed per MsgType by the caller).
type Frame struct {
	Type      MsgType
	RequestID uint32
	Payload   []byte
}

// MaxMessageBytes bounds the payload length WriteFrame/ReadFrame will
// accept; 0 disables the check.
type Codec struct {
	MaxMessageBytes int
}

// NewCodec creates a Codec enforcing maxMessageBytes (0 disables the cap).
func NewCodec(maxMessageBytes int) *Codec {
	return &Codec{MaxMessageBytes: maxMessageBytes}
}

// WriteFrame writes f to w in the wire format: 4B length | 1B type | 4B
// request id | payload.
func (c *Codec) WriteFrame(w io.Writer, f Frame) error {
	length := 5 + len(f.Payload)
	if c.MaxMessageBytes > 0 && len(f.Payload) > c.MaxMessageBytes {
		return errs.Newf(errs.KindCapacityExceeded, "wire.Codec.WriteFrame", "payload %d bytes exceeds max %d", len(f.Payload), c.MaxMessageBytes)
	}
	buf := make([]byte, headerSize+5+len(f.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(length))
	buf[4] = byte(f.Type)
	binary.BigEndian.PutUint32(buf[5:9], f.RequestID)
	copy(buf[9:], f.Payload)
	if _, err := w.Write(buf); err != nil {
		return errs.Wrap(errs.KindIO, "wire.Codec.WriteFrame", err)
	}
	return nil
}

// ReadFrame reads one framed message from r. A length field under 5, or a
// payload length (length - 5) over MaxMessageBytes, is a Protocol error; callers must close the
// connection on any Protocol error per spec.md §7.
func (c *Codec) ReadFrame(r io.Reader) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, errs.Wrap(errs.KindIO, "wire.Codec.ReadFrame", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length < 5 {
		return Frame{}, errs.Newf(errs.KindProtocol, "wire.Codec.ReadFrame", "frame length %d below minimum 5", length)
	}
	payloadLen := int(length) - 5
	if c.MaxMessageBytes > 0 && payloadLen > c.MaxMessageBytes {
		return Frame{}, errs.Newf(errs.KindProtocol, "wire.Codec.ReadFrame", "frame payload %d exceeds max %d", payloadLen, c.MaxMessageBytes)
	}

	var typeAndID [5]byte
	if _, err := io.ReadFull(r, typeAndID[:]); err != nil {
		return Frame{}, errs.Wrap(errs.KindIO, "wire.Codec.ReadFrame", err)
	}
	msgType := MsgType(typeAndID[0])
	requestID := binary.BigEndian.Uint32(typeAndID[1:])

	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, errs.Wrap(errs.KindIO, "wire.Codec.ReadFrame", err)
		}
	}
	return Frame{Type: msgType, RequestID: requestID, Payload: payload}, nil
}

// --- payload encode/decode helpers, all big-endian ---

// PutU32 appends a big-endian uint32.
func PutU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

// PutU64 appends a big-endian uint64.
func PutU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

// PutI32 appends a big-endian int32.
func PutI32(buf []byte, v int32) []byte {
	return PutU32(buf, uint32(v))
}

// PutF32 appends a float32 as its big-endian IEEE-754 bit pattern.
func PutF32(buf []byte, v float32) []byte {
	return PutU32(buf, math.Float32bits(v))
}

// PutF32Slice appends every element of vs as a big-endian f32.
func PutF32Slice(buf []byte, vs []float32) []byte {
	for _, v := range vs {
		buf = PutF32(buf, v)
	}
	return buf
}

// PutString appends a uint32 byte-length prefix followed by s's bytes.
func PutString(buf []byte, s string) []byte {
	buf = PutU32(buf, uint32(len(s)))
	return append(buf, s...)
}

// reader walks a payload buffer, returning a Protocol error on truncation.
type reader struct {
	buf []byte
	pos int
	op  string
}

// NewReader creates a payload reader for decode helpers below.
func NewReader(op string, buf []byte) *Reader {
	return &Reader{r: &reader{buf: buf, op: op}}
}

// Reader decodes the big-endian payload fields wire messages carry.
type Reader struct {
	r *reader
}

func (r *reader) need(n int) error {
	if r.pos+n > len(r.buf) {
		return errs.Newf(errs.KindProtocol, r.op, "truncated payload: need %d bytes at offset %d, have %d", n, r.pos, len(r.buf))
	}
	return nil
}

// U32 reads a big-endian uint32.
func (r *Reader) U32() (uint32, error) {
	if err := r.r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.r.buf[r.r.pos:])
	r.r.pos += 4
	return v, nil
}

// U64 reads a big-endian uint64.
func (r *Reader) U64() (uint64, error) {
	if err := r.r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.r.buf[r.r.pos:])
	r.r.pos += 8
	return v, nil
}

// I32 reads a big-endian int32.
func (r *Reader) I32() (int32, error) {
	v, err := r.U32()
	return int32(v), err
}

// F32 reads a big-endian f32 IEEE-754 bit pattern.
func (r *Reader) F32() (float32, error) {
	v, err := r.U32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

// F32Slice reads n consecutive big-endian f32 values.
func (r *Reader) F32Slice(n int) ([]float32, error) {
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v, err := r.F32()
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// String reads a uint32 byte-length prefix followed by that many bytes.
func (r *Reader) String() (string, error) {
	n, err := r.U32()
	if err != nil {
		return "", err
	}
	if err := r.r.need(int(n)); err != nil {
		return "", err
	}
	s := string(r.r.buf[r.r.pos : r.r.pos+int(n)])
	r.r.pos += int(n)
	return s, nil
}

// Remaining returns the unread tail of the payload as raw bytes.
func (r *Reader) Remaining() []byte {
	return r.r.buf[r.r.pos:]
}

// Done reports whether the entire payload has been consumed.
func (r *Reader) Done() bool {
	return r.r.pos == len(r.r.buf)
}
