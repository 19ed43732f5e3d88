// Package frame owns the spdy/2 mux wire format.
//
// Ownership boundary:
// - connection preface and fixed 12-byte frame header
// - frame read/write with payload limits
// - per-connection header block compression (headers.go)
package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	HeaderLen    = 12
	StreamIDMask = 0x7fffffff
)

const FlagFin uint8 = 0x01

// Preface opens every multiplexed connection, before the first frame.
var Preface = []byte("EDMX/2\r\n")

// Type identifies a frame.
type Type uint8

const (
	TypeData Type = iota
	TypeSynStream
	TypeSynReply
	TypeRstStream
	TypePing
	TypeGoAway
	TypeControl
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeSynStream:
		return "SYN_STREAM"
	case TypeSynReply:
		return "SYN_REPLY"
	case TypeRstStream:
		return "RST_STREAM"
	case TypePing:
		return "PING"
	case TypeGoAway:
		return "GOAWAY"
	case TypeControl:
		return "CONTROL"
	default:
		return fmt.Sprintf("TYPE(%d)", uint8(t))
	}
}

var (
	ErrIncomplete      = errors.New("frame: incomplete")
	ErrShortHeader     = errors.New("frame: short fixed header")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	ErrBadPreface      = errors.New("frame: bad connection preface")
	ErrMalformed       = errors.New("frame: malformed payload")
)

// Header is the fixed wire header.
//
//	0               4    5     6         8            12
//	| stream id (31) | type | flags | reserved | length |
type Header struct {
	StreamID uint32
	Type     Type
	Flags    uint8
	Length   uint32
}

// Fin reports whether the frame ends its stream direction.
func (h Header) Fin() bool {
	return h.Flags&FlagFin != 0
}

// Frame is one complete wire message.
type Frame struct {
	Header  Header
	Payload []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 1 << 20,
	}
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], h.StreamID&StreamIDMask)
	buf[4] = byte(h.Type)
	buf[5] = h.Flags
	binary.BigEndian.PutUint32(buf[8:12], h.Length)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, ErrShortHeader
	}
	return Header{
		StreamID: binary.BigEndian.Uint32(b[0:4]) & StreamIDMask,
		Type:     Type(b[4]),
		Flags:    b[5],
		Length:   binary.BigEndian.Uint32(b[8:12]),
	}, nil
}

// Decode parses one frame from the front of buf and returns the bytes
// consumed. ErrIncomplete means buf holds a valid prefix; callers wait for
// more bytes. The returned payload does not alias buf.
func Decode(buf []byte, limits Limits) (Frame, int, error) {
	if len(buf) < HeaderLen {
		return Frame{}, 0, ErrIncomplete
	}
	h, err := DecodeHeader(buf[:HeaderLen])
	if err != nil {
		return Frame{}, 0, err
	}
	if h.Length > limits.MaxPayloadBytes {
		return Frame{}, 0, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, h.Length, limits.MaxPayloadBytes)
	}
	total := HeaderLen + int(h.Length)
	if len(buf) < total {
		return Frame{}, 0, ErrIncomplete
	}
	payload := make([]byte, h.Length)
	copy(payload, buf[HeaderLen:total])
	return Frame{Header: h, Payload: payload}, total, nil
}

// Encode renders f, deriving Length from the payload.
func Encode(f Frame, limits Limits) ([]byte, error) {
	if uint64(len(f.Payload)) > uint64(limits.MaxPayloadBytes) {
		return nil, ErrPayloadTooLarge
	}
	h := f.Header
	h.Length = uint32(len(f.Payload))
	out := make([]byte, 0, HeaderLen+len(f.Payload))
	out = append(out, EncodeHeader(h)...)
	out = append(out, f.Payload...)
	return out, nil
}

// CheckPreface validates the start of a connection. It returns the preface
// length once matched, 0 with ErrIncomplete while buf is a strict prefix.
func CheckPreface(buf []byte) (int, error) {
	n := len(Preface)
	if len(buf) < n {
		if bytes.HasPrefix(Preface, buf) {
			return 0, ErrIncomplete
		}
		return 0, ErrBadPreface
	}
	if !bytes.Equal(buf[:n], Preface) {
		return 0, ErrBadPreface
	}
	return n, nil
}

func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [HeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}
	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if h.Length > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}
	payload := make([]byte, h.Length)
	if h.Length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Header: h, Payload: payload}, nil
}

func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	raw, err := Encode(f, limits)
	if err != nil {
		return err
	}
	_, err = w.Write(raw)
	return err
}
