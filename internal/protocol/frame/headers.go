package frame

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"golang.org/x/net/http2/hpack"
)

const defaultTableSize = 4096

// HeaderCodec compresses header blocks for one connection direction pair.
// Both peers keep one codec per connection; it is stateful and not safe for
// concurrent use.
type HeaderCodec struct {
	buf bytes.Buffer
	enc *hpack.Encoder
	dec *hpack.Decoder
}

func NewHeaderCodec() *HeaderCodec {
	c := &HeaderCodec{}
	c.enc = hpack.NewEncoder(&c.buf)
	c.dec = hpack.NewDecoder(defaultTableSize, nil)
	return c
}

// EncodeBlock renders headers in sorted key order.
func (c *HeaderCodec) EncodeBlock(headers map[string]string) ([]byte, error) {
	c.buf.Reset()
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := c.enc.WriteField(hpack.HeaderField{Name: k, Value: headers[k]}); err != nil {
			return nil, err
		}
	}
	out := make([]byte, c.buf.Len())
	copy(out, c.buf.Bytes())
	return out, nil
}

func (c *HeaderCodec) DecodeBlock(block []byte) (map[string]string, error) {
	fields, err := c.dec.DecodeFull(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		out[f.Name] = f.Value
	}
	return out, nil
}

// EncodeControl packs a connection-scoped message: a 4-byte header block
// length, the block, then the body.
func (c *HeaderCodec) EncodeControl(headers map[string]string, body []byte) ([]byte, error) {
	block, err := c.EncodeBlock(headers)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 4, 4+len(block)+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(block)))
	out = append(out, block...)
	out = append(out, body...)
	return out, nil
}

func (c *HeaderCodec) DecodeControl(payload []byte) (map[string]string, []byte, error) {
	if len(payload) < 4 {
		return nil, nil, ErrMalformed
	}
	n := binary.BigEndian.Uint32(payload[:4])
	if uint64(n) > uint64(len(payload)-4) {
		return nil, nil, ErrMalformed
	}
	headers, err := c.DecodeBlock(payload[4 : 4+n])
	if err != nil {
		return nil, nil, err
	}
	body := make([]byte, len(payload)-4-int(n))
	copy(body, payload[4+n:])
	return headers, body, nil
}

// EncodeRst renders a RST_STREAM status payload.
func EncodeRst(code uint32) []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, code)
	return out
}

func DecodeRst(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, ErrMalformed
	}
	return binary.BigEndian.Uint32(payload), nil
}

// RST_STREAM and GOAWAY status codes.
const (
	RstProtocolError uint32 = 1
	RstInvalidStream uint32 = 2
	RstRefusedStream uint32 = 3
	RstCancel        uint32 = 5
	RstInternalError uint32 = 6

	GoAwayOK            uint32 = 0
	GoAwayProtocolError uint32 = 1
)

// EncodeGoAway renders the last accepted stream id and a status code.
func EncodeGoAway(lastStreamID, code uint32) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint32(out[0:4], lastStreamID&StreamIDMask)
	binary.BigEndian.PutUint32(out[4:8], code)
	return out
}

func DecodeGoAway(payload []byte) (lastStreamID, code uint32, err error) {
	if len(payload) != 8 {
		return 0, 0, ErrMalformed
	}
	return binary.BigEndian.Uint32(payload[0:4]) & StreamIDMask, binary.BigEndian.Uint32(payload[4:8]), nil
}
