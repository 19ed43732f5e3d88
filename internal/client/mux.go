package client

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/danmuck/edgemux/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

const pushBuffer = 16

type outcome struct {
	resp Response
	err  error
}

type pendingStream struct {
	resp Response
	done chan outcome
}

// muxConn multiplexes exchanges over one framed connection. Writers share
// wmu and the encoder; the read loop alone owns the decoder.
type muxConn struct {
	nc     net.Conn
	limits frame.Limits

	wmu    sync.Mutex
	enc    *frame.HeaderCodec
	nextID uint32

	mu      sync.Mutex
	pending map[uint32]*pendingStream
	err     error

	dec  *frame.HeaderCodec
	push chan Response
	done chan struct{}
}

func newMuxConn(nc net.Conn, limits frame.Limits) (*muxConn, error) {
	if _, err := nc.Write(frame.Preface); err != nil {
		return nil, fmt.Errorf("client: write preface: %w", err)
	}
	m := &muxConn{
		nc:      nc,
		limits:  limits,
		enc:     frame.NewHeaderCodec(),
		nextID:  1,
		pending: make(map[uint32]*pendingStream),
		dec:     frame.NewHeaderCodec(),
		push:    make(chan Response, pushBuffer),
		done:    make(chan struct{}),
	}
	go m.readLoop()
	return m, nil
}

func (m *muxConn) do(ctx context.Context, req Request) (Response, error) {
	headers := map[string]string{":method": req.Method, ":path": req.Path}
	for k, v := range req.Headers {
		headers[strings.ToLower(k)] = v
	}
	ps := &pendingStream{done: make(chan outcome, 1)}

	// Ids are allocated under wmu so they reach the wire in increasing order.
	m.wmu.Lock()
	id := m.nextID
	m.nextID += 2
	m.mu.Lock()
	if m.err != nil {
		err := m.err
		m.mu.Unlock()
		m.wmu.Unlock()
		return Response{}, err
	}
	ps.resp.StreamID = id
	m.pending[id] = ps
	m.mu.Unlock()
	err := m.writeRequest(id, headers, req.Body)
	m.wmu.Unlock()
	if err != nil {
		m.fail(fmt.Errorf("%w: %v", ErrClosed, err))
	}

	select {
	case out := <-ps.done:
		return out.resp, out.err
	case <-ctx.Done():
		if m.forget(id) {
			m.reset(id)
		}
		return Response{}, ctx.Err()
	}
}

func (m *muxConn) writeRequest(id uint32, headers map[string]string, body []byte) error {
	block, err := m.enc.EncodeBlock(headers)
	if err != nil {
		return err
	}
	var flags uint8
	if len(body) == 0 {
		flags = frame.FlagFin
	}
	if err := frame.WriteFrame(m.nc, frame.Frame{
		Header:  frame.Header{StreamID: id, Type: frame.TypeSynStream, Flags: flags},
		Payload: block,
	}, m.limits); err != nil {
		return err
	}
	limit := int(m.limits.MaxPayloadBytes)
	for len(body) > 0 {
		n := len(body)
		if n > limit {
			n = limit
		}
		var flags uint8
		if n == len(body) {
			flags = frame.FlagFin
		}
		if err := frame.WriteFrame(m.nc, frame.Frame{
			Header:  frame.Header{StreamID: id, Type: frame.TypeData, Flags: flags},
			Payload: body[:n],
		}, m.limits); err != nil {
			return err
		}
		body = body[n:]
	}
	return nil
}

func (m *muxConn) reset(id uint32) {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	_ = frame.WriteFrame(m.nc, frame.Frame{
		Header:  frame.Header{StreamID: id, Type: frame.TypeRstStream},
		Payload: frame.EncodeRst(frame.RstCancel),
	}, m.limits)
}

func (m *muxConn) forget(id uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[id]
	delete(m.pending, id)
	return ok
}

func (m *muxConn) lookup(id uint32) *pendingStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending[id]
}

func (m *muxConn) finish(id uint32, err error) {
	m.mu.Lock()
	ps, ok := m.pending[id]
	delete(m.pending, id)
	m.mu.Unlock()
	if ok {
		ps.done <- outcome{resp: ps.resp, err: err}
	}
}

// fail ends every pending exchange with err. Only the first error sticks.
func (m *muxConn) fail(err error) {
	m.mu.Lock()
	if m.err == nil {
		m.err = err
	}
	err = m.err
	pending := m.pending
	m.pending = make(map[uint32]*pendingStream)
	m.mu.Unlock()
	for _, ps := range pending {
		ps.done <- outcome{err: err}
	}
}

func (m *muxConn) readLoop() {
	defer close(m.done)
	defer close(m.push)
	rd := bufio.NewReader(m.nc)
	for {
		f, err := frame.ReadFrame(rd, m.limits)
		if err != nil {
			m.fail(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}
		if err := m.handle(f); err != nil {
			m.fail(err)
			_ = m.nc.Close()
			return
		}
	}
}

func (m *muxConn) handle(f frame.Frame) error {
	id := f.Header.StreamID
	switch f.Header.Type {
	case frame.TypeSynReply:
		headers, err := m.dec.DecodeBlock(f.Payload)
		if err != nil {
			return err
		}
		if ps := m.lookup(id); ps != nil {
			ps.resp.Headers = headers
			ps.resp.Status = parseStatus(headers[":status"])
		}
		if f.Header.Fin() {
			m.finish(id, nil)
		}
	case frame.TypeData:
		if ps := m.lookup(id); ps != nil {
			ps.resp.Body = append(ps.resp.Body, f.Payload...)
		}
		if f.Header.Fin() {
			m.finish(id, nil)
		}
	case frame.TypeRstStream:
		code, err := frame.DecodeRst(f.Payload)
		if err != nil {
			return err
		}
		m.finish(id, fmt.Errorf("%w: stream %d code %d", ErrStreamReset, id, code))
	case frame.TypeControl:
		headers, body, err := m.dec.DecodeControl(f.Payload)
		if err != nil {
			return err
		}
		resp := Response{Status: parseStatus(headers[":status"]), Headers: headers, Body: body}
		select {
		case m.push <- resp:
		default:
			log.Warn().Int("buffer", pushBuffer).Msg("client push buffer full, dropping")
		}
	case frame.TypePing:
		if !f.Header.Fin() {
			m.wmu.Lock()
			err := frame.WriteFrame(m.nc, frame.Frame{
				Header:  frame.Header{Type: frame.TypePing, Flags: frame.FlagFin},
				Payload: f.Payload,
			}, m.limits)
			m.wmu.Unlock()
			if err != nil {
				return fmt.Errorf("%w: %v", ErrClosed, err)
			}
		}
	case frame.TypeGoAway:
		last, code, err := frame.DecodeGoAway(f.Payload)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: last stream %d code %d", ErrGoAway, last, code)
	}
	return nil
}

func (m *muxConn) pushes() <-chan Response { return m.push }

func (m *muxConn) close() error {
	err := m.nc.Close()
	<-m.done
	return err
}
