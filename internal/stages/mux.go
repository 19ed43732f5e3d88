package stages

import (
	"errors"
	"fmt"

	"github.com/danmuck/edgemux/internal/pipeline"
	"github.com/danmuck/edgemux/internal/protocol/frame"
	"github.com/danmuck/edgemux/internal/stats"
	"github.com/danmuck/edgemux/internal/stream"
	"github.com/rs/zerolog/log"
)

var (
	ErrPeerReset    = errors.New("stages: stream reset by peer")
	ErrPeerGoAway   = errors.New("stages: peer sent goaway")
	ErrMuxViolation = errors.New("stages: multiplexed protocol violation")
)

func muxLimits(o Options) frame.Limits {
	limits := frame.DefaultLimits()
	if o.MaxFramePayload > 0 {
		limits.MaxPayloadBytes = o.MaxFramePayload
	}
	return limits
}

// Mux is the multiplexed codec. Inbound frames become stream-tagged events
// (StreamOpen, Chunk, StreamReset) and connection-scoped Control frames
// become stream 0 requests. Commands are rendered back into frames.
//
// Header compression state lives here, so one instance serves exactly one
// connection.
type Mux struct {
	stats   *stats.Stats
	limits  frame.Limits
	codec   *frame.HeaderCodec
	buf     []byte
	preface bool
	failed  bool
	closed  bool
	// lastPeer is the highest stream id the peer opened, reported in GOAWAY.
	lastPeer uint32
}

func NewMux(limits frame.Limits, st *stats.Stats) *Mux {
	return &Mux{stats: st, limits: limits, codec: frame.NewHeaderCodec()}
}

func (s *Mux) Name() string { return MuxName }

func (s *Mux) HandleEvent(ctx *pipeline.Context, msg pipeline.Message) {
	if msg.Kind != pipeline.KindBytes {
		ctx.SendEvent(msg)
		return
	}
	if s.failed || s.closed {
		return
	}
	s.buf = append(s.buf, msg.Body...)
	if !s.preface {
		n, err := frame.CheckPreface(s.buf)
		if errors.Is(err, frame.ErrIncomplete) {
			return
		}
		if err != nil {
			s.violation(ctx, err)
			return
		}
		s.preface = true
		s.buf = s.buf[n:]
	}
	for !s.failed && !s.closed {
		f, n, err := frame.Decode(s.buf, s.limits)
		if errors.Is(err, frame.ErrIncomplete) {
			break
		}
		if err != nil {
			s.violation(ctx, err)
			return
		}
		s.buf = s.buf[n:]
		s.dispatch(ctx, f)
	}
	if len(s.buf) == 0 {
		s.buf = nil
	}
}

func (s *Mux) dispatch(ctx *pipeline.Context, f frame.Frame) {
	id := f.Header.StreamID
	switch f.Header.Type {
	case frame.TypeSynStream:
		if id == 0 {
			s.violation(ctx, fmt.Errorf("%w: SYN_STREAM on stream 0", ErrMuxViolation))
			return
		}
		headers, err := s.codec.DecodeBlock(f.Payload)
		if err != nil {
			s.violation(ctx, err)
			return
		}
		if id > s.lastPeer {
			s.lastPeer = id
		}
		ctx.SendEvent(pipeline.Message{Kind: pipeline.KindStreamOpen, StreamID: id, Headers: headers, Fin: f.Header.Fin()})
	case frame.TypeData:
		if id == 0 {
			s.violation(ctx, fmt.Errorf("%w: DATA on stream 0", ErrMuxViolation))
			return
		}
		ctx.SendEvent(pipeline.Message{Kind: pipeline.KindChunk, StreamID: id, Body: f.Payload, Fin: f.Header.Fin()})
	case frame.TypeRstStream:
		code, err := frame.DecodeRst(f.Payload)
		if err != nil || id == 0 {
			s.violation(ctx, fmt.Errorf("%w: bad RST_STREAM", ErrMuxViolation))
			return
		}
		ctx.SendEvent(pipeline.Message{Kind: pipeline.KindStreamReset, StreamID: id, Err: fmt.Errorf("%w: code %d", ErrPeerReset, code)})
	case frame.TypePing:
		if f.Header.Fin() {
			return
		}
		s.write(ctx, frame.Frame{Header: frame.Header{Type: frame.TypePing, Flags: frame.FlagFin}, Payload: f.Payload})
	case frame.TypeGoAway:
		s.closed = true
		ctx.SendCommand(pipeline.Message{Kind: pipeline.KindClose, Err: ErrPeerGoAway})
	case frame.TypeControl:
		headers, body, err := s.codec.DecodeControl(f.Payload)
		if err != nil {
			s.violation(ctx, err)
			return
		}
		ctx.SendEvent(pipeline.Message{Kind: pipeline.KindRequest, Headers: headers, Body: body, Fin: true})
	default:
		s.violation(ctx, fmt.Errorf("%w: unexpected %s frame", ErrMuxViolation, f.Header.Type))
	}
}

// violation sends GOAWAY and closes; the connection cannot resynchronise.
func (s *Mux) violation(ctx *pipeline.Context, err error) {
	s.failed = true
	s.buf = nil
	s.write(ctx, frame.Frame{
		Header:  frame.Header{Type: frame.TypeGoAway},
		Payload: frame.EncodeGoAway(s.lastPeer, frame.GoAwayProtocolError),
	})
	ctx.SendCommand(pipeline.Message{Kind: pipeline.KindClose, Err: err})
}

func (s *Mux) HandleCommand(ctx *pipeline.Context, msg pipeline.Message) {
	if msg.Kind == pipeline.KindClose {
		if !s.failed && !s.closed {
			s.closed = true
			s.write(ctx, frame.Frame{
				Header:  frame.Header{Type: frame.TypeGoAway},
				Payload: frame.EncodeGoAway(s.lastPeer, frame.GoAwayOK),
			})
		}
		ctx.SendCommand(msg)
		return
	}
	if s.failed || s.closed {
		return
	}
	switch msg.Kind {
	case pipeline.KindResponse:
		if msg.StreamID == 0 {
			s.writeControl(ctx, msg)
			return
		}
		s.writeReply(ctx, msg)
	case pipeline.KindChunk:
		if msg.StreamID == 0 {
			// Control frames carry whole messages only.
			s.drop(msg, "connection-scoped chunk", nil)
			return
		}
		s.writeFrames(ctx, s.dataFrames(msg.StreamID, msg.Body, msg.Fin))
	case pipeline.KindStreamReset:
		s.write(ctx, frame.Frame{
			Header:  frame.Header{StreamID: msg.StreamID, Type: frame.TypeRstStream},
			Payload: frame.EncodeRst(ResetCode(msg.Err)),
		})
	default:
		ctx.SendCommand(msg)
	}
}

func (s *Mux) writeReply(ctx *pipeline.Context, msg pipeline.Message) {
	headers := msg.Headers
	if msg.Header(":status") == "" {
		headers = msg.WithHeader(":status", "200").Headers
	}
	block, err := s.codec.EncodeBlock(headers)
	if err != nil {
		s.resetInternal(ctx, msg.StreamID)
		return
	}
	var flags uint8
	if msg.Fin && len(msg.Body) == 0 {
		flags = frame.FlagFin
	}
	frames := []frame.Frame{{Header: frame.Header{StreamID: msg.StreamID, Type: frame.TypeSynReply, Flags: flags}, Payload: block}}
	if len(msg.Body) > 0 {
		frames = append(frames, s.dataFrames(msg.StreamID, msg.Body, msg.Fin)...)
	}
	s.writeFrames(ctx, frames)
}

func (s *Mux) writeControl(ctx *pipeline.Context, msg pipeline.Message) {
	payload, err := s.codec.EncodeControl(msg.Headers, msg.Body)
	if err == nil && uint64(len(payload)) > uint64(s.limits.MaxPayloadBytes) {
		err = fmt.Errorf("%w: control payload of %d bytes", frame.ErrPayloadTooLarge, len(payload))
	}
	if err != nil {
		s.drop(msg, "control frame not encodable", err)
		return
	}
	s.write(ctx, frame.Frame{Header: frame.Header{Type: frame.TypeControl}, Payload: payload})
}

// dataFrames splits body across DATA frames within the payload limit. An
// empty body still yields one frame so Fin reaches the peer.
func (s *Mux) dataFrames(id uint32, body []byte, fin bool) []frame.Frame {
	limit := int(s.limits.MaxPayloadBytes)
	var out []frame.Frame
	for {
		n := len(body)
		if n > limit {
			n = limit
		}
		last := n == len(body)
		var flags uint8
		if last && fin {
			flags = frame.FlagFin
		}
		out = append(out, frame.Frame{Header: frame.Header{StreamID: id, Type: frame.TypeData, Flags: flags}, Payload: body[:n]})
		body = body[n:]
		if last {
			return out
		}
	}
}

func (s *Mux) drop(msg pipeline.Message, reason string, err error) {
	s.stats.ReplyDropped()
	ev := log.Warn().
		Str("stage", MuxName).
		Uint32("stream_id", msg.StreamID).
		Str("kind", msg.Kind.String()).
		Str("reason", reason)
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("reply dropped")
}

func (s *Mux) resetInternal(ctx *pipeline.Context, id uint32) {
	s.write(ctx, frame.Frame{
		Header:  frame.Header{StreamID: id, Type: frame.TypeRstStream},
		Payload: frame.EncodeRst(frame.RstInternalError),
	})
}

func (s *Mux) write(ctx *pipeline.Context, f frame.Frame) {
	s.writeFrames(ctx, []frame.Frame{f})
}

func (s *Mux) writeFrames(ctx *pipeline.Context, frames []frame.Frame) {
	var out []byte
	for _, f := range frames {
		raw, err := frame.Encode(f, s.limits)
		if err != nil {
			continue
		}
		out = append(out, raw...)
	}
	if len(out) > 0 {
		ctx.SendCommand(pipeline.Message{Kind: pipeline.KindBytes, Body: out})
	}
}

// ResetCode maps a reset reason onto its RST_STREAM status.
func ResetCode(err error) uint32 {
	switch {
	case err == nil:
		return frame.RstCancel
	case errors.Is(err, stream.ErrUnknownStream):
		return frame.RstInvalidStream
	case errors.Is(err, stream.ErrStreamLive), errors.Is(err, stream.ErrStreamReused), errors.Is(err, stream.ErrInvalidStream):
		return frame.RstProtocolError
	case errors.Is(err, ErrPeerReset):
		return frame.RstCancel
	default:
		return frame.RstInternalError
	}
}
