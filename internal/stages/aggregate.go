package stages

import (
	"strconv"

	"github.com/danmuck/edgemux/internal/pipeline"
)

// Aggregate reassembles a request head and its body chunks into one
// complete request. Bodies above the limit are answered with 413 and the
// remaining chunks of that request are discarded.
type Aggregate struct {
	limit      int64
	pending    *pipeline.Message
	discarding bool
}

func NewAggregate(limit int64) *Aggregate {
	return &Aggregate{limit: limit}
}

func (s *Aggregate) Name() string { return AggregateName }

func (s *Aggregate) HandleEvent(ctx *pipeline.Context, msg pipeline.Message) {
	switch msg.Kind {
	case pipeline.KindRequest:
		s.discarding = false
		if s.tooLarge(len(msg.Body)) {
			s.reject(ctx, msg.StreamID, msg.Fin)
			return
		}
		if msg.Fin {
			ctx.SendEvent(msg)
			return
		}
		held := msg
		held.Body = append([]byte(nil), msg.Body...)
		s.pending = &held
	case pipeline.KindChunk:
		if s.discarding {
			if msg.Fin {
				s.discarding = false
			}
			return
		}
		if s.pending == nil {
			ctx.SendEvent(msg)
			return
		}
		if s.tooLarge(len(s.pending.Body) + len(msg.Body)) {
			id := s.pending.StreamID
			s.pending = nil
			s.reject(ctx, id, msg.Fin)
			return
		}
		s.pending.Body = append(s.pending.Body, msg.Body...)
		if msg.Fin {
			out := *s.pending
			out.Fin = true
			s.pending = nil
			ctx.SendEvent(out)
		}
	default:
		ctx.SendEvent(msg)
	}
}

func (s *Aggregate) HandleCommand(ctx *pipeline.Context, msg pipeline.Message) {
	ctx.SendCommand(msg)
}

func (s *Aggregate) Release() {
	s.pending = nil
}

func (s *Aggregate) tooLarge(n int) bool {
	return int64(n) > s.limit
}

func (s *Aggregate) reject(ctx *pipeline.Context, streamID uint32, fin bool) {
	s.discarding = !fin
	body := []byte("request body exceeds " + strconv.FormatInt(s.limit, 10) + " bytes\n")
	ctx.SendCommand(pipeline.Message{
		Kind:     pipeline.KindResponse,
		StreamID: streamID,
		Headers:  map[string]string{":status": "413", "content-type": "text/plain; charset=utf-8"},
		Body:     body,
		Fin:      true,
	})
}
