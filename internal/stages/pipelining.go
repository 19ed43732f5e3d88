package stages

import "github.com/danmuck/edgemux/internal/pipeline"

// Pipelining holds requests beyond the in-flight limit until earlier
// exchanges end. Held requests keep their chunks behind them. Only a final
// reply addressing an in-flight exchange frees a slot.
type Pipelining struct {
	limit    int
	inFlight pipeline.Exchanges
	queue    []pipeline.Message
}

func NewPipelining(limit int) *Pipelining {
	return &Pipelining{limit: limit}
}

func (s *Pipelining) Name() string { return PipeliningName }

func (s *Pipelining) HandleEvent(ctx *pipeline.Context, msg pipeline.Message) {
	switch msg.Kind {
	case pipeline.KindRequest, pipeline.KindChunk:
	default:
		ctx.SendEvent(msg)
		return
	}
	if len(s.queue) > 0 || (msg.Kind == pipeline.KindRequest && s.inFlight.Len() >= s.limit) {
		s.queue = append(s.queue, msg)
		return
	}
	if msg.Kind == pipeline.KindRequest {
		s.inFlight.Open(msg.StreamID)
	}
	ctx.SendEvent(msg)
}

func (s *Pipelining) HandleCommand(ctx *pipeline.Context, msg pipeline.Message) {
	ctx.SendCommand(msg)
	if msg.EndsExchange() && s.inFlight.Finish(msg.StreamID) {
		s.drain(ctx)
	}
}

// Queued returns held messages.
func (s *Pipelining) Queued() int {
	return len(s.queue)
}

func (s *Pipelining) Release() {
	s.queue = nil
	s.inFlight.Clear()
}

func (s *Pipelining) drain(ctx *pipeline.Context) {
	for len(s.queue) > 0 {
		next := s.queue[0]
		if next.Kind == pipeline.KindRequest {
			if s.inFlight.Len() >= s.limit {
				return
			}
			s.inFlight.Open(next.StreamID)
		}
		s.queue = s.queue[1:]
		ctx.SendEvent(next)
	}
}
