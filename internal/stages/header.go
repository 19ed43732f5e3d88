package stages

import "github.com/danmuck/edgemux/internal/pipeline"

// Header sets a fixed header on every response that does not carry it yet.
type Header struct {
	name  string
	value string
}

func NewHeader(name, value string) *Header {
	return &Header{name: name, value: value}
}

func (s *Header) Name() string { return HeaderName }

func (s *Header) HandleEvent(ctx *pipeline.Context, msg pipeline.Message) {
	ctx.SendEvent(msg)
}

func (s *Header) HandleCommand(ctx *pipeline.Context, msg pipeline.Message) {
	if msg.Kind == pipeline.KindResponse && msg.Header(s.name) == "" {
		msg = msg.WithHeader(s.name, s.value)
	}
	ctx.SendCommand(msg)
}
