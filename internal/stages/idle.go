package stages

import (
	"time"

	"github.com/danmuck/edgemux/internal/pipeline"
)

// Idle closes a connection that saw no traffic in either direction for the
// configured duration. Expiry sends a Timeout event toward the application
// and a Close command toward the transport.
type Idle struct {
	timeout time.Duration
	ctx     *pipeline.Context
	timer   *pipeline.Timer
	expired bool
}

func NewIdle(timeout time.Duration) *Idle {
	return &Idle{timeout: timeout}
}

func (s *Idle) Name() string { return IdleName }

func (s *Idle) Start(ctx *pipeline.Context) {
	s.ctx = ctx
	s.arm()
}

func (s *Idle) HandleEvent(ctx *pipeline.Context, msg pipeline.Message) {
	if msg.Kind == pipeline.KindClosed {
		s.timer.Stop()
	} else {
		s.arm()
	}
	ctx.SendEvent(msg)
}

func (s *Idle) HandleCommand(ctx *pipeline.Context, msg pipeline.Message) {
	if msg.Kind == pipeline.KindClose {
		s.timer.Stop()
	} else {
		s.arm()
	}
	ctx.SendCommand(msg)
}

func (s *Idle) Release() {
	s.timer.Stop()
}

// Expired reports whether the timer fired.
func (s *Idle) Expired() bool {
	return s.expired
}

func (s *Idle) arm() {
	if s.ctx == nil || s.expired {
		return
	}
	s.timer.Stop()
	s.timer = s.ctx.After(s.timeout, s.expire)
}

func (s *Idle) expire() {
	s.expired = true
	s.ctx.SendEvent(pipeline.Message{Kind: pipeline.KindTimeout})
	s.ctx.SendCommand(pipeline.Message{Kind: pipeline.KindClose})
}
