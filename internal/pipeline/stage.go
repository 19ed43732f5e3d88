package pipeline

// Stage is one transformation unit inside a pipeline.
//
// HandleEvent receives messages travelling toward the application and
// HandleCommand receives messages travelling toward the transport. A stage
// forwards by calling ctx.SendEvent or ctx.SendCommand; not forwarding drops
// the message.
type Stage interface {
	Name() string
	HandleEvent(ctx *Context, msg Message)
	HandleCommand(ctx *Context, msg Message)
}

// Starter is implemented by stages that need their context once the
// pipeline is assembled (timers, greetings).
type Starter interface {
	Start(ctx *Context)
}

// Releaser is implemented by stages holding resources past the owner's lifetime.
type Releaser interface {
	Release()
}

// Factory creates one fresh stage instance.
type Factory func() Stage

// StageFuncs adapts plain functions into a Stage. A nil handler forwards.
type StageFuncs struct {
	StageName string
	OnEvent   func(ctx *Context, msg Message)
	OnCommand func(ctx *Context, msg Message)
}

func (s *StageFuncs) Name() string { return s.StageName }

func (s *StageFuncs) HandleEvent(ctx *Context, msg Message) {
	if s.OnEvent == nil {
		ctx.SendEvent(msg)
		return
	}
	s.OnEvent(ctx, msg)
}

func (s *StageFuncs) HandleCommand(ctx *Context, msg Message) {
	if s.OnCommand == nil {
		ctx.SendCommand(msg)
		return
	}
	s.OnCommand(ctx, msg)
}
