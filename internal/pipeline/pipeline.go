package pipeline

import "time"

// Sinks are the two open ends of a pipeline instance plus the owner's
// sequence for deferred callbacks.
type Sinks struct {
	// Application receives events leaving the last stage.
	Application func(Message)
	// Transport receives commands leaving the first stage.
	Transport func(Message)
	// Post runs fn on the owner's sequence. Nil runs fn inline.
	Post func(fn func())
}

// Pipeline is one instance of a Template with per-instance stage state.
//
// A Pipeline is not safe for concurrent use; its owner drives it from a
// single sequence.
type Pipeline struct {
	stages   []Stage
	ctxs     []*Context
	sinks    Sinks
	released bool
}

// Context is a stage's handle on its position inside one pipeline.
type Context struct {
	p     *Pipeline
	index int
}

// Timer is a pipeline-scoped timer whose callback runs on the owner's sequence.
type Timer struct {
	t       *time.Timer
	stopped bool
}

// Stop cancels the timer. Callbacks already posted observe the stop and do nothing.
func (t *Timer) Stop() {
	if t == nil {
		return
	}
	t.stopped = true
	t.t.Stop()
}

func newPipeline(factories []Factory, sinks Sinks) *Pipeline {
	if sinks.Application == nil {
		sinks.Application = func(Message) {}
	}
	if sinks.Transport == nil {
		sinks.Transport = func(Message) {}
	}
	p := &Pipeline{
		stages: make([]Stage, len(factories)),
		ctxs:   make([]*Context, len(factories)),
		sinks:  sinks,
	}
	for i, f := range factories {
		p.stages[i] = f()
		p.ctxs[i] = &Context{p: p, index: i}
	}
	for i, st := range p.stages {
		if s, ok := st.(Starter); ok {
			s.Start(p.ctxs[i])
		}
	}
	return p
}

// HandleEvent feeds msg into the first stage (closest to the transport).
func (p *Pipeline) HandleEvent(msg Message) {
	p.event(0, msg)
}

// HandleCommand feeds msg into the last stage (closest to the application).
func (p *Pipeline) HandleCommand(msg Message) {
	p.command(len(p.stages)-1, msg)
}

// Names lists stage names in event order.
func (p *Pipeline) Names() []string {
	out := make([]string, len(p.stages))
	for i, st := range p.stages {
		out[i] = st.Name()
	}
	return out
}

// Stage returns the instance at index i in event order.
func (p *Pipeline) Stage(i int) Stage {
	return p.stages[i]
}

// Release lets stages drop timers and buffers. Messages fed afterwards are ignored.
func (p *Pipeline) Release() {
	if p.released {
		return
	}
	p.released = true
	for _, st := range p.stages {
		if r, ok := st.(Releaser); ok {
			r.Release()
		}
	}
}

// Released reports whether Release was called.
func (p *Pipeline) Released() bool {
	return p.released
}

func (p *Pipeline) event(i int, msg Message) {
	if p.released {
		return
	}
	if i >= len(p.stages) {
		p.sinks.Application(msg)
		return
	}
	p.stages[i].HandleEvent(p.ctxs[i], msg)
}

func (p *Pipeline) command(i int, msg Message) {
	if p.released {
		return
	}
	if i < 0 {
		p.sinks.Transport(msg)
		return
	}
	p.stages[i].HandleCommand(p.ctxs[i], msg)
}

// SendEvent continues msg toward the application from this stage.
func (c *Context) SendEvent(msg Message) {
	c.p.event(c.index+1, msg)
}

// SendCommand continues msg toward the transport from this stage.
func (c *Context) SendCommand(msg Message) {
	c.p.command(c.index-1, msg)
}

// Post runs fn on the owner's sequence.
func (c *Context) Post(fn func()) {
	if c.p.sinks.Post == nil {
		fn()
		return
	}
	c.p.sinks.Post(fn)
}

// After schedules fn on the owner's sequence once d elapses.
func (c *Context) After(d time.Duration, fn func()) *Timer {
	timer := &Timer{}
	timer.t = time.AfterFunc(d, func() {
		c.Post(func() {
			if timer.stopped || c.p.released {
				return
			}
			fn()
		})
	})
	return timer
}
