package stats

import "github.com/danmuck/edgemux/internal/pipeline"

const ObserverName = "stats"

// Observer is a side-effect-only stage: it counts request starts on the
// event direction and exchange completions on the command direction and
// forwards every message unchanged. A final reply completes a request only
// when it addresses one still open on this instance.
type Observer struct {
	stats *Stats
	open  pipeline.Exchanges
}

func NewObserver(s *Stats) *Observer {
	return &Observer{stats: s}
}

// Factory returns a pipeline factory producing one Observer per instance.
func Factory(s *Stats) pipeline.Factory {
	return func() pipeline.Stage { return NewObserver(s) }
}

func (o *Observer) Name() string { return ObserverName }

func (o *Observer) HandleEvent(ctx *pipeline.Context, msg pipeline.Message) {
	if msg.Kind == pipeline.KindRequest {
		o.open.Open(msg.StreamID)
		o.stats.RequestStarted()
	}
	ctx.SendEvent(msg)
}

func (o *Observer) HandleCommand(ctx *pipeline.Context, msg pipeline.Message) {
	// Server pushes and stale replies complete nothing started here.
	if msg.EndsExchange() && o.open.Finish(msg.StreamID) {
		o.stats.RequestCompleted()
	}
	ctx.SendCommand(msg)
}

// InFlight returns requests seen but not yet completed by this instance.
func (o *Observer) InFlight() int {
	return o.open.Len()
}

func (o *Observer) Release() {
	o.stats.RequestsAbandoned(o.open.Clear())
}
