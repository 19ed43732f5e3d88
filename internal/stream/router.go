// Package stream owns per-connection logical stream state.
//
// Ownership boundary:
// - stream id -> stream context table of one multiplexed connection
// - per-stream pipeline instances
// - drop path for replies to unknown or closed streams
//
// A Router belongs to exactly one connection sequence and is never shared.
package stream

import (
	"errors"
	"fmt"

	"github.com/danmuck/edgemux/internal/pipeline"
	"github.com/danmuck/edgemux/internal/stats"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrStreamLive    = errors.New("stream: id already live")
	ErrStreamReused  = errors.New("stream: id not above highest opened")
	ErrInvalidStream = errors.New("stream: invalid id")
	// ErrUnknownStream tags resets sent for traffic on ids with no live stream.
	ErrUnknownStream = errors.New("stream: unknown id")
)

// Context is one live logical stream.
type Context struct {
	ID       uint32
	ConnID   string
	Pipeline *pipeline.Pipeline
}

// Hooks connect stream pipelines to their owning connection.
type Hooks struct {
	// Application receives events leaving a stream pipeline.
	Application func(id uint32, msg pipeline.Message)
	// Transport receives commands leaving a stream pipeline, already tagged
	// with the stream id.
	Transport func(msg pipeline.Message)
	// Post runs fn on the owning connection's sequence.
	Post func(fn func())
	// Closed is told about every stream removal.
	Closed func(id uint32)
}

type Config struct {
	ConnID   string
	Template *pipeline.Template
	Hooks    Hooks
	Stats    *stats.Stats
	Logger   *zerolog.Logger
}

type Router struct {
	connID   string
	template *pipeline.Template
	hooks    Hooks
	stats    *stats.Stats
	log      zerolog.Logger

	streams map[uint32]*Context
	highest uint32
}

func NewRouter(cfg Config) *Router {
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Router{
		connID:   cfg.ConnID,
		template: cfg.Template,
		hooks:    cfg.Hooks,
		stats:    cfg.Stats,
		log:      logger,
		streams:  make(map[uint32]*Context),
	}
}

// Open registers a new stream with a freshly built pipeline. Ids must be
// non-zero and strictly above every id opened before on this connection,
// so an id is never reused while a late reply may still target it.
func (r *Router) Open(id uint32) (*Context, error) {
	var err error
	switch {
	case id == 0:
		err = ErrInvalidStream
	case r.streams[id] != nil:
		err = ErrStreamLive
	case id <= r.highest:
		err = ErrStreamReused
	}
	if err != nil {
		r.stats.StreamRejected()
		r.log.Warn().
			Str("conn_id", r.connID).
			Uint32("stream_id", id).
			Uint32("highest_stream_id", r.highest).
			Err(err).
			Msg("stream open rejected")
		return nil, fmt.Errorf("%w: %d", err, id)
	}

	sc := &Context{ID: id, ConnID: r.connID}
	sc.Pipeline = r.template.New(pipeline.Sinks{
		Application: func(msg pipeline.Message) {
			msg.StreamID = id
			if r.hooks.Application != nil {
				r.hooks.Application(id, msg)
			}
		},
		Transport: func(msg pipeline.Message) {
			msg.StreamID = id
			if r.hooks.Transport != nil {
				r.hooks.Transport(msg)
			}
			if msg.EndsExchange() {
				r.Close(id)
			}
		},
		Post: r.hooks.Post,
	})
	r.streams[id] = sc
	r.highest = id
	r.stats.StreamOpened()
	r.log.Debug().Str("conn_id", r.connID).Uint32("stream_id", id).Int("live_streams", len(r.streams)).Msg("stream opened")
	return sc, nil
}

// Route feeds an inbound event into the stream's pipeline. It returns false
// for unknown ids and leaves the anomaly to the framing layer.
func (r *Router) Route(id uint32, msg pipeline.Message) bool {
	sc, ok := r.streams[id]
	if !ok {
		return false
	}
	msg.StreamID = id
	sc.Pipeline.HandleEvent(msg)
	return true
}

// DeliverReply feeds an application reply into the stream's command
// direction. Replies for unknown or closed streams are dropped and counted;
// the return value is for the owner's bookkeeping only.
func (r *Router) DeliverReply(id uint32, msg pipeline.Message) bool {
	sc, ok := r.streams[id]
	if !ok {
		r.stats.ReplyDropped()
		r.log.Warn().
			Str("conn_id", r.connID).
			Uint32("stream_id", id).
			Str("kind", msg.Kind.String()).
			Msg("reply dropped for closed or unknown stream")
		return false
	}
	msg.StreamID = id
	sc.Pipeline.HandleCommand(msg)
	return true
}

// Close discards the stream. Closing an unknown id is a no-op.
func (r *Router) Close(id uint32) bool {
	sc, ok := r.streams[id]
	if !ok {
		return false
	}
	delete(r.streams, id)
	sc.Pipeline.Release()
	r.stats.StreamClosed()
	if r.hooks.Closed != nil {
		r.hooks.Closed(id)
	}
	r.log.Debug().Str("conn_id", r.connID).Uint32("stream_id", id).Int("live_streams", len(r.streams)).Msg("stream closed")
	return true
}

// CloseAll tears down every live stream and returns how many were closed.
func (r *Router) CloseAll() int {
	n := 0
	for id := range r.streams {
		if r.Close(id) {
			n++
		}
	}
	return n
}

func (r *Router) Has(id uint32) bool {
	_, ok := r.streams[id]
	return ok
}

func (r *Router) Len() int {
	return len(r.streams)
}

// Highest returns the highest id ever opened.
func (r *Router) Highest() uint32 {
	return r.highest
}

// Get returns the live stream context for id.
func (r *Router) Get(id uint32) (*Context, bool) {
	sc, ok := r.streams[id]
	return sc, ok
}
