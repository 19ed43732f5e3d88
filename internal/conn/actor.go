package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/danmuck/edgemux/internal/pipeline"
	"github.com/danmuck/edgemux/internal/profile"
	"github.com/danmuck/edgemux/internal/stats"
	"github.com/danmuck/edgemux/internal/stream"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const defaultReadBufferSize = 32 << 10

var (
	ErrClosed = errors.New("conn: closed")
	// ErrPushUnsupported rejects server pushes on single-stream connections,
	// where any unsolicited reply would be taken as the answer to a request.
	ErrPushUnsupported = errors.New("conn: push unsupported on single-stream connection")
)

// Transport is the byte stream an actor owns. net.Conn satisfies it.
type Transport interface {
	io.ReadWriteCloser
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

type Config struct {
	ID        string
	Remote    string
	Selection profile.Selection
	Transport Transport
	Handler   Handler
	Stats     *stats.Stats
	Logger    *zerolog.Logger

	ReadBufferSize int
	// WriteTimeout bounds each transport write when the transport supports deadlines.
	WriteTimeout time.Duration
}

// Info is a point-in-time description safe to read from any goroutine.
type Info struct {
	ID       string    `json:"id"`
	Remote   string    `json:"remote"`
	Protocol string    `json:"protocol"`
	Fallback bool      `json:"fallback"`
	Streams  int       `json:"streams"`
	OpenedAt time.Time `json:"opened_at"`
}

// Actor runs every pipeline invocation of one connection on a single
// goroutine. Only Reply, Close, Info and Done are safe for other goroutines.
type Actor struct {
	cfg     Config
	profile *profile.Profile
	log     zerolog.Logger
	box     *mailbox

	top    *pipeline.Pipeline
	router *stream.Router

	openedAt time.Time
	streams  atomic.Int64
	closed   bool
	cause    error
	done     chan struct{}
}

func New(cfg Config) *Actor {
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = defaultReadBufferSize
	}
	if cfg.Handler == nil {
		cfg.Handler = HandlerFunc(func(Request, Replier) {})
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	prof := cfg.Selection.Profile
	logger = logger.With().
		Str("conn_id", cfg.ID).
		Str("remote", cfg.Remote).
		Str("protocol", prof.ID).
		Logger()
	return &Actor{
		cfg:      cfg,
		profile:  prof,
		log:      logger,
		box:      newMailbox(),
		openedAt: time.Now(),
		done:     make(chan struct{}),
	}
}

func (a *Actor) ID() string { return a.cfg.ID }

func (a *Actor) Info() Info {
	return Info{
		ID:       a.cfg.ID,
		Remote:   a.cfg.Remote,
		Protocol: a.profile.ID,
		Fallback: a.cfg.Selection.Fallback,
		Streams:  int(a.streams.Load()),
		OpenedAt: a.openedAt,
	}
}

// Done is closed once the connection is torn down.
func (a *Actor) Done() <-chan struct{} {
	return a.done
}

// Reply queues r for the connection sequence. Replies after teardown are
// dropped and counted.
func (a *Actor) Reply(r Reply) {
	if !a.box.post(envelope{kind: envReply, reply: r}) {
		a.dropReply(r, "connection closed")
	}
}

// Push queues a server-initiated reply. Only multiplexed connections can
// carry one; single-stream connections refuse it before it reaches the
// pipeline.
func (a *Actor) Push(r Reply) error {
	if !a.profile.Multiplexed {
		a.log.Warn().
			Str("destination", r.To.String()).
			Msg("push refused on single-stream connection")
		return fmt.Errorf("%w: %s", ErrPushUnsupported, a.profile.ID)
	}
	a.Reply(r)
	return nil
}

// Close asks the connection to shut down through its pipeline.
func (a *Actor) Close() {
	a.box.post(envelope{kind: envClose})
}

// Run owns the connection until teardown. It returns nil for orderly
// closes and the failure otherwise.
func (a *Actor) Run(ctx context.Context) error {
	a.start()
	go a.readLoop()
	for !a.closed {
		select {
		case <-ctx.Done():
			a.handle(envelope{kind: envClose})
			a.teardown(ctx.Err())
		case <-a.box.ready:
			for _, env := range a.box.drain() {
				a.handle(env)
			}
		}
	}
	if a.cause == nil || errors.Is(a.cause, io.EOF) || errors.Is(a.cause, ErrClosed) || errors.Is(a.cause, context.Canceled) {
		return nil
	}
	return a.cause
}

func (a *Actor) start() {
	a.top = a.profile.Pipeline.New(pipeline.Sinks{
		Application: a.onApplication,
		Transport:   a.onTransport,
		Post:        a.post,
	})
	if a.profile.Multiplexed {
		a.router = stream.NewRouter(stream.Config{
			ConnID:   a.cfg.ID,
			Template: a.profile.Stream,
			Stats:    a.cfg.Stats,
			Logger:   &a.log,
			Hooks: stream.Hooks{
				Application: a.onStreamApplication,
				Transport:   a.top.HandleCommand,
				Post:        a.post,
				Closed:      func(uint32) { a.streams.Add(-1) },
			},
		})
	}
	a.cfg.Stats.ConnectionOpened()
	a.log.Info().
		Str("requested", a.cfg.Selection.Requested).
		Bool("fallback", a.cfg.Selection.Fallback).
		Strs("stages", a.top.Names()).
		Msg("connection opened")
}

func (a *Actor) post(fn func()) {
	a.box.post(envelope{kind: envCall, fn: fn})
}

func (a *Actor) readLoop() {
	buf := make([]byte, a.cfg.ReadBufferSize)
	for {
		n, err := a.cfg.Transport.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if !a.box.post(envelope{kind: envInbound, data: data}) {
				return
			}
		}
		if err != nil {
			a.box.post(envelope{kind: envEOF, err: err})
			return
		}
	}
}

func (a *Actor) handle(env envelope) {
	if a.closed {
		if env.kind == envReply {
			a.dropReply(env.reply, "connection closed")
		}
		return
	}
	switch env.kind {
	case envInbound:
		a.top.HandleEvent(pipeline.Message{Kind: pipeline.KindBytes, Body: env.data})
	case envEOF:
		a.top.HandleEvent(pipeline.Message{Kind: pipeline.KindClosed, Err: env.err})
		a.teardown(env.err)
	case envReply:
		a.dispatch(env.reply)
	case envCall:
		env.fn()
	case envClose:
		a.top.HandleCommand(pipeline.Message{Kind: pipeline.KindClose, Err: ErrClosed})
	}
}

// dispatch is the one place a reply destination is resolved. On a
// single-stream connection every reply enters the top-level pipeline, and a
// stream id names the legacy exchange it answers.
func (a *Actor) dispatch(r Reply) {
	msg := r.Payload
	switch r.To.Kind() {
	case StreamScoped:
		if a.router == nil {
			msg.StreamID = r.To.StreamID()
			a.top.HandleCommand(msg)
			return
		}
		a.router.DeliverReply(r.To.StreamID(), msg)
	case ConnectionScoped:
		msg.StreamID = 0
		a.top.HandleCommand(msg)
	}
}

func (a *Actor) onApplication(msg pipeline.Message) {
	switch msg.Kind {
	case pipeline.KindTimeout:
		a.cfg.Stats.Timeout()
		a.log.Info().Msg("connection idle timeout")
		return
	case pipeline.KindClosed:
		return
	}
	if a.router == nil || msg.StreamID == 0 {
		to := Connection()
		if a.router == nil && msg.StreamID != 0 {
			// Legacy codecs tag each exchange so replies can be ordered.
			to = Stream(msg.StreamID)
		}
		switch msg.Kind {
		case pipeline.KindRequest, pipeline.KindChunk:
			a.deliver(to, msg)
		}
		return
	}

	id := msg.StreamID
	switch msg.Kind {
	case pipeline.KindStreamOpen:
		if _, err := a.router.Open(id); err != nil {
			a.top.HandleCommand(pipeline.Message{Kind: pipeline.KindStreamReset, StreamID: id, Err: err})
			return
		}
		a.streams.Add(1)
		a.router.Route(id, pipeline.Message{Kind: pipeline.KindRequest, Headers: msg.Headers, Body: msg.Body, Fin: msg.Fin})
	case pipeline.KindChunk:
		if !a.router.Route(id, msg) {
			a.log.Debug().Uint32("stream_id", id).Msg("data for unknown stream")
			a.top.HandleCommand(pipeline.Message{Kind: pipeline.KindStreamReset, StreamID: id, Err: stream.ErrUnknownStream})
		}
	case pipeline.KindStreamReset:
		a.router.Route(id, msg)
		a.router.Close(id)
	}
}

func (a *Actor) onStreamApplication(id uint32, msg pipeline.Message) {
	switch msg.Kind {
	case pipeline.KindRequest, pipeline.KindChunk:
		a.deliver(Stream(id), msg)
	}
}

func (a *Actor) deliver(to Destination, msg pipeline.Message) {
	a.cfg.Handler.Handle(Request{
		ConnID:   a.cfg.ID,
		Protocol: a.profile.ID,
		To:       to,
		Message:  msg,
	}, a)
}

func (a *Actor) onTransport(msg pipeline.Message) {
	switch msg.Kind {
	case pipeline.KindBytes:
		if err := a.write(msg.Body); err != nil {
			a.log.Warn().Err(err).Msg("transport write failed")
			a.teardown(err)
		}
	case pipeline.KindClose:
		a.teardown(msg.Err)
	default:
		a.log.Debug().Str("kind", msg.Kind.String()).Msg("unrendered command reached transport")
	}
}

func (a *Actor) write(b []byte) error {
	if a.closed {
		return ErrClosed
	}
	if d, ok := a.cfg.Transport.(writeDeadliner); ok && a.cfg.WriteTimeout > 0 {
		_ = d.SetWriteDeadline(time.Now().Add(a.cfg.WriteTimeout))
	}
	_, err := a.cfg.Transport.Write(b)
	return err
}

// teardown closes the stream table, the pipeline and the transport at once.
func (a *Actor) teardown(cause error) {
	if a.closed {
		return
	}
	a.closed = true
	a.cause = cause
	streams := 0
	if a.router != nil {
		streams = a.router.CloseAll()
	}
	a.top.Release()
	_ = a.cfg.Transport.Close()
	a.cfg.Stats.ConnectionClosed()
	dropped := 0
	for _, env := range a.box.close() {
		if env.kind == envReply {
			a.dropReply(env.reply, "connection closed")
			dropped++
		}
	}
	event := a.log.Info()
	if cause != nil && !errors.Is(cause, io.EOF) && !errors.Is(cause, ErrClosed) && !errors.Is(cause, net.ErrClosed) {
		event = a.log.Warn().Err(cause)
	}
	event.
		Int("streams_closed", streams).
		Int("replies_dropped", dropped).
		Dur("lifetime", time.Since(a.openedAt)).
		Msg("connection closed")
	close(a.done)
}

func (a *Actor) dropReply(r Reply, reason string) {
	a.cfg.Stats.ReplyDropped()
	a.log.Warn().
		Str("destination", r.To.String()).
		Str("kind", r.Payload.Kind.String()).
		Str("reason", reason).
		Msg("reply dropped")
}
