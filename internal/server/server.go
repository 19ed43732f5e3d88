// Package server owns the edgemux listener.
//
// Ownership boundary:
// - accept loop, accept throttling and connection tracking
// - transport-level protocol selection (TLS ALPN or plaintext preface sniffing)
// - one conn.Actor per accepted connection
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/edgemux/internal/config"
	"github.com/danmuck/edgemux/internal/conn"
	"github.com/danmuck/edgemux/internal/observability"
	"github.com/danmuck/edgemux/internal/profile"
	"github.com/danmuck/edgemux/internal/protocol/frame"
	"github.com/danmuck/edgemux/internal/stages"
	"github.com/danmuck/edgemux/internal/stats"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/soheilhy/cmux"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var ErrUnknownConnection = errors.New("server: unknown connection")

// Options carries the collaborators a Server does not build itself.
type Options struct {
	Handler conn.Handler
	// Stats defaults to a fresh aggregator when nil.
	Stats  *stats.Stats
	Logger *zerolog.Logger
}

type Server struct {
	cfg     config.Server
	table   *profile.Table
	handler conn.Handler
	stats   *stats.Stats
	log     zerolog.Logger
	tlsCfg  *tls.Config
	limiter *rate.Limiter

	mu     sync.RWMutex
	actors map[string]*conn.Actor
	wg     sync.WaitGroup
}

// PipelineOptions maps the pipeline table of cfg onto stage options. The
// observer stage is added only when stats are enabled; codecs count drops
// into st either way.
func PipelineOptions(p config.Pipeline, st *stats.Stats) stages.Options {
	return stages.Options{
		MaxRequestBody:  p.MaxRequestBody,
		PipeliningLimit: p.PipeliningLimit,
		ServerHeader:    p.ServerHeader,
		IdleTimeout:     p.IdleTimeout,
		MaxFramePayload: p.MaxFramePayload,
		Stats:           st,
		Observe:         p.Stats,
	}
}

// New composes every configured protocol profile. Any contradictory
// pipeline configuration fails here, before a listener exists.
func New(cfg config.Server, opts Options) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	st := opts.Stats
	if st == nil {
		st = stats.New()
	}
	table, err := stages.BuildTable(cfg.DefaultProtocol, cfg.Protocols, PipelineOptions(cfg.Pipeline, st))
	if err != nil {
		return nil, err
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	s := &Server{
		cfg:     cfg,
		table:   table,
		handler: opts.Handler,
		stats:   st,
		log:     logger.With().Str("component", "server").Logger(),
		actors:  make(map[string]*conn.Actor),
	}
	if cfg.AcceptRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), cfg.AcceptBurst)
	}
	if cfg.TLS.Enabled {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("server: load tls key pair: %w", err)
		}
		s.tlsCfg = table.ConfigureTLS(&tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		})
	}
	return s, nil
}

func (s *Server) Table() *profile.Table { return s.table }

func (s *Server) Stats() *stats.Stats { return s.stats }

// ListenAndServe binds cfg.ListenAddr and serves until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts on ln until ctx is canceled. With TLS enabled the
// negotiated ALPN identifier picks the profile. Without TLS the mux preface
// selects spdy/2 by prior knowledge and everything else gets the default.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	s.log.Info().
		Str("addr", ln.Addr().String()).
		Bool("tls", s.tlsCfg != nil).
		Strs("protocols", s.table.Advertise()).
		Str("default", s.table.Default().ID).
		Msg("listening")

	var err error
	if s.tlsCfg != nil {
		err = s.acceptLoop(ctx, tls.NewListener(ln, s.tlsCfg), s.negotiateTLS)
	} else {
		err = s.servePlaintext(ctx, ln)
	}
	s.wg.Wait()
	s.log.Info().Msg("listener stopped")
	return err
}

func (s *Server) servePlaintext(ctx context.Context, ln net.Listener) error {
	m := cmux.New(ln)
	muxLn := m.Match(cmux.PrefixMatcher(string(frame.Preface)))
	anyLn := m.Match(cmux.Any())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.acceptLoop(gctx, muxLn, s.priorKnowledge(profile.SPDY2))
	})
	g.Go(func() error {
		return s.acceptLoop(gctx, anyLn, s.priorKnowledge(""))
	})
	g.Go(func() error {
		if err := m.Serve(); err != nil && ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
		return nil
	})
	return g.Wait()
}

type negotiator func(ctx context.Context, c net.Conn) (profile.Selection, error)

func (s *Server) priorKnowledge(identifier string) negotiator {
	return func(context.Context, net.Conn) (profile.Selection, error) {
		return s.table.Select(identifier), nil
	}
}

func (s *Server) negotiateTLS(ctx context.Context, c net.Conn) (profile.Selection, error) {
	tc, ok := c.(*tls.Conn)
	if !ok {
		return profile.Selection{}, fmt.Errorf("server: expected tls connection, got %T", c)
	}
	if s.cfg.HandshakeTimeout > 0 {
		_ = tc.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	}
	if err := tc.HandshakeContext(ctx); err != nil {
		return profile.Selection{}, err
	}
	_ = tc.SetDeadline(time.Time{})
	return s.table.Negotiate(tc.ConnectionState()), nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, negotiate negotiator) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		if s.limiter != nil {
			start := time.Now()
			if err := s.limiter.Wait(ctx); err != nil {
				return nil
			}
			observability.RecordAcceptWait(time.Since(start))
		}
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) || errors.Is(err, cmux.ErrListenerClosed) {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go s.handleConn(ctx, c, negotiate)
	}
}

func (s *Server) handleConn(ctx context.Context, c net.Conn, negotiate negotiator) {
	defer s.wg.Done()
	remote := c.RemoteAddr().String()
	sel, err := negotiate(ctx, c)
	if err != nil {
		observability.RecordHandshakeFailure()
		s.log.Warn().Err(err).Str("remote", remote).Msg("handshake failed")
		_ = c.Close()
		return
	}
	observability.RecordAccept(sel.Profile.ID, sel.Fallback)

	actor := conn.New(conn.Config{
		ID:           newConnID(),
		Remote:       remote,
		Selection:    sel,
		Transport:    c,
		Handler:      s.handler,
		Stats:        s.stats,
		Logger:       &s.log,
		WriteTimeout: s.cfg.WriteTimeout,
	})
	s.track(actor)
	defer s.untrack(actor)
	if err := actor.Run(ctx); err != nil {
		s.log.Debug().Err(err).Str("conn_id", actor.ID()).Msg("connection ended with error")
	}
}

func newConnID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (s *Server) track(a *conn.Actor) {
	s.mu.Lock()
	s.actors[a.ID()] = a
	s.mu.Unlock()
}

func (s *Server) untrack(a *conn.Actor) {
	s.mu.Lock()
	delete(s.actors, a.ID())
	s.mu.Unlock()
}

func (s *Server) lookup(id string) (*conn.Actor, error) {
	s.mu.RLock()
	a, ok := s.actors[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownConnection, id)
	}
	return a, nil
}

// Connections lists live connections, oldest first.
func (s *Server) Connections() []conn.Info {
	s.mu.RLock()
	out := make([]conn.Info, 0, len(s.actors))
	for _, a := range s.actors {
		out = append(out, a.Info())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// Push hands r to the connection id from outside its sequence. Single-stream
// connections refuse with conn.ErrPushUnsupported.
func (s *Server) Push(id string, r conn.Reply) error {
	a, err := s.lookup(id)
	if err != nil {
		return err
	}
	return a.Push(r)
}

// CloseConnection asks the connection id to shut down.
func (s *Server) CloseConnection(id string) error {
	a, err := s.lookup(id)
	if err != nil {
		return err
	}
	a.Close()
	return nil
}
