// Package client owns a small edgemux probe client.
//
// Ownership boundary:
// - dialing with retry, ALPN offer or plaintext prior knowledge
// - request/response exchanges over either protocol
// - connection-scoped pushes on multiplexed connections
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/edgemux/internal/profile"
	"github.com/danmuck/edgemux/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

var (
	ErrClosed        = errors.New("client: connection closed")
	ErrStreamReset   = errors.New("client: stream reset")
	ErrGoAway        = errors.New("client: server sent goaway")
	ErrInvalidConfig = errors.New("client: invalid config")
)

type Config struct {
	Addr string
	// Protocol is offered through ALPN when TLS is set and used by prior
	// knowledge otherwise.
	Protocol    string
	TLS         *tls.Config
	DialTimeout time.Duration
	Attempts    int
	Backoff     Backoff
	Limits      frame.Limits
}

func DefaultConfig() Config {
	return Config{
		Protocol:    profile.SPDY2,
		DialTimeout: 5 * time.Second,
		Attempts:    3,
		Backoff:     DefaultBackoff(),
		Limits:      frame.DefaultLimits(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.Attempts <= 0 {
		c.Attempts = 1
	}
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits = def.Limits
	}
	return c
}

type Request struct {
	Method  string
	Path    string
	Headers map[string]string
	Body    []byte
}

type Response struct {
	// StreamID is zero for legacy exchanges and pushes.
	StreamID uint32
	Status   int
	Headers  map[string]string
	Body     []byte
}

type exchanger interface {
	do(ctx context.Context, req Request) (Response, error)
	pushes() <-chan Response
	close() error
}

// Conn is one client connection. Do is safe for concurrent use; legacy
// connections serialize exchanges.
type Conn struct {
	protocol   string
	negotiated string
	x          exchanger
}

// Dial connects to cfg.Addr, retrying with cfg.Backoff.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("%w: missing addr", ErrInvalidConfig)
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var lastErr error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		c, err := dialOnce(ctx, cfg)
		if err == nil {
			return c, nil
		}
		lastErr = err
		if attempt == cfg.Attempts || ctx.Err() != nil {
			break
		}
		delay := cfg.Backoff.Delay(attempt, rng)
		log.Debug().Err(err).Int("attempt", attempt).Dur("delay", delay).Str("addr", cfg.Addr).Msg("dial failed, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("client: dial %s: %w", cfg.Addr, lastErr)
}

func dialOnce(ctx context.Context, cfg Config) (*Conn, error) {
	d := &net.Dialer{Timeout: cfg.DialTimeout}
	if cfg.TLS == nil {
		nc, err := d.DialContext(ctx, "tcp", cfg.Addr)
		if err != nil {
			return nil, err
		}
		return wrap(nc, cfg, cfg.Protocol, "")
	}
	tcfg := cfg.TLS.Clone()
	if cfg.Protocol != "" {
		tcfg.NextProtos = []string{cfg.Protocol}
	}
	td := &tls.Dialer{NetDialer: d, Config: tcfg}
	nc, err := td.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}
	negotiated := nc.(*tls.Conn).ConnectionState().NegotiatedProtocol
	// Without ALPN agreement the server falls back to its default profile,
	// which this client treats as the legacy protocol.
	protocol := negotiated
	if protocol == "" {
		protocol = profile.HTTP11
	}
	return wrap(nc, cfg, protocol, negotiated)
}

func wrap(nc net.Conn, cfg Config, protocol, negotiated string) (*Conn, error) {
	switch protocol {
	case profile.SPDY2:
		x, err := newMuxConn(nc, cfg.Limits)
		if err != nil {
			_ = nc.Close()
			return nil, err
		}
		return &Conn{protocol: protocol, negotiated: negotiated, x: x}, nil
	default:
		return &Conn{protocol: profile.HTTP11, negotiated: negotiated, x: newLegacyConn(nc, cfg.Addr)}, nil
	}
}

// Protocol is the protocol this client speaks on the connection.
func (c *Conn) Protocol() string { return c.protocol }

// Negotiated is the ALPN result; empty for plaintext or no agreement.
func (c *Conn) Negotiated() string { return c.negotiated }

func (c *Conn) Do(ctx context.Context, req Request) (Response, error) {
	if req.Method == "" {
		req.Method = "GET"
		if len(req.Body) > 0 {
			req.Method = "POST"
		}
	}
	if !strings.HasPrefix(req.Path, "/") {
		req.Path = "/" + req.Path
	}
	return c.x.do(ctx, req)
}

func (c *Conn) Get(ctx context.Context, path string) (Response, error) {
	return c.Do(ctx, Request{Method: "GET", Path: path})
}

// Pushes delivers connection-scoped messages from the server. It is nil on
// legacy connections and closed once a multiplexed connection ends.
func (c *Conn) Pushes() <-chan Response { return c.x.pushes() }

func (c *Conn) Close() error { return c.x.close() }

func parseStatus(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}
