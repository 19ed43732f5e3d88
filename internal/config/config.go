// Package config owns the edgemuxd configuration surface.
//
// Ownership boundary:
// - TOML file schema and default overlay
// - startup validation of listener and admin settings
// - configgen template rendering
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

var ErrInvalidConfig = errors.New("config: invalid config")

// Server is the full runtime configuration of edgemuxd. An empty AdminAddr
// disables the admin surface; an empty AdminToken leaves it unauthenticated.
type Server struct {
	ListenAddr       string
	AdminAddr        string
	AdminToken       string
	CorsOrigins      []string
	DefaultProtocol  string
	Protocols        []string
	AcceptRate       float64
	AcceptBurst      int
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	TLS              TLS
	Pipeline         Pipeline
	App              App
}

type TLS struct {
	Enabled  bool
	CertFile string
	KeyFile  string
}

// Pipeline holds the build-time stage toggles. Zero disables a stage;
// negative values are rejected when the pipelines are composed.
type Pipeline struct {
	MaxRequestBody  int64
	PipeliningLimit int
	Stats           bool
	ServerHeader    string
	IdleTimeout     time.Duration
	MaxFramePayload uint32
}

type App struct {
	ReplyDelay time.Duration
}

func Default() Server {
	return Server{
		ListenAddr:       ":8443",
		AdminAddr:        "127.0.0.1:9090",
		CorsOrigins:      []string{"http://localhost:3000"},
		DefaultProtocol:  "http/1.1",
		Protocols:        []string{"spdy/2", "http/1.1"},
		AcceptRate:       0,
		AcceptBurst:      0,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     30 * time.Second,
		TLS:              TLS{Enabled: false},
		Pipeline: Pipeline{
			MaxRequestBody:  1 << 20,
			PipeliningLimit: 1,
			Stats:           true,
			ServerHeader:    "edgemux",
			IdleTimeout:     2 * time.Minute,
			MaxFramePayload: 1 << 16,
		},
		App: App{ReplyDelay: 0},
	}
}

// fileConfig is the TOML key mapping. Durations are Go duration strings.
type fileConfig struct {
	ListenAddr       string   `toml:"listen_addr"`
	AdminAddr        string   `toml:"admin_addr"`
	AdminToken       string   `toml:"admin_token"`
	CorsOrigins      []string `toml:"cors_origins"`
	DefaultProtocol  string   `toml:"default_protocol"`
	Protocols        []string `toml:"protocols"`
	AcceptRate       float64  `toml:"accept_rate"`
	AcceptBurst      int      `toml:"accept_burst"`
	HandshakeTimeout string   `toml:"handshake_timeout"`
	WriteTimeout     string   `toml:"write_timeout"`
	TLS              tlsFile  `toml:"tls"`
	Pipeline         pipeFile `toml:"pipeline"`
	App              appFile  `toml:"app"`
}

type tlsFile struct {
	Enabled  bool   `toml:"enabled"`
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
}

type pipeFile struct {
	MaxRequestBody  int64  `toml:"max_request_body"`
	PipeliningLimit int    `toml:"pipelining_limit"`
	Stats           bool   `toml:"stats"`
	ServerHeader    string `toml:"server_header"`
	IdleTimeout     string `toml:"idle_timeout"`
	MaxFramePayload uint32 `toml:"max_frame_payload"`
}

type appFile struct {
	ReplyDelay string `toml:"reply_delay"`
}

// Load overlays the keys present in path onto Default and validates the result.
func Load(path string) (Server, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Server{}, fmt.Errorf("load edgemux config: %w", err)
	}

	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeList(raw.CorsOrigins)
	}
	if meta.IsDefined("default_protocol") {
		cfg.DefaultProtocol = strings.TrimSpace(raw.DefaultProtocol)
	}
	if meta.IsDefined("protocols") {
		cfg.Protocols = normalizeList(raw.Protocols)
	}
	if meta.IsDefined("accept_rate") {
		cfg.AcceptRate = raw.AcceptRate
	}
	if meta.IsDefined("accept_burst") {
		cfg.AcceptBurst = raw.AcceptBurst
	}
	if meta.IsDefined("handshake_timeout") {
		if cfg.HandshakeTimeout, err = parseDuration("handshake_timeout", raw.HandshakeTimeout); err != nil {
			return Server{}, err
		}
	}
	if meta.IsDefined("write_timeout") {
		if cfg.WriteTimeout, err = parseDuration("write_timeout", raw.WriteTimeout); err != nil {
			return Server{}, err
		}
	}

	if meta.IsDefined("tls", "enabled") {
		cfg.TLS.Enabled = raw.TLS.Enabled
	}
	if meta.IsDefined("tls", "cert_file") {
		cfg.TLS.CertFile = strings.TrimSpace(raw.TLS.CertFile)
	}
	if meta.IsDefined("tls", "key_file") {
		cfg.TLS.KeyFile = strings.TrimSpace(raw.TLS.KeyFile)
	}

	if meta.IsDefined("pipeline", "max_request_body") {
		cfg.Pipeline.MaxRequestBody = raw.Pipeline.MaxRequestBody
	}
	if meta.IsDefined("pipeline", "pipelining_limit") {
		cfg.Pipeline.PipeliningLimit = raw.Pipeline.PipeliningLimit
	}
	if meta.IsDefined("pipeline", "stats") {
		cfg.Pipeline.Stats = raw.Pipeline.Stats
	}
	if meta.IsDefined("pipeline", "server_header") {
		cfg.Pipeline.ServerHeader = raw.Pipeline.ServerHeader
	}
	if meta.IsDefined("pipeline", "idle_timeout") {
		if cfg.Pipeline.IdleTimeout, err = parseDuration("pipeline.idle_timeout", raw.Pipeline.IdleTimeout); err != nil {
			return Server{}, err
		}
	}
	if meta.IsDefined("pipeline", "max_frame_payload") {
		cfg.Pipeline.MaxFramePayload = raw.Pipeline.MaxFramePayload
	}

	if meta.IsDefined("app", "reply_delay") {
		if cfg.App.ReplyDelay, err = parseDuration("app.reply_delay", raw.App.ReplyDelay); err != nil {
			return Server{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

// Validate checks listener, protocol and admin settings. Stage values are
// checked by the stage builders when the pipelines are composed.
func (s Server) Validate() error {
	if err := validateAddr("listen_addr", s.ListenAddr, true); err != nil {
		return err
	}
	if err := validateAddr("admin_addr", s.AdminAddr, false); err != nil {
		return err
	}
	if len(s.Protocols) == 0 {
		return fmt.Errorf("%w: protocols is empty", ErrInvalidConfig)
	}
	seen := make(map[string]struct{}, len(s.Protocols))
	for _, p := range s.Protocols {
		if _, dup := seen[p]; dup {
			return fmt.Errorf("%w: duplicate protocol %q", ErrInvalidConfig, p)
		}
		seen[p] = struct{}{}
	}
	if _, ok := seen[s.DefaultProtocol]; !ok {
		return fmt.Errorf("%w: default_protocol %q not in protocols", ErrInvalidConfig, s.DefaultProtocol)
	}
	if s.AcceptRate < 0 {
		return fmt.Errorf("%w: negative accept_rate", ErrInvalidConfig)
	}
	if s.AcceptBurst < 0 {
		return fmt.Errorf("%w: negative accept_burst", ErrInvalidConfig)
	}
	if s.AcceptRate > 0 && s.AcceptBurst == 0 {
		return fmt.Errorf("%w: accept_burst required when accept_rate is set", ErrInvalidConfig)
	}
	if s.HandshakeTimeout < 0 || s.WriteTimeout < 0 || s.App.ReplyDelay < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidConfig)
	}
	if s.TLS.Enabled && (s.TLS.CertFile == "" || s.TLS.KeyFile == "") {
		return fmt.Errorf("%w: tls enabled without cert_file and key_file", ErrInvalidConfig)
	}
	return nil
}

func validateAddr(key, addr string, required bool) error {
	if addr == "" {
		if required {
			return fmt.Errorf("%w: %s is required", ErrInvalidConfig, key)
		}
		return nil
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%w: %s %q: %v", ErrInvalidConfig, key, addr, err)
	}
	return nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, key, err)
	}
	return d, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
