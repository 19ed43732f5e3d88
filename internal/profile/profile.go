// Package profile owns protocol selection.
//
// Ownership boundary:
// - negotiated identifier -> pipeline template table
// - advertised preference order for transport negotiation
// - default fallback for absent or unknown identifiers
package profile

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/edgemux/internal/pipeline"
)

const (
	HTTP11 = "http/1.1"
	SPDY2  = "spdy/2"
)

var (
	ErrInvalidProfile   = errors.New("profile: invalid profile")
	ErrDuplicateProfile = errors.New("profile: duplicate identifier")
	ErrNoDefault        = errors.New("profile: default identifier not registered")
)

// Profile binds one negotiated identifier to its composed pipeline.
//
// Multiplexed profiles also carry the template instantiated once per stream.
type Profile struct {
	ID          string
	Multiplexed bool
	Pipeline    *pipeline.Template
	Stream      *pipeline.Template
}

func (p Profile) validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidProfile)
	}
	if p.Pipeline == nil {
		return fmt.Errorf("%w: %q missing pipeline", ErrInvalidProfile, p.ID)
	}
	if p.Multiplexed && p.Stream == nil {
		return fmt.Errorf("%w: %q multiplexed without stream pipeline", ErrInvalidProfile, p.ID)
	}
	if !p.Multiplexed && p.Stream != nil {
		return fmt.Errorf("%w: %q stream pipeline on single-stream profile", ErrInvalidProfile, p.ID)
	}
	return nil
}

// Selection is the outcome of one negotiation.
type Selection struct {
	// Requested is what the transport reported; "" when nothing was negotiated.
	Requested string
	Profile   *Profile
	// Fallback is true when Profile is the default because Requested was
	// absent or unknown.
	Fallback bool
}

// Table is the immutable profile set of one server.
type Table struct {
	order []string
	byID  map[string]*Profile
	def   *Profile
}

// NewTable registers profiles in preference order. defaultID must be one of them.
func NewTable(defaultID string, profiles ...Profile) (*Table, error) {
	t := &Table{byID: make(map[string]*Profile, len(profiles))}
	for _, p := range profiles {
		if err := p.validate(); err != nil {
			return nil, err
		}
		if _, dup := t.byID[p.ID]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateProfile, p.ID)
		}
		t.byID[p.ID] = &p
		t.order = append(t.order, p.ID)
	}
	def, ok := t.byID[defaultID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoDefault, defaultID)
	}
	t.def = def
	return t, nil
}

// Advertise returns known identifiers in preference order.
func (t *Table) Advertise() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// ConfigureTLS returns a clone of cfg advertising the table through ALPN.
//
// A client offering only identifiers the table does not know completes the
// handshake without ALPN and lands on the default profile. Any
// GetConfigForClient already set on cfg is replaced.
func (t *Table) ConfigureTLS(cfg *tls.Config) *tls.Config {
	var out *tls.Config
	if cfg == nil {
		out = &tls.Config{MinVersion: tls.VersionTLS12}
	} else {
		out = cfg.Clone()
	}
	out.NextProtos = t.Advertise()
	bare := out.Clone()
	bare.NextProtos = nil
	out.GetConfigForClient = func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
		for _, id := range hello.SupportedProtos {
			if _, ok := t.byID[id]; ok {
				return nil, nil
			}
		}
		return bare, nil
	}
	return out
}

// Default returns the fallback profile.
func (t *Table) Default() *Profile {
	return t.def
}

// Lookup returns the profile registered for id.
func (t *Table) Lookup(id string) (*Profile, bool) {
	p, ok := t.byID[id]
	return p, ok
}

// Select resolves a negotiated identifier. Unknown and absent identifiers
// resolve to the default profile; neither is an error.
func (t *Table) Select(identifier string) Selection {
	if p, ok := t.byID[identifier]; ok {
		return Selection{Requested: identifier, Profile: p}
	}
	return Selection{Requested: identifier, Profile: t.def, Fallback: true}
}

// Negotiate resolves the outcome of a completed TLS handshake.
func (t *Table) Negotiate(state tls.ConnectionState) Selection {
	return t.Select(state.NegotiatedProtocol)
}
