package stages

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/edgemux/internal/pipeline"
	"github.com/danmuck/edgemux/internal/profile"
	"github.com/danmuck/edgemux/internal/stats"
)

const (
	IdleName       = "idle"
	HTTP1Name      = "http1"
	MuxName        = "mux"
	AggregateName  = "aggregate"
	PipeliningName = "pipelining"
	HeaderName     = "header"
)

var ErrUnknownProtocol = errors.New("stages: unknown protocol")

// Options is the build-time configuration every catalogue gate reads.
//
// Zero disables a limit-driven stage; negative values are rejected.
type Options struct {
	MaxRequestBody  int64
	PipeliningLimit int
	ServerHeader    string
	IdleTimeout     time.Duration
	MaxFramePayload uint32
	// Stats is the shared aggregator codecs count dropped replies into.
	Stats *stats.Stats
	// Observe adds the observer stage to every exchange chain.
	Observe bool
}

func (o Options) statsEnabled() bool { return o.Observe && o.Stats != nil }

func idleSpec() pipeline.Spec[Options] {
	return pipeline.Entry(IdleName, func(o Options) (pipeline.Factory, error) {
		if o.IdleTimeout < 0 {
			return nil, fmt.Errorf("negative idle timeout %s", o.IdleTimeout)
		}
		d := o.IdleTimeout
		return func() pipeline.Stage { return NewIdle(d) }, nil
	}).If(func(o Options) bool { return o.IdleTimeout != 0 })
}

func aggregateSpec() pipeline.Spec[Options] {
	return pipeline.Entry(AggregateName, func(o Options) (pipeline.Factory, error) {
		if o.MaxRequestBody < 0 {
			return nil, fmt.Errorf("negative max request body %d", o.MaxRequestBody)
		}
		limit := o.MaxRequestBody
		return func() pipeline.Stage { return NewAggregate(limit) }, nil
	}).If(func(o Options) bool { return o.MaxRequestBody != 0 })
}

func pipeliningSpec() pipeline.Spec[Options] {
	return pipeline.Entry(PipeliningName, func(o Options) (pipeline.Factory, error) {
		if o.PipeliningLimit < 0 {
			return nil, fmt.Errorf("negative pipelining limit %d", o.PipeliningLimit)
		}
		limit := o.PipeliningLimit
		return func() pipeline.Stage { return NewPipelining(limit) }, nil
	}).If(func(o Options) bool { return o.PipeliningLimit != 0 })
}

func headerSpec() pipeline.Spec[Options] {
	return pipeline.Entry(HeaderName, func(o Options) (pipeline.Factory, error) {
		if strings.ContainsAny(o.ServerHeader, "\r\n") {
			return nil, fmt.Errorf("server header contains line break")
		}
		value := o.ServerHeader
		return func() pipeline.Stage { return NewHeader("server", value) }, nil
	}).If(func(o Options) bool { return o.ServerHeader != "" })
}

func statsSpec() pipeline.Spec[Options] {
	return pipeline.Entry(stats.ObserverName, func(o Options) (pipeline.Factory, error) {
		return stats.Factory(o.Stats), nil
	}).If(Options.statsEnabled)
}

// exchange is shared by the legacy chain and every multiplexed stream.
func exchange() pipeline.Spec[Options] {
	return pipeline.Group(aggregateSpec(), headerSpec(), statsSpec())
}

// LegacySpecs is the single-stream chain: transport-side stages first.
func LegacySpecs() []pipeline.Spec[Options] {
	return []pipeline.Spec[Options]{
		idleSpec(),
		pipeline.Entry(HTTP1Name, func(o Options) (pipeline.Factory, error) {
			st := o.Stats
			return func() pipeline.Stage { return NewHTTP1(st) }, nil
		}),
		pipeliningSpec(),
		exchange(),
	}
}

// MuxSpecs is the connection-level chain of a multiplexed profile.
func MuxSpecs() []pipeline.Spec[Options] {
	return []pipeline.Spec[Options]{
		idleSpec(),
		pipeline.Entry(MuxName, func(o Options) (pipeline.Factory, error) {
			limits, st := muxLimits(o), o.Stats
			return func() pipeline.Stage { return NewMux(limits, st) }, nil
		}),
	}
}

// StreamSpecs is the chain instantiated once per multiplexed stream.
func StreamSpecs() []pipeline.Spec[Options] {
	return []pipeline.Spec[Options]{exchange()}
}

// BuildProfile composes the profile registered for id.
func BuildProfile(id string, o Options) (profile.Profile, error) {
	switch id {
	case profile.HTTP11:
		top, err := pipeline.Compose(o, LegacySpecs()...)
		if err != nil {
			return profile.Profile{}, err
		}
		return profile.Profile{ID: id, Pipeline: top}, nil
	case profile.SPDY2:
		top, err := pipeline.Compose(o, MuxSpecs()...)
		if err != nil {
			return profile.Profile{}, err
		}
		per, err := pipeline.Compose(o, StreamSpecs()...)
		if err != nil {
			return profile.Profile{}, err
		}
		return profile.Profile{ID: id, Multiplexed: true, Pipeline: top, Stream: per}, nil
	default:
		return profile.Profile{}, fmt.Errorf("%w: %q", ErrUnknownProtocol, id)
	}
}

// BuildTable composes every protocol in preference order.
func BuildTable(defaultID string, protocols []string, o Options) (*profile.Table, error) {
	profiles := make([]profile.Profile, 0, len(protocols))
	for _, id := range protocols {
		p, err := BuildProfile(id, o)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profile.NewTable(defaultID, profiles...)
}
