package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidConfig = errors.New("pipeline: invalid config")

// ConfigError reports a catalogue entry rejected at build time.
type ConfigError struct {
	Stage string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("pipeline: invalid config for stage %q: %v", e.Stage, e.Err)
}

func (e *ConfigError) Unwrap() []error {
	return []error{ErrInvalidConfig, e.Err}
}

// Spec is one catalogue entry: a stage builder gated by a static predicate
// over the build configuration C. A Spec may also be a group of entries.
type Spec[C any] struct {
	Name    string
	Enabled func(cfg C) bool
	Build   func(cfg C) (Factory, error)

	group []Spec[C]
}

// Entry declares a stage that is always part of the chain unless gated with If.
func Entry[C any](name string, build func(cfg C) (Factory, error)) Spec[C] {
	return Spec[C]{Name: name, Build: build}
}

// Group nests entries. Composition flattens groups, so grouping never
// changes the resulting chain.
func Group[C any](specs ...Spec[C]) Spec[C] {
	out := make([]Spec[C], len(specs))
	copy(out, specs)
	return Spec[C]{group: out}
}

// If gates the entry (or group) behind pred, evaluated once at build time.
func (s Spec[C]) If(pred func(cfg C) bool) Spec[C] {
	prev := s.Enabled
	s.Enabled = func(cfg C) bool {
		if prev != nil && !prev(cfg) {
			return false
		}
		return pred(cfg)
	}
	return s
}

// Template is an immutable validated chain of stage factories.
type Template struct {
	names     []string
	factories []Factory
}

// Compose evaluates every predicate once against cfg and builds the chain
// of enabled stages in declaration order. Disabled entries are omitted.
func Compose[C any](cfg C, specs ...Spec[C]) (*Template, error) {
	t := &Template{}
	seen := make(map[string]struct{})
	if err := flatten(t, cfg, specs, seen); err != nil {
		return nil, err
	}
	return t, nil
}

func flatten[C any](t *Template, cfg C, specs []Spec[C], seen map[string]struct{}) error {
	for _, spec := range specs {
		if spec.Enabled != nil && !spec.Enabled(cfg) {
			continue
		}
		if spec.group != nil {
			if err := flatten(t, cfg, spec.group, seen); err != nil {
				return err
			}
			continue
		}
		name := strings.TrimSpace(spec.Name)
		if name == "" {
			return &ConfigError{Stage: "?", Err: errors.New("missing stage name")}
		}
		if _, dup := seen[name]; dup {
			return &ConfigError{Stage: name, Err: errors.New("duplicate stage")}
		}
		if spec.Build == nil {
			return &ConfigError{Stage: name, Err: errors.New("missing builder")}
		}
		factory, err := spec.Build(cfg)
		if err != nil {
			return &ConfigError{Stage: name, Err: err}
		}
		if factory == nil {
			return &ConfigError{Stage: name, Err: errors.New("builder returned no factory")}
		}
		seen[name] = struct{}{}
		t.names = append(t.names, name)
		t.factories = append(t.factories, factory)
	}
	return nil
}

// New instantiates the chain with fresh stage state bound to sinks.
func (t *Template) New(sinks Sinks) *Pipeline {
	return newPipeline(t.factories, sinks)
}

// Names lists member stages in event order.
func (t *Template) Names() []string {
	out := make([]string, len(t.names))
	copy(out, t.names)
	return out
}

// Len returns the number of member stages.
func (t *Template) Len() int {
	return len(t.names)
}

func (t *Template) String() string {
	return "[" + strings.Join(t.names, " -> ") + "]"
}
