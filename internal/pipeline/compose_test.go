package pipeline

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/edgemux/internal/testutil/testlog"
)

type testConfig struct {
	enabled map[string]bool
	limit   int
}

// tagEntry appends its name to request bodies and response bodies so the
// traversal order is visible at both sinks.
func tagEntry(name string) Spec[testConfig] {
	return Entry(name, func(testConfig) (Factory, error) {
		return func() Stage {
			return &StageFuncs{
				StageName: name,
				OnEvent: func(ctx *Context, msg Message) {
					msg.Body = append(append([]byte{}, msg.Body...), []byte(name+">")...)
					ctx.SendEvent(msg)
				},
				OnCommand: func(ctx *Context, msg Message) {
					msg.Body = append(append([]byte{}, msg.Body...), []byte("<"+name)...)
					ctx.SendCommand(msg)
				},
			}
		}, nil
	})
}

func gated(name string) Spec[testConfig] {
	return tagEntry(name).If(func(cfg testConfig) bool { return cfg.enabled[name] })
}

type recorder struct {
	events   []Message
	commands []Message
}

func (r *recorder) sinks() Sinks {
	return Sinks{
		Application: func(m Message) { r.events = append(r.events, m) },
		Transport:   func(m Message) { r.commands = append(r.commands, m) },
	}
}

func drive(t *testing.T, tmpl *Template) (string, string) {
	t.Helper()
	rec := &recorder{}
	p := tmpl.New(rec.sinks())
	p.HandleEvent(Message{Kind: KindBytes})
	p.HandleCommand(Message{Kind: KindBytes})
	if len(rec.events) != 1 || len(rec.commands) != 1 {
		t.Fatalf("unexpected sink counts events=%d commands=%d", len(rec.events), len(rec.commands))
	}
	return string(rec.events[0].Body), string(rec.commands[0].Body)
}

func TestComposeOrdersEventsForwardAndCommandsReverse(t *testing.T) {
	testlog.Start(t)
	tmpl, err := Compose(testConfig{}, tagEntry("a"), tagEntry("b"), tagEntry("c"))
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	ev, cmd := drive(t, tmpl)
	if ev != "a>b>c>" {
		t.Fatalf("unexpected event order: %q", ev)
	}
	if cmd != "<c<b<a" {
		t.Fatalf("unexpected command order: %q", cmd)
	}
}

func TestComposeElidesDisabledEntries(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig{enabled: map[string]bool{"a": true, "c": true}}
	filtered, err := Compose(cfg, gated("a"), gated("b"), gated("c"), gated("d"))
	if err != nil {
		t.Fatalf("compose filtered: %v", err)
	}
	direct, err := Compose(cfg, tagEntry("a"), tagEntry("c"))
	if err != nil {
		t.Fatalf("compose direct: %v", err)
	}
	if !reflect.DeepEqual(filtered.Names(), []string{"a", "c"}) {
		t.Fatalf("unexpected membership: %v", filtered.Names())
	}
	fe, fc := drive(t, filtered)
	de, dc := drive(t, direct)
	if fe != de || fc != dc {
		t.Fatalf("filtered=%q/%q direct=%q/%q", fe, fc, de, dc)
	}
}

func TestComposePredicateEvaluatedOncePerBuild(t *testing.T) {
	testlog.Start(t)
	calls := 0
	spec := tagEntry("a").If(func(testConfig) bool {
		calls++
		return true
	})
	tmpl, err := Compose(testConfig{}, spec)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	for i := 0; i < 5; i++ {
		drive(t, tmpl)
	}
	if calls != 1 {
		t.Fatalf("predicate evaluated %d times", calls)
	}
}

func TestComposeGroupingIsAssociative(t *testing.T) {
	testlog.Start(t)
	left, err := Compose(testConfig{}, Group(tagEntry("a"), tagEntry("b")), tagEntry("c"))
	if err != nil {
		t.Fatalf("compose left: %v", err)
	}
	right, err := Compose(testConfig{}, tagEntry("a"), Group(tagEntry("b"), tagEntry("c")))
	if err != nil {
		t.Fatalf("compose right: %v", err)
	}
	le, lc := drive(t, left)
	re, rc := drive(t, right)
	if le != re || lc != rc {
		t.Fatalf("left=%q/%q right=%q/%q", le, lc, re, rc)
	}
}

func TestComposeDisabledGroupOmitsChildren(t *testing.T) {
	testlog.Start(t)
	group := Group(tagEntry("a"), tagEntry("b")).If(func(testConfig) bool { return false })
	tmpl, err := Compose(testConfig{}, group, tagEntry("c"))
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if tmpl.String() != "[c]" {
		t.Fatalf("unexpected template: %s", tmpl)
	}
}

func TestComposeRejectsContradictoryConfig(t *testing.T) {
	testlog.Start(t)
	limited := Entry("limit", func(cfg testConfig) (Factory, error) {
		if cfg.limit < 0 {
			return nil, errors.New("negative limit")
		}
		return func() Stage { return &StageFuncs{StageName: "limit"} }, nil
	})
	_, err := Compose(testConfig{limit: -1}, tagEntry("a"), limited)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) || cfgErr.Stage != "limit" {
		t.Fatalf("expected config error naming stage, got %v", err)
	}
	if !strings.Contains(err.Error(), "negative limit") {
		t.Fatalf("expected cause in message: %v", err)
	}
}

func TestComposeRejectsDuplicateAndIncompleteEntries(t *testing.T) {
	testlog.Start(t)
	if _, err := Compose(testConfig{}, tagEntry("a"), tagEntry("a")); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}
	if _, err := Compose(testConfig{}, Spec[testConfig]{Name: "nobuild"}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected missing builder rejection, got %v", err)
	}
}

func TestPipelineInstancesHaveIndependentState(t *testing.T) {
	testlog.Start(t)
	counting := Entry("count", func(testConfig) (Factory, error) {
		return func() Stage {
			n := 0
			return &StageFuncs{
				StageName: "count",
				OnEvent: func(ctx *Context, msg Message) {
					n++
					msg.Headers = map[string]string{"n": string(rune('0' + n))}
					ctx.SendEvent(msg)
				},
			}
		}, nil
	})
	tmpl, err := Compose(testConfig{}, counting)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	recA, recB := &recorder{}, &recorder{}
	a := tmpl.New(recA.sinks())
	b := tmpl.New(recB.sinks())
	a.HandleEvent(Message{Kind: KindRequest})
	a.HandleEvent(Message{Kind: KindRequest})
	b.HandleEvent(Message{Kind: KindRequest})
	if got := recA.events[1].Header("n"); got != "2" {
		t.Fatalf("unexpected count on a: %q", got)
	}
	if got := recB.events[0].Header("n"); got != "1" {
		t.Fatalf("unexpected count on b: %q", got)
	}
}

func TestStageTurnsEventIntoCommand(t *testing.T) {
	testlog.Start(t)
	bounce := Entry("bounce", func(testConfig) (Factory, error) {
		return func() Stage {
			return &StageFuncs{
				StageName: "bounce",
				OnEvent: func(ctx *Context, msg Message) {
					ctx.SendCommand(Message{Kind: KindResponse, Fin: true})
				},
			}
		}, nil
	})
	tmpl, err := Compose(testConfig{}, tagEntry("outer"), bounce, tagEntry("inner"))
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	rec := &recorder{}
	tmpl.New(rec.sinks()).HandleEvent(Message{Kind: KindRequest})
	if len(rec.events) != 0 {
		t.Fatalf("event should not reach application")
	}
	if len(rec.commands) != 1 || string(rec.commands[0].Body) != "<outer" {
		t.Fatalf("unexpected commands: %+v", rec.commands)
	}
}

func TestReleasedPipelineIgnoresMessages(t *testing.T) {
	testlog.Start(t)
	tmpl, err := Compose(testConfig{}, tagEntry("a"))
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	rec := &recorder{}
	p := tmpl.New(rec.sinks())
	p.Release()
	p.HandleEvent(Message{Kind: KindBytes})
	p.HandleCommand(Message{Kind: KindBytes})
	if len(rec.events)+len(rec.commands) != 0 {
		t.Fatalf("released pipeline delivered messages")
	}
}

func TestContextAfterRunsOnPostedSequence(t *testing.T) {
	testlog.Start(t)
	posted := make(chan func(), 4)
	var ctx *Context
	grab := Entry("grab", func(testConfig) (Factory, error) {
		return func() Stage {
			return &startStage{onStart: func(c *Context) { ctx = c }}
		}, nil
	})
	tmpl, err := Compose(testConfig{}, grab)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	rec := &recorder{}
	sinks := rec.sinks()
	sinks.Post = func(fn func()) { posted <- fn }
	tmpl.New(sinks)
	if ctx == nil {
		t.Fatalf("start hook not called")
	}

	fired := false
	ctx.After(5*time.Millisecond, func() { fired = true })
	stopped := ctx.After(5*time.Millisecond, func() { t.Errorf("stopped timer fired") })
	stopped.Stop()

	deadline := time.After(2 * time.Second)
	for !fired {
		select {
		case fn := <-posted:
			fn()
		case <-deadline:
			t.Fatalf("timer callback never ran")
		}
	}
}

type startStage struct {
	onStart func(*Context)
}

func (s *startStage) Name() string { return "grab" }
func (s *startStage) Start(ctx *Context) { s.onStart(ctx) }
func (s *startStage) HandleEvent(ctx *Context, msg Message) { ctx.SendEvent(msg) }
func (s *startStage) HandleCommand(ctx *Context, msg Message) { ctx.SendCommand(msg) }
