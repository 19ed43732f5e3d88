package app

import (
	"sync"
	"testing"
	"time"

	"github.com/danmuck/edgemux/internal/conn"
	"github.com/danmuck/edgemux/internal/pipeline"
	"github.com/danmuck/edgemux/internal/testutil/testlog"
)

type replies struct {
	mu  sync.Mutex
	got []conn.Reply
}

func (r *replies) Reply(rep conn.Reply) {
	r.mu.Lock()
	r.got = append(r.got, rep)
	r.mu.Unlock()
}

func (r *replies) snapshot() []conn.Reply {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]conn.Reply(nil), r.got...)
}

func request(to conn.Destination, body string, fin bool) conn.Request {
	return conn.Request{
		ConnID: "c1",
		To:     to,
		Message: pipeline.Message{
			Kind:    pipeline.KindRequest,
			Headers: map[string]string{":path": "/echo", "content-type": "text/plain"},
			Body:    []byte(body),
			Fin:     fin,
		},
	}
}

func chunk(to conn.Destination, body string, fin bool) conn.Request {
	return conn.Request{
		ConnID:  "c1",
		To:      to,
		Message: pipeline.Message{Kind: pipeline.KindChunk, Body: []byte(body), Fin: fin},
	}
}

func TestEchoRepliesToCompleteRequest(t *testing.T) {
	testlog.Start(t)
	e := NewEcho(0)
	rec := &replies{}
	e.Handle(request(conn.Stream(7), "ping", true), rec)

	got := rec.snapshot()
	if len(got) != 1 {
		t.Fatalf("expected one reply, got %d", len(got))
	}
	rep := got[0]
	if rep.To != conn.Stream(7) || rep.Payload.Kind != pipeline.KindResponse || !rep.Payload.Fin {
		t.Fatalf("unexpected reply: %+v", rep)
	}
	if string(rep.Payload.Body) != "ping" || rep.Payload.Header("content-type") != "text/plain" {
		t.Fatalf("unexpected payload: %+v", rep.Payload)
	}
	if rep.Payload.Header("x-echo-path") != "/echo" || rep.Payload.Header("x-echo-length") != "4" {
		t.Fatalf("unexpected echo headers: %v", rep.Payload.Headers)
	}
}

func TestEchoReassemblesChunksPerDestination(t *testing.T) {
	testlog.Start(t)
	e := NewEcho(0)
	rec := &replies{}
	e.Handle(request(conn.Stream(1), "a", false), rec)
	e.Handle(request(conn.Stream(3), "x", false), rec)
	e.Handle(chunk(conn.Stream(1), "b", false), rec)
	e.Handle(chunk(conn.Stream(3), "y", true), rec)
	if e.Pending() != 1 {
		t.Fatalf("expected one pending exchange, got %d", e.Pending())
	}
	e.Handle(chunk(conn.Stream(1), "c", true), rec)

	got := rec.snapshot()
	if len(got) != 2 {
		t.Fatalf("expected two replies, got %d", len(got))
	}
	if got[0].To != conn.Stream(3) || string(got[0].Payload.Body) != "xy" {
		t.Fatalf("unexpected first reply: %+v", got[0])
	}
	if got[1].To != conn.Stream(1) || string(got[1].Payload.Body) != "abc" {
		t.Fatalf("unexpected second reply: %+v", got[1])
	}
	if e.Pending() != 0 {
		t.Fatalf("pending table not drained")
	}
}

func TestEchoIgnoresOrphanChunk(t *testing.T) {
	testlog.Start(t)
	e := NewEcho(0)
	rec := &replies{}
	e.Handle(chunk(conn.Connection(), "lost", true), rec)
	if len(rec.snapshot()) != 0 {
		t.Fatalf("orphan chunk produced a reply")
	}
}

func TestEchoRefusesWhenPendingTableFull(t *testing.T) {
	testlog.Start(t)
	e := NewEcho(0)
	e.maxPending = 1
	rec := &replies{}
	e.Handle(request(conn.Stream(1), "a", false), rec)
	e.Handle(request(conn.Stream(3), "b", false), rec)
	got := rec.snapshot()
	if len(got) != 1 || got[0].To != conn.Stream(3) || got[0].Payload.Header(":status") != "503" {
		t.Fatalf("expected 503 for the overflow exchange, got %+v", got)
	}
}

func TestEchoDelaysReplies(t *testing.T) {
	testlog.Start(t)
	e := NewEcho(20 * time.Millisecond)
	rec := &replies{}
	start := time.Now()
	e.Handle(request(conn.Connection(), "late", true), rec)
	if len(rec.snapshot()) != 0 {
		t.Fatalf("reply was not delayed")
	}
	deadline := time.After(2 * time.Second)
	for len(rec.snapshot()) == 0 {
		select {
		case <-deadline:
			t.Fatalf("delayed reply never arrived")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("reply arrived after %v", elapsed)
	}
}
