// Package app owns the demo application behind edgemuxd.
//
// Ownership boundary:
// - request body echo with an optional reply delay
// - reassembly of bodies delivered in chunks
package app

import (
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/edgemux/internal/conn"
	"github.com/danmuck/edgemux/internal/pipeline"
	"github.com/rs/zerolog/log"
)

// DefaultMaxPending bounds exchanges whose body is still arriving.
const DefaultMaxPending = 4096

type exchangeKey struct {
	connID string
	to     conn.Destination
}

type exchange struct {
	path        string
	contentType string
	body        []byte
}

// Echo answers every request with its own body.
//
// Handle runs on the sequence of the calling connection, so the pending
// table is shared across connections and guarded by a mutex.
type Echo struct {
	delay      time.Duration
	maxPending int

	mu      sync.Mutex
	pending map[exchangeKey]*exchange
}

func NewEcho(delay time.Duration) *Echo {
	return &Echo{
		delay:      delay,
		maxPending: DefaultMaxPending,
		pending:    make(map[exchangeKey]*exchange),
	}
}

var _ conn.Handler = (*Echo)(nil)

func (e *Echo) Handle(req conn.Request, r conn.Replier) {
	key := exchangeKey{connID: req.ConnID, to: req.To}
	msg := req.Message
	switch msg.Kind {
	case pipeline.KindRequest:
		ex := &exchange{
			path:        msg.Header(":path"),
			contentType: msg.Header("content-type"),
			body:        append([]byte(nil), msg.Body...),
		}
		if msg.Fin {
			e.reply(r, req.To, ex)
			return
		}
		e.mu.Lock()
		full := len(e.pending) >= e.maxPending
		if !full {
			e.pending[key] = ex
		}
		e.mu.Unlock()
		if full {
			log.Warn().Str("conn_id", req.ConnID).Str("destination", req.To.String()).Msg("echo pending table full")
			r.Reply(conn.Reply{To: req.To, Payload: pipeline.Message{
				Kind:    pipeline.KindResponse,
				Headers: map[string]string{":status": "503"},
				Fin:     true,
			}})
		}
	case pipeline.KindChunk:
		e.mu.Lock()
		ex, ok := e.pending[key]
		if ok {
			ex.body = append(ex.body, msg.Body...)
			if msg.Fin {
				delete(e.pending, key)
			}
		}
		e.mu.Unlock()
		if !ok {
			log.Debug().Str("conn_id", req.ConnID).Str("destination", req.To.String()).Msg("echo chunk without request")
			return
		}
		if msg.Fin {
			e.reply(r, req.To, ex)
		}
	}
}

// Pending reports exchanges still waiting for their final chunk.
func (e *Echo) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (e *Echo) reply(r conn.Replier, to conn.Destination, ex *exchange) {
	contentType := ex.contentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	out := conn.Reply{To: to, Payload: pipeline.Message{
		Kind: pipeline.KindResponse,
		Headers: map[string]string{
			":status":       "200",
			"content-type":  contentType,
			"x-echo-path":   ex.path,
			"x-echo-length": strconv.Itoa(len(ex.body)),
		},
		Body: ex.body,
		Fin:  true,
	}}
	if e.delay <= 0 {
		r.Reply(out)
		return
	}
	time.AfterFunc(e.delay, func() { r.Reply(out) })
}
