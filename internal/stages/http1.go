package stages

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/danmuck/edgemux/internal/pipeline"
	"github.com/danmuck/edgemux/internal/stats"
	"github.com/rs/zerolog/log"
)

const maxHeadBytes = 64 << 10

var (
	ErrHeadTooLarge     = errors.New("stages: request head too large")
	ErrChunkedRequest   = errors.New("stages: chunked request bodies unsupported")
	ErrMalformedRequest = errors.New("stages: malformed request")
)

var headEnd = []byte("\r\n\r\n")

// HTTP1 is the legacy single-stream codec. Inbound bytes become a Request
// event (head) followed by Chunk events carrying the body; Response and
// Chunk commands are rendered back to bytes.
//
// Every request carries an exchange id in StreamID, counting from 1. Replies
// addressed to a later exchange are held until every earlier one has been
// written, so responses leave in request order. A reply with id 0 answers
// the oldest unanswered request. Replies matching no open exchange are
// dropped and counted.
type HTTP1 struct {
	stats     *stats.Stats
	buf       []byte
	remaining int64
	inBody    bool
	failed    bool

	lastID  uint32
	current uint32
	// exchanges holds one entry per request whose response is not fully
	// written, oldest first.
	exchanges []*legacyExchange
	streaming bool
	closing   bool
}

type legacyExchange struct {
	id         uint32
	closeAfter bool
	held       []pipeline.Message
	// answered is set once the final reply is held.
	answered bool
}

func NewHTTP1(st *stats.Stats) *HTTP1 {
	return &HTTP1{stats: st}
}

func (s *HTTP1) Name() string { return HTTP1Name }

func (s *HTTP1) HandleEvent(ctx *pipeline.Context, msg pipeline.Message) {
	if msg.Kind != pipeline.KindBytes {
		ctx.SendEvent(msg)
		return
	}
	if s.failed {
		return
	}
	s.buf = append(s.buf, msg.Body...)
	for len(s.buf) > 0 && !s.failed {
		if s.inBody {
			s.body(ctx)
			continue
		}
		if !s.head(ctx) {
			return
		}
	}
}

func (s *HTTP1) head(ctx *pipeline.Context) bool {
	end := bytes.Index(s.buf, headEnd)
	if end < 0 {
		if len(s.buf) > maxHeadBytes {
			s.fail(ctx, http.StatusRequestHeaderFieldsTooLarge, ErrHeadTooLarge)
		}
		return false
	}
	raw := s.buf[:end+len(headEnd)]
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		s.fail(ctx, http.StatusBadRequest, fmt.Errorf("%w: %v", ErrMalformedRequest, err))
		return false
	}
	s.buf = s.buf[len(raw):]
	if len(req.TransferEncoding) > 0 {
		s.fail(ctx, http.StatusNotImplemented, ErrChunkedRequest)
		return false
	}

	headers := make(map[string]string, len(req.Header)+4)
	for k, v := range req.Header {
		headers[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	headers[":method"] = req.Method
	headers[":path"] = req.RequestURI
	headers[":version"] = req.Proto
	if req.Host != "" {
		headers["host"] = req.Host
	}

	s.lastID++
	if s.lastID == 0 {
		s.lastID = 1
	}
	s.current = s.lastID
	s.exchanges = append(s.exchanges, &legacyExchange{id: s.current, closeAfter: req.Close})
	s.remaining = req.ContentLength
	if s.remaining < 0 {
		s.remaining = 0
	}
	s.inBody = s.remaining > 0
	ctx.SendEvent(pipeline.Message{Kind: pipeline.KindRequest, StreamID: s.current, Headers: headers, Fin: !s.inBody})
	return true
}

func (s *HTTP1) body(ctx *pipeline.Context) {
	n := int64(len(s.buf))
	if n > s.remaining {
		n = s.remaining
	}
	chunk := append([]byte(nil), s.buf[:n]...)
	s.buf = s.buf[n:]
	s.remaining -= n
	if s.remaining == 0 {
		s.inBody = false
	}
	ctx.SendEvent(pipeline.Message{Kind: pipeline.KindChunk, StreamID: s.current, Body: chunk, Fin: !s.inBody})
}

// fail answers a request that cannot be parsed and closes the connection.
func (s *HTTP1) fail(ctx *pipeline.Context, status int, err error) {
	s.failed = true
	s.buf = nil
	s.closing = true
	body := []byte(http.StatusText(status) + "\n")
	ctx.SendCommand(pipeline.Message{Kind: pipeline.KindBytes, Body: renderHead(status, map[string]string{
		"content-type": "text/plain; charset=utf-8",
		"connection":   "close",
	}, int64(len(body)), false), Err: err})
	ctx.SendCommand(pipeline.Message{Kind: pipeline.KindBytes, Body: body})
	ctx.SendCommand(pipeline.Message{Kind: pipeline.KindClose, Err: err})
}

func (s *HTTP1) HandleCommand(ctx *pipeline.Context, msg pipeline.Message) {
	if s.closing && msg.Kind != pipeline.KindClose {
		return
	}
	switch msg.Kind {
	case pipeline.KindResponse, pipeline.KindChunk:
	case pipeline.KindStreamReset:
		// A single-stream connection has no stream to reset but itself.
		s.closing = true
		ctx.SendCommand(pipeline.Message{Kind: pipeline.KindClose, Err: msg.Err})
		return
	default:
		ctx.SendCommand(msg)
		return
	}

	ex := s.lookup(msg.StreamID)
	if ex == nil || ex.answered {
		s.drop(msg, "no open exchange")
		return
	}
	if ex != s.exchanges[0] {
		ex.held = append(ex.held, msg)
		ex.answered = msg.EndsExchange()
		return
	}
	s.emit(ctx, msg)
	for !s.closing && len(s.exchanges) > 0 && len(s.exchanges[0].held) > 0 {
		next := s.exchanges[0]
		held := next.held
		next.held = nil
		for _, m := range held {
			if s.closing {
				break
			}
			s.emit(ctx, m)
		}
		if len(s.exchanges) > 0 && s.exchanges[0] == next {
			// The head is still streaming; its later replies pass straight through.
			break
		}
	}
}

func (s *HTTP1) lookup(id uint32) *legacyExchange {
	if len(s.exchanges) == 0 {
		return nil
	}
	if id == 0 {
		return s.exchanges[0]
	}
	for _, ex := range s.exchanges {
		if ex.id == id {
			return ex
		}
	}
	return nil
}

// emit renders a reply of the oldest exchange.
func (s *HTTP1) emit(ctx *pipeline.Context, msg pipeline.Message) {
	switch msg.Kind {
	case pipeline.KindResponse:
		s.writeResponse(ctx, msg)
	case pipeline.KindChunk:
		s.writeChunk(ctx, msg)
	}
	if msg.EndsExchange() {
		s.finishExchange(ctx, msg)
	}
}

func (s *HTTP1) drop(msg pipeline.Message, reason string) {
	s.stats.ReplyDropped()
	log.Warn().
		Str("stage", HTTP1Name).
		Uint32("exchange_id", msg.StreamID).
		Str("kind", msg.Kind.String()).
		Str("reason", reason).
		Msg("reply dropped")
}

func (s *HTTP1) writeResponse(ctx *pipeline.Context, msg pipeline.Message) {
	status := http.StatusOK
	if v := msg.Header(":status"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			status = n
		}
	}
	wantClose := strings.EqualFold(msg.Header("connection"), "close") ||
		(len(s.exchanges) > 0 && s.exchanges[0].closeAfter)
	headers := make(map[string]string, len(msg.Headers)+1)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	if wantClose {
		headers["connection"] = "close"
	}
	if msg.Fin {
		out := renderHead(status, headers, int64(len(msg.Body)), false)
		out = append(out, msg.Body...)
		ctx.SendCommand(pipeline.Message{Kind: pipeline.KindBytes, Body: out})
		return
	}
	s.streaming = true
	out := renderHead(status, headers, 0, true)
	out = appendChunk(out, msg.Body)
	ctx.SendCommand(pipeline.Message{Kind: pipeline.KindBytes, Body: out})
}

func (s *HTTP1) writeChunk(ctx *pipeline.Context, msg pipeline.Message) {
	if !s.streaming {
		return
	}
	out := appendChunk(nil, msg.Body)
	if msg.Fin {
		out = append(out, "0\r\n\r\n"...)
		s.streaming = false
	}
	ctx.SendCommand(pipeline.Message{Kind: pipeline.KindBytes, Body: out})
}

func (s *HTTP1) finishExchange(ctx *pipeline.Context, msg pipeline.Message) {
	closeNow := strings.EqualFold(msg.Header("connection"), "close")
	if len(s.exchanges) > 0 {
		closeNow = closeNow || s.exchanges[0].closeAfter
		s.exchanges = s.exchanges[1:]
	}
	if closeNow {
		s.closing = true
		ctx.SendCommand(pipeline.Message{Kind: pipeline.KindClose})
	}
}

// Pending returns requests whose response is not fully written.
func (s *HTTP1) Pending() int {
	return len(s.exchanges)
}

// Held returns replies waiting behind an earlier unanswered request.
func (s *HTTP1) Held() int {
	n := 0
	for _, ex := range s.exchanges {
		n += len(ex.held)
	}
	return n
}

func appendChunk(out, body []byte) []byte {
	if len(body) == 0 {
		return out
	}
	out = strconv.AppendInt(out, int64(len(body)), 16)
	out = append(out, "\r\n"...)
	out = append(out, body...)
	return append(out, "\r\n"...)
}

func renderHead(status int, headers map[string]string, contentLength int64, chunked bool) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	keys := make([]string, 0, len(headers))
	for k := range headers {
		switch {
		case strings.HasPrefix(k, ":"):
		case strings.EqualFold(k, "content-length"), strings.EqualFold(k, "transfer-encoding"):
		default:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\r\n", http.CanonicalHeaderKey(k), headers[k])
	}
	if chunked {
		b.WriteString("Transfer-Encoding: chunked\r\n")
	} else {
		fmt.Fprintf(&b, "Content-Length: %d\r\n", contentLength)
	}
	b.WriteString("\r\n")
	return b.Bytes()
}
