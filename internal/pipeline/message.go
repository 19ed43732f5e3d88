package pipeline

import "fmt"

// Kind labels one message flowing through a pipeline.
type Kind uint8

const (
	KindBytes Kind = iota + 1
	KindRequest
	KindChunk
	KindResponse
	KindStreamOpen
	KindStreamReset
	KindTimeout
	KindClosed
	KindClose
)

func (k Kind) String() string {
	switch k {
	case KindBytes:
		return "bytes"
	case KindRequest:
		return "request"
	case KindChunk:
		return "chunk"
	case KindResponse:
		return "response"
	case KindStreamOpen:
		return "stream_open"
	case KindStreamReset:
		return "stream_reset"
	case KindTimeout:
		return "timeout"
	case KindClosed:
		return "closed"
	case KindClose:
		return "close"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Message is one event (toward the application) or command (toward the transport).
//
// StreamID 0 addresses the connection itself.
type Message struct {
	Kind     Kind
	StreamID uint32
	Headers  map[string]string
	Body     []byte
	Fin      bool
	Err      error
}

// Header returns one header value or "".
func (m Message) Header(name string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[name]
}

// WithHeader returns a copy of m with name set, leaving the original map untouched.
func (m Message) WithHeader(name, value string) Message {
	headers := make(map[string]string, len(m.Headers)+1)
	for k, v := range m.Headers {
		headers[k] = v
	}
	headers[name] = value
	m.Headers = headers
	return m
}

// EndsExchange reports whether a command closes its request/response exchange.
func (m Message) EndsExchange() bool {
	switch m.Kind {
	case KindResponse, KindChunk:
		return m.Fin
	case KindStreamReset:
		return true
	default:
		return false
	}
}
