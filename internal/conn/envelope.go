package conn

import (
	"fmt"

	"github.com/danmuck/edgemux/internal/pipeline"
)

// DestinationKind tags where a reply is addressed.
type DestinationKind uint8

const (
	// ConnectionScoped replies enter the top-level pipeline.
	ConnectionScoped DestinationKind = iota
	// StreamScoped replies enter one stream's pipeline.
	StreamScoped
)

func (k DestinationKind) String() string {
	switch k {
	case ConnectionScoped:
		return "connection"
	case StreamScoped:
		return "stream"
	default:
		return fmt.Sprintf("destination(%d)", uint8(k))
	}
}

// Destination is either the connection itself or one stream on it.
type Destination struct {
	kind   DestinationKind
	stream uint32
}

func Connection() Destination {
	return Destination{kind: ConnectionScoped}
}

// Stream addresses stream id. Stream 0 is the connection.
func Stream(id uint32) Destination {
	if id == 0 {
		return Connection()
	}
	return Destination{kind: StreamScoped, stream: id}
}

func (d Destination) Kind() DestinationKind { return d.kind }

func (d Destination) StreamID() uint32 { return d.stream }

func (d Destination) String() string {
	if d.kind == StreamScoped {
		return fmt.Sprintf("stream(%d)", d.stream)
	}
	return d.kind.String()
}

// Reply is an application message travelling back toward the transport.
type Reply struct {
	Payload pipeline.Message
	To      Destination
}

// Request is an application-bound event together with where to answer it.
type Request struct {
	ConnID   string
	Protocol string
	To       Destination
	Message  pipeline.Message
}

// Replier accepts replies from any goroutine. Delivery outcome is only
// visible through stats and logs.
type Replier interface {
	Reply(r Reply)
}

// Handler receives requests on the connection's sequence and must not block;
// answers go through the Replier, typically from another goroutine.
type Handler interface {
	Handle(req Request, r Replier)
}

type HandlerFunc func(req Request, r Replier)

func (f HandlerFunc) Handle(req Request, r Replier) { f(req, r) }
