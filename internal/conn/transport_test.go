package conn

import (
	"bytes"
	"io"
	"sync"
)

// pipeTransport feeds scripted inbound bytes and records writes.
type pipeTransport struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	pending []byte
	out     bytes.Buffer
}

func newPipeTransport() *pipeTransport {
	return &pipeTransport{in: make(chan []byte, 64), closed: make(chan struct{})}
}

func (p *pipeTransport) Read(b []byte) (int, error) {
	if len(p.pending) == 0 {
		select {
		case data, ok := <-p.in:
			if !ok {
				return 0, io.EOF
			}
			p.pending = data
		case <-p.closed:
			return 0, io.EOF
		}
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *pipeTransport) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	return p.out.Write(b)
}

func (p *pipeTransport) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeTransport) send(s []byte) {
	p.in <- s
}

// hangup ends the inbound direction as a peer close would.
func (p *pipeTransport) hangup() {
	close(p.in)
}

func (p *pipeTransport) written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.out.Bytes()...)
}

func (p *pipeTransport) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}
