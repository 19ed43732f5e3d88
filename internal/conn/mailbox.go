package conn

import "sync"

type envelopeKind uint8

const (
	envInbound envelopeKind = iota + 1
	envEOF
	envReply
	envCall
	envClose
)

type envelope struct {
	kind  envelopeKind
	data  []byte
	err   error
	reply Reply
	fn    func()
}

// mailbox is the unbounded queue feeding one actor. Posting never blocks.
type mailbox struct {
	mu     sync.Mutex
	items  []envelope
	closed bool
	ready  chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{ready: make(chan struct{}, 1)}
}

func (m *mailbox) post(env envelope) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, env)
	m.mu.Unlock()
	select {
	case m.ready <- struct{}{}:
	default:
	}
	return true
}

func (m *mailbox) drain() []envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.items
	m.items = nil
	return out
}

// close refuses further posts and returns what was still queued.
func (m *mailbox) close() []envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	out := m.items
	m.items = nil
	return out
}
