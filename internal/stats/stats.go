// Package stats owns the only state shared across connections.
//
// Ownership boundary:
// - monotonic traffic counters and instantaneous gauges
// - reset fencing against concurrent increments
// - the passive observer stage and the Prometheus collector
package stats

import (
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot is an immutable copy of all counters.
type Snapshot struct {
	RequestsStarted    uint64        `json:"requests_started"`
	RequestsCompleted  uint64        `json:"requests_completed"`
	OpenRequests       int64         `json:"open_requests"`
	ConnectionsOpened  uint64        `json:"connections_opened"`
	ConnectionsClosed  uint64        `json:"connections_closed"`
	OpenConnections    int64         `json:"open_connections"`
	Timeouts           uint64        `json:"timeouts"`
	DroppedReplies     uint64        `json:"dropped_replies"`
	StreamsOpened      uint64        `json:"streams_opened"`
	StreamsClosed      uint64        `json:"streams_closed"`
	RejectedStreams    uint64        `json:"rejected_streams"`
	SinceReset         time.Duration `json:"since_reset"`
	MaxOpenConnections int64         `json:"max_open_connections"`
}

// Stats accumulates counters for every connection of one server.
//
// Increments hold the shared side of fence; Reset and Snapshot hold the
// exclusive side, so no increment straddles a reset and a snapshot never
// mixes values from both sides of one. A nil *Stats ignores every call.
type Stats struct {
	fence sync.RWMutex

	requestsStarted   atomic.Uint64
	requestsCompleted atomic.Uint64
	connectionsOpened atomic.Uint64
	connectionsClosed atomic.Uint64
	timeouts          atomic.Uint64
	droppedReplies    atomic.Uint64
	streamsOpened     atomic.Uint64
	streamsClosed     atomic.Uint64
	rejectedStreams   atomic.Uint64

	openRequests    atomic.Int64
	openConnections atomic.Int64
	maxOpenConns    atomic.Int64

	resetAt time.Time
	now     func() time.Time
}

func New() *Stats {
	return NewWithClock(time.Now)
}

func NewWithClock(now func() time.Time) *Stats {
	return &Stats{resetAt: now(), now: now}
}

func (s *Stats) RequestStarted() {
	if s == nil {
		return
	}
	s.fence.RLock()
	s.requestsStarted.Add(1)
	s.openRequests.Add(1)
	s.fence.RUnlock()
}

func (s *Stats) RequestCompleted() {
	if s == nil {
		return
	}
	s.fence.RLock()
	s.requestsCompleted.Add(1)
	s.openRequests.Add(-1)
	s.fence.RUnlock()
}

// RequestsAbandoned drops n in-flight requests whose owner went away
// without completing them.
func (s *Stats) RequestsAbandoned(n int) {
	if s == nil || n <= 0 {
		return
	}
	s.fence.RLock()
	s.openRequests.Add(-int64(n))
	s.fence.RUnlock()
}

func (s *Stats) ConnectionOpened() {
	if s == nil {
		return
	}
	s.fence.RLock()
	s.connectionsOpened.Add(1)
	open := s.openConnections.Add(1)
	for {
		max := s.maxOpenConns.Load()
		if open <= max || s.maxOpenConns.CompareAndSwap(max, open) {
			break
		}
	}
	s.fence.RUnlock()
}

func (s *Stats) ConnectionClosed() {
	if s == nil {
		return
	}
	s.fence.RLock()
	s.connectionsClosed.Add(1)
	s.openConnections.Add(-1)
	s.fence.RUnlock()
}

func (s *Stats) Timeout() {
	s.add(func(s *Stats) { s.timeouts.Add(1) })
}

func (s *Stats) ReplyDropped() {
	s.add(func(s *Stats) { s.droppedReplies.Add(1) })
}

func (s *Stats) StreamOpened() {
	s.add(func(s *Stats) { s.streamsOpened.Add(1) })
}

func (s *Stats) StreamClosed() {
	s.add(func(s *Stats) { s.streamsClosed.Add(1) })
}

func (s *Stats) StreamRejected() {
	s.add(func(s *Stats) { s.rejectedStreams.Add(1) })
}

func (s *Stats) add(fn func(*Stats)) {
	if s == nil {
		return
	}
	s.fence.RLock()
	fn(s)
	s.fence.RUnlock()
}

// Snapshot copies every counter.
func (s *Stats) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.fence.Lock()
	defer s.fence.Unlock()
	return Snapshot{
		RequestsStarted:    s.requestsStarted.Load(),
		RequestsCompleted:  s.requestsCompleted.Load(),
		OpenRequests:       s.openRequests.Load(),
		ConnectionsOpened:  s.connectionsOpened.Load(),
		ConnectionsClosed:  s.connectionsClosed.Load(),
		OpenConnections:    s.openConnections.Load(),
		Timeouts:           s.timeouts.Load(),
		DroppedReplies:     s.droppedReplies.Load(),
		StreamsOpened:      s.streamsOpened.Load(),
		StreamsClosed:      s.streamsClosed.Load(),
		RejectedStreams:    s.rejectedStreams.Load(),
		SinceReset:         s.now().Sub(s.resetAt),
		MaxOpenConnections: s.maxOpenConns.Load(),
	}
}

// Reset zeroes monotonic counters. Open requests and open connections are
// live gauges and survive; the high-water mark restarts from the current
// open connection count.
func (s *Stats) Reset() {
	if s == nil {
		return
	}
	s.fence.Lock()
	defer s.fence.Unlock()
	s.requestsStarted.Store(0)
	s.requestsCompleted.Store(0)
	s.connectionsOpened.Store(0)
	s.connectionsClosed.Store(0)
	s.timeouts.Store(0)
	s.droppedReplies.Store(0)
	s.streamsOpened.Store(0)
	s.streamsClosed.Store(0)
	s.rejectedStreams.Store(0)
	s.maxOpenConns.Store(s.openConnections.Load())
	s.resetAt = s.now()
}
