package stream

import (
	"errors"
	"testing"

	"github.com/danmuck/edgemux/internal/pipeline"
	"github.com/danmuck/edgemux/internal/stats"
	"github.com/danmuck/edgemux/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bufferStage holds request bodies until Fin, making partial input visible
// as per-instance state.
type bufferStage struct {
	buf []byte
}

func (b *bufferStage) Name() string { return "buffer" }

func (b *bufferStage) HandleEvent(ctx *pipeline.Context, msg pipeline.Message) {
	b.buf = append(b.buf, msg.Body...)
	if !msg.Fin {
		return
	}
	msg.Body = b.buf
	b.buf = nil
	ctx.SendEvent(msg)
}

func (b *bufferStage) HandleCommand(ctx *pipeline.Context, msg pipeline.Message) {
	ctx.SendCommand(msg)
}

type harness struct {
	router  *Router
	stats   *stats.Stats
	app     map[uint32][]pipeline.Message
	out     []pipeline.Message
	closed  []uint32
	buffers map[uint32]*bufferStage
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		stats:   stats.New(),
		app:     make(map[uint32][]pipeline.Message),
		buffers: make(map[uint32]*bufferStage),
	}
	tmpl, err := pipeline.Compose(struct{}{},
		pipeline.Entry("buffer", func(struct{}) (pipeline.Factory, error) {
			return func() pipeline.Stage { return &bufferStage{} }, nil
		}),
		pipeline.Entry(stats.ObserverName, func(struct{}) (pipeline.Factory, error) {
			return stats.Factory(h.stats), nil
		}),
	)
	require.NoError(t, err)
	h.router = NewRouter(Config{
		ConnID:   "conn.test",
		Template: tmpl,
		Stats:    h.stats,
		Hooks: Hooks{
			Application: func(id uint32, msg pipeline.Message) { h.app[id] = append(h.app[id], msg) },
			Transport:   func(msg pipeline.Message) { h.out = append(h.out, msg) },
			Closed:      func(id uint32) { h.closed = append(h.closed, id) },
		},
	})
	return h
}

func (h *harness) open(t *testing.T, id uint32) *Context {
	t.Helper()
	sc, err := h.router.Open(id)
	require.NoError(t, err)
	h.buffers[id] = sc.Pipeline.Stage(0).(*bufferStage)
	return sc
}

func TestReplyBeforeCloseIsDeliveredThenLateReplyDropped(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	h.open(t, 7)

	delivered := h.router.DeliverReply(7, pipeline.Message{Kind: pipeline.KindChunk, Body: []byte("partial")})
	assert.True(t, delivered)
	require.Len(t, h.out, 1)
	assert.Equal(t, uint32(7), h.out[0].StreamID)
	assert.Equal(t, "partial", string(h.out[0].Body))

	require.True(t, h.router.Close(7))
	before := h.router.Len()

	assert.False(t, h.router.DeliverReply(7, pipeline.Message{Kind: pipeline.KindResponse, Fin: true}))
	assert.Equal(t, uint64(1), h.stats.Snapshot().DroppedReplies)
	assert.Equal(t, before, h.router.Len())
	assert.Len(t, h.out, 1)
}

func TestRepliesToClosedStreamAreAllDroppedWithoutTouchingOthers(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	h.open(t, 1)
	h.open(t, 3)
	h.router.Route(3, pipeline.Message{Kind: pipeline.KindRequest, Body: []byte("held")})
	require.True(t, h.router.Close(1))

	const late = 25
	for i := 0; i < late; i++ {
		h.router.DeliverReply(1, pipeline.Message{Kind: pipeline.KindResponse, Fin: true, Body: []byte("late")})
	}
	snap := h.stats.Snapshot()
	assert.Equal(t, uint64(late), snap.DroppedReplies)
	assert.Empty(t, h.out)
	assert.Empty(t, h.app[3])
	assert.Equal(t, "held", string(h.buffers[3].buf))
	assert.True(t, h.router.Has(3))
}

func TestStreamsHaveIndependentState(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	h.open(t, 1)
	h.open(t, 3)

	h.router.Route(1, pipeline.Message{Kind: pipeline.KindRequest, Body: []byte("he")})
	assert.Equal(t, "he", string(h.buffers[1].buf))
	assert.Empty(t, h.buffers[3].buf)
	assert.Empty(t, h.app)
	assert.Equal(t, uint64(0), h.stats.Snapshot().RequestsStarted)

	h.router.Route(3, pipeline.Message{Kind: pipeline.KindRequest, Body: []byte("other"), Fin: true})
	h.router.Route(1, pipeline.Message{Kind: pipeline.KindChunk, Body: []byte("llo"), Fin: true})
	require.Len(t, h.app[1], 1)
	require.Len(t, h.app[3], 1)
	assert.Equal(t, "hello", string(h.app[1][0].Body))
	assert.Equal(t, "other", string(h.app[3][0].Body))
	assert.Equal(t, uint32(1), h.app[1][0].StreamID)
}

func TestFinalReplyClosesStream(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	h.open(t, 5)
	h.router.Route(5, pipeline.Message{Kind: pipeline.KindRequest, Fin: true})

	assert.True(t, h.router.DeliverReply(5, pipeline.Message{Kind: pipeline.KindResponse, Fin: true}))
	assert.False(t, h.router.Has(5))
	assert.Equal(t, []uint32{5}, h.closed)

	snap := h.stats.Snapshot()
	assert.Equal(t, uint64(1), snap.RequestsCompleted)
	assert.Equal(t, int64(0), snap.OpenRequests)
	assert.Equal(t, uint64(1), snap.StreamsClosed)

	assert.False(t, h.router.DeliverReply(5, pipeline.Message{Kind: pipeline.KindChunk}))
	assert.Equal(t, uint64(1), h.stats.Snapshot().DroppedReplies)
}

func TestOpenRejectsLiveReusedAndZeroIDs(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	h.open(t, 9)

	_, err := h.router.Open(9)
	assert.True(t, errors.Is(err, ErrStreamLive))
	_, err = h.router.Open(3)
	assert.True(t, errors.Is(err, ErrStreamReused))
	_, err = h.router.Open(0)
	assert.True(t, errors.Is(err, ErrInvalidStream))

	h.router.Close(9)
	_, err = h.router.Open(9)
	assert.True(t, errors.Is(err, ErrStreamReused))

	assert.Equal(t, uint64(4), h.stats.Snapshot().RejectedStreams)
	assert.Equal(t, uint32(9), h.router.Highest())
}

func TestRouteUnknownStreamReportsMiss(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	assert.False(t, h.router.Route(11, pipeline.Message{Kind: pipeline.KindChunk}))
	assert.Empty(t, h.app)
}

func TestCloseAllAbandonsInFlightRequests(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	h.open(t, 1)
	h.open(t, 3)
	h.router.Route(1, pipeline.Message{Kind: pipeline.KindRequest, Fin: true})
	h.router.Route(3, pipeline.Message{Kind: pipeline.KindRequest, Fin: true})
	assert.Equal(t, int64(2), h.stats.Snapshot().OpenRequests)

	assert.Equal(t, 2, h.router.CloseAll())
	assert.Equal(t, 0, h.router.Len())
	snap := h.stats.Snapshot()
	assert.Equal(t, int64(0), snap.OpenRequests)
	assert.Equal(t, uint64(2), snap.StreamsClosed)

	h.router.DeliverReply(3, pipeline.Message{Kind: pipeline.KindResponse, Fin: true})
	assert.Equal(t, uint64(1), h.stats.Snapshot().DroppedReplies)
}
