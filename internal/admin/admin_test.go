package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/edgemux/internal/conn"
	"github.com/danmuck/edgemux/internal/pipeline"
	"github.com/danmuck/edgemux/internal/server"
	"github.com/danmuck/edgemux/internal/stats"
	"github.com/danmuck/edgemux/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
)

type fakeBackend struct {
	stats  *stats.Stats
	conns  []conn.Info
	pushed map[string][]conn.Reply
	closed []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		stats: stats.New(),
		conns: []conn.Info{{
			ID:       "c1",
			Remote:   "127.0.0.1:5000",
			Protocol: "spdy/2",
			Streams:  2,
			OpenedAt: time.Unix(1700000000, 0).UTC(),
		}},
		pushed: make(map[string][]conn.Reply),
	}
}

func (f *fakeBackend) Stats() *stats.Stats      { return f.stats }
func (f *fakeBackend) Connections() []conn.Info { return f.conns }

func (f *fakeBackend) known(id string) error {
	_, err := f.info(id)
	return err
}

func (f *fakeBackend) info(id string) (conn.Info, error) {
	for _, c := range f.conns {
		if c.ID == id {
			return c, nil
		}
	}
	return conn.Info{}, fmt.Errorf("%w: %q", server.ErrUnknownConnection, id)
}

func (f *fakeBackend) Push(id string, r conn.Reply) error {
	info, err := f.info(id)
	if err != nil {
		return err
	}
	if info.Protocol == "http/1.1" {
		return fmt.Errorf("%w: %s", conn.ErrPushUnsupported, info.Protocol)
	}
	f.pushed[id] = append(f.pushed[id], r)
	return nil
}

func (f *fakeBackend) CloseConnection(id string) error {
	if err := f.known(id); err != nil {
		return err
	}
	f.closed = append(f.closed, id)
	return nil
}

func do(t *testing.T, a *Admin, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	a.Handler().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), out); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
}

func newAdmin(t *testing.T) (*Admin, *fakeBackend) {
	t.Helper()
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	b := newFakeBackend()
	return New(Config{Addr: "127.0.0.1:0"}, b), b
}

func TestHealthAndMetrics(t *testing.T) {
	a, _ := newAdmin(t)
	rr := do(t, a, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("health status %d", rr.Code)
	}
	var health map[string]any
	decode(t, rr, &health)
	if health["status"] != "ok" || health["service"] != NodeID {
		t.Fatalf("unexpected health body: %v", health)
	}

	rr = do(t, a, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "edgemux_admin_requests_total") {
		t.Fatalf("metrics missing admin counters: %d", rr.Code)
	}
}

func TestStatsSnapshotAndReset(t *testing.T) {
	a, b := newAdmin(t)
	b.stats.ConnectionOpened()
	b.stats.RequestStarted()
	b.stats.RequestCompleted()
	b.stats.ReplyDropped()

	var snap stats.Snapshot
	decode(t, do(t, a, http.MethodGet, "/stats", ""), &snap)
	if snap.RequestsCompleted != 1 || snap.DroppedReplies != 1 || snap.OpenConnections != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	rr := do(t, a, http.MethodDelete, "/stats", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("reset status %d", rr.Code)
	}
	decode(t, rr, &snap)
	if snap.RequestsCompleted != 0 || snap.DroppedReplies != 0 {
		t.Fatalf("counters survived reset: %+v", snap)
	}
	if snap.OpenConnections != 1 {
		t.Fatalf("gauge should survive reset: %+v", snap)
	}
}

func TestListConnections(t *testing.T) {
	a, _ := newAdmin(t)
	var body struct {
		Connections []conn.Info `json:"connections"`
	}
	decode(t, do(t, a, http.MethodGet, "/connections", ""), &body)
	if len(body.Connections) != 1 {
		t.Fatalf("unexpected connections: %+v", body.Connections)
	}
	got := body.Connections[0]
	if got.ID != "c1" || got.Protocol != "spdy/2" || got.Streams != 2 {
		t.Fatalf("unexpected connection info: %+v", got)
	}
}

func TestPushAddressesStreamOrConnection(t *testing.T) {
	a, b := newAdmin(t)
	rr := do(t, a, http.MethodPost, "/connections/c1/push", `{"stream":7,"status":201,"body":"hi","headers":{"X-Trace":"t1"}}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("push status %d body=%s", rr.Code, rr.Body.String())
	}
	rr = do(t, a, http.MethodPost, "/connections/c1/push", `{"body":"all"}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("connection push status %d", rr.Code)
	}

	pushed := b.pushed["c1"]
	if len(pushed) != 2 {
		t.Fatalf("expected two pushes, got %d", len(pushed))
	}
	first := pushed[0]
	if first.To != conn.Stream(7) || first.Payload.Kind != pipeline.KindResponse || !first.Payload.Fin {
		t.Fatalf("unexpected stream push: %+v", first)
	}
	if first.Payload.Header(":status") != "201" || first.Payload.Header("x-trace") != "t1" || string(first.Payload.Body) != "hi" {
		t.Fatalf("unexpected stream payload: %+v", first.Payload)
	}
	second := pushed[1]
	if second.To.Kind() != conn.ConnectionScoped || second.Payload.Header(":status") != "200" {
		t.Fatalf("unexpected connection push: %+v", second)
	}
}

func TestPushRejections(t *testing.T) {
	a, b := newAdmin(t)
	b.conns = append(b.conns, conn.Info{ID: "legacy", Remote: "127.0.0.1:5001", Protocol: "http/1.1"})
	cases := []struct {
		name string
		path string
		body string
		want int
	}{
		{name: "unknown connection", path: "/connections/nope/push", body: `{"body":"x"}`, want: http.StatusNotFound},
		{name: "empty body", path: "/connections/c1/push", body: "", want: http.StatusBadRequest},
		{name: "bad status", path: "/connections/c1/push", body: `{"status":42}`, want: http.StatusBadRequest},
		{name: "pseudo header", path: "/connections/c1/push", body: `{"headers":{":path":"/x"}}`, want: http.StatusBadRequest},
		{name: "single-stream connection", path: "/connections/legacy/push", body: `{"body":"x"}`, want: http.StatusConflict},
	}
	for _, tc := range cases {
		rr := do(t, a, http.MethodPost, tc.path, tc.body)
		if rr.Code != tc.want {
			t.Fatalf("%s: status %d want %d body=%s", tc.name, rr.Code, tc.want, rr.Body.String())
		}
	}
	if len(b.pushed) != 0 {
		t.Fatalf("rejected pushes reached the backend: %v", b.pushed)
	}
}

func TestCloseConnection(t *testing.T) {
	a, b := newAdmin(t)
	if rr := do(t, a, http.MethodDelete, "/connections/c1", ""); rr.Code != http.StatusAccepted {
		t.Fatalf("close status %d", rr.Code)
	}
	if rr := do(t, a, http.MethodDelete, "/connections/zz", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown close status %d", rr.Code)
	}
	if len(b.closed) != 1 || b.closed[0] != "c1" {
		t.Fatalf("unexpected closes: %v", b.closed)
	}
}

func TestTokenGuardsAllButProbes(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	a := New(Config{Addr: "127.0.0.1:0", Token: "s3cret"}, newFakeBackend())

	if rr := do(t, a, http.MethodGet, "/health", ""); rr.Code != http.StatusOK {
		t.Fatalf("health should stay open, got %d", rr.Code)
	}
	if rr := do(t, a, http.MethodGet, "/stats", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("stats without token: %d", rr.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/connections", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rr := httptest.NewRecorder()
	a.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("connections with token: %d", rr.Code)
	}
}
