// Package admin owns the edgemuxd administrative HTTP surface.
//
// Ownership boundary:
// - health, metrics and stats endpoints
// - connection listing, server-initiated push and forced close
package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/edgemux/internal/auth"
	"github.com/danmuck/edgemux/internal/conn"
	"github.com/danmuck/edgemux/internal/observability"
	"github.com/danmuck/edgemux/internal/pipeline"
	"github.com/danmuck/edgemux/internal/server"
	"github.com/danmuck/edgemux/internal/stats"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	NodeID          = "edgemux-admin"
	shutdownTimeout = 5 * time.Second
)

// Backend is the part of the listener the admin surface drives.
// *server.Server satisfies it.
type Backend interface {
	Stats() *stats.Stats
	Connections() []conn.Info
	Push(id string, r conn.Reply) error
	CloseConnection(id string) error
}

var _ Backend = (*server.Server)(nil)

// Config locates the admin listener. A non-empty Token requires
// "Authorization: Bearer <token>" on every route except health and metrics.
type Config struct {
	Addr        string
	CorsOrigins []string
	Token       string
}

type Admin struct {
	cfg     Config
	backend Backend
	router  *gin.Engine
	started time.Time
}

// PushRequest is the JSON body of POST /connections/:id/push. Stream 0 or
// absent addresses the connection itself.
type PushRequest struct {
	Stream  uint32            `json:"stream"`
	Status  int               `json:"status"`
	Body    string            `json:"body"`
	Headers map[string]string `json:"headers,omitempty"`
	// Fin defaults to true; false leaves the exchange open for later chunks.
	Fin *bool `json:"fin,omitempty"`
}

func New(cfg Config, backend Backend) *Admin {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(NodeID))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CorsOrigins),
		AllowMethods: []string{"GET", "POST", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	a := &Admin{cfg: cfg, backend: backend, router: r, started: time.Now()}
	a.registerRoutes()
	return a
}

func (a *Admin) Handler() http.Handler {
	return a.router
}

func (a *Admin) registerRoutes() {
	a.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(a.started).String(),
			"service": NodeID,
		})
	})
	a.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	guarded := a.router.Group("/")
	if a.cfg.Token != "" {
		guarded.Use(auth.RequireBearer(auth.StaticToken{Token: a.cfg.Token}))
	}
	guarded.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, a.backend.Stats().Snapshot())
	})
	guarded.DELETE("/stats", func(c *gin.Context) {
		a.backend.Stats().Reset()
		log.Info().Msg("stats reset")
		c.JSON(http.StatusOK, a.backend.Stats().Snapshot())
	})

	guarded.GET("/connections", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"connections": a.backend.Connections()})
	})
	guarded.POST("/connections/:id/push", a.push)
	guarded.DELETE("/connections/:id", func(c *gin.Context) {
		id := c.Param("id")
		if err := a.backend.CloseConnection(id); err != nil {
			a.fail(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "closing", "connection": id})
	})
}

func (a *Admin) push(c *gin.Context) {
	var req PushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	reply, err := req.reply()
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := c.Param("id")
	if err := a.backend.Push(id, reply); err != nil {
		a.fail(c, err)
		return
	}
	// Delivery happens on the connection sequence; an already closed
	// stream shows up only as a dropped reply.
	c.JSON(http.StatusAccepted, gin.H{
		"status":      "queued",
		"connection":  id,
		"destination": reply.To.String(),
	})
}

func (a *Admin) fail(c *gin.Context, err error) {
	_ = c.Error(err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, server.ErrUnknownConnection):
		status = http.StatusNotFound
	case errors.Is(err, conn.ErrPushUnsupported):
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

var ErrBadPush = errors.New("admin: invalid push")

func (p PushRequest) reply() (conn.Reply, error) {
	status := p.Status
	if status == 0 {
		status = http.StatusOK
	}
	if status < 100 || status > 599 {
		return conn.Reply{}, fmt.Errorf("%w: status %d out of range", ErrBadPush, status)
	}
	headers := make(map[string]string, len(p.Headers)+1)
	for k, v := range p.Headers {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" || strings.HasPrefix(k, ":") {
			return conn.Reply{}, fmt.Errorf("%w: header %q is reserved or empty", ErrBadPush, k)
		}
		headers[k] = v
	}
	headers[":status"] = strconv.Itoa(status)
	fin := true
	if p.Fin != nil {
		fin = *p.Fin
	}
	return conn.Reply{
		To: conn.Stream(p.Stream),
		Payload: pipeline.Message{
			Kind:    pipeline.KindResponse,
			Headers: headers,
			Body:    []byte(p.Body),
			Fin:     fin,
		},
	}, nil
}

// Serve runs the admin listener until ctx is canceled.
func (a *Admin) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Addr,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", a.cfg.Addr).Bool("auth", a.cfg.Token != "").Msg("admin listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
