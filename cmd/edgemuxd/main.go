package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/edgemux/internal/admin"
	"github.com/danmuck/edgemux/internal/app"
	"github.com/danmuck/edgemux/internal/config"
	"github.com/danmuck/edgemux/internal/observability"
	"github.com/danmuck/edgemux/internal/server"
	"github.com/danmuck/edgemux/internal/stats"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const defaultConfigPath = "cmd/edgemuxd/config.toml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to edgemuxd config (missing default path falls back to built-in defaults)")
	flag.Parse()

	logger := observability.InitLogger("edgemuxd")
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("failed to load config")
	}

	st := stats.New()
	observability.RegisterStats(st)
	srv, err := server.New(cfg, server.Options{
		Handler: app.NewEcho(cfg.App.ReplyDelay),
		Stats:   st,
		Logger:  &logger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("invalid pipeline configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx) })
	if cfg.AdminAddr != "" {
		adm := admin.New(admin.Config{
			Addr:        cfg.AdminAddr,
			CorsOrigins: cfg.CorsOrigins,
			Token:       cfg.AdminToken,
		}, srv)
		g.Go(func() error { return adm.Serve(gctx) })
	}
	log.Info().
		Str("listen", cfg.ListenAddr).
		Str("admin", cfg.AdminAddr).
		Bool("tls", cfg.TLS.Enabled).
		Msg("edgemuxd started")
	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("edgemuxd stopped")
	}
	log.Info().Msg("edgemuxd stopped")
}

func loadConfig(path string) (config.Server, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if path == defaultConfigPath && errors.Is(err, os.ErrNotExist) {
		log.Warn().Str("path", path).Msg("config not found, using defaults")
		return config.Default(), nil
	}
	return config.Server{}, err
}
