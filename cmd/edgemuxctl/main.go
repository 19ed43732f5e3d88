package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/danmuck/edgemux/internal/client"
	"github.com/danmuck/edgemux/internal/observability"
	"github.com/rs/zerolog/log"
)

type result struct {
	Protocol string            `json:"protocol"`
	StreamID uint32            `json:"stream_id,omitempty"`
	Status   int               `json:"status"`
	Headers  map[string]string `json:"headers,omitempty"`
	Body     string            `json:"body"`
	Elapsed  string            `json:"elapsed"`
	Error    string            `json:"error,omitempty"`
}

func main() {
	addr := flag.String("addr", "127.0.0.1:8443", "edgemuxd listen address")
	proto := flag.String("proto", "spdy/2", "protocol offered through ALPN or used by prior knowledge")
	useTLS := flag.Bool("tls", false, "dial with TLS")
	caFile := flag.String("ca", "", "PEM CA bundle for TLS verification")
	serverName := flag.String("server-name", "localhost", "TLS server name")
	path := flag.String("path", "/", "request path")
	body := flag.String("body", "", "request body (POST when set)")
	n := flag.Int("n", 1, "number of requests (concurrent on spdy/2)")
	watch := flag.Duration("watch", 0, "after the requests, print server pushes for this long")
	timeout := flag.Duration("timeout", 10*time.Second, "overall timeout")
	flag.Parse()

	observability.InitLogger("edgemuxctl")
	ctx, cancel := context.WithTimeout(context.Background(), *timeout+*watch)
	defer cancel()

	cfg := client.DefaultConfig()
	cfg.Addr = *addr
	cfg.Protocol = *proto
	if *useTLS {
		tlsCfg, err := clientTLS(*caFile, *serverName)
		if err != nil {
			log.Fatal().Err(err).Msg("tls config")
		}
		cfg.TLS = tlsCfg
	}
	c, err := client.Dial(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("dial failed")
	}
	defer c.Close()
	log.Info().Str("protocol", c.Protocol()).Str("negotiated", c.Negotiated()).Msg("connected")

	enc := json.NewEncoder(os.Stdout)
	var mu sync.Mutex
	emit := func(r result) {
		mu.Lock()
		defer mu.Unlock()
		_ = enc.Encode(r)
	}

	var wg sync.WaitGroup
	for i := 0; i < *n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			resp, err := c.Do(ctx, client.Request{Path: *path, Body: []byte(*body)})
			r := result{
				Protocol: c.Protocol(),
				StreamID: resp.StreamID,
				Status:   resp.Status,
				Headers:  resp.Headers,
				Body:     string(resp.Body),
				Elapsed:  time.Since(start).String(),
			}
			if err != nil {
				r.Error = err.Error()
			}
			emit(r)
		}()
	}
	wg.Wait()

	if *watch <= 0 || c.Pushes() == nil {
		return
	}
	deadline := time.After(*watch)
	for {
		select {
		case p, ok := <-c.Pushes():
			if !ok {
				return
			}
			emit(result{Protocol: c.Protocol(), Status: p.Status, Headers: p.Headers, Body: string(p.Body)})
		case <-deadline:
			return
		}
	}
}

func clientTLS(caFile, serverName string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: serverName}
	if caFile == "" {
		return cfg, nil
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates in %s", caFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}
