package client

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// legacyConn runs one exchange at a time over HTTP/1.1.
type legacyConn struct {
	mu   sync.Mutex
	nc   net.Conn
	rd   *bufio.Reader
	host string
}

func newLegacyConn(nc net.Conn, host string) *legacyConn {
	return &legacyConn{nc: nc, rd: bufio.NewReader(nc), host: host}
}

func (l *legacyConn) do(ctx context.Context, req Request) (Response, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hr, err := http.NewRequestWithContext(ctx, req.Method, "http://"+l.host+req.Path, body)
	if err != nil {
		return Response{}, err
	}
	for k, v := range req.Headers {
		hr.Header.Set(k, v)
	}

	stop := context.AfterFunc(ctx, func() { _ = l.nc.SetDeadline(time.Now()) })
	defer stop()
	if err := hr.Write(l.nc); err != nil {
		return Response{}, l.wrapErr(ctx, err)
	}
	resp, err := http.ReadResponse(l.rd, hr)
	if err != nil {
		return Response{}, l.wrapErr(ctx, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, l.wrapErr(ctx, err)
	}
	headers := make(map[string]string, len(resp.Header))
	for k, v := range resp.Header {
		headers[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	return Response{Status: resp.StatusCode, Headers: headers, Body: data}, nil
}

func (l *legacyConn) wrapErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %v", ErrClosed, err)
}

func (l *legacyConn) pushes() <-chan Response { return nil }

func (l *legacyConn) close() error { return l.nc.Close() }
