package http1

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-appsec/wrm/wrm/service/httpmsg"
	"github.com/go-appsec/wrm/wrm/service/pipeline"
	"github.com/go-appsec/wrm/wrm/service/sniff"
	"github.com/go-appsec/wrm/wrm/service/tunnel"
)

// Config holds HTTP/1 engine limits and timeouts.
type Config struct {
	// FirstRequestTimeout bounds reading the first request head. Expiry
	// is answered with 408. It also bounds reading each request body, by the
	// handler and by the drain that follows it.
	FirstRequestTimeout time.Duration
	// KeepAliveTimeout bounds waiting for a later request. Expiry closes quietly.
	KeepAliveTimeout time.Duration

	MaxRequestLineBytes int
	MaxHeaderBytes      int
	// MaxRequests per connection before it is closed.
	MaxRequests int

	ServerName string
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		FirstRequestTimeout: 30 * time.Second,
		KeepAliveTimeout:    5 * time.Second,
		MaxRequestLineBytes: 8192,
		MaxHeaderBytes:      8192,
		MaxRequests:         100,
		ServerName:          "WRM/1.0",
	}
}

type engine struct {
	cfg Config
}

// Stage returns the pipeline stage that runs the HTTP/1 engine on
// connections tagged HTTP/1. Other connections pass through.
func Stage(cfg Config) pipeline.Stage {
	def := DefaultConfig()
	if cfg.FirstRequestTimeout <= 0 {
		cfg.FirstRequestTimeout = def.FirstRequestTimeout
	}
	if cfg.KeepAliveTimeout <= 0 {
		cfg.KeepAliveTimeout = def.KeepAliveTimeout
	}
	if cfg.MaxRequestLineBytes <= 0 {
		cfg.MaxRequestLineBytes = def.MaxRequestLineBytes
	}
	if cfg.MaxHeaderBytes <= 0 {
		cfg.MaxHeaderBytes = def.MaxHeaderBytes
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = def.MaxRequests
	}
	return &engine{cfg: cfg}
}

func (e *engine) Serve(ctx context.Context, cc *pipeline.Context, next pipeline.Handler) error {
	if cc.Protocol != sniff.HTTP1 || cc.Request != nil {
		return next(ctx, cc)
	}
	c := &conn{
		cfg:  e.cfg,
		cc:   cc,
		next: next,
		br:   bufio.NewReader(cc.Conn),
		bw:   bufio.NewWriter(cc.Conn),
		lim:  limits{maxRequestLine: e.cfg.MaxRequestLineBytes, maxHeaderBytes: e.cfg.MaxHeaderBytes},
	}
	return c.serve(ctx)
}

// conn is one HTTP/1 connection's request loop.
type conn struct {
	cfg  Config
	cc   *pipeline.Context
	next pipeline.Handler
	br   *bufio.Reader
	bw   *bufio.Writer
	lim  limits
}

func (c *conn) writeOptions() writeOptions {
	return writeOptions{
		serverName:       c.cfg.ServerName,
		keepAliveTimeout: c.cfg.KeepAliveTimeout,
		maxRequests:      c.cfg.MaxRequests,
	}
}

func (c *conn) serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = c.cc.Conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	for n := 0; ; n++ {
		timeout := c.cfg.KeepAliveTimeout
		if n == 0 {
			timeout = c.cfg.FirstRequestTimeout
		}

		req, err := c.readRequest(ctx, timeout)
		if err != nil {
			return c.handleReadError(ctx, n, err)
		}

		keepAlive := keepAliveDefault(req) && n+1 < c.cfg.MaxRequests
		if strings.EqualFold(req.Headers.Get("Expect"), "100-continue") && req.Version != httpmsg.Version10 {
			req.Body = &continueReader{r: req.Body, bw: c.bw}
		}

		c.setReadDeadline(ctx, time.Now().Add(c.cfg.FirstRequestTimeout))
		resp, blocked := c.invoke(ctx, req)
		if blocked {
			return nil // close without a response
		}

		if _, err := io.Copy(io.Discard, req.Body); err != nil {
			// framing lost; answer and close
			keepAlive = false
			if errors.Is(err, ErrMalformedChunk) {
				log.Printf("http1: %s bad request body from %v: %v", c.cc.ID, c.cc.RemoteAddr, err)
				if resp.Tunnel != nil {
					_ = resp.Tunnel.Close()
				}
				resp = errorResponse(http.StatusBadRequest)
			}
		}
		c.setReadDeadline(ctx, time.Time{})

		if resp.Tunnel != nil {
			if req.Method == http.MethodConnect && resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return c.relay(ctx, req, resp)
			}
			_ = resp.Tunnel.Close()
			resp.Tunnel = nil
		}

		if keepAlive, err = writeResponse(c.bw, req, resp, keepAlive, c.writeOptions()); err != nil {
			return nil // peer went away
		} else if !keepAlive {
			return nil
		}
	}
}

// readRequest reads one request head under a per-request timeout derived
// from ctx, then frames its body.
func (c *conn) readRequest(ctx context.Context, timeout time.Duration) (*httpmsg.Request, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(reqCtx, func() {
		_ = c.cc.Conn.SetReadDeadline(time.Unix(1, 0))
	})
	req, err := readRequestHead(c.br, c.lim)
	if !stop() && ctx.Err() == nil && errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
		return nil, os.ErrDeadlineExceeded
	}
	if err != nil {
		return nil, err
	}
	req.Body = newBodyReader(c.br, req.Headers, c.lim.maxHeaderBytes)
	return req, nil
}

// setReadDeadline sets the connection read deadline unless ctx is already
// done, in which case the past deadline set on cancellation is kept.
func (c *conn) setReadDeadline(ctx context.Context, t time.Time) {
	_ = c.cc.Conn.SetReadDeadline(t)
	if ctx.Err() != nil {
		_ = c.cc.Conn.SetReadDeadline(time.Unix(1, 0))
	}
}

func (c *conn) handleReadError(ctx context.Context, n int, err error) error {
	switch {
	case ctx.Err() != nil, errors.Is(err, io.EOF):
		return nil
	case errors.Is(err, os.ErrDeadlineExceeded):
		if n == 0 {
			_ = c.cc.Conn.SetWriteDeadline(time.Now().Add(time.Second))
			_ = writeError(c.bw, http.StatusRequestTimeout, c.writeOptions())
		}
		return nil
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrHeaderTooLarge):
		log.Printf("http1: %s bad request from %v: %v", c.cc.ID, c.cc.RemoteAddr, err)
		_ = writeError(c.bw, http.StatusBadRequest, c.writeOptions())
		return nil
	}
	return nil // transport failure, treated as a disconnect
}

// invoke runs the remaining stages for req. Every return path yields a
// response unless the exchange was blocked; errors and panics become 500.
func (c *conn) invoke(ctx context.Context, req *httpmsg.Request) (resp *httpmsg.Response, blocked bool) {
	cc := c.cc
	cc.BeginExchange(req)
	defer func() {
		if r := recover(); r != nil {
			log.Printf("http1: %s handler panic: %v", cc.ID, r)
			resp, blocked = internalError(), false
		}
	}()

	err := c.next(ctx, cc)
	if cc.Decision == pipeline.Block {
		return nil, true
	} else if err != nil {
		log.Printf("http1: %s handler error: %v", cc.ID, err)
		return internalError(), false
	} else if cc.Response == nil {
		return internalError(), false
	}
	return cc.Response, false
}

func internalError() *httpmsg.Response {
	return httpmsg.NewResponse(http.StatusInternalServerError, "text/plain; charset=utf-8", []byte("internal server error\n"))
}

// relay writes the tunnel response head then pumps bytes until either side ends.
func (c *conn) relay(ctx context.Context, req *httpmsg.Request, resp *httpmsg.Response) error {
	if _, err := writeResponse(c.bw, req, resp, false, c.writeOptions()); err != nil {
		_ = resp.Tunnel.Close()
		return nil
	}
	client := &bufferedConn{Conn: c.cc.Conn, r: c.br}
	if err := tunnel.Relay(ctx, client, resp.Tunnel); err != nil {
		log.Printf("http1: %s tunnel ended: %v", c.cc.ID, err)
	}
	return nil
}

// bufferedConn reads through the request reader so bytes already buffered
// after the CONNECT head reach the tunnel.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }

// continueReader sends "100 Continue" on the first body read.
type continueReader struct {
	r    io.Reader
	bw   *bufio.Writer
	sent bool
}

func (c *continueReader) Read(p []byte) (int, error) {
	if !c.sent {
		c.sent = true
		if _, err := c.bw.WriteString("HTTP/1.1 100 Continue\r\n\r\n"); err != nil {
			return 0, err
		} else if err := c.bw.Flush(); err != nil {
			return 0, err
		}
	}
	return c.r.Read(p)
}
