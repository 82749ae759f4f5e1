// Package service runs the wrm front end: the listener, the admission gate,
// one goroutine per connection, and the pipeline assembled from config.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/go-appsec/wrm/wrm/config"
	"github.com/go-appsec/wrm/wrm/service/history"
	"github.com/go-appsec/wrm/wrm/service/pipeline"
	"github.com/go-appsec/wrm/wrm/service/store"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("wrm: server closed")

// Server accepts connections and runs each through the pipeline.
type Server struct {
	cfg     *config.Config
	handler pipeline.Handler
	host    *pipeline.Host
	metrics *Metrics
	history *history.Store
	storage *store.MemStorage
	gate    *semaphore.Weighted

	mu         sync.Mutex
	listener   net.Listener
	metricsSrv *http.Server

	// Runtime state
	started    chan struct{}
	shutdownCh chan struct{}

	// Shutdown coordination
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	closed      atomic.Bool
	activeConns sync.Map // *onceCloseConn, force-closed after the shutdown deadline
}

// NewServer builds the pipeline described by cfg. A nil cfg uses defaults.
func NewServer(cfg *config.Config) (*Server, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	storage := store.NewMemStorage()
	s := &Server{
		cfg:        cfg,
		metrics:    NewMetrics(),
		history:    history.NewStore(storage, cfg.History.Capacity),
		storage:    storage,
		gate:       semaphore.NewWeighted(int64(cfg.MaxConnections)),
		started:    make(chan struct{}),
		shutdownCh: make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	host, err := newHost(cfg, s.metrics, s.history)
	if err != nil {
		return nil, fmt.Errorf("setup pipeline: %w", err)
	}
	if s.handler, err = host.Build(); err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}
	s.host = host
	return s, nil
}

// History returns the exchange history recorded by the pipeline.
func (s *Server) History() *history.Store {
	return s.history
}

// Metrics returns the server's collectors.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Stages returns the pipeline stage names in order.
func (s *Server) Stages() []string {
	return s.host.StageNames()
}

// Addr returns the listener address, or empty before Serve.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// WaitTillStarted blocks until Run has its listener open.
func (s *Server) WaitTillStarted() {
	<-s.started
}

// Run listens on the configured address and serves until the context ends,
// a SIGINT/SIGTERM arrives, or RequestShutdown is called.
func (s *Server) Run(ctx context.Context) error {
	log.Printf("wrm: server starting (version=%s)", config.Version)

	markStarted := sync.OnceFunc(func() { close(s.started) })
	defer markStarted()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ln, err := Listen(ctx, s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddr, err)
	}
	if s.cfg.MetricsAddr != "" {
		if err := s.startMetrics(ctx); err != nil {
			_ = ln.Close()
			return err
		}
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.Serve(ln) }()

	markStarted()
	log.Printf("wrm: listening on %s (stages: %v)", ln.Addr(), s.Stages())

	select {
	case <-ctx.Done():
		log.Printf("wrm: context cancelled, initiating shutdown")
	case sig := <-sigCh:
		log.Printf("wrm: received signal %v, initiating shutdown", sig)
	case <-s.shutdownCh:
		log.Printf("wrm: shutdown requested")
	case err := <-serveErr:
		_ = s.shutdown()
		return err
	}

	return s.shutdown()
}

// RequestShutdown asks a running Run to shut down.
func (s *Server) RequestShutdown() {
	select {
	case <-s.shutdownCh:
		// Already shutting down
	default:
		close(s.shutdownCh)
	}
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Std())
	defer cancel()

	if err := s.Shutdown(ctx); errors.Is(err, context.DeadlineExceeded) {
		log.Printf("wrm: connections still open after %v were force closed", s.cfg.ShutdownTimeout.Std())
	} else if err != nil {
		return err
	}
	log.Printf("wrm: server stopped (%d exchanges recorded)", s.history.Count())
	return nil
}

// Serve accepts connections from ln until Shutdown. The accept loop holds
// an admission slot before each Accept, so a full gate blocks accepting.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	for {
		waitStart := time.Now()
		if err := s.gate.Acquire(s.ctx, 1); err != nil {
			return ErrServerClosed
		}
		s.metrics.observeAdmission(time.Since(waitStart))

		conn, err := ln.Accept()
		if err == nil && s.closed.Load() {
			_ = conn.Close()
			err = net.ErrClosed
		}
		if err != nil {
			s.gate.Release(1)
			if s.closed.Load() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				log.Printf("wrm: accept error: %v", err)
				time.Sleep(5 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.gate.Release(1)
			s.handleConnection(conn)
		}()
	}
}

// handleConnection runs the pipeline for one connection and closes the
// socket exactly once, however the pipeline ends.
func (s *Server) handleConnection(raw net.Conn) {
	conn := &onceCloseConn{Conn: raw}
	s.activeConns.Store(conn, struct{}{})
	s.metrics.connOpened()

	cc := pipeline.NewContext(uuid.NewString(), conn)
	defer func() {
		_ = cc.Close()
		_ = conn.Close()
		s.activeConns.Delete(conn)
		s.metrics.connClosed(cc)
	}()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("wrm: conn %s: panic: %v", cc.ID, r)
		}
	}()

	if err := s.handler(s.ctx, cc); err != nil && !isQuietError(err) {
		log.Printf("wrm: conn %s (%s, %s): %v", cc.ID, cc.RemoteAddr, cc.Protocol, err)
	}
}

// Shutdown stops accepting, waits for connections to finish, and force-closes
// whatever is still open when ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil // already closed
	}

	s.mu.Lock()
	ln, metricsSrv := s.listener, s.metricsSrv
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(ctx); err != nil {
			log.Printf("wrm: metrics server shutdown error: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		// All connections finished
	case <-ctx.Done():
		// Timeout - cancel pipelines and force-close the sockets
		s.cancel()
		s.activeConns.Range(func(key, _ any) bool {
			if conn, ok := key.(net.Conn); ok {
				_ = conn.Close()
			}
			return true
		})
		<-done
		err = ctx.Err()
	}
	s.cancel() // unblock a Serve waiting on the gate
	return err
}

// Close releases the history storage. Call after Shutdown once the history
// is no longer needed.
func (s *Server) Close() error {
	return s.storage.Close()
}

func (s *Server) startMetrics(ctx context.Context) error {
	ln, err := Listen(ctx, s.cfg.MetricsAddr)
	if err != nil {
		return fmt.Errorf("metrics listen on %s: %w", s.cfg.MetricsAddr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	s.mu.Lock()
	s.metricsSrv = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("wrm: metrics server error: %v", err)
		}
	}()
	log.Printf("wrm: metrics on http://%s/metrics", ln.Addr())
	return nil
}

// onceCloseConn closes the underlying socket only on the first Close, so the
// pipeline and a shutdown force-close can race safely.
type onceCloseConn struct {
	net.Conn
	once sync.Once
	err  error
}

func (c *onceCloseConn) Close() error {
	c.once.Do(func() { c.err = c.Conn.Close() })
	return c.err
}

func isQuietError(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.Canceled) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
