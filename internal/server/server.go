// Package server owns the process surface: the TCP listener the PBX dials,
// the Identify handshake that admits a call into a pipeline, the live-call
// registry, and the HTTP admin listener (health probes and metrics).
//
// Graceful shutdown drains rather than drops: the accept loop stops, every
// live pipeline is asked to wind its call down through the transfer phrase,
// and only after the drain window expires are the remaining calls cut.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxline-ai/voxline/internal/audiosocket"
	"github.com/voxline-ai/voxline/internal/health"
	"github.com/voxline-ai/voxline/internal/observe"
)

const (
	defaultHandshakeTimeout = 5 * time.Second
	defaultDrainTimeout     = 30 * time.Second
	httpShutdownTimeout     = 5 * time.Second
)

// CallRunner is the per-call pipeline as the server sees it. [pipeline.Pipeline]
// implements it.
type CallRunner interface {
	// Run drives the call until it ends; it owns the connection.
	Run(ctx context.Context) error
	// Shutdown asks the call to wind down gracefully.
	Shutdown()
}

// PipelineFactory builds the pipeline for an admitted call. conn has
// completed the Identify handshake and callID is its canonical UUID string.
type PipelineFactory func(conn net.Conn, callID string) (CallRunner, error)

// Config assembles the server's collaborators.
type Config struct {
	// ListenAddr is the TCP address the PBX dials, e.g. ":9092".
	ListenAddr string

	// HTTPAddr is the admin listener address, e.g. ":9090". Empty disables
	// the HTTP listener.
	HTTPAddr string

	// NewPipeline admits a call. Required.
	NewPipeline PipelineFactory

	// HandshakeTimeout bounds the wait for the Identify frame. A PBX that
	// connects and stays silent is cut after this window. Defaults to 5 s.
	HandshakeTimeout time.Duration

	// DrainTimeout is how long shutdown waits for live calls to finish
	// before cutting them. Defaults to 30 s.
	DrainTimeout time.Duration

	// KVCheck reports session-mirror connectivity for the liveness probe.
	// Optional.
	KVCheck func(ctx context.Context) error

	// ReadyChecks are the per-dependency probes behind /health/ready.
	ReadyChecks []health.Checker

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Server accepts PBX connections and runs one pipeline per admitted call.
type Server struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	calls    map[string]CallRunner
	addr     string
	httpAddr string

	wg sync.WaitGroup
}

// New validates cfg and returns a Server ready to Run.
func New(cfg Config) (*Server, error) {
	if cfg.ListenAddr == "" {
		return nil, errors.New("server: ListenAddr is required")
	}
	if cfg.NewPipeline == nil {
		return nil, errors.New("server: NewPipeline is required")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		cfg:   cfg,
		log:   cfg.Logger,
		calls: make(map[string]CallRunner),
	}, nil
}

// Addr returns the bound listener address. Empty until Run has started
// listening; useful when ListenAddr requested an ephemeral port.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// HTTPAddr returns the bound admin listener address, empty when the admin
// listener is disabled or not yet up.
func (s *Server) HTTPAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.httpAddr
}

// ActiveCalls returns the number of live pipelines.
func (s *Server) ActiveCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// Run listens and serves until ctx is cancelled, then drains. It returns
// once every call has ended or been cut after the drain window.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	s.log.Info("listening for calls", "addr", ln.Addr().String())

	httpSrv := s.startHTTP()

	// Calls outlive ctx during the drain window; they get their own root.
	callsCtx, cancelCalls := context.WithCancel(context.Background())
	defer cancelCalls()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(callsCtx, conn)
		}()
	}

	s.drain(cancelCalls)

	if httpSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(sctx); err != nil {
			s.log.Warn("http shutdown", "error", err)
		}
	}
	return nil
}

// drain asks every live pipeline to wind down, waits out the drain window,
// and cuts whatever is left.
func (s *Server) drain(cancelCalls context.CancelFunc) {
	s.mu.Lock()
	n := len(s.calls)
	for _, p := range s.calls {
		if p != nil { // nil is a handshake reservation; no pipeline yet
			p.Shutdown()
		}
	}
	s.mu.Unlock()
	if n > 0 {
		s.log.Info("draining live calls", "count", n, "timeout", s.cfg.DrainTimeout)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.DrainTimeout):
		s.log.Warn("drain window expired, cutting remaining calls", "remaining", s.ActiveCalls())
		cancelCalls()
		<-done
	}
}

// handleConn performs the Identify handshake and, if the call is admitted,
// runs its pipeline to completion.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	callID, err := s.handshake(conn)
	if err != nil {
		s.log.Warn("rejecting connection", "remote", conn.RemoteAddr().String(), "error", err)
		_, _ = conn.Write(audiosocket.EncodeError(err.Error()))
		_ = conn.Close()
		return
	}

	p, err := s.cfg.NewPipeline(conn, callID)
	if err != nil {
		s.log.Error("building pipeline", "call_id", callID, "error", err)
		_, _ = conn.Write(audiosocket.EncodeError("internal error"))
		_ = conn.Close()
		s.release(callID)
		return
	}

	s.mu.Lock()
	s.calls[callID] = p
	s.mu.Unlock()
	defer s.release(callID)

	s.log.Info("call admitted", "call_id", callID, "remote", conn.RemoteAddr().String())
	if err := p.Run(ctx); err != nil {
		s.log.Error("pipeline failed", "call_id", callID, "error", err)
	}
}

// handshake reads the Identify frame within the handshake window and claims
// the call ID in the registry. The pipeline does not start on any failure.
func (s *Server) handshake(conn net.Conn) (string, error) {
	if err := conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout)); err != nil {
		return "", fmt.Errorf("server: set handshake deadline: %w", err)
	}

	frame, err := audiosocket.ReadFrame(conn)
	if err != nil {
		return "", fmt.Errorf("server: read identify frame: %w", err)
	}
	if frame.Kind != audiosocket.KindIdentify {
		return "", fmt.Errorf("server: expected identify frame, got %s", frame.Kind)
	}
	callID, err := audiosocket.ParseCallID(frame.Payload)
	if err != nil {
		return "", fmt.Errorf("server: %w", err)
	}

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return "", fmt.Errorf("server: clear handshake deadline: %w", err)
	}

	if !s.claim(callID) {
		return "", fmt.Errorf("server: call %s is already live", callID)
	}
	return callID, nil
}

// claim reserves callID in the live-call registry. The reservation holds a
// nil runner until handleConn swaps in the real pipeline.
func (s *Server) claim(callID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, live := s.calls[callID]; live {
		return false
	}
	s.calls[callID] = nil
	return true
}

func (s *Server) release(callID string) {
	s.mu.Lock()
	delete(s.calls, callID)
	s.mu.Unlock()
}

// startHTTP brings up the admin listener: health probes and the Prometheus
// scrape endpoint, wrapped in the tracing middleware when metrics are wired.
func (s *Server) startHTTP() *http.Server {
	if s.cfg.HTTPAddr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		s.log.Error("admin listener failed to bind", "addr", s.cfg.HTTPAddr, "error", err)
		return nil
	}
	s.mu.Lock()
	s.httpAddr = ln.Addr().String()
	s.mu.Unlock()

	mux := http.NewServeMux()
	health.New(s.ActiveCalls, s.cfg.KVCheck, s.cfg.ReadyChecks...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	var handler http.Handler = mux
	if s.cfg.Metrics != nil {
		handler = observe.Middleware(s.cfg.Metrics)(mux)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		s.log.Info("admin listener up", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("admin listener failed", "error", err)
		}
	}()
	return srv
}
