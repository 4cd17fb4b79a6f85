// Package gateway runs one HTTP server per variant and manages their
// lifecycle.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"ondevice-gateway/internal/variant"
)

type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

var ErrStopping = errors.New("gateway: server is stopping")

// Listen is the address one variant binds.
type Listen struct {
	Host string
	Port int
}

func (l Listen) Addr() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

type Timeouts struct {
	ReadHeader time.Duration
	// Shutdown bounds a graceful stop before open connections are closed.
	Shutdown time.Duration
}

// Server is the lifecycle owner of one variant's listener. Its state and
// last error are written only by Start, Stop and the accept loop exiting.
type Server struct {
	variant  variant.Variant
	handler  http.Handler
	logger   *zap.Logger
	timeouts Timeouts

	mu      sync.Mutex
	state   State
	lastErr error
	srv     *http.Server
	addr    net.Addr
	done    chan struct{}
}

func NewServer(v variant.Variant, handler http.Handler, logger *zap.Logger, t Timeouts) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if t.ReadHeader <= 0 {
		t.ReadHeader = 10 * time.Second
	}
	if t.Shutdown <= 0 {
		t.Shutdown = 10 * time.Second
	}
	return &Server{
		variant:  v,
		handler:  handler,
		logger:   logger.With(zap.String("variant", v.String())),
		timeouts: t,
	}
}

// Start binds l and begins serving. It is a no-op while running; a bind
// failure is recorded and leaves the server stopped.
func (s *Server) Start(ctx context.Context, l Listen) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateRunning, StateStarting:
		return nil
	case StateStopping:
		return ErrStopping
	}
	s.state = StateStarting

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.Addr())
	if err != nil {
		s.lastErr = fmt.Errorf("gateway: bind %s for %s: %w", l.Addr(), s.variant, err)
		s.state = StateStopped
		s.logger.Error("gateway_bind_failed", zap.String("addr", l.Addr()), zap.Error(err))
		return s.lastErr
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.timeouts.ReadHeader,
		ErrorLog:          zap.NewStdLog(s.logger),
	}
	done := make(chan struct{})

	s.srv = srv
	s.addr = ln.Addr()
	s.done = done
	s.lastErr = nil
	s.state = StateRunning

	go s.serve(srv, ln, done)

	s.logger.Info("gateway_started",
		zap.String("addr", s.addr.String()),
		zap.String("model", s.variant.DisplayName()),
	)
	return nil
}

func (s *Server) serve(srv *http.Server, ln net.Listener, done chan struct{}) {
	defer close(done)

	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == srv {
		s.lastErr = fmt.Errorf("gateway: serve %s: %w", s.variant, err)
		s.state = StateStopped
		s.srv = nil
		s.addr = nil
	}
	s.logger.Error("gateway_serve_failed", zap.Error(err))
}

// Stop releases the port. It waits for in-flight requests up to the shutdown
// timeout, then closes what is left. Stopping a stopped server is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	srv, done := s.srv, s.done
	s.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, s.timeouts.Shutdown)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)
	if err != nil {
		s.logger.Warn("gateway_shutdown_forced", zap.Error(err))
		err = srv.Close()
	}
	<-done

	s.mu.Lock()
	s.state = StateStopped
	s.srv = nil
	s.addr = nil
	s.mu.Unlock()

	s.logger.Info("gateway_stopped")
	return err
}

func (s *Server) Variant() variant.Variant { return s.variant }

func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Server) IsRunning() bool {
	return s.State() == StateRunning
}

// LastError is the most recent bind or serve failure, cleared by a
// successful Start.
func (s *Server) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Addr is the bound address while running, nil otherwise.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}
