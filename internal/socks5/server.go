package socks5

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JoshCap20/simple-socks5/internal/logging"
	"github.com/JoshCap20/simple-socks5/internal/recovery"
)

// DefaultMaxConnections is the acceptor's connection-cap default (spec
// section 4.8).
const DefaultMaxConnections = 200

// ServerConfig holds the server's process-wide, read-only configuration:
// assembled once before the accept loop starts, never mutated after.
type ServerConfig struct {
	// Address to listen on, e.g. "127.0.0.1:1080".
	Address string

	// MaxConnections bounds in-flight connections (0 uses the default).
	MaxConnections int

	Handler HandlerConfig

	Logger  *slog.Logger
	Metrics RequestObserver
}

// Server is the SOCKS5 proxy's acceptor: it owns the listen socket,
// enforces the connection cap, and spawns one worker per accepted
// connection.
type Server struct {
	cfg     ServerConfig
	handler *Handler

	listener net.Listener
	tracker  *connTracker[net.Conn]
	logger   *slog.Logger

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewServer builds a Server. The handler is constructed once here and
// shared read-only across every worker.
func NewServer(cfg ServerConfig) *Server {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	if cfg.Handler.Logger == nil {
		cfg.Handler.Logger = logger
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopObserver{}
	}

	return &Server{
		cfg:     cfg,
		handler: NewHandler(cfg.Handler),
		tracker: newConnTracker[net.Conn](),
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Start binds the listen socket and begins accepting. Returns a non-nil
// error if the listen socket cannot be bound, so the CLI can exit non-zero.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("socks5: server already running")
	}

	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("socks5: listen: %w", err)
	}

	s.listener = listener
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop closes the listen socket and every tracked connection, then waits
// for all workers to return. Safe to call more than once.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.running.Store(false)
		close(s.stopCh)
		if s.listener != nil {
			err = s.listener.Close()
		}
		s.tracker.closeAll()
	})
	s.wg.Wait()
	return err
}

// StopWithContext stops the server, giving up and returning ctx.Err() if
// shutdown does not complete before ctx is done.
func (s *Server) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- s.Stop() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Address returns the bound listen address, or nil before Start.
func (s *Server) Address() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ConnectionCount returns the number of in-flight connections.
func (s *Server) ConnectionCount() int64 {
	return s.tracker.count()
}

// IsRunning reports whether the acceptor is currently accepting.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// acceptLoop is the acceptor's main loop: at the connection cap, new
// connections are closed immediately without any SOCKS greeting;
// otherwise a worker is spawned per connection.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.logger.Warn("accept failed", logging.KeyError, err)
				continue
			}
		}

		if s.tracker.count() >= int64(s.cfg.MaxConnections) {
			s.logger.Warn("connection cap reached, rejecting",
				logging.KeyRemoteAddr, conn.RemoteAddr().String(),
				logging.KeyCount, s.cfg.MaxConnections)
			s.cfg.Metrics.ConnectionRejected()
			conn.Close()
			continue
		}

		s.tracker.add(conn)
		s.wg.Add(1)
		go s.runWorker(conn)
	}
}

// runWorker is one connection's worker: workers are independent and share
// no mutable state beyond the connection counter and the read-only
// configuration. A panic in Handle must not bring down the acceptor.
func (s *Server) runWorker(conn net.Conn) {
	defer s.wg.Done()
	defer s.tracker.remove(conn)
	defer recovery.RecoverWithLog(s.logger, "socks5 worker")

	s.handler.Handle(conn)
}
