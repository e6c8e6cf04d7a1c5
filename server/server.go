// Package server implements the Connection Server (component E): it binds a
// TCP listener and drives one sampler goroutine per accepted connection
// through the handshake and streaming phases of the wire protocol.
package server

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/roboplc/metrics-exporter-scope/internal/registry"
)

// Server accepts connections on a single listener and fans out to one
// sampler goroutine per connection. Each connection's cadence, t0, and
// metadata schedule are private; the server never coalesces samplers.
type Server struct {
	cfg      Config
	registry *registry.Registry
	listener net.Listener
	logger   *slog.Logger

	mu       sync.Mutex
	closed   bool
	wg       sync.WaitGroup
	sessions map[*session]struct{}

	stats Stats
}

// New binds the listener and returns a Server ready for Serve. A bind
// failure is returned as a *Error with Code == ErrCodeBind.
func New(cfg Config, reg *registry.Registry) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return nil, BindError("listen on "+cfg.BindAddr, err)
	}
	return &Server{
		cfg:      cfg,
		registry: reg,
		listener: ln,
		logger:   cfg.Logger,
		sessions: make(map[*session]struct{}),
	}, nil
}

// Addr returns the address the listener is actually bound to, useful when
// Config.BindAddr uses port 0 in tests.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve accepts connections until Shutdown closes the listener. It returns
// nil on a clean shutdown.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		sess := newSession(conn, s.cfg, s.registry, s.logger)

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.sessions[sess] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		atomic.AddUint64(&s.stats.ConnectionsAccepted, 1)
		s.logger.Debug("client connected", "remote", conn.RemoteAddr())

		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.sessions, sess)
				s.mu.Unlock()
				atomic.AddUint64(&s.stats.ConnectionsClosed, 1)
				atomic.AddUint64(&s.stats.PacketsDropped, sess.dropCount)
				s.logger.Debug("client disconnected", "remote", conn.RemoteAddr())
			}()
			sess.run()
		}()
	}
}

// Shutdown closes the listener and every active session, then waits for
// their goroutines to exit before returning.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for sess := range s.sessions {
		sess.close()
	}
	s.mu.Unlock()

	err := s.listener.Close()
	s.wg.Wait()
	return err
}

// Stats is a point-in-time snapshot of server-level operational counters.
// It is not part of the streaming wire protocol; it exists for the
// operator embedding this exporter, mirroring the runtime introspection
// contract this repo's teacher exposes through its control package.
type Stats struct {
	ConnectionsAccepted uint64
	ConnectionsClosed   uint64
	PacketsDropped      uint64
}

// Stats returns a snapshot of the server's operational counters.
func (s *Server) Stats() Stats {
	return Stats{
		ConnectionsAccepted: atomic.LoadUint64(&s.stats.ConnectionsAccepted),
		ConnectionsClosed:   atomic.LoadUint64(&s.stats.ConnectionsClosed),
		PacketsDropped:      atomic.LoadUint64(&s.stats.PacketsDropped),
	}
}
