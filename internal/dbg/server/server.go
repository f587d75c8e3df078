// Package server serves the dbgapi protocol on a local socket.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-multierror"

	"gni.dev/dbgapi/internal/dbg/api"
)

const defaultWriteTimeout = 10 * time.Second

type Config struct {
	// Network is "unix" or "tcp".
	Network string
	// Address is a socket path or a loopback host:port.
	Address string
	// MaxMessageSize bounds one request frame.
	MaxMessageSize int
	// WriteTimeout bounds writing one response.
	WriteTimeout time.Duration
}

type serverState int

const (
	stateIdle serverState = iota
	stateListening
	stateStopped
)

type Server struct {
	cfg        Config
	dispatcher *Dispatcher
	log        logr.Logger

	mu       sync.Mutex
	state    serverState
	listener net.Listener
	conns    map[net.Conn]struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewServer(cfg Config, d *Dispatcher, log logr.Logger) *Server {
	if cfg.Network == "" {
		cfg.Network = "unix"
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = api.DefaultMaxMessageSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	return &Server{
		cfg:        cfg,
		dispatcher: d,
		log:        log,
		conns:      make(map[net.Conn]struct{}),
	}
}

// Start binds the socket and begins accepting connections in the
// background. Requests are dispatched under a context derived from ctx
// that Stop cancels.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateIdle {
		return errors.New("server already started")
	}

	if s.cfg.Network == "unix" {
		if err := os.Remove(s.cfg.Address); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing stale socket %s: %w", s.cfg.Address, err)
		}
	}
	l, err := net.Listen(s.cfg.Network, s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Address, err)
	}

	s.listener = l
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.state = stateListening

	s.wg.Add(1)
	go s.acceptLoop(l)

	s.log.Info("server listening", "network", s.cfg.Network, "address", l.Addr().String())
	return nil
}

// Serve runs the server until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every open connection, releases requests
// blocked in the host and waits for connection goroutines to finish. It is
// safe to call more than once.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.state != stateListening {
		s.state = stateStopped
		s.mu.Unlock()
		return nil
	}
	s.state = stateStopped
	s.cancel()

	var result *multierror.Error
	if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		result = multierror.Append(result, fmt.Errorf("closing listener: %w", err))
	}
	for c := range s.conns {
		if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, fmt.Errorf("closing connection: %w", err))
		}
	}
	s.mu.Unlock()

	s.wg.Wait()

	if s.cfg.Network == "unix" {
		if err := os.Remove(s.cfg.Address); err != nil && !os.IsNotExist(err) {
			result = multierror.Append(result, err)
		}
	}
	s.log.Info("server stopped")
	return result.ErrorOrNil()
}

func (s *Server) acceptLoop(l net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				return
			}
			s.log.Error(err, "accept failed")
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if !s.track(conn) {
			conn.Close()
			return
		}
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			newSession(s, conn).serve()
		}()
	}
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateListening {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}
