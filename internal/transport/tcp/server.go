package tcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/omochice/room-chat/internal/chat"
)

// Server accepts STOMP-over-TCP connections and delegates them to Hub.
type Server struct {
	address  string
	listener net.Listener
	hub      *chat.Hub
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	wg     sync.WaitGroup
}

// New creates a TCP server that uses the provided Hub.
func New(address string, hub *chat.Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		address: address,
		hub:     hub,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Listen binds the listening socket.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to start TCP server: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.logger.Info("TCP server started", "addr", listener.Addr().String())
	return nil
}

// Serve accepts connections until Stop is called. Listen must have
// succeeded first.
func (s *Server) Serve() error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return errors.New("tcp server is not listening")
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Warn("failed to accept TCP connection", "error", err)
			continue
		}

		s.wg.Add(1)
		go s.handleClient(conn)
	}
}

// Start listens and serves.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Stop closes the listener and every open session, then waits for them.
func (s *Server) Stop() {
	s.cancel()
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func (s *Server) handleClient(conn net.Conn) {
	defer s.wg.Done()
	c := NewConn(conn)
	s.logger.Debug("tcp client connected", "remote", c.RemoteAddr())
	if err := s.hub.Serve(s.ctx, c); err != nil {
		s.logger.Debug("tcp session ended", "remote", c.RemoteAddr(), "error", err)
	}
}
