// Package server is the development backend: the room REST API plus the
// STOMP hub reachable over websocket, SockJS and raw TCP.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/omochice/room-chat/internal/chat"
	"github.com/omochice/room-chat/internal/transport/sockjs"
	"github.com/omochice/room-chat/internal/transport/tcp"
	"github.com/omochice/room-chat/internal/transport/ws"
)

// sniffTimeout bounds how long a new connection may take to send its
// first bytes.
const sniffTimeout = 5 * time.Second

// Config configures a Server.
type Config struct {
	// Addr serves HTTP and raw STOMP on the same port.
	Addr string
	// TCPAddr additionally serves raw STOMP on a dedicated port when set.
	TCPAddr string
	// NATSURL enables the NATS bridge when set.
	NATSURL   string
	Heartbeat time.Duration
	Logger    *slog.Logger
}

// Server represents the chat backend.
type Server struct {
	cfg    Config
	logger *slog.Logger
	store  *chat.Store
	hub    *chat.Hub
	router *gin.Engine

	listener net.Listener
	httpL    *chanListener
	http     *http.Server
	tcp      *tcp.Server
	bridge   *Bridge

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	wg     sync.WaitGroup
}

// New creates a Server. Nothing listens until Start.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := chat.NewStore()
	hub := chat.NewHub(store, chat.WithLogger(logger), chat.WithHeartBeat(cfg.Heartbeat))

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))
	setupRoutes(router, store, ws.NewHandler(hub, logger), sockjs.NewHandler(hub, "/chat", logger))

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		logger: logger,
		store:  store,
		hub:    hub,
		router: router,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Handler returns the HTTP handler, for use with httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the message hub.
func (s *Server) Hub() *chat.Hub {
	return s.hub
}

// Store returns the room store.
func (s *Server) Store() *chat.Store {
	return s.store
}

// Start binds every configured listener and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	if s.cfg.TCPAddr != "" {
		s.tcp = tcp.New(s.cfg.TCPAddr, s.hub, s.logger)
		if err := s.tcp.Listen(); err != nil {
			listener.Close()
			return err
		}
	}
	if s.cfg.NATSURL != "" {
		bridge, err := NewBridge(s.cfg.NATSURL, s.hub, s.logger)
		if err != nil {
			listener.Close()
			if s.tcp != nil {
				s.tcp.Stop()
			}
			return err
		}
		s.bridge = bridge
	}

	s.mu.Lock()
	s.listener = listener
	s.httpL = newChanListener(listener.Addr())
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}
	s.mu.Unlock()

	s.wg.Add(2)
	go s.acceptConnections()
	go func() {
		defer s.wg.Done()
		if err := s.http.Serve(s.httpL); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	if s.tcp != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.tcp.Serve(); err != nil {
				s.logger.Error("tcp server error", "error", err)
			}
		}()
	}

	s.logger.Info("server started", "addr", listener.Addr().String(), "tcp", s.TCPAddr(), "nats", s.cfg.NATSURL != "")
	return nil
}

// Stop ends every session and waits for the listeners to shut down.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()

	s.mu.Lock()
	listener, httpSrv, httpL := s.listener, s.http, s.httpL
	s.mu.Unlock()

	var err error
	if listener != nil {
		listener.Close()
		httpL.Close()
		err = httpSrv.Shutdown(ctx)
	}
	if s.tcp != nil {
		s.tcp.Stop()
	}
	if s.bridge != nil {
		s.bridge.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
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

// TCPAddr returns the dedicated TCP listener's address, if any.
func (s *Server) TCPAddr() string {
	if s.tcp == nil {
		return ""
	}
	return s.tcp.Addr()
}

// acceptConnections accepts connections on the main port and determines
// the protocol of each.
func (s *Server) acceptConnections() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("failed to accept connection", "error", err)
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// handleConnection peeks at the first bytes and routes HTTP to the router
// and anything else to the hub as raw STOMP.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()

	reader := bufio.NewReader(conn)
	_ = conn.SetReadDeadline(time.Now().Add(sniffTimeout))
	httpConn, err := isHTTP(reader)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		s.logger.Debug("failed to peek connection", "remote", conn.RemoteAddr().String(), "error", err)
		conn.Close()
		return
	}

	bc := &bufferedConn{Conn: conn, reader: reader}
	if httpConn {
		s.httpL.push(bc)
		return
	}

	c := tcp.NewConn(bc)
	if err := s.hub.Serve(s.ctx, c); err != nil {
		s.logger.Debug("tcp session ended", "remote", c.RemoteAddr(), "error", err)
	}
}
