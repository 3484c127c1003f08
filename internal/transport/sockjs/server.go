package sockjs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"nhooyr.io/websocket"

	"github.com/omochice/room-chat/internal/chat"
	"github.com/omochice/room-chat/pkg/protocol"
)

// DefaultHeartbeat is how often the server sends an h frame.
const DefaultHeartbeat = 25 * time.Second

// Handler serves a SockJS endpoint with the websocket transport only.
// Mount it under prefix, for example "/chat".
type Handler struct {
	hub       *chat.Hub
	prefix    string
	logger    *slog.Logger
	heartbeat time.Duration
}

// NewHandler creates a Handler for the endpoint mounted at prefix.
func NewHandler(hub *chat.Hub, prefix string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		hub:       hub,
		prefix:    strings.TrimSuffix(prefix, "/"),
		logger:    logger,
		heartbeat: DefaultHeartbeat,
	}
}

// SetHeartbeat changes the h frame interval. Zero disables it.
func (h *Handler) SetHeartbeat(d time.Duration) {
	h.heartbeat = d
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, h.prefix)
	switch path {
	case "", "/":
		w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
		io.WriteString(w, "Welcome to SockJS!\n")
		return
	case "/info", "/info/":
		h.serveInfo(w, r)
		return
	}

	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 || parts[2] != "websocket" || !validSegment(parts[0]) || !validSegment(parts[1]) {
		http.NotFound(w, r)
		return
	}
	h.serveWebsocket(w, r)
}

func (h *Handler) serveInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Methods", "OPTIONS, GET")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.Header().Set("Cache-Control", "no-store, no-cache, no-transform, must-revalidate, max-age=0")
	json.NewEncoder(w).Encode(Info{
		Websocket: true,
		Origins:   []string{"*:*"},
		Entropy:   rand.Int63(),
	})
}

func (h *Handler) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		h.logger.Warn("failed to accept sockjs websocket", "remote", r.RemoteAddr, "error", err)
		return
	}
	c.SetReadLimit(protocol.MaxFrameSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn := &serverConn{conn: c, addr: r.RemoteAddr}
	if err := c.Write(ctx, websocket.MessageText, []byte("o")); err != nil {
		h.logger.Debug("failed to open sockjs session", "remote", r.RemoteAddr, "error", err)
		c.Close(websocket.StatusInternalError, "")
		return
	}
	if h.heartbeat > 0 {
		go conn.heartbeats(ctx, h.heartbeat)
	}

	if err := h.hub.Serve(ctx, conn); err != nil {
		h.logger.Debug("sockjs session ended", "remote", r.RemoteAddr, "error", err)
	}
}

func validSegment(s string) bool {
	return s != "" && !strings.Contains(s, ".")
}

// serverConn frames hub traffic as SockJS messages.
type serverConn struct {
	conn    *websocket.Conn
	addr    string
	pending [][]byte
}

// Read implements chat.Conn.
func (c *serverConn) Read(ctx context.Context) ([]byte, error) {
	for len(c.pending) == 0 {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		msgs, err := decodeClientFrame(data)
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			c.pending = append(c.pending, []byte(m))
		}
	}
	msg := c.pending[0]
	c.pending = c.pending[1:]
	return msg, nil
}

// decodeClientFrame accepts a JSON array of strings or a single string.
func decodeClientFrame(data []byte) ([]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var msgs []string
	if err := json.Unmarshal(data, &msgs); err == nil {
		return msgs, nil
	}
	var msg string
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed sockjs client frame: %w", err)
	}
	return []string{msg}, nil
}

// Write implements chat.Conn.
func (c *serverConn) Write(ctx context.Context, data []byte) error {
	if !utf8.Valid(data) {
		return ErrBinaryPayload
	}
	body, err := json.Marshal([]string{string(data)})
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, append([]byte{'a'}, body...))
}

// Close implements chat.Conn.
func (c *serverConn) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = c.conn.Write(ctx, websocket.MessageText, []byte(`c[3000,"Go away!"]`))
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return nil
	}
	return err
}

// RemoteAddr implements chat.Conn.
func (c *serverConn) RemoteAddr() string {
	return c.addr
}

func (c *serverConn) heartbeats(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.conn.Write(ctx, websocket.MessageText, []byte("h")); err != nil {
				return
			}
		}
	}
}
