package ws

import (
	"log/slog"
	"net/http"

	"nhooyr.io/websocket"

	"github.com/omochice/room-chat/internal/chat"
	"github.com/omochice/room-chat/pkg/protocol"
)

// Handler accepts websocket upgrades and runs a STOMP session on each.
type Handler struct {
	hub    *chat.Hub
	logger *slog.Logger
}

// NewHandler creates a Handler that delegates sessions to hub.
func NewHandler(hub *chat.Hub, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{hub: hub, logger: logger}
}

// ServeHTTP blocks for the lifetime of the session. Sessions end when the
// request context is done.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   StompProtocols,
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("failed to accept websocket connection", "remote", r.RemoteAddr, "error", err)
		return
	}
	c.SetReadLimit(protocol.MaxFrameSize)

	h.logger.Debug("websocket connected", "remote", r.RemoteAddr, "subprotocol", c.Subprotocol())
	if err := h.hub.Serve(r.Context(), NewConnWithAddr(c, r.RemoteAddr)); err != nil {
		h.logger.Debug("websocket session ended", "remote", r.RemoteAddr, "error", err)
	}
}
