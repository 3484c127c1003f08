package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/omochice/room-chat/internal/chat"
)

// Default pagination of the messages route.
const (
	defaultPage = 0
	defaultSize = 20
)

type roomHandler struct {
	store *chat.Store
}

// setupRoutes registers the REST API and messaging endpoints on router.
func setupRoutes(router *gin.Engine, store *chat.Store, ws, sockjs http.Handler) {
	h := &roomHandler{store: store}

	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "room-chat server")
	})
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api/v1")
	{
		api.POST("/rooms", h.createRoom)
		api.GET("/rooms/:roomId", h.getRoom)
		api.GET("/rooms/:roomId/messages", h.getMessages)
	}

	router.GET("/ws", gin.WrapH(ws))
	router.Any("/chat/*path", gin.WrapH(sockjs))
}

func (h *roomHandler) createRoom(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1024))
	if err != nil {
		c.String(http.StatusBadRequest, "Invalid request body")
		return
	}

	room, err := h.store.CreateRoom(strings.TrimSpace(string(body)))
	switch {
	case errors.Is(err, chat.ErrRoomExists):
		c.String(http.StatusBadRequest, "Room already exists!")
		return
	case errors.Is(err, chat.ErrInvalidRoom):
		c.String(http.StatusBadRequest, "Room id is required")
		return
	case err != nil:
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusCreated, room)
}

func (h *roomHandler) getRoom(c *gin.Context) {
	room, err := h.store.Room(c.Param("roomId"))
	if err != nil {
		c.String(http.StatusBadRequest, "Room not found!!")
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h *roomHandler) getMessages(c *gin.Context) {
	page := queryInt(c, "page", defaultPage)
	size := queryInt(c, "size", defaultSize)

	msgs, err := h.store.Messages(c.Param("roomId"), page, size)
	if err != nil {
		c.String(http.StatusBadRequest, "Room not found!!")
		return
	}
	c.JSON(http.StatusOK, msgs)
}

func queryInt(c *gin.Context, key string, def int) int {
	v, ok := c.GetQuery(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// requestLogger logs one line per request.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"took", time.Since(start),
		)
	}
}
