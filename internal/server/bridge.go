package server

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/omochice/room-chat/internal/channel/natschan"
	"github.com/omochice/room-chat/internal/chat"
	"github.com/omochice/room-chat/pkg/protocol"
)

// Bridge connects the hub to NATS. Messages published on
// app.sendMessage.{room} are stored and broadcast like a STOMP SEND, and
// every message the hub accepts is republished on room.{room}.
type Bridge struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	hub    *chat.Hub
	logger *slog.Logger
}

// NewBridge connects to the NATS server at url.
func NewBridge(url string, hub *chat.Hub, logger *slog.Logger) (*Bridge, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{hub: hub, logger: logger.With("component", "nats-bridge")}

	nc, err := nats.Connect(url,
		nats.Name("room-chat-server"),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				b.logger.Warn("nats disconnected", "error", err)
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	b.nc = nc

	subject := natschan.Subject(protocol.SendDestination("*"))
	prefix := strings.TrimSuffix(subject, "*")
	b.sub, err = nc.Subscribe(subject, func(m *nats.Msg) {
		b.receive(strings.TrimPrefix(m.Subject, prefix), m.Data)
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	if err := nc.Flush(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to flush nats subscription: %w", err)
	}

	hub.OnPublish(b.publish)
	b.logger.Info("nats bridge started", "url", nc.ConnectedUrl(), "subject", subject)
	return b, nil
}

func (b *Bridge) receive(roomID string, data []byte) {
	msg, err := protocol.JSON.Unmarshal(data)
	if err != nil {
		b.logger.Warn("dropping message", "room", roomID, "error", err)
		return
	}
	if err := b.hub.Publish(roomID, msg); err != nil {
		b.logger.Warn("failed to publish message", "room", roomID, "error", err)
	}
}

func (b *Bridge) publish(roomID string, msg protocol.Message) {
	data, err := protocol.JSON.Marshal(msg)
	if err != nil {
		b.logger.Warn("failed to encode message", "room", roomID, "error", err)
		return
	}
	if err := b.nc.Publish(natschan.Subject(protocol.RoomTopic(roomID)), data); err != nil {
		if !errors.Is(err, nats.ErrConnectionClosed) {
			b.logger.Warn("failed to forward message", "room", roomID, "error", err)
		}
	}
}

// Close drains the subscription and closes the connection.
func (b *Bridge) Close() error {
	if err := b.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		b.logger.Debug("failed to unsubscribe", "error", err)
	}
	if err := b.nc.Flush(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		b.logger.Debug("failed to flush", "error", err)
	}
	b.nc.Close()
	return nil
}
