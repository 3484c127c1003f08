// Package client assembles the client side from configuration: the room
// API, the messaging dialer for the configured broker, and the room
// manager on top of both.
package client

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/omochice/room-chat/internal/channel"
	"github.com/omochice/room-chat/internal/channel/natschan"
	"github.com/omochice/room-chat/internal/channel/stomp"
	"github.com/omochice/room-chat/internal/config"
	"github.com/omochice/room-chat/internal/room"
	"github.com/omochice/room-chat/internal/roomapi"
	"github.com/omochice/room-chat/internal/transport"
	"github.com/omochice/room-chat/pkg/protocol"
)

// Name identifies the client to brokers that accept one.
const Name = "room-chat"

// Stack is everything a front end needs to talk to the backend.
type Stack struct {
	API      *roomapi.Client
	Dialer   channel.Dialer
	Endpoint string
	Session  *room.Session
	logger   *slog.Logger
}

// New builds the stack described by cfg.
func New(cfg config.Client, logger *slog.Logger) (*Stack, error) {
	if logger == nil {
		logger = slog.Default()
	}
	hc := &http.Client{Timeout: cfg.HTTP.Timeout}
	api := roomapi.New(cfg.API.URL,
		roomapi.WithHTTPClient(hc),
		roomapi.WithTimeout(cfg.HTTP.Timeout),
		roomapi.WithLogger(logger),
		roomapi.WithHistorySize(cfg.History.Size),
	)

	s := &Stack{API: api, Session: &room.Session{}, logger: logger}
	switch cfg.Broker {
	case config.BrokerStomp:
		mode, err := transport.ParseMode(cfg.Transport)
		if err != nil {
			return nil, err
		}
		s.Endpoint = cfg.WS.URL
		s.Dialer = stomp.NewDialer(
			stomp.WithLogger(logger),
			stomp.WithHandshakeTimeout(cfg.Handshake.Timeout),
			stomp.WithHeartBeat(protocol.HeartBeat{Send: cfg.Heartbeat, Receive: cfg.Heartbeat}),
			stomp.WithTransport(transport.Options{Mode: mode, HTTPClient: hc, Logger: logger}),
		)
	case config.BrokerNATS:
		s.Endpoint = cfg.NATS.URL
		s.Dialer = natschan.NewDialer(natschan.Options{Logger: logger, Name: Name})
	default:
		return nil, fmt.Errorf("unknown broker %q", cfg.Broker)
	}
	return s, nil
}

// Manager returns a room manager on this stack that reports to l and
// loads history from the room API.
func (s *Stack) Manager(l room.Listener) *room.Manager {
	return room.New(s.Dialer, s.Endpoint, s.Session,
		room.WithLogger(s.logger),
		room.WithListener(l),
		room.WithHistory(s.API),
	)
}
