// Package natschan implements channel.Channel on a NATS connection.
// Topics and destinations map to subjects by replacing "/" with ".", so
// "room/lobby" is published on "room.lobby".
package natschan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/omochice/room-chat/internal/channel"
	"github.com/omochice/room-chat/pkg/protocol"
)

const flushTimeout = 2 * time.Second

// Subject maps a topic or destination to a NATS subject.
func Subject(topic string) string {
	return strings.ReplaceAll(strings.Trim(topic, "/"), "/", ".")
}

// Channel is a NATS-backed channel.
type Channel struct {
	nc     *nats.Conn
	logger *slog.Logger

	mu            sync.Mutex
	subs          map[*subscription]struct{}
	closing       bool
	disconnecting bool
	err           error

	done     chan struct{}
	doneOnce sync.Once
}

var _ channel.Channel = (*Channel)(nil)

// Options configures Dial.
type Options struct {
	Logger *slog.Logger
	Name   string
}

// Dial connects to the NATS server at url. The connect timeout follows
// the ctx deadline.
func Dial(ctx context.Context, url string, opts Options) (*Channel, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Channel{
		logger: logger.With("endpoint", url),
		subs:   make(map[*subscription]struct{}),
		done:   make(chan struct{}),
	}

	// A lost server closes the channel. Reconnecting would buffer sends
	// while the room still looks connected.
	natsOpts := []nats.Option{
		nats.NoReconnect(),
		nats.ClosedHandler(c.onClosed),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.logger.Warn("nats disconnected", "error", err)
			}
		}),
	}
	if opts.Name != "" {
		natsOpts = append(natsOpts, nats.Name(opts.Name))
	}
	if deadline, ok := ctx.Deadline(); ok {
		natsOpts = append(natsOpts, nats.Timeout(time.Until(deadline)))
	}
	if err := ctx.Err(); err != nil {
		return nil, &channel.ConnectError{Endpoint: url, Err: err}
	}

	nc, err := nats.Connect(url, natsOpts...)
	if err != nil {
		return nil, &channel.ConnectError{Endpoint: url, Err: err}
	}
	c.nc = nc
	return c, nil
}

// NewDialer returns a channel.Dialer for NATS endpoints.
func NewDialer(opts Options) channel.Dialer {
	return channel.DialerFunc(func(ctx context.Context, endpoint string) (channel.Channel, error) {
		ch, err := Dial(ctx, endpoint, opts)
		if err != nil {
			return nil, err
		}
		return ch, nil
	})
}

func (c *Channel) onClosed(nc *nats.Conn) {
	c.mu.Lock()
	c.closing = true
	if !c.disconnecting && c.err == nil {
		c.err = nc.LastError()
		if c.err == nil {
			c.err = nats.ErrConnectionClosed
		}
	}
	c.mu.Unlock()
	c.doneOnce.Do(func() { close(c.done) })
}

// Subscribe implements channel.Channel.
func (c *Channel) Subscribe(topic string, h channel.Handler) (channel.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return nil, channel.ErrNotConnected
	}

	sub := &subscription{ch: c, topic: topic, gate: channel.NewGate(h)}
	ns, err := c.nc.Subscribe(Subject(topic), func(m *nats.Msg) {
		msg, err := protocol.JSON.Unmarshal(m.Data)
		if err != nil {
			c.logger.Warn("dropping message", "topic", topic, "error", &channel.DeserializationError{Topic: topic, Err: err})
			return
		}
		sub.gate.Deliver(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	sub.ns = ns
	c.subs[sub] = struct{}{}

	// Flush so the server has registered interest before we return.
	if err := c.nc.FlushTimeout(flushTimeout); err != nil {
		c.logger.Debug("failed to flush subscription", "topic", topic, "error", err)
	}
	return sub, nil
}

// Send implements channel.Channel.
func (c *Channel) Send(ctx context.Context, destination string, msg protocol.Message) error {
	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()
	if closing {
		return channel.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := protocol.JSON.Marshal(msg)
	if err != nil {
		return &channel.SerializationError{Destination: destination, Err: err}
	}
	if err := c.nc.Publish(Subject(destination), body); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return channel.ErrNotConnected
		}
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Disconnect implements channel.Channel.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	if c.disconnecting {
		c.mu.Unlock()
		return nil
	}
	c.disconnecting = true
	c.closing = true
	subs := make([]*subscription, 0, len(c.subs))
	for sub := range c.subs {
		subs = append(subs, sub)
		delete(c.subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		sub.gate.Close()
	}
	if c.nc.IsConnected() {
		if err := c.nc.FlushTimeout(flushTimeout); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			c.logger.Debug("failed to flush before close", "error", err)
		}
	}
	c.nc.Close()
	c.doneOnce.Do(func() { close(c.done) })
	return nil
}

// Done implements channel.Channel.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err implements channel.Channel.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

type subscription struct {
	ch    *Channel
	topic string
	ns    *nats.Subscription
	gate  *channel.Gate
}

func (s *subscription) Topic() string { return s.topic }

func (s *subscription) Unsubscribe() error {
	if !s.gate.Close() {
		return nil
	}
	s.ch.mu.Lock()
	delete(s.ch.subs, s)
	s.ch.mu.Unlock()

	if err := s.ns.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
		return fmt.Errorf("failed to unsubscribe from %s: %w", s.topic, err)
	}
	return nil
}
