// Package channel defines the publish/subscribe contract a room manager
// talks to, independent of the broker protocol underneath.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/omochice/room-chat/pkg/protocol"
)

// ErrNotConnected is returned by operations on a channel that is not, or
// is no longer, connected.
var ErrNotConnected = errors.New("channel not connected")

// Handler receives messages delivered on a subscription. Handlers run on
// the channel's delivery goroutine and must not call Unsubscribe or
// Disconnect.
type Handler func(protocol.Message)

// Channel is a connected pub/sub session.
type Channel interface {
	// Subscribe registers h for messages published on topic.
	Subscribe(topic string, h Handler) (Subscription, error)

	// Send publishes msg to destination.
	Send(ctx context.Context, destination string, msg protocol.Message) error

	// Disconnect closes the channel. Safe to call more than once. No
	// handler runs after it returns.
	Disconnect() error

	// Done is closed once the channel has terminated for any reason.
	Done() <-chan struct{}

	// Err reports why the channel terminated. It is nil while the channel
	// is live and after an explicit Disconnect.
	Err() error
}

// Subscription binds a topic to a handler.
type Subscription interface {
	Topic() string

	// Unsubscribe stops delivery. Safe to call more than once. No handler
	// invocation for the subscription is running or starts after it
	// returns.
	Unsubscribe() error
}

// Dialer opens channels.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Channel, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, endpoint string) (Channel, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, endpoint string) (Channel, error) {
	return f(ctx, endpoint)
}

// ConnectError reports a failed transport connect or handshake.
type ConnectError struct {
	Endpoint string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect to %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// SerializationError reports an outbound message that could not be encoded.
type SerializationError struct {
	Destination string
	Err         error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("failed to encode message for %s: %v", e.Destination, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// DeserializationError reports an inbound payload that could not be
// decoded. The frame is dropped and the subscription continues.
type DeserializationError struct {
	Topic string
	Err   error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("failed to decode message on %s: %v", e.Topic, e.Err)
}

func (e *DeserializationError) Unwrap() error { return e.Err }

// Gate serialises deliveries to one handler and shuts them off for good.
// Close waits for an in-flight delivery to finish.
type Gate struct {
	mu     sync.Mutex
	closed bool
	h      Handler
}

// NewGate returns an open gate around h.
func NewGate(h Handler) *Gate {
	return &Gate{h: h}
}

// Deliver runs the handler unless the gate is closed. It reports whether
// the handler ran.
func (g *Gate) Deliver(m protocol.Message) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.h(m)
	return true
}

// Close shuts the gate. It reports whether this call closed it.
func (g *Gate) Close() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.closed = true
	return true
}
