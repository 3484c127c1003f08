// Package stomp implements channel.Channel with STOMP 1.2 over any
// transport session.
package stomp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/omochice/room-chat/internal/channel"
	"github.com/omochice/room-chat/internal/transport"
	"github.com/omochice/room-chat/pkg/protocol"
)

// ErrHeartbeatTimeout is the terminal error when the server stops sending.
var ErrHeartbeatTimeout = errors.New("stomp heart-beat timeout")

// ServerError is an ERROR frame received from the broker.
type ServerError struct {
	Message string
	Body    string
}

func (e *ServerError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("stomp server error: %s: %s", e.Message, e.Body)
	}
	return "stomp server error: " + e.Message
}

// Channel is a STOMP session.
type Channel struct {
	sess     transport.Session
	opts     options
	logger   *slog.Logger
	endpoint string
	dec      protocol.Decoder

	outgoing time.Duration
	incoming time.Duration
	lastRead atomic.Int64

	mu            sync.Mutex
	subs          map[string]*subscription
	receipts      map[string]chan struct{}
	nextID        int
	closing       bool
	disconnecting bool
	err           error

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ channel.Channel = (*Channel)(nil)

// Dial opens a transport session to endpoint and performs the STOMP
// handshake. Failures are reported as *channel.ConnectError.
func Dial(ctx context.Context, endpoint string, opts ...Option) (*Channel, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.transport.Logger == nil {
		o.transport.Logger = o.logger
	}

	hctx, cancel := context.WithTimeout(ctx, o.handshakeTimeout)
	defer cancel()

	sess, err := transport.Dial(hctx, endpoint, o.transport)
	if err != nil {
		return nil, &channel.ConnectError{Endpoint: endpoint, Err: err}
	}
	return connect(hctx, endpoint, sess, o)
}

// Connect performs the STOMP handshake on an open session. The session is
// closed if the handshake fails.
func Connect(ctx context.Context, sess transport.Session, opts ...Option) (*Channel, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	hctx, cancel := context.WithTimeout(ctx, o.handshakeTimeout)
	defer cancel()
	return connect(hctx, sess.RemoteAddr(), sess, o)
}

// NewDialer returns a channel.Dialer that dials with opts.
func NewDialer(opts ...Option) channel.Dialer {
	return channel.DialerFunc(func(ctx context.Context, endpoint string) (channel.Channel, error) {
		ch, err := Dial(ctx, endpoint, opts...)
		if err != nil {
			return nil, err
		}
		return ch, nil
	})
}

func connect(ctx context.Context, endpoint string, sess transport.Session, o options) (*Channel, error) {
	c := &Channel{
		sess:     sess,
		opts:     o,
		logger:   o.logger.With("endpoint", endpoint),
		endpoint: endpoint,
		subs:     make(map[string]*subscription),
		receipts: make(map[string]chan struct{}),
		done:     make(chan struct{}),
	}

	connected, err := c.handshake(ctx)
	if err != nil {
		sess.Close()
		return nil, &channel.ConnectError{Endpoint: endpoint, Err: err}
	}

	serverHB, err := protocol.ParseHeartBeat(connected.Value(protocol.HdrHeartBeat))
	if err != nil {
		c.logger.Warn("ignoring server heart-beat", "error", err)
	}
	c.outgoing, c.incoming = protocol.Negotiate(o.heartBeat, serverHB)
	c.lastRead.Store(time.Now().UnixNano())

	c.logger.Debug("stomp connected",
		"version", connected.Value(protocol.HdrVersion),
		"server", connected.Value(protocol.HdrServer),
		"heartbeat_out", c.outgoing,
		"heartbeat_in", c.incoming,
	)

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.wg.Add(1)
	go c.readLoop()
	if c.outgoing > 0 || c.incoming > 0 {
		c.wg.Add(1)
		go c.heartbeatLoop()
	}
	return c, nil
}

func (c *Channel) handshake(ctx context.Context) (*protocol.Frame, error) {
	host := c.opts.host
	if host == "" {
		host = hostOf(c.endpoint)
	}
	f := protocol.NewFrame(protocol.CmdConnect,
		protocol.HdrAcceptVersion, "1.2,1.1,1.0",
		protocol.HdrHost, host,
		protocol.HdrHeartBeat, c.opts.heartBeat.String(),
	)
	if err := c.sess.Write(ctx, f.Encode()); err != nil {
		return nil, fmt.Errorf("failed to send CONNECT: %w", err)
	}

	for {
		frame, err := c.dec.Next()
		if err != nil {
			return nil, err
		}
		if frame == nil {
			data, err := c.sess.Read(ctx)
			if err != nil {
				return nil, fmt.Errorf("failed to read CONNECTED: %w", err)
			}
			c.dec.Feed(data)
			continue
		}
		switch frame.Command {
		case protocol.CmdConnected:
			return frame, nil
		case protocol.CmdError:
			return nil, serverError(frame)
		default:
			c.logger.Debug("ignoring frame before CONNECTED", "command", frame.Command)
		}
	}
}

func hostOf(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Hostname() == "" {
		return "localhost"
	}
	return u.Hostname()
}

func serverError(f *protocol.Frame) *ServerError {
	return &ServerError{Message: f.Value(protocol.HdrMessage), Body: string(f.Body)}
}

// Subscribe implements channel.Channel.
func (c *Channel) Subscribe(topic string, h channel.Handler) (channel.Subscription, error) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil, channel.ErrNotConnected
	}
	id := "sub-" + strconv.Itoa(c.nextID)
	c.nextID++
	sub := &subscription{
		ch:          c,
		id:          id,
		topic:       topic,
		destination: c.opts.topicPrefix + topic,
		gate:        channel.NewGate(h),
	}
	c.subs[id] = sub
	c.mu.Unlock()

	f := protocol.NewFrame(protocol.CmdSubscribe,
		protocol.HdrID, id,
		protocol.HdrDestination, sub.destination,
	)
	if err := c.write(f); err != nil {
		c.removeSub(id)
		sub.gate.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	c.logger.Debug("subscribed", "topic", topic, "id", id)
	return sub, nil
}

// Send implements channel.Channel.
func (c *Channel) Send(ctx context.Context, destination string, msg protocol.Message) error {
	if c.isClosing() {
		return channel.ErrNotConnected
	}
	body, err := c.opts.codec.Marshal(msg)
	if err != nil {
		return &channel.SerializationError{Destination: destination, Err: err}
	}

	f := protocol.NewFrame(protocol.CmdSend,
		protocol.HdrDestination, c.opts.destinationPrefix+destination,
		protocol.HdrContentType, c.opts.codec.ContentType(),
	)
	f.Body = body
	if err := c.sess.Write(ctx, f.Encode()); err != nil {
		if c.isClosing() {
			return channel.ErrNotConnected
		}
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Disconnect sends DISCONNECT, waits briefly for its receipt and closes
// the session.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		c.wg.Wait()
		return nil
	}
	c.closing = true
	c.disconnecting = true
	subs := c.drainSubs()
	receipt := "disconnect-" + uuid.NewString()
	ack := make(chan struct{})
	c.receipts[receipt] = ack
	c.mu.Unlock()

	for _, sub := range subs {
		sub.gate.Close()
	}

	f := protocol.NewFrame(protocol.CmdDisconnect, protocol.HdrReceipt, receipt)
	if err := c.write(f); err != nil {
		c.logger.Debug("failed to send DISCONNECT", "error", err)
	} else {
		select {
		case <-ack:
		case <-c.done:
		case <-time.After(c.opts.disconnectTimeout):
			c.logger.Debug("no receipt for DISCONNECT")
		}
	}

	c.shutdown(nil)
	c.wg.Wait()
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

// HeartBeat returns the negotiated outgoing and incoming intervals.
func (c *Channel) HeartBeat() (outgoing, incoming time.Duration) {
	return c.outgoing, c.incoming
}

func (c *Channel) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

func (c *Channel) write(f *protocol.Frame) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.writeTimeout)
	defer cancel()
	return c.sess.Write(ctx, f.Encode())
}

func (c *Channel) removeSub(id string) {
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
}

// drainSubs must be called with c.mu held.
func (c *Channel) drainSubs() []*subscription {
	subs := make([]*subscription, 0, len(c.subs))
	for id, sub := range c.subs {
		subs = append(subs, sub)
		delete(c.subs, id)
	}
	return subs
}

// shutdown tears the session down once. err is recorded as the terminal
// error unless Disconnect started the teardown.
func (c *Channel) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		if !c.disconnecting {
			c.err = err
		}
		subs := c.drainSubs()
		c.mu.Unlock()

		for _, sub := range subs {
			sub.gate.Close()
		}

		c.cancel()
		if cerr := c.sess.Close(); cerr != nil {
			c.logger.Debug("failed to close session", "error", cerr)
		}
		close(c.done)
	})
}

func (c *Channel) readLoop() {
	defer c.wg.Done()

	for {
		if err := c.drainFrames(); err != nil {
			c.logger.Error("stomp channel terminated", "error", err)
			c.shutdown(err)
			return
		}

		data, err := c.sess.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil && !c.isDisconnecting() {
				c.logger.Warn("transport read failed", "error", err)
			}
			c.shutdown(fmt.Errorf("transport closed: %w", err))
			return
		}
		c.lastRead.Store(time.Now().UnixNano())
		c.dec.Feed(data)
	}
}

func (c *Channel) isDisconnecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnecting
}

// drainFrames handles every complete buffered frame. A non-nil error
// terminates the channel.
func (c *Channel) drainFrames() error {
	for {
		f, err := c.dec.Next()
		if err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			c.dec.Skip()
			continue
		}
		if f == nil {
			return nil
		}
		if err := c.handleFrame(f); err != nil {
			return err
		}
	}
}

func (c *Channel) handleFrame(f *protocol.Frame) error {
	switch f.Command {
	case protocol.CmdMessage:
		c.deliver(f)
	case protocol.CmdReceipt:
		id := f.Value(protocol.HdrReceiptID)
		c.mu.Lock()
		ack, ok := c.receipts[id]
		delete(c.receipts, id)
		c.mu.Unlock()
		if ok {
			close(ack)
		}
	case protocol.CmdError:
		return serverError(f)
	default:
		c.logger.Debug("ignoring frame", "command", f.Command)
	}
	return nil
}

func (c *Channel) deliver(f *protocol.Frame) {
	id := f.Value(protocol.HdrSubscription)
	c.mu.Lock()
	sub := c.subs[id]
	c.mu.Unlock()
	if sub == nil {
		c.logger.Debug("dropping message for unknown subscription", "subscription", id)
		return
	}

	codec, err := protocol.CodecFor(f.Value(protocol.HdrContentType))
	if err == nil {
		var msg protocol.Message
		if msg, err = codec.Unmarshal(f.Body); err == nil {
			sub.gate.Deliver(msg)
			return
		}
	}
	derr := &channel.DeserializationError{Topic: sub.topic, Err: err}
	c.logger.Warn("dropping message", "topic", sub.topic, "error", derr)
}

func (c *Channel) heartbeatLoop() {
	defer c.wg.Done()

	var sendC, checkC <-chan time.Time
	if c.outgoing > 0 {
		t := time.NewTicker(c.outgoing)
		defer t.Stop()
		sendC = t.C
	}
	if c.incoming > 0 {
		t := time.NewTicker(c.incoming)
		defer t.Stop()
		checkC = t.C
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-sendC:
			ctx, cancel := context.WithTimeout(c.ctx, c.opts.writeTimeout)
			err := c.sess.Write(ctx, []byte{'\n'})
			cancel()
			if err != nil && c.ctx.Err() == nil {
				c.logger.Warn("failed to send heart-beat", "error", err)
				c.shutdown(fmt.Errorf("transport closed: %w", err))
				return
			}
		case <-checkC:
			last := time.Unix(0, c.lastRead.Load())
			if time.Since(last) > 2*c.incoming {
				c.logger.Warn("server heart-beat missed", "last_read", last)
				c.shutdown(ErrHeartbeatTimeout)
				return
			}
		}
	}
}

type subscription struct {
	ch          *Channel
	id          string
	topic       string
	destination string
	gate        *channel.Gate
}

func (s *subscription) Topic() string { return s.topic }

func (s *subscription) Unsubscribe() error {
	if !s.gate.Close() {
		return nil
	}
	s.ch.removeSub(s.id)
	if s.ch.isClosing() {
		return nil
	}
	f := protocol.NewFrame(protocol.CmdUnsubscribe, protocol.HdrID, s.id)
	if err := s.ch.write(f); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", s.topic, err)
	}
	s.ch.logger.Debug("unsubscribed", "topic", s.topic, "id", s.id)
	return nil
}
