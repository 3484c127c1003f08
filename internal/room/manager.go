// Package room owns the lifecycle of the messaging channel for the room a
// user is in: connect on entry, subscribe to the room topic, collect
// messages, send, and tear everything down on exit.
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/omochice/room-chat/internal/channel"
	"github.com/omochice/room-chat/pkg/protocol"
)

var (
	// ErrInvalidRoom is returned for an empty room id.
	ErrInvalidRoom = errors.New("room id is required")

	// ErrInvalidUser is returned for an empty user name.
	ErrInvalidUser = errors.New("user name is required")

	// ErrNotConnected is returned by SendMessage outside the Connected state.
	ErrNotConnected = channel.ErrNotConnected
)

// HistoryLoader fetches the backlog of a room.
type HistoryLoader interface {
	LoadHistory(ctx context.Context, roomID string) ([]protocol.Message, error)
}

// Manager holds at most one channel, scoped to one room and user.
type Manager struct {
	dialer   channel.Dialer
	endpoint string
	session  *Session
	opts     options

	// opMu serialises EnterRoom and LeaveRoom.
	opMu sync.Mutex

	mu      sync.Mutex
	state   State
	gen     uint64
	ch      channel.Channel
	sub     channel.Subscription
	roomID  string
	user    string
	seq     Sequence
	pending context.CancelFunc
}

// New creates a Manager that dials endpoint with dialer. session may be
// nil, in which case the Manager keeps its own.
func New(dialer channel.Dialer, endpoint string, session *Session, opts ...Option) *Manager {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if session == nil {
		session = &Session{}
	}
	return &Manager{
		dialer:   dialer,
		endpoint: endpoint,
		session:  session,
		opts:     o,
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Messages returns the messages of the current room visit, backlog first.
func (m *Manager) Messages() []protocol.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq.Messages()
}

// Session returns the shared session state.
func (m *Manager) Session() *Session {
	return m.session
}

// EnterRoom connects to roomID as user. Any previous channel is torn down
// first. On failure the state becomes Failed and nothing stays acquired.
func (m *Manager) EnterRoom(ctx context.Context, roomID, user string) error {
	roomID = strings.TrimSpace(roomID)
	user = strings.TrimSpace(user)
	if roomID == "" {
		return ErrInvalidRoom
	}
	if user == "" {
		return ErrInvalidUser
	}

	m.cancelPending()
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.roomID, m.user = roomID, user
	m.seq.Reset()
	m.pending = cancel
	ev := m.setStateLocked(Connecting, nil)
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.pending = nil
		m.mu.Unlock()
	}()
	m.session.Set(roomID, user)
	m.opts.listener.OnStateChange(ev)

	logger := m.opts.logger.With("room", roomID, "user", user)
	logger.Info("entering room")

	ch, err := m.dialer.Dial(ctx, m.endpoint)
	if err != nil {
		return m.fail(ctx, logger, roomID, err)
	}

	acquired := false
	defer func() {
		if !acquired {
			if err := ch.Disconnect(); err != nil {
				logger.Debug("failed to release channel", "error", err)
			}
		}
	}()

	topic := protocol.RoomTopic(roomID)
	sub, err := ch.Subscribe(topic, m.deliverFunc(gen))
	if err != nil {
		return m.fail(ctx, logger, roomID, err)
	}

	m.mu.Lock()
	m.ch, m.sub = ch, sub
	ev = m.setStateLocked(Connected, nil)
	m.mu.Unlock()
	acquired = true

	m.session.MarkJoined(true)
	m.opts.listener.OnStateChange(ev)
	m.opts.listener.OnNotify(Notification{Kind: NotifyConnected, Text: "connected to room " + roomID})
	logger.Info("subscribed", "topic", topic)

	go m.watch(gen, ch)

	if m.opts.history != nil {
		m.loadHistory(ctx, logger, gen, roomID)
	}
	return nil
}

// fail moves to Failed and notifies. An entry cancelled by LeaveRoom, a
// newer EnterRoom or the caller is not a failure: it ends Disconnected
// without an error notification. An expired deadline still fails.
func (m *Manager) fail(ctx context.Context, logger *slog.Logger, roomID string, err error) error {
	if cause := ctx.Err(); errors.Is(cause, context.Canceled) {
		m.mu.Lock()
		ev := m.setStateLocked(Disconnected, nil)
		m.mu.Unlock()

		m.session.MarkJoined(false)
		logger.Debug("room entry cancelled", "error", err)
		m.opts.listener.OnStateChange(ev)
		return fmt.Errorf("failed to enter room %s: %w", roomID, cause)
	}

	m.mu.Lock()
	ev := m.setStateLocked(Failed, err)
	m.mu.Unlock()

	m.session.MarkJoined(false)
	logger.Error("failed to enter room", "error", err)
	m.opts.listener.OnStateChange(ev)
	m.opts.listener.OnNotify(Notification{Kind: NotifyError, Text: "failed to connect", Err: err})
	return fmt.Errorf("failed to enter room %s: %w", roomID, err)
}

func (m *Manager) loadHistory(ctx context.Context, logger *slog.Logger, gen uint64, roomID string) {
	msgs, err := m.opts.history.LoadHistory(ctx, roomID)
	if err != nil {
		if ctx.Err() != nil {
			logger.Debug("history load cancelled", "error", err)
			return
		}
		logger.Warn("failed to load history", "error", err)
		m.opts.listener.OnNotify(Notification{Kind: NotifyError, Text: "failed to load messages", Err: err})
		return
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.seq.SetBacklog(msgs)
	all := m.seq.Messages()
	m.mu.Unlock()

	logger.Debug("history loaded", "count", len(msgs))
	m.opts.listener.OnBacklog(all)
}

func (m *Manager) deliverFunc(gen uint64) channel.Handler {
	return func(msg protocol.Message) {
		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			return
		}
		m.seq.AppendLive(msg)
		m.mu.Unlock()
		m.opts.listener.OnMessage(msg)
	}
}

// watch turns a channel that dies on its own into Disconnected.
func (m *Manager) watch(gen uint64, ch channel.Channel) {
	<-ch.Done()

	m.mu.Lock()
	if m.gen != gen || m.ch != ch {
		m.mu.Unlock()
		return
	}
	sub := m.sub
	m.ch, m.sub = nil, nil
	m.gen++
	cause := ch.Err()
	ev := m.setStateLocked(Disconnected, cause)
	m.mu.Unlock()

	if sub != nil {
		_ = sub.Unsubscribe()
	}
	_ = ch.Disconnect()

	m.session.MarkJoined(false)
	m.opts.logger.Warn("connection lost", "room", m.session.Room(), "error", cause)
	m.opts.listener.OnStateChange(ev)
	m.opts.listener.OnNotify(Notification{Kind: NotifyError, Text: "connection lost", Err: cause})
}

// SendMessage posts content to the current room. The message is not added
// locally; it shows up once the broker delivers it back.
func (m *Manager) SendMessage(ctx context.Context, content string) error {
	m.mu.Lock()
	if m.state != Connected || m.ch == nil {
		m.mu.Unlock()
		m.opts.listener.OnNotify(Notification{Kind: NotifyError, Text: "not connected", Err: ErrNotConnected})
		return ErrNotConnected
	}
	content = strings.TrimSpace(content)
	if content == "" {
		m.mu.Unlock()
		return nil
	}
	ch, roomID := m.ch, m.roomID
	msg := protocol.NewMessage(m.user, roomID, content, m.opts.clock())
	m.mu.Unlock()

	if err := ch.Send(ctx, protocol.SendDestination(roomID), msg); err != nil {
		m.opts.logger.Warn("failed to send message", "room", roomID, "error", err)
		m.opts.listener.OnNotify(Notification{Kind: NotifyError, Text: "failed to send message", Err: err})
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// LeaveRoom unsubscribes, disconnects and clears the session. Safe to call
// more than once.
func (m *Manager) LeaveRoom() error {
	m.cancelPending()
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.release()
	m.session.Clear()
	return nil
}

func (m *Manager) cancelPending() {
	m.mu.Lock()
	cancel := m.pending
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// release is the single teardown path. It must be called with opMu held.
func (m *Manager) release() {
	m.mu.Lock()
	ch, sub := m.ch, m.sub
	m.ch, m.sub = nil, nil
	m.gen++
	var ev StateEvent
	changed := m.state != Disconnected
	if changed {
		ev = m.setStateLocked(Disconnected, nil)
	}
	roomID := m.roomID
	m.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			m.opts.logger.Debug("failed to unsubscribe", "room", roomID, "error", err)
		}
	}
	if ch != nil {
		if err := ch.Disconnect(); err != nil {
			m.opts.logger.Debug("failed to disconnect", "room", roomID, "error", err)
		}
		m.opts.logger.Info("left room", "room", roomID)
	}
	m.session.MarkJoined(false)
	if changed {
		m.opts.listener.OnStateChange(ev)
	}
}

// setStateLocked must be called with mu held.
func (m *Manager) setStateLocked(s State, err error) StateEvent {
	ev := StateEvent{OldState: m.state, NewState: s, Error: err}
	m.state = s
	return ev
}

type options struct {
	logger   *slog.Logger
	listener Listener
	history  HistoryLoader
	clock    func() time.Time
}

func defaultOptions() options {
	return options{
		logger:   slog.Default(),
		listener: ListenerFuncs{},
		clock:    time.Now,
	}
}

// Option configures a Manager.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithListener sets the observer of state changes, notifications and
// messages.
func WithListener(l Listener) Option {
	return func(o *options) {
		if l != nil {
			o.listener = l
		}
	}
}

// WithHistory sets the loader used to fetch the backlog on entry.
func WithHistory(h HistoryLoader) Option {
	return func(o *options) { o.history = h }
}

// WithClock sets the time source for outbound timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.clock = now
		}
	}
}
