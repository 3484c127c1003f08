package room_test

import (
	"context"
	"errors"
	"sync"

	"github.com/omochice/room-chat/internal/channel"
	"github.com/omochice/room-chat/internal/room"
	"github.com/omochice/room-chat/pkg/protocol"
)

// eventLog records channel operations across every fake channel, in order.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type sentMessage struct {
	destination string
	msg         protocol.Message
}

type fakeChannel struct {
	log *eventLog

	mu          sync.Mutex
	subs        map[string]*fakeSub
	sent        []sentMessage
	sendErr     error
	subErr      error
	disconnects int
	err         error

	done     chan struct{}
	doneOnce sync.Once
}

func newFakeChannel(log *eventLog) *fakeChannel {
	return &fakeChannel{log: log, subs: make(map[string]*fakeSub), done: make(chan struct{})}
}

func (f *fakeChannel) Subscribe(topic string, h channel.Handler) (channel.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return nil, f.subErr
	}
	f.log.add("subscribe " + topic)
	sub := &fakeSub{ch: f, topic: topic, gate: channel.NewGate(h)}
	f.subs[topic] = sub
	return sub, nil
}

func (f *fakeChannel) Send(_ context.Context, destination string, msg protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentMessage{destination: destination, msg: msg})
	return nil
}

func (f *fakeChannel) Disconnect() error {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
	f.log.add("disconnect")
	f.doneOnce.Do(func() { close(f.done) })
	return nil
}

func (f *fakeChannel) Done() <-chan struct{} { return f.done }

func (f *fakeChannel) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// deliver pushes msg to the subscription on topic, as the broker would.
func (f *fakeChannel) deliver(topic string, msg protocol.Message) bool {
	f.mu.Lock()
	sub := f.subs[topic]
	f.mu.Unlock()
	if sub == nil {
		return false
	}
	return sub.gate.Deliver(msg)
}

// fail terminates the channel as a transport error would.
func (f *fakeChannel) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	f.doneOnce.Do(func() { close(f.done) })
}

func (f *fakeChannel) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func (f *fakeChannel) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

type fakeSub struct {
	ch    *fakeChannel
	topic string
	gate  *channel.Gate
}

func (s *fakeSub) Topic() string { return s.topic }

func (s *fakeSub) Unsubscribe() error {
	if !s.gate.Close() {
		return nil
	}
	s.ch.mu.Lock()
	delete(s.ch.subs, s.topic)
	s.ch.mu.Unlock()
	s.ch.log.add("unsubscribe " + s.topic)
	return nil
}

// fakeDialer hands out fresh fake channels, or fails with err.
type fakeDialer struct {
	log *eventLog

	mu       sync.Mutex
	err      error
	channels []*fakeChannel
	prepare  func(*fakeChannel)
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{log: &eventLog{}}
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint string) (channel.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.err != nil {
		return nil, &channel.ConnectError{Endpoint: endpoint, Err: d.err}
	}
	d.log.add("dial " + endpoint)
	ch := newFakeChannel(d.log)
	if d.prepare != nil {
		d.prepare(ch)
	}
	d.channels = append(d.channels, ch)
	return ch, nil
}

func (d *fakeDialer) last() *fakeChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.channels) == 0 {
		return nil
	}
	return d.channels[len(d.channels)-1]
}

// recorder is a Listener that keeps everything it sees.
type recorder struct {
	mu       sync.Mutex
	states   []room.StateEvent
	notes    []room.Notification
	messages []protocol.Message
	backlogs [][]protocol.Message
}

func (r *recorder) OnStateChange(e room.StateEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, e)
}

func (r *recorder) OnNotify(n room.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recorder) OnMessage(m protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, m)
}

func (r *recorder) OnBacklog(msgs []protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backlogs = append(r.backlogs, msgs)
}

func (r *recorder) stateSequence() []room.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]room.State, 0, len(r.states))
	for _, e := range r.states {
		out = append(out, e.NewState)
	}
	return out
}

func (r *recorder) notifications(kind room.NotificationKind) []room.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []room.Notification
	for _, n := range r.notes {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

// historyFunc adapts a function to room.HistoryLoader.
type historyFunc func(ctx context.Context, roomID string) ([]protocol.Message, error)

func (f historyFunc) LoadHistory(ctx context.Context, roomID string) ([]protocol.Message, error) {
	return f(ctx, roomID)
}

var errBoom = errors.New("boom")
