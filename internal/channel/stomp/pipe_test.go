package stomp_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/omochice/room-chat/pkg/protocol"
)

// memSession is one end of an in-memory transport.
type memSession struct {
	in     <-chan []byte
	out    chan<- []byte
	closed chan struct{}
	peer   *memSession
	once   sync.Once
}

func pipe() (*memSession, *memSession) {
	a2b := make(chan []byte, 64)
	b2a := make(chan []byte, 64)
	a := &memSession{in: b2a, out: a2b, closed: make(chan struct{})}
	b := &memSession{in: a2b, out: b2a, closed: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (m *memSession) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.closed:
		return nil, io.EOF
	case <-m.peer.closed:
		select {
		case data := <-m.in:
			return data, nil
		default:
			return nil, io.EOF
		}
	case data := <-m.in:
		return data, nil
	}
}

func (m *memSession) Write(ctx context.Context, data []byte) error {
	select {
	case <-m.closed:
		return io.ErrClosedPipe
	case <-m.peer.closed:
		return io.ErrClosedPipe
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case m.out <- append([]byte(nil), data...):
		return nil
	}
}

func (m *memSession) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

func (m *memSession) RemoteAddr() string { return "mem" }

func (m *memSession) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// broker drives the server end of a pipe in tests.
type broker struct {
	t    *testing.T
	sess *memSession
	dec  protocol.Decoder
}

func newBroker(t *testing.T, sess *memSession) *broker {
	return &broker{t: t, sess: sess}
}

// next returns the next frame or fails the test after a second.
func (b *broker) next() *protocol.Frame {
	b.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for {
		f, err := b.dec.Next()
		if err != nil {
			b.t.Fatalf("broker decode error: %v", err)
		}
		if f != nil {
			return f
		}
		data, err := b.sess.Read(ctx)
		if err != nil {
			b.t.Fatalf("broker read error: %v", err)
		}
		b.dec.Feed(data)
	}
}

func (b *broker) expect(command string) *protocol.Frame {
	b.t.Helper()
	f := b.next()
	if f.Command != command {
		b.t.Fatalf("broker got %s, want %s", f.Command, command)
	}
	return f
}

func (b *broker) send(f *protocol.Frame) {
	b.t.Helper()
	if err := b.sess.Write(context.Background(), f.Encode()); err != nil {
		b.t.Fatalf("broker write error: %v", err)
	}
}

// accept answers the CONNECT frame with the given heart-beat.
func (b *broker) accept(heartBeat string) *protocol.Frame {
	b.t.Helper()
	f := b.expect(protocol.CmdConnect)
	b.send(protocol.NewFrame(protocol.CmdConnected, protocol.HdrVersion, "1.2", protocol.HdrHeartBeat, heartBeat))
	return f
}

func (b *broker) message(subID string, body string) {
	b.t.Helper()
	f := protocol.NewFrame(protocol.CmdMessage,
		protocol.HdrSubscription, subID,
		protocol.HdrMessageID, "m",
		protocol.HdrContentType, protocol.ContentTypeJSON,
	)
	f.Body = []byte(body)
	b.send(f)
}
