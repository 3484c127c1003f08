package chat_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/omochice/room-chat/internal/chat"
	"github.com/omochice/room-chat/pkg/protocol"
)

// mockConn is a mock implementation of chat.Conn for testing.
type mockConn struct {
	readCh     chan []byte
	readErr    error
	writtenMu  sync.Mutex
	written    [][]byte
	writeErr   error
	closed     bool
	remoteAddr string
}

func newMockConn(addr string) *mockConn {
	return &mockConn{
		readCh:     make(chan []byte, 10),
		remoteAddr: addr,
	}
}

func (m *mockConn) Read(ctx context.Context) ([]byte, error) {
	if m.readErr != nil {
		return nil, m.readErr
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data, ok := <-m.readCh:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	}
}

func (m *mockConn) Write(ctx context.Context, data []byte) error {
	if m.writeErr != nil {
		return m.writeErr
	}
	m.writtenMu.Lock()
	defer m.writtenMu.Unlock()
	copied := make([]byte, len(data))
	copy(copied, data)
	m.written = append(m.written, copied)
	return nil
}

func (m *mockConn) Close() error {
	m.writtenMu.Lock()
	defer m.writtenMu.Unlock()
	m.closed = true
	return nil
}

func (m *mockConn) RemoteAddr() string {
	return m.remoteAddr
}

func (m *mockConn) isClosed() bool {
	m.writtenMu.Lock()
	defer m.writtenMu.Unlock()
	return m.closed
}

// send queues a frame for the broker to read.
func (m *mockConn) send(f *protocol.Frame) {
	m.readCh <- f.Encode()
}

// frames decodes everything written so far, skipping heart-beats.
func (m *mockConn) frames(t *testing.T) []*protocol.Frame {
	t.Helper()
	m.writtenMu.Lock()
	defer m.writtenMu.Unlock()
	var dec protocol.Decoder
	for _, w := range m.written {
		dec.Feed(w)
	}
	var out []*protocol.Frame
	for {
		f, err := dec.Next()
		if err != nil {
			t.Fatalf("broker wrote a malformed frame: %v", err)
		}
		if f == nil {
			return out
		}
		out = append(out, f)
	}
}

// waitFrame waits for the n-th frame (counting from 1) with the given
// command.
func (m *mockConn) waitFrame(t *testing.T, command string, n int) *protocol.Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		seen := 0
		for _, f := range m.frames(t) {
			if f.Command == command {
				seen++
				if seen == n {
					return f
				}
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %s frame #%d written; got %v", command, n, m.frames(t))
	return nil
}

// Compile-time check that mockConn implements chat.Conn
var _ chat.Conn = (*mockConn)(nil)
