package ws

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// StompProtocols are the websocket subprotocols offered by STOMP clients.
var StompProtocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

// DialOptions configures a client websocket handshake.
type DialOptions struct {
	Header    http.Header
	Protocols []string
}

// Session is a client-side websocket connection built on gobwas/ws.
// Read must be called from a single goroutine; Write is safe for
// concurrent use.
type Session struct {
	conn   net.Conn
	src    io.Reader
	reader *wsutil.Reader
	addr   string

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// Dial performs the websocket handshake against url. The handshake is
// bounded by ctx.
func Dial(ctx context.Context, url string, opts DialOptions) (*Session, error) {
	dialer := ws.Dialer{Protocols: opts.Protocols}
	if len(opts.Header) > 0 {
		dialer.Header = ws.HandshakeHeaderHTTP(opts.Header)
	}

	conn, br, _, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}

	return newSession(conn, br), nil
}

func newSession(conn net.Conn, br *bufio.Reader) *Session {
	s := &Session{
		conn: conn,
		src:  conn,
		addr: conn.RemoteAddr().String(),
	}
	// Frames the server sent right after the handshake may already be
	// buffered in br.
	if br != nil {
		s.src = io.MultiReader(br, conn)
	}
	s.reader = &wsutil.Reader{
		Source:         s.src,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: s.handleControl,
	}
	return s
}

// handleControl answers pings and close frames under the write lock.
func (s *Session) handleControl(hdr ws.Header, r io.Reader) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return wsutil.ControlFrameHandler(s.conn, ws.StateClientSide)(hdr, r)
}

// Read returns the next text or binary message.
func (s *Session) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_ = s.conn.SetReadDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	data, err := s.readData()
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return data, err
}

func (s *Session) readData() ([]byte, error) {
	for {
		hdr, err := s.reader.NextFrame()
		if err != nil {
			return nil, err
		}
		if hdr.OpCode.IsControl() {
			if err := s.handleControl(hdr, s.reader); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.OpCode != ws.OpText && hdr.OpCode != ws.OpBinary {
			if err := s.reader.Discard(); err != nil {
				return nil, err
			}
			continue
		}
		return io.ReadAll(s.reader)
	}
}

// Write sends data as one message. Valid UTF-8 goes out as a text frame,
// anything else as binary.
func (s *Session) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	op := ws.OpBinary
	if utf8.Valid(data) {
		op = ws.OpText
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetWriteDeadline(time.Now())
	})
	defer stop()

	if err := wsutil.WriteClientMessage(s.conn, op, data); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Close sends a normal close frame and closes the connection.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.wmu.Lock()
		_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
		_ = ws.WriteFrame(s.conn, ws.MaskFrameInPlace(ws.NewCloseFrame(body)))
		s.wmu.Unlock()

		if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.closeErr = err
		}
	})
	return s.closeErr
}

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() string {
	return s.addr
}
