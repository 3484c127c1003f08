// Package sockjs implements the client side of the SockJS websocket
// transport used by STOMP brokers that expose a SockJS endpoint.
package sockjs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/omochice/room-chat/internal/transport/ws"
)

var (
	// ErrNotSockJS is returned when the endpoint has no SockJS info route.
	ErrNotSockJS = errors.New("endpoint is not a sockjs endpoint")

	// ErrNoWebsocket is returned when the server disables the websocket
	// transport.
	ErrNoWebsocket = errors.New("sockjs websocket transport disabled")

	// ErrBinaryPayload is returned by Write for non UTF-8 data, which the
	// SockJS framing cannot carry.
	ErrBinaryPayload = errors.New("sockjs cannot carry binary payloads")
)

// CloseError reports a SockJS close frame sent by the server.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("sockjs session closed: %d %s", e.Code, e.Reason)
}

// Info is the response of the info route.
type Info struct {
	Websocket    bool     `json:"websocket"`
	CookieNeeded bool     `json:"cookie_needed"`
	Origins      []string `json:"origins"`
	Entropy      int64    `json:"entropy"`
}

// Options configures Dial.
type Options struct {
	// HTTPClient is used for the info probe. Defaults to http.DefaultClient.
	HTTPClient *http.Client
	Header     http.Header
}

// Session is a SockJS session running over a websocket.
type Session struct {
	ws      *ws.Session
	pending [][]byte
	closed  *CloseError
}

// Dial probes base/info and opens the websocket transport of a new
// session.
func Dial(ctx context.Context, base string, opts Options) (*Session, error) {
	info, err := FetchInfo(ctx, base, opts.HTTPClient)
	if err != nil {
		return nil, err
	}
	if !info.Websocket {
		return nil, ErrNoWebsocket
	}

	wsURL, err := TransportURL(base, fmt.Sprintf("%03d", rand.Intn(1000)), strings.ReplaceAll(uuid.NewString(), "-", ""))
	if err != nil {
		return nil, err
	}

	conn, err := ws.Dial(ctx, wsURL, ws.DialOptions{Header: opts.Header})
	if err != nil {
		return nil, err
	}

	s := &Session{ws: conn}
	frame, err := conn.Read(ctx)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open sockjs session: %w", err)
	}
	if string(frame) != "o" {
		conn.Close()
		return nil, fmt.Errorf("failed to open sockjs session: unexpected frame %q", frame)
	}
	return s, nil
}

// FetchInfo performs the info probe.
func FetchInfo(ctx context.Context, base string, client *http.Client) (Info, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(base, "/")+"/info", nil)
	if err != nil {
		return Info{}, fmt.Errorf("failed to build info request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return Info{}, fmt.Errorf("failed to fetch sockjs info: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Info{}, ErrNotSockJS
	case resp.StatusCode != http.StatusOK:
		return Info{}, fmt.Errorf("failed to fetch sockjs info: status %d", resp.StatusCode)
	}

	var info Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return Info{}, fmt.Errorf("failed to decode sockjs info: %w", err)
	}
	return info, nil
}

// TransportURL builds the websocket URL of a session under base.
func TransportURL(base, server, session string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid sockjs url %q: %w", base, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid sockjs url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + server + "/" + session + "/websocket"
	return u.String(), nil
}

// Read returns the next application message. Heart-beat frames are
// consumed silently.
func (s *Session) Read(ctx context.Context) ([]byte, error) {
	for len(s.pending) == 0 {
		if s.closed != nil {
			return nil, s.closed
		}
		frame, err := s.ws.Read(ctx)
		if err != nil {
			return nil, err
		}
		if err := s.handleFrame(frame); err != nil {
			return nil, err
		}
	}
	msg := s.pending[0]
	s.pending = s.pending[1:]
	return msg, nil
}

func (s *Session) handleFrame(frame []byte) error {
	if len(frame) == 0 {
		return nil
	}
	switch frame[0] {
	case 'h', 'o':
		return nil
	case 'a':
		var msgs []string
		if err := json.Unmarshal(frame[1:], &msgs); err != nil {
			return fmt.Errorf("malformed sockjs array frame: %w", err)
		}
		for _, m := range msgs {
			s.pending = append(s.pending, []byte(m))
		}
		return nil
	case 'm':
		var msg string
		if err := json.Unmarshal(frame[1:], &msg); err != nil {
			return fmt.Errorf("malformed sockjs message frame: %w", err)
		}
		s.pending = append(s.pending, []byte(msg))
		return nil
	case 'c':
		var body []json.RawMessage
		ce := &CloseError{}
		if err := json.Unmarshal(frame[1:], &body); err == nil && len(body) == 2 {
			_ = json.Unmarshal(body[0], &ce.Code)
			_ = json.Unmarshal(body[1], &ce.Reason)
		}
		s.closed = ce
		return nil
	default:
		return fmt.Errorf("unknown sockjs frame %q", frame[:1])
	}
}

// Write sends data wrapped in a SockJS message array.
func (s *Session) Write(ctx context.Context, data []byte) error {
	if !utf8.Valid(data) {
		return ErrBinaryPayload
	}
	frame, err := json.Marshal([]string{string(data)})
	if err != nil {
		return fmt.Errorf("failed to encode sockjs frame: %w", err)
	}
	return s.ws.Write(ctx, frame)
}

// Close closes the underlying websocket.
func (s *Session) Close() error {
	return s.ws.Close()
}

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() string {
	return s.ws.RemoteAddr()
}
