// Package transport opens the single bidirectional connection a messaging
// channel runs over.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/omochice/room-chat/internal/transport/sockjs"
	"github.com/omochice/room-chat/internal/transport/tcp"
	"github.com/omochice/room-chat/internal/transport/ws"
)

// Session is one open transport connection.
type Session interface {
	// Read returns the next chunk of application data. Returns an error
	// once the session is closed.
	Read(ctx context.Context) ([]byte, error)

	// Write sends data. Safe for concurrent use.
	Write(ctx context.Context, data []byte) error

	// Close closes the session. Safe to call more than once.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}

// Mode selects how Dial reaches the endpoint.
type Mode string

// Supported modes.
const (
	ModeAuto      Mode = "auto"
	ModeWebsocket Mode = "websocket"
	ModeSockJS    Mode = "sockjs"
	ModeTCP       Mode = "tcp"
)

// ParseMode validates a mode name. An empty name selects ModeAuto.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeAuto, nil
	case ModeAuto, ModeWebsocket, ModeSockJS, ModeTCP:
		return m, nil
	default:
		return "", fmt.Errorf("unknown transport mode %q", s)
	}
}

// Options configures Dial.
type Options struct {
	Mode       Mode
	HTTPClient *http.Client
	Header     http.Header
	Logger     *slog.Logger
}

// Dial opens a session to endpoint.
//
// In ModeAuto the scheme decides: ws and wss dial a plain websocket, http
// and https negotiate SockJS and fall back to a plain websocket on the same
// path when the server has no SockJS info route, tcp dials a raw stream.
func Dial(ctx context.Context, endpoint string, opts Options) (Session, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeAuto
	}

	switch mode {
	case ModeWebsocket:
		return dialWebsocket(ctx, u, opts)
	case ModeSockJS:
		return dialSockJS(ctx, u, opts)
	case ModeTCP:
		return dialTCP(ctx, u)
	case ModeAuto:
	default:
		return nil, fmt.Errorf("unknown transport mode %q", mode)
	}

	switch u.Scheme {
	case "ws", "wss":
		return dialWebsocket(ctx, u, opts)
	case "http", "https":
		s, err := dialSockJS(ctx, u, opts)
		if errors.Is(err, sockjs.ErrNotSockJS) {
			logger.Debug("sockjs info not found, falling back to websocket", "endpoint", endpoint)
			return dialWebsocket(ctx, u, opts)
		}
		return s, err
	case "tcp":
		return dialTCP(ctx, u)
	default:
		return nil, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
}

func dialWebsocket(ctx context.Context, u *url.URL, opts Options) (Session, error) {
	wsURL := *u
	switch wsURL.Scheme {
	case "http":
		wsURL.Scheme = "ws"
	case "https":
		wsURL.Scheme = "wss"
	}
	s, err := ws.Dial(ctx, wsURL.String(), ws.DialOptions{Header: opts.Header, Protocols: ws.StompProtocols})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func dialSockJS(ctx context.Context, u *url.URL, opts Options) (Session, error) {
	s, err := sockjs.Dial(ctx, u.String(), sockjs.Options{HTTPClient: opts.HTTPClient, Header: opts.Header})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func dialTCP(ctx context.Context, u *url.URL) (Session, error) {
	addr := u.Host
	if addr == "" {
		addr = u.Opaque
	}
	s, err := tcp.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return s, nil
}
