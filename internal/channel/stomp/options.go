package stomp

import (
	"log/slog"
	"time"

	"github.com/omochice/room-chat/internal/transport"
	"github.com/omochice/room-chat/pkg/protocol"
)

// Defaults applied by Dial and Connect.
const (
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultDisconnectTimeout = 2 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
)

// DefaultHeartBeat is the heart-beat header a client sends unless told
// otherwise.
var DefaultHeartBeat = protocol.HeartBeat{Send: 10 * time.Second, Receive: 10 * time.Second}

type options struct {
	logger            *slog.Logger
	handshakeTimeout  time.Duration
	disconnectTimeout time.Duration
	writeTimeout      time.Duration
	heartBeat         protocol.HeartBeat
	topicPrefix       string
	destinationPrefix string
	codec             protocol.Codec
	host              string
	transport         transport.Options
}

func defaultOptions() options {
	return options{
		logger:            slog.Default(),
		handshakeTimeout:  DefaultHandshakeTimeout,
		disconnectTimeout: DefaultDisconnectTimeout,
		writeTimeout:      DefaultWriteTimeout,
		heartBeat:         DefaultHeartBeat,
		topicPrefix:       protocol.TopicPrefix,
		destinationPrefix: protocol.DestinationPrefix,
		codec:             protocol.JSON,
	}
}

// Option configures a Channel.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithHandshakeTimeout bounds transport dial plus CONNECT/CONNECTED.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.handshakeTimeout = d
		}
	}
}

// WithDisconnectTimeout bounds the wait for the DISCONNECT receipt.
func WithDisconnectTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.disconnectTimeout = d
		}
	}
}

// WithHeartBeat sets the requested heart-beat intervals. A zero value
// disables heart-beating.
func WithHeartBeat(hb protocol.HeartBeat) Option {
	return func(o *options) { o.heartBeat = hb }
}

// WithTopicPrefix sets the prefix turning a topic into a destination.
func WithTopicPrefix(p string) Option {
	return func(o *options) { o.topicPrefix = p }
}

// WithDestinationPrefix sets the prefix applied to Send destinations.
func WithDestinationPrefix(p string) Option {
	return func(o *options) { o.destinationPrefix = p }
}

// WithCodec sets the codec used for outbound bodies. Inbound bodies are
// decoded according to their content-type.
func WithCodec(c protocol.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithHost overrides the CONNECT host header.
func WithHost(host string) Option {
	return func(o *options) { o.host = host }
}

// WithTransport sets the options passed to transport.Dial.
func WithTransport(t transport.Options) Option {
	return func(o *options) { o.transport = t }
}
