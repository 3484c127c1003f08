// Package chat is the dev backend's message broker: rooms, their history
// and a STOMP session loop shared by every transport.
package chat

import "context"

// Conn abstracts a bidirectional connection for websocket, SockJS and TCP.
type Conn interface {
	// Read returns the next chunk of STOMP data. A chunk may hold part of
	// a frame or several frames. Returns an error once the connection is
	// closed.
	Read(ctx context.Context) ([]byte, error)

	// Write sends encoded frames.
	Write(ctx context.Context, data []byte) error

	// Close closes the connection.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}
