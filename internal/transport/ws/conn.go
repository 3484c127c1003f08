// Package ws provides the websocket transport: a gobwas/ws client session
// and the server-side adapter that feeds accepted connections to the hub.
package ws

import (
	"context"
	"unicode/utf8"

	"nhooyr.io/websocket"
)

// Conn adapts nhooyr.io/websocket to chat.Conn interface.
type Conn struct {
	conn       *websocket.Conn
	remoteAddr string
}

// NewConn wraps a websocket.Conn with empty remote address.
func NewConn(conn *websocket.Conn) *Conn {
	return &Conn{conn: conn}
}

// NewConnWithAddr wraps a websocket.Conn with the specified remote address.
func NewConnWithAddr(conn *websocket.Conn, addr string) *Conn {
	return &Conn{conn: conn, remoteAddr: addr}
}

// Read implements chat.Conn. Text and binary messages are both returned.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

// Write implements chat.Conn. Valid UTF-8 goes out as a text message,
// anything else as binary.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	typ := websocket.MessageText
	if !utf8.Valid(data) {
		typ = websocket.MessageBinary
	}
	return c.conn.Write(ctx, typ, data)
}

// Close implements chat.Conn.
func (c *Conn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}
