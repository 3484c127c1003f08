package server

import (
	"bufio"
	"bytes"
	"net"
	"sync"
)

// httpMethods are the request line prefixes that mark an HTTP connection.
// STOMP frames start with a command followed by EOL, so "CONNECT " with a
// space is HTTP and "CONNECT\n" is STOMP.
var httpMethods = [][]byte{
	[]byte("GET "),
	[]byte("POST"),
	[]byte("PUT "),
	[]byte("HEAD"),
	[]byte("OPTI"),
	[]byte("PATC"),
	[]byte("DELE"),
	[]byte("CONNECT "),
}

// isHTTP reports whether the connection behind reader speaks HTTP.
func isHTTP(reader *bufio.Reader) (bool, error) {
	prefix, err := reader.Peek(4)
	if err != nil {
		return false, err
	}
	if bytes.Equal(prefix, []byte("CONN")) {
		if prefix, err = reader.Peek(8); err != nil {
			return false, err
		}
	}
	for _, m := range httpMethods {
		if bytes.HasPrefix(prefix, m) {
			return true, nil
		}
	}
	return false, nil
}

// bufferedConn wraps a net.Conn with a bufio.Reader to preserve peeked data
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (bc *bufferedConn) Read(p []byte) (int, error) {
	return bc.reader.Read(p)
}

// chanListener hands sniffed HTTP connections to http.Server.
type chanListener struct {
	addr  net.Addr
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
}

func newChanListener(addr net.Addr) *chanListener {
	return &chanListener{
		addr:  addr,
		conns: make(chan net.Conn),
		done:  make(chan struct{}),
	}
}

func (l *chanListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

// push delivers conn to Accept, or closes it once the listener is closed.
func (l *chanListener) push(conn net.Conn) {
	select {
	case l.conns <- conn:
	case <-l.done:
		conn.Close()
	}
}

func (l *chanListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *chanListener) Addr() net.Addr {
	return l.addr
}
