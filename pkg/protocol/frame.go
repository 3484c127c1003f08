package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// STOMP commands.
const (
	CmdConnect     = "CONNECT"
	CmdStomp       = "STOMP"
	CmdConnected   = "CONNECTED"
	CmdSend        = "SEND"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdDisconnect  = "DISCONNECT"
	CmdAck         = "ACK"
	CmdNack        = "NACK"
	CmdBegin       = "BEGIN"
	CmdCommit      = "COMMIT"
	CmdAbort       = "ABORT"
	CmdMessage     = "MESSAGE"
	CmdReceipt     = "RECEIPT"
	CmdError       = "ERROR"
)

// STOMP headers used by the chat protocol.
const (
	HdrAcceptVersion = "accept-version"
	HdrVersion       = "version"
	HdrHost          = "host"
	HdrHeartBeat     = "heart-beat"
	HdrDestination   = "destination"
	HdrID            = "id"
	HdrSubscription  = "subscription"
	HdrMessageID     = "message-id"
	HdrReceipt       = "receipt"
	HdrReceiptID     = "receipt-id"
	HdrContentType   = "content-type"
	HdrContentLength = "content-length"
	HdrMessage       = "message"
	HdrServer        = "server"
	HdrSession       = "session"
	HdrLogin         = "login"
)

// MaxFrameSize bounds a single buffered frame.
const MaxFrameSize = 1 << 20

// ErrFrameTooLarge is returned when a frame exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame too large")

// Header is a single frame header. Order is preserved on the wire.
type Header struct {
	Key   string
	Value string
}

// Frame is one STOMP frame.
type Frame struct {
	Command string
	Headers []Header
	Body    []byte
}

// NewFrame creates a frame from alternating key/value pairs.
func NewFrame(command string, kv ...string) *Frame {
	f := &Frame{Command: command}
	for i := 0; i+1 < len(kv); i += 2 {
		f.Add(kv[i], kv[i+1])
	}
	return f
}

// Get returns the first value for key. Repeated headers keep the first.
func (f *Frame) Get(key string) (string, bool) {
	for _, h := range f.Headers {
		if h.Key == key {
			return h.Value, true
		}
	}
	return "", false
}

// Value returns the header value or an empty string.
func (f *Frame) Value(key string) string {
	v, _ := f.Get(key)
	return v
}

// Add appends a header.
func (f *Frame) Add(key, value string) {
	f.Headers = append(f.Headers, Header{Key: key, Value: value})
}

// Set replaces every value of key with a single header.
func (f *Frame) Set(key, value string) {
	f.Del(key)
	f.Add(key, value)
}

// Del removes all headers named key.
func (f *Frame) Del(key string) {
	kept := f.Headers[:0]
	for _, h := range f.Headers {
		if h.Key != key {
			kept = append(kept, h)
		}
	}
	f.Headers = kept
}

// escaped reports whether header escaping applies to the command.
func escaped(command string) bool {
	return command != CmdConnect && command != CmdConnected
}

// Encode serializes the frame. A content-length header is written for
// every non-empty body so bodies may carry NUL octets.
func (f *Frame) Encode() []byte {
	var buf bytes.Buffer
	esc := escaped(f.Command)

	buf.WriteString(f.Command)
	buf.WriteByte('\n')
	for _, h := range f.Headers {
		if h.Key == HdrContentLength {
			continue
		}
		if esc {
			buf.WriteString(escapeHeader(h.Key))
			buf.WriteByte(':')
			buf.WriteString(escapeHeader(h.Value))
		} else {
			buf.WriteString(h.Key)
			buf.WriteByte(':')
			buf.WriteString(h.Value)
		}
		buf.WriteByte('\n')
	}
	if len(f.Body) > 0 {
		buf.WriteString(HdrContentLength)
		buf.WriteByte(':')
		buf.WriteString(strconv.Itoa(len(f.Body)))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.Write(f.Body)
	buf.WriteByte(0)
	return buf.Bytes()
}

// String renders the command and headers for logging.
func (f *Frame) String() string {
	var sb strings.Builder
	sb.WriteString(f.Command)
	for _, h := range f.Headers {
		fmt.Fprintf(&sb, " %s=%s", h.Key, h.Value)
	}
	return sb.String()
}

var headerEscaper = strings.NewReplacer(`\`, `\\`, "\r", `\r`, "\n", `\n`, ":", `\c`)

func escapeHeader(s string) string {
	return headerEscaper.Replace(s)
}

func unescapeHeader(s string) (string, error) {
	if !strings.Contains(s, `\`) {
		return s, nil
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			sb.WriteByte(c)
			continue
		}
		i++
		if i == len(s) {
			return "", fmt.Errorf("dangling escape in header %q", s)
		}
		switch s[i] {
		case '\\':
			sb.WriteByte('\\')
		case 'r':
			sb.WriteByte('\r')
		case 'n':
			sb.WriteByte('\n')
		case 'c':
			sb.WriteByte(':')
		default:
			return "", fmt.Errorf("undefined escape \\%c in header %q", s[i], s)
		}
	}
	return sb.String(), nil
}

// Decoder reassembles frames from a byte stream. Input may split frames
// across chunks or carry several frames in one chunk. End-of-line octets
// between frames are heart-beats and are skipped.
type Decoder struct {
	buf      []byte
	skipping bool
}

// Feed appends received bytes.
func (d *Decoder) Feed(data []byte) {
	d.buf = append(d.buf, data...)
}

// Reset discards buffered input.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.skipping = false
}

// Skip drops the frame that made Next fail: input up to and including the
// next NUL terminator. When no terminator is buffered yet, input is
// discarded until one arrives. Frames behind it decode normally.
func (d *Decoder) Skip() {
	if i := bytes.IndexByte(d.buf, 0); i >= 0 {
		d.buf = d.buf[i+1:]
		return
	}
	d.buf = d.buf[:0]
	d.skipping = true
}

// Buffered returns the number of bytes waiting for a complete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete frame, or nil when more input is needed.
func (d *Decoder) Next() (*Frame, error) {
	if d.skipping {
		i := bytes.IndexByte(d.buf, 0)
		if i < 0 {
			d.buf = d.buf[:0]
			return nil, nil
		}
		d.buf = d.buf[i+1:]
		d.skipping = false
	}
	d.skipHeartBeats()
	if len(d.buf) == 0 {
		return nil, nil
	}

	f, n, err := parseFrame(d.buf)
	if err != nil {
		return nil, err
	}
	if f == nil {
		if len(d.buf) > MaxFrameSize {
			return nil, ErrFrameTooLarge
		}
		return nil, nil
	}
	d.buf = d.buf[n:]
	return f, nil
}

func (d *Decoder) skipHeartBeats() {
	i := 0
	for i < len(d.buf) {
		switch {
		case d.buf[i] == '\n':
			i++
		case d.buf[i] == '\r' && i+1 < len(d.buf) && d.buf[i+1] == '\n':
			i += 2
		default:
			d.buf = d.buf[i:]
			return
		}
	}
	d.buf = d.buf[:0]
}

// Decode parses exactly one frame from data. Trailing heart-beats are
// allowed.
func Decode(data []byte) (*Frame, error) {
	var d Decoder
	d.Feed(data)
	f, err := d.Next()
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, errors.New("incomplete frame")
	}
	d.skipHeartBeats()
	if d.Buffered() > 0 {
		return nil, errors.New("trailing data after frame")
	}
	return f, nil
}

// parseFrame returns (nil, 0, nil) when data does not yet hold a full frame.
func parseFrame(data []byte) (*Frame, int, error) {
	pos := 0
	readLine := func() (string, bool) {
		idx := bytes.IndexByte(data[pos:], '\n')
		if idx < 0 {
			return "", false
		}
		line := data[pos : pos+idx]
		pos += idx + 1
		return string(bytes.TrimSuffix(line, []byte{'\r'})), true
	}

	command, ok := readLine()
	if !ok {
		return nil, 0, nil
	}
	if command == "" || strings.ContainsRune(command, 0) {
		return nil, 0, fmt.Errorf("invalid command %q", command)
	}

	f := &Frame{Command: command}
	esc := escaped(command)
	for {
		line, ok := readLine()
		if !ok {
			return nil, 0, nil
		}
		if line == "" {
			break
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			return nil, 0, fmt.Errorf("malformed header %q", line)
		}
		if esc {
			var err error
			if key, err = unescapeHeader(key); err != nil {
				return nil, 0, err
			}
			if value, err = unescapeHeader(value); err != nil {
				return nil, 0, err
			}
		}
		f.Add(key, value)
	}

	if v, ok := f.Get(HdrContentLength); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 0 {
			return nil, 0, fmt.Errorf("invalid content-length %q", v)
		}
		if n > MaxFrameSize {
			return nil, 0, ErrFrameTooLarge
		}
		if len(data) < pos+n+1 {
			return nil, 0, nil
		}
		if data[pos+n] != 0 {
			return nil, 0, errors.New("frame body not NUL terminated")
		}
		f.Body = append([]byte(nil), data[pos:pos+n]...)
		return f, pos + n + 1, nil
	}

	idx := bytes.IndexByte(data[pos:], 0)
	if idx < 0 {
		return nil, 0, nil
	}
	if idx > 0 {
		f.Body = append([]byte(nil), data[pos:pos+idx]...)
	}
	return f, pos + idx + 1, nil
}

// HeartBeat is the pair of intervals carried by the heart-beat header.
// Send is the smallest interval the sender can emit beats at, Receive is
// the interval it wants to receive them at. Zero means none.
type HeartBeat struct {
	Send    time.Duration
	Receive time.Duration
}

// String formats the header value in milliseconds.
func (hb HeartBeat) String() string {
	return strconv.FormatInt(hb.Send.Milliseconds(), 10) + "," + strconv.FormatInt(hb.Receive.Milliseconds(), 10)
}

// ParseHeartBeat parses a heart-beat header value. An empty value means no
// heart-beats.
func ParseHeartBeat(v string) (HeartBeat, error) {
	if strings.TrimSpace(v) == "" {
		return HeartBeat{}, nil
	}
	sx, sy, ok := strings.Cut(v, ",")
	if !ok {
		return HeartBeat{}, fmt.Errorf("invalid heart-beat %q", v)
	}
	send, err1 := strconv.ParseUint(strings.TrimSpace(sx), 10, 32)
	recv, err2 := strconv.ParseUint(strings.TrimSpace(sy), 10, 32)
	if err1 != nil || err2 != nil {
		return HeartBeat{}, fmt.Errorf("invalid heart-beat %q", v)
	}
	return HeartBeat{
		Send:    time.Duration(send) * time.Millisecond,
		Receive: time.Duration(recv) * time.Millisecond,
	}, nil
}

// Negotiate computes the effective intervals for the side that requested
// local after the peer answered with remote. outgoing is how often local
// must send, incoming how often it can expect to receive.
func Negotiate(local, remote HeartBeat) (outgoing, incoming time.Duration) {
	if local.Send > 0 && remote.Receive > 0 {
		outgoing = max(local.Send, remote.Receive)
	}
	if local.Receive > 0 && remote.Send > 0 {
		incoming = max(local.Receive, remote.Send)
	}
	return outgoing, incoming
}
