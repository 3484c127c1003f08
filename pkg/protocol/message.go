// Package protocol defines the chat wire model shared by clients and the
// development server: messages, their body codecs, STOMP frames and the
// topic naming scheme.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TimestampLayout is the layout of outbound timestamps. It matches the
// output of JavaScript's Date.prototype.toISOString.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// ErrEmptyPayload is returned when decoding an empty or null body.
var ErrEmptyPayload = errors.New("empty payload")

// Message represents a chat message. It is immutable once created.
//
// Field names are matched case-insensitively on decode, so the backend's
// "timeStamp" spelling is accepted as well.
type Message struct {
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	RoomID    string `json:"roomId"`
	Timestamp string `json:"timestamp"`
}

// NewMessage builds a message stamped with now in UTC.
func NewMessage(sender, roomID, content string, now time.Time) Message {
	return Message{
		Sender:    sender,
		Content:   content,
		RoomID:    roomID,
		Timestamp: now.UTC().Format(TimestampLayout),
	}
}

// Time parses the message timestamp. Zone-less timestamps, as produced by
// servers serialising local date-times, are read as UTC.
func (m Message) Time() (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, m.Timestamp); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02T15:04:05", m.Timestamp)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", m.Timestamp, err)
	}
	return t, nil
}

// Encode encodes the message into JSON bytes
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// Decode decodes JSON bytes into the message
func (m *Message) Decode(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return fmt.Errorf("failed to decode message: %w", ErrEmptyPayload)
	}
	if trimmed[0] != '{' {
		return fmt.Errorf("failed to decode message: expected a JSON object")
	}

	var decoded Message
	if err := json.Unmarshal(trimmed, &decoded); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	*m = decoded
	return nil
}
