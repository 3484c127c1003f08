package ui

import (
	"errors"
	"fmt"
	"time"

	"github.com/omochice/room-chat/internal/room"
	"github.com/omochice/room-chat/internal/roomapi"
	"github.com/omochice/room-chat/pkg/protocol"
)

// TimeAgo renders how long before now the timestamp ts was. It returns
// an empty string when ts cannot be parsed.
func TimeAgo(ts string, now time.Time) string {
	t, err := protocol.Message{Timestamp: ts}.Time()
	if err != nil {
		return ""
	}
	d := now.Sub(t)
	switch {
	case d < 10*time.Second:
		return "now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d/time.Second))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d/time.Minute))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d/time.Hour))
	default:
		return fmt.Sprintf("%dd ago", int(d/(24*time.Hour)))
	}
}

// FormatMessage renders one line of the message list. Messages sent by
// self are marked.
func FormatMessage(m protocol.Message, self string, now time.Time) string {
	sender := m.Sender
	if sender == "" {
		sender = "unknown"
	}
	if self != "" && m.Sender == self {
		sender += " (you)"
	}
	line := sender + ": " + m.Content
	if ago := TimeAgo(m.Timestamp, now); ago != "" {
		line += " (" + ago + ")"
	}
	return line
}

// Header renders the chat screen title.
func Header(roomID, user string, state room.State) string {
	return fmt.Sprintf("Room: %s | User: %s | %s", roomID, user, state)
}

// ErrorText turns a room API error into a toast.
func ErrorText(err error) string {
	var se *roomapi.ServerError
	switch {
	case errors.Is(err, roomapi.ErrRoomExists):
		return "Room already exists!"
	case errors.Is(err, roomapi.ErrRoomNotFound):
		return "Room not found!"
	case errors.As(err, &se) && se.Status == 0:
		return "Server unreachable"
	case errors.As(err, &se):
		return "Server error: " + se.Message
	default:
		return err.Error()
	}
}
