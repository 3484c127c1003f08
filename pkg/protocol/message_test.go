package protocol_test

import (
	"errors"
	"testing"
	"time"

	"github.com/omochice/room-chat/pkg/protocol"
)

func TestNewMessage(t *testing.T) {
	now := time.Date(2024, 1, 1, 9, 0, 5, 123456789, time.FixedZone("JST", 9*60*60))

	got := protocol.NewMessage("alice", "lobby", "yo", now)

	want := protocol.Message{
		Sender:    "alice",
		Content:   "yo",
		RoomID:    "lobby",
		Timestamp: "2024-01-01T00:00:05.123Z",
	}
	if got != want {
		t.Errorf("NewMessage() = %+v, want %+v", got, want)
	}
}

func TestMessage_Encode(t *testing.T) {
	msg := protocol.Message{
		Sender:    "bob",
		Content:   "hi",
		RoomID:    "lobby",
		Timestamp: "2024-01-01T00:00:00Z",
	}

	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("Message.Encode() error = %v", err)
	}

	want := `{"sender":"bob","content":"hi","roomId":"lobby","timestamp":"2024-01-01T00:00:00Z"}`
	if string(data) != want {
		t.Errorf("Message.Encode() = %s, want %s", data, want)
	}
}

func TestMessage_Decode(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    protocol.Message
		wantErr bool
	}{
		{
			name: "decode message successfully",
			data: `{"sender":"bob","content":"hi","roomId":"lobby","timestamp":"2024-01-01T00:00:00Z"}`,
			want: protocol.Message{Sender: "bob", Content: "hi", RoomID: "lobby", Timestamp: "2024-01-01T00:00:00Z"},
		},
		{
			name: "accept backend timeStamp spelling",
			data: `{"sender":"bob","content":"hi","roomId":"lobby","timeStamp":"2024-01-01T00:00:00"}`,
			want: protocol.Message{Sender: "bob", Content: "hi", RoomID: "lobby", Timestamp: "2024-01-01T00:00:00"},
		},
		{
			name: "ignore unknown fields",
			data: `{"id":7,"sender":"bob","content":"hi"}`,
			want: protocol.Message{Sender: "bob", Content: "hi"},
		},
		{name: "reject empty body", data: "", wantErr: true},
		{name: "reject null", data: "null", wantErr: true},
		{name: "reject array", data: `[1,2]`, wantErr: true},
		{name: "reject malformed json", data: `{"sender":`, wantErr: true},
		{name: "reject wrong field type", data: `{"sender":42}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got protocol.Message
			err := got.Decode([]byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Errorf("Message.Decode() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("Message.Decode() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestMessage_DecodeEmptyPayload(t *testing.T) {
	var m protocol.Message
	err := m.Decode([]byte("  "))
	if !errors.Is(err, protocol.ErrEmptyPayload) {
		t.Errorf("Message.Decode() error = %v, want ErrEmptyPayload", err)
	}
}

func TestMessage_Time(t *testing.T) {
	tests := []struct {
		name      string
		timestamp string
		want      time.Time
		wantErr   bool
	}{
		{
			name:      "rfc3339 with zone",
			timestamp: "2024-01-01T00:00:05Z",
			want:      time.Date(2024, 1, 1, 0, 0, 5, 0, time.UTC),
		},
		{
			name:      "iso string with millis",
			timestamp: "2024-01-01T00:00:05.250Z",
			want:      time.Date(2024, 1, 1, 0, 0, 5, 250000000, time.UTC),
		},
		{
			name:      "local date time without zone",
			timestamp: "2024-01-01T00:00:05.5",
			want:      time.Date(2024, 1, 1, 0, 0, 5, 500000000, time.UTC),
		},
		{name: "garbage", timestamp: "yesterday", wantErr: true},
		{name: "empty", timestamp: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := protocol.Message{Timestamp: tt.timestamp}.Time()
			if (err != nil) != tt.wantErr {
				t.Errorf("Message.Time() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && !got.Equal(tt.want) {
				t.Errorf("Message.Time() = %v, want %v", got, tt.want)
			}
		})
	}
}
