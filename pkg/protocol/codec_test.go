package protocol_test

import (
	"errors"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/omochice/room-chat/pkg/protocol"
)

func TestCodecFor(t *testing.T) {
	tests := []struct {
		contentType string
		want        protocol.Codec
		wantErr     bool
	}{
		{"", protocol.JSON, false},
		{"application/json", protocol.JSON, false},
		{"application/json;charset=UTF-8", protocol.JSON, false},
		{"Application/JSON", protocol.JSON, false},
		{"text/plain", protocol.JSON, false},
		{"application/x-protobuf", protocol.Protobuf, false},
		{"application/octet-stream", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			got, err := protocol.CodecFor(tt.contentType)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CodecFor() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, protocol.ErrUnsupportedContentType) {
					t.Errorf("CodecFor() error = %v, want ErrUnsupportedContentType", err)
				}
				return
			}
			if got.ContentType() != tt.want.ContentType() {
				t.Errorf("CodecFor() = %s, want %s", got.ContentType(), tt.want.ContentType())
			}
		})
	}
}

func TestProtobuf_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  protocol.Message
	}{
		{
			name: "all fields",
			msg:  protocol.Message{Sender: "alice", Content: "yo", RoomID: "lobby", Timestamp: "2024-01-01T00:00:05Z"},
		},
		{
			name: "unicode content",
			msg:  protocol.Message{Sender: "アリス", Content: "こんにちは", RoomID: "lobby"},
		},
		{
			name: "empty content",
			msg:  protocol.Message{Sender: "alice", RoomID: "lobby"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := protocol.Protobuf.Marshal(tt.msg)
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}
			got, err := protocol.Protobuf.Unmarshal(data)
			if err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}
			if got != tt.msg {
				t.Errorf("round trip = %+v, want %+v", got, tt.msg)
			}
		})
	}
}

func TestProtobuf_SkipsUnknownFields(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, 9, protowire.VarintType)
	b = protowire.AppendVarint(b, 150)
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, "bob")

	got, err := protocol.Protobuf.Unmarshal(b)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if got.Sender != "bob" {
		t.Errorf("Sender = %q, want bob", got.Sender)
	}
}

func TestProtobuf_UnmarshalErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"truncated tag", []byte{0x80}},
		{"truncated string", []byte{0x0a, 0x05, 'a'}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := protocol.Protobuf.Unmarshal(tt.data); err == nil {
				t.Error("Unmarshal() expected error, got nil")
			}
		})
	}
}
