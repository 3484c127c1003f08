package protocol

import (
	"errors"
	"fmt"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

// Content types understood by the codecs.
const (
	ContentTypeJSON     = "application/json"
	ContentTypeProtobuf = "application/x-protobuf"
)

// ErrUnsupportedContentType is returned by CodecFor for unknown body types.
var ErrUnsupportedContentType = errors.New("unsupported content type")

// Codec converts messages to and from frame bodies.
type Codec interface {
	ContentType() string
	Marshal(Message) ([]byte, error)
	Unmarshal([]byte) (Message, error)
}

var (
	// JSON is the default codec, used by the chat backend.
	JSON Codec = jsonCodec{}

	// Protobuf encodes messages as protobuf wire format without generated
	// code. Field numbers: 1 sender, 2 content, 3 room_id, 4 timestamp.
	Protobuf Codec = protoCodec{}
)

// CodecFor picks the codec for a content-type header value. Parameters
// such as charset are ignored; an empty value selects JSON.
func CodecFor(contentType string) (Codec, error) {
	mediaType, _, _ := strings.Cut(contentType, ";")
	switch strings.ToLower(strings.TrimSpace(mediaType)) {
	case "", ContentTypeJSON, "text/json", "text/plain":
		return JSON, nil
	case ContentTypeProtobuf, "application/protobuf":
		return Protobuf, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedContentType, contentType)
	}
}

type jsonCodec struct{}

func (jsonCodec) ContentType() string { return ContentTypeJSON }

func (jsonCodec) Marshal(m Message) ([]byte, error) { return m.Encode() }

func (jsonCodec) Unmarshal(data []byte) (Message, error) {
	var m Message
	err := m.Decode(data)
	return m, err
}

const (
	fieldSender protowire.Number = iota + 1
	fieldContent
	fieldRoomID
	fieldTimestamp
)

type protoCodec struct{}

func (protoCodec) ContentType() string { return ContentTypeProtobuf }

func (protoCodec) Marshal(m Message) ([]byte, error) {
	var b []byte
	b = appendString(b, fieldSender, m.Sender)
	b = appendString(b, fieldContent, m.Content)
	b = appendString(b, fieldRoomID, m.RoomID)
	b = appendString(b, fieldTimestamp, m.Timestamp)
	return b, nil
}

func (protoCodec) Unmarshal(data []byte) (Message, error) {
	if len(data) == 0 {
		return Message{}, fmt.Errorf("failed to decode message: %w", ErrEmptyPayload)
	}

	var m Message
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Message{}, fmt.Errorf("failed to decode message: %w", protowire.ParseError(n))
		}
		data = data[n:]

		if typ != protowire.BytesType || num > fieldTimestamp {
			// Unknown fields are skipped for forward compatibility.
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Message{}, fmt.Errorf("failed to decode message: %w", protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}

		v, n := protowire.ConsumeString(data)
		if n < 0 {
			return Message{}, fmt.Errorf("failed to decode message: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case fieldSender:
			m.Sender = v
		case fieldContent:
			m.Content = v
		case fieldRoomID:
			m.RoomID = v
		case fieldTimestamp:
			m.Timestamp = v
		}
	}
	return m, nil
}

// appendString skips empty values, as proto3 does for default scalars.
func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}
