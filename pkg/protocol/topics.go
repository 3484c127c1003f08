package protocol

import "strings"

// Wire prefixes for logical topics and destinations.
const (
	TopicPrefix       = "/topic/"
	DestinationPrefix = "/"
)

const (
	roomTopic      = "room/"
	sendMessageDst = "app/sendMessage/"
)

// RoomTopic is the logical topic a room's messages are broadcast on.
func RoomTopic(roomID string) string {
	return roomTopic + roomID
}

// SendDestination is the logical destination for posting to a room.
func SendDestination(roomID string) string {
	return sendMessageDst + roomID
}

// RoomFromTopic extracts the room from a wire topic such as
// "/topic/room/lobby".
func RoomFromTopic(destination string) (string, bool) {
	return trimNonEmpty(destination, TopicPrefix+roomTopic)
}

// RoomFromSendDestination extracts the room from a wire destination such
// as "/app/sendMessage/lobby".
func RoomFromSendDestination(destination string) (string, bool) {
	return trimNonEmpty(destination, DestinationPrefix+sendMessageDst)
}

func trimNonEmpty(s, prefix string) (string, bool) {
	rest, ok := strings.CutPrefix(s, prefix)
	if !ok || rest == "" {
		return "", false
	}
	return rest, true
}
