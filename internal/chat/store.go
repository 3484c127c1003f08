package chat

import (
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/omochice/room-chat/pkg/protocol"
)

var (
	// ErrRoomExists is returned by CreateRoom for a taken id.
	ErrRoomExists = errors.New("room already exists")

	// ErrRoomNotFound is returned for an unknown room id.
	ErrRoomNotFound = errors.New("room not found")

	// ErrInvalidRoom is returned for an empty room id.
	ErrInvalidRoom = errors.New("room id is required")
)

// Room is a chat room and its full message history.
type Room struct {
	ID       string             `json:"id"`
	RoomID   string             `json:"roomId"`
	Messages []protocol.Message `json:"messages"`
}

// Store keeps rooms in memory.
type Store struct {
	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{rooms: make(map[string]*Room)}
}

// CreateRoom adds a room with no messages.
func (s *Store) CreateRoom(roomID string) (Room, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return Room{}, ErrInvalidRoom
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; ok {
		return Room{}, ErrRoomExists
	}
	r := &Room{ID: uuid.NewString(), RoomID: roomID, Messages: []protocol.Message{}}
	s.rooms[roomID] = r
	return r.snapshot(), nil
}

// Room returns a copy of the room.
func (s *Store) Room(roomID string) (Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return Room{}, ErrRoomNotFound
	}
	return r.snapshot(), nil
}

// Append adds msg to the room's history.
func (s *Store) Append(roomID string, msg protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	r.Messages = append(r.Messages, msg)
	return nil
}

// Messages returns one page of history counted from the newest end, in
// chronological order. Page 0 holds the newest size messages.
func (s *Store) Messages(roomID string, page, size int) ([]protocol.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	if page < 0 || size <= 0 {
		return []protocol.Message{}, nil
	}

	n := len(r.Messages)
	start := max(0, n-(page+1)*size)
	end := min(n, start+size)
	if start >= end {
		return []protocol.Message{}, nil
	}
	out := make([]protocol.Message, end-start)
	copy(out, r.Messages[start:end])
	return out, nil
}

func (r *Room) snapshot() Room {
	out := *r
	out.Messages = append([]protocol.Message{}, r.Messages...)
	return out
}
