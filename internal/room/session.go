package room

import "sync"

// Session is the room and user a client is currently using. It is shared
// by the view and the Manager, which updates it on entry and exit.
type Session struct {
	mu     sync.RWMutex
	room   string
	user   string
	joined bool
}

// Set records the active room and user.
func (s *Session) Set(room, user string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.room, s.user = room, user
}

// MarkJoined records whether the room subscription is live.
func (s *Session) MarkJoined(joined bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joined = joined
}

// Clear forgets the room and user.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.room, s.user, s.joined = "", "", false
}

// Room returns the active room id.
func (s *Session) Room() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.room
}

// User returns the active user name.
func (s *Session) User() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// Joined reports whether the room subscription is live.
func (s *Session) Joined() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.joined
}
