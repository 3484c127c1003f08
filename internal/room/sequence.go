package room

import "github.com/omochice/room-chat/pkg/protocol"

// Sequence is the append-only message list of one room visit. The
// backlog, once installed, sits ahead of live messages, including those
// that arrived before it.
type Sequence struct {
	backlog []protocol.Message
	live    []protocol.Message
}

// AppendLive adds a message delivered by the channel.
func (s *Sequence) AppendLive(m protocol.Message) {
	s.live = append(s.live, m)
}

// SetBacklog installs history. Later calls replace the backlog.
func (s *Sequence) SetBacklog(msgs []protocol.Message) {
	s.backlog = append([]protocol.Message(nil), msgs...)
}

// Len returns the number of messages.
func (s *Sequence) Len() int {
	return len(s.backlog) + len(s.live)
}

// Messages returns a copy, backlog first.
func (s *Sequence) Messages() []protocol.Message {
	out := make([]protocol.Message, 0, s.Len())
	out = append(out, s.backlog...)
	return append(out, s.live...)
}

// Reset empties the sequence.
func (s *Sequence) Reset() {
	s.backlog, s.live = nil, nil
}
