package room

import (
	"fmt"

	"github.com/omochice/room-chat/pkg/protocol"
)

// State is the connection state of a Manager.
type State int

const (
	// Disconnected means no channel is held.
	Disconnected State = iota

	// Connecting means a channel is being dialed and subscribed.
	Connecting

	// Connected means the room subscription is live and sends are allowed.
	Connected

	// Failed means the last EnterRoom failed. It persists until the next
	// EnterRoom or LeaveRoom.
	Failed
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StateEvent represents a state change.
type StateEvent struct {
	OldState State
	NewState State
	Error    error // Optional error that caused the change
}

// NotificationKind classifies a Notification.
type NotificationKind int

// Notification kinds.
const (
	NotifyInfo NotificationKind = iota
	NotifyConnected
	NotifyError
)

// String returns the string representation of a NotificationKind.
func (k NotificationKind) String() string {
	switch k {
	case NotifyInfo:
		return "info"
	case NotifyConnected:
		return "connected"
	case NotifyError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Notification is a user-facing event such as a toast.
type Notification struct {
	Kind NotificationKind
	Text string
	Err  error
}

// Listener observes a Manager. Methods are called outside the Manager's
// lock, possibly from the channel's delivery goroutine, and must not block
// for long.
type Listener interface {
	OnStateChange(StateEvent)
	OnNotify(Notification)
	OnMessage(protocol.Message)
	// OnBacklog is called once history is installed, with the whole
	// sequence at that point.
	OnBacklog([]protocol.Message)
}

// ListenerFuncs adapts optional callbacks to Listener.
type ListenerFuncs struct {
	StateChange func(StateEvent)
	Notify      func(Notification)
	Message     func(protocol.Message)
	Backlog     func([]protocol.Message)
}

func (l ListenerFuncs) OnStateChange(e StateEvent) {
	if l.StateChange != nil {
		l.StateChange(e)
	}
}

func (l ListenerFuncs) OnNotify(n Notification) {
	if l.Notify != nil {
		l.Notify(n)
	}
}

func (l ListenerFuncs) OnMessage(m protocol.Message) {
	if l.Message != nil {
		l.Message(m)
	}
}

func (l ListenerFuncs) OnBacklog(msgs []protocol.Message) {
	if l.Backlog != nil {
		l.Backlog(msgs)
	}
}
