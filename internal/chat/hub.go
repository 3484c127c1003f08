package chat

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/omochice/room-chat/pkg/protocol"
)

// Client is one connected STOMP session.
type Client struct {
	Conn     Conn
	Username string
	Outgoing chan []byte

	mu   sync.Mutex
	subs map[string]string // subscription id -> destination
}

func newClient(conn Conn) *Client {
	return &Client{
		Conn:     conn,
		Outgoing: make(chan []byte, 64),
		subs:     make(map[string]string),
	}
}

func (c *Client) subscribe(id, destination string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[id] = destination
}

func (c *Client) unsubscribe(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[id]
	delete(c.subs, id)
	return ok
}

func (c *Client) subscriptionsTo(destination string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for id, d := range c.subs {
		if d == destination {
			ids = append(ids, id)
		}
	}
	return ids
}

// PublishFunc observes every message accepted by the Hub.
type PublishFunc func(roomID string, msg protocol.Message)

// Hub manages all connected clients, their subscriptions and broadcast.
// Every transport shares a single Hub instance.
type Hub struct {
	clients map[*Client]bool
	mu      sync.RWMutex

	store        *Store
	logger       *slog.Logger
	heartBeat    time.Duration
	writeTimeout time.Duration

	obsMu     sync.RWMutex
	observers []PublishFunc

	// pubMu orders store appends and broadcasts the same way.
	pubMu sync.Mutex
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) HubOption {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithHeartBeat sets the interval the Hub offers to send heart-beats at.
// Zero disables them.
func WithHeartBeat(d time.Duration) HubOption {
	return func(h *Hub) { h.heartBeat = d }
}

// NewHub creates a Hub storing messages in store.
func NewHub(store *Store, opts ...HubOption) *Hub {
	h := &Hub{
		clients:      make(map[*Client]bool),
		store:        store,
		logger:       slog.Default(),
		heartBeat:    10 * time.Second,
		writeTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Store returns the Hub's room store.
func (h *Hub) Store() *Store {
	return h.store
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = true
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, client)
}

// ClientCount returns number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// OnPublish registers fn to be called for every accepted message.
func (h *Hub) OnPublish(fn PublishFunc) {
	h.obsMu.Lock()
	defer h.obsMu.Unlock()
	h.observers = append(h.observers, fn)
}

// Publish stores msg in roomID and broadcasts it to every subscriber of
// the room topic, the sender included.
func (h *Hub) Publish(roomID string, msg protocol.Message) error {
	msg.RoomID = roomID
	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().UTC().Format(protocol.TimestampLayout)
	}
	body, err := protocol.JSON.Marshal(msg)
	if err != nil {
		return err
	}

	h.obsMu.RLock()
	observers := h.observers
	h.obsMu.RUnlock()

	h.pubMu.Lock()
	defer h.pubMu.Unlock()
	if err := h.store.Append(roomID, msg); err != nil {
		return err
	}
	h.broadcast(protocol.TopicPrefix+protocol.RoomTopic(roomID), body)
	for _, fn := range observers {
		fn(roomID, msg)
	}
	return nil
}

func (h *Hub) broadcast(destination string, body []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		for _, id := range client.subscriptionsTo(destination) {
			f := protocol.NewFrame(protocol.CmdMessage,
				protocol.HdrSubscription, id,
				protocol.HdrMessageID, uuid.NewString(),
				protocol.HdrDestination, destination,
				protocol.HdrContentType, protocol.ContentTypeJSON,
			)
			f.Body = body
			select {
			case client.Outgoing <- f.Encode():
			default:
				h.logger.Warn("client channel full, skipping", "remote", client.Conn.RemoteAddr())
			}
		}
	}
}
