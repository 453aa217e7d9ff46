// Package realtime delivers typed events to a user's live sessions over
// websockets. Delivery is best effort: only currently connected sessions
// receive anything, and a slow session is dropped rather than allowed to
// stall the rest. Durable notifications cover the offline gap.
package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	sendBuffer         = 256
	maxSessionsPerUser = 16
)

// Envelope is the wire format for every pushed event.
type Envelope struct {
	Event   string    `json:"event"`
	Payload any       `json:"payload"`
	SentAt  time.Time `json:"sentAt"`
}

// Client is one live session. A user may hold many at once (multi-device).
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	id     string
	userID string
}

// Hub is the connection registry and fan-out core. All maps are guarded by
// mu; Register/Unregister also flow through channels so connection handlers
// never block on registry work.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]map[*Client]struct{}
	topics   map[string]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client

	log *logrus.Logger
}

func NewHub(log *logrus.Logger) *Hub {
	return &Hub{
		sessions:   make(map[string]map[*Client]struct{}),
		topics:     make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		log:        log,
	}
}

// Run owns the register/unregister loop until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case client := <-h.register:
			h.add(client)
		case client := <-h.unregister:
			h.remove(client)
		case <-ctx.Done():
			h.closeAll()
			return
		}
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.sessions[c.userID]) >= maxSessionsPerUser {
		h.log.WithField("user", c.userID).Warn("session limit reached, rejecting connection")
		close(c.send)
		return
	}
	set, ok := h.sessions[c.userID]
	if !ok {
		set = make(map[*Client]struct{})
		h.sessions[c.userID] = set
	}
	set[c] = struct{}{}
	h.log.WithFields(logrus.Fields{"user": c.userID, "session": c.id, "sessions": len(set)}).
		Info("session registered")
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

// removeLocked detaches a client from its user set and every topic. A set
// left empty is dropped entirely. Safe to call twice for the same client.
func (h *Hub) removeLocked(c *Client) {
	set, ok := h.sessions[c.userID]
	if !ok {
		return
	}
	if _, member := set[c]; !member {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.sessions, c.userID)
	}
	for topic, subscribers := range h.topics {
		delete(subscribers, c)
		if len(subscribers) == 0 {
			delete(h.topics, topic)
		}
	}
	close(c.send)
	h.log.WithFields(logrus.Fields{"user": c.userID, "session": c.id}).Info("session unregistered")
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.sessions {
		for c := range set {
			close(c.send)
		}
	}
	h.sessions = make(map[string]map[*Client]struct{})
	h.topics = make(map[string]map[*Client]struct{})
}

// SendToUser delivers the event to every live session of the user. A user
// with no sessions receives nothing and that is not an error.
func (h *Hub) SendToUser(userID, event string, payload any) {
	data, err := h.marshal(event, payload)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.sessions[userID] {
		h.trySendLocked(c, data)
	}
}

// BroadcastAll delivers the event to every session of every user.
func (h *Hub) BroadcastAll(event string, payload any) {
	data, err := h.marshal(event, payload)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.sessions {
		for c := range set {
			h.trySendLocked(c, data)
		}
	}
}

// BroadcastTopic delivers the event to every session subscribed to topic.
func (h *Hub) BroadcastTopic(topic, event string, payload any) {
	data, err := h.marshal(event, payload)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.topics[topic] {
		h.trySendLocked(c, data)
	}
}

// Subscribe joins a session to a broadcast topic. Only registered sessions
// may subscribe.
func (h *Hub) Subscribe(c *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.sessions[c.userID]
	if !ok {
		return
	}
	if _, member := set[c]; !member {
		return
	}
	subscribers, ok := h.topics[topic]
	if !ok {
		subscribers = make(map[*Client]struct{})
		h.topics[topic] = subscribers
	}
	subscribers[c] = struct{}{}
}

func (h *Hub) Unsubscribe(c *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subscribers, ok := h.topics[topic]
	if !ok {
		return
	}
	delete(subscribers, c)
	if len(subscribers) == 0 {
		delete(h.topics, topic)
	}
}

// UserSessionCount reports how many live sessions a user currently holds.
func (h *Hub) UserSessionCount(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions[userID])
}

// ConnectedUsers lists users with at least one live session.
func (h *Hub) ConnectedUsers() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	users := make([]string, 0, len(h.sessions))
	for userID := range h.sessions {
		users = append(users, userID)
	}
	return users
}

// trySendLocked queues the frame or, if the session's buffer is full, drops
// the session. A stalled consumer must not hold up the fan-out.
func (h *Hub) trySendLocked(c *Client, data []byte) {
	select {
	case c.send <- data:
	default:
		h.log.WithFields(logrus.Fields{"user": c.userID, "session": c.id}).
			Warn("send buffer full, dropping session")
		h.removeLocked(c)
	}
}

func (h *Hub) marshal(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(Envelope{Event: event, Payload: payload, SentAt: time.Now().UTC()})
	if err != nil {
		h.log.WithError(err).WithField("event", event).Error("could not marshal event payload")
		return nil, err
	}
	return data, nil
}
