// Package hub fans realtime traffic out to connected clients: row changes,
// presence and broadcasts, grouped by topic.
package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/haasonsaas/househunt/internal/observability"
	"github.com/haasonsaas/househunt/internal/realtime"
	"github.com/haasonsaas/househunt/pkg/models"
)

// DefaultQueueSize is the per-client frame buffer.
const DefaultQueueSize = 64

var (
	// ErrNotJoined is returned for topic operations by a client that has not joined.
	ErrNotJoined = errors.New("hub: client has not joined topic")
	// ErrClientClosed is returned for operations on a disconnected client.
	ErrClientClosed = errors.New("hub: client closed")
)

// Client is one connection attached to the hub. Frames for it are queued in
// order and read from Frames.
type Client struct {
	ID     string
	UserID string

	send   chan realtime.Frame
	closed bool
}

// Frames returns the client's outbound queue. It is closed on Disconnect.
func (c *Client) Frames() <-chan realtime.Frame {
	return c.send
}

type topic struct {
	members   map[*Client]realtime.ChannelOptions
	presences map[*Client]models.Presence
}

// Hub routes frames between clients.
type Hub struct {
	logger    *slog.Logger
	metrics   *observability.Metrics
	queueSize int

	mu      sync.RWMutex
	clients map[*Client]struct{}
	topics  map[string]*topic
}

// New creates an empty hub.
func New(logger *slog.Logger, metrics *observability.Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:    logger.With("component", "hub"),
		metrics:   metrics,
		queueSize: DefaultQueueSize,
		clients:   make(map[*Client]struct{}),
		topics:    make(map[string]*topic),
	}
}

// NewClient registers a client for userID.
func (h *Hub) NewClient(userID string) *Client {
	c := &Client{
		ID:     uuid.NewString(),
		UserID: userID,
		send:   make(chan realtime.Frame, h.queueSize),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.metrics.HubClientDelta(1)
	return c
}

// Disconnect removes the client from every topic, announces its presence
// leaves and closes its queue. Safe to call more than once.
func (h *Hub) Disconnect(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return
	}
	for name, t := range h.topics {
		if _, ok := t.members[c]; ok {
			h.leaveLocked(c, name, t)
		}
	}
	c.closed = true
	delete(h.clients, c)
	close(c.send)
	h.metrics.HubClientDelta(-1)
}

// DisconnectUser disconnects every client authenticated as userID and
// returns how many were dropped.
func (h *Hub) DisconnectUser(userID string) int {
	h.mu.RLock()
	var targets []*Client
	for c := range h.clients {
		if c.UserID == userID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range targets {
		h.Disconnect(c)
	}
	return len(targets)
}

// Join subscribes c to name. Joining a presence topic delivers a sync with
// the current presences to c.
func (h *Hub) Join(c *Client, name string, opts realtime.ChannelOptions) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	t := h.topics[name]
	if t == nil {
		t = &topic{
			members:   make(map[*Client]realtime.ChannelOptions),
			presences: make(map[*Client]models.Presence),
		}
		h.topics[name] = t
	}
	t.members[c] = opts
	if opts.Presence {
		h.deliverLocked(c, name, realtime.Message{
			Kind:     realtime.KindPresence,
			Presence: &realtime.PresenceEvent{Type: realtime.PresenceSync, Presences: presenceList(t)},
		})
	}
	return nil
}

// Leave unsubscribes c from name.
func (h *Hub) Leave(c *Client, name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t := h.topics[name]; t != nil {
		h.leaveLocked(c, name, t)
	}
}

func (h *Hub) leaveLocked(c *Client, name string, t *topic) {
	if p, ok := t.presences[c]; ok {
		delete(t.presences, c)
		h.fanoutLocked(name, t, nil, presenceMessage(realtime.PresenceLeave, p))
	}
	delete(t.members, c)
	if len(t.members) == 0 {
		delete(h.topics, name)
	}
}

// Track records c's presence on name and announces it to every member.
func (h *Hub) Track(c *Client, name string, p models.Presence) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.topics[name]
	if t == nil {
		return fmt.Errorf("%w: %s", ErrNotJoined, name)
	}
	if _, ok := t.members[c]; !ok {
		return fmt.Errorf("%w: %s", ErrNotJoined, name)
	}
	t.presences[c] = p
	h.fanoutLocked(name, t, nil, presenceMessage(realtime.PresenceJoin, p))
	return nil
}

// Untrack removes c's presence from name.
func (h *Hub) Untrack(c *Client, name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.topics[name]
	if t == nil {
		return
	}
	if p, ok := t.presences[c]; ok {
		delete(t.presences, c)
		h.fanoutLocked(name, t, nil, presenceMessage(realtime.PresenceLeave, p))
	}
}

// Broadcast sends an ephemeral event to every other member of name.
func (h *Hub) Broadcast(from *Client, name, event string, payload json.RawMessage) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t := h.topics[name]
	if t == nil {
		return fmt.Errorf("%w: %s", ErrNotJoined, name)
	}
	if _, ok := t.members[from]; !ok {
		return fmt.Errorf("%w: %s", ErrNotJoined, name)
	}
	h.fanoutLocked(name, t, from, realtime.Message{
		Kind:      realtime.KindBroadcast,
		Broadcast: &realtime.Broadcast{Event: event, Payload: payload},
	})
	return nil
}

// Publish routes a row change to every member whose filters match it.
func (h *Hub) Publish(change realtime.Change) {
	row := decodeRow(change.Row())
	msg := realtime.Message{Kind: realtime.KindChange, Change: &change}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for name, t := range h.topics {
		for c, opts := range t.members {
			if matchesAny(opts.Changes, change, row) {
				h.deliverLocked(c, name, msg)
			}
		}
	}
}

// Reply queues a protocol reply for c.
func (h *Hub) Reply(c *Client, frame realtime.Frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.enqueueLocked(c, frame)
}

func (h *Hub) fanoutLocked(name string, t *topic, skip *Client, msg realtime.Message) {
	for c := range t.members {
		if c == skip {
			continue
		}
		h.deliverLocked(c, name, msg)
	}
}

func (h *Hub) deliverLocked(c *Client, name string, msg realtime.Message) {
	frame, err := realtime.FrameFromMessage(name, msg)
	if err != nil {
		h.logger.Warn("encode frame failed", "topic", name, "error", err)
		return
	}
	if h.enqueueLocked(c, frame) {
		h.metrics.HubMessage(string(msg.Kind))
	}
}

// enqueueLocked never blocks. A client whose queue is full misses the frame.
func (h *Hub) enqueueLocked(c *Client, frame realtime.Frame) bool {
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		h.logger.Warn("client queue full, dropping frame", "client", c.ID, "topic", frame.Topic, "type", frame.Type)
		return false
	}
}

func presenceMessage(typ realtime.PresenceEventType, p models.Presence) realtime.Message {
	return realtime.Message{
		Kind:     realtime.KindPresence,
		Presence: &realtime.PresenceEvent{Type: typ, Presences: []models.Presence{p}},
	}
}

func presenceList(t *topic) []models.Presence {
	out := make([]models.Presence, 0, len(t.presences))
	for _, p := range t.presences {
		out = append(out, p)
	}
	return out
}

// Topics returns the number of topics with at least one member.
func (h *Hub) Topics() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics)
}
