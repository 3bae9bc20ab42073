package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/haasonsaas/househunt/internal/realtime"
	"github.com/haasonsaas/househunt/pkg/models"
)

var errTransportClosed = errors.New("hub: local transport not open")

// LocalTransport connects a realtime.Manager to a hub in the same process.
type LocalTransport struct {
	hub    *Hub
	userID string
	logger *slog.Logger

	mu       sync.Mutex
	client   *Client
	done     chan struct{}
	handlers map[string]func(realtime.Message)
}

// NewLocalTransport returns a transport acting as userID.
func NewLocalTransport(h *Hub, userID string) *LocalTransport {
	return &LocalTransport{
		hub:      h,
		userID:   userID,
		logger:   h.logger.With("transport", "local", "user_id", userID),
		handlers: make(map[string]func(realtime.Message)),
	}
}

// Open attaches a hub client and starts delivering its frames.
func (t *LocalTransport) Open(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		return nil
	}
	t.client = t.hub.NewClient(t.userID)
	t.done = make(chan struct{})
	go t.pump(t.client, t.done)
	return nil
}

func (t *LocalTransport) pump(c *Client, done chan struct{}) {
	defer close(done)
	for frame := range c.Frames() {
		msg, ok, err := realtime.MessageFromFrame(frame)
		if err != nil {
			t.logger.Warn("decode frame failed", "error", err)
			continue
		}
		if !ok {
			continue
		}
		t.mu.Lock()
		handler := t.handlers[frame.Topic]
		t.mu.Unlock()
		if handler != nil {
			handler(msg)
		}
	}
}

// Close detaches from the hub and waits for pending deliveries to finish.
func (t *LocalTransport) Close() error {
	t.mu.Lock()
	c, done := t.client, t.done
	t.client = nil
	t.done = nil
	t.handlers = make(map[string]func(realtime.Message))
	t.mu.Unlock()
	if c == nil {
		return nil
	}
	t.hub.Disconnect(c)
	<-done
	return nil
}

// Channel returns a channel bound to this transport.
func (t *LocalTransport) Channel(name string, opts realtime.ChannelOptions) realtime.Channel {
	return &localChannel{transport: t, name: name, opts: opts}
}

func (t *LocalTransport) current() (*Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil, errTransportClosed
	}
	return t.client, nil
}

type localChannel struct {
	transport *LocalTransport
	name      string
	opts      realtime.ChannelOptions
}

func (c *localChannel) Subscribe(_ context.Context, handler func(realtime.Message)) error {
	t := c.transport
	t.mu.Lock()
	client := t.client
	if client == nil {
		t.mu.Unlock()
		return errTransportClosed
	}
	t.handlers[c.name] = handler
	t.mu.Unlock()
	return t.hub.Join(client, c.name, c.opts)
}

func (c *localChannel) Track(_ context.Context, p models.Presence) error {
	client, err := c.transport.current()
	if err != nil {
		return err
	}
	return c.transport.hub.Track(client, c.name, p)
}

func (c *localChannel) Send(_ context.Context, event string, payload json.RawMessage) error {
	client, err := c.transport.current()
	if err != nil {
		return err
	}
	return c.transport.hub.Broadcast(client, c.name, event, payload)
}

func (c *localChannel) Unsubscribe(context.Context) error {
	t := c.transport
	t.mu.Lock()
	client := t.client
	delete(t.handlers, c.name)
	t.mu.Unlock()
	if client == nil {
		return nil
	}
	t.hub.Leave(client, c.name)
	return nil
}
