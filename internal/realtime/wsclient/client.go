// Package wsclient implements realtime.Transport over the hub websocket
// protocol.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/househunt/internal/realtime"
	"github.com/haasonsaas/househunt/pkg/models"
)

const (
	pongWait  = 45 * time.Second
	writeWait = 10 * time.Second
)

// ErrNotConnected is returned for channel operations without an open socket.
var ErrNotConnected = errors.New("wsclient: not connected")

// Config configures the websocket transport.
type Config struct {
	// URL is the realtime endpoint, e.g. ws://localhost:8080/realtime.
	URL string
	// Token returns the current session token.
	Token func() string
	// ReplyTimeout bounds waiting for a server reply.
	ReplyTimeout time.Duration
	Dialer       *websocket.Dialer
}

// Client is a websocket realtime transport.
type Client struct {
	config Config
	logger *slog.Logger
	refs   atomic.Uint64

	writeMu sync.Mutex

	mu           sync.Mutex
	conn         *websocket.Conn
	done         chan struct{}
	closing      bool
	pending      map[string]chan realtime.Frame
	handlers     map[string]func(realtime.Message)
	onDisconnect func(error)
}

// New creates a transport. Nothing is dialed until Open.
func New(config Config, logger *slog.Logger) *Client {
	if config.ReplyTimeout <= 0 {
		config.ReplyTimeout = 10 * time.Second
	}
	if config.Dialer == nil {
		config.Dialer = websocket.DefaultDialer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		config:   config,
		logger:   logger.With("component", "wsclient"),
		pending:  make(map[string]chan realtime.Frame),
		handlers: make(map[string]func(realtime.Message)),
	}
}

// NotifyDisconnect registers fn for unexpected connection loss.
func (c *Client) NotifyDisconnect(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = fn
}

// Open dials the endpoint. It is a no-op when already connected.
func (c *Client) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	header := http.Header{}
	if c.config.Token != nil {
		if token := c.config.Token(); token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}
	conn, resp, err := c.config.Dialer.DialContext(ctx, c.config.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("wsclient: dial %s: %w", c.config.URL, err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.conn = conn
	c.closing = false
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	box := newInbox()
	go c.dispatch(box)
	go c.readLoop(conn, done, box)
	return nil
}

// readLoop resolves replies inline and queues channel messages for dispatch,
// so a handler may issue requests of its own without stalling the socket.
func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}, box *inbox) {
	defer close(done)
	defer box.close()
	for {
		var frame realtime.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			c.mu.Lock()
			expected := c.closing
			if c.conn == conn {
				c.conn = nil
			}
			for ref, ch := range c.pending {
				close(ch)
				delete(c.pending, ref)
			}
			notify := c.onDisconnect
			c.mu.Unlock()
			_ = conn.Close()
			if !expected && notify != nil {
				notify(err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck

		if frame.Type == realtime.FrameReply {
			c.mu.Lock()
			ch := c.pending[frame.Ref]
			delete(c.pending, frame.Ref)
			c.mu.Unlock()
			if ch != nil {
				ch <- frame
			}
			continue
		}

		msg, ok, err := realtime.MessageFromFrame(frame)
		if err != nil {
			c.logger.Warn("decode frame failed", "topic", frame.Topic, "error", err)
			continue
		}
		if !ok {
			continue
		}
		box.push(delivery{topic: frame.Topic, msg: msg})
	}
}

// dispatch delivers queued messages in arrival order until the read loop
// for its connection exits. Handlers are resolved at delivery time.
func (c *Client) dispatch(box *inbox) {
	for {
		<-box.wake
		batch, closed := box.take()
		for _, d := range batch {
			c.mu.Lock()
			handler := c.handlers[d.topic]
			c.mu.Unlock()
			if handler != nil {
				handler(d.msg)
			}
		}
		if closed {
			return
		}
	}
}

type delivery struct {
	topic string
	msg   realtime.Message
}

// inbox is an unbounded FIFO between one read loop and its dispatcher.
type inbox struct {
	mu     sync.Mutex
	queue  []delivery
	closed bool
	wake   chan struct{}
}

func newInbox() *inbox {
	return &inbox{wake: make(chan struct{}, 1)}
}

func (b *inbox) push(d delivery) {
	b.mu.Lock()
	b.queue = append(b.queue, d)
	b.mu.Unlock()
	b.signal()
}

func (b *inbox) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.signal()
}

func (b *inbox) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *inbox) take() ([]delivery, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch := b.queue
	b.queue = nil
	return batch, b.closed
}

// Close shuts the socket down without reporting a disconnect. It does not
// wait for queued messages, so handlers may call it.
func (c *Client) Close() error {
	c.mu.Lock()
	conn, done := c.conn, c.done
	c.closing = true
	c.conn = nil
	c.handlers = make(map[string]func(realtime.Message))
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	err := conn.Close()
	<-done
	return err
}

func (c *Client) request(ctx context.Context, frame realtime.Frame) error {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	frame.Ref = strconv.FormatUint(c.refs.Add(1), 10)
	replyCh := make(chan realtime.Frame, 1)
	c.pending[frame.Ref] = replyCh
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
	err := conn.WriteJSON(frame)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(frame.Ref)
		return fmt.Errorf("wsclient: write %s: %w", frame.Type, err)
	}

	timer := time.NewTimer(c.config.ReplyTimeout)
	defer timer.Stop()
	select {
	case reply, ok := <-replyCh:
		if !ok {
			return ErrNotConnected
		}
		if reply.Status == realtime.ReplyError {
			return fmt.Errorf("wsclient: %s %s: %s", frame.Type, frame.Topic, reply.Error)
		}
		return nil
	case <-timer.C:
		c.forget(frame.Ref)
		return fmt.Errorf("wsclient: %s %s: reply timeout", frame.Type, frame.Topic)
	case <-ctx.Done():
		c.forget(frame.Ref)
		return ctx.Err()
	}
}

func (c *Client) forget(ref string) {
	c.mu.Lock()
	delete(c.pending, ref)
	c.mu.Unlock()
}

// Channel returns a channel bound to this client.
func (c *Client) Channel(name string, opts realtime.ChannelOptions) realtime.Channel {
	return &channel{client: c, name: name, opts: opts}
}

type channel struct {
	client *Client
	name   string
	opts   realtime.ChannelOptions
}

func (ch *channel) Subscribe(ctx context.Context, handler func(realtime.Message)) error {
	payload, err := json.Marshal(ch.opts)
	if err != nil {
		return err
	}
	c := ch.client
	c.mu.Lock()
	c.handlers[ch.name] = handler
	c.mu.Unlock()

	if err := c.request(ctx, realtime.Frame{Type: realtime.FrameJoin, Topic: ch.name, Payload: payload}); err != nil {
		c.mu.Lock()
		delete(c.handlers, ch.name)
		c.mu.Unlock()
		return err
	}
	return nil
}

func (ch *channel) Track(ctx context.Context, p models.Presence) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return ch.client.request(ctx, realtime.Frame{Type: realtime.FrameTrack, Topic: ch.name, Payload: payload})
}

func (ch *channel) Send(ctx context.Context, event string, payload json.RawMessage) error {
	return ch.client.request(ctx, realtime.Frame{Type: realtime.FrameBroadcast, Topic: ch.name, Event: event, Payload: payload})
}

func (ch *channel) Unsubscribe(ctx context.Context) error {
	c := ch.client
	c.mu.Lock()
	delete(c.handlers, ch.name)
	connected := c.conn != nil
	c.mu.Unlock()
	if !connected {
		return nil
	}
	return c.request(ctx, realtime.Frame{Type: realtime.FrameLeave, Topic: ch.name})
}
