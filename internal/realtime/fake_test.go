package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/househunt/pkg/models"
)

type fakeTransport struct {
	mu        sync.Mutex
	openErr   error
	opens     int
	closes    int
	open      bool
	created   map[string]int
	channels  map[string]*fakeChannel
	subErr    error
	subHook   func()
	onDisconn func(error)

	// openHook runs inside Open before it returns, without f.mu held.
	openHook func()
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		created:  make(map[string]int),
		channels: make(map[string]*fakeChannel),
	}
}

func (f *fakeTransport) Open(context.Context) error {
	f.mu.Lock()
	hook := f.openHook
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.openErr != nil {
		return f.openErr
	}
	f.open = true
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.open = false
	return nil
}

func (f *fakeTransport) isOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeTransport) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *fakeTransport) Channel(name string, opts ChannelOptions) Channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created[name]++
	ch := &fakeChannel{name: name, opts: opts, subErr: f.subErr, subHook: f.subHook}
	f.channels[name] = ch
	return ch
}

func (f *fakeTransport) NotifyDisconnect(fn func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDisconn = fn
}

func (f *fakeTransport) setOpenErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErr = err
}

func (f *fakeTransport) createdCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[name]
}

func (f *fakeTransport) channel(name string) *fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channels[name]
}

type fakeChannel struct {
	name    string
	opts    ChannelOptions
	subErr  error
	subHook func()

	mu           sync.Mutex
	handler      func(Message)
	tracked      []models.Presence
	sent         []string
	unsubscribed int
}

func (c *fakeChannel) Subscribe(_ context.Context, handler func(Message)) error {
	if c.subHook != nil {
		c.subHook()
	}
	if c.subErr != nil {
		return c.subErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
	return nil
}

func (c *fakeChannel) Track(_ context.Context, p models.Presence) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracked = append(c.tracked, p)
	return nil
}

func (c *fakeChannel) Send(_ context.Context, event string, _ json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, event)
	return nil
}

func (c *fakeChannel) Unsubscribe(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribed++
	return nil
}

func (c *fakeChannel) deliver(msg Message) {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler != nil {
		handler(msg)
	}
}

func (c *fakeChannel) trackedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tracked)
}

func (c *fakeChannel) unsubscribeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsubscribed
}

// fakeClock collects timers so tests decide when they fire.
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

func (c *fakeClock) afterFunc(d time.Duration, fn func()) timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{delay: d, fn: fn}
	c.timers = append(c.timers, t)
	return t
}

// pending returns timers that are neither stopped nor fired.
func (c *fakeClock) pending() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// fireNext runs the oldest pending timer.
func (c *fakeClock) fireNext() (*fakeTimer, error) {
	pending := c.pending()
	if len(pending) == 0 {
		return nil, errors.New("no pending timer")
	}
	t := pending[0]
	c.mu.Lock()
	t.fired = true
	c.mu.Unlock()
	t.fn()
	return t, nil
}

func newTestManager(transport *fakeTransport, prober Prober, cfg Config) (*Manager, *fakeClock) {
	clock := &fakeClock{}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = time.Hour
	}
	m := NewManager(cfg, transport, prober, slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.afterFunc = clock.afterFunc
	m.random = func() float64 { return 0.5 }
	return m, clock
}
