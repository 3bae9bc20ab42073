// Package realtime manages the client side realtime connection: status,
// reference counted channel subscriptions, presence and reconnection.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/househunt/internal/backoff"
	"github.com/haasonsaas/househunt/internal/heartbeat"
	"github.com/haasonsaas/househunt/internal/observability"
	"github.com/haasonsaas/househunt/pkg/models"
)

// ErrChannelNotSubscribed is returned when sending on a channel that has no
// active subscription.
var ErrChannelNotSubscribed = errors.New("realtime: channel not subscribed")

var errStaleAttempt = errors.New("realtime: connect attempt superseded")

// Config controls connection behaviour.
type Config struct {
	HeartbeatInterval    time.Duration
	Reconnect            backoff.Policy
	MaxReconnectAttempts int
	// ReconnectPause is the wait between teardown and connect in Reconnect.
	ReconnectPause time.Duration
	// ConnectTimeout bounds the probe and transport open.
	ConnectTimeout time.Duration
	Metrics        *observability.Metrics
}

// DefaultConfig returns the standard connection settings.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:    heartbeat.DefaultInterval,
		Reconnect:            backoff.ReconnectPolicy(),
		MaxReconnectAttempts: 10,
		ReconnectPause:       time.Second,
		ConnectTimeout:       10 * time.Second,
	}
}

type timer interface {
	Stop() bool
}

type subscription struct {
	name         string
	channel      Channel
	opts         ChannelOptions
	observers    observerList[Callback]
	lastActivity time.Time

	// ready is closed once the physical subscribe finishes; err is its
	// result and is only read after ready is closed.
	ready chan struct{}
	err   error
}

// Manager owns one realtime connection and the channels multiplexed on it.
// At most one physical channel exists per name; it lives while at least one
// callback is registered.
type Manager struct {
	config    Config
	transport Transport
	prober    Prober
	logger    *slog.Logger
	metrics   *observability.Metrics
	beat      *heartbeat.Runner

	afterFunc func(time.Duration, func()) timer
	now       func() time.Time
	random    func() float64

	statusObservers observerList[func(ConnectionState)]

	// openMu serializes transport Open and Close so a socket opened by a
	// stale attempt is closed before the next attempt opens its own.
	openMu sync.Mutex

	mu        sync.Mutex
	id        string
	status    Status
	inflight  bool
	lastErr   error
	exhausted bool
	lastPing  time.Time
	attempts  int
	gen       uint64
	retry     timer
	subs      map[string]*subscription
	presence  *models.Presence
}

// NewManager creates a disconnected manager. prober may be nil.
func NewManager(config Config, transport Transport, prober Prober, logger *slog.Logger) *Manager {
	defaults := DefaultConfig()
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if config.Reconnect.Base <= 0 {
		config.Reconnect = defaults.Reconnect
	}
	if config.MaxReconnectAttempts <= 0 {
		config.MaxReconnectAttempts = defaults.MaxReconnectAttempts
	}
	if config.ReconnectPause < 0 {
		config.ReconnectPause = 0
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = defaults.ConnectTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		config:    config,
		transport: transport,
		prober:    prober,
		logger:    logger.With("component", "realtime"),
		metrics:   config.Metrics,
		afterFunc: func(d time.Duration, f func()) timer { return time.AfterFunc(d, f) },
		now:       time.Now,
		random:    rand.Float64, // #nosec G404 -- jitter does not require cryptographic randomness
		id:        uuid.NewString(),
		status:    StatusDisconnected,
		subs:      make(map[string]*subscription),
	}
	m.beat = heartbeat.NewRunner(heartbeat.Config{
		Interval: config.HeartbeatInterval,
		Timeout:  config.ConnectTimeout,
	}, m.heartbeatTick, func(event heartbeat.Event) {
		if event.Type == "error" {
			m.logger.Warn("presence heartbeat failed", "error", event.Error)
		}
	})
	if notifier, ok := transport.(DisconnectNotifier); ok {
		notifier.NotifyDisconnect(m.HandleConnectionLost)
	}
	return m
}

// Status returns the current connection status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// State returns a snapshot of the connection.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

func (m *Manager) stateLocked() ConnectionState {
	state := ConnectionState{
		ID:                m.id,
		Status:            m.status,
		LastPing:          m.lastPing,
		ReconnectAttempts: m.attempts,
		Exhausted:         m.exhausted,
	}
	if m.lastErr != nil {
		state.LastError = m.lastErr.Error()
	}
	for name := range m.subs {
		state.Channels = append(state.Channels, name)
	}
	sort.Strings(state.Channels)
	return state
}

// OnStatusChange registers fn for status transitions and returns a func that
// removes it.
func (m *Manager) OnStatusChange(fn func(ConnectionState)) func() {
	id := m.statusObservers.add(fn)
	var once sync.Once
	return func() {
		once.Do(func() { m.statusObservers.remove(id) })
	}
}

func (m *Manager) publish(state ConnectionState) {
	m.metrics.ConnectionStatus(string(state.Status))
	for _, fn := range m.statusObservers.snapshot() {
		fn(state)
	}
}

// Connect probes the backend and opens the transport. It is a no-op while a
// connection attempt is in flight or the manager is already connected. On
// failure the status becomes error and a reconnect is scheduled.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.inflight || m.status == StatusConnected {
		m.mu.Unlock()
		return nil
	}
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	m.inflight = true
	if m.attempts > 0 {
		m.status = StatusReconnecting
	} else {
		m.status = StatusConnecting
	}
	gen := m.gen
	state := m.stateLocked()
	m.mu.Unlock()
	m.publish(state)

	err := m.open(ctx, gen)

	m.mu.Lock()
	if gen != m.gen {
		// Disconnected while the attempt was in flight.
		m.mu.Unlock()
		return nil
	}
	m.inflight = false
	if err != nil {
		m.status = StatusError
		m.lastErr = err
		m.scheduleReconnectLocked(gen)
		state = m.stateLocked()
		m.mu.Unlock()
		m.logger.Warn("realtime connect failed", "attempt", state.ReconnectAttempts, "exhausted", state.Exhausted, "error", err)
		m.publish(state)
		return fmt.Errorf("realtime: connect: %w", err)
	}
	m.status = StatusConnected
	m.attempts = 0
	m.exhausted = false
	m.lastErr = nil
	m.lastPing = m.now()
	m.beat.Start(context.Background())
	state = m.stateLocked()
	m.mu.Unlock()

	m.logger.Info("realtime connected", "connection_id", state.ID)
	m.publish(state)
	return nil
}

func (m *Manager) open(ctx context.Context, gen uint64) error {
	ctx, cancel := context.WithTimeout(ctx, m.config.ConnectTimeout)
	defer cancel()
	if m.prober != nil {
		if err := m.prober.Probe(ctx); err != nil {
			return fmt.Errorf("probe: %w", err)
		}
	}
	if m.transport == nil {
		return errors.New("no transport configured")
	}

	m.openMu.Lock()
	defer m.openMu.Unlock()
	if !m.isCurrent(gen) {
		return errStaleAttempt
	}
	if err := m.transport.Open(ctx); err != nil {
		return err
	}
	if !m.isCurrent(gen) {
		// Disconnect already closed the transport; this socket has no owner.
		if err := m.transport.Close(); err != nil {
			m.logger.Debug("transport close failed", "error", err)
		}
		return errStaleAttempt
	}
	return nil
}

func (m *Manager) isCurrent(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen
}

// scheduleReconnectLocked arms the single retry timer, or marks the
// connection exhausted once the attempt budget is spent.
func (m *Manager) scheduleReconnectLocked(gen uint64) {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	if m.attempts >= m.config.MaxReconnectAttempts {
		m.exhausted = true
		m.status = StatusError
		return
	}
	delay := backoff.DelayWithRand(m.config.Reconnect, m.attempts, m.random())
	m.retry = m.afterFunc(delay, func() { m.fireRetry(gen) })
	m.metrics.ReconnectScheduled()
	m.logger.Debug("reconnect scheduled", "attempt", m.attempts+1, "delay", delay)
}

func (m *Manager) fireRetry(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.retry == nil {
		m.mu.Unlock()
		return
	}
	m.retry = nil
	m.attempts++
	m.mu.Unlock()

	_ = m.Connect(context.Background())
}

// HandleConnectionLost reacts to a transport reporting a dropped connection.
// Physical channels are discarded and a reconnect is scheduled; observers
// re-subscribe when the status returns to connected.
func (m *Manager) HandleConnectionLost(err error) {
	m.mu.Lock()
	if m.status != StatusConnected {
		m.mu.Unlock()
		return
	}
	m.gen++
	subs := m.subs
	m.subs = make(map[string]*subscription)
	m.status = StatusReconnecting
	if err == nil {
		err = errors.New("connection closed")
	}
	m.lastErr = err
	m.scheduleReconnectLocked(m.gen)
	state := m.stateLocked()
	m.mu.Unlock()

	m.beat.Stop()
	m.teardown(subs)
	m.logger.Warn("realtime connection lost", "error", err)
	m.publish(state)
}

// Disconnect stops the heartbeat, cancels any pending reconnect, tears down
// every channel and resets the connection. Calling it again is a no-op.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.status == StatusDisconnected && !m.inflight && m.retry == nil && len(m.subs) == 0 {
		m.mu.Unlock()
		return
	}
	m.gen++
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	subs := m.subs
	m.subs = make(map[string]*subscription)
	m.status = StatusDisconnected
	m.inflight = false
	m.attempts = 0
	m.exhausted = false
	m.lastErr = nil
	m.id = uuid.NewString()
	state := m.stateLocked()
	m.mu.Unlock()

	m.beat.Stop()
	m.teardown(subs)
	if m.transport != nil {
		m.openMu.Lock()
		if err := m.transport.Close(); err != nil {
			m.logger.Debug("transport close failed", "error", err)
		}
		m.openMu.Unlock()
	}
	m.logger.Info("realtime disconnected")
	m.publish(state)
}

func (m *Manager) teardown(subs map[string]*subscription) {
	for _, sub := range subs {
		m.closeChannel(sub)
	}
}

func (m *Manager) closeChannel(sub *subscription) {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.ConnectTimeout)
	defer cancel()
	if err := sub.channel.Unsubscribe(ctx); err != nil {
		m.logger.Debug("channel unsubscribe failed", "channel", sub.name, "error", err)
	}
	m.metrics.ChannelClosed()
}

// Reconnect tears the connection down, waits ReconnectPause and connects
// again. It is the only way out of an exhausted error state.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.Disconnect()
	if err := backoff.Wait(ctx, m.config.ReconnectPause); err != nil {
		return err
	}
	return m.Connect(ctx)
}

// Subscribe registers callback on the named channel with default options.
func (m *Manager) Subscribe(ctx context.Context, name string, callback Callback) func() {
	return m.SubscribeWith(ctx, name, DefaultChannelOptions(name), callback)
}

// SubscribeWith registers callback on the named channel. The first callback
// for a name creates the physical channel with opts; later callbacks share
// it. The returned func removes only this callback, and removing the last
// one tears the channel down. When the manager is not connected, or the
// channel cannot be opened, the returned func does nothing. A callback added
// while the channel is still opening waits for that attempt and shares its
// failure.
func (m *Manager) SubscribeWith(ctx context.Context, name string, opts ChannelOptions, callback Callback) func() {
	m.mu.Lock()
	if m.status != StatusConnected {
		status := m.status
		m.mu.Unlock()
		m.logger.Warn("subscribe while not connected", "channel", name, "status", status)
		return func() {}
	}
	if sub, ok := m.subs[name]; ok {
		handle := sub.observers.add(callback)
		m.mu.Unlock()
		unsub := m.unsubscribeFunc(sub, handle)
		// Joiners share the outcome of an in-flight physical subscribe.
		select {
		case <-sub.ready:
		case <-ctx.Done():
			unsub()
			return func() {}
		}
		if sub.err != nil {
			return func() {}
		}
		return unsub
	}

	sub := &subscription{
		name:         name,
		channel:      m.transport.Channel(name, opts),
		opts:         opts,
		lastActivity: m.now(),
		ready:        make(chan struct{}),
	}
	handle := sub.observers.add(callback)
	m.subs[name] = sub
	var presence *models.Presence
	if opts.Presence && m.presence != nil {
		p := *m.presence
		presence = &p
	}
	m.mu.Unlock()
	m.metrics.ChannelOpened()

	if err := sub.channel.Subscribe(ctx, func(msg Message) { m.dispatch(sub, msg) }); err != nil {
		m.mu.Lock()
		if m.subs[name] == sub {
			delete(m.subs, name)
		}
		m.mu.Unlock()
		sub.err = err
		close(sub.ready)
		m.metrics.ChannelClosed()
		m.logger.Warn("channel subscribe failed", "channel", name, "error", err)
		return func() {}
	}
	close(sub.ready)

	if presence != nil {
		if err := sub.channel.Track(ctx, *presence); err != nil {
			m.logger.Warn("presence track failed", "channel", name, "error", err)
		}
	}
	m.logger.Debug("channel subscribed", "channel", name)
	return m.unsubscribeFunc(sub, handle)
}

func (m *Manager) unsubscribeFunc(sub *subscription, handle uint64) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			if m.subs[sub.name] != sub {
				m.mu.Unlock()
				return
			}
			if !sub.observers.remove(handle) || sub.observers.len() > 0 {
				m.mu.Unlock()
				return
			}
			delete(m.subs, sub.name)
			m.mu.Unlock()
			m.closeChannel(sub)
		})
	}
}

// Unsubscribe tears the named channel down regardless of how many callbacks
// remain registered.
func (m *Manager) Unsubscribe(name string) {
	m.mu.Lock()
	sub, ok := m.subs[name]
	if ok {
		delete(m.subs, name)
	}
	m.mu.Unlock()
	if ok {
		m.closeChannel(sub)
	}
}

func (m *Manager) dispatch(sub *subscription, msg Message) {
	m.mu.Lock()
	if m.subs[sub.name] != sub {
		m.mu.Unlock()
		return
	}
	sub.lastActivity = m.now()
	m.mu.Unlock()

	msg.Channel = sub.name
	for _, cb := range sub.observers.snapshot() {
		cb(msg)
	}
}

// UpdatePresence merges patch into the local presence, stamps LastSeen and
// re-announces it on every presence-bearing channel. Track failures are
// logged; the merged presence is returned either way.
func (m *Manager) UpdatePresence(ctx context.Context, patch PresencePatch) models.Presence {
	m.mu.Lock()
	var current models.Presence
	if m.presence != nil {
		current = *m.presence
	}
	patch.Apply(&current)
	if current.Status == "" {
		current.Status = models.PresenceOnline
	}
	current.LastSeen = m.now()
	m.presence = &current
	channels := m.presenceChannelsLocked()
	m.mu.Unlock()

	for _, sub := range channels {
		if err := sub.channel.Track(ctx, current); err != nil {
			m.logger.Warn("presence track failed", "channel", sub.name, "error", err)
		}
	}
	return current
}

// Presence returns the last local presence, if one was set.
func (m *Manager) Presence() (models.Presence, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.presence == nil {
		return models.Presence{}, false
	}
	return *m.presence, true
}

func (m *Manager) presenceChannelsLocked() []*subscription {
	var out []*subscription
	for name, sub := range m.subs {
		if IsPresenceChannel(name) {
			out = append(out, sub)
		}
	}
	return out
}

func (m *Manager) heartbeatTick(ctx context.Context) error {
	m.mu.Lock()
	if m.status != StatusConnected {
		m.mu.Unlock()
		return nil
	}
	now := m.now()
	m.lastPing = now
	if m.presence == nil {
		m.mu.Unlock()
		return nil
	}
	m.presence.LastSeen = now
	presence := *m.presence
	channels := m.presenceChannelsLocked()
	m.mu.Unlock()

	var errs []error
	for _, sub := range channels {
		if err := sub.channel.Track(ctx, presence); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sub.name, err))
		}
	}
	return errors.Join(errs...)
}

// SendMessage broadcasts payload as event on a subscribed channel.
// Sending on a channel without a subscription returns ErrChannelNotSubscribed.
func (m *Manager) SendMessage(ctx context.Context, name, event string, payload any) error {
	m.mu.Lock()
	sub, ok := m.subs[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotSubscribed, name)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("realtime: encode broadcast: %w", err)
	}
	return sub.channel.Send(ctx, event, raw)
}
