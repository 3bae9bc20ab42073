package realtime

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/househunt/internal/identity"
	"github.com/haasonsaas/househunt/pkg/models"
)

type switchProber struct {
	mu  sync.Mutex
	err error
	n   int
}

func (p *switchProber) Probe(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n++
	return p.err
}

func (p *switchProber) set(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func connectedManager(t *testing.T) (*Manager, *fakeTransport, *fakeClock) {
	t.Helper()
	transport := newFakeTransport()
	m, clock := newTestManager(transport, nil, Config{})
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(m.Disconnect)
	return m, transport, clock
}

func TestConnect(t *testing.T) {
	m, transport, _ := connectedManager(t)

	state := m.State()
	if state.Status != StatusConnected {
		t.Fatalf("status = %s, want connected", state.Status)
	}
	if state.ReconnectAttempts != 0 || state.LastPing.IsZero() {
		t.Fatalf("state = %+v", state)
	}
	if !m.beat.IsRunning() {
		t.Fatal("heartbeat not running after connect")
	}

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
	if transport.opens != 1 {
		t.Fatalf("opens = %d, want 1", transport.opens)
	}
}

func TestSubscribeReferenceCounting(t *testing.T) {
	m, transport, _ := connectedManager(t)
	ctx := context.Background()

	unsubA := m.Subscribe(ctx, "team:1:members", func(Message) {})
	unsubB := m.Subscribe(ctx, "team:1:members", func(Message) {})
	if got := transport.createdCount("team:1:members"); got != 1 {
		t.Fatalf("channels created = %d, want 1", got)
	}

	unsubA()
	unsubA()
	ch := transport.channel("team:1:members")
	if ch.unsubscribeCount() != 0 {
		t.Fatal("channel torn down while a callback remains")
	}
	if got := m.State().Channels; len(got) != 1 {
		t.Fatalf("channels = %v", got)
	}

	unsubB()
	if ch.unsubscribeCount() != 1 {
		t.Fatalf("teardowns = %d, want 1", ch.unsubscribeCount())
	}
	if got := m.State().Channels; len(got) != 0 {
		t.Fatalf("channels after last unsubscribe = %v", got)
	}

	unsubC := m.Subscribe(ctx, "team:1:members", func(Message) {})
	defer unsubC()
	if got := transport.createdCount("team:1:members"); got != 2 {
		t.Fatalf("channels created = %d, want 2", got)
	}
}

func TestSubscribeReferenceCountingRandomized(t *testing.T) {
	m, transport, _ := connectedManager(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	var live []func()
	transitions := 0
	teardowns := 0
	for i := 0; i < 500; i++ {
		if len(live) == 0 || rng.Intn(2) == 0 {
			if len(live) == 0 {
				transitions++
			}
			live = append(live, m.Subscribe(ctx, "room", func(Message) {}))
			continue
		}
		idx := rng.Intn(len(live))
		live[idx]()
		live = append(live[:idx], live[idx+1:]...)
		if len(live) == 0 {
			teardowns++
		}
	}
	for _, unsub := range live {
		unsub()
	}
	if len(live) > 0 {
		teardowns++
	}

	if got := transport.createdCount("room"); got != transitions {
		t.Fatalf("channels created = %d, want %d", got, transitions)
	}
	closed := 0
	transport.mu.Lock()
	ch := transport.channels["room"]
	transport.mu.Unlock()
	closed = ch.unsubscribeCount()
	if closed != 1 {
		t.Fatalf("last channel teardowns = %d, want 1", closed)
	}
	if teardowns != transitions {
		t.Fatalf("teardowns = %d, creations = %d", teardowns, transitions)
	}
}

func TestSubscribeWhileDisconnected(t *testing.T) {
	transport := newFakeTransport()
	m, _ := newTestManager(transport, nil, Config{})

	unsub := m.Subscribe(context.Background(), "team:1:members", func(Message) {})
	unsub()
	if got := transport.createdCount("team:1:members"); got != 0 {
		t.Fatalf("channels created while disconnected = %d", got)
	}
}

func TestSubscribeFailureIsNoop(t *testing.T) {
	m, transport, _ := connectedManager(t)
	transport.mu.Lock()
	transport.subErr = errors.New("join refused")
	transport.mu.Unlock()

	unsub := m.Subscribe(context.Background(), "team:1:activity", func(Message) {})
	unsub()
	if got := m.State().Channels; len(got) != 0 {
		t.Fatalf("failed subscription tracked: %v", got)
	}
}

func TestSubscribeJoinerSharesInflightFailure(t *testing.T) {
	m, transport, _ := connectedManager(t)
	release := make(chan struct{})
	started := make(chan struct{})
	transport.mu.Lock()
	transport.subErr = errors.New("join refused")
	transport.subHook = func() {
		close(started)
		<-release
	}
	transport.mu.Unlock()

	ctx := context.Background()
	var delivered atomic.Int32
	go m.Subscribe(ctx, "team:1:members", func(Message) {})
	<-started

	joined := make(chan func(), 1)
	go func() {
		joined <- m.Subscribe(ctx, "team:1:members", func(Message) { delivered.Add(1) })
	}()
	select {
	case <-joined:
		t.Fatal("joiner returned before the physical subscribe finished")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)

	unsub := <-joined
	unsub()
	if got := m.State().Channels; len(got) != 0 {
		t.Fatalf("failed subscription tracked: %v", got)
	}
	if transport.createdCount("team:1:members") != 1 {
		t.Fatalf("channels created = %d, want 1", transport.createdCount("team:1:members"))
	}
	transport.channel("team:1:members").deliver(Message{Kind: KindBroadcast, Broadcast: &Broadcast{Event: "sync"}})
	if delivered.Load() != 0 {
		t.Fatal("callback attached to a failed channel received a message")
	}
}

func TestUnsubscribeIsHard(t *testing.T) {
	m, transport, _ := connectedManager(t)
	ctx := context.Background()
	m.Subscribe(ctx, "team:1:members", func(Message) {})
	unsub := m.Subscribe(ctx, "team:1:members", func(Message) {})

	m.Unsubscribe("team:1:members")
	if transport.channel("team:1:members").unsubscribeCount() != 1 {
		t.Fatal("hard unsubscribe did not tear down")
	}
	unsub()
	if transport.channel("team:1:members").unsubscribeCount() != 1 {
		t.Fatal("stale unsubscribe tore the channel down again")
	}
}

func TestDispatchUsesSnapshot(t *testing.T) {
	m, transport, _ := connectedManager(t)
	ctx := context.Background()

	var got []string
	var unsubSelf func()
	unsubSelf = m.Subscribe(ctx, "team:1:activity", func(msg Message) {
		got = append(got, "self:"+msg.Channel)
		unsubSelf()
	})
	m.Subscribe(ctx, "team:1:activity", func(msg Message) {
		got = append(got, "other:"+string(msg.Kind))
	})

	ch := transport.channel("team:1:activity")
	ch.deliver(Message{Kind: KindChange, Change: &Change{Table: "team_activities", Type: ChangeInsert}})
	ch.deliver(Message{Kind: KindChange, Change: &Change{Table: "team_activities", Type: ChangeInsert}})

	want := []string{"self:team:1:activity", "other:change", "other:change"}
	if len(got) != len(want) {
		t.Fatalf("deliveries = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("deliveries = %v, want %v", got, want)
		}
	}
}

func TestReconnectBackoffAndExhaustion(t *testing.T) {
	transport := newFakeTransport()
	prober := &switchProber{err: errors.New("network down")}
	m, clock := newTestManager(transport, prober, Config{MaxReconnectAttempts: 3})

	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("Connect() error = nil, want failure")
	}
	if m.Status() != StatusError {
		t.Fatalf("status = %s, want error", m.Status())
	}

	wantDelays := []time.Duration{1500 * time.Millisecond, 2500 * time.Millisecond, 4500 * time.Millisecond}
	for i, want := range wantDelays {
		pending := clock.pending()
		if len(pending) != 1 {
			t.Fatalf("step %d: pending timers = %d, want 1", i, len(pending))
		}
		if pending[0].delay != want {
			t.Fatalf("step %d: delay = %v, want %v", i, pending[0].delay, want)
		}
		if _, err := clock.fireNext(); err != nil {
			t.Fatal(err)
		}
		if got := m.State().ReconnectAttempts; got != i+1 {
			t.Fatalf("step %d: attempts = %d, want %d", i, got, i+1)
		}
	}

	state := m.State()
	if state.Status != StatusError || !state.Exhausted {
		t.Fatalf("state after exhaustion = %+v", state)
	}
	if len(clock.pending()) != 0 {
		t.Fatal("retry scheduled after exhaustion")
	}

	prober.set(nil)
	m.config.ReconnectPause = 0
	if err := m.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect() error = %v", err)
	}
	if state := m.State(); state.Status != StatusConnected || state.Exhausted {
		t.Fatalf("state after Reconnect = %+v", state)
	}
	m.Disconnect()
}

func TestReconnectRecovers(t *testing.T) {
	transport := newFakeTransport()
	transport.setOpenErr(errors.New("dial refused"))
	m, clock := newTestManager(transport, nil, Config{})

	_ = m.Connect(context.Background())
	transport.setOpenErr(nil)
	if _, err := clock.fireNext(); err != nil {
		t.Fatal(err)
	}
	state := m.State()
	if state.Status != StatusConnected || state.ReconnectAttempts != 0 {
		t.Fatalf("state = %+v", state)
	}
	m.Disconnect()
}

func TestDisconnectIdempotent(t *testing.T) {
	m, transport, clock := connectedManager(t)
	m.Subscribe(context.Background(), "team:1:presence", func(Message) {})

	var events atomic.Int32
	m.OnStatusChange(func(ConnectionState) { events.Add(1) })

	m.Disconnect()
	m.Disconnect()

	if events.Load() != 1 {
		t.Fatalf("status events = %d, want 1", events.Load())
	}
	if transport.closes != 1 {
		t.Fatalf("transport closes = %d, want 1", transport.closes)
	}
	if m.beat.IsRunning() {
		t.Fatal("heartbeat still running")
	}
	if len(clock.pending()) != 0 {
		t.Fatal("timer pending after disconnect")
	}
	if st := m.State(); st.Status != StatusDisconnected || len(st.Channels) != 0 {
		t.Fatalf("state = %+v", st)
	}
}

func TestDisconnectCancelsPendingRetry(t *testing.T) {
	transport := newFakeTransport()
	transport.setOpenErr(errors.New("offline"))
	m, clock := newTestManager(transport, nil, Config{})

	_ = m.Connect(context.Background())
	if len(clock.pending()) != 1 {
		t.Fatal("expected pending retry")
	}
	m.Disconnect()
	if len(clock.pending()) != 0 {
		t.Fatal("retry still pending after disconnect")
	}
}

func TestConnectResultAfterDisconnectIgnored(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	prober := ProberFunc(func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	transport := newFakeTransport()
	m, _ := newTestManager(transport, prober, Config{})

	done := make(chan error, 1)
	go func() { done <- m.Connect(context.Background()) }()
	<-started
	m.Disconnect()
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if m.Status() != StatusDisconnected {
		t.Fatalf("status = %s, want disconnected", m.Status())
	}
	if m.beat.IsRunning() {
		t.Fatal("heartbeat started by stale connect")
	}
	if transport.openCount() != 0 {
		t.Fatalf("opens = %d, stale attempt should not open the transport", transport.openCount())
	}
	if transport.isOpen() {
		t.Fatal("transport left open after disconnect")
	}
}

func TestDisconnectDuringOpenClosesTransport(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	transport := newFakeTransport()
	transport.openHook = func() {
		close(started)
		<-release
	}
	m, _ := newTestManager(transport, nil, Config{})

	done := make(chan error, 1)
	go func() { done <- m.Connect(context.Background()) }()
	<-started

	disconnected := make(chan struct{})
	go func() {
		m.Disconnect()
		close(disconnected)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for m.Status() != StatusDisconnected {
		if time.Now().After(deadline) {
			t.Fatal("Disconnect did not take effect")
		}
		time.Sleep(time.Millisecond)
	}
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	<-disconnected
	if transport.openCount() != 1 {
		t.Fatalf("opens = %d, want 1", transport.openCount())
	}
	if transport.isOpen() {
		t.Fatal("socket opened by a superseded attempt was not closed")
	}
	if m.Status() != StatusDisconnected || m.beat.IsRunning() {
		t.Fatalf("state = %+v, heartbeat running = %v", m.State(), m.beat.IsRunning())
	}
}

func TestConnectionLost(t *testing.T) {
	m, transport, clock := connectedManager(t)
	unsub := m.Subscribe(context.Background(), "team:1:members", func(Message) {})

	transport.onDisconn(errors.New("socket closed"))

	state := m.State()
	if state.Status != StatusReconnecting || len(state.Channels) != 0 {
		t.Fatalf("state = %+v", state)
	}
	if len(clock.pending()) != 1 {
		t.Fatal("no reconnect scheduled after drop")
	}
	if m.beat.IsRunning() {
		t.Fatal("heartbeat survived drop")
	}

	if _, err := clock.fireNext(); err != nil {
		t.Fatal(err)
	}
	if m.Status() != StatusConnected {
		t.Fatalf("status = %s, want connected", m.Status())
	}
	m.Subscribe(context.Background(), "team:1:members", func(Message) {})
	unsub()
	if got := m.State().Channels; len(got) != 1 {
		t.Fatalf("stale unsubscribe removed new channel: %v", got)
	}
}

func TestUpdatePresenceTracksPresenceChannels(t *testing.T) {
	m, transport, _ := connectedManager(t)
	ctx := context.Background()
	m.Subscribe(ctx, "team:1:presence", func(Message) {})
	m.Subscribe(ctx, "team:1:members", func(Message) {})

	page := "/properties/42"
	p := m.UpdatePresence(ctx, PresencePatch{UserID: "u1", TeamID: "t1", CurrentPage: &page})
	if p.Status != models.PresenceOnline || p.LastSeen.IsZero() || p.CurrentPage != page {
		t.Fatalf("presence = %+v", p)
	}
	p = m.UpdatePresence(ctx, PresencePatch{Status: models.PresenceBusy})
	if p.CurrentPage != page || p.UserID != "u1" || p.Status != models.PresenceBusy {
		t.Fatalf("merged presence = %+v", p)
	}

	if got := transport.channel("team:1:presence").trackedCount(); got != 2 {
		t.Fatalf("presence tracks = %d, want 2", got)
	}
	if got := transport.channel("team:1:members").trackedCount(); got != 0 {
		t.Fatalf("non-presence channel tracked %d times", got)
	}

	before := m.State().LastPing
	time.Sleep(time.Millisecond)
	if err := m.heartbeatTick(ctx); err != nil {
		t.Fatalf("heartbeatTick() error = %v", err)
	}
	if got := transport.channel("team:1:presence").trackedCount(); got != 3 {
		t.Fatalf("presence tracks after heartbeat = %d, want 3", got)
	}
	if !m.State().LastPing.After(before) {
		t.Fatal("heartbeat did not refresh last ping")
	}
}

func TestSendMessage(t *testing.T) {
	m, transport, _ := connectedManager(t)
	ctx := context.Background()

	err := m.SendMessage(ctx, "team:1:cursor", "move", map[string]int{"x": 1})
	if !errors.Is(err, ErrChannelNotSubscribed) {
		t.Fatalf("SendMessage() error = %v, want ErrChannelNotSubscribed", err)
	}

	m.Subscribe(ctx, "team:1:cursor", func(Message) {})
	if err := m.SendMessage(ctx, "team:1:cursor", "move", map[string]int{"x": 1}); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if sent := transport.channel("team:1:cursor").sent; len(sent) != 1 || sent[0] != "move" {
		t.Fatalf("sent = %v", sent)
	}
}

func TestFollowSession(t *testing.T) {
	transport := newFakeTransport()
	m, _ := newTestManager(transport, nil, Config{})
	sessions := identity.NewSessions()

	stop := m.FollowSession(context.Background(), sessions)
	defer stop()

	sessions.SignIn(identity.Session{User: identity.User{ID: "u1"}})
	if m.Status() != StatusConnected {
		t.Fatalf("status after sign in = %s", m.Status())
	}
	sessions.SignOut()
	if m.Status() != StatusDisconnected {
		t.Fatalf("status after sign out = %s", m.Status())
	}
}
