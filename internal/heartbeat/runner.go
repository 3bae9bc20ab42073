// Package heartbeat runs a periodic tick while a connection is alive.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultInterval is the presence heartbeat period.
const DefaultInterval = 30 * time.Second

// Config configures heartbeat behavior.
type Config struct {
	// Interval is the time between ticks.
	Interval time.Duration
	// Timeout bounds a single tick. Zero means the tick inherits the run context.
	Timeout time.Duration
}

// Event reports a runner lifecycle transition.
type Event struct {
	Type      string    `json:"type"` // "start", "tick", "error", "stop"
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id,omitempty"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// TickFunc is invoked once per interval.
type TickFunc func(ctx context.Context) error

// EventFunc is called when heartbeat events occur.
type EventFunc func(event Event)

// Runner calls a TickFunc on a fixed interval until stopped.
// Stop must not be called from inside the TickFunc.
type Runner struct {
	config  Config
	tick    TickFunc
	onEvent EventFunc

	mu     sync.Mutex
	runID  string
	stopCh chan struct{}
	doneCh chan struct{}
	ticks  int
}

// NewRunner creates a heartbeat runner.
func NewRunner(config Config, tick TickFunc, onEvent EventFunc) *Runner {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	return &Runner{
		config:  config,
		tick:    tick,
		onEvent: onEvent,
	}
}

// Start begins ticking. It is a no-op when already running.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.stopCh != nil {
		r.mu.Unlock()
		return
	}
	r.runID = uuid.NewString()
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	stopCh, doneCh, runID := r.stopCh, r.doneCh, r.runID
	r.mu.Unlock()

	r.emit(Event{Type: "start", Timestamp: time.Now(), RunID: runID})
	go r.run(ctx, runID, stopCh, doneCh)
}

func (r *Runner) run(ctx context.Context, runID string, stopCh, doneCh chan struct{}) {
	ticker := time.NewTicker(r.config.Interval)
	defer func() {
		ticker.Stop()
		r.mu.Lock()
		if r.stopCh == stopCh {
			r.stopCh = nil
			r.doneCh = nil
		}
		r.mu.Unlock()
		close(doneCh)
	}()

	for {
		select {
		case <-ctx.Done():
			r.emit(Event{Type: "stop", Timestamp: time.Now(), RunID: runID, Message: "context cancelled"})
			return
		case <-stopCh:
			r.emit(Event{Type: "stop", Timestamp: time.Now(), RunID: runID, Message: "stopped"})
			return
		case <-ticker.C:
			r.runTick(ctx, runID)
		}
	}
}

func (r *Runner) runTick(ctx context.Context, runID string) {
	r.mu.Lock()
	r.ticks++
	r.mu.Unlock()

	r.emit(Event{Type: "tick", Timestamp: time.Now(), RunID: runID})
	if r.tick == nil {
		return
	}

	tickCtx := ctx
	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		tickCtx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}
	if err := r.tick(tickCtx); err != nil {
		r.emit(Event{Type: "error", Timestamp: time.Now(), RunID: runID, Error: err.Error()})
	}
}

// Stop halts ticking and waits for the loop to exit. Safe to call repeatedly.
func (r *Runner) Stop() {
	r.mu.Lock()
	stopCh, doneCh := r.stopCh, r.doneCh
	r.stopCh = nil
	r.doneCh = nil
	r.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}

// IsRunning returns true if the tick loop is active.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopCh != nil
}

// Ticks returns how many ticks have fired since the runner was created.
func (r *Runner) Ticks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ticks
}

func (r *Runner) emit(event Event) {
	if r.onEvent != nil {
		r.onEvent(event)
	}
}
