// Package maintenance runs periodic housekeeping against the team store:
// deactivating expired invites and marking silent presence offline.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/househunt/internal/observability"
	"github.com/haasonsaas/househunt/internal/teams"
	"github.com/haasonsaas/househunt/pkg/models"
)

// DefaultSchedule runs the sweep every quarter hour.
const DefaultSchedule = "@every 15m"

// Job names reported in metrics and logs.
const (
	JobExpireInvites = "expire_invites"
	JobStalePresence = "stale_presence"
)

// cronParser accepts standard 5-field, 6-field (with seconds) and descriptor
// schedules such as "@every 15m".
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Config configures a Sweeper.
type Config struct {
	Schedule           string
	PresenceStaleAfter time.Duration
	// Timeout bounds a single sweep.
	Timeout time.Duration
	Metrics *observability.Metrics
}

// Result reports how many rows one sweep changed.
type Result struct {
	ExpiredInvites int64 `json:"expired_invites"`
	StalePresence  int64 `json:"stale_presence"`
}

// Sweeper runs maintenance on a cron schedule.
type Sweeper struct {
	store   teams.Store
	config  Config
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// ValidateSchedule reports whether the sweeper accepts schedule.
func ValidateSchedule(schedule string) error {
	if _, err := cronParser.Parse(strings.TrimSpace(schedule)); err != nil {
		return fmt.Errorf("invalid maintenance schedule %q: %w", schedule, err)
	}
	return nil
}

// NewSweeper creates a stopped sweeper. The store must not be a per-user
// policy store; maintenance writes bypass row policies.
func NewSweeper(store teams.Store, config Config, logger *slog.Logger) (*Sweeper, error) {
	if store == nil {
		return nil, errors.New("maintenance: store is required")
	}
	config.Schedule = strings.TrimSpace(config.Schedule)
	if config.Schedule == "" {
		config.Schedule = DefaultSchedule
	}
	if err := ValidateSchedule(config.Schedule); err != nil {
		return nil, err
	}
	if config.PresenceStaleAfter <= 0 {
		config.PresenceStaleAfter = models.PresenceStaleAfter
	}
	if config.Timeout <= 0 {
		config.Timeout = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:   store,
		config:  config,
		logger:  logger.With("component", "maintenance"),
		metrics: config.Metrics,
		now:     time.Now,
	}, nil
}

// Start schedules sweeps until Stop is called.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	c := cron.New(cron.WithParser(cronParser), cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(s.config.Schedule, s.tick); err != nil {
		return fmt.Errorf("schedule maintenance: %w", err)
	}
	c.Start()
	s.cron = c
	s.running = true
	s.logger.Info("maintenance scheduled", "schedule", s.config.Schedule)
	return nil
}

// Stop cancels future sweeps and waits for a running one to finish or ctx
// to end.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.running = false
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	done := c.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Timeout)
	defer cancel()
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("maintenance sweep failed", "error", err)
	}
}

// RunOnce deactivates expired invites and marks presence that has not been
// refreshed within the stale window offline. Both jobs run even when the
// first fails.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	now := s.now().UTC()
	var result Result
	var errs []error

	expired, err := s.store.ExpireInvites(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", JobExpireInvites, err))
	} else {
		result.ExpiredInvites = expired
		s.metrics.Swept(JobExpireInvites, expired)
	}

	stale, err := s.store.MarkStalePresenceOffline(ctx, now.Add(-s.config.PresenceStaleAfter))
	if err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", JobStalePresence, err))
	} else {
		result.StalePresence = stale
		s.metrics.Swept(JobStalePresence, stale)
	}

	if len(errs) > 0 {
		return result, errors.Join(errs...)
	}
	if result.ExpiredInvites > 0 || result.StalePresence > 0 {
		s.logger.Info("maintenance sweep complete",
			"expired_invites", result.ExpiredInvites,
			"stale_presence", result.StalePresence,
		)
	}
	return result, nil
}
