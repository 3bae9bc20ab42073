// Package collab implements team collaboration: permission-gated membership
// operations, the invite lifecycle, the activity log and a live view of
// members, presence and activity kept in sync over realtime channels.
package collab

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/househunt/internal/identity"
	"github.com/haasonsaas/househunt/internal/notify"
	"github.com/haasonsaas/househunt/internal/observability"
	"github.com/haasonsaas/househunt/internal/realtime"
	"github.com/haasonsaas/househunt/internal/teams"
	"github.com/haasonsaas/househunt/pkg/models"
)

const (
	DefaultActivityLimit = 50
	notifyTimeout        = 15 * time.Second
)

var tracer = otel.Tracer("github.com/haasonsaas/househunt/internal/collab")

// Caller identifies the signed-in user the service acts for.
type Caller struct {
	UserID      string
	Email       string
	DisplayName string
}

// Config configures a Service.
type Config struct {
	TeamID             string
	ActivityLimit      int
	InviteTTL          time.Duration
	BaseURL            string
	PresenceStaleAfter time.Duration
	Notifier           notify.Notifier
	Metrics            *observability.Metrics
}

// InviteResult is returned by InviteTeamMember.
type InviteResult struct {
	InviteCode string    `json:"invite_code"`
	InviteURL  string    `json:"invite_url"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// UpdateKind names the piece of local state that changed.
type UpdateKind string

const (
	UpdateMembers    UpdateKind = "members"
	UpdatePresence   UpdateKind = "presence"
	UpdateActivities UpdateKind = "activities"
)

// Service is the team collaboration service for one caller. The realtime
// manager is optional; without it the service still serves operations and
// its initial view, but receives no live updates.
type Service struct {
	config  Config
	store   teams.Store
	rt      *realtime.Manager
	caller  Caller
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	// wg tracks background reloads and notifications.
	wg sync.WaitGroup

	mu     sync.Mutex
	teamID string
	// gen changes with the team or on close; subGen additionally changes
	// whenever the realtime subscriptions are replaced.
	gen        uint64
	subGen     uint64
	live       bool
	closed     bool
	members    []*models.Member
	presence   map[string]models.Presence
	activities []*models.Activity
	unsubs     []func()
	unwatch    func()
	listeners  map[uint64]func(UpdateKind)
	nextListen uint64
}

// NewService creates a service acting as caller. rt may be nil.
func NewService(config Config, store teams.Store, rt *realtime.Manager, caller Caller, logger *slog.Logger) *Service {
	if config.ActivityLimit <= 0 {
		config.ActivityLimit = DefaultActivityLimit
	}
	if config.InviteTTL <= 0 {
		config.InviteTTL = models.InviteTTL
	}
	if config.PresenceStaleAfter <= 0 {
		config.PresenceStaleAfter = models.PresenceStaleAfter
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		config:    config,
		store:     store,
		rt:        rt,
		caller:    caller,
		logger:    logger.With("component", "collab", "user_id", caller.UserID),
		metrics:   config.Metrics,
		now:       time.Now,
		teamID:    config.TeamID,
		presence:  map[string]models.Presence{},
		listeners: map[uint64]func(UpdateKind){},
	}
}

// background is the context for work the service starts on its own. It
// carries the caller so row policies apply as they do to requests.
func (s *Service) background() context.Context {
	return identity.WithUser(context.Background(), identity.User{
		ID:    s.caller.UserID,
		Email: s.caller.Email,
		Name:  s.caller.DisplayName,
	})
}

// TeamID returns the team the service is currently scoped to.
func (s *Service) TeamID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.teamID
}

// Start loads the initial members and activities and, when a realtime
// manager is attached, follows its connection to keep the view live.
func (s *Service) Start(ctx context.Context) error {
	if s.rt != nil {
		unwatch := s.rt.OnStatusChange(func(state realtime.ConnectionState) {
			s.onConnection(state.Status)
		})
		s.mu.Lock()
		s.unwatch = unwatch
		s.mu.Unlock()
	}
	if err := s.load(ctx); err != nil {
		return err
	}
	if s.rt != nil && s.rt.Status() == realtime.StatusConnected {
		s.onConnection(realtime.StatusConnected)
	}
	return nil
}

// SetTeam switches the service to another team. Subscriptions for the old
// team are torn down before the new team's state is loaded, so events from
// the previous team never reach the new view.
func (s *Service) SetTeam(ctx context.Context, teamID string) error {
	s.mu.Lock()
	if s.teamID == teamID {
		s.mu.Unlock()
		return nil
	}
	s.gen++
	s.subGen++
	s.live = false
	s.teamID = teamID
	s.members = nil
	s.activities = nil
	s.presence = map[string]models.Presence{}
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	s.notify(UpdateMembers)
	s.notify(UpdateActivities)
	s.notify(UpdatePresence)

	if err := s.load(ctx); err != nil {
		return err
	}
	if s.rt != nil && s.rt.Status() == realtime.StatusConnected {
		s.onConnection(realtime.StatusConnected)
	}
	return nil
}

// Close tears down subscriptions and waits for background work.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.gen++
	s.subGen++
	s.live = false
	unsubs := s.unsubs
	s.unsubs = nil
	unwatch := s.unwatch
	s.unwatch = nil
	s.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}
	for _, unsub := range unsubs {
		unsub()
	}
	s.wg.Wait()
}

// OnUpdate registers fn to be called after local state changes and returns a
// func that removes it.
func (s *Service) OnUpdate(fn func(UpdateKind)) func() {
	s.mu.Lock()
	s.nextListen++
	id := s.nextListen
	s.listeners[id] = fn
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

func (s *Service) notify(kind UpdateKind) {
	s.mu.Lock()
	ids := make([]uint64, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(UpdateKind), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.listeners[id])
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(kind)
	}
}

// Members returns active members ordered by join time.
func (s *Service) Members() []*models.Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Member, 0, len(s.members))
	for _, m := range s.members {
		cp := *m
		out = append(out, &cp)
	}
	return out
}

// Presence returns the live presence of teammates keyed by user id, with
// stale entries reported offline.
func (s *Service) Presence() map[string]models.Presence {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]models.Presence, len(s.presence))
	for id, p := range s.presence {
		p.Status = models.EffectiveStatus(p, now, s.config.PresenceStaleAfter)
		out[id] = p
	}
	return out
}

// Activities returns the newest activity entries first.
func (s *Service) Activities() []*models.Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Activity, 0, len(s.activities))
	for _, a := range s.activities {
		cp := *a
		out = append(out, &cp)
	}
	return out
}

// load fetches members and activities in parallel.
func (s *Service) load(ctx context.Context) error {
	s.mu.Lock()
	teamID, gen := s.teamID, s.gen
	s.mu.Unlock()
	if teamID == "" {
		return nil
	}

	var members []*models.Member
	var activities []*models.Activity
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		members, err = s.store.ListMembers(gctx, teamID)
		return storeError("load members", err)
	})
	g.Go(func() error {
		var err error
		activities, err = s.store.ListActivities(gctx, teamID, s.config.ActivityLimit)
		return storeError("load activities", err)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return nil
	}
	s.members = members
	s.activities = truncateActivities(activities, s.config.ActivityLimit)
	s.mu.Unlock()
	s.notify(UpdateMembers)
	s.notify(UpdateActivities)
	return nil
}

func truncateActivities(list []*models.Activity, limit int) []*models.Activity {
	if limit > 0 && len(list) > limit {
		return list[:limit]
	}
	return list
}

// startSpan opens a span for a collaboration operation.
func (s *Service) startSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "collab."+op, trace.WithAttributes(
		attribute.String("collab.team_id", s.TeamID()),
		attribute.String("collab.user_id", s.caller.UserID),
	))
}

// finish records the outcome of an operation on its span and in metrics.
func (s *Service) finish(span trace.Span, op string, err error) {
	defer span.End()
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if e, ok := AsError(err); ok {
			outcome = string(e.Kind)
			span.SetAttributes(attribute.String("collab.failure", e.Message))
		} else {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.logger.Error("collaboration operation failed", "operation", op, "error", err)
		}
	}
	s.metrics.Operation(op, outcome)
}
