// Package api serves the househunt HTTP API and the realtime endpoint.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/househunt/internal/collab"
	"github.com/haasonsaas/househunt/internal/hub"
	"github.com/haasonsaas/househunt/internal/identity"
	"github.com/haasonsaas/househunt/internal/notify"
	"github.com/haasonsaas/househunt/internal/observability"
	"github.com/haasonsaas/househunt/internal/teams"
)

// Config holds API settings.
type Config struct {
	// BaseURL is the public app URL used in invite links.
	BaseURL            string
	ActivityLimit      int
	InviteTTL          time.Duration
	PresenceStaleAfter time.Duration
	// JoinRatePerMinute and JoinBurst limit invite redemptions per user.
	// A zero rate disables the limit.
	JoinRatePerMinute int
	JoinBurst         int
	// MetricsPath serves Prometheus metrics when set.
	MetricsPath string
}

// Options are the dependencies of a Server.
type Options struct {
	Config Config
	// Store is the unscoped team store. The server wraps it with the
	// change feed and with per-request row policies.
	Store    teams.Store
	Hub      *hub.Hub
	Tokens   *identity.JWT
	Notifier notify.Notifier
	Metrics  *observability.Metrics
	// Gatherer backs the metrics endpoint; nil uses the default registry.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server routes HTTP requests to the collaboration service.
type Server struct {
	config   Config
	store    teams.Store
	feed     *teams.ChangeFeed
	hub      *hub.Hub
	tokens   *identity.JWT
	notifier notify.Notifier
	metrics  *observability.Metrics
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	joins    *userLimiter
	now      func() time.Time

	// pending tracks per-request services still finishing background work.
	pending sync.WaitGroup
}

// NewServer builds the API server.
func NewServer(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("api: store is required")
	}
	if opts.Hub == nil {
		return nil, errors.New("api: hub is required")
	}
	if opts.Tokens == nil {
		return nil, errors.New("api: token verifier is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		config:   opts.Config,
		store:    opts.Store,
		feed:     teams.NewChangeFeed(opts.Store, opts.Hub, logger),
		hub:      opts.Hub,
		tokens:   opts.Tokens,
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
		gatherer: gatherer,
		logger:   logger.With("component", "api"),
		joins:    newUserLimiter(opts.Config.JoinRatePerMinute, opts.Config.JoinBurst),
		now:      time.Now,
	}, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	auth := identity.Middleware(s.tokens, s.logger)
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, auth(h))
	}

	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.config.MetricsPath != "" {
		mux.Handle("GET "+s.config.MetricsPath, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	handle("POST /api/teams", s.handleCreateTeam)
	handle("GET /api/teams/{team}", s.handleGetTeam)
	handle("POST /api/teams/{team}/invites", s.handleInvite)
	handle("GET /api/teams/{team}/members", s.handleListMembers)
	handle("DELETE /api/teams/{team}/members/{member}", s.handleRemoveMember)
	handle("PATCH /api/teams/{team}/members/{member}", s.handleUpdateRole)
	handle("PATCH /api/teams/{team}/settings", s.handleUpdateSettings)
	handle("GET /api/teams/{team}/activities", s.handleListActivities)
	handle("POST /api/teams/{team}/activities", s.handleMarkActivity)
	handle("GET /api/teams/{team}/presence", s.handleListPresence)
	handle("PUT /api/teams/{team}/presence", s.handleUpdatePresence)
	handle("POST /api/invites/{code}/join", s.handleJoin)
	handle("GET /api/invites/{code}/qr.png", s.handleInviteQR)
	mux.HandleFunc("GET /api/settings/schema", s.handleSettingsSchema)
	mux.Handle("GET /realtime", auth(hub.NewServer(s.hub, s.authorizeTopic, s.logger)))

	return loggingMiddleware(s.logger, s.metrics)(mux)
}

// Close waits for background work started by earlier requests, such as
// invite emails, or for ctx to end.
func (s *Server) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// scopedStore is the store as seen by the request's user.
func (s *Server) scopedStore() teams.Store {
	return teams.NewPolicyStore(s.feed)
}

// service builds a collaboration service for the request's user, scoped to
// teamID. The returned func releases it without blocking the response.
func (s *Server) service(r *http.Request, teamID string) (*collab.Service, func()) {
	user, _ := identity.UserFromContext(r.Context())
	svc := collab.NewService(collab.Config{
		TeamID:             teamID,
		ActivityLimit:      s.config.ActivityLimit,
		InviteTTL:          s.config.InviteTTL,
		BaseURL:            s.config.BaseURL,
		PresenceStaleAfter: s.config.PresenceStaleAfter,
		Notifier:           s.notifier,
		Metrics:            s.metrics,
	}, s.scopedStore(), nil, collab.Caller{
		UserID:      user.ID,
		Email:       user.Email,
		DisplayName: user.Name,
	}, s.logger)
	return svc, func() {
		s.pending.Add(1)
		go func() {
			defer s.pending.Done()
			svc.Close()
		}()
	}
}

// authorizeTopic lets a user join a team channel only while they are an
// active member of that team.
func (s *Server) authorizeTopic(ctx context.Context, userID, topic string) error {
	teamID, ok := collab.TeamFromChannel(topic)
	if !ok {
		return errors.New("unknown channel")
	}
	if _, err := s.store.GetMembership(ctx, teamID, userID); err != nil {
		if errors.Is(err, teams.ErrNotFound) {
			return errors.New(collab.MsgAccessDenied)
		}
		return err
	}
	return nil
}
