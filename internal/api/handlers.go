package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/haasonsaas/househunt/internal/collab"
	"github.com/haasonsaas/househunt/internal/identity"
	"github.com/haasonsaas/househunt/internal/realtime"
	"github.com/haasonsaas/househunt/internal/teams"
	"github.com/haasonsaas/househunt/pkg/models"
)

const (
	maxBodyBytes    = 64 << 10
	maxActivityPage = 500
	healthTimeout   = 2 * time.Second
)

const (
	msgBadRequest    = "Invalid request body"
	msgUnknownAction = "Unknown activity action"
	msgBadStatus     = "Invalid presence status"
	msgRateLimited   = "Too many join attempts, please wait and try again"
	msgInternal      = "Something went wrong, please try again"
	msgNotFound      = "Not found"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeOK(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, collab.OK(data))
}

func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	result := collab.ResultOf(err)
	switch {
	case errors.Is(err, teams.ErrForbidden):
		result.Error = collab.MsgAccessDenied
	case errors.Is(err, teams.ErrNotFound):
		result.Error = msgNotFound
	}
	writeJSON(w, status, result)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, collab.Result{Error: msg})
}

// statusFor maps an operation error onto an HTTP status.
func statusFor(err error) int {
	if e, ok := collab.AsError(err); ok {
		switch e.Kind {
		case collab.KindPermission:
			return http.StatusForbidden
		case collab.KindValidation:
			return http.StatusBadRequest
		case collab.KindConflict:
			return http.StatusConflict
		case collab.KindNotFound:
			return http.StatusNotFound
		}
	}
	switch {
	case errors.Is(err, teams.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, teams.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody reads a JSON body into v. An empty body leaves v untouched
// when allowEmpty is set.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		writeMessage(w, http.StatusBadRequest, msgBadRequest)
		return false
	}
	return true
}

func currentUser(r *http.Request) identity.User {
	user, _ := identity.UserFromContext(r.Context())
	return user
}

// requireMember answers 403 unless the request's user is an active member
// of teamID.
func (s *Server) requireMember(w http.ResponseWriter, r *http.Request, store teams.Store, teamID string) bool {
	_, err := store.GetMembership(r.Context(), teamID, currentUser(r).ID)
	if err == nil {
		return true
	}
	if errors.Is(err, teams.ErrNotFound) || errors.Is(err, teams.ErrForbidden) {
		writeMessage(w, http.StatusForbidden, collab.MsgAccessDenied)
		return false
	}
	s.writeFailure(w, r, err)
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSettingsSchema(w http.ResponseWriter, r *http.Request) {
	schema, err := collab.SettingsSchema()
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/schema+json")
	_, _ = w.Write(schema)
}

type createTeamRequest struct {
	Name       string `json:"name"`
	MaxMembers int    `json:"max_members"`
}

func (s *Server) handleCreateTeam(w http.ResponseWriter, r *http.Request) {
	var req createTeamRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	svc, release := s.service(r, "")
	defer release()
	team, err := svc.CreateTeam(r.Context(), req.Name, req.MaxMembers)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeOK(w, http.StatusCreated, team)
}

func (s *Server) handleGetTeam(w http.ResponseWriter, r *http.Request) {
	teamID := r.PathValue("team")
	store := s.scopedStore()
	if !s.requireMember(w, r, store, teamID) {
		return
	}
	team, err := store.GetTeam(r.Context(), teamID)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeOK(w, http.StatusOK, team)
}

type inviteRequest struct {
	Email string `json:"email"`
}

func (s *Server) handleInvite(w http.ResponseWriter, r *http.Request) {
	var req inviteRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	svc, release := s.service(r, r.PathValue("team"))
	defer release()
	result, err := svc.InviteTeamMember(r.Context(), req.Email)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeOK(w, http.StatusCreated, result)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	if retryAfter, ok := s.joins.allow(user.ID, s.now()); !ok {
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Round(time.Second)/time.Second)+1))
		writeMessage(w, http.StatusTooManyRequests, msgRateLimited)
		return
	}
	svc, release := s.service(r, "")
	defer release()
	member, err := svc.JoinTeam(r.Context(), r.PathValue("code"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeOK(w, http.StatusCreated, member)
}

func (s *Server) handleInviteQR(w http.ResponseWriter, r *http.Request) {
	code := strings.ToUpper(strings.TrimSpace(r.PathValue("code")))
	store := s.scopedStore()
	invite, err := store.GetInviteByCode(r.Context(), code)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if !s.requireMember(w, r, store, invite.TeamID) {
		return
	}

	size := 256
	if raw := r.URL.Query().Get("size"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			size = min(max(n, 128), 512)
		}
	}
	png, err := qrcode.Encode(collab.InviteURL(s.config.BaseURL, invite.InviteCode), qrcode.Medium, size)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "private, max-age=300")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.scopedStore().ListMembers(r.Context(), r.PathValue("team"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeOK(w, http.StatusOK, members)
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	svc, release := s.service(r, r.PathValue("team"))
	defer release()
	if err := svc.RemoveTeamMember(r.Context(), r.PathValue("member")); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeOK(w, http.StatusOK, nil)
}

type updateRoleRequest struct {
	Role string `json:"role"`
}

func (s *Server) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	var req updateRoleRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	svc, release := s.service(r, r.PathValue("team"))
	defer release()
	if err := svc.UpdateMemberRole(r.Context(), r.PathValue("member"), req.Role); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeOK(w, http.StatusOK, nil)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var partial map[string]any
	if !decodeBody(w, r, &partial, false) {
		return
	}
	svc, release := s.service(r, r.PathValue("team"))
	defer release()
	settings, err := svc.UpdateTeamSettings(r.Context(), partial)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeOK(w, http.StatusOK, settings)
}

func (s *Server) handleListActivities(w http.ResponseWriter, r *http.Request) {
	limit := s.config.ActivityLimit
	if limit <= 0 {
		limit = collab.DefaultActivityLimit
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeMessage(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxActivityPage)
	}
	activities, err := s.scopedStore().ListActivities(r.Context(), r.PathValue("team"), limit)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeOK(w, http.StatusOK, activities)
}

type markActivityRequest struct {
	Action       models.ActivityAction `json:"action"`
	ResourceType string                `json:"resource_type"`
	ResourceID   string                `json:"resource_id"`
	Metadata     map[string]any        `json:"metadata"`
}

// handleMarkActivity records an activity entry. Logging is best effort, so
// the request is accepted once it is well formed and the caller is a member.
func (s *Server) handleMarkActivity(w http.ResponseWriter, r *http.Request) {
	var req markActivityRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if !req.Action.Valid() {
		writeMessage(w, http.StatusBadRequest, msgUnknownAction)
		return
	}
	teamID := r.PathValue("team")
	if !s.requireMember(w, r, s.scopedStore(), teamID) {
		return
	}
	svc, release := s.service(r, teamID)
	defer release()
	svc.MarkActivity(r.Context(), req.Action, req.ResourceType, req.ResourceID, req.Metadata)
	s.writeOK(w, http.StatusAccepted, nil)
}

func (s *Server) handleListPresence(w http.ResponseWriter, r *http.Request) {
	list, err := s.scopedStore().ListPresence(r.Context(), r.PathValue("team"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	now := s.now()
	for _, p := range list {
		p.Status = models.EffectiveStatus(*p, now, s.config.PresenceStaleAfter)
	}
	s.writeOK(w, http.StatusOK, list)
}

type presenceRequest struct {
	Status      models.PresenceStatus `json:"status"`
	CurrentPage *string               `json:"current_page"`
	Cursor      *models.Cursor        `json:"cursor"`
	Selection   *models.Selection     `json:"selection"`
	Metadata    json.RawMessage       `json:"metadata"`
}

func (s *Server) handleUpdatePresence(w http.ResponseWriter, r *http.Request) {
	var req presenceRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	switch req.Status {
	case "", models.PresenceOnline, models.PresenceAway, models.PresenceBusy, models.PresenceOffline:
	default:
		writeMessage(w, http.StatusBadRequest, msgBadStatus)
		return
	}
	teamID := r.PathValue("team")
	if !s.requireMember(w, r, s.scopedStore(), teamID) {
		return
	}
	svc, release := s.service(r, teamID)
	defer release()
	presence := svc.UpdatePresence(r.Context(), realtime.PresencePatch{
		Status:      req.Status,
		CurrentPage: req.CurrentPage,
		Cursor:      req.Cursor,
		Selection:   req.Selection,
		Metadata:    req.Metadata,
	})
	s.writeOK(w, http.StatusOK, presence)
}
