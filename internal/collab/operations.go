package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/haasonsaas/househunt/internal/notify"
	"github.com/haasonsaas/househunt/internal/realtime"
	"github.com/haasonsaas/househunt/internal/teams"
	"github.com/haasonsaas/househunt/pkg/models"
)

// requireRole fetches the caller's membership in teamID and checks its role.
// A missing membership is reported with the same denial message.
func (s *Service) requireRole(ctx context.Context, teamID string, allowed func(models.Role) bool, denied string) (*models.Member, error) {
	if s.caller.UserID == "" {
		return nil, permissionError(MsgNotSignedIn)
	}
	if teamID == "" {
		return nil, validationError(MsgNoTeam)
	}
	member, err := s.store.GetMembership(ctx, teamID, s.caller.UserID)
	if errors.Is(err, teams.ErrNotFound) || errors.Is(err, teams.ErrForbidden) {
		return nil, permissionError(denied)
	}
	if err != nil {
		return nil, fmt.Errorf("load membership: %w", err)
	}
	if !allowed(member.Role) {
		return nil, permissionError(denied)
	}
	return member, nil
}

// InviteTeamMember creates an invite for the current team. With an email
// the invite is single use and an invite email is sent in the background.
func (s *Service) InviteTeamMember(ctx context.Context, email string) (result InviteResult, err error) {
	ctx, span := s.startSpan(ctx, "InviteTeamMember")
	defer func() { s.finish(span, "invite_member", err) }()

	teamID := s.TeamID()
	if _, err := s.requireRole(ctx, teamID, models.Role.CanManageMembers, MsgInvitePermission); err != nil {
		return InviteResult{}, err
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if email != "" {
		if addr, perr := mail.ParseAddress(email); perr != nil || addr.Address != email {
			return InviteResult{}, validationError(MsgInvalidEmail)
		}
	}

	now := s.now().UTC()
	invite := &models.Invite{
		TeamID:    teamID,
		CreatedBy: s.caller.UserID,
		Email:     email,
		ExpiresAt: now.Add(s.config.InviteTTL),
		MaxUses:   models.MaxUsesFor(email),
		IsActive:  true,
		CreatedAt: now,
	}
	for attempt := 1; ; attempt++ {
		code, err := GenerateInviteCode()
		if err != nil {
			return InviteResult{}, err
		}
		invite.ID = ""
		invite.InviteCode = code
		err = s.store.CreateInvite(ctx, invite)
		if err == nil {
			break
		}
		if errors.Is(err, teams.ErrAlreadyExists) && attempt < maxCodeAttempts {
			continue
		}
		return InviteResult{}, storeError("create invite", err)
	}

	result = InviteResult{
		InviteCode: invite.InviteCode,
		InviteURL:  s.inviteURL(invite.InviteCode),
		ExpiresAt:  invite.ExpiresAt,
	}
	if email != "" {
		s.sendInviteEmail(ctx, invite, result.InviteURL)
	}

	metadata := map[string]any{"max_uses": invite.MaxUses}
	if email != "" {
		metadata["email"] = email
	}
	s.markActivity(ctx, teamID, models.ActionMemberInvited, "invite", invite.ID, metadata)
	return result, nil
}

func (s *Service) inviteURL(code string) string {
	return InviteURL(s.config.BaseURL, code)
}

// InviteURL is the link a recipient follows to redeem code.
func InviteURL(baseURL, code string) string {
	return strings.TrimRight(baseURL, "/") + "/join/" + code
}

// sendInviteEmail hands the invite to the notifier without waiting. Failures
// are logged and never affect the invite.
func (s *Service) sendInviteEmail(ctx context.Context, invite *models.Invite, url string) {
	if s.config.Notifier == nil {
		return
	}
	var teamName string
	if team, err := s.store.GetTeam(ctx, invite.TeamID); err == nil {
		teamName = team.Name
	}
	email := notify.InviteEmail{
		To:         invite.Email,
		TeamID:     invite.TeamID,
		TeamName:   teamName,
		InviteCode: invite.InviteCode,
		InviteURL:  url,
		InvitedBy:  s.caller.UserID,
		ExpiresAt:  invite.ExpiresAt,
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		if err := s.config.Notifier.SendInvite(sendCtx, email); err != nil {
			s.logger.Warn("invite email failed", "team_id", invite.TeamID, "error", err)
		}
	}()
}

// JoinTeam redeems an invite code for the caller. Checks run in a fixed
// order and the first failing one is reported.
func (s *Service) JoinTeam(ctx context.Context, code string) (member *models.Member, err error) {
	ctx, span := s.startSpan(ctx, "JoinTeam")
	defer func() { s.finish(span, "join_team", err) }()

	if s.caller.UserID == "" {
		return nil, permissionError(MsgNotSignedIn)
	}
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, validationError(MsgInviteInvalid)
	}
	invite, err := s.store.GetInviteByCode(ctx, code)
	if errors.Is(err, teams.ErrNotFound) {
		return nil, validationError(MsgInviteInvalid)
	}
	if err != nil {
		return nil, storeError("load invite", err)
	}
	now := s.now().UTC()
	if !invite.IsActive {
		return nil, validationError(MsgInviteInvalid)
	}
	if invite.Expired(now) {
		return nil, validationError(MsgInviteExpired)
	}
	if invite.Exhausted() {
		return nil, conflictError(MsgInviteExhausted)
	}
	if _, err := s.store.GetMembership(ctx, invite.TeamID, s.caller.UserID); err == nil {
		return nil, conflictError(MsgAlreadyMember)
	} else if !errors.Is(err, teams.ErrNotFound) {
		return nil, storeError("load membership", err)
	}
	team, err := s.store.GetTeam(ctx, invite.TeamID)
	if err != nil {
		if errors.Is(err, teams.ErrNotFound) {
			return nil, validationError(MsgInviteInvalid)
		}
		return nil, storeError("load team", err)
	}
	// The count is not locked against concurrent joins; two joins racing
	// for the last seat can both pass.
	count, err := s.store.CountActiveMembers(ctx, invite.TeamID)
	if err != nil {
		return nil, storeError("count members", err)
	}
	if count >= team.Capacity() {
		return nil, conflictError(MsgTeamFull)
	}

	if err := s.store.ConsumeInvite(ctx, invite.ID, now); err != nil {
		if errors.Is(err, teams.ErrInviteExhausted) {
			return nil, conflictError(MsgInviteExhausted)
		}
		return nil, storeError("consume invite", err)
	}
	s.upsertOwnProfile(ctx)
	member = &models.Member{
		TeamID:   invite.TeamID,
		UserID:   s.caller.UserID,
		Role:     models.RoleMember,
		JoinedAt: now,
	}
	if err := s.store.AddMember(ctx, member); err != nil {
		if rerr := s.store.ReleaseInvite(ctx, invite.ID); rerr != nil {
			s.logger.Warn("release invite failed", "invite_id", invite.ID, "error", rerr)
		}
		if errors.Is(err, teams.ErrAlreadyExists) {
			return nil, conflictError(MsgAlreadyMember)
		}
		return nil, storeError("add member", err)
	}

	if s.TeamID() == member.TeamID {
		s.applyMember(member)
	}
	s.markActivity(ctx, member.TeamID, models.ActionMemberJoined, "member", member.ID, map[string]any{
		"invite_id": invite.ID,
	})
	return member, nil
}

func (s *Service) upsertOwnProfile(ctx context.Context) {
	if s.caller.Email == "" && s.caller.DisplayName == "" {
		return
	}
	profile := models.Profile{Email: s.caller.Email, DisplayName: s.caller.DisplayName}
	if err := s.store.UpsertProfile(ctx, s.caller.UserID, profile); err != nil {
		s.logger.Warn("profile upsert failed", "error", err)
	}
}

// loadTarget fetches an active member of teamID.
func (s *Service) loadTarget(ctx context.Context, teamID, memberID string) (*models.Member, error) {
	target, err := s.store.GetMember(ctx, memberID)
	if errors.Is(err, teams.ErrNotFound) {
		return nil, notFoundError(MsgMemberNotFound)
	}
	if err != nil {
		return nil, storeError("load member", err)
	}
	if target.TeamID != teamID || !target.IsActive {
		return nil, notFoundError(MsgMemberNotFound)
	}
	return target, nil
}

// RemoveTeamMember deactivates a member. The team owner can never be removed.
func (s *Service) RemoveTeamMember(ctx context.Context, memberID string) (err error) {
	ctx, span := s.startSpan(ctx, "RemoveTeamMember")
	defer func() { s.finish(span, "remove_member", err) }()

	teamID := s.TeamID()
	if _, err := s.requireRole(ctx, teamID, models.Role.CanManageMembers, MsgRemovePermission); err != nil {
		return err
	}
	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		return validationError(MsgInvalidMemberID)
	}
	target, err := s.loadTarget(ctx, teamID, memberID)
	if err != nil {
		return err
	}
	if target.Role == models.RoleOwner {
		return permissionError(MsgCannotRemoveOwner)
	}
	if err := s.store.DeactivateMember(ctx, memberID); err != nil {
		return storeError("remove member", err)
	}

	s.dropMember(memberID)
	s.markActivity(ctx, teamID, models.ActionMemberRemoved, "member", memberID, map[string]any{
		"removed_user_id": target.UserID,
	})
	return nil
}

// UpdateMemberRole changes a member's role. Only the owner may do this.
func (s *Service) UpdateMemberRole(ctx context.Context, memberID string, role string) (err error) {
	ctx, span := s.startSpan(ctx, "UpdateMemberRole")
	defer func() { s.finish(span, "update_role", err) }()

	teamID := s.TeamID()
	if _, err := s.requireRole(ctx, teamID, models.Role.CanChangeRoles, MsgRolePermission); err != nil {
		return err
	}
	newRole, ok := models.ParseRole(role)
	if !ok {
		return validationError(MsgInvalidRole)
	}
	if newRole == models.RoleOwner {
		return validationError(MsgOwnerNotAssignable)
	}
	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		return validationError(MsgInvalidMemberID)
	}
	target, err := s.loadTarget(ctx, teamID, memberID)
	if err != nil {
		return err
	}
	if target.Role == models.RoleOwner {
		return permissionError(MsgCannotChangeOwner)
	}
	if err := s.store.UpdateMemberRole(ctx, memberID, newRole); err != nil {
		return storeError("update role", err)
	}

	target.Role = newRole
	s.applyMember(target)
	s.markActivity(ctx, teamID, models.ActionMemberRoleUpdated, "member", memberID, map[string]any{
		"user_id":  target.UserID,
		"new_role": string(newRole),
	})
	return nil
}

// UpdateTeamSettings shallow-merges partial into the team settings. The
// activity entry lists the changed keys but never their values.
func (s *Service) UpdateTeamSettings(ctx context.Context, partial map[string]any) (settings map[string]any, err error) {
	ctx, span := s.startSpan(ctx, "UpdateTeamSettings")
	defer func() { s.finish(span, "update_settings", err) }()

	teamID := s.TeamID()
	if _, err := s.requireRole(ctx, teamID, models.Role.CanManageMembers, MsgSettingsPermission); err != nil {
		return nil, err
	}
	if len(partial) == 0 {
		return nil, validationError(MsgNoSettings)
	}
	team, err := s.store.GetTeam(ctx, teamID)
	if err != nil {
		return nil, storeError("load team", err)
	}
	current, err := team.SettingsMap()
	if err != nil {
		return nil, fmt.Errorf("decode team settings: %w", err)
	}
	merged, changed := mergeSettings(current, partial)
	if err := ValidateSettings(merged); err != nil {
		return nil, settingsValidationError(err)
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		return nil, validationError(fmt.Sprintf("%s: %v", MsgInvalidSettingsLabel, err))
	}
	if err := s.store.UpdateTeamSettings(ctx, teamID, raw); err != nil {
		return nil, storeError("update settings", err)
	}

	s.markActivity(ctx, teamID, models.ActionTeamSettingsUpdated, "team", teamID, map[string]any{
		"changed_keys": changed,
	})
	return merged, nil
}

// MarkActivity appends an entry to the current team's activity log. It is
// not permission checked and never fails: errors are logged and dropped.
func (s *Service) MarkActivity(ctx context.Context, action models.ActivityAction, resourceType, resourceID string, metadata map[string]any) {
	s.markActivity(ctx, s.TeamID(), action, resourceType, resourceID, metadata)
}

func (s *Service) markActivity(ctx context.Context, teamID string, action models.ActivityAction, resourceType, resourceID string, metadata map[string]any) {
	if teamID == "" || s.caller.UserID == "" {
		return
	}
	if !action.Valid() {
		s.logger.Warn("unknown activity action", "action", action)
		s.metrics.ActivityLogFailed()
		return
	}
	activity := &models.Activity{
		TeamID:       teamID,
		UserID:       s.caller.UserID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		CreatedAt:    s.now().UTC(),
	}
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			s.logger.Warn("activity metadata encode failed", "action", action, "error", err)
		} else {
			activity.Metadata = raw
		}
	}
	if err := s.store.AppendActivity(context.WithoutCancel(ctx), activity); err != nil {
		s.logger.Warn("activity log write failed", "action", action, "team_id", teamID, "error", err)
		s.metrics.ActivityLogFailed()
		return
	}
	if s.TeamID() == teamID {
		s.applyActivity(activity)
	}
}

// UpdatePresence merges patch into the caller's presence for the current
// team, announces it on realtime channels and records it in the store on a
// best-effort basis.
func (s *Service) UpdatePresence(ctx context.Context, patch realtime.PresencePatch) models.Presence {
	patch.UserID = s.caller.UserID
	patch.TeamID = s.TeamID()

	var presence models.Presence
	if s.rt != nil {
		presence = s.rt.UpdatePresence(ctx, patch)
	} else {
		s.mu.Lock()
		presence = s.presence[s.caller.UserID]
		s.mu.Unlock()
		patch.Apply(&presence)
		if presence.Status == "" {
			presence.Status = models.PresenceOnline
		}
		presence.LastSeen = s.now()
	}

	s.mu.Lock()
	s.presence[presence.UserID] = presence
	s.mu.Unlock()
	s.notify(UpdatePresence)

	if presence.TeamID != "" {
		if err := s.store.UpsertPresence(ctx, &presence); err != nil {
			s.logger.Debug("presence write failed", "error", err)
		}
	}
	return presence
}

// SetVisibility marks the caller away while the app is hidden and online
// when it is visible again.
func (s *Service) SetVisibility(ctx context.Context, hidden bool) models.Presence {
	status := models.PresenceOnline
	if hidden {
		status = models.PresenceAway
	}
	return s.UpdatePresence(ctx, realtime.PresencePatch{Status: status})
}
