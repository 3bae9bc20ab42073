package models

import "time"

const (
	// InviteCodeLength is the number of characters in an invite code.
	InviteCodeLength = 8
	// InviteTTL is how long an invite stays redeemable after creation.
	InviteTTL = 24 * time.Hour
	// EmailInviteMaxUses applies to invites addressed to one email.
	EmailInviteMaxUses = 1
	// OpenInviteMaxUses applies to shareable invites without an email.
	OpenInviteMaxUses = 10
)

// Invite is a redeemable code granting membership in a team.
// CurrentUses never exceeds MaxUses and ExpiresAt never changes.
type Invite struct {
	ID          string    `json:"id"`
	TeamID      string    `json:"team_id"`
	InviteCode  string    `json:"invite_code"`
	CreatedBy   string    `json:"created_by"`
	Email       string    `json:"email,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
	MaxUses     int       `json:"max_uses"`
	CurrentUses int       `json:"current_uses"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
}

// MaxUsesFor returns the usage limit for an invite with the given email.
func MaxUsesFor(email string) int {
	if email != "" {
		return EmailInviteMaxUses
	}
	return OpenInviteMaxUses
}

// Expired reports whether the invite is past its expiry at now.
func (i *Invite) Expired(now time.Time) bool {
	return now.After(i.ExpiresAt)
}

// Exhausted reports whether every use of the invite has been consumed.
func (i *Invite) Exhausted() bool {
	return i.CurrentUses >= i.MaxUses
}
