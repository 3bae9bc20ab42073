package models

import (
	"encoding/json"
	"time"
)

// PresenceStatus is a user's advertised availability.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceBusy    PresenceStatus = "busy"
	PresenceOffline PresenceStatus = "offline"
)

// PresenceStaleAfter is how long a presence stays current without a refresh.
const PresenceStaleAfter = 5 * time.Minute

// Cursor is a pointer position shared with teammates.
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Selection identifies what a user currently has selected.
type Selection struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Presence is the ephemeral availability record for a user within a team.
// There is at most one per (UserID, TeamID).
type Presence struct {
	UserID      string          `json:"user_id"`
	TeamID      string          `json:"team_id"`
	Status      PresenceStatus  `json:"status"`
	LastSeen    time.Time       `json:"last_seen"`
	CurrentPage string          `json:"current_page,omitempty"`
	Cursor      *Cursor         `json:"cursor,omitempty"`
	Selection   *Selection      `json:"selection,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// EffectiveStatus is the status readers should show at now. A presence not
// refreshed within staleAfter is offline whatever it last advertised.
func EffectiveStatus(p Presence, now time.Time, staleAfter time.Duration) PresenceStatus {
	if staleAfter <= 0 {
		staleAfter = PresenceStaleAfter
	}
	if p.LastSeen.IsZero() || now.Sub(p.LastSeen) > staleAfter {
		return PresenceOffline
	}
	if p.Status == "" {
		return PresenceOnline
	}
	return p.Status
}
