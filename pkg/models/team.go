// Package models provides domain types for househunt teams and their
// realtime collaboration state.
package models

import (
	"encoding/json"
	"time"
)

// DefaultMaxMembers is the team capacity applied when a team does not set one.
const DefaultMaxMembers = 3

// Team groups users evaluating properties together.
type Team struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	OwnerID    string          `json:"owner_id"`
	MaxMembers int             `json:"max_members"`
	Settings   json.RawMessage `json:"settings,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Capacity returns the member limit, falling back to DefaultMaxMembers.
func (t *Team) Capacity() int {
	if t == nil || t.MaxMembers <= 0 {
		return DefaultMaxMembers
	}
	return t.MaxMembers
}

// SettingsMap decodes the team settings into a generic map.
// Empty or null settings decode to an empty map.
func (t *Team) SettingsMap() (map[string]any, error) {
	out := map[string]any{}
	if t == nil || len(t.Settings) == 0 || string(t.Settings) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(t.Settings, &out); err != nil {
		return nil, err
	}
	return out, nil
}
