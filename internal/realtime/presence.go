package realtime

import (
	"encoding/json"

	"github.com/haasonsaas/househunt/pkg/models"
)

// PresencePatch is a partial presence update. Zero fields leave the
// current value untouched.
type PresencePatch struct {
	UserID      string
	TeamID      string
	Status      models.PresenceStatus
	CurrentPage *string
	Cursor      *models.Cursor
	Selection   *models.Selection
	Metadata    json.RawMessage
}

// Apply merges the patch into p.
func (patch PresencePatch) Apply(p *models.Presence) {
	if patch.UserID != "" {
		p.UserID = patch.UserID
	}
	if patch.TeamID != "" {
		p.TeamID = patch.TeamID
	}
	if patch.Status != "" {
		p.Status = patch.Status
	}
	if patch.CurrentPage != nil {
		p.CurrentPage = *patch.CurrentPage
	}
	if patch.Cursor != nil {
		cursor := *patch.Cursor
		p.Cursor = &cursor
	}
	if patch.Selection != nil {
		selection := *patch.Selection
		p.Selection = &selection
	}
	if patch.Metadata != nil {
		p.Metadata = append(json.RawMessage(nil), patch.Metadata...)
	}
}
