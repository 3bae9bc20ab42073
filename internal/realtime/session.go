package realtime

import (
	"context"

	"github.com/haasonsaas/househunt/internal/identity"
)

// FollowSession connects when a session starts and disconnects when it ends.
// If a session is already active the manager connects immediately. The
// returned func stops following.
func (m *Manager) FollowSession(ctx context.Context, sessions *identity.Sessions) func() {
	cancel := sessions.Subscribe(func(event identity.Event) {
		switch event.Type {
		case identity.SignedIn:
			_ = m.Connect(ctx)
		case identity.SignedOut:
			m.Disconnect()
		}
	})
	if sessions.Current() != nil {
		_ = m.Connect(ctx)
	}
	return cancel
}
