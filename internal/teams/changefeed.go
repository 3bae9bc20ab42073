package teams

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/haasonsaas/househunt/internal/realtime"
	"github.com/haasonsaas/househunt/pkg/models"
)

// Table names carried on published changes.
const (
	TableTeams      = "teams"
	TableMembers    = "team_members"
	TableInvites    = "team_invites"
	TableActivities = "team_activities"
	TablePresence   = "user_presence"
)

// Publisher receives committed row changes.
type Publisher interface {
	Publish(change realtime.Change)
}

// ChangeFeed wraps a Store and publishes a row change after every
// successful write to a watched table. Reads pass through untouched.
type ChangeFeed struct {
	Store
	publisher Publisher
	logger    *slog.Logger
}

// NewChangeFeed wraps store so writes are published to publisher.
func NewChangeFeed(store Store, publisher Publisher, logger *slog.Logger) *ChangeFeed {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChangeFeed{
		Store:     store,
		publisher: publisher,
		logger:    logger.With("component", "changefeed"),
	}
}

func (f *ChangeFeed) publish(table string, typ realtime.ChangeType, newRow, oldRow any) {
	change := realtime.Change{Table: table, Type: typ, Timestamp: time.Now().UTC()}
	var err error
	if newRow != nil {
		if change.New, err = json.Marshal(newRow); err != nil {
			f.logger.Warn("encode change failed", "table", table, "error", err)
			return
		}
	}
	if oldRow != nil {
		if change.Old, err = json.Marshal(oldRow); err != nil {
			f.logger.Warn("encode change failed", "table", table, "error", err)
			return
		}
	}
	f.publisher.Publish(change)
}

// memberRow is a membership without the joined profile, as stored.
func memberRow(m *models.Member) *models.Member {
	row := cloneMember(m)
	row.Profile = nil
	return row
}

func (f *ChangeFeed) UpdateTeamSettings(ctx context.Context, teamID string, settings json.RawMessage) error {
	before, _ := f.Store.GetTeam(ctx, teamID)
	if err := f.Store.UpdateTeamSettings(ctx, teamID, settings); err != nil {
		return err
	}
	after, err := f.Store.GetTeam(ctx, teamID)
	if err != nil {
		f.logger.Warn("reload team failed", "team_id", teamID, "error", err)
		return nil
	}
	f.publish(TableTeams, realtime.ChangeUpdate, after, before)
	return nil
}

func (f *ChangeFeed) AddMember(ctx context.Context, member *models.Member) error {
	if err := f.Store.AddMember(ctx, member); err != nil {
		return err
	}
	f.publish(TableMembers, realtime.ChangeInsert, memberRow(member), nil)
	return nil
}

func (f *ChangeFeed) updateMember(ctx context.Context, memberID string, write func() error) error {
	before, err := f.Store.GetMember(ctx, memberID)
	if err != nil {
		return err
	}
	if err := write(); err != nil {
		return err
	}
	after, err := f.Store.GetMember(ctx, memberID)
	if err != nil {
		f.logger.Warn("reload member failed", "member_id", memberID, "error", err)
		return nil
	}
	f.publish(TableMembers, realtime.ChangeUpdate, memberRow(after), memberRow(before))
	return nil
}

func (f *ChangeFeed) UpdateMemberRole(ctx context.Context, memberID string, role models.Role) error {
	return f.updateMember(ctx, memberID, func() error {
		return f.Store.UpdateMemberRole(ctx, memberID, role)
	})
}

func (f *ChangeFeed) DeactivateMember(ctx context.Context, memberID string) error {
	return f.updateMember(ctx, memberID, func() error {
		return f.Store.DeactivateMember(ctx, memberID)
	})
}

func (f *ChangeFeed) CreateInvite(ctx context.Context, invite *models.Invite) error {
	if err := f.Store.CreateInvite(ctx, invite); err != nil {
		return err
	}
	f.publish(TableInvites, realtime.ChangeInsert, invite, nil)
	return nil
}

func (f *ChangeFeed) AppendActivity(ctx context.Context, activity *models.Activity) error {
	if err := f.Store.AppendActivity(ctx, activity); err != nil {
		return err
	}
	f.publish(TableActivities, realtime.ChangeInsert, activity, nil)
	return nil
}

func (f *ChangeFeed) UpsertPresence(ctx context.Context, presence *models.Presence) error {
	if err := f.Store.UpsertPresence(ctx, presence); err != nil {
		return err
	}
	f.publish(TablePresence, realtime.ChangeUpdate, presence, nil)
	return nil
}
