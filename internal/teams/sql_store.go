package teams

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/haasonsaas/househunt/pkg/models"
)

// Dialect selects the SQL flavour spoken by a database handle.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// ParseDialect maps a driver name to a Dialect.
func ParseDialect(raw string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "postgres", "postgresql", "pq", "cockroach", "cockroachdb":
		return DialectPostgres, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", raw)
	}
}

// SQLStore implements Store on Postgres or SQLite.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// DB returns the underlying handle.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Dialect returns the store's SQL dialect.
func (s *SQLStore) Dialect() Dialect { return s.dialect }

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	return rebind(s.dialect, query)
}

func rebind(dialect Dialect, query string) string {
	if dialect != DialectPostgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) Ping(ctx context.Context) error {
	var one int
	err := s.queryRow(ctx, `SELECT 1 FROM team_members LIMIT 1`).Scan(&one)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("ping team_members: %w", err)
	}
	return nil
}

func (s *SQLStore) CreateTeam(ctx context.Context, team *models.Team) error {
	if team == nil || strings.TrimSpace(team.Name) == "" {
		return fmt.Errorf("team name is required")
	}
	if team.ID == "" {
		team.ID = uuid.NewString()
	}
	if team.MaxMembers <= 0 {
		team.MaxMembers = models.DefaultMaxMembers
	}
	now := time.Now().UTC()
	if team.CreatedAt.IsZero() {
		team.CreatedAt = now
	}
	if team.UpdatedAt.IsZero() {
		team.UpdatedAt = team.CreatedAt
	}
	_, err := s.exec(ctx, `
		INSERT INTO teams (id, name, owner_id, max_members, settings, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		team.ID,
		team.Name,
		team.OwnerID,
		team.MaxMembers,
		jsonText(team.Settings),
		team.CreatedAt.UTC(),
		team.UpdatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create team: %w", err)
	}
	return nil
}

func (s *SQLStore) GetTeam(ctx context.Context, teamID string) (*models.Team, error) {
	row := s.queryRow(ctx, `
		SELECT id, name, owner_id, max_members, settings, created_at, updated_at
		FROM teams WHERE id = ?`, teamID)
	var team models.Team
	var settings []byte
	if err := row.Scan(
		&team.ID,
		&team.Name,
		&team.OwnerID,
		&team.MaxMembers,
		&settings,
		&team.CreatedAt,
		&team.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get team: %w", err)
	}
	team.Settings = rawOrNil(settings)
	return &team, nil
}

func (s *SQLStore) UpdateTeamSettings(ctx context.Context, teamID string, settings json.RawMessage) error {
	res, err := s.exec(ctx, `UPDATE teams SET settings = ?, updated_at = ? WHERE id = ?`,
		jsonText(settings), time.Now().UTC(), teamID)
	if err != nil {
		return fmt.Errorf("update team settings: %w", err)
	}
	return expectRows(res)
}

func (s *SQLStore) UpsertProfile(ctx context.Context, userID string, profile models.Profile) error {
	_, err := s.exec(ctx, `
		INSERT INTO profiles (user_id, email, display_name, avatar_url, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			email = excluded.email,
			display_name = excluded.display_name,
			avatar_url = excluded.avatar_url,
			updated_at = excluded.updated_at`,
		userID,
		nullString(profile.Email),
		nullString(profile.DisplayName),
		nullString(profile.AvatarURL),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

func (s *SQLStore) AddMember(ctx context.Context, member *models.Member) error {
	if member == nil || member.TeamID == "" || member.UserID == "" {
		return fmt.Errorf("member team and user are required")
	}
	if member.ID == "" {
		member.ID = uuid.NewString()
	}
	if member.JoinedAt.IsZero() {
		member.JoinedAt = time.Now().UTC()
	}
	member.IsActive = true
	_, err := s.exec(ctx, `
		INSERT INTO team_members (id, team_id, user_id, role, joined_at, is_active)
		VALUES (?, ?, ?, ?, ?, ?)`,
		member.ID,
		member.TeamID,
		member.UserID,
		string(member.Role),
		member.JoinedAt.UTC(),
		true,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

const memberSelect = `
	SELECT m.id, m.team_id, m.user_id, m.role, m.joined_at, m.is_active,
		p.email, p.display_name, p.avatar_url
	FROM team_members m
	LEFT JOIN profiles p ON p.user_id = m.user_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMember(row rowScanner) (*models.Member, error) {
	var member models.Member
	var role string
	var email, displayName, avatarURL sql.NullString
	if err := row.Scan(
		&member.ID,
		&member.TeamID,
		&member.UserID,
		&role,
		&member.JoinedAt,
		&member.IsActive,
		&email,
		&displayName,
		&avatarURL,
	); err != nil {
		return nil, err
	}
	member.Role = models.Role(role)
	if email.Valid || displayName.Valid || avatarURL.Valid {
		member.Profile = &models.Profile{
			Email:       email.String,
			DisplayName: displayName.String,
			AvatarURL:   avatarURL.String,
		}
	}
	return &member, nil
}

func (s *SQLStore) GetMember(ctx context.Context, memberID string) (*models.Member, error) {
	member, err := scanMember(s.queryRow(ctx, memberSelect+` WHERE m.id = ?`, memberID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get member: %w", err)
	}
	return member, nil
}

func (s *SQLStore) GetMembership(ctx context.Context, teamID, userID string) (*models.Member, error) {
	member, err := scanMember(s.queryRow(ctx,
		memberSelect+` WHERE m.team_id = ? AND m.user_id = ? AND m.is_active`, teamID, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get membership: %w", err)
	}
	return member, nil
}

func (s *SQLStore) ListMembers(ctx context.Context, teamID string) ([]*models.Member, error) {
	rows, err := s.query(ctx,
		memberSelect+` WHERE m.team_id = ? AND m.is_active ORDER BY m.joined_at ASC`, teamID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	out := []*models.Member{}
	for rows.Next() {
		member, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		out = append(out, member)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return out, nil
}

func (s *SQLStore) CountActiveMembers(ctx context.Context, teamID string) (int, error) {
	var count int
	if err := s.queryRow(ctx,
		`SELECT COUNT(*) FROM team_members WHERE team_id = ? AND is_active`, teamID,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("count members: %w", err)
	}
	return count, nil
}

func (s *SQLStore) UpdateMemberRole(ctx context.Context, memberID string, role models.Role) error {
	res, err := s.exec(ctx, `UPDATE team_members SET role = ? WHERE id = ?`, string(role), memberID)
	if err != nil {
		return fmt.Errorf("update member role: %w", err)
	}
	return expectRows(res)
}

func (s *SQLStore) DeactivateMember(ctx context.Context, memberID string) error {
	res, err := s.exec(ctx, `UPDATE team_members SET is_active = ? WHERE id = ?`, false, memberID)
	if err != nil {
		return fmt.Errorf("deactivate member: %w", err)
	}
	return expectRows(res)
}

func (s *SQLStore) CreateInvite(ctx context.Context, invite *models.Invite) error {
	if invite == nil || invite.InviteCode == "" || invite.TeamID == "" {
		return fmt.Errorf("invite team and code are required")
	}
	if invite.ID == "" {
		invite.ID = uuid.NewString()
	}
	if invite.CreatedAt.IsZero() {
		invite.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, `
		INSERT INTO team_invites (id, team_id, invite_code, created_by, email, expires_at,
			max_uses, current_uses, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		invite.ID,
		invite.TeamID,
		invite.InviteCode,
		invite.CreatedBy,
		nullString(invite.Email),
		invite.ExpiresAt.UTC(),
		invite.MaxUses,
		invite.CurrentUses,
		invite.IsActive,
		invite.CreatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create invite: %w", err)
	}
	return nil
}

func (s *SQLStore) GetInviteByCode(ctx context.Context, code string) (*models.Invite, error) {
	row := s.queryRow(ctx, `
		SELECT id, team_id, invite_code, created_by, email, expires_at,
			max_uses, current_uses, is_active, created_at
		FROM team_invites WHERE invite_code = ?`, code)
	var invite models.Invite
	var email sql.NullString
	if err := row.Scan(
		&invite.ID,
		&invite.TeamID,
		&invite.InviteCode,
		&invite.CreatedBy,
		&email,
		&invite.ExpiresAt,
		&invite.MaxUses,
		&invite.CurrentUses,
		&invite.IsActive,
		&invite.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get invite: %w", err)
	}
	invite.Email = email.String
	return &invite, nil
}

func (s *SQLStore) ConsumeInvite(ctx context.Context, inviteID string, now time.Time) error {
	res, err := s.exec(ctx, `
		UPDATE team_invites SET current_uses = current_uses + 1
		WHERE id = ? AND is_active AND current_uses < max_uses AND expires_at >= ?`,
		inviteID, now.UTC())
	if err != nil {
		return fmt.Errorf("consume invite: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrInviteExhausted
	}
	return nil
}

func (s *SQLStore) ReleaseInvite(ctx context.Context, inviteID string) error {
	_, err := s.exec(ctx, `
		UPDATE team_invites SET current_uses = current_uses - 1
		WHERE id = ? AND current_uses > 0`, inviteID)
	if err != nil {
		return fmt.Errorf("release invite: %w", err)
	}
	return nil
}

func (s *SQLStore) ExpireInvites(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.exec(ctx,
		`UPDATE team_invites SET is_active = ? WHERE is_active AND expires_at < ?`, false, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("expire invites: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLStore) AppendActivity(ctx context.Context, activity *models.Activity) error {
	if activity == nil || activity.TeamID == "" {
		return fmt.Errorf("activity team is required")
	}
	if activity.ID == "" {
		activity.ID = uuid.NewString()
	}
	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, `
		INSERT INTO team_activities (id, team_id, user_id, action, resource_type, resource_id,
			metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		activity.ID,
		activity.TeamID,
		activity.UserID,
		string(activity.Action),
		nullString(activity.ResourceType),
		nullString(activity.ResourceID),
		jsonText(activity.Metadata),
		activity.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("append activity: %w", err)
	}
	return nil
}

func (s *SQLStore) ListActivities(ctx context.Context, teamID string, limit int) ([]*models.Activity, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.query(ctx, `
		SELECT id, team_id, user_id, action, resource_type, resource_id, metadata, created_at
		FROM team_activities WHERE team_id = ?
		ORDER BY created_at DESC LIMIT ?`, teamID, limit)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	out := []*models.Activity{}
	for rows.Next() {
		var activity models.Activity
		var action string
		var resourceType, resourceID sql.NullString
		var metadata []byte
		if err := rows.Scan(
			&activity.ID,
			&activity.TeamID,
			&activity.UserID,
			&action,
			&resourceType,
			&resourceID,
			&metadata,
			&activity.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		activity.Action = models.ActivityAction(action)
		activity.ResourceType = resourceType.String
		activity.ResourceID = resourceID.String
		activity.Metadata = rawOrNil(metadata)
		out = append(out, &activity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	return out, nil
}

func (s *SQLStore) UpsertPresence(ctx context.Context, presence *models.Presence) error {
	if presence == nil || presence.TeamID == "" || presence.UserID == "" {
		return fmt.Errorf("presence team and user are required")
	}
	cursor, err := optionalJSON(presence.Cursor)
	if err != nil {
		return fmt.Errorf("marshal cursor: %w", err)
	}
	selection, err := optionalJSON(presence.Selection)
	if err != nil {
		return fmt.Errorf("marshal selection: %w", err)
	}
	lastSeen := presence.LastSeen
	if lastSeen.IsZero() {
		lastSeen = time.Now()
	}
	_, err = s.exec(ctx, `
		INSERT INTO user_presence (user_id, team_id, status, last_seen, current_page,
			cursor_position, selection, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, team_id) DO UPDATE SET
			status = excluded.status,
			last_seen = excluded.last_seen,
			current_page = excluded.current_page,
			cursor_position = excluded.cursor_position,
			selection = excluded.selection,
			metadata = excluded.metadata`,
		presence.UserID,
		presence.TeamID,
		string(presence.Status),
		lastSeen.UTC(),
		nullString(presence.CurrentPage),
		cursor,
		selection,
		jsonText(presence.Metadata),
	)
	if err != nil {
		return fmt.Errorf("upsert presence: %w", err)
	}
	return nil
}

func (s *SQLStore) ListPresence(ctx context.Context, teamID string) ([]*models.Presence, error) {
	rows, err := s.query(ctx, `
		SELECT user_id, team_id, status, last_seen, current_page, cursor_position, selection, metadata
		FROM user_presence WHERE team_id = ? ORDER BY user_id`, teamID)
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	defer rows.Close()

	out := []*models.Presence{}
	for rows.Next() {
		var p models.Presence
		var status string
		var page sql.NullString
		var cursor, selection, metadata []byte
		if err := rows.Scan(
			&p.UserID,
			&p.TeamID,
			&status,
			&p.LastSeen,
			&page,
			&cursor,
			&selection,
			&metadata,
		); err != nil {
			return nil, fmt.Errorf("scan presence: %w", err)
		}
		p.Status = models.PresenceStatus(status)
		p.CurrentPage = page.String
		if len(cursor) > 0 {
			p.Cursor = &models.Cursor{}
			if err := json.Unmarshal(cursor, p.Cursor); err != nil {
				return nil, fmt.Errorf("unmarshal cursor: %w", err)
			}
		}
		if len(selection) > 0 {
			p.Selection = &models.Selection{}
			if err := json.Unmarshal(selection, p.Selection); err != nil {
				return nil, fmt.Errorf("unmarshal selection: %w", err)
			}
		}
		p.Metadata = rawOrNil(metadata)
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	return out, nil
}

func (s *SQLStore) MarkStalePresenceOffline(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.exec(ctx, `
		UPDATE user_presence SET status = ?
		WHERE status <> ? AND last_seen < ?`,
		string(models.PresenceOffline), string(models.PresenceOffline), before.UTC())
	if err != nil {
		return 0, fmt.Errorf("mark stale presence: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func expectRows(res sql.Result) error {
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

// jsonText passes JSON as text so lib/pq does not send it as bytea.
func jsonText(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func optionalJSON[T any](value *T) (sql.NullString, error) {
	if value == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func rawOrNil(data []byte) json.RawMessage {
	if len(data) == 0 {
		return nil
	}
	return json.RawMessage(data)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return true
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate") || strings.Contains(msg, "unique constraint")
}
