package collab

import (
	"errors"
	"fmt"

	"github.com/haasonsaas/househunt/internal/teams"
)

// Kind classifies an expected, user-facing failure.
type Kind string

const (
	KindPermission Kind = "permission"
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindNotFound   Kind = "not_found"
)

// Error is an expected failure whose Message can be shown to the user as is.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

func permissionError(msg string) error { return &Error{Kind: KindPermission, Message: msg} }
func validationError(msg string) error { return &Error{Kind: KindValidation, Message: msg} }
func conflictError(msg string) error   { return &Error{Kind: KindConflict, Message: msg} }
func notFoundError(msg string) error   { return &Error{Kind: KindNotFound, Message: msg} }

// User-facing messages.
const (
	MsgNotSignedIn          = "You must be signed in"
	MsgNoTeam               = "No team selected"
	MsgInvitePermission     = "Insufficient permissions to invite members"
	MsgRemovePermission     = "Insufficient permissions to remove members"
	MsgRolePermission       = "Insufficient permissions to update member roles"
	MsgSettingsPermission   = "Insufficient permissions to update team settings"
	MsgAccessDenied         = "You do not have access to this team"
	MsgInvalidEmail         = "Invalid email address"
	MsgInviteInvalid        = "Invalid or inactive invite code"
	MsgInviteExpired        = "Invite code has expired"
	MsgInviteExhausted      = "Invite code has reached maximum uses"
	MsgAlreadyMember        = "You are already a member of this team"
	MsgTeamFull             = "Team has reached maximum member limit"
	MsgMemberNotFound       = "Member not found"
	MsgInvalidMemberID      = "Invalid member id"
	MsgCannotRemoveOwner    = "Cannot remove the team owner"
	MsgCannotChangeOwner    = "Cannot change the team owner's role"
	MsgInvalidRole          = "Invalid role"
	MsgOwnerNotAssignable   = "The owner role cannot be assigned"
	MsgNoSettings           = "No settings to update"
	MsgInvalidSettingsLabel = "Invalid team settings"
)

// AsError reports whether err is an expected failure.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// storeError maps data store rejections onto user-facing errors. A row
// policy denial is an expected outcome, not a fault.
func storeError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, teams.ErrForbidden):
		return permissionError(MsgAccessDenied)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// Result is the structured outcome returned to API callers.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// OK wraps data in a successful Result.
func OK(data any) Result {
	return Result{Success: true, Data: data}
}

// ResultOf renders err as a failed Result. Unexpected errors are reported
// with a generic message so internals do not leak to users.
func ResultOf(err error) Result {
	if err == nil {
		return Result{Success: true}
	}
	if e, ok := AsError(err); ok {
		return Result{Error: e.Message}
	}
	return Result{Error: "Something went wrong, please try again"}
}
