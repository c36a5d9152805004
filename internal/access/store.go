package access

import (
	"context"
	"time"
)

// Store describes persistence operations required by the authorization core.
type Store interface {
	Users() UserStore
	Permissions() PermissionStore
	Roles() RoleStore
	Assignments() AssignmentStore
}

// UserStore manages platform identities.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	UpdateStatus(ctx context.Context, id, status string) error
	// SetMFAState updates the derived enrollment flags on the identity row.
	SetMFAState(ctx context.Context, id string, totpEnabled bool, backupCodesRemaining int) error
}

// PermissionStore manages the permission catalog.
type PermissionStore interface {
	Create(ctx context.Context, p *Permission) error
	// Ensure inserts any of the given permissions that do not exist yet.
	Ensure(ctx context.Context, perms []Permission) error
	Find(ctx context.Context, key string) (*Permission, error)
	List(ctx context.Context) ([]Permission, error)
}

// RoleStore manages roles and their permission links.
type RoleStore interface {
	Create(ctx context.Context, role *Role) error
	Find(ctx context.Context, key string) (*Role, error)
	List(ctx context.Context) ([]Role, error)
	Delete(ctx context.Context, key string) error
}

// AssignmentStore manages role assignments. Create must enforce the
// uniqueness invariant on (user, role, scope type, scope id) among active
// rows and return ErrDuplicateAssignment to the losing caller.
type AssignmentStore interface {
	Create(ctx context.Context, a *RoleAssignment) error
	Find(ctx context.Context, id string) (*RoleAssignment, error)
	// FindByCoordinate returns the assignment at the exact coordinate
	// regardless of its active flag, preferring an active row.
	FindByCoordinate(ctx context.Context, userID, roleKey string, scope Scope) (*RoleAssignment, error)
	ListByUser(ctx context.Context, userID string) ([]RoleAssignment, error)
	SetActive(ctx context.Context, id string, active bool) error
	UpdateExpiry(ctx context.Context, id string, expiresAt *time.Time) error
	// CountExpired reports rows still active but past expiry; the sweep
	// only observes, it never mutates.
	CountExpired(ctx context.Context, now time.Time) (int, error)
}
