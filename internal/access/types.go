package access

import "time"

const (
	UserStatusActive     = "active"
	UserStatusMFAPending = "mfa_pending"
	UserStatusDisabled   = "disabled"
)

// User represents a platform identity. Accounts created through an
// invitation with a mandatory-MFA role start in mfa_pending and stay
// operation-blocked until enrollment completes.
type User struct {
	ID                   string    `json:"id"`
	Email                string    `json:"email"`
	PasswordHash         string    `json:"-"`
	Status               string    `json:"status"`
	TOTPEnabled          bool      `json:"totp_enabled"`
	BackupCodesRemaining int       `json:"backup_codes_remaining"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Permission is a fine-grained capability, keyed module.action.
type Permission struct {
	Key       string    `json:"key"`
	Module    string    `json:"module"`
	Action    string    `json:"action"`
	Name      string    `json:"name"`
	Dangerous bool      `json:"dangerous"`
	CreatedAt time.Time `json:"created_at"`
}

// ScopeDefault controls whether a permission held through a role is bound
// to the assignment's scope (own) or inherently unbounded (global).
type ScopeDefault string

const (
	ScopeDefaultOwn    ScopeDefault = "own"
	ScopeDefaultGlobal ScopeDefault = "global"
)

// RolePermission links a role to a permission with its scope default.
type RolePermission struct {
	PermissionKey string       `json:"permission_key"`
	ScopeDefault  ScopeDefault `json:"scope_default"`
}

// Role is a named, reusable bundle of permissions.
type Role struct {
	Key         string           `json:"key"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	IsSystem    bool             `json:"is_system"`
	Color       string           `json:"color,omitempty"`
	Permissions []RolePermission `json:"permissions"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Grants reports whether the role carries the permission and with which
// scope default.
func (r Role) Grants(permissionKey string) (ScopeDefault, bool) {
	for _, rp := range r.Permissions {
		if rp.PermissionKey == permissionKey {
			return rp.ScopeDefault, true
		}
	}
	return "", false
}

// RoleAssignment binds a user to a role at a concrete scope coordinate.
// Assignments are never hard-deleted; revocation flips IsActive.
type RoleAssignment struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	RoleKey    string     `json:"role_key"`
	Scope      Scope      `json:"scope"`
	ScopeLabel string     `json:"scope_label,omitempty"`
	AssignedBy string     `json:"assigned_by,omitempty"`
	AssignedAt time.Time  `json:"assigned_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	IsActive   bool       `json:"is_active"`
	Notes      string     `json:"notes,omitempty"`
}

// EffectiveAt reports whether the assignment contributes to decisions at
// the given instant. Expiry is evaluated lazily here, never by mutation.
func (a RoleAssignment) EffectiveAt(t time.Time) bool {
	if !a.IsActive {
		return false
	}
	if a.ExpiresAt != nil && !a.ExpiresAt.After(t) {
		return false
	}
	return true
}
