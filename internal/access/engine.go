package access

import (
	"context"
	"errors"
	"time"
)

// Engine is the single source of truth for authorization decisions. It is
// read-only against the store and never writes audit entries itself; it is
// safe for unlimited concurrent callers.
type Engine struct {
	store Store
	now   func() time.Time
}

// NewEngine constructs an Engine over the given store.
func NewEngine(store Store) *Engine {
	return &Engine{store: store, now: time.Now}
}

// WithClock overrides the time source, for tests.
func (e *Engine) WithClock(fn func() time.Time) *Engine {
	if fn != nil {
		e.now = fn
	}
	return e
}

// Snapshot is the consistent read the decision is evaluated against.
// Loading it once per decision keeps concurrent grants and revokes from
// ever yielding a half-applied view.
type Snapshot struct {
	User        *User
	Assignments []RoleAssignment
	Roles       map[string]Role
}

// Load fetches the decision inputs for a user. An unknown user yields an
// empty snapshot, which denies everything.
func (e *Engine) Load(ctx context.Context, userID string) (Snapshot, error) {
	user, err := e.store.Users().Find(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Snapshot{}, nil
		}
		return Snapshot{}, err
	}
	assignments, err := e.store.Assignments().ListByUser(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	roles := make(map[string]Role)
	for _, a := range assignments {
		if _, ok := roles[a.RoleKey]; ok {
			continue
		}
		role, err := e.store.Roles().Find(ctx, a.RoleKey)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue // stale assignment to a retired role grants nothing
			}
			return Snapshot{}, err
		}
		roles[a.RoleKey] = *role
	}
	return Snapshot{User: user, Assignments: assignments, Roles: roles}, nil
}

// Decide is the pure decision function: a short-circuiting OR over the
// snapshot's effective assignments. The model is additive-only, there is no
// deny precedence; broadest breadth wins by check order (global assignment,
// then role-level global scope default, then exact scope match). Unknown
// permission keys and unknown users deny rather than error.
func Decide(snap Snapshot, permissionKey string, scope Scope, now time.Time) bool {
	if snap.User == nil || snap.User.Status != UserStatusActive {
		return false
	}
	for _, a := range snap.Assignments {
		if !a.EffectiveAt(now) {
			continue
		}
		role, ok := snap.Roles[a.RoleKey]
		if !ok {
			continue
		}
		scopeDefault, granted := role.Grants(permissionKey)
		if !granted {
			continue
		}
		if a.Scope.IsGlobal() {
			return true
		}
		if scopeDefault == ScopeDefaultGlobal {
			return true
		}
		if a.Scope == scope {
			return true
		}
	}
	return false
}

// HasPermission reports whether the user may perform the action at the
// scope. False covers every failure mode: absence of a capability is not
// exceptional.
func (e *Engine) HasPermission(ctx context.Context, userID, permissionKey string, scope Scope) bool {
	snap, err := e.Load(ctx, userID)
	if err != nil {
		return false
	}
	return Decide(snap, permissionKey, scope, e.now())
}

// Authorize returns ErrForbidden when the decision denies; for handlers
// that surface a blocked action.
func (e *Engine) Authorize(ctx context.Context, userID, permissionKey string, scope Scope) error {
	if !e.HasPermission(ctx, userID, permissionKey, scope) {
		return ErrForbidden
	}
	return nil
}

// GrantedScopes returns the distinct scopes at which the user holds the
// permission. Storage layers that need row filtering for defense-in-depth
// derive their predicates from this instead of re-implementing the rule.
// An IsGlobal scope in the result means unbounded access.
func (e *Engine) GrantedScopes(ctx context.Context, userID, permissionKey string) ([]Scope, error) {
	snap, err := e.Load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if snap.User == nil || snap.User.Status != UserStatusActive {
		return nil, nil
	}
	now := e.now()
	seen := make(map[Scope]struct{})
	var scopes []Scope
	for _, a := range snap.Assignments {
		if !a.EffectiveAt(now) {
			continue
		}
		role, ok := snap.Roles[a.RoleKey]
		if !ok {
			continue
		}
		scopeDefault, granted := role.Grants(permissionKey)
		if !granted {
			continue
		}
		scope := a.Scope
		if scopeDefault == ScopeDefaultGlobal {
			scope = GlobalScope()
		}
		if _, dup := seen[scope]; dup {
			continue
		}
		seen[scope] = struct{}{}
		scopes = append(scopes, scope)
	}
	return scopes, nil
}
