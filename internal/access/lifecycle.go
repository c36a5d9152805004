package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sitegrid.org/internal/audit"
)

// Lifecycle manages role assignments: grant, revoke, extend, sweep. Every
// mutation is authorized against the acting user and recorded in the audit
// trail.
type Lifecycle struct {
	store     Store
	engine    *Engine
	hierarchy HierarchyResolver
	recorder  *audit.Recorder
	now       func() time.Time
}

// NewLifecycle constructs the assignment lifecycle manager.
func NewLifecycle(store Store, engine *Engine, hierarchy HierarchyResolver, recorder *audit.Recorder) *Lifecycle {
	return &Lifecycle{
		store:     store,
		engine:    engine,
		hierarchy: hierarchy,
		recorder:  recorder,
		now:       time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (l *Lifecycle) WithClock(fn func() time.Time) *Lifecycle {
	if fn != nil {
		l.now = fn
	}
	return l
}

// authorizeManagement ensures the actor holds roles.assign at the target
// scope or at any scope containing it. Management at an organization
// authorizes grants within its sites and projects, never at siblings.
func (l *Lifecycle) authorizeManagement(ctx context.Context, actorID string, target Scope) error {
	chain, err := AncestorChain(ctx, l.hierarchy, target)
	if err != nil {
		return err
	}
	for _, scope := range chain {
		if l.engine.HasPermission(ctx, actorID, PermRolesAssign, scope) {
			return nil
		}
	}
	return ErrForbidden
}

// GrantRequest carries the parameters of a grant.
type GrantRequest struct {
	UserID    string
	RoleKey   string
	Scope     Scope
	ExpiresAt *time.Time
	Notes     string
}

// Grant binds the user to the role at the scope. An inactive assignment at
// the identical coordinate is reactivated instead of duplicated; an active
// one fails with ErrDuplicateAssignment. The store's uniqueness constraint
// resolves concurrent grants to exactly one active row.
func (l *Lifecycle) Grant(ctx context.Context, actorID string, req GrantRequest) (RoleAssignment, error) {
	if req.UserID == "" || req.RoleKey == "" {
		return RoleAssignment{}, fmt.Errorf("%w: user and role are required", ErrInvalidInput)
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(l.now()) {
		return RoleAssignment{}, fmt.Errorf("%w: expiry must be in the future", ErrInvalidExpiry)
	}
	if err := l.authorizeManagement(ctx, actorID, req.Scope); err != nil {
		return RoleAssignment{}, err
	}
	if _, err := l.store.Roles().Find(ctx, req.RoleKey); err != nil {
		return RoleAssignment{}, err
	}
	if _, err := l.store.Users().Find(ctx, req.UserID); err != nil {
		return RoleAssignment{}, err
	}

	if existing, err := l.store.Assignments().FindByCoordinate(ctx, req.UserID, req.RoleKey, req.Scope); err == nil {
		if existing.IsActive {
			return RoleAssignment{}, ErrDuplicateAssignment
		}
		// Revoked rows remain for audit reconstruction; granting the same
		// coordinate again reactivates rather than duplicating.
		if err := l.store.Assignments().SetActive(ctx, existing.ID, true); err != nil {
			return RoleAssignment{}, err
		}
		if err := l.store.Assignments().UpdateExpiry(ctx, existing.ID, req.ExpiresAt); err != nil {
			return RoleAssignment{}, err
		}
		reactivated := *existing
		reactivated.IsActive = true
		reactivated.ExpiresAt = req.ExpiresAt
		l.recordAssignment(ctx, actorID, reactivated, map[string]any{"reactivated": true})
		return reactivated, nil
	} else if !errors.Is(err, ErrNotFound) {
		return RoleAssignment{}, err
	}

	label, err := l.hierarchy.Label(ctx, req.Scope)
	if err != nil {
		label = req.Scope.String()
	}
	assignment := RoleAssignment{
		UserID:     req.UserID,
		RoleKey:    req.RoleKey,
		Scope:      req.Scope,
		ScopeLabel: label,
		AssignedBy: actorID,
		AssignedAt: l.now().UTC(),
		ExpiresAt:  req.ExpiresAt,
		IsActive:   true,
		Notes:      req.Notes,
	}
	if err := l.store.Assignments().Create(ctx, &assignment); err != nil {
		return RoleAssignment{}, err
	}
	l.recordAssignment(ctx, actorID, assignment, nil)
	return assignment, nil
}

func (l *Lifecycle) recordAssignment(ctx context.Context, actorID string, a RoleAssignment, metadata map[string]any) {
	newValues := map[string]any{
		"role":  a.RoleKey,
		"scope": a.Scope.String(),
	}
	if a.ExpiresAt != nil {
		newValues["expires_at"] = a.ExpiresAt.UTC().Format(time.RFC3339)
	}
	l.recorder.Record(ctx, audit.Draft{
		ActorUserID:    actorID,
		EventType:      audit.EventRoleAssigned,
		TargetUserID:   a.UserID,
		TargetResource: "assignment:" + a.ID,
		NewValues:      newValues,
		Metadata:       metadata,
	})
}

// Revoke deactivates an assignment. The row stays behind for audit
// reconstruction.
func (l *Lifecycle) Revoke(ctx context.Context, actorID, assignmentID string) error {
	assignment, err := l.store.Assignments().Find(ctx, assignmentID)
	if err != nil {
		return err
	}
	if err := l.authorizeManagement(ctx, actorID, assignment.Scope); err != nil {
		return err
	}
	if err := l.store.Assignments().SetActive(ctx, assignmentID, false); err != nil {
		return err
	}
	l.recorder.Record(ctx, audit.Draft{
		ActorUserID:    actorID,
		EventType:      audit.EventRoleRemoved,
		TargetUserID:   assignment.UserID,
		TargetResource: "assignment:" + assignment.ID,
		OldValues: map[string]any{
			"role":  assignment.RoleKey,
			"scope": assignment.Scope.String(),
		},
	})
	return nil
}

// Extend moves an assignment's expiry. The new instant must be in the
// future; shortening below now is a revocation, not an extension.
func (l *Lifecycle) Extend(ctx context.Context, actorID, assignmentID string, newExpiresAt time.Time) (RoleAssignment, error) {
	if !newExpiresAt.After(l.now()) {
		return RoleAssignment{}, fmt.Errorf("%w: %s is not in the future", ErrInvalidExpiry, newExpiresAt.Format(time.RFC3339))
	}
	assignment, err := l.store.Assignments().Find(ctx, assignmentID)
	if err != nil {
		return RoleAssignment{}, err
	}
	if err := l.authorizeManagement(ctx, actorID, assignment.Scope); err != nil {
		return RoleAssignment{}, err
	}

	oldExpiry := "never"
	if assignment.ExpiresAt != nil {
		oldExpiry = assignment.ExpiresAt.UTC().Format(time.RFC3339)
	}
	expiry := newExpiresAt.UTC()
	if err := l.store.Assignments().UpdateExpiry(ctx, assignmentID, &expiry); err != nil {
		return RoleAssignment{}, err
	}
	assignment.ExpiresAt = &expiry

	l.recorder.Record(ctx, audit.Draft{
		ActorUserID:    actorID,
		EventType:      audit.EventRoleUpdated,
		TargetUserID:   assignment.UserID,
		TargetResource: "assignment:" + assignment.ID,
		OldValues:      map[string]any{"expires_at": oldExpiry},
		NewValues:      map[string]any{"expires_at": expiry.Format(time.RFC3339)},
	})
	return *assignment, nil
}

// ListForUser returns every assignment of a user, active or not.
func (l *Lifecycle) ListForUser(ctx context.Context, userID string) ([]RoleAssignment, error) {
	return l.store.Assignments().ListByUser(ctx, userID)
}

// SweepExpired is the periodic maintenance pass. Expiry is evaluated
// lazily by the engine, so the sweep mutates nothing; it only records how
// many active rows are past expiry, for observability.
func (l *Lifecycle) SweepExpired(ctx context.Context) (int, error) {
	count, err := l.store.Assignments().CountExpired(ctx, l.now())
	if err != nil {
		return 0, err
	}
	l.recorder.Record(ctx, audit.Draft{
		EventType: audit.EventAssignmentSweep,
		Metadata:  map[string]any{"expired_active_assignments": count},
	})
	return count, nil
}
