// Package memory is a mutex-guarded in-memory implementation of every
// store contract. It backs tests, the smoke binary, and DSN-less local
// runs; semantics mirror the Postgres implementation, including the
// active-assignment uniqueness rule.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"sitegrid.org/internal/access"
	"sitegrid.org/internal/audit"
	"sitegrid.org/internal/ids"
	"sitegrid.org/internal/invite"
	"sitegrid.org/internal/mfa"
)

// Store holds everything behind one mutex. Contention is irrelevant at
// test and smoke scale, and a single lock keeps the uniqueness checks
// race-free.
type Store struct {
	mu          sync.Mutex
	users       map[string]access.User
	perms       map[string]access.Permission
	roles       map[string]access.Role
	assignments map[string]access.RoleAssignment
	audit       []audit.Entry
	invitations map[string]invite.Invitation
	enrollments map[string]mfa.Enrollment
}

func New() *Store {
	return &Store{
		users:       make(map[string]access.User),
		perms:       make(map[string]access.Permission),
		roles:       make(map[string]access.Role),
		assignments: make(map[string]access.RoleAssignment),
		invitations: make(map[string]invite.Invitation),
		enrollments: make(map[string]mfa.Enrollment),
	}
}

func (s *Store) Users() access.UserStore             { return (*userStore)(s) }
func (s *Store) Permissions() access.PermissionStore { return (*permissionStore)(s) }
func (s *Store) Roles() access.RoleStore             { return (*roleStore)(s) }
func (s *Store) Assignments() access.AssignmentStore { return (*assignmentStore)(s) }

type userStore Store

func (s *userStore) Create(_ context.Context, u *access.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == "" {
		u.ID = ids.New()
	}
	for _, existing := range s.users {
		if strings.EqualFold(existing.Email, u.Email) {
			return fmt.Errorf("%w: email %s", access.ErrDuplicateKey, u.Email)
		}
	}
	s.users[u.ID] = *u
	return nil
}

func (s *userStore) Find(_ context.Context, id string) (*access.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", access.ErrNotFound, id)
	}
	return &u, nil
}

func (s *userStore) FindByEmail(_ context.Context, email string) (*access.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			out := u
			return &out, nil
		}
	}
	return nil, fmt.Errorf("%w: email %s", access.ErrNotFound, email)
}

func (s *userStore) UpdateStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return fmt.Errorf("%w: user %s", access.ErrNotFound, id)
	}
	u.Status = status
	u.UpdatedAt = time.Now().UTC()
	s.users[id] = u
	return nil
}

func (s *userStore) SetMFAState(_ context.Context, id string, totpEnabled bool, backupCodesRemaining int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return fmt.Errorf("%w: user %s", access.ErrNotFound, id)
	}
	u.TOTPEnabled = totpEnabled
	u.BackupCodesRemaining = backupCodesRemaining
	u.UpdatedAt = time.Now().UTC()
	s.users[id] = u
	return nil
}

type permissionStore Store

func (s *permissionStore) Create(_ context.Context, p *access.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.perms[p.Key]; ok {
		return fmt.Errorf("%w: permission %s", access.ErrDuplicateKey, p.Key)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	s.perms[p.Key] = *p
	return nil
}

func (s *permissionStore) Ensure(_ context.Context, perms []access.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range perms {
		if _, ok := s.perms[p.Key]; ok {
			continue
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = time.Now().UTC()
		}
		s.perms[p.Key] = p
	}
	return nil
}

func (s *permissionStore) Find(_ context.Context, key string) (*access.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.perms[key]
	if !ok {
		return nil, fmt.Errorf("%w: permission %s", access.ErrNotFound, key)
	}
	return &p, nil
}

func (s *permissionStore) List(_ context.Context) ([]access.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]access.Permission, 0, len(s.perms))
	for _, p := range s.perms {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

type roleStore Store

func (s *roleStore) Create(_ context.Context, role *access.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[role.Key]; ok {
		return fmt.Errorf("%w: role %s", access.ErrDuplicateKey, role.Key)
	}
	now := time.Now().UTC()
	if role.CreatedAt.IsZero() {
		role.CreatedAt = now
	}
	role.UpdatedAt = now
	s.roles[role.Key] = *role
	return nil
}

func (s *roleStore) Find(_ context.Context, key string) (*access.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.roles[key]
	if !ok {
		return nil, fmt.Errorf("%w: role %s", access.ErrNotFound, key)
	}
	return &role, nil
}

func (s *roleStore) List(_ context.Context) ([]access.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]access.Role, 0, len(s.roles))
	for _, role := range s.roles {
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *roleStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[key]; !ok {
		return fmt.Errorf("%w: role %s", access.ErrNotFound, key)
	}
	delete(s.roles, key)
	return nil
}

type assignmentStore Store

func (s *assignmentStore) Create(_ context.Context, a *access.RoleAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.IsActive {
		for _, existing := range s.assignments {
			if existing.IsActive &&
				existing.UserID == a.UserID &&
				existing.RoleKey == a.RoleKey &&
				existing.Scope == a.Scope {
				return access.ErrDuplicateAssignment
			}
		}
	}
	if a.ID == "" {
		a.ID = ids.New()
	}
	if a.AssignedAt.IsZero() {
		a.AssignedAt = time.Now().UTC()
	}
	s.assignments[a.ID] = *a
	return nil
}

func (s *assignmentStore) Find(_ context.Context, id string) (*access.RoleAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[id]
	if !ok {
		return nil, fmt.Errorf("%w: assignment %s", access.ErrNotFound, id)
	}
	return &a, nil
}

func (s *assignmentStore) FindByCoordinate(_ context.Context, userID, roleKey string, scope access.Scope) (*access.RoleAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var inactive *access.RoleAssignment
	for _, a := range s.assignments {
		if a.UserID != userID || a.RoleKey != roleKey || a.Scope != scope {
			continue
		}
		out := a
		if a.IsActive {
			return &out, nil
		}
		inactive = &out
	}
	if inactive != nil {
		return inactive, nil
	}
	return nil, fmt.Errorf("%w: assignment for %s/%s@%s", access.ErrNotFound, userID, roleKey, scope)
}

func (s *assignmentStore) ListByUser(_ context.Context, userID string) ([]access.RoleAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []access.RoleAssignment
	for _, a := range s.assignments {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssignedAt.Before(out[j].AssignedAt) })
	return out, nil
}

func (s *assignmentStore) SetActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[id]
	if !ok {
		return fmt.Errorf("%w: assignment %s", access.ErrNotFound, id)
	}
	a.IsActive = active
	s.assignments[id] = a
	return nil
}

func (s *assignmentStore) UpdateExpiry(_ context.Context, id string, expiresAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[id]
	if !ok {
		return fmt.Errorf("%w: assignment %s", access.ErrNotFound, id)
	}
	a.ExpiresAt = expiresAt
	s.assignments[id] = a
	return nil
}

func (s *assignmentStore) CountExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, a := range s.assignments {
		if a.IsActive && a.ExpiresAt != nil && !a.ExpiresAt.After(now) {
			n++
		}
	}
	return n, nil
}

// Append implements audit.Store.
func (s *Store) Append(_ context.Context, entry *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, *entry)
	return nil
}

// List implements audit.Store, newest-first.
func (s *Store) List(_ context.Context, f audit.Filter) ([]audit.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audit.Entry, 0, len(s.audit))
	for i := len(s.audit) - 1; i >= 0; i-- {
		e := s.audit[i]
		if !f.Matches(e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// Invitations returns the invite store view.
func (s *Store) Invitations() invite.Store { return (*invitationStore)(s) }

type invitationStore Store

func (s *invitationStore) Create(_ context.Context, inv *invite.Invitation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inv.ID == "" {
		inv.ID = ids.New()
	}
	s.invitations[inv.ID] = *inv
	return nil
}

func (s *invitationStore) Find(_ context.Context, id string) (*invite.Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invitations[id]
	if !ok {
		return nil, fmt.Errorf("%w: invitation %s", invite.ErrNotFound, id)
	}
	return &inv, nil
}

func (s *invitationStore) UpdateStatus(_ context.Context, id string, status invite.Status, acceptedUserID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invitations[id]
	if !ok {
		return fmt.Errorf("%w: invitation %s", invite.ErrNotFound, id)
	}
	if inv.Status != invite.StatusPending {
		return fmt.Errorf("%w: invitation %s is %s", invite.ErrConflict, id, inv.Status)
	}
	inv.Status = status
	inv.AcceptedUserID = acceptedUserID
	s.invitations[id] = inv
	return nil
}

func (s *invitationStore) ListOverdue(_ context.Context, now time.Time) ([]invite.Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []invite.Invitation
	for _, inv := range s.invitations {
		if inv.Status == invite.StatusPending && !inv.ExpiresAt.After(now) {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Enrollments returns the mfa store view.
func (s *Store) Enrollments() mfa.Store { return (*enrollmentStore)(s) }

type enrollmentStore Store

func (s *enrollmentStore) Get(_ context.Context, userID string) (*mfa.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrollments[userID]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", mfa.ErrNotFound, userID)
	}
	out := e
	out.BackupCodeHashes = append([]string(nil), e.BackupCodeHashes...)
	return &out, nil
}

func (s *enrollmentStore) Upsert(_ context.Context, e *mfa.Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.enrollments[e.UserID]; ok && current.Version != e.Version {
		return fmt.Errorf("%w: user %s", mfa.ErrConflict, e.UserID)
	}
	e.Version++
	stored := *e
	stored.BackupCodeHashes = append([]string(nil), e.BackupCodeHashes...)
	s.enrollments[e.UserID] = stored
	return nil
}

func (s *enrollmentStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.enrollments[userID]; !ok {
		return fmt.Errorf("%w: user %s", mfa.ErrNotFound, userID)
	}
	delete(s.enrollments, userID)
	return nil
}
