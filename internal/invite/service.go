package invite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sitegrid.org/internal/access"
	"sitegrid.org/internal/audit"
	"sitegrid.org/internal/authn"
	"sitegrid.org/internal/ids"
)

// Service owns the invitation lifecycle. Issuing requires users.invite at
// the invitation's scope or any scope containing it; redeeming is
// unauthenticated and creates the account plus its staged assignment.
type Service struct {
	store     Store
	access    access.Store
	engine    *access.Engine
	hierarchy access.HierarchyResolver
	recorder  *audit.Recorder
	ttl       time.Duration
	now       func() time.Time
}

func NewService(store Store, accessStore access.Store, engine *access.Engine, hierarchy access.HierarchyResolver, recorder *audit.Recorder, ttl time.Duration) *Service {
	return &Service{
		store:     store,
		access:    accessStore,
		engine:    engine,
		hierarchy: hierarchy,
		recorder:  recorder,
		ttl:       ttl,
		now:       time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(fn func() time.Time) *Service {
	s.now = fn
	return s
}

// IssueRequest carries the parameters of a new invitation.
type IssueRequest struct {
	Email       string
	RoleKey     string
	Scope       access.Scope
	MFARequired bool
}

// IssueResult pairs the stored invitation with the one-time token. The
// token is returned exactly once and is not recoverable afterwards.
type IssueResult struct {
	Invitation Invitation `json:"invitation"`
	Token      string     `json:"token"`
}

// Issue creates a pending invitation staging a role assignment at the
// given scope.
func (s *Service) Issue(ctx context.Context, actorID string, req IssueRequest) (IssueResult, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		return IssueResult{}, fmt.Errorf("%w: email", access.ErrInvalidInput)
	}
	if err := s.authorizeIssue(ctx, actorID, req.Scope); err != nil {
		return IssueResult{}, err
	}
	role, err := s.access.Roles().Find(ctx, req.RoleKey)
	if err != nil {
		return IssueResult{}, err
	}
	if existing, err := s.access.Users().FindByEmail(ctx, email); err == nil && existing != nil {
		return IssueResult{}, fmt.Errorf("%w: user already exists", ErrConflict)
	} else if err != nil && !errors.Is(err, access.ErrNotFound) {
		return IssueResult{}, err
	}
	label, err := s.hierarchy.Label(ctx, req.Scope)
	if err != nil {
		return IssueResult{}, err
	}

	id, token, hash, err := NewToken()
	if err != nil {
		return IssueResult{}, err
	}
	now := s.now().UTC()
	inv := Invitation{
		ID:          id,
		Email:       email,
		RoleKey:     role.Key,
		TokenHash:   hash,
		Scope:       req.Scope,
		ScopeLabel:  label,
		MFARequired: req.MFARequired,
		Status:      StatusPending,
		ExpiresAt:   now.Add(s.ttl),
		CreatedAt:   now,
		InvitedBy:   actorID,
	}
	if err := s.store.Create(ctx, &inv); err != nil {
		return IssueResult{}, err
	}
	s.recorder.Record(ctx, audit.Draft{
		ActorUserID:    actorID,
		EventType:      audit.EventInvitationCreated,
		TargetResource: "invitation:" + inv.ID,
		NewValues: map[string]any{
			"email":        inv.Email,
			"role_key":     inv.RoleKey,
			"scope":        inv.Scope.String(),
			"mfa_required": inv.MFARequired,
			"expires_at":   inv.ExpiresAt.Format(time.RFC3339),
		},
		Status: audit.StatusSuccess,
	})
	return IssueResult{Invitation: inv, Token: token}, nil
}

func (s *Service) authorizeIssue(ctx context.Context, actorID string, target access.Scope) error {
	chain, err := access.AncestorChain(ctx, s.hierarchy, target)
	if err != nil {
		return err
	}
	for _, scope := range chain {
		if s.engine.HasPermission(ctx, actorID, access.PermUsersInvite, scope) {
			return nil
		}
	}
	return access.ErrForbidden
}

// RedeemResult is what a fresh account gets back from accepting an
// invitation.
type RedeemResult struct {
	UserID           string `json:"user_id"`
	RoleAssignmentID string `json:"role_assignment_id"`
	MFARequired      bool   `json:"mfa_required"`
}

// Redeem exchanges a token for a live account and its staged role
// assignment. Tokens are single-use: any non-pending invitation rejects
// with ErrInvalidToken, and a pending row past its expiry is marked
// expired on the spot.
func (s *Service) Redeem(ctx context.Context, token, password string) (RedeemResult, error) {
	id, secret, err := SplitToken(token)
	if err != nil {
		return RedeemResult{}, err
	}
	inv, err := s.store.Find(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return RedeemResult{}, ErrInvalidToken
		}
		return RedeemResult{}, err
	}
	if !secureCompareHash(inv.TokenHash, secret) {
		return RedeemResult{}, ErrInvalidToken
	}
	if inv.Status != StatusPending {
		return RedeemResult{}, ErrInvalidToken
	}
	now := s.now().UTC()
	if !inv.ExpiresAt.After(now) {
		if err := s.store.UpdateStatus(ctx, inv.ID, StatusExpired, ""); err != nil && !errors.Is(err, ErrConflict) {
			return RedeemResult{}, err
		}
		return RedeemResult{}, ErrExpired
	}
	if len(password) < 8 {
		return RedeemResult{}, fmt.Errorf("%w: password must be at least 8 characters", access.ErrInvalidInput)
	}
	hash, err := authn.HashPassword(password)
	if err != nil {
		return RedeemResult{}, err
	}

	status := access.UserStatusActive
	if inv.MFARequired {
		status = access.UserStatusMFAPending
	}
	user := access.User{
		ID:           ids.New(),
		Email:        inv.Email,
		PasswordHash: hash,
		Status:       status,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.access.Users().Create(ctx, &user); err != nil {
		return RedeemResult{}, err
	}
	// Closing the invitation before activating the assignment keeps a
	// racing second redeem from minting two accounts.
	if err := s.store.UpdateStatus(ctx, inv.ID, StatusAccepted, user.ID); err != nil {
		return RedeemResult{}, err
	}
	assignment := access.RoleAssignment{
		ID:         ids.New(),
		UserID:     user.ID,
		RoleKey:    inv.RoleKey,
		Scope:      inv.Scope,
		ScopeLabel: inv.ScopeLabel,
		AssignedBy: inv.InvitedBy,
		AssignedAt: now,
		IsActive:   true,
		Notes:      "invitation " + inv.ID,
	}
	if err := s.access.Assignments().Create(ctx, &assignment); err != nil {
		return RedeemResult{}, err
	}
	s.recorder.Record(ctx, audit.Draft{
		ActorUserID:    user.ID,
		EventType:      audit.EventInvitationAccepted,
		TargetUserID:   user.ID,
		TargetResource: "invitation:" + inv.ID,
		NewValues: map[string]any{
			"role_key":     inv.RoleKey,
			"scope":        inv.Scope.String(),
			"user_status":  status,
			"mfa_required": inv.MFARequired,
		},
		Status: audit.StatusSuccess,
	})
	return RedeemResult{
		UserID:           user.ID,
		RoleAssignmentID: assignment.ID,
		MFARequired:      inv.MFARequired,
	}, nil
}

// Cancel withdraws a pending invitation.
func (s *Service) Cancel(ctx context.Context, actorID, id string) error {
	inv, err := s.store.Find(ctx, id)
	if err != nil {
		return err
	}
	if err := s.authorizeIssue(ctx, actorID, inv.Scope); err != nil {
		return err
	}
	if err := s.store.UpdateStatus(ctx, id, StatusCancelled, ""); err != nil {
		return err
	}
	s.recorder.Record(ctx, audit.Draft{
		ActorUserID:    actorID,
		EventType:      audit.EventInvitationCancelled,
		TargetResource: "invitation:" + id,
		OldValues:      map[string]any{"status": string(StatusPending)},
		NewValues:      map[string]any{"status": string(StatusCancelled)},
		Status:         audit.StatusSuccess,
	})
	return nil
}

// SweepExpired marks overdue pending invitations expired. Unlike the
// assignment sweep this one mutates rows: a stale invitation token must
// stop working even if nobody ever tries it again.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	now := s.now().UTC()
	overdue, err := s.store.ListOverdue(ctx, now)
	if err != nil {
		return 0, err
	}
	var swept int
	for _, inv := range overdue {
		if err := s.store.UpdateStatus(ctx, inv.ID, StatusExpired, ""); err != nil {
			if errors.Is(err, ErrConflict) {
				continue // redeemed or cancelled mid-sweep
			}
			return swept, err
		}
		swept++
	}
	if swept > 0 {
		s.recorder.Record(ctx, audit.Draft{
			EventType: audit.EventInvitationSweep,
			Status:    audit.StatusSuccess,
			Metadata: map[string]any{
				"expired_count": swept,
				"swept_at":      now.Format(time.RFC3339),
			},
		})
	}
	return swept, nil
}
