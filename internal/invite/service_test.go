package invite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"sitegrid.org/internal/access"
	"sitegrid.org/internal/audit"
	"sitegrid.org/internal/invite"
	"sitegrid.org/internal/obs"
	"sitegrid.org/internal/store/memory"
)

type fixture struct {
	store    *memory.Store
	engine   *access.Engine
	recorder *audit.Recorder
	service  *invite.Service
	manager  access.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	recorder := audit.NewRecorder(store, obs.Logger())
	hierarchy := access.NewStaticHierarchy()
	hierarchy.Register(access.OrganizationScope("org-1"), access.GlobalScope(), "Acme")
	hierarchy.Register(access.SiteScope("site-1"), access.OrganizationScope("org-1"), "Harbor Tower")
	hierarchy.Register(access.ProjectScope("proj-1"), access.SiteScope("site-1"), "Fit-out")

	engine := access.NewEngine(store)
	catalog := access.NewCatalog(store, recorder)
	if err := catalog.SeedBuiltins(ctx); err != nil {
		t.Fatalf("seed builtins: %v", err)
	}

	manager := access.User{Email: "manager@acme.test", Status: access.UserStatusActive}
	if err := store.Users().Create(ctx, &manager); err != nil {
		t.Fatalf("create manager: %v", err)
	}
	ma := access.RoleAssignment{
		UserID:   manager.ID,
		RoleKey:  access.RoleSiteManager,
		Scope:    access.SiteScope("site-1"),
		IsActive: true,
	}
	if err := store.Assignments().Create(ctx, &ma); err != nil {
		t.Fatalf("assign manager: %v", err)
	}

	service := invite.NewService(store.Invitations(), store, engine, hierarchy, recorder, 72*time.Hour)
	return &fixture{store: store, engine: engine, recorder: recorder, service: service, manager: manager}
}

func TestIssueRequiresInvitePermissionAlongChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Site-level users.invite reaches a project under that site.
	res, err := f.service.Issue(ctx, f.manager.ID, invite.IssueRequest{
		Email:   "Worker@Acme.Test",
		RoleKey: access.RoleWorker,
		Scope:   access.ProjectScope("proj-1"),
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if res.Invitation.Email != "worker@acme.test" {
		t.Fatalf("email not normalised: %q", res.Invitation.Email)
	}
	if res.Invitation.Status != invite.StatusPending {
		t.Fatalf("status = %q, want pending", res.Invitation.Status)
	}
	if res.Token == "" || res.Invitation.TokenHash == res.Token {
		t.Fatal("token must be returned in the clear and stored only as a hash")
	}

	// No permission at an unrelated scope.
	_, err = f.service.Issue(ctx, f.manager.ID, invite.IssueRequest{
		Email:   "other@acme.test",
		RoleKey: access.RoleWorker,
		Scope:   access.OrganizationScope("org-1"),
	})
	if !errors.Is(err, access.ErrForbidden) {
		t.Fatalf("issue above managed scope: got %v, want ErrForbidden", err)
	}
}

func TestIssueRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Issue(ctx, f.manager.ID, invite.IssueRequest{
		Email:   "not-an-email",
		RoleKey: access.RoleWorker,
		Scope:   access.SiteScope("site-1"),
	})
	if !errors.Is(err, access.ErrInvalidInput) {
		t.Fatalf("bad email: got %v, want ErrInvalidInput", err)
	}

	_, err = f.service.Issue(ctx, f.manager.ID, invite.IssueRequest{
		Email:   "worker@acme.test",
		RoleKey: "no_such_role",
		Scope:   access.SiteScope("site-1"),
	})
	if !errors.Is(err, access.ErrNotFound) {
		t.Fatalf("unknown role: got %v, want ErrNotFound", err)
	}

	_, err = f.service.Issue(ctx, f.manager.ID, invite.IssueRequest{
		Email:   f.manager.Email,
		RoleKey: access.RoleWorker,
		Scope:   access.SiteScope("site-1"),
	})
	if !errors.Is(err, invite.ErrConflict) {
		t.Fatalf("existing account: got %v, want ErrConflict", err)
	}
}

func TestRedeemCreatesAccountAndAssignment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.service.Issue(ctx, f.manager.ID, invite.IssueRequest{
		Email:   "worker@acme.test",
		RoleKey: access.RoleWorker,
		Scope:   access.SiteScope("site-1"),
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	redeemed, err := f.service.Redeem(ctx, res.Token, "correct-horse-battery")
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if redeemed.MFARequired {
		t.Fatal("MFA not requested for this invitation")
	}
	user, err := f.store.Users().Find(ctx, redeemed.UserID)
	if err != nil {
		t.Fatalf("find user: %v", err)
	}
	if user.Status != access.UserStatusActive {
		t.Fatalf("status = %q, want active", user.Status)
	}
	if !f.engine.HasPermission(ctx, user.ID, access.PermTimesheetsView, access.SiteScope("site-1")) {
		t.Fatal("staged assignment not effective after redeem")
	}

	inv, err := f.store.Invitations().Find(ctx, res.Invitation.ID)
	if err != nil {
		t.Fatalf("find invitation: %v", err)
	}
	if inv.Status != invite.StatusAccepted || inv.AcceptedUserID != user.ID {
		t.Fatalf("invitation after redeem: %+v", inv)
	}
}

func TestRedeemWithMFARequiredStagesPendingAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.service.Issue(ctx, f.manager.ID, invite.IssueRequest{
		Email:       "worker@acme.test",
		RoleKey:     access.RoleWorker,
		Scope:       access.SiteScope("site-1"),
		MFARequired: true,
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	redeemed, err := f.service.Redeem(ctx, res.Token, "correct-horse-battery")
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if !redeemed.MFARequired {
		t.Fatal("MFARequired flag lost")
	}
	user, err := f.store.Users().Find(ctx, redeemed.UserID)
	if err != nil {
		t.Fatalf("find user: %v", err)
	}
	if user.Status != access.UserStatusMFAPending {
		t.Fatalf("status = %q, want mfa_pending", user.Status)
	}
	// The assignment exists but grants nothing until enrollment completes.
	if f.engine.HasPermission(ctx, user.ID, access.PermTimesheetsView, access.SiteScope("site-1")) {
		t.Fatal("mfa_pending account must be denied")
	}
}

func TestRedeemIsSingleUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.service.Issue(ctx, f.manager.ID, invite.IssueRequest{
		Email:   "worker@acme.test",
		RoleKey: access.RoleWorker,
		Scope:   access.SiteScope("site-1"),
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := f.service.Redeem(ctx, res.Token, "correct-horse-battery"); err != nil {
		t.Fatalf("first redeem: %v", err)
	}
	if _, err := f.service.Redeem(ctx, res.Token, "correct-horse-battery"); !errors.Is(err, invite.ErrInvalidToken) {
		t.Fatalf("second redeem: got %v, want ErrInvalidToken", err)
	}
}

func TestRedeemRejectsBadTokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.service.Issue(ctx, f.manager.ID, invite.IssueRequest{
		Email:   "worker@acme.test",
		RoleKey: access.RoleWorker,
		Scope:   access.SiteScope("site-1"),
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	cases := []string{
		"",
		"garbage",
		res.Invitation.ID + ".wrong-secret",
		"unknown-id.secret",
	}
	for _, token := range cases {
		if _, err := f.service.Redeem(ctx, token, "correct-horse-battery"); !errors.Is(err, invite.ErrInvalidToken) {
			t.Fatalf("token %q: got %v, want ErrInvalidToken", token, err)
		}
	}

	_, err = f.service.Redeem(ctx, res.Token, "short")
	if !errors.Is(err, access.ErrInvalidInput) {
		t.Fatalf("weak password: got %v, want ErrInvalidInput", err)
	}
}

func TestRedeemMarksOverdueExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	now := base
	f.service.WithClock(func() time.Time { return now })

	res, err := f.service.Issue(ctx, f.manager.ID, invite.IssueRequest{
		Email:   "worker@acme.test",
		RoleKey: access.RoleWorker,
		Scope:   access.SiteScope("site-1"),
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	now = base.Add(73 * time.Hour)
	if _, err := f.service.Redeem(ctx, res.Token, "correct-horse-battery"); !errors.Is(err, invite.ErrExpired) {
		t.Fatalf("overdue redeem: got %v, want ErrExpired", err)
	}
	inv, err := f.store.Invitations().Find(ctx, res.Invitation.ID)
	if err != nil {
		t.Fatalf("find invitation: %v", err)
	}
	if inv.Status != invite.StatusExpired {
		t.Fatalf("status = %q, want expired after the failed redeem", inv.Status)
	}
}

func TestCancelWithdrawsPendingInvitation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.service.Issue(ctx, f.manager.ID, invite.IssueRequest{
		Email:   "worker@acme.test",
		RoleKey: access.RoleWorker,
		Scope:   access.SiteScope("site-1"),
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := f.service.Cancel(ctx, f.manager.ID, res.Invitation.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := f.service.Redeem(ctx, res.Token, "correct-horse-battery"); !errors.Is(err, invite.ErrInvalidToken) {
		t.Fatalf("redeem after cancel: got %v, want ErrInvalidToken", err)
	}
	if err := f.service.Cancel(ctx, f.manager.ID, res.Invitation.ID); !errors.Is(err, invite.ErrConflict) {
		t.Fatalf("double cancel: got %v, want ErrConflict", err)
	}
}

func TestSweepExpiredMutatesOverdueRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	now := base
	f.service.WithClock(func() time.Time { return now })

	first, err := f.service.Issue(ctx, f.manager.ID, invite.IssueRequest{
		Email:   "one@acme.test",
		RoleKey: access.RoleWorker,
		Scope:   access.SiteScope("site-1"),
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	now = base.Add(time.Hour)
	if _, err := f.service.Issue(ctx, f.manager.ID, invite.IssueRequest{
		Email:   "two@acme.test",
		RoleKey: access.RoleWorker,
		Scope:   access.SiteScope("site-1"),
	}); err != nil {
		t.Fatalf("Issue: %v", err)
	}

	// Only the first invitation is past its 72h window.
	now = base.Add(72*time.Hour + time.Minute)
	swept, err := f.service.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept = %d, want 1", swept)
	}
	inv, err := f.store.Invitations().Find(ctx, first.Invitation.ID)
	if err != nil {
		t.Fatalf("find invitation: %v", err)
	}
	if inv.Status != invite.StatusExpired {
		t.Fatalf("status = %q, want expired", inv.Status)
	}

	// Nothing left overdue; no audit entry for an empty sweep.
	swept, err = f.service.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if swept != 0 {
		t.Fatalf("swept = %d, want 0", swept)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	id, token, hash, err := invite.NewToken()
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	gotID, secret, err := invite.SplitToken(token)
	if err != nil {
		t.Fatalf("SplitToken: %v", err)
	}
	if gotID != id {
		t.Fatalf("id = %q, want %q", gotID, id)
	}
	if invite.HashSecret(secret) != hash {
		t.Fatal("hash mismatch")
	}
	if _, _, err := invite.SplitToken("no-separator"); !errors.Is(err, invite.ErrInvalidToken) {
		t.Fatalf("malformed token: got %v, want ErrInvalidToken", err)
	}
}
