// Smoke exercise of the authorization core against the in-memory store:
// seed builtins, grant along the hierarchy, check decisions, run an
// invitation through MFA enrollment, revoke, and read the audit trail.
package main

import (
	"context"
	"log"
	"time"

	"sitegrid.org/internal/access"
	"sitegrid.org/internal/audit"
	"sitegrid.org/internal/authn"
	"sitegrid.org/internal/ids"
	"sitegrid.org/internal/invite"
	"sitegrid.org/internal/mfa"
	"sitegrid.org/internal/obs"
	"sitegrid.org/internal/store/memory"
)

func main() {
	log.SetFlags(0)
	obs.InitLogger("warn", false)
	obs.Init()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store := memory.New()
	recorder := audit.NewRecorder(store, obs.Logger())
	hierarchy := access.NewStaticHierarchy()
	engine := access.NewEngine(store)
	catalog := access.NewCatalog(store, recorder)
	lifecycle := access.NewLifecycle(store, engine, hierarchy, recorder)
	invites := invite.NewService(store.Invitations(), store, engine, hierarchy, recorder, 7*24*time.Hour)
	enroll := mfa.NewService(store.Enrollments(), store.Users(), recorder, "sitegrid", 10, 3)

	if err := catalog.SeedBuiltins(ctx); err != nil {
		log.Fatalf("seed builtins: %v", err)
	}

	// Tenant tree: acme org owns two sites, site-1 runs a fit-out project.
	org := access.OrganizationScope("acme")
	site1 := access.SiteScope("site-1")
	site2 := access.SiteScope("site-2")
	project := access.ProjectScope("fitout-7")
	hierarchy.Register(org, access.GlobalScope(), "Acme Construction")
	hierarchy.Register(site1, org, "Harbor Tower")
	hierarchy.Register(site2, org, "Riverside Depot")
	hierarchy.Register(project, site1, "Fit-out Phase 7")

	owner := mustUser(ctx, store, "owner@acme.test")
	manager := mustUser(ctx, store, "manager@acme.test")

	ownerGrant := access.RoleAssignment{
		UserID: owner.ID, RoleKey: access.RoleOwner,
		Scope: access.GlobalScope(), IsActive: true,
	}
	if err := store.Assignments().Create(ctx, &ownerGrant); err != nil {
		log.Fatalf("bootstrap owner: %v", err)
	}

	// Owner grants site_manager at site-1.
	assignment, err := lifecycle.Grant(ctx, owner.ID, access.GrantRequest{
		UserID:  manager.ID,
		RoleKey: access.RoleSiteManager,
		Scope:   site1,
	})
	if err != nil {
		log.Fatalf("grant site_manager: %v", err)
	}

	// The manager can approve timesheets at their site and within its
	// project, but not at the sibling site.
	assert(engine.HasPermission(ctx, manager.ID, access.PermTimesheetsApprove, site1), "approve at site-1")
	assert(!engine.HasPermission(ctx, manager.ID, access.PermTimesheetsApprove, site2), "no approve at site-2")
	assert(!engine.HasPermission(ctx, manager.ID, access.PermRolesManage, access.GlobalScope()), "no role management")

	// Invitation with mandatory MFA for a worker at the project.
	issued, err := invites.Issue(ctx, manager.ID, invite.IssueRequest{
		Email:       "worker@acme.test",
		RoleKey:     access.RoleWorker,
		Scope:       project,
		MFARequired: true,
	})
	if err != nil {
		log.Fatalf("issue invitation: %v", err)
	}
	redeemed, err := invites.Redeem(ctx, issued.Token, "correct-horse-battery")
	if err != nil {
		log.Fatalf("redeem invitation: %v", err)
	}
	assert(redeemed.MFARequired, "worker must enroll")
	assert(!engine.HasPermission(ctx, redeemed.UserID, access.PermTimesheetsView, project), "blocked before enrollment")

	setup, err := enroll.BeginSetup(ctx, redeemed.UserID)
	if err != nil {
		log.Fatalf("begin mfa setup: %v", err)
	}
	code, err := mfa.TOTPCode(setup.Secret, time.Now())
	if err != nil {
		log.Fatalf("compute totp: %v", err)
	}
	if _, err := enroll.VerifyCode(ctx, redeemed.UserID, code); err != nil {
		log.Fatalf("verify totp: %v", err)
	}
	if _, err := enroll.ConfirmBackupSaved(ctx, redeemed.UserID); err != nil {
		log.Fatalf("confirm backup codes: %v", err)
	}
	assert(engine.HasPermission(ctx, redeemed.UserID, access.PermTimesheetsView, project), "active after enrollment")

	// Revoke the manager and watch access disappear.
	if err := lifecycle.Revoke(ctx, owner.ID, assignment.ID); err != nil {
		log.Fatalf("revoke: %v", err)
	}
	assert(!engine.HasPermission(ctx, manager.ID, access.PermTimesheetsApprove, site1), "revoked manager denied")

	entries, err := recorder.List(ctx, audit.Filter{})
	if err != nil {
		log.Fatalf("list audit: %v", err)
	}
	log.Printf("smoke ok: %d audit entries", len(entries))
	for _, e := range entries {
		log.Printf("  %s %s actor=%s target=%s", e.CreatedAt.Format(time.RFC3339), e.EventType, e.ActorUserID, e.TargetUserID)
	}
}

func mustUser(ctx context.Context, store *memory.Store, email string) access.User {
	hash, err := authn.HashPassword("smoke-password")
	if err != nil {
		log.Fatalf("hash password: %v", err)
	}
	u := access.User{
		ID:           ids.New(),
		Email:        email,
		PasswordHash: hash,
		Status:       access.UserStatusActive,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	if err := store.Users().Create(ctx, &u); err != nil {
		log.Fatalf("create %s: %v", email, err)
	}
	return u
}

func assert(ok bool, what string) {
	if !ok {
		log.Fatalf("smoke failed: %s", what)
	}
}
