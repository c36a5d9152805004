package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"sitegrid.org/internal/access"
	"sitegrid.org/internal/audit"
	"sitegrid.org/internal/authn"
	"sitegrid.org/internal/invite"
	"sitegrid.org/internal/mfa"
	"sitegrid.org/internal/obs"
	"sitegrid.org/internal/store/memory"
)

type testEnv struct {
	store   *memory.Store
	handler http.Handler
	tokens  *authn.TokenService

	owner   access.User
	manager access.User
}

const testPassword = "handler-test-password"

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	recorder := audit.NewRecorder(store, obs.Logger())
	hierarchy := access.NewStaticHierarchy()
	hierarchy.Register(access.OrganizationScope("org-1"), access.GlobalScope(), "Acme")
	hierarchy.Register(access.SiteScope("site-1"), access.OrganizationScope("org-1"), "Harbor Tower")
	hierarchy.Register(access.SiteScope("site-2"), access.OrganizationScope("org-1"), "Riverside Depot")

	engine := access.NewEngine(store)
	catalog := access.NewCatalog(store, recorder)
	lifecycle := access.NewLifecycle(store, engine, hierarchy, recorder)
	if err := catalog.SeedBuiltins(ctx); err != nil {
		t.Fatalf("seed builtins: %v", err)
	}

	hash, err := authn.HashPassword(testPassword)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	owner := access.User{Email: "owner@acme.test", PasswordHash: hash, Status: access.UserStatusActive}
	if err := store.Users().Create(ctx, &owner); err != nil {
		t.Fatalf("create owner: %v", err)
	}
	oa := access.RoleAssignment{UserID: owner.ID, RoleKey: access.RoleOwner, Scope: access.GlobalScope(), IsActive: true}
	if err := store.Assignments().Create(ctx, &oa); err != nil {
		t.Fatalf("assign owner: %v", err)
	}

	manager := access.User{Email: "manager@acme.test", PasswordHash: hash, Status: access.UserStatusActive}
	if err := store.Users().Create(ctx, &manager); err != nil {
		t.Fatalf("create manager: %v", err)
	}
	ma := access.RoleAssignment{UserID: manager.ID, RoleKey: access.RoleSiteManager, Scope: access.SiteScope("site-1"), IsActive: true}
	if err := store.Assignments().Create(ctx, &ma); err != nil {
		t.Fatalf("assign manager: %v", err)
	}

	tokens := authn.NewTokenService("handler-test-secret", time.Hour)
	invites := invite.NewService(store.Invitations(), store, engine, hierarchy, recorder, 72*time.Hour)
	mfaSvc := mfa.NewService(store.Enrollments(), store.Users(), recorder, "sitegrid", 8, 3)

	api := New(ReadyProbe{}, "test", Deps{
		Catalog:   catalog,
		Engine:    engine,
		Lifecycle: lifecycle,
		Users:     store.Users(),
		Recorder:  recorder,
		Invites:   invites,
		MFA:       mfaSvc,
		Tokens:    tokens,
	})
	return &testEnv{
		store:   store,
		handler: RequestID(api.Handler()),
		tokens:  tokens,
		owner:   owner,
		manager: manager,
	}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "10.0.0.1:1234"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) tokenFor(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := e.tokens.Generate(userID)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return token
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
}

func TestTokenFlow(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/v1/auth/token", "", map[string]string{
		"email":    "owner@acme.test",
		"password": testPassword,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("token = %d: %s", rr.Code, rr.Body.String())
	}
	var res struct {
		Token  string `json:"token"`
		Status string `json:"status"`
	}
	decodeBody(t, rr, &res)
	if res.Token == "" || res.Status != access.UserStatusActive {
		t.Fatalf("unexpected token response %+v", res)
	}

	// The token works against a protected endpoint.
	rr = env.do(t, http.MethodGet, "/v1/permissions", res.Token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("permissions with fresh token = %d", rr.Code)
	}
}

func TestTokenRejectsBadCredentials(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/v1/auth/token", "", map[string]string{
		"email":    "owner@acme.test",
		"password": "wrong",
	})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad password = %d", rr.Code)
	}
	rr = env.do(t, http.MethodPost, "/v1/auth/token", "", map[string]string{
		"email":    "ghost@acme.test",
		"password": testPassword,
	})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("unknown email = %d", rr.Code)
	}
}

func TestProtectedEndpointsRequireToken(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/v1/permissions", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d", rr.Code)
	}
	rr = env.do(t, http.MethodGet, "/v1/permissions", "not-a-jwt", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token = %d", rr.Code)
	}
	// Health stays public.
	rr = env.do(t, http.MethodGet, "/healthz", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rr.Code)
	}
}

func TestPermissionCheckEndpoint(t *testing.T) {
	env := newTestEnv(t)
	token := env.tokenFor(t, env.manager.ID)

	path := fmt.Sprintf("/v1/users/%s/permissions/check?permission=timesheets.approve&scope_type=site&scope_id=site-1", env.manager.ID)
	rr := env.do(t, http.MethodGet, path, token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("check = %d: %s", rr.Code, rr.Body.String())
	}
	var res struct {
		Allowed bool   `json:"allowed"`
		Scope   string `json:"scope"`
	}
	decodeBody(t, rr, &res)
	if !res.Allowed {
		t.Fatal("manager must hold timesheets.approve at site-1")
	}

	path = fmt.Sprintf("/v1/users/%s/permissions/check?permission=timesheets.approve&scope_type=site&scope_id=site-2", env.manager.ID)
	rr = env.do(t, http.MethodGet, path, token, nil)
	decodeBody(t, rr, &res)
	if res.Allowed {
		t.Fatal("sibling site must be denied")
	}

	// Asking about someone else needs users.view at global; the site
	// manager's users.view is bound to their site.
	path = fmt.Sprintf("/v1/users/%s/permissions/check?permission=timesheets.view&scope_type=global", env.owner.ID)
	rr = env.do(t, http.MethodGet, path, token, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("cross-user check by manager = %d: %s", rr.Code, rr.Body.String())
	}
	rr = env.do(t, http.MethodGet, path, env.tokenFor(t, env.owner.ID), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("self check by owner = %d: %s", rr.Code, rr.Body.String())
	}
}

func TestGrantRevokeOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ownerToken := env.tokenFor(t, env.owner.ID)
	managerToken := env.tokenFor(t, env.manager.ID)

	worker := access.User{Email: "worker@acme.test", Status: access.UserStatusActive}
	if err := env.store.Users().Create(ctx, &worker); err != nil {
		t.Fatalf("create worker: %v", err)
	}

	grant := map[string]string{
		"role_key":   access.RoleWorker,
		"scope_type": "site",
		"scope_id":   "site-1",
	}
	path := fmt.Sprintf("/v1/users/%s/assignments", worker.ID)

	// The manager has no roles.assign; the grant is refused and audited.
	rr := env.do(t, http.MethodPost, path, managerToken, grant)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("grant by manager = %d: %s", rr.Code, rr.Body.String())
	}
	denied, err := env.store.List(ctx, audit.Filter{EventType: audit.EventAccessDenied})
	if err != nil {
		t.Fatalf("audit list: %v", err)
	}
	if len(denied) != 1 {
		t.Fatalf("access_denied entries = %d, want 1", len(denied))
	}

	rr = env.do(t, http.MethodPost, path, ownerToken, grant)
	if rr.Code != http.StatusCreated {
		t.Fatalf("grant by owner = %d: %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("Location") == "" {
		t.Fatal("expected Location header")
	}
	var created access.RoleAssignment
	decodeBody(t, rr, &created)

	// Duplicate active grant conflicts.
	rr = env.do(t, http.MethodPost, path, ownerToken, grant)
	if rr.Code != http.StatusConflict {
		t.Fatalf("duplicate grant = %d", rr.Code)
	}

	rr = env.do(t, http.MethodDelete, "/v1/assignments/"+created.ID, ownerToken, nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("revoke = %d: %s", rr.Code, rr.Body.String())
	}
}

func TestRoleRegistryOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	ownerToken := env.tokenFor(t, env.owner.ID)
	managerToken := env.tokenFor(t, env.manager.ID)

	body := map[string]any{
		"key":  "inspector",
		"name": "Inspector",
		"permissions": []map[string]string{
			{"key": "timesheets.view", "scope_default": "own"},
		},
	}

	rr := env.do(t, http.MethodPost, "/v1/roles", managerToken, body)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("register by manager = %d", rr.Code)
	}

	rr = env.do(t, http.MethodPost, "/v1/roles", ownerToken, body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("register by owner = %d: %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodGet, "/v1/roles/inspector", ownerToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get role = %d", rr.Code)
	}

	// Unknown permission keys are rejected up front.
	bad := map[string]any{
		"key":  "broken",
		"name": "Broken",
		"permissions": []map[string]string{
			{"key": "nothing.real", "scope_default": "own"},
		},
	}
	rr = env.do(t, http.MethodPost, "/v1/roles", ownerToken, bad)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown permission = %d", rr.Code)
	}

	// Built-in roles cannot be deleted.
	rr = env.do(t, http.MethodDelete, "/v1/roles/owner", ownerToken, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("delete builtin = %d", rr.Code)
	}
	rr = env.do(t, http.MethodDelete, "/v1/roles/inspector", ownerToken, nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete custom = %d", rr.Code)
	}
}

func TestInvitationAndMFAFlowOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	managerToken := env.tokenFor(t, env.manager.ID)

	rr := env.do(t, http.MethodPost, "/v1/invitations", managerToken, map[string]any{
		"email":        "newhire@acme.test",
		"role_key":     access.RoleWorker,
		"scope_type":   "site",
		"scope_id":     "site-1",
		"mfa_required": true,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("issue = %d: %s", rr.Code, rr.Body.String())
	}
	var issued struct {
		Token string `json:"token"`
	}
	decodeBody(t, rr, &issued)
	if issued.Token == "" {
		t.Fatal("expected one-time token")
	}

	// Redeem is public.
	rr = env.do(t, http.MethodPost, "/v1/invitations/redeem", "", map[string]string{
		"token":    issued.Token,
		"password": "newhire-password",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("redeem = %d: %s", rr.Code, rr.Body.String())
	}
	var redeemed struct {
		UserID      string `json:"user_id"`
		MFARequired bool   `json:"mfa_required"`
	}
	decodeBody(t, rr, &redeemed)
	if !redeemed.MFARequired {
		t.Fatal("mfa_required lost in redeem response")
	}

	// A second redeem of the same token fails.
	rr = env.do(t, http.MethodPost, "/v1/invitations/redeem", "", map[string]string{
		"token":    issued.Token,
		"password": "newhire-password",
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("second redeem = %d", rr.Code)
	}

	// Enrollment over the API with the new account's token.
	hireToken := env.tokenFor(t, redeemed.UserID)
	rr = env.do(t, http.MethodPost, "/v1/mfa/setup", hireToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("mfa setup = %d: %s", rr.Code, rr.Body.String())
	}
	var setup struct {
		Secret string `json:"secret"`
	}
	decodeBody(t, rr, &setup)

	code, err := mfa.TOTPCode(setup.Secret, time.Now())
	if err != nil {
		t.Fatalf("TOTPCode: %v", err)
	}
	rr = env.do(t, http.MethodPost, "/v1/mfa/verify", hireToken, map[string]string{"code": code})
	if rr.Code != http.StatusOK {
		t.Fatalf("mfa verify = %d: %s", rr.Code, rr.Body.String())
	}
	rr = env.do(t, http.MethodPost, "/v1/mfa/backup-confirm", hireToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("backup confirm = %d: %s", rr.Code, rr.Body.String())
	}

	user, err := env.store.Users().Find(context.Background(), redeemed.UserID)
	if err != nil {
		t.Fatalf("find user: %v", err)
	}
	if user.Status != access.UserStatusActive {
		t.Fatalf("status after enrollment = %q, want active", user.Status)
	}
}

func TestAuditEndpoints(t *testing.T) {
	env := newTestEnv(t)
	ownerToken := env.tokenFor(t, env.owner.ID)
	managerToken := env.tokenFor(t, env.manager.ID)

	// Generate some trail.
	env.do(t, http.MethodPost, "/v1/auth/token", "", map[string]string{
		"email":    "owner@acme.test",
		"password": testPassword,
	})

	rr := env.do(t, http.MethodGet, "/v1/audit", managerToken, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("audit by manager = %d", rr.Code)
	}

	rr = env.do(t, http.MethodGet, "/v1/audit?event_type=token_issued", ownerToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("audit = %d: %s", rr.Code, rr.Body.String())
	}
	var res struct {
		Entries []audit.Entry `json:"entries"`
	}
	decodeBody(t, rr, &res)
	if len(res.Entries) == 0 {
		t.Fatal("expected token_issued entries")
	}

	rr = env.do(t, http.MethodGet, "/v1/audit/export", ownerToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("export = %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/csv; charset=utf-8" {
		t.Fatalf("export content type = %q", ct)
	}
	if rr.Header().Get("Content-Disposition") == "" {
		t.Fatal("expected attachment disposition")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	token := env.tokenFor(t, env.owner.ID)

	rr := env.do(t, http.MethodPut, "/v1/permissions", token, nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("PUT permissions = %d", rr.Code)
	}
	if rr.Header().Get("Allow") == "" {
		t.Fatal("expected Allow header")
	}
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t)

	// Unauthenticated requests never learn which routes exist.
	rr := env.do(t, http.MethodGet, "/v1/unknown", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("unknown route without token = %d", rr.Code)
	}
	rr = env.do(t, http.MethodGet, "/v1/unknown", env.tokenFor(t, env.owner.ID), nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown route with token = %d", rr.Code)
	}
}
