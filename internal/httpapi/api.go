// Package httpapi is the HTTP surface of the authorization core.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sitegrid.org/api/spec"
	"sitegrid.org/internal/access"
	"sitegrid.org/internal/audit"
	"sitegrid.org/internal/authn"
	"sitegrid.org/internal/invite"
	"sitegrid.org/internal/mfa"
	"sitegrid.org/internal/obs"
)

// ReadyProbe reports readiness (DB ping when one is configured).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Deps carries the services the API exposes.
type Deps struct {
	Catalog   *access.Catalog
	Engine    *access.Engine
	Lifecycle *access.Lifecycle
	Users     access.UserStore
	Recorder  *audit.Recorder
	Invites   *invite.Service
	MFA       *mfa.Service
	Tokens    *authn.TokenService
}

// API wires handlers onto a ServeMux.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	catalog   *access.Catalog
	engine    *access.Engine
	lifecycle *access.Lifecycle
	users     access.UserStore
	recorder  *audit.Recorder
	invites   *invite.Service
	mfa       *mfa.Service
	tokens    *authn.TokenService
}

func New(rp ReadyProbe, version string, deps Deps) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		catalog:    deps.Catalog,
		engine:     deps.Engine,
		lifecycle:  deps.Lifecycle,
		users:      deps.Users,
		recorder:   deps.Recorder,
		invites:    deps.Invites,
		mfa:        deps.MFA,
		tokens:     deps.Tokens,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// OpenAPI YAML
	a.mux.HandleFunc("/openapi.yaml", a.OpenAPISpec)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// authn
	a.mux.HandleFunc("/v1/auth/token", a.handleToken)

	// catalog and registry
	a.mux.HandleFunc("/v1/permissions", a.handlePermissions)
	a.mux.HandleFunc("/v1/roles", a.handleRoles)
	a.mux.HandleFunc("/v1/roles/", a.handleRoleResource)

	// assignments and decisions
	a.mux.HandleFunc("/v1/users/", a.handleUserResource)
	a.mux.HandleFunc("/v1/assignments/", a.handleAssignmentResource)

	// audit trail
	a.mux.HandleFunc("/v1/audit", a.handleAuditList)
	a.mux.HandleFunc("/v1/audit/export", a.handleAuditExport)
	a.mux.HandleFunc("/v1/audit/stream", a.handleAuditStream)

	// invitations and MFA enrollment
	a.mux.HandleFunc("/v1/invitations", a.handleInvitations)
	a.mux.HandleFunc("/v1/invitations/redeem", a.handleInvitationRedeem)
	a.mux.HandleFunc("/v1/invitations/", a.handleInvitationResource)
	a.mux.HandleFunc("/v1/mfa/setup", a.handleMFASetup)
	a.mux.HandleFunc("/v1/mfa/verify", a.handleMFAVerify)
	a.mux.HandleFunc("/v1/mfa/backup-confirm", a.handleMFABackupConfirm)
	a.mux.HandleFunc("/v1/mfa/backup-consume", a.handleMFABackupConsume)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler wraps the mux with authn and metrics instrumentation.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.withAuth(a.mux))
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "sitegrid-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "sitegrid-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

func (a *API) OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml; charset=utf-8")
	_, _ = w.Write(spec.OpenAPI)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return val, nil
}

func handleAccessError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, access.ErrForbidden):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, access.ErrProtectedRole):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, access.ErrDuplicateAssignment), errors.Is(err, access.ErrDuplicateKey):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, access.ErrUnknownPermission), errors.Is(err, access.ErrInvalidExpiry), errors.Is(err, access.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, access.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, invite.ErrInvalidToken):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, invite.ErrExpired):
		writeError(w, r, http.StatusGone, err.Error())
	case errors.Is(err, invite.ErrNotFound), errors.Is(err, mfa.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, invite.ErrConflict), errors.Is(err, mfa.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, mfa.ErrWrongStep):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, mfa.ErrCodeMismatch):
		writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
