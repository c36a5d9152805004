package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"sitegrid.org/internal/access"
	"sitegrid.org/internal/audit"
	"sitegrid.org/internal/obs"
)

type registerRoleRequest struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Color       string `json:"color"`
	Permissions []struct {
		Key          string `json:"key"`
		ScopeDefault string `json:"scope_default"`
	} `json:"permissions"`
}

type grantRequest struct {
	RoleKey   string `json:"role_key"`
	ScopeType string `json:"scope_type"`
	ScopeID   string `json:"scope_id"`
	ExpiresAt string `json:"expires_at"`
	Notes     string `json:"notes"`
}

type extendRequest struct {
	ExpiresAt string `json:"expires_at"`
}

func (a *API) handlePermissions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := a.currentUserID(w, r); !ok {
		return
	}
	perms, err := a.catalog.ListPermissions(r.Context())
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (a *API) handleRoles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if _, ok := a.currentUserID(w, r); !ok {
			return
		}
		roles, err := a.catalog.ListRoles(r.Context())
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
	case http.MethodPost:
		actorID, ok := a.currentUserID(w, r)
		if !ok {
			return
		}
		if err := a.engine.Authorize(r.Context(), actorID, access.PermRolesManage, access.GlobalScope()); err != nil {
			handleAccessError(w, r, err)
			return
		}
		var req registerRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role := access.Role{
			Key:         req.Key,
			Name:        req.Name,
			Description: req.Description,
			Color:       req.Color,
		}
		for _, p := range req.Permissions {
			role.Permissions = append(role.Permissions, access.RolePermission{
				PermissionKey: p.Key,
				ScopeDefault:  access.ScopeDefault(p.ScopeDefault),
			})
		}
		created, err := a.catalog.RegisterRole(r.Context(), actorID, role)
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		w.Header().Set("Location", fmt.Sprintf("/v1/roles/%s", created.Key))
		writeJSON(w, http.StatusCreated, created)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleRoleResource(w http.ResponseWriter, r *http.Request) {
	key := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/roles/"), "/")
	if key == "" || strings.Contains(key, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		if _, ok := a.currentUserID(w, r); !ok {
			return
		}
		role, err := a.catalog.GetRole(r.Context(), key)
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, role)
	case http.MethodDelete:
		actorID, ok := a.currentUserID(w, r)
		if !ok {
			return
		}
		if err := a.engine.Authorize(r.Context(), actorID, access.PermRolesManage, access.GlobalScope()); err != nil {
			handleAccessError(w, r, err)
			return
		}
		if err := a.catalog.DeleteRole(r.Context(), actorID, key); err != nil {
			handleAccessError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
	}
}

func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/users/"), "/")
	parts := strings.Split(path, "/")
	if path == "" || len(parts) < 2 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	userID := parts[0]
	switch {
	case len(parts) == 2 && parts[1] == "assignments":
		a.handleUserAssignments(w, r, userID)
	case len(parts) == 3 && parts[1] == "permissions" && parts[2] == "check":
		a.handlePermissionCheck(w, r, userID)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleUserAssignments(w http.ResponseWriter, r *http.Request, userID string) {
	switch r.Method {
	case http.MethodGet:
		actorID, ok := a.currentUserID(w, r)
		if !ok {
			return
		}
		if actorID != userID {
			if err := a.engine.Authorize(r.Context(), actorID, access.PermUsersView, access.GlobalScope()); err != nil {
				handleAccessError(w, r, err)
				return
			}
		}
		assignments, err := a.lifecycle.ListForUser(r.Context(), userID)
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"assignments": assignments})
	case http.MethodPost:
		actorID, ok := a.currentUserID(w, r)
		if !ok {
			return
		}
		var req grantRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		scope, err := access.ParseScope(req.ScopeType, req.ScopeID)
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		expiresAt, err := parseOptionalTime(req.ExpiresAt)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		assignment, err := a.lifecycle.Grant(r.Context(), actorID, access.GrantRequest{
			UserID:    userID,
			RoleKey:   req.RoleKey,
			Scope:     scope,
			ExpiresAt: expiresAt,
			Notes:     req.Notes,
		})
		if err != nil {
			a.recordDenied(r, actorID, access.PermRolesAssign, scope, err)
			handleAccessError(w, r, err)
			return
		}
		w.Header().Set("Location", fmt.Sprintf("/v1/assignments/%s", assignment.ID))
		writeJSON(w, http.StatusCreated, assignment)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

// handlePermissionCheck is the decision endpoint. A user may always ask
// about themselves; asking about someone else needs users.view.
func (a *API) handlePermissionCheck(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	actorID, ok := a.currentUserID(w, r)
	if !ok {
		return
	}
	if actorID != userID {
		if err := a.engine.Authorize(r.Context(), actorID, access.PermUsersView, access.GlobalScope()); err != nil {
			handleAccessError(w, r, err)
			return
		}
	}
	q := r.URL.Query()
	permission := strings.TrimSpace(q.Get("permission"))
	if permission == "" {
		writeError(w, r, http.StatusBadRequest, "permission is required")
		return
	}
	scope, err := access.ParseScope(q.Get("scope_type"), q.Get("scope_id"))
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	allowed := a.engine.HasPermission(r.Context(), userID, permission, scope)
	obs.ObserveDecision(allowed)
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":    userID,
		"permission": permission,
		"scope":      scope.String(),
		"allowed":    allowed,
	})
}

func (a *API) handleAssignmentResource(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/assignments/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	actorID, ok := a.currentUserID(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodDelete:
		if err := a.lifecycle.Revoke(r.Context(), actorID, id); err != nil {
			handleAccessError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodPatch:
		var req extendRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		expiresAt, err := parseOptionalTime(req.ExpiresAt)
		if err != nil || expiresAt == nil {
			writeError(w, r, http.StatusBadRequest, "expires_at must be an RFC 3339 timestamp")
			return
		}
		assignment, err := a.lifecycle.Extend(r.Context(), actorID, id, *expiresAt)
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, assignment)
	default:
		methodNotAllowed(w, r, http.MethodDelete, http.MethodPatch)
	}
}

// recordDenied writes an access_denied entry for blocked management
// attempts. Plain false decisions are not audited; refused mutations are.
func (a *API) recordDenied(r *http.Request, actorID, permission string, scope access.Scope, err error) {
	if !errors.Is(err, access.ErrForbidden) {
		return
	}
	a.recorder.Record(r.Context(), audit.Draft{
		ActorUserID: actorID,
		EventType:   audit.EventAccessDenied,
		Status:      audit.StatusFailed,
		IPAddress:   clientIP(r),
		UserAgent:   r.UserAgent(),
		Metadata: map[string]any{
			"permission": permission,
			"scope":      scope.String(),
			"path":       r.URL.Path,
		},
	})
}

func parseOptionalTime(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, errors.New("expires_at must be an RFC 3339 timestamp")
	}
	t = t.UTC()
	return &t, nil
}
