package httpapi

import (
	"net/http"
	"strings"

	"sitegrid.org/internal/access"
	"sitegrid.org/internal/invite"
)

type issueInvitationRequest struct {
	Email       string `json:"email"`
	RoleKey     string `json:"role_key"`
	ScopeType   string `json:"scope_type"`
	ScopeID     string `json:"scope_id"`
	MFARequired bool   `json:"mfa_required"`
}

type redeemInvitationRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

func (a *API) handleInvitations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actorID, ok := a.currentUserID(w, r)
	if !ok {
		return
	}
	var req issueInvitationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	scope, err := access.ParseScope(req.ScopeType, req.ScopeID)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	res, err := a.invites.Issue(r.Context(), actorID, invite.IssueRequest{
		Email:       req.Email,
		RoleKey:     req.RoleKey,
		Scope:       scope,
		MFARequired: req.MFARequired,
	})
	if err != nil {
		a.recordDenied(r, actorID, access.PermUsersInvite, scope, err)
		handleAccessError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (a *API) handleInvitationRedeem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req redeemInvitationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.invites.Redeem(r.Context(), req.Token, req.Password)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (a *API) handleInvitationResource(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/invitations/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	actorID, ok := a.currentUserID(w, r)
	if !ok {
		return
	}
	if err := a.invites.Cancel(r.Context(), actorID, id); err != nil {
		handleAccessError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
