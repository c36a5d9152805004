package httpapi

import (
	"errors"
	"net/http"
	"time"

	"sitegrid.org/internal/access"
	"sitegrid.org/internal/audit"
	"sitegrid.org/internal/authn"
)

type tokenRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// handleToken exchanges credentials for a bearer token. Accounts in
// mfa_pending get a token too: they need one to finish enrollment, and
// the engine denies them everything else anyway.
func (a *API) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.tokens == nil || !a.tokens.Enabled() {
		writeError(w, r, http.StatusServiceUnavailable, "token issuance disabled")
		return
	}
	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.users.FindByEmail(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, access.ErrNotFound) {
			writeError(w, r, http.StatusUnauthorized, "invalid credentials")
			return
		}
		handleAccessError(w, r, err)
		return
	}
	if err := authn.VerifyPassword(user.PasswordHash, req.Password); err != nil {
		a.recorder.Record(r.Context(), audit.Draft{
			EventType:    audit.EventTokenIssued,
			TargetUserID: user.ID,
			Status:       audit.StatusFailed,
			IPAddress:    clientIP(r),
			UserAgent:    r.UserAgent(),
			Metadata:     map[string]any{"reason": "bad_password"},
		})
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if user.Status == access.UserStatusDisabled {
		writeError(w, r, http.StatusForbidden, "account disabled")
		return
	}
	token, expiresAt, err := a.tokens.Generate(user.ID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}
	a.recorder.Record(r.Context(), audit.Draft{
		ActorUserID:  user.ID,
		EventType:    audit.EventTokenIssued,
		TargetUserID: user.ID,
		IPAddress:    clientIP(r),
		UserAgent:    r.UserAgent(),
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
		"status":     user.Status,
	})
}
