// Package invite drives new identities into the platform: time-boxed
// single-use invitation tokens that stage a role assignment and, when the
// invited role requires it, gate the account behind MFA enrollment.
package invite

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"sitegrid.org/internal/access"
	"sitegrid.org/internal/ids"
)

// Invitation statuses. accepted, expired and cancelled are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

var (
	ErrInvalidToken = errors.New("invite: invalid token")
	ErrExpired      = errors.New("invite: expired")
	ErrNotFound     = errors.New("invite: not found")
	ErrConflict     = errors.New("invite: conflict")
)

// Invitation stages a role assignment for an identity that does not exist
// yet. The token is handed out once; only its hash is at rest.
type Invitation struct {
	ID             string       `json:"id"`
	Email          string       `json:"email"`
	RoleKey        string       `json:"role_key"`
	TokenHash      string       `json:"-"`
	Scope          access.Scope `json:"scope"`
	ScopeLabel     string       `json:"scope_label,omitempty"`
	MFARequired    bool         `json:"mfa_required"`
	Status         Status       `json:"status"`
	ExpiresAt      time.Time    `json:"expires_at"`
	CreatedAt      time.Time    `json:"created_at"`
	InvitedBy      string       `json:"invited_by"`
	AcceptedUserID string       `json:"accepted_user_id,omitempty"`
}

// Store persists invitations.
type Store interface {
	Create(ctx context.Context, inv *Invitation) error
	Find(ctx context.Context, id string) (*Invitation, error)
	// UpdateStatus flips a pending invitation into a terminal state. It
	// must fail with ErrConflict when the row is no longer pending, so a
	// token can only ever be redeemed once.
	UpdateStatus(ctx context.Context, id string, status Status, acceptedUserID string) error
	// ListOverdue returns pending invitations whose expiry has passed.
	ListOverdue(ctx context.Context, now time.Time) ([]Invitation, error)
}

// EncodeToken joins an invitation id with its secret into the opaque token
// handed to the invitee.
func EncodeToken(id, secret string) string { return id + "." + secret }

// SplitToken reverses EncodeToken.
func SplitToken(raw string) (id, secret string, err error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", ErrInvalidToken
	}
	return parts[0], parts[1], nil
}

// HashSecret returns the at-rest form of a token secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func secureCompareHash(expectedHash, secret string) bool {
	actual := HashSecret(secret)
	if len(expectedHash) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expectedHash), []byte(actual)) == 1
}

// NewToken mints a fresh invitation id and token pair.
func NewToken() (id, token string, hash string, err error) {
	secret, err := ids.NewSecret(32)
	if err != nil {
		return "", "", "", fmt.Errorf("generate invitation secret: %w", err)
	}
	id = ids.New()
	return id, EncodeToken(id, secret), HashSecret(secret), nil
}
