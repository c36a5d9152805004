package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"sitegrid.org/internal/access"
	"sitegrid.org/internal/ids"
	"sitegrid.org/internal/invite"
)

type invitationStore Store

func (s *invitationStore) Create(ctx context.Context, inv *invite.Invitation) error {
	if inv.ID == "" {
		inv.ID = ids.New()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into invitations
			(id, email, role_key, token_hash, scope_type, scope_id, scope_label,
			 mfa_required, status, expires_at, created_at, invited_by)
		values ($1, lower($2), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, inv.ID, inv.Email, inv.RoleKey, inv.TokenHash,
		string(inv.Scope.Type), inv.Scope.ID, nullIfEmpty(inv.ScopeLabel),
		inv.MFARequired, string(inv.Status), inv.ExpiresAt, inv.CreatedAt, inv.InvitedBy)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return fmt.Errorf("%w: role %s", invite.ErrNotFound, inv.RoleKey)
		}
		return err
	}
	return nil
}

const invitationColumns = `id, email, role_key, token_hash, scope_type, scope_id, scope_label,
	mfa_required, status, expires_at, created_at, invited_by, accepted_user_id`

func (s *invitationStore) Find(ctx context.Context, id string) (*invite.Invitation, error) {
	var (
		inv       invite.Invitation
		scopeType string
		label     sql.NullString
		status    string
		accepted  sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `select `+invitationColumns+` from invitations where id = $1`, id).Scan(
		&inv.ID, &inv.Email, &inv.RoleKey, &inv.TokenHash, &scopeType, &inv.Scope.ID, &label,
		&inv.MFARequired, &status, &inv.ExpiresAt, &inv.CreatedAt, &inv.InvitedBy, &accepted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: invitation %s", invite.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	inv.Scope.Type = access.ScopeType(scopeType)
	inv.ScopeLabel = label.String
	inv.Status = invite.Status(status)
	inv.AcceptedUserID = accepted.String
	return &inv, nil
}

func (s *invitationStore) UpdateStatus(ctx context.Context, id string, status invite.Status, acceptedUserID string) error {
	// Guarding on the current status makes the transition atomic; a
	// racing second redeem loses here.
	res, err := s.db.ExecContext(ctx, `
		update invitations
		set status = $2, accepted_user_id = $3
		where id = $1 and status = $4
	`, id, string(status), nullIfEmpty(acceptedUserID), string(invite.StatusPending))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, ferr := s.Find(ctx, id); ferr != nil {
			return ferr
		}
		return fmt.Errorf("%w: invitation %s is not pending", invite.ErrConflict, id)
	}
	return nil
}

func (s *invitationStore) ListOverdue(ctx context.Context, now time.Time) ([]invite.Invitation, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+invitationColumns+` from invitations
		where status = $1 and expires_at <= $2
		order by created_at
	`, string(invite.StatusPending), now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []invite.Invitation
	for rows.Next() {
		var (
			inv       invite.Invitation
			scopeType string
			label     sql.NullString
			status    string
			accepted  sql.NullString
		)
		if err := rows.Scan(&inv.ID, &inv.Email, &inv.RoleKey, &inv.TokenHash, &scopeType, &inv.Scope.ID, &label,
			&inv.MFARequired, &status, &inv.ExpiresAt, &inv.CreatedAt, &inv.InvitedBy, &accepted); err != nil {
			return nil, err
		}
		inv.Scope.Type = access.ScopeType(scopeType)
		inv.ScopeLabel = label.String
		inv.Status = invite.Status(status)
		inv.AcceptedUserID = accepted.String
		result = append(result, inv)
	}
	return result, rows.Err()
}
