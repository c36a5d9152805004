package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sitegrid.org/internal/mfa"
)

type enrollmentStore Store

func (s *enrollmentStore) Get(ctx context.Context, userID string) (*mfa.Enrollment, error) {
	var (
		e        mfa.Enrollment
		step     string
		codesRaw []byte
	)
	err := s.db.QueryRowContext(ctx, `
		select user_id, secret, backup_code_hashes, step, failure_count, version, updated_at
		from mfa_enrollments where user_id = $1
	`, userID).Scan(&e.UserID, &e.Secret, &codesRaw, &step, &e.FailureCount, &e.Version, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", mfa.ErrNotFound, userID)
	}
	if err != nil {
		return nil, err
	}
	e.Step = mfa.Step(step)
	if len(codesRaw) > 0 {
		if err := json.Unmarshal(codesRaw, &e.BackupCodeHashes); err != nil {
			return nil, fmt.Errorf("decode backup_code_hashes: %w", err)
		}
	}
	return &e, nil
}

// Upsert inserts or updates the enrollment, comparing the caller's version
// against the stored row. Two interleaved writers cannot both advance.
func (s *enrollmentStore) Upsert(ctx context.Context, e *mfa.Enrollment) error {
	codes, err := json.Marshal(e.BackupCodeHashes)
	if err != nil {
		return fmt.Errorf("marshal backup_code_hashes: %w", err)
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	if e.Version == 0 {
		_, err := s.db.ExecContext(ctx, `
			insert into mfa_enrollments
				(user_id, secret, backup_code_hashes, step, failure_count, version, updated_at)
			values ($1, $2, $3, $4, $5, 1, $6)
		`, e.UserID, e.Secret, codes, string(e.Step), e.FailureCount, e.UpdatedAt)
		if err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
				return fmt.Errorf("%w: user %s", mfa.ErrConflict, e.UserID)
			}
			return err
		}
		e.Version = 1
		return nil
	}

	res, err := s.db.ExecContext(ctx, `
		update mfa_enrollments
		set secret = $2, backup_code_hashes = $3, step = $4, failure_count = $5,
		    version = version + 1, updated_at = $6
		where user_id = $1 and version = $7
	`, e.UserID, e.Secret, codes, string(e.Step), e.FailureCount, e.UpdatedAt, e.Version)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: user %s", mfa.ErrConflict, e.UserID)
	}
	e.Version++
	return nil
}

func (s *enrollmentStore) Delete(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx, `delete from mfa_enrollments where user_id = $1`, userID)
	if err != nil {
		return err
	}
	return requireRow(res, fmt.Errorf("%w: user %s", mfa.ErrNotFound, userID))
}
