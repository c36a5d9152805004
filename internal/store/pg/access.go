package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"sitegrid.org/internal/access"
	"sitegrid.org/internal/ids"
)

type userStore Store

func (s *userStore) Create(ctx context.Context, u *access.User) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		insert into users (id, email, password_hash, status, totp_enabled, backup_codes_remaining, created_at, updated_at)
		values ($1, lower($2), $3, $4, $5, $6, $7, $8)
	`, u.ID, u.Email, u.PasswordHash, u.Status, u.TOTPEnabled, u.BackupCodesRemaining, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return fmt.Errorf("%w: email %s", access.ErrDuplicateKey, u.Email)
		}
		return err
	}
	return nil
}

func (s *userStore) Find(ctx context.Context, id string) (*access.User, error) {
	return s.scanOne(ctx, `
		select id, email, password_hash, status, totp_enabled, backup_codes_remaining, created_at, updated_at
		from users where id = $1
	`, id)
}

func (s *userStore) FindByEmail(ctx context.Context, email string) (*access.User, error) {
	return s.scanOne(ctx, `
		select id, email, password_hash, status, totp_enabled, backup_codes_remaining, created_at, updated_at
		from users where email = lower($1)
	`, email)
}

func (s *userStore) scanOne(ctx context.Context, query, arg string) (*access.User, error) {
	var u access.User
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.Status,
		&u.TOTPEnabled, &u.BackupCodesRemaining, &u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", access.ErrNotFound, arg)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *userStore) UpdateStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `
		update users set status = $2, updated_at = now() where id = $1
	`, id, status)
	if err != nil {
		return err
	}
	return requireRow(res, fmt.Errorf("%w: user %s", access.ErrNotFound, id))
}

func (s *userStore) SetMFAState(ctx context.Context, id string, totpEnabled bool, backupCodesRemaining int) error {
	res, err := s.db.ExecContext(ctx, `
		update users set totp_enabled = $2, backup_codes_remaining = $3, updated_at = now() where id = $1
	`, id, totpEnabled, backupCodesRemaining)
	if err != nil {
		return err
	}
	return requireRow(res, fmt.Errorf("%w: user %s", access.ErrNotFound, id))
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

type permissionStore Store

func (s *permissionStore) Create(ctx context.Context, p *access.Permission) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into permissions (key, module, action, name, dangerous, created_at)
		values ($1, $2, $3, $4, $5, $6)
	`, p.Key, p.Module, p.Action, p.Name, p.Dangerous, p.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return fmt.Errorf("%w: permission %s", access.ErrDuplicateKey, p.Key)
		}
		return err
	}
	return nil
}

func (s *permissionStore) Ensure(ctx context.Context, perms []access.Permission) error {
	for _, p := range perms {
		_, err := s.db.ExecContext(ctx, `
			insert into permissions (key, module, action, name, dangerous, created_at)
			values ($1, $2, $3, $4, $5, now())
			on conflict (key) do nothing
		`, p.Key, p.Module, p.Action, p.Name, p.Dangerous)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *permissionStore) Find(ctx context.Context, key string) (*access.Permission, error) {
	var p access.Permission
	err := s.db.QueryRowContext(ctx, `
		select key, module, action, name, dangerous, created_at
		from permissions where key = $1
	`, key).Scan(&p.Key, &p.Module, &p.Action, &p.Name, &p.Dangerous, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: permission %s", access.ErrNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *permissionStore) List(ctx context.Context) ([]access.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select key, module, action, name, dangerous, created_at
		from permissions order by key
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []access.Permission
	for rows.Next() {
		var p access.Permission
		if err := rows.Scan(&p.Key, &p.Module, &p.Action, &p.Name, &p.Dangerous, &p.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

type roleStore Store

func (s *roleStore) Create(ctx context.Context, role *access.Role) error {
	now := time.Now().UTC()
	if role.CreatedAt.IsZero() {
		role.CreatedAt = now
	}
	role.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		insert into roles (key, name, description, is_system, color, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, role.Key, role.Name, nullIfEmpty(role.Description), role.IsSystem, nullIfEmpty(role.Color), role.CreatedAt, role.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return fmt.Errorf("%w: role %s", access.ErrDuplicateKey, role.Key)
		}
		return err
	}
	for _, rp := range role.Permissions {
		_, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_key, permission_key, scope_default)
			values ($1, $2, $3)
		`, role.Key, rp.PermissionKey, string(rp.ScopeDefault))
		if err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
				return fmt.Errorf("%w: %s", access.ErrUnknownPermission, rp.PermissionKey)
			}
			return err
		}
	}
	return tx.Commit()
}

func (s *roleStore) Find(ctx context.Context, key string) (*access.Role, error) {
	var (
		role access.Role
		desc sql.NullString
		col  sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		select key, name, description, is_system, color, created_at, updated_at
		from roles where key = $1
	`, key).Scan(&role.Key, &role.Name, &desc, &role.IsSystem, &col, &role.CreatedAt, &role.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: role %s", access.ErrNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	role.Description = desc.String
	role.Color = col.String
	role.Permissions, err = s.loadPermissions(ctx, key)
	if err != nil {
		return nil, err
	}
	return &role, nil
}

func (s *roleStore) loadPermissions(ctx context.Context, roleKey string) ([]access.RolePermission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select permission_key, scope_default
		from role_permissions where role_key = $1 order by permission_key
	`, roleKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []access.RolePermission
	for rows.Next() {
		var rp access.RolePermission
		if err := rows.Scan(&rp.PermissionKey, &rp.ScopeDefault); err != nil {
			return nil, err
		}
		result = append(result, rp)
	}
	return result, rows.Err()
}

func (s *roleStore) List(ctx context.Context) ([]access.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		select key, name, description, is_system, color, created_at, updated_at
		from roles order by key
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []access.Role
	for rows.Next() {
		var (
			role access.Role
			desc sql.NullString
			col  sql.NullString
		)
		if err := rows.Scan(&role.Key, &role.Name, &desc, &role.IsSystem, &col, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		role.Description = desc.String
		role.Color = col.String
		result = append(result, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range result {
		result[i].Permissions, err = s.loadPermissions(ctx, result[i].Key)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (s *roleStore) Delete(ctx context.Context, key string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_key = $1`, key); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `delete from roles where key = $1`, key)
	if err != nil {
		return err
	}
	if err := requireRow(res, fmt.Errorf("%w: role %s", access.ErrNotFound, key)); err != nil {
		return err
	}
	return tx.Commit()
}

type assignmentStore Store

const assignmentColumns = `id, user_id, role_key, scope_type, scope_id, scope_label, assigned_by, assigned_at, expires_at, is_active, notes`

func (s *assignmentStore) Create(ctx context.Context, a *access.RoleAssignment) error {
	if a.ID == "" {
		a.ID = ids.New()
	}
	if a.AssignedAt.IsZero() {
		a.AssignedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into role_assignments (`+assignmentColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, a.ID, a.UserID, a.RoleKey, string(a.Scope.Type), a.Scope.ID, nullIfEmpty(a.ScopeLabel),
		nullIfEmpty(a.AssignedBy), a.AssignedAt, nullIfZero(a.ExpiresAt), a.IsActive, nullIfEmpty(a.Notes))
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				// Partial unique index over active rows; the losing side of a
				// concurrent grant lands here.
				return access.ErrDuplicateAssignment
			case pgErrForeignKeyViolation:
				return fmt.Errorf("%w: user or role", access.ErrNotFound)
			}
		}
		return err
	}
	return nil
}

func scanAssignment(scan func(dest ...any) error) (access.RoleAssignment, error) {
	var (
		a          access.RoleAssignment
		scopeType  string
		label      sql.NullString
		assignedBy sql.NullString
		expires    sql.NullTime
		notes      sql.NullString
	)
	err := scan(&a.ID, &a.UserID, &a.RoleKey, &scopeType, &a.Scope.ID, &label,
		&assignedBy, &a.AssignedAt, &expires, &a.IsActive, &notes)
	if err != nil {
		return access.RoleAssignment{}, err
	}
	a.Scope.Type = access.ScopeType(scopeType)
	a.ScopeLabel = label.String
	a.AssignedBy = assignedBy.String
	a.Notes = notes.String
	if expires.Valid {
		t := expires.Time
		a.ExpiresAt = &t
	}
	return a, nil
}

func (s *assignmentStore) Find(ctx context.Context, id string) (*access.RoleAssignment, error) {
	row := s.db.QueryRowContext(ctx, `select `+assignmentColumns+` from role_assignments where id = $1`, id)
	a, err := scanAssignment(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: assignment %s", access.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *assignmentStore) FindByCoordinate(ctx context.Context, userID, roleKey string, scope access.Scope) (*access.RoleAssignment, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+assignmentColumns+` from role_assignments
		where user_id = $1 and role_key = $2 and scope_type = $3 and scope_id = $4
		order by is_active desc, assigned_at desc
		limit 1
	`, userID, roleKey, string(scope.Type), scope.ID)
	a, err := scanAssignment(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: assignment for %s/%s@%s", access.ErrNotFound, userID, roleKey, scope)
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *assignmentStore) ListByUser(ctx context.Context, userID string) ([]access.RoleAssignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+assignmentColumns+` from role_assignments
		where user_id = $1 order by assigned_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []access.RoleAssignment
	for rows.Next() {
		a, err := scanAssignment(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (s *assignmentStore) SetActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `update role_assignments set is_active = $2 where id = $1`, id, active)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return access.ErrDuplicateAssignment
		}
		return err
	}
	return requireRow(res, fmt.Errorf("%w: assignment %s", access.ErrNotFound, id))
}

func (s *assignmentStore) UpdateExpiry(ctx context.Context, id string, expiresAt *time.Time) error {
	res, err := s.db.ExecContext(ctx, `update role_assignments set expires_at = $2 where id = $1`, id, nullIfZero(expiresAt))
	if err != nil {
		return err
	}
	return requireRow(res, fmt.Errorf("%w: assignment %s", access.ErrNotFound, id))
}

func (s *assignmentStore) CountExpired(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from role_assignments
		where is_active and expires_at is not null and expires_at <= $1
	`, now.UTC()).Scan(&n)
	return n, err
}
