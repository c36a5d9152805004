package pg

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"sitegrid.org/internal/audit"
)

// Append implements audit.Store.
func (s *Store) Append(ctx context.Context, entry *audit.Entry) error {
	oldJSON, err := marshalValues(entry.OldValues)
	if err != nil {
		return fmt.Errorf("marshal old_values: %w", err)
	}
	newJSON, err := marshalValues(entry.NewValues)
	if err != nil {
		return fmt.Errorf("marshal new_values: %w", err)
	}
	metaJSON, err := marshalValues(entry.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into audit_entries
			(id, actor_user_id, event_type, target_user_id, target_resource,
			 old_values, new_values, status, ip_address, user_agent, metadata, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, entry.ID, nullIfEmpty(entry.ActorUserID), entry.EventType,
		nullIfEmpty(entry.TargetUserID), nullIfEmpty(entry.TargetResource),
		oldJSON, newJSON, string(entry.Status),
		nullIfEmpty(entry.IPAddress), nullIfEmpty(entry.UserAgent), metaJSON, entry.CreatedAt)
	return err
}

func marshalValues(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// List implements audit.Store, newest-first.
func (s *Store) List(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, strings.Replace(clause, "?", "$"+strconv.Itoa(len(args)), 1))
	}
	if f.ActorUserID != "" {
		add("actor_user_id = ?", f.ActorUserID)
	}
	if f.EventType != "" {
		add("event_type = ?", f.EventType)
	}
	if f.Status != "" {
		add("status = ?", string(f.Status))
	}
	if f.TargetUserID != "" {
		add("target_user_id = ?", f.TargetUserID)
	}
	if !f.DateFrom.IsZero() {
		add("created_at >= ?", f.DateFrom.UTC())
	}
	if !f.DateTo.IsZero() {
		add("created_at <= ?", f.DateTo.UTC())
	}

	query := `
		select id, actor_user_id, event_type, target_user_id, target_resource,
		       old_values, new_values, status, ip_address, user_agent, metadata, created_at
		from audit_entries`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	query += " order by created_at desc, id desc"
	limit := f.Limit
	if limit <= 0 {
		limit = audit.DefaultLimit
	}
	args = append(args, limit)
	query += " limit $" + strconv.Itoa(len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []audit.Entry
	for rows.Next() {
		var (
			e                     audit.Entry
			actor, target, res    stringOrNull
			ip, ua                stringOrNull
			oldRaw, newRaw, metaR []byte
			status                string
		)
		if err := rows.Scan(&e.ID, &actor, &e.EventType, &target, &res,
			&oldRaw, &newRaw, &status, &ip, &ua, &metaR, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ActorUserID = actor.value
		e.TargetUserID = target.value
		e.TargetResource = res.value
		e.IPAddress = ip.value
		e.UserAgent = ua.value
		e.Status = audit.Status(status)
		if err := unmarshalValues(oldRaw, &e.OldValues); err != nil {
			return nil, err
		}
		if err := unmarshalValues(newRaw, &e.NewValues); err != nil {
			return nil, err
		}
		if err := unmarshalValues(metaR, &e.Metadata); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func unmarshalValues(raw []byte, dst *map[string]any) error {
	if len(raw) == 0 {
		return nil
	}
	m := map[string]any{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	if len(m) > 0 {
		*dst = m
	}
	return nil
}

// stringOrNull scans a nullable text column into a plain string.
type stringOrNull struct{ value string }

func (s *stringOrNull) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		s.value = ""
	case string:
		s.value = v
	case []byte:
		s.value = string(v)
	default:
		return fmt.Errorf("unsupported scan type %T", src)
	}
	return nil
}
