package access

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"sitegrid.org/internal/audit"
)

// Catalog is the registry surface for permissions and roles. Permissions
// are immutable once referenced by a role; built-in roles cannot be
// deleted. Registry mutations are audited.
type Catalog struct {
	store    Store
	recorder *audit.Recorder
}

// NewCatalog constructs the registry service.
func NewCatalog(store Store, recorder *audit.Recorder) *Catalog {
	return &Catalog{store: store, recorder: recorder}
}

// RegisterPermission adds a capability to the catalog. The key is always
// module.action; a mismatched explicit key is rejected.
func (c *Catalog) RegisterPermission(ctx context.Context, actorID string, p Permission) (Permission, error) {
	p.Module = strings.TrimSpace(strings.ToLower(p.Module))
	p.Action = strings.TrimSpace(strings.ToLower(p.Action))
	if p.Module == "" || p.Action == "" {
		return Permission{}, fmt.Errorf("%w: module and action are required", ErrInvalidInput)
	}
	key := p.Module + "." + p.Action
	if p.Key != "" && p.Key != key {
		return Permission{}, fmt.Errorf("%w: key %q does not match %s", ErrInvalidInput, p.Key, key)
	}
	p.Key = key
	if p.Name == "" {
		p.Name = p.Key
	}
	if err := c.store.Permissions().Create(ctx, &p); err != nil {
		return Permission{}, err
	}
	c.recorder.Record(ctx, audit.Draft{
		ActorUserID:    actorID,
		EventType:      audit.EventRoleDefinitionChanged,
		TargetResource: "permission:" + p.Key,
		NewValues:      map[string]any{"key": p.Key, "dangerous": p.Dangerous},
	})
	return p, nil
}

// RegisterRole creates a named bundle of permissions. Every referenced
// permission key must already exist in the catalog.
func (c *Catalog) RegisterRole(ctx context.Context, actorID string, role Role) (Role, error) {
	role.Key = strings.TrimSpace(strings.ToLower(role.Key))
	role.Name = strings.TrimSpace(role.Name)
	if role.Key == "" || role.Name == "" {
		return Role{}, fmt.Errorf("%w: role key and name are required", ErrInvalidInput)
	}
	for i, rp := range role.Permissions {
		if _, err := c.store.Permissions().Find(ctx, rp.PermissionKey); err != nil {
			if errors.Is(err, ErrNotFound) {
				return Role{}, fmt.Errorf("%w: %s", ErrUnknownPermission, rp.PermissionKey)
			}
			return Role{}, err
		}
		if rp.ScopeDefault == "" {
			role.Permissions[i].ScopeDefault = ScopeDefaultOwn
		}
	}
	if err := c.store.Roles().Create(ctx, &role); err != nil {
		return Role{}, err
	}
	c.recorder.Record(ctx, audit.Draft{
		ActorUserID:    actorID,
		EventType:      audit.EventRoleDefinitionChanged,
		TargetResource: "role:" + role.Key,
		NewValues:      map[string]any{"name": role.Name, "permissions": len(role.Permissions)},
	})
	return role, nil
}

// DeleteRole removes a role definition. System roles are protected.
func (c *Catalog) DeleteRole(ctx context.Context, actorID, key string) error {
	role, err := c.store.Roles().Find(ctx, key)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return fmt.Errorf("%w: %s", ErrProtectedRole, key)
	}
	if err := c.store.Roles().Delete(ctx, key); err != nil {
		return err
	}
	c.recorder.Record(ctx, audit.Draft{
		ActorUserID:    actorID,
		EventType:      audit.EventRoleDefinitionChanged,
		TargetResource: "role:" + key,
		OldValues:      map[string]any{"name": role.Name, "permissions": len(role.Permissions)},
	})
	return nil
}

// ListPermissions returns the catalog.
func (c *Catalog) ListPermissions(ctx context.Context) ([]Permission, error) {
	return c.store.Permissions().List(ctx)
}

// ListRoles returns all registered roles.
func (c *Catalog) ListRoles(ctx context.Context) ([]Role, error) {
	return c.store.Roles().List(ctx)
}

// GetRole returns one role by key.
func (c *Catalog) GetRole(ctx context.Context, key string) (*Role, error) {
	return c.store.Roles().Find(ctx, key)
}

// SeedBuiltins ensures the built-in permission catalog and system roles
// exist. Idempotent; called once at initialization.
func (c *Catalog) SeedBuiltins(ctx context.Context) error {
	if err := c.store.Permissions().Ensure(ctx, BuiltinPermissions); err != nil {
		return err
	}
	for _, role := range BuiltinRoles() {
		err := c.store.Roles().Create(ctx, &role)
		if err != nil && !errors.Is(err, ErrDuplicateKey) {
			return fmt.Errorf("seed role %s: %w", role.Key, err)
		}
	}
	return nil
}
