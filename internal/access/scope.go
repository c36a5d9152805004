package access

import (
	"context"
	"fmt"
	"strings"
)

// ScopeType discriminates the breadth of a role assignment.
type ScopeType string

const (
	ScopeGlobal       ScopeType = "global"
	ScopeOrganization ScopeType = "organization"
	ScopeSite         ScopeType = "site"
	ScopeProject      ScopeType = "project"
)

// Scope is a concrete coordinate in the containment hierarchy
// project ⊂ site ⊂ organization ⊂ global. ID is empty for global.
type Scope struct {
	Type ScopeType `json:"type"`
	ID   string    `json:"id,omitempty"`
}

func GlobalScope() Scope               { return Scope{Type: ScopeGlobal} }
func OrganizationScope(id string) Scope { return Scope{Type: ScopeOrganization, ID: id} }
func SiteScope(id string) Scope        { return Scope{Type: ScopeSite, ID: id} }
func ProjectScope(id string) Scope     { return Scope{Type: ScopeProject, ID: id} }

// ParseScope validates a type/id pair coming from transport or storage.
func ParseScope(scopeType, id string) (Scope, error) {
	st := ScopeType(strings.ToLower(strings.TrimSpace(scopeType)))
	id = strings.TrimSpace(id)
	switch st {
	case ScopeGlobal:
		if id != "" {
			return Scope{}, fmt.Errorf("%w: global scope takes no id", ErrInvalidInput)
		}
		return GlobalScope(), nil
	case ScopeOrganization, ScopeSite, ScopeProject:
		if id == "" {
			return Scope{}, fmt.Errorf("%w: %s scope requires an id", ErrInvalidInput, st)
		}
		return Scope{Type: st, ID: id}, nil
	default:
		return Scope{}, fmt.Errorf("%w: unknown scope type %q", ErrInvalidInput, scopeType)
	}
}

func (s Scope) IsGlobal() bool { return s.Type == ScopeGlobal }

func (s Scope) String() string {
	if s.IsGlobal() {
		return string(ScopeGlobal)
	}
	return string(s.Type) + ":" + s.ID
}

// HierarchyResolver answers containment questions about the tenant tree.
// Implementations look the relation up; containment is never inferred from
// identifier formats.
type HierarchyResolver interface {
	// Parent returns the immediately containing scope. ok is false for the
	// global scope, which has no parent.
	Parent(ctx context.Context, s Scope) (parent Scope, ok bool, err error)
	// Label returns the display name for a scope coordinate.
	Label(ctx context.Context, s Scope) (string, error)
}

// Contains walks the hierarchy to decide whether outer contains inner.
// A scope contains itself; global contains everything.
func Contains(ctx context.Context, h HierarchyResolver, outer, inner Scope) (bool, error) {
	if outer.IsGlobal() {
		return true, nil
	}
	cur := inner
	for {
		if cur == outer {
			return true, nil
		}
		parent, ok, err := h.Parent(ctx, cur)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		cur = parent
	}
}

// AncestorChain returns the scope followed by each containing scope up to
// and including global. Used to check management rights at any level that
// contains the target.
func AncestorChain(ctx context.Context, h HierarchyResolver, s Scope) ([]Scope, error) {
	chain := []Scope{s}
	cur := s
	for !cur.IsGlobal() {
		parent, ok, err := h.Parent(ctx, cur)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Dangling coordinate; treat global as the final ancestor so
			// platform-wide admins can still manage it.
			chain = append(chain, GlobalScope())
			break
		}
		chain = append(chain, parent)
		cur = parent
	}
	return chain, nil
}
