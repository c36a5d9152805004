package access

import (
	"context"
	"fmt"
	"sync"
)

// StaticHierarchy is a map-backed HierarchyResolver. The tenant tree is
// owned by the platform's tenancy service; this process only needs the
// containment relation, loaded at startup and occasionally refreshed.
type StaticHierarchy struct {
	mu      sync.RWMutex
	parents map[Scope]Scope
	labels  map[Scope]string
}

func NewStaticHierarchy() *StaticHierarchy {
	return &StaticHierarchy{
		parents: make(map[Scope]Scope),
		labels:  make(map[Scope]string),
	}
}

// Register records a scope coordinate with its containing scope and
// display label. Registering global is a no-op.
func (h *StaticHierarchy) Register(s, parent Scope, label string) {
	if s.IsGlobal() {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.parents[s] = parent
	h.labels[s] = label
}

func (h *StaticHierarchy) Parent(_ context.Context, s Scope) (Scope, bool, error) {
	if s.IsGlobal() {
		return Scope{}, false, nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	parent, ok := h.parents[s]
	if !ok {
		return Scope{}, false, nil
	}
	return parent, true, nil
}

func (h *StaticHierarchy) Label(_ context.Context, s Scope) (string, error) {
	if s.IsGlobal() {
		return "Platform", nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if label, ok := h.labels[s]; ok {
		return label, nil
	}
	return fmt.Sprintf("%s %s", s.Type, s.ID), nil
}
