package identity

import (
	"fmt"

	"github.com/livesync-io/livesync/pkg/types"
)

// Hierarchy is the neighborhood of one identity in the forest.
type Hierarchy struct {
	Self        *types.ComponentIdentity
	Parent      *types.ComponentIdentity
	Children    []*types.ComponentIdentity
	Siblings    []*types.ComponentIdentity
	Ancestors   []*types.ComponentIdentity // nearest first
	Descendants []*types.ComponentIdentity
}

// GetHierarchy computes the hierarchy around id by walking the parent/child
// pointers.
func (m *Manager) GetHierarchy(id string) (*Hierarchy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	self, ok := m.identities[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	h := &Hierarchy{Self: self}

	if self.ParentID != "" {
		h.Parent = m.identities[self.ParentID]
	}
	for _, childID := range self.ChildIDs {
		if child, ok := m.identities[childID]; ok {
			h.Children = append(h.Children, child)
		}
	}
	if h.Parent != nil {
		for _, sibID := range h.Parent.ChildIDs {
			if sibID == id {
				continue
			}
			if sib, ok := m.identities[sibID]; ok {
				h.Siblings = append(h.Siblings, sib)
			}
		}
	}
	h.Ancestors = m.ancestorsLocked(self)
	h.Descendants = m.descendantsLocked(self)

	return h, nil
}

// ResolveScope resolves an event scope to target component IDs, from the
// forest as it stands right now. Unknown sources resolve to nothing except
// for the global scope.
func (m *Manager) ResolveScope(sourceID string, scope types.EventScope) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	self, ok := m.identities[sourceID]
	if !ok && scope != types.ScopeGlobal {
		return nil
	}

	switch scope {
	case types.ScopeLocal:
		return []string{sourceID}
	case types.ScopeParent:
		if self.ParentID == "" {
			return nil
		}
		return []string{self.ParentID}
	case types.ScopeChildren:
		return append([]string(nil), self.ChildIDs...)
	case types.ScopeSiblings:
		if self.ParentID == "" {
			return nil
		}
		parent, ok := m.identities[self.ParentID]
		if !ok {
			return nil
		}
		var out []string
		for _, id := range parent.ChildIDs {
			if id != sourceID {
				out = append(out, id)
			}
		}
		return out
	case types.ScopeAncestors:
		ancestors := m.ancestorsLocked(self)
		out := make([]string, 0, len(ancestors))
		for _, a := range ancestors {
			out = append(out, a.ComponentID)
		}
		return out
	case types.ScopeDescendants:
		descendants := m.descendantsLocked(self)
		out := make([]string, 0, len(descendants))
		for _, d := range descendants {
			out = append(out, d.ComponentID)
		}
		return out
	case types.ScopeSubtree:
		out := []string{sourceID}
		for _, d := range m.descendantsLocked(self) {
			out = append(out, d.ComponentID)
		}
		return out
	case types.ScopeGlobal:
		var out []string
		for id := range m.identities {
			if id != sourceID {
				out = append(out, id)
			}
		}
		return out
	}
	return nil
}

// ancestorsLocked walks repeated parent lookups, nearest first.
func (m *Manager) ancestorsLocked(self *types.ComponentIdentity) []*types.ComponentIdentity {
	var out []*types.ComponentIdentity
	cur := self
	for cur.ParentID != "" {
		parent, ok := m.identities[cur.ParentID]
		if !ok {
			break
		}
		out = append(out, parent)
		cur = parent
	}
	return out
}

// descendantsLocked recursively collects the subtree below self.
func (m *Manager) descendantsLocked(self *types.ComponentIdentity) []*types.ComponentIdentity {
	var out []*types.ComponentIdentity
	var walk func(identity *types.ComponentIdentity)
	walk = func(identity *types.ComponentIdentity) {
		for _, childID := range identity.ChildIDs {
			if child, ok := m.identities[childID]; ok {
				out = append(out, child)
				walk(child)
			}
		}
	}
	walk(self)
	return out
}
