// Package types defines the wire messages and core records shared by the
// synchronization engine's packages.
package types

import "time"

// ComponentIdentity is the deterministic addressable record for a stateful
// server-side component, independent of its live in-memory instance.
type ComponentIdentity struct {
	ComponentID   string    `json:"componentId"`
	ComponentType string    `json:"componentType"`
	ParentID      string    `json:"parentId,omitempty"`
	ChildIDs      []string  `json:"childIds,omitempty"`
	Depth         int       `json:"depth"`
	Path          string    `json:"path"`
	Fingerprint   string    `json:"fingerprint"`
	ClientID      string    `json:"clientId"`
	UserID        string    `json:"userId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// HasChild reports whether id is a direct child.
func (c *ComponentIdentity) HasChild(id string) bool {
	for _, cid := range c.ChildIDs {
		if cid == id {
			return true
		}
	}
	return false
}

// AddChild appends id to the child set, preserving uniqueness.
func (c *ComponentIdentity) AddChild(id string) {
	if !c.HasChild(id) {
		c.ChildIDs = append(c.ChildIDs, id)
	}
}

// RemoveChild detaches id from the child set.
func (c *ComponentIdentity) RemoveChild(id string) {
	for i, cid := range c.ChildIDs {
		if cid == id {
			c.ChildIDs = append(c.ChildIDs[:i], c.ChildIDs[i+1:]...)
			return
		}
	}
}
