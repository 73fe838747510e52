package types

import "time"

// EventScope is the rule used to resolve which hierarchy nodes receive an
// event.
type EventScope string

const (
	ScopeLocal       EventScope = "local"
	ScopeParent      EventScope = "parent"
	ScopeChildren    EventScope = "children"
	ScopeSiblings    EventScope = "siblings"
	ScopeAncestors   EventScope = "ancestors"
	ScopeDescendants EventScope = "descendants"
	ScopeSubtree     EventScope = "subtree"
	ScopeGlobal      EventScope = "global"
)

// Event priorities. Any int is accepted; these are the conventional levels.
const (
	PriorityLow      = 0
	PriorityNormal   = 50
	PriorityHigh     = 100
	PriorityCritical = 200
)

// LiveEvent is a scoped event travelling across the component hierarchy.
// Targets are resolved once at emission from the hierarchy at that instant
// and are not re-evaluated later.
type LiveEvent struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	SourceID  string         `json:"sourceId"`
	TargetIDs []string       `json:"targetIds"`
	Data      map[string]any `json:"data,omitempty"`
	Scope     EventScope     `json:"scope"`
	Priority  int            `json:"priority"`
	HopCount  int            `json:"hopCount"`
	Handled   bool           `json:"handled"`
	Stopped   bool           `json:"stopped"`
	Replay    bool           `json:"replay,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Stop prevents delivery to any remaining targets of this event.
func (e *LiveEvent) Stop() { e.Stopped = true }

// MarkHandled flags the event as handled by at least one subscriber.
func (e *LiveEvent) MarkHandled() { e.Handled = true }

// Clone returns a shallow copy with its own target slice.
func (e *LiveEvent) Clone() *LiveEvent {
	cp := *e
	cp.TargetIDs = append([]string(nil), e.TargetIDs...)
	return &cp
}
