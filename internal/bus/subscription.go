package bus

import (
	"github.com/bmatcuk/doublestar/v4"
	"github.com/oklog/ulid/v2"

	"github.com/livesync-io/livesync/pkg/types"
)

// SubscriptionFilter narrows which events reach a handler. All set fields
// must pass; unset fields are ignored.
type SubscriptionFilter struct {
	// SourcePattern is a doublestar glob matched against the source
	// component ID.
	SourcePattern string
	// TypePattern is a doublestar glob matched against the event type.
	TypePattern string
	// ComponentTypes restricts events to sources of these component types.
	ComponentTypes []string
	// MinDepth/MaxDepth bound the source identity's depth. MaxDepth of zero
	// means unbounded.
	MinDepth int
	MaxDepth int
	// PathPattern is a doublestar glob matched against the source identity's
	// dot path, with dots treated as separators.
	PathPattern string
	// Predicate is an arbitrary custom check.
	Predicate func(ev *types.LiveEvent) bool
}

// Subscribe registers a handler for events delivered to componentID.
// eventType may be "*" to match every type. The scope, when not global,
// additionally requires the event's source to fall inside that scope relative
// to the subscriber. Returns the subscription ID.
func (b *Bus) Subscribe(componentID, eventType string, handler HandlerFunc, scope types.EventScope, filter *SubscriptionFilter) string {
	if scope == "" {
		scope = types.ScopeGlobal
	}
	sub := &subscription{
		id:          ulid.Make().String(),
		componentID: componentID,
		eventType:   eventType,
		scope:       scope,
		handler:     handler,
		filter:      filter,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ""
	}
	b.subs[sub.id] = sub
	b.byComp[componentID] = append(b.byComp[componentID], sub)
	b.mu.Unlock()

	return sub.id
}

// Unsubscribe removes a subscription. Returns false when it does not exist.
func (b *Bus) Unsubscribe(subscriptionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[subscriptionID]
	if !ok {
		return false
	}
	delete(b.subs, subscriptionID)

	list := b.byComp[sub.componentID]
	for i, s := range list {
		if s.id == subscriptionID {
			b.byComp[sub.componentID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.byComp[sub.componentID]) == 0 {
		delete(b.byComp, sub.componentID)
	}
	return true
}

// UnsubscribeComponent removes every subscription held by componentID,
// returning how many were removed. Destroy paths use this.
func (b *Bus) UnsubscribeComponent(componentID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.byComp[componentID]
	for _, sub := range list {
		delete(b.subs, sub.id)
	}
	delete(b.byComp, componentID)
	return len(list)
}

// SubscriptionCount returns the number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// matches applies the type match, the subscription scope, and the filter.
func (b *Bus) matches(sub *subscription, ev *types.LiveEvent) bool {
	if sub.eventType != "*" && sub.eventType != ev.Type {
		return false
	}

	if sub.scope != types.ScopeGlobal {
		if !b.sourceInScope(sub, ev.SourceID) {
			return false
		}
	}

	if sub.filter != nil && !b.filterPasses(sub.filter, ev) {
		return false
	}
	return true
}

func (b *Bus) sourceInScope(sub *subscription, sourceID string) bool {
	if sub.scope == types.ScopeLocal || sub.scope == types.ScopeSubtree {
		if sourceID == sub.componentID {
			return true
		}
		if sub.scope == types.ScopeLocal {
			return false
		}
	}
	for _, id := range b.resolver.ResolveScope(sub.componentID, sub.scope) {
		if id == sourceID {
			return true
		}
	}
	return false
}

func (b *Bus) filterPasses(f *SubscriptionFilter, ev *types.LiveEvent) bool {
	if f.SourcePattern != "" {
		if ok, _ := doublestar.Match(f.SourcePattern, ev.SourceID); !ok {
			return false
		}
	}
	if f.TypePattern != "" {
		if ok, _ := doublestar.Match(f.TypePattern, ev.Type); !ok {
			return false
		}
	}

	if f.ComponentTypes != nil || f.MaxDepth > 0 || f.MinDepth > 0 || f.PathPattern != "" {
		source, ok := b.resolver.Get(ev.SourceID)
		if !ok {
			return false
		}
		if f.ComponentTypes != nil {
			found := false
			for _, t := range f.ComponentTypes {
				if t == source.ComponentType {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		if f.MinDepth > 0 && source.Depth < f.MinDepth {
			return false
		}
		if f.MaxDepth > 0 && source.Depth > f.MaxDepth {
			return false
		}
		if f.PathPattern != "" {
			if ok, _ := doublestar.Match(f.PathPattern, pathAsGlob(source.Path)); !ok {
				return false
			}
		}
	}

	if f.Predicate != nil && !f.Predicate(ev) {
		return false
	}
	return true
}

// pathAsGlob rewrites the dot-joined identity path into slash form so
// doublestar patterns like "app/**/counter" work.
func pathAsGlob(path string) string {
	out := make([]byte, len(path))
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			out[i] = '/'
		} else {
			out[i] = path[i]
		}
	}
	return string(out)
}
