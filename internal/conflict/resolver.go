// Package conflict detects and resolves divergence between client-held and
// server-authoritative component state using three-way comparison against
// the last-synced base.
package conflict

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/livesync-io/livesync/internal/clock"
	"github.com/livesync-io/livesync/internal/config"
	"github.com/livesync-io/livesync/internal/logging"
	"github.com/livesync-io/livesync/pkg/types"
)

// Resolver owns the active conflict set. Exactly one resolution exists per
// open conflict; producing it removes the conflict from the set.
type Resolver struct {
	mu        sync.Mutex
	active    map[string]*types.StateConflict
	decisions map[string]chan any

	policy *Policy
	clock  clock.Clock
	log    zerolog.Logger
}

// NewResolver creates a conflict resolver with the policy defaults derived
// from cfg.
func NewResolver(cfg config.ConflictConfig, clk clock.Clock) *Resolver {
	return &Resolver{
		active:    make(map[string]*types.StateConflict),
		decisions: make(map[string]chan any),
		policy:    DefaultPolicy(cfg),
		clock:     clk,
		log:       logging.ForService("conflict"),
	}
}

// CompareOptions carries optional recorded write times per field, used by
// the last/first-write-wins strategies.
type CompareOptions struct {
	LocalWrites  map[string]time.Time
	ServerWrites map[string]time.Time
}

// CompareStates diffs the union of the three states' fields. Any field whose
// local and server values diverge is a conflict; the base only informs the
// conflict's type and severity. Detected conflicts join the active set and
// are returned.
func (r *Resolver) CompareStates(componentID string, local, server, base map[string]any, opts *CompareOptions) []*types.StateConflict {
	now := r.clock.Now()

	fields := make(map[string]struct{})
	for k := range local {
		fields[k] = struct{}{}
	}
	for k := range server {
		fields[k] = struct{}{}
	}
	for k := range base {
		fields[k] = struct{}{}
	}

	var conflicts []*types.StateConflict
	for field := range fields {
		localVal, hasLocal := local[field]
		serverVal, hasServer := server[field]
		baseVal, hasBase := accessBase(base, field)

		if hasLocal == hasServer && (!hasLocal || jsonEqual(localVal, serverVal)) {
			continue
		}

		c := &types.StateConflict{
			ID:          ulid.Make().String(),
			ComponentID: componentID,
			Field:       field,
			LocalValue:  localVal,
			ServerValue: serverVal,
			BaseValue:   baseVal,
			HasBase:     hasBase,
			HasLocal:    hasLocal,
			HasServer:   hasServer,
			Type:        classify(hasBase, hasLocal, hasServer),
			DetectedAt:  now,
		}
		c.Severity = r.policy.severity(c)
		if opts != nil {
			if ts, ok := opts.LocalWrites[field]; ok {
				c.LocalWriteAt = ts
			}
			if ts, ok := opts.ServerWrites[field]; ok {
				c.ServerWriteAt = ts
			}
		}
		conflicts = append(conflicts, c)
	}

	r.mu.Lock()
	for _, c := range conflicts {
		r.active[c.ID] = c
	}
	r.mu.Unlock()

	return conflicts
}

// changedFromBase reports whether a side diverged from the base value,
// counting additions and deletions as changes.
func changedFromBase(val any, has bool, baseVal any, hasBase bool) bool {
	if has != hasBase {
		return true
	}
	return has && !jsonEqual(val, baseVal)
}

func accessBase(base map[string]any, field string) (any, bool) {
	if base == nil {
		return nil, false
	}
	v, ok := base[field]
	return v, ok
}

// classify derives the conflict type from whether a base value existed and
// which side is undefined.
func classify(hasBase, hasLocal, hasServer bool) types.ConflictType {
	switch {
	case hasBase && !hasLocal:
		return types.ConflictDeleteModify
	case hasBase && !hasServer:
		return types.ConflictModifyDelete
	case hasBase:
		return types.ConflictModifyModify
	default:
		return types.ConflictAddAdd
	}
}

// Active returns the open conflicts, optionally filtered by component.
func (r *Resolver) Active(componentID string) []*types.StateConflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.StateConflict
	for _, c := range r.active {
		if componentID == "" || c.ComponentID == componentID {
			out = append(out, c)
		}
	}
	return out
}

// jsonEqual compares two values through their canonical JSON encodings, so
// numerically identical values decoded from different wire messages match.
func jsonEqual(a, b any) bool {
	da, errA := json.Marshal(a)
	db, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(da) == string(db)
}
