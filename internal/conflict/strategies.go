package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/livesync-io/livesync/pkg/types"
)

var (
	ErrConflictNotFound = errors.New("conflict not found")
	ErrDecisionTimeout  = errors.New("conflict decision timed out")
	ErrNoCustomResolver = errors.New("no custom resolver in policy")
)

// ResolveConflicts resolves the identified open conflicts. Strategy priority
// per conflict: field-specific override, then component-specific override,
// then the supplied strategy, then the policy default. Resolved conflicts
// leave the active set.
func (r *Resolver) ResolveConflicts(ctx context.Context, ids []string, strategy types.ResolutionStrategy, policy *Policy) []*types.ConflictResolution {
	if policy == nil {
		policy = r.policy
	}

	var resolutions []*types.ConflictResolution
	for _, id := range ids {
		r.mu.Lock()
		c, ok := r.active[id]
		r.mu.Unlock()
		if !ok {
			continue
		}

		res, err := r.resolveOne(ctx, c, r.effectiveStrategy(c, strategy, policy), policy)
		if err != nil {
			r.log.Warn().
				Err(err).
				Str("conflictId", id).
				Str("field", c.Field).
				Msg("conflict resolution fell back to server value")
			res = &types.ConflictResolution{
				ConflictID:    id,
				Strategy:      types.StrategyServerWins,
				ResolvedValue: c.ServerValue,
				Automatic:     true,
				Confidence:    confidence(c.Severity),
			}
		}

		res.ResolvedAt = r.clock.Now()
		res.Duration = res.ResolvedAt.Sub(c.DetectedAt)

		r.mu.Lock()
		delete(r.active, id)
		delete(r.decisions, id)
		r.mu.Unlock()

		resolutions = append(resolutions, res)
	}
	return resolutions
}

func (r *Resolver) effectiveStrategy(c *types.StateConflict, supplied types.ResolutionStrategy, policy *Policy) types.ResolutionStrategy {
	if s, ok := policy.FieldStrategies[c.Field]; ok {
		return s
	}
	if s, ok := policy.ComponentStrategies[c.ComponentID]; ok {
		return s
	}
	if supplied != "" {
		return supplied
	}
	return policy.Default
}

func (r *Resolver) resolveOne(ctx context.Context, c *types.StateConflict, strategy types.ResolutionStrategy, policy *Policy) (*types.ConflictResolution, error) {
	res := &types.ConflictResolution{
		ConflictID: c.ID,
		Strategy:   strategy,
		Automatic:  true,
		Confidence: confidence(c.Severity),
	}

	switch strategy {
	case types.StrategyClientWins:
		res.ResolvedValue = c.LocalValue
	case types.StrategyServerWins:
		res.ResolvedValue = c.ServerValue
	case types.StrategyLastWriteWins:
		if c.LocalWriteAt.After(c.ServerWriteAt) {
			res.ResolvedValue = c.LocalValue
		} else {
			res.ResolvedValue = c.ServerValue
		}
	case types.StrategyFirstWriteWins:
		if !c.LocalWriteAt.IsZero() && (c.ServerWriteAt.IsZero() || c.LocalWriteAt.Before(c.ServerWriteAt)) {
			res.ResolvedValue = c.LocalValue
		} else {
			res.ResolvedValue = c.ServerValue
		}
	case types.StrategyMergeAuto:
		res.ResolvedValue = mergeValues(c.LocalValue, c.ServerValue)
	case types.StrategyCustom:
		if policy.Resolver == nil {
			return nil, ErrNoCustomResolver
		}
		value, err := policy.Resolver(c)
		if err != nil {
			return nil, fmt.Errorf("custom resolver: %w", err)
		}
		res.ResolvedValue = value
	case types.StrategyUserChoose, types.StrategyMergeManual:
		value, err := r.awaitDecision(ctx, c, policy)
		if err != nil {
			return nil, err
		}
		res.ResolvedValue = value
		res.Automatic = false
		res.Confidence = 1.0
	default:
		return nil, fmt.Errorf("unknown strategy %q", strategy)
	}

	return res, nil
}

// awaitDecision suspends resolution until SubmitDecision supplies a value or
// the policy timeout elapses.
func (r *Resolver) awaitDecision(ctx context.Context, c *types.StateConflict, policy *Policy) (any, error) {
	r.mu.Lock()
	ch, ok := r.decisions[c.ID]
	if !ok {
		ch = make(chan any, 1)
		r.decisions[c.ID] = ch
	}
	r.mu.Unlock()

	timer := r.clock.NewTicker(policy.DecisionTimeout)
	defer timer.Stop()

	select {
	case value := <-ch:
		return value, nil
	case <-timer.C():
		return nil, ErrDecisionTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SubmitDecision supplies the externally chosen value for a suspended
// user-choose or merge-manual resolution.
func (r *Resolver) SubmitDecision(conflictID string, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.active[conflictID]; !ok {
		return fmt.Errorf("%w: %s", ErrConflictNotFound, conflictID)
	}
	ch, ok := r.decisions[conflictID]
	if !ok {
		ch = make(chan any, 1)
		r.decisions[conflictID] = ch
	}
	select {
	case ch <- value:
	default:
	}
	return nil
}

// mergeValues merges automatically: object union (server preferred on shared
// keys), array union with duplicates removed, otherwise the server value.
func mergeValues(local, server any) any {
	if lm, ok := local.(map[string]any); ok {
		if sm, ok := server.(map[string]any); ok {
			merged := make(map[string]any, len(lm)+len(sm))
			for k, v := range lm {
				merged[k] = v
			}
			for k, v := range sm {
				merged[k] = v
			}
			return merged
		}
	}
	if la, ok := local.([]any); ok {
		if sa, ok := server.([]any); ok {
			var merged []any
			seen := make(map[string]struct{})
			for _, v := range append(append([]any(nil), la...), sa...) {
				key := canonical(v)
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
				merged = append(merged, v)
			}
			return merged
		}
	}
	return server
}

func canonical(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
