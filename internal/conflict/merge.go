package conflict

import (
	"context"

	"github.com/livesync-io/livesync/pkg/types"
)

// MergeResult is the outcome of a three-way merge.
type MergeResult struct {
	// Merged is the reconciled state.
	Merged map[string]any
	// Resolutions are the per-conflict outcomes.
	Resolutions []*types.ConflictResolution
	// RequiresUser is true when some conflicts exceeded the auto-resolve
	// severity and took the server value provisionally.
	RequiresUser bool
	// Unresolved lists those provisionally resolved conflicts.
	Unresolved []*types.StateConflict
	// Confidence is the fraction of conflicts resolved automatically within
	// the severity bound; 1.0 when there were no conflicts.
	Confidence float64
}

// ThreeWayMerge compares local and server state against the last-synced
// base and resolves every detected conflict. A conflict where only one side
// diverged from the base resolves to the changed side (including deletions).
// Both-sided conflicts at or below the policy's auto-resolve severity take
// the automatic merge strategy; the remainder take the server value
// provisionally and are flagged for the user.
func (r *Resolver) ThreeWayMerge(ctx context.Context, componentID string, local, server, base map[string]any) (*MergeResult, error) {
	conflicts := r.CompareStates(componentID, local, server, base, nil)

	merged := make(map[string]any, len(server))
	for k, v := range server {
		merged[k] = v
	}

	result := &MergeResult{Merged: merged, Confidence: 1.0}
	if len(conflicts) == 0 {
		return result, nil
	}

	auto := 0
	for _, c := range conflicts {
		if strategy, ok := oneSidedWinner(c); ok {
			res := r.ResolveConflicts(ctx, []string{c.ID}, strategy, nil)
			if len(res) == 1 {
				applyResolution(merged, c, res[0])
				result.Resolutions = append(result.Resolutions, res[0])
				auto++
				continue
			}
		}
		if c.Severity <= r.policy.AutoResolveMax {
			res := r.ResolveConflicts(ctx, []string{c.ID}, types.StrategyMergeAuto, nil)
			if len(res) == 1 {
				applyResolution(merged, c, res[0])
				result.Resolutions = append(result.Resolutions, res[0])
				auto++
				continue
			}
		}
		// Too risky to auto-resolve: provisional server value, flag for user.
		res := r.ResolveConflicts(ctx, []string{c.ID}, types.StrategyServerWins, nil)
		if len(res) == 1 {
			applyResolution(merged, c, res[0])
			result.Resolutions = append(result.Resolutions, res[0])
		}
		result.RequiresUser = true
		result.Unresolved = append(result.Unresolved, c)
	}

	result.Confidence = float64(auto) / float64(len(conflicts))
	return result, nil
}

// oneSidedWinner reports the strategy favoring the only side that diverged
// from the base, when exactly one did.
func oneSidedWinner(c *types.StateConflict) (types.ResolutionStrategy, bool) {
	localChanged := changedFromBase(c.LocalValue, c.HasLocal, c.BaseValue, c.HasBase)
	serverChanged := changedFromBase(c.ServerValue, c.HasServer, c.BaseValue, c.HasBase)
	switch {
	case localChanged && !serverChanged:
		return types.StrategyClientWins, true
	case serverChanged && !localChanged:
		return types.StrategyServerWins, true
	default:
		return "", false
	}
}

func applyResolution(merged map[string]any, c *types.StateConflict, res *types.ConflictResolution) {
	// A nil resolved value means the winning side deleted the field.
	if res.ResolvedValue == nil {
		delete(merged, c.Field)
		return
	}
	merged[c.Field] = res.ResolvedValue
}
