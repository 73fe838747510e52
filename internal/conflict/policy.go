package conflict

import (
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/livesync-io/livesync/internal/config"
	"github.com/livesync-io/livesync/pkg/types"
)

// Policy holds resolution overrides and the severity heuristic thresholds.
// The thresholds are policy defaults, not a contract: callers may tune them
// per deployment.
type Policy struct {
	// Default applies when no override matches and no strategy is supplied.
	Default types.ResolutionStrategy
	// FieldStrategies override by field name, the highest priority.
	FieldStrategies map[string]types.ResolutionStrategy
	// ComponentStrategies override by component ID.
	ComponentStrategies map[string]types.ResolutionStrategy
	// Resolver implements the custom strategy.
	Resolver func(c *types.StateConflict) (any, error)
	// DecisionTimeout bounds user-choose/merge-manual waits.
	DecisionTimeout time.Duration
	// AutoResolveMax is the highest severity ThreeWayMerge resolves without
	// user input.
	AutoResolveMax types.ConflictSeverity

	// Severity thresholds.
	KeyDeltaHigh           int
	KeyDeltaMedium         int
	StringDissimilarMedium float64
}

// DefaultPolicy derives a policy from configuration.
func DefaultPolicy(cfg config.ConflictConfig) *Policy {
	return &Policy{
		Default:                types.StrategyServerWins,
		FieldStrategies:        make(map[string]types.ResolutionStrategy),
		ComponentStrategies:    make(map[string]types.ResolutionStrategy),
		DecisionTimeout:        cfg.DecisionTimeout.Std(),
		AutoResolveMax:         parseSeverity(cfg.AutoResolveSeverity),
		KeyDeltaHigh:           5,
		KeyDeltaMedium:         2,
		StringDissimilarMedium: 0.6,
	}
}

func parseSeverity(s string) types.ConflictSeverity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return types.SeverityLow
	case "medium":
		return types.SeverityMedium
	case "high":
		return types.SeverityHigh
	case "critical":
		return types.SeverityCritical
	default:
		return types.SeverityMedium
	}
}

// severity grades a conflict: type mismatches and delete-versus-modify rank
// high, large object divergence ranks by key-count delta, and string pairs
// rank by edit-distance ratio.
func (p *Policy) severity(c *types.StateConflict) types.ConflictSeverity {
	if c.Type == types.ConflictModifyDelete || c.Type == types.ConflictDeleteModify {
		return types.SeverityHigh
	}
	if !c.HasLocal || !c.HasServer {
		return types.SeverityMedium
	}

	switch localVal := c.LocalValue.(type) {
	case map[string]any:
		serverVal, ok := c.ServerValue.(map[string]any)
		if !ok {
			return types.SeverityHigh
		}
		delta := len(localVal) - len(serverVal)
		if delta < 0 {
			delta = -delta
		}
		if delta >= p.KeyDeltaHigh {
			return types.SeverityHigh
		}
		if delta >= p.KeyDeltaMedium {
			return types.SeverityMedium
		}
		return types.SeverityLow
	case string:
		serverVal, ok := c.ServerValue.(string)
		if !ok {
			return types.SeverityHigh
		}
		if stringDissimilarity(localVal, serverVal) >= p.StringDissimilarMedium {
			return types.SeverityMedium
		}
		return types.SeverityLow
	}

	if !sameKind(c.LocalValue, c.ServerValue) {
		return types.SeverityHigh
	}
	return types.SeverityLow
}

// stringDissimilarity is the edit distance between the two strings as a
// fraction of the longer one.
func stringDissimilarity(a, b string) float64 {
	if a == b {
		return 0
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 0
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(a, b, false)
	return float64(dmp.DiffLevenshtein(diffs)) / float64(longest)
}

func sameKind(a, b any) bool {
	switch a.(type) {
	case float64, int, int64, float32:
		switch b.(type) {
		case float64, int, int64, float32:
			return true
		}
		return false
	case string:
		_, ok := b.(string)
		return ok
	case bool:
		_, ok := b.(bool)
		return ok
	case map[string]any:
		_, ok := b.(map[string]any)
		return ok
	case []any:
		_, ok := b.([]any)
		return ok
	}
	return true
}

// confidence maps a severity to the resolver's confidence in an automatic
// resolution.
func confidence(s types.ConflictSeverity) float64 {
	switch s {
	case types.SeverityLow:
		return 0.9
	case types.SeverityMedium:
		return 0.7
	case types.SeverityHigh:
		return 0.5
	default:
		return 0.3
	}
}
