package types

import "time"

// ConflictType classifies how local and server diverged relative to the base.
type ConflictType string

const (
	ConflictModifyModify ConflictType = "modify-modify"
	ConflictAddAdd       ConflictType = "add-add"
	ConflictModifyDelete ConflictType = "modify-delete"
	ConflictDeleteModify ConflictType = "delete-modify"
)

// ConflictSeverity grades how risky automatic resolution of a conflict is.
type ConflictSeverity int

const (
	SeverityLow ConflictSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s ConflictSeverity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	}
	return "unknown"
}

// StateConflict is a single-field divergence between local and server state.
// A conflict exists only when local and server values differ.
type StateConflict struct {
	ID          string           `json:"id"`
	ComponentID string           `json:"componentId"`
	Field       string           `json:"field"`
	LocalValue  any              `json:"localValue,omitempty"`
	ServerValue any              `json:"serverValue,omitempty"`
	BaseValue   any              `json:"baseValue,omitempty"`
	HasBase     bool             `json:"hasBase"`
	HasLocal    bool             `json:"hasLocal"`
	HasServer   bool             `json:"hasServer"`
	Type        ConflictType     `json:"type"`
	Severity    ConflictSeverity `json:"severity"`
	DetectedAt  time.Time        `json:"detectedAt"`
	// Optional recorded write times used by last/first-write-wins.
	LocalWriteAt  time.Time `json:"localWriteAt,omitempty"`
	ServerWriteAt time.Time `json:"serverWriteAt,omitempty"`
}

// ResolutionStrategy names a conflict resolution approach.
type ResolutionStrategy string

const (
	StrategyClientWins     ResolutionStrategy = "client-wins"
	StrategyServerWins     ResolutionStrategy = "server-wins"
	StrategyLastWriteWins  ResolutionStrategy = "last-write-wins"
	StrategyFirstWriteWins ResolutionStrategy = "first-write-wins"
	StrategyMergeAuto      ResolutionStrategy = "merge-automatic"
	StrategyMergeManual    ResolutionStrategy = "merge-manual"
	StrategyUserChoose     ResolutionStrategy = "user-choose"
	StrategyCustom         ResolutionStrategy = "custom"
)

// ConflictResolution records the outcome for one open conflict. Producing a
// resolution removes the conflict from the active set.
type ConflictResolution struct {
	ConflictID    string             `json:"conflictId"`
	Strategy      ResolutionStrategy `json:"strategy"`
	ResolvedValue any                `json:"resolvedValue,omitempty"`
	Automatic     bool               `json:"automatic"`
	Duration      time.Duration      `json:"duration"`
	Confidence    float64            `json:"confidence"`
	ResolvedAt    time.Time          `json:"resolvedAt"`
}
