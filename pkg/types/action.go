package types

import "time"

// ActionStatus is the lifecycle state of an offline action.
type ActionStatus string

const (
	ActionPending    ActionStatus = "pending"
	ActionProcessing ActionStatus = "processing"
	ActionCompleted  ActionStatus = "completed"
	ActionFailed     ActionStatus = "failed"
	ActionCancelled  ActionStatus = "cancelled"
)

// Terminal reports whether the status ends the action's lifecycle.
func (s ActionStatus) Terminal() bool {
	return s == ActionCompleted || s == ActionFailed || s == ActionCancelled
}

// OptimisticUpdate records the state swap applied locally before server
// confirmation so it can be rolled back on failure.
type OptimisticUpdate struct {
	Previous   map[string]any `json:"previous,omitempty"`
	Optimistic map[string]any `json:"optimistic,omitempty"`
	Applied    bool           `json:"applied"`
}

// OfflineAction is a buffered action request awaiting (re)delivery.
type OfflineAction struct {
	ID           string            `json:"id"`
	ComponentID  string            `json:"componentId"`
	Type         string            `json:"type"`
	Payload      map[string]any    `json:"payload,omitempty"`
	Priority     int               `json:"priority"`
	Attempts     int               `json:"attempts"`
	MaxAttempts  int               `json:"maxAttempts"`
	Status       ActionStatus      `json:"status"`
	Dependencies []string          `json:"dependencies,omitempty"`
	BatchID      string            `json:"batchId,omitempty"`
	LastError    string            `json:"lastError,omitempty"`
	Optimistic   *OptimisticUpdate `json:"optimistic,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	NextRetryAt  time.Time         `json:"nextRetryAt,omitempty"`
	ExpiresAt    time.Time         `json:"expiresAt,omitempty"`
}

// Expired reports whether the action is past its expiry at the given time.
func (a *OfflineAction) Expired(now time.Time) bool {
	return !a.ExpiresAt.IsZero() && now.After(a.ExpiresAt)
}

// BatchStatus is the aggregate state of an action batch.
type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchCompleted BatchStatus = "completed"
	BatchPartial   BatchStatus = "partial"
	BatchFailed    BatchStatus = "failed"
)

// ActionBatch groups actions enqueued together. An atomic batch fails as a
// whole when any member fails.
type ActionBatch struct {
	ID        string      `json:"id"`
	ActionIDs []string    `json:"actionIds"`
	Atomic    bool        `json:"atomic"`
	Status    BatchStatus `json:"status"`
	CreatedAt time.Time   `json:"createdAt"`
}
