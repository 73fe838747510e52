// Package queue buffers action requests while disconnected, orders them by
// priority and dependency, retries failures with exponential backoff, and
// flushes on reconnect. Completed, failed and cancelled actions move to a
// bounded history log.
package queue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/livesync-io/livesync/internal/clock"
	"github.com/livesync-io/livesync/internal/config"
	"github.com/livesync-io/livesync/internal/logging"
	"github.com/livesync-io/livesync/internal/storage"
	"github.com/livesync-io/livesync/pkg/types"
)

// Overflow policies applied when the queue is at capacity.
const (
	OverflowDropOldest         = "drop-oldest"
	OverflowDropNewest         = "drop-newest"
	OverflowDropLowestPriority = "drop-lowest-priority"
	// OverflowCompress reclaims room by dropping expired entries; with
	// nothing expired the insert is rejected.
	OverflowCompress = "compress"
)

var (
	ErrQueueFull      = errors.New("queue is full")
	ErrActionNotFound = errors.New("action not found")
)

// Queue is the offline action queue.
type Queue struct {
	mu        sync.Mutex
	actions   []*types.OfflineAction // descending priority, stable
	byID      map[string]*types.OfflineAction
	batches   map[string]*types.ActionBatch
	history   []*types.OfflineAction
	completed map[string]struct{} // terminal-completed IDs for dependency checks
	seq       map[string]uint64   // insertion order for drop-oldest
	seqNext   uint64

	cfg   config.QueueConfig
	store *storage.Store
	clock clock.Clock
	log   zerolog.Logger
}

// New creates an offline action queue. store may be nil when persistence is
// disabled.
func New(cfg config.QueueConfig, store *storage.Store, clk clock.Clock) *Queue {
	return &Queue{
		byID:      make(map[string]*types.OfflineAction),
		batches:   make(map[string]*types.ActionBatch),
		completed: make(map[string]struct{}),
		seq:       make(map[string]uint64),
		cfg:       cfg,
		store:     store,
		clock:     clk,
		log:       logging.ForService("queue"),
	}
}

// EnqueueOptions carries the optional parts of an enqueue.
type EnqueueOptions struct {
	Priority     int
	MaxAttempts  int
	Dependencies []string
	ExpiresAt    time.Time
	Optimistic   *types.OptimisticUpdate
}

// Enqueue adds an action, keeping descending-priority order. Returns the
// action ID.
func (q *Queue) Enqueue(componentID, actionType string, payload map[string]any, opts *EnqueueOptions) (string, error) {
	if actionType == "" {
		return "", fmt.Errorf("action type is required")
	}
	if opts == nil {
		opts = &EnqueueOptions{}
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.MaxAttempts
	}

	action := &types.OfflineAction{
		ID:           ulid.Make().String(),
		ComponentID:  componentID,
		Type:         actionType,
		Payload:      payload,
		Priority:     opts.Priority,
		MaxAttempts:  maxAttempts,
		Status:       types.ActionPending,
		Dependencies: opts.Dependencies,
		Optimistic:   opts.Optimistic,
		CreatedAt:    q.clock.Now(),
		ExpiresAt:    opts.ExpiresAt,
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.enqueueLocked(action); err != nil {
		return "", err
	}
	q.persistLocked()
	return action.ID, nil
}

func (q *Queue) enqueueLocked(action *types.OfflineAction) error {
	if len(q.actions) >= q.cfg.Capacity {
		if err := q.applyOverflowLocked(); err != nil {
			return err
		}
	}
	q.insertLocked(action)
	return nil
}

// insertLocked places the action after every queued action with priority
// greater than or equal to its own (stable descending order).
func (q *Queue) insertLocked(action *types.OfflineAction) {
	idx := len(q.actions)
	for i, queued := range q.actions {
		if queued.Priority < action.Priority {
			idx = i
			break
		}
	}
	q.actions = append(q.actions, nil)
	copy(q.actions[idx+1:], q.actions[idx:])
	q.actions[idx] = action

	q.byID[action.ID] = action
	q.seqNext++
	q.seq[action.ID] = q.seqNext
}

func (q *Queue) applyOverflowLocked() error {
	switch q.cfg.Overflow {
	case OverflowDropOldest:
		var victim *types.OfflineAction
		for _, a := range q.actions {
			if victim == nil || q.seq[a.ID] < q.seq[victim.ID] {
				victim = a
			}
		}
		if victim == nil {
			return ErrQueueFull
		}
		q.log.Debug().Str("actionId", victim.ID).Msg("overflow: dropping oldest action")
		q.terminateLocked(victim, types.ActionCancelled, "dropped: queue overflow")
		return nil
	case OverflowDropLowestPriority:
		if len(q.actions) == 0 {
			return ErrQueueFull
		}
		victim := q.actions[len(q.actions)-1]
		q.log.Debug().Str("actionId", victim.ID).Msg("overflow: dropping lowest-priority action")
		q.terminateLocked(victim, types.ActionCancelled, "dropped: queue overflow")
		return nil
	case OverflowCompress:
		// Compress is expiry compaction: terminal actions never linger in
		// the active queue, so dropping expired entries is the only way to
		// reclaim room without losing live work.
		q.purgeExpiredLocked()
		if len(q.actions) >= q.cfg.Capacity {
			return ErrQueueFull
		}
		return nil
	default: // OverflowDropNewest rejects the insert
		return ErrQueueFull
	}
}

// GetPendingActions returns actions ready for processing: pending status,
// unexpired, past any scheduled retry time, with every dependency completed.
// Order is descending priority. Expired actions found on the way are purged.
func (q *Queue) GetPendingActions() []*types.OfflineAction {
	now := q.clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	q.purgeExpiredLocked()

	var out []*types.OfflineAction
	for _, a := range q.actions {
		if a.Status != types.ActionPending {
			continue
		}
		if !a.NextRetryAt.IsZero() && now.Before(a.NextRetryAt) {
			continue
		}
		if !q.dependenciesMetLocked(a) {
			continue
		}
		out = append(out, a)
	}
	return out
}

func (q *Queue) dependenciesMetLocked(a *types.OfflineAction) bool {
	for _, dep := range a.Dependencies {
		if _, ok := q.completed[dep]; !ok {
			return false
		}
	}
	return true
}

// MarkProcessing transitions a pending action to processing.
func (q *Queue) MarkProcessing(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	a, ok := q.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrActionNotFound, id)
	}
	a.Status = types.ActionProcessing
	q.persistLocked()
	return nil
}

// MarkCompleted finishes an action, moves it to history, and updates its
// batch.
func (q *Queue) MarkCompleted(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	a, ok := q.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrActionNotFound, id)
	}
	q.terminateLocked(a, types.ActionCompleted, "")
	q.persistLocked()
	return nil
}

// MarkFailed records a failure. Below the attempt limit the action is
// rescheduled with exponential backoff (base doubled per prior attempt);
// otherwise it terminally fails and moves to history.
func (q *Queue) MarkFailed(id string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	a, ok := q.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrActionNotFound, id)
	}

	a.Attempts++
	if cause != nil {
		a.LastError = cause.Error()
	}

	if a.Attempts < a.MaxAttempts {
		a.Status = types.ActionPending
		a.NextRetryAt = q.clock.Now().Add(q.backoffDelay(a.Attempts))
		q.log.Debug().
			Str("actionId", id).
			Int("attempts", a.Attempts).
			Time("nextRetryAt", a.NextRetryAt).
			Msg("action rescheduled")
	} else {
		q.terminateLocked(a, types.ActionFailed, a.LastError)
	}
	q.persistLocked()
	return nil
}

// Cancel terminates an action without processing it.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	a, ok := q.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrActionNotFound, id)
	}
	q.terminateLocked(a, types.ActionCancelled, "")
	q.persistLocked()
	return nil
}

// backoffDelay computes base × 2^(attempts−1), capped at 2^16 × base.
func (q *Queue) backoffDelay(attempts int) time.Duration {
	shift := attempts - 1
	if shift > 16 {
		shift = 16
	}
	return q.cfg.BackoffBase.Std() << shift
}

// terminateLocked moves an action out of the active queue into history and
// updates batch bookkeeping.
func (q *Queue) terminateLocked(a *types.OfflineAction, status types.ActionStatus, lastError string) {
	a.Status = status
	if lastError != "" {
		a.LastError = lastError
	}
	if status == types.ActionCompleted {
		q.completed[a.ID] = struct{}{}
	}
	q.removeLocked(a.ID)
	q.appendHistoryLocked(a)
	if a.BatchID != "" {
		q.updateBatchLocked(a.BatchID)
	}
}

func (q *Queue) removeLocked(id string) {
	for i, a := range q.actions {
		if a.ID == id {
			q.actions = append(q.actions[:i], q.actions[i+1:]...)
			break
		}
	}
	delete(q.byID, id)
	delete(q.seq, id)
}

func (q *Queue) appendHistoryLocked(a *types.OfflineAction) {
	q.history = append(q.history, a)
	if max := q.cfg.HistorySize; max > 0 && len(q.history) > max {
		q.history = q.history[len(q.history)-max:]
	}
}

// PurgeExpired removes expired actions. They are never processed.
func (q *Queue) PurgeExpired() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.purgeExpiredLocked()
	if n > 0 {
		q.persistLocked()
	}
	return n
}

func (q *Queue) purgeExpiredLocked() int {
	now := q.clock.Now()
	purged := 0
	for _, a := range append([]*types.OfflineAction(nil), q.actions...) {
		if a.Expired(now) {
			q.terminateLocked(a, types.ActionCancelled, "expired")
			purged++
		}
	}
	return purged
}

// Get returns the queued action with the given ID.
func (q *Queue) Get(id string) (*types.OfflineAction, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	a, ok := q.byID[id]
	return a, ok
}

// Len returns the number of actions in the active queue.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions)
}

// History returns the bounded terminal-action log, oldest first.
func (q *Queue) History() []*types.OfflineAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*types.OfflineAction(nil), q.history...)
}

// RollbackOptimistic marks an action's optimistic update as rolled back and
// returns the previous state for the caller to apply.
func (q *Queue) RollbackOptimistic(id string) (map[string]any, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	a, ok := q.byID[id]
	if !ok {
		for i := len(q.history) - 1; i >= 0; i-- {
			if q.history[i].ID == id {
				a = q.history[i]
				break
			}
		}
	}
	if a == nil {
		return nil, fmt.Errorf("%w: %s", ErrActionNotFound, id)
	}
	if a.Optimistic == nil || !a.Optimistic.Applied {
		return nil, fmt.Errorf("action %s has no applied optimistic update", id)
	}
	a.Optimistic.Applied = false
	q.persistLocked()
	return a.Optimistic.Previous, nil
}
