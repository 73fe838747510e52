package queue

import (
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/livesync-io/livesync/pkg/types"
)

// BatchItem is one action of a batch enqueue.
type BatchItem struct {
	ComponentID string
	Type        string
	Payload     map[string]any
	Options     *EnqueueOptions
}

// BatchOptions tunes a batch enqueue. An atomic batch fails as a whole when
// any member fails.
type BatchOptions struct {
	Atomic bool
}

// EnqueueBatch adds a group of actions under one batch ID. When the batch is
// atomic and any insert is rejected, already-inserted members are rolled
// back.
func (q *Queue) EnqueueBatch(items []BatchItem, opts *BatchOptions) (string, error) {
	if len(items) == 0 {
		return "", fmt.Errorf("batch must contain at least one action")
	}
	if opts == nil {
		opts = &BatchOptions{}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	batch := &types.ActionBatch{
		ID:        ulid.Make().String(),
		Atomic:    opts.Atomic,
		Status:    types.BatchPending,
		CreatedAt: q.clock.Now(),
	}

	var inserted []string
	for _, item := range items {
		if item.Type == "" {
			q.rollbackBatchLocked(inserted)
			return "", fmt.Errorf("batch action type is required")
		}
		o := item.Options
		if o == nil {
			o = &EnqueueOptions{}
		}
		maxAttempts := o.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = q.cfg.MaxAttempts
		}
		action := &types.OfflineAction{
			ID:           ulid.Make().String(),
			ComponentID:  item.ComponentID,
			Type:         item.Type,
			Payload:      item.Payload,
			Priority:     o.Priority,
			MaxAttempts:  maxAttempts,
			Status:       types.ActionPending,
			Dependencies: o.Dependencies,
			Optimistic:   o.Optimistic,
			BatchID:      batch.ID,
			CreatedAt:    q.clock.Now(),
			ExpiresAt:    o.ExpiresAt,
		}
		if err := q.enqueueLocked(action); err != nil {
			if opts.Atomic {
				q.rollbackBatchLocked(inserted)
				return "", fmt.Errorf("atomic batch rejected: %w", err)
			}
			continue
		}
		inserted = append(inserted, action.ID)
		batch.ActionIDs = append(batch.ActionIDs, action.ID)
	}

	if len(batch.ActionIDs) == 0 {
		return "", ErrQueueFull
	}

	q.batches[batch.ID] = batch
	q.persistLocked()
	return batch.ID, nil
}

func (q *Queue) rollbackBatchLocked(ids []string) {
	for _, id := range ids {
		q.removeLocked(id)
	}
}

// GetBatch returns a batch by ID.
func (q *Queue) GetBatch(id string) (*types.ActionBatch, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	b, ok := q.batches[id]
	return b, ok
}

// updateBatchLocked recomputes a batch's aggregate status once a member
// reaches a terminal state. A batch settles only when every member is
// terminal: all completed ⇒ completed; atomic with any failure ⇒ failed;
// otherwise partial.
func (q *Queue) updateBatchLocked(batchID string) {
	batch, ok := q.batches[batchID]
	if !ok {
		return
	}

	completed, failed := 0, 0
	for _, id := range batch.ActionIDs {
		status, terminal := q.memberStatusLocked(id)
		if !terminal {
			return // batch still in flight
		}
		switch status {
		case types.ActionCompleted:
			completed++
		default:
			failed++
		}
	}

	switch {
	case failed == 0:
		batch.Status = types.BatchCompleted
	case batch.Atomic:
		batch.Status = types.BatchFailed
	case completed > 0:
		batch.Status = types.BatchPartial
	default:
		batch.Status = types.BatchFailed
	}
}

func (q *Queue) memberStatusLocked(id string) (types.ActionStatus, bool) {
	if a, ok := q.byID[id]; ok {
		return a.Status, a.Status.Terminal()
	}
	for i := len(q.history) - 1; i >= 0; i-- {
		if q.history[i].ID == id {
			return q.history[i].Status, true
		}
	}
	// Evicted from bounded history; it was terminal to get there.
	if _, ok := q.completed[id]; ok {
		return types.ActionCompleted, true
	}
	return types.ActionFailed, true
}
