package queue

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"

	"github.com/livesync-io/livesync/pkg/types"
)

// ProcessFunc delivers one action to the server. A returned error counts as
// a failed attempt for that action.
type ProcessFunc func(ctx context.Context, action *OfflineActionView) error

// OfflineActionView is the read-only view handed to ProcessFunc.
type OfflineActionView struct {
	ID          string
	ComponentID string
	Type        string
	Payload     map[string]any
	Priority    int
	Attempts    int
}

// FlushStats summarizes one Flush run.
type FlushStats struct {
	Completed int
	Failed    int
	Deferred  int
}

// Flush drains pending actions in priority order, typically on reconnect.
// Failed actions are rescheduled through MarkFailed; the drain loop itself
// retries with jittered exponential backoff until nothing is immediately
// pending or the context is cancelled.
func (q *Queue) Flush(ctx context.Context, process ProcessFunc) (*FlushStats, error) {
	stats := &FlushStats{}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = q.cfg.BackoffBase.Std()
	bo.RandomizationFactor = 0.5
	bo.Multiplier = 2.0

	operation := func() error {
		pending := q.GetPendingActions()
		if len(pending) == 0 {
			return nil
		}

		roundFailed := 0
		for _, a := range pending {
			if err := ctx.Err(); err != nil {
				return backoff.Permanent(err)
			}
			if err := q.MarkProcessing(a.ID); err != nil {
				continue
			}
			view := &OfflineActionView{
				ID:          a.ID,
				ComponentID: a.ComponentID,
				Type:        a.Type,
				Payload:     a.Payload,
				Priority:    a.Priority,
				Attempts:    a.Attempts,
			}
			if err := process(ctx, view); err != nil {
				_ = q.MarkFailed(a.ID, err)
				roundFailed++
				stats.Failed++
			} else {
				_ = q.MarkCompleted(a.ID)
				stats.Completed++
			}
		}
		if roundFailed > 0 {
			return fmt.Errorf("%d actions failed this round", roundFailed)
		}
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(q.cfg.MaxAttempts)), ctx))

	q.mu.Lock()
	for _, a := range q.actions {
		if a.Status == types.ActionPending {
			stats.Deferred++
		}
	}
	q.mu.Unlock()

	return stats, err
}
