package queue

import (
	"context"
	"errors"

	"github.com/livesync-io/livesync/internal/storage"
	"github.com/livesync-io/livesync/pkg/types"
)

// persistKey is the single named key the serialized queue state lives under.
const persistKey = "offline-queue"

// persistedState is the full queue, batch and history state written on every
// mutating operation when persistence is enabled.
type persistedState struct {
	Actions   []*types.OfflineAction        `json:"actions"`
	Batches   map[string]*types.ActionBatch `json:"batches"`
	History   []*types.OfflineAction        `json:"history"`
	Completed []string                      `json:"completed"`
	Seq       map[string]uint64             `json:"seq"`
	SeqNext   uint64                        `json:"seqNext"`
}

func (q *Queue) persistLocked() {
	if !q.cfg.Persist || q.store == nil {
		return
	}
	state := persistedState{
		Actions:   q.actions,
		Batches:   q.batches,
		History:   q.history,
		Seq:       q.seq,
		SeqNext:   q.seqNext,
		Completed: make([]string, 0, len(q.completed)),
	}
	for id := range q.completed {
		state.Completed = append(state.Completed, id)
	}
	if err := q.store.Put(context.Background(), persistKey, &state); err != nil {
		q.log.Error().Err(err).Msg("queue persistence write failed")
	}
}

// Load restores the queue from the persisted state, if any. A missing file
// is not an error.
func (q *Queue) Load(ctx context.Context) error {
	if !q.cfg.Persist || q.store == nil {
		return nil
	}

	var state persistedState
	if err := q.store.Get(ctx, persistKey, &state); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.actions = state.Actions
	q.history = state.History
	q.seqNext = state.SeqNext
	q.byID = make(map[string]*types.OfflineAction, len(state.Actions))
	for _, a := range state.Actions {
		// Interrupted processing restarts as pending.
		if a.Status == types.ActionProcessing {
			a.Status = types.ActionPending
		}
		q.byID[a.ID] = a
	}
	q.batches = state.Batches
	if q.batches == nil {
		q.batches = make(map[string]*types.ActionBatch)
	}
	q.seq = state.Seq
	if q.seq == nil {
		q.seq = make(map[string]uint64)
	}
	q.completed = make(map[string]struct{}, len(state.Completed))
	for _, id := range state.Completed {
		q.completed[id] = struct{}{}
	}

	q.log.Info().Int("actions", len(q.actions)).Int("batches", len(q.batches)).Msg("queue state restored")
	return nil
}
