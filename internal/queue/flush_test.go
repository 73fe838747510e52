package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livesync-io/livesync/internal/clock"
	"github.com/livesync-io/livesync/internal/config"
	"github.com/livesync-io/livesync/internal/storage"
	"github.com/livesync-io/livesync/pkg/types"
)

func TestFlushDrainsInPriorityOrder(t *testing.T) {
	q, _ := newTestQueue(t, testQueueConfig())

	_, err := q.Enqueue("c1", "low", nil, &EnqueueOptions{Priority: types.PriorityLow})
	require.NoError(t, err)
	_, err = q.Enqueue("c1", "critical", nil, &EnqueueOptions{Priority: types.PriorityCritical})
	require.NoError(t, err)

	var processed []string
	stats, err := q.Flush(context.Background(), func(ctx context.Context, a *OfflineActionView) error {
		processed = append(processed, a.Type)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"critical", "low"}, processed)
	assert.Equal(t, 2, stats.Completed)
	assert.Equal(t, 0, stats.Failed)
	assert.Equal(t, 0, q.Len())
}

func TestFlushDefersFailures(t *testing.T) {
	cfg := testQueueConfig()
	cfg.BackoffBase = config.Duration(time.Millisecond)
	q, _ := newTestQueue(t, cfg)

	_, err := q.Enqueue("c1", "doomed", nil, nil)
	require.NoError(t, err)

	stats, err := q.Flush(context.Background(), func(ctx context.Context, a *OfflineActionView) error {
		return errors.New("server rejected")
	})
	require.NoError(t, err, "a drained round with nothing immediately pending settles the flush")
	assert.Positive(t, stats.Failed)
	// Rescheduled with backoff: still queued, waiting for its retry time.
	assert.Equal(t, 1, stats.Deferred)
	assert.Equal(t, 1, q.Len())
}

func TestFlushHonorsCancellation(t *testing.T) {
	q, _ := newTestQueue(t, testQueueConfig())

	_, err := q.Enqueue("c1", "a", nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = q.Flush(ctx, func(ctx context.Context, a *OfflineActionView) error {
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPersistAndReload(t *testing.T) {
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cfg := testQueueConfig()
	cfg.Persist = true
	store := storage.New(t.TempDir())

	q := New(cfg, store, clk)
	depID, err := q.Enqueue("c1", "create", nil, nil)
	require.NoError(t, err)
	_, err = q.Enqueue("c1", "update", nil, &EnqueueOptions{
		Priority:     types.PriorityHigh,
		Dependencies: []string{depID},
	})
	require.NoError(t, err)
	require.NoError(t, q.MarkProcessing(depID))

	// A fresh queue over the same store sees the same state; interrupted
	// processing restarts as pending.
	restored := New(cfg, store, clk)
	require.NoError(t, restored.Load(context.Background()))

	assert.Equal(t, 2, restored.Len())
	a, ok := restored.Get(depID)
	require.True(t, ok)
	assert.Equal(t, types.ActionPending, a.Status)

	// Dependency gating survives the reload.
	assert.Equal(t, []string{"create"}, pendingTypes(restored))
	require.NoError(t, restored.MarkCompleted(depID))
	assert.Equal(t, []string{"update"}, pendingTypes(restored))
}

func TestLoadWithoutStateIsNoop(t *testing.T) {
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cfg := testQueueConfig()
	cfg.Persist = true

	q := New(cfg, storage.New(t.TempDir()), clk)
	require.NoError(t, q.Load(context.Background()))
	assert.Equal(t, 0, q.Len())
}
