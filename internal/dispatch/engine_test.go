package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livesync-io/livesync/internal/clock"
	"github.com/livesync-io/livesync/internal/config"
	"github.com/livesync-io/livesync/internal/hydration"
	"github.com/livesync-io/livesync/internal/identity"
	"github.com/livesync-io/livesync/pkg/types"
)

// chanSink collects out-of-band messages.
type chanSink struct {
	ch chan *types.Message
}

func newChanSink() *chanSink {
	return &chanSink{ch: make(chan *types.Message, 16)}
}

func (s *chanSink) Push(msg *types.Message) { s.ch <- msg }

func (s *chanSink) next(t *testing.T) *types.Message {
	t.Helper()
	select {
	case msg := <-s.ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no out-of-band message arrived")
		return nil
	}
}

// asInt tolerates the float64 that JSON-roundtripped state carries.
func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}

func counterDefinition() *ComponentDefinition {
	return NewComponent("Counter", func(props map[string]any) map[string]any {
		return map[string]any{"count": asInt(props["start"]), "_internal": "hidden", "secretNote": "private"}
	}).
		Fields("count").
		Method("increment", func(ctx context.Context, inst *Instance, params []any) (any, error) {
			n := asInt(inst.Get("count")) + 1
			inst.Set("count", n)
			return n, nil
		}).
		Method("fail", func(ctx context.Context, inst *Instance, params []any) (any, error) {
			return nil, fmt.Errorf("refused")
		}).
		Method("explode", func(ctx context.Context, inst *Instance, params []any) (any, error) {
			panic("boom")
		}).
		AsyncMethod("load", func(ctx context.Context, inst *Instance, params []any) (any, error) {
			inst.Set("count", 42)
			return "loaded", nil
		}).
		AsyncMethod("loadFail", func(ctx context.Context, inst *Instance, params []any) (any, error) {
			return nil, fmt.Errorf("backend down")
		})
}

func newTestEngine(t *testing.T) (*Engine, *chanSink, *hydration.Manager, *identity.Manager) {
	t.Helper()

	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	idm := identity.NewManager(config.IdentityConfig{MaxDepth: 10, MaxInstances: 100}, clk)
	hyd := hydration.NewManager(config.HydrationConfig{
		MaxAge:      config.Duration(30 * time.Minute),
		MaxAttempts: 3,
	}, clk)

	registry := NewRegistry()
	require.NoError(t, registry.Register(counterDefinition()))

	sink := newChanSink()
	e := NewEngine(registry, idm, hyd, nil, sink, clk)
	t.Cleanup(e.Shutdown)

	return e, sink, hyd, idm
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(counterDefinition()))
	assert.Error(t, r.Register(counterDefinition()))
}

func TestRegistryValidates(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register(NewComponent("", nil)))
	assert.Error(t, r.Register(NewComponent("NoState", nil)))
	assert.Error(t, r.Register(NewComponent("Dup", func(map[string]any) map[string]any { return nil }).
		Method("a", func(context.Context, *Instance, []any) (any, error) { return nil, nil }).
		Method("a", func(context.Context, *Instance, []any) (any, error) { return nil, nil })))
}

func TestTriggerSyncMethod(t *testing.T) {
	e, _, _, idm := newTestEngine(t)

	env, err := e.Trigger(context.Background(), TriggerRequest{
		ComponentType: "Counter",
		Method:        "increment",
		Props:         map[string]any{"start": 10},
		ClientID:      "client-1",
	})
	require.NoError(t, err)

	assert.Equal(t, 11, env.FunctionResult.Result)
	assert.Empty(t, env.FunctionResult.Error)
	assert.False(t, env.FunctionResult.IsAsync)
	assert.Equal(t, 11, env.State["count"])
	assert.NotEmpty(t, env.Fingerprint)

	// An identity was created for the new instance.
	_, ok := idm.Get(env.ComponentID)
	assert.True(t, ok)
	assert.True(t, e.HasInstance(env.ComponentID))
}

func TestTriggerSerializationAllowlist(t *testing.T) {
	e, _, _, _ := newTestEngine(t)

	env, err := e.Trigger(context.Background(), TriggerRequest{
		ComponentType: "Counter",
		Method:        "increment",
		ClientID:      "client-1",
	})
	require.NoError(t, err)

	assert.Contains(t, env.State, "count")
	assert.Contains(t, env.State, "id")
	assert.NotContains(t, env.State, "_internal")
	assert.NotContains(t, env.State, "secretNote")
}

func TestTriggerReusesLiveInstance(t *testing.T) {
	e, _, _, _ := newTestEngine(t)

	first, err := e.Trigger(context.Background(), TriggerRequest{
		ComponentType: "Counter",
		Method:        "increment",
		ClientID:      "client-1",
	})
	require.NoError(t, err)

	second, err := e.Trigger(context.Background(), TriggerRequest{
		ComponentID:   first.ComponentID,
		ComponentType: "Counter",
		Method:        "increment",
		ClientID:      "client-1",
	})
	require.NoError(t, err)

	assert.Equal(t, first.ComponentID, second.ComponentID)
	assert.Equal(t, 2, second.State["count"])
}

func TestTriggerUnknownTypeAndMethod(t *testing.T) {
	e, _, _, idm := newTestEngine(t)

	_, err := e.Trigger(context.Background(), TriggerRequest{ComponentType: "Ghost", Method: "x"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = e.Trigger(context.Background(), TriggerRequest{ComponentType: "Counter", Method: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)

	// No instance or identity was created on the failed path.
	assert.Empty(t, e.InstanceIDs())
	assert.Equal(t, 0, idm.Count())
}

func TestTriggerMethodError(t *testing.T) {
	e, _, _, _ := newTestEngine(t)

	env, err := e.Trigger(context.Background(), TriggerRequest{
		ComponentType: "Counter",
		Method:        "fail",
		ClientID:      "client-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "refused", env.FunctionResult.Error)
	// Failed invocations do not store a snapshot.
	assert.Empty(t, env.Fingerprint)
}

func TestTriggerMethodPanicIsContained(t *testing.T) {
	e, _, _, _ := newTestEngine(t)

	env, err := e.Trigger(context.Background(), TriggerRequest{
		ComponentType: "Counter",
		Method:        "explode",
		ClientID:      "client-1",
	})
	require.NoError(t, err)
	assert.Contains(t, env.FunctionResult.Error, "panicked")

	// The instance drainer survives the panic.
	again, err := e.Trigger(context.Background(), TriggerRequest{
		ComponentID:   env.ComponentID,
		ComponentType: "Counter",
		Method:        "increment",
		ClientID:      "client-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, again.State["count"])
}

func TestTriggerAsyncMethod(t *testing.T) {
	e, sink, _, _ := newTestEngine(t)

	env, err := e.Trigger(context.Background(), TriggerRequest{
		ComponentType: "Counter",
		Method:        "load",
		ClientID:      "client-1",
	})
	require.NoError(t, err)

	// The immediate reply is a pending marker with the current state.
	assert.True(t, env.FunctionResult.IsAsync)
	assert.True(t, env.FunctionResult.IsLoading)
	assert.Nil(t, env.FunctionResult.Result)

	// The settled result arrives out-of-band.
	msg := sink.next(t)
	assert.Equal(t, types.MessageFunctionResult, msg.Type)
	assert.Equal(t, env.ComponentID, msg.ComponentID)

	var settled types.ResultEnvelope
	require.NoError(t, msg.DecodePayload(&settled))
	assert.Equal(t, "loaded", settled.FunctionResult.Result)
	assert.True(t, settled.FunctionResult.IsAsync)
	assert.False(t, settled.FunctionResult.IsLoading)
	assert.Equal(t, float64(42), settled.State["count"])
}

func TestTriggerAsyncMethodError(t *testing.T) {
	e, sink, _, _ := newTestEngine(t)

	_, err := e.Trigger(context.Background(), TriggerRequest{
		ComponentType: "Counter",
		Method:        "loadFail",
		ClientID:      "client-1",
	})
	require.NoError(t, err)

	msg := sink.next(t)
	assert.Equal(t, types.MessageFunctionError, msg.Type)

	var settled types.ResultEnvelope
	require.NoError(t, msg.DecodePayload(&settled))
	assert.Equal(t, "backend down", settled.FunctionResult.Error)
}

func TestInvocationsDoNotInterleave(t *testing.T) {
	e, _, _, _ := newTestEngine(t)

	first, err := e.Trigger(context.Background(), TriggerRequest{
		ComponentType: "Counter",
		Method:        "increment",
		ClientID:      "client-1",
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Trigger(context.Background(), TriggerRequest{
				ComponentID:   first.ComponentID,
				ComponentType: "Counter",
				Method:        "increment",
				ClientID:      "client-1",
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	inst, ok := e.Instance(first.ComponentID)
	require.True(t, ok)
	assert.Equal(t, 51, inst.Get("count"))
}

func TestMountStoresSnapshot(t *testing.T) {
	e, _, hyd, _ := newTestEngine(t)

	env, err := e.Mount(context.Background(), MountRequest{
		ComponentType: "Counter",
		ClientID:      "client-1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, env.Fingerprint)

	session, ok := hyd.Get(env.ComponentID)
	require.True(t, ok)
	assert.Equal(t, env.Fingerprint, session.Fingerprint)
}

func TestTriggerHydratesFromSnapshot(t *testing.T) {
	e, _, _, _ := newTestEngine(t)

	// Build up state, then drop the live instance.
	env, err := e.Trigger(context.Background(), TriggerRequest{
		ComponentType: "Counter",
		Method:        "increment",
		ClientID:      "client-1",
	})
	require.NoError(t, err)
	e.Release(env.ComponentID)
	require.False(t, e.HasInstance(env.ComponentID))

	// Reconnect with the fingerprint: state recovers from the snapshot, not
	// from the client's stale copy.
	recovered, err := e.Trigger(context.Background(), TriggerRequest{
		ComponentID:   env.ComponentID,
		ComponentType: "Counter",
		Method:        "increment",
		Fingerprint:   env.Fingerprint,
		ClientState:   map[string]any{"count": float64(0)},
		ClientID:      "client-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, recovered.State["count"])
	assert.False(t, recovered.RequiresRefresh)
}

func TestTriggerFallsBackToClientState(t *testing.T) {
	e, _, _, _ := newTestEngine(t)

	env, err := e.Trigger(context.Background(), TriggerRequest{
		ComponentID:   "counter-unknown1",
		ComponentType: "Counter",
		Method:        "increment",
		Fingerprint:   "stale-fingerprint",
		ClientState:   map[string]any{"count": 5},
		ClientID:      "client-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 6, env.State["count"])
	assert.True(t, env.RequiresRefresh, "no session means the client must refresh")
}

func TestReleaseStopsInstance(t *testing.T) {
	e, _, _, _ := newTestEngine(t)

	env, err := e.Trigger(context.Background(), TriggerRequest{
		ComponentType: "Counter",
		Method:        "increment",
		ClientID:      "client-1",
	})
	require.NoError(t, err)

	e.Release(env.ComponentID)
	assert.False(t, e.HasInstance(env.ComponentID))
	assert.Empty(t, e.InstanceIDs())
}
