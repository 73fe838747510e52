package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livesync-io/livesync/internal/clock"
	"github.com/livesync-io/livesync/internal/config"
	"github.com/livesync-io/livesync/pkg/types"
)

type fakeTransport struct {
	mu     sync.Mutex
	sent   []*types.Message
	fail   bool
	inbox  chan *types.Message
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbox: make(chan *types.Message, 16)}
}

func (f *fakeTransport) Send(ctx context.Context, msg *types.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("wire broke")
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Receive() <-chan *types.Message { return f.inbox }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) sentIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, m := range f.sent {
		out[i] = m.ID
	}
	return out
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) lastSent() *types.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeTransport) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func testConnConfig() config.ConnectionConfig {
	return config.ConnectionConfig{
		HeartbeatEvery:   config.Duration(time.Second),
		ReconnectInitial: config.Duration(time.Millisecond),
		ReconnectMax:     config.Duration(5 * time.Millisecond),
		ReconnectElapsed: config.Duration(time.Second),
		OutboundBuffer:   8,
	}
}

func dialTo(transport Transport) DialFunc {
	return func(ctx context.Context) (Transport, error) {
		return transport, nil
	}
}

func testMessage(msgType types.MessageType) *types.Message {
	return &types.Message{ID: ulid.Make().String(), Type: msgType}
}

func TestConnectTransitionsState(t *testing.T) {
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	transport := newFakeTransport()
	m := NewManager(testConnConfig(), dialTo(transport), clk)
	defer m.Disconnect()

	var mu sync.Mutex
	var states []State
	m.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, StateConnected, m.State())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateConnecting, StateConnected}, states)
}

func TestConnectRetriesDial(t *testing.T) {
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	transport := newFakeTransport()

	var attempts atomic.Int32
	dial := func(ctx context.Context) (Transport, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("refused")
		}
		return transport, nil
	}

	m := NewManager(testConnConfig(), dial, clk)
	defer m.Disconnect()

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, StateConnected, m.State())
}

func TestSendQueuesWhileDisconnectedAndFlushesInOrder(t *testing.T) {
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	transport := newFakeTransport()
	m := NewManager(testConnConfig(), dialTo(transport), clk)
	defer m.Disconnect()

	first := testMessage(types.MessageStateUpdate)
	second := testMessage(types.MessageStateUpdate)
	require.NoError(t, m.Send(context.Background(), first))
	require.NoError(t, m.Send(context.Background(), second))
	assert.Equal(t, 2, m.QueuedCount())
	assert.Equal(t, 0, transport.sentCount())

	require.NoError(t, m.Connect(context.Background()))

	assert.Equal(t, 0, m.QueuedCount())
	assert.Equal(t, []string{first.ID, second.ID}, transport.sentIDs())
}

func TestSendDeliversWhenConnected(t *testing.T) {
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	transport := newFakeTransport()
	m := NewManager(testConnConfig(), dialTo(transport), clk)
	defer m.Disconnect()
	require.NoError(t, m.Connect(context.Background()))

	msg := testMessage(types.MessageStateUpdate)
	require.NoError(t, m.Send(context.Background(), msg))
	assert.Equal(t, []string{msg.ID}, transport.sentIDs())
	assert.Equal(t, 0, m.QueuedCount())
}

func TestSendFailureRequeues(t *testing.T) {
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	transport := newFakeTransport()
	m := NewManager(testConnConfig(), dialTo(transport), clk)
	defer m.Disconnect()
	require.NoError(t, m.Connect(context.Background()))

	transport.setFail(true)
	msg := testMessage(types.MessageStateUpdate)
	err := m.Send(context.Background(), msg)
	assert.ErrorIs(t, err, ErrDelivery)
	assert.Equal(t, 1, m.QueuedCount())
}

func TestOutboundBufferDropsOldest(t *testing.T) {
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	transport := newFakeTransport()
	cfg := testConnConfig()
	cfg.OutboundBuffer = 2
	m := NewManager(cfg, dialTo(transport), clk)
	defer m.Disconnect()

	dropped := testMessage(types.MessageStateUpdate)
	kept1 := testMessage(types.MessageStateUpdate)
	kept2 := testMessage(types.MessageStateUpdate)
	for _, msg := range []*types.Message{dropped, kept1, kept2} {
		require.NoError(t, m.Send(context.Background(), msg))
	}
	assert.Equal(t, 2, m.QueuedCount())

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, []string{kept1.ID, kept2.ID}, transport.sentIDs())
}

func TestHeartbeatMeasuresLatency(t *testing.T) {
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	transport := newFakeTransport()
	m := NewManager(testConnConfig(), dialTo(transport), clk)
	defer m.Disconnect()
	require.NoError(t, m.Connect(context.Background()))

	clk.Advance(time.Second)
	require.Eventually(t, func() bool {
		return transport.sentCount() == 1
	}, 2*time.Second, 5*time.Millisecond, "heartbeat fires on the interval")

	beat := transport.lastSent()
	require.Equal(t, types.MessageHeartbeat, beat.Type)

	clk.Advance(200 * time.Millisecond)
	transport.inbox <- &types.Message{
		ID:      ulid.Make().String(),
		Type:    types.MessageHeartbeatAck,
		ReplyTo: beat.ID,
	}

	require.Eventually(t, func() bool {
		return m.Latency() == 200*time.Millisecond
	}, 2*time.Second, 5*time.Millisecond)
}

func TestInboundMessagesReachHandler(t *testing.T) {
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	transport := newFakeTransport()
	m := NewManager(testConnConfig(), dialTo(transport), clk)
	defer m.Disconnect()

	received := make(chan *types.Message, 1)
	m.OnMessage(func(msg *types.Message) { received <- msg })
	require.NoError(t, m.Connect(context.Background()))

	inbound := testMessage(types.MessageStateUpdate)
	transport.inbox <- inbound

	select {
	case got := <-received:
		assert.Equal(t, inbound.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("inbound message never reached the handler")
	}
}

func TestTransportDropTriggersReconnect(t *testing.T) {
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	first := newFakeTransport()
	second := newFakeTransport()

	var dials atomic.Int32
	dial := func(ctx context.Context) (Transport, error) {
		if dials.Add(1) == 1 {
			return first, nil
		}
		return second, nil
	}

	m := NewManager(testConnConfig(), dial, clk)
	defer m.Disconnect()
	require.NoError(t, m.Connect(context.Background()))

	close(first.inbox)

	require.Eventually(t, func() bool {
		return dials.Load() >= 2 && m.State() == StateConnected
	}, 2*time.Second, 5*time.Millisecond, "a dropped transport redials")

	// The fresh transport carries traffic now.
	msg := testMessage(types.MessageStateUpdate)
	require.NoError(t, m.Send(context.Background(), msg))
	require.Eventually(t, func() bool {
		return second.sentCount() >= 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDisconnectClosesTransportAndQueuesLaterSends(t *testing.T) {
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	transport := newFakeTransport()
	m := NewManager(testConnConfig(), dialTo(transport), clk)
	require.NoError(t, m.Connect(context.Background()))

	m.Disconnect()
	assert.Equal(t, StateDisconnected, m.State())
	transport.mu.Lock()
	closed := transport.closed
	transport.mu.Unlock()
	assert.True(t, closed)

	require.NoError(t, m.Send(context.Background(), testMessage(types.MessageStateUpdate)))
	assert.Equal(t, 1, m.QueuedCount())
}
