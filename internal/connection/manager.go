// Package connection owns the duplex transport channel: connect and
// reconnect with backoff, heartbeat round-trip measurement, and an ordered
// outbound delivery queue that buffers while disconnected.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/livesync-io/livesync/internal/clock"
	"github.com/livesync-io/livesync/internal/config"
	"github.com/livesync-io/livesync/internal/logging"
	"github.com/livesync-io/livesync/pkg/types"
)

// ErrDelivery marks a transport send failure. The message is re-queued once.
var ErrDelivery = errors.New("delivery failed")

// Transport is the underlying duplex channel. Receive's channel closes when
// the transport drops.
type Transport interface {
	Send(ctx context.Context, msg *types.Message) error
	Receive() <-chan *types.Message
	Close() error
}

// DialFunc establishes a fresh transport.
type DialFunc func(ctx context.Context) (Transport, error)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Manager drives one duplex channel.
type Manager struct {
	mu            sync.Mutex
	state         State
	transport     Transport
	outbound      []*types.Message
	latency       time.Duration
	pendingBeats  map[string]time.Time
	stateHandlers []func(State)
	onMessage     func(*types.Message)

	dial   DialFunc
	cfg    config.ConnectionConfig
	clock  clock.Clock
	log    zerolog.Logger
	cancel context.CancelFunc
}

// NewManager creates a connection manager. Call OnMessage before Connect.
func NewManager(cfg config.ConnectionConfig, dial DialFunc, clk clock.Clock) *Manager {
	return &Manager{
		state:        StateDisconnected,
		pendingBeats: make(map[string]time.Time),
		dial:         dial,
		cfg:          cfg,
		clock:        clk,
		log:          logging.ForService("connection"),
	}
}

// OnMessage sets the handler for inbound messages other than heartbeat acks.
func (m *Manager) OnMessage(fn func(*types.Message)) {
	m.mu.Lock()
	m.onMessage = fn
	m.mu.Unlock()
}

// OnStateChange registers a callback invoked on every state transition.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	m.stateHandlers = append(m.stateHandlers, fn)
	m.mu.Unlock()
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Latency returns the most recent heartbeat round-trip time.
func (m *Manager) Latency() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latency
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	handlers := append(([]func(State))(nil), m.stateHandlers...)
	m.mu.Unlock()

	for _, fn := range handlers {
		fn(s)
	}
}

// Connect dials the transport, retrying with jittered exponential backoff,
// then starts the receive and heartbeat loops and flushes queued messages.
func (m *Manager) Connect(ctx context.Context) error {
	m.setState(StateConnecting)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.ReconnectInitial.Std()
	bo.MaxInterval = m.cfg.ReconnectMax.Std()
	bo.MaxElapsedTime = m.cfg.ReconnectElapsed.Std()
	bo.RandomizationFactor = 0.5

	var transport Transport
	operation := func() error {
		t, err := m.dial(ctx)
		if err != nil {
			m.log.Warn().Err(err).Msg("dial failed, will retry")
			return err
		}
		transport = t
		return nil
	}
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		m.setState(StateDisconnected)
		return fmt.Errorf("connect: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.transport = transport
	m.cancel = cancel
	m.mu.Unlock()
	m.setState(StateConnected)

	// Create the heartbeat ticker here so it is registered with the clock
	// before Connect returns; creating it inside the goroutine races with
	// callers that advance a manual clock immediately after Connect.
	heartbeatTicker := m.clock.NewTicker(m.cfg.HeartbeatEvery.Std())

	go m.receiveLoop(loopCtx, transport)
	go m.heartbeatLoop(loopCtx, heartbeatTicker)

	m.flush(ctx)
	return nil
}

// Disconnect tears the channel down without reconnecting.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	transport := m.transport
	cancel := m.cancel
	m.transport = nil
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if transport != nil {
		_ = transport.Close()
	}
	m.setState(StateDisconnected)
}

// Send delivers a message, or queues it in order when the channel is down.
// A transport failure re-queues the message once and reports ErrDelivery.
func (m *Manager) Send(ctx context.Context, msg *types.Message) error {
	m.mu.Lock()
	transport := m.transport
	connected := m.state == StateConnected && transport != nil
	if !connected {
		m.enqueueLocked(msg)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := transport.Send(ctx, msg); err != nil {
		m.mu.Lock()
		m.enqueueLocked(msg)
		m.mu.Unlock()
		m.log.Error().Err(err).Str("messageId", msg.ID).Msg("send failed, message re-queued")
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	return nil
}

// Push satisfies the dispatch engine's result sink.
func (m *Manager) Push(msg *types.Message) {
	_ = m.Send(context.Background(), msg)
}

// QueuedCount returns the number of messages waiting for delivery.
func (m *Manager) QueuedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.outbound)
}

func (m *Manager) enqueueLocked(msg *types.Message) {
	if m.cfg.OutboundBuffer > 0 && len(m.outbound) >= m.cfg.OutboundBuffer {
		// Oldest message yields; the queue preserves order, not history.
		m.outbound = m.outbound[1:]
	}
	m.outbound = append(m.outbound, msg)
}

// flush delivers queued messages in order.
func (m *Manager) flush(ctx context.Context) {
	for {
		m.mu.Lock()
		if len(m.outbound) == 0 || m.state != StateConnected || m.transport == nil {
			m.mu.Unlock()
			return
		}
		msg := m.outbound[0]
		m.outbound = m.outbound[1:]
		transport := m.transport
		m.mu.Unlock()

		if err := transport.Send(ctx, msg); err != nil {
			m.mu.Lock()
			m.outbound = append([]*types.Message{msg}, m.outbound...)
			m.mu.Unlock()
			m.log.Warn().Err(err).Msg("flush interrupted")
			return
		}
	}
}

func (m *Manager) receiveLoop(ctx context.Context, transport Transport) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-transport.Receive():
			if !ok {
				m.log.Warn().Msg("transport dropped, reconnecting")
				m.reconnect()
				return
			}
			m.handleInbound(msg)
		}
	}
}

func (m *Manager) handleInbound(msg *types.Message) {
	if msg.Type == types.MessageHeartbeatAck {
		m.mu.Lock()
		if sentAt, ok := m.pendingBeats[msg.ReplyTo]; ok {
			m.latency = m.clock.Now().Sub(sentAt)
			delete(m.pendingBeats, msg.ReplyTo)
		}
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	handler := m.onMessage
	m.mu.Unlock()
	if handler != nil {
		handler(msg)
	}
}

func (m *Manager) heartbeatLoop(ctx context.Context, ticker clock.Ticker) {
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			m.sendHeartbeat(ctx)
		}
	}
}

func (m *Manager) sendHeartbeat(ctx context.Context) {
	now := m.clock.Now()
	msg := &types.Message{
		ID:        ulid.Make().String(),
		Type:      types.MessageHeartbeat,
		Timestamp: now,
	}
	_ = msg.SetPayload(types.HeartbeatPayload{SentAt: now})

	m.mu.Lock()
	m.pendingBeats[msg.ID] = now
	transport := m.transport
	m.mu.Unlock()

	if transport == nil {
		return
	}
	if err := transport.Send(ctx, msg); err != nil {
		m.log.Debug().Err(err).Msg("heartbeat send failed")
	}
}

// reconnect re-dials in the background with backoff.
func (m *Manager) reconnect() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.transport = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	m.setState(StateReconnecting)
	if err := m.Connect(context.Background()); err != nil {
		m.log.Error().Err(err).Msg("reconnect gave up")
	}
}
