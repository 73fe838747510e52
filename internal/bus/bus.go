// Package bus provides the scoped publish/subscribe system for the component
// hierarchy. It keeps the same split as a classic watermill setup: gochannel
// infrastructure carries serialized copies of every delivered event, while a
// direct subscriber registry preserves type information for in-process
// handlers.
//
// Targets are resolved once at emission from the hierarchy at that instant.
// Queued events are drained in descending priority order on each tick.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/livesync-io/livesync/internal/clock"
	"github.com/livesync-io/livesync/internal/config"
	"github.com/livesync-io/livesync/internal/logging"
	"github.com/livesync-io/livesync/pkg/types"
)

// TopicEvents is the watermill topic delivered events are mirrored to.
const TopicEvents = "livesync.events"

// ScopeResolver resolves event scopes against the component hierarchy. The
// identity manager satisfies it.
type ScopeResolver interface {
	ResolveScope(sourceID string, scope types.EventScope) []string
	Get(id string) (*types.ComponentIdentity, bool)
}

// HandlerFunc handles one delivered event. The context carries the per
// handler timeout.
type HandlerFunc func(ctx context.Context, ev *types.LiveEvent) error

type subscription struct {
	id          string
	componentID string
	eventType   string // exact type or "*"
	scope       types.EventScope
	handler     HandlerFunc
	filter      *SubscriptionFilter
}

// Bus is the scoped event bus.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]*subscription
	byComp  map[string][]*subscription
	pending []*types.LiveEvent
	history *ring
	closed  bool

	pubsub   *gochannel.GoChannel
	resolver ScopeResolver
	cfg      config.BusConfig
	clock    clock.Clock
	log      zerolog.Logger
}

// New creates an event bus over the given scope resolver.
func New(cfg config.BusConfig, resolver ScopeResolver, clk clock.Clock) *Bus {
	return &Bus{
		subs:   make(map[string]*subscription),
		byComp: make(map[string][]*subscription),
		history: newRing(cfg.HistorySize),
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: int64(cfg.ChannelBuffer),
				Persistent:          false,
			},
			watermill.NopLogger{},
		),
		resolver: resolver,
		cfg:      cfg,
		clock:    clk,
		log:      logging.ForService("bus"),
	}
}

// Emit queues an event. Targets are resolved from the hierarchy now and not
// re-evaluated at delivery. Returns the event ID.
func (b *Bus) Emit(sourceID, eventType string, data map[string]any, scope types.EventScope, priority int) (string, error) {
	return b.emit(sourceID, eventType, data, scope, priority, false)
}

// emit carries the replay tag so replayed copies are queued already marked,
// never patched after a delivery tick could have drained them.
func (b *Bus) emit(sourceID, eventType string, data map[string]any, scope types.EventScope, priority int, replay bool) (string, error) {
	if eventType == "" {
		return "", fmt.Errorf("event type is required")
	}
	if scope == "" {
		scope = types.ScopeGlobal
	}

	ev := &types.LiveEvent{
		ID:        ulid.Make().String(),
		Type:      eventType,
		SourceID:  sourceID,
		TargetIDs: b.resolver.ResolveScope(sourceID, scope),
		Data:      data,
		Scope:     scope,
		Priority:  priority,
		Replay:    replay,
		Timestamp: b.clock.Now(),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", fmt.Errorf("bus is closed")
	}
	b.insertPendingLocked(ev)
	b.mu.Unlock()

	return ev.ID, nil
}

// insertPendingLocked keeps pending sorted by descending priority with a
// stable linear scan.
func (b *Bus) insertPendingLocked(ev *types.LiveEvent) {
	idx := len(b.pending)
	for i, queued := range b.pending {
		if ev.Priority > queued.Priority {
			idx = i
			break
		}
	}
	b.pending = append(b.pending, nil)
	copy(b.pending[idx+1:], b.pending[idx:])
	b.pending[idx] = ev
}

// DeliverPending drains the queue, delivering each event to every active
// subscription whose component is among the resolved targets. Handler
// failures and timeouts are logged and never block delivery to others.
// Returns the number of events delivered.
func (b *Bus) DeliverPending(ctx context.Context) int {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	for _, ev := range batch {
		b.deliver(ctx, ev)
		b.history.add(ev)
		b.mirror(ev)
	}
	return len(batch)
}

func (b *Bus) deliver(ctx context.Context, ev *types.LiveEvent) {
	for _, targetID := range ev.TargetIDs {
		if ev.Stopped {
			break
		}
		b.mu.RLock()
		subs := append([]*subscription(nil), b.byComp[targetID]...)
		b.mu.RUnlock()

		for _, sub := range subs {
			if ev.Stopped {
				break
			}
			if !b.matches(sub, ev) {
				continue
			}
			ev.HopCount++
			b.invoke(ctx, sub, ev)
		}
	}
}

func (b *Bus) invoke(ctx context.Context, sub *subscription, ev *types.LiveEvent) {
	tctx, cancel := context.WithTimeout(ctx, b.cfg.HandlerTimeout.Std())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- sub.handler(tctx, ev)
	}()

	select {
	case err := <-done:
		if err != nil {
			b.log.Error().
				Err(err).
				Str("eventId", ev.ID).
				Str("eventType", ev.Type).
				Str("subscriptionId", sub.id).
				Msg("event handler failed")
		}
	case <-tctx.Done():
		b.log.Error().
			Str("eventId", ev.ID).
			Str("eventType", ev.Type).
			Str("subscriptionId", sub.id).
			Dur("timeout", b.cfg.HandlerTimeout.Std()).
			Msg("event handler timed out")
	}
}

// mirror publishes a serialized copy of the event to the watermill topic for
// out-of-process consumers.
func (b *Bus) mirror(ev *types.LiveEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := b.pubsub.Publish(TopicEvents, message.NewMessage(ev.ID, payload)); err != nil {
		b.log.Debug().Err(err).Str("eventId", ev.ID).Msg("watermill mirror publish failed")
	}
}

// PendingCount returns the number of queued, undelivered events.
func (b *Bus) PendingCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.pending)
}

// PubSub exposes the underlying watermill GoChannel so callers can subscribe
// to the serialized event stream or swap in middleware.
func (b *Bus) PubSub() *gochannel.GoChannel {
	return b.pubsub
}

// Close drops all subscriptions and closes the watermill channel.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.subs = make(map[string]*subscription)
	b.byComp = make(map[string][]*subscription)
	b.pending = nil
	b.mu.Unlock()

	return b.pubsub.Close()
}
