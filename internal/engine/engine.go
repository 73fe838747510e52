// Package engine constructs and owns the synchronization core: identity,
// hydration, event bus, dispatch, offline queue and conflict resolver are
// built here, wired by reference, and torn down by an explicit Shutdown.
// There are no package-level singletons.
package engine

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/livesync-io/livesync/internal/bus"
	"github.com/livesync-io/livesync/internal/clock"
	"github.com/livesync-io/livesync/internal/config"
	"github.com/livesync-io/livesync/internal/conflict"
	"github.com/livesync-io/livesync/internal/dispatch"
	"github.com/livesync-io/livesync/internal/hydration"
	"github.com/livesync-io/livesync/internal/identity"
	"github.com/livesync-io/livesync/internal/logging"
	"github.com/livesync-io/livesync/internal/queue"
	"github.com/livesync-io/livesync/internal/storage"
	"github.com/livesync-io/livesync/pkg/types"
)

// Engine owns all core services.
type Engine struct {
	cfg   *config.Config
	clock clock.Clock

	Identity  *identity.Manager
	Hydration *hydration.Manager
	Bus       *bus.Bus
	Registry  *dispatch.Registry
	Dispatch  *dispatch.Engine
	Queue     *queue.Queue
	Conflict  *conflict.Resolver

	outMu   sync.Mutex
	outSubs map[uint64]func(*types.Message)
	outNext uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    zerolog.Logger
}

// Option customizes engine construction.
type Option func(*options)

type options struct {
	clock clock.Clock
	store *storage.Store
}

// WithClock injects a clock, letting tests drive sweeps with virtual time.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// WithStore injects the persistence store for the offline queue.
func WithStore(store *storage.Store) Option {
	return func(o *options) { o.store = store }
}

// New builds the engine from configuration. Call Init to start background
// work and Shutdown to tear everything down.
func New(cfg *config.Config, opts ...Option) *Engine {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	if o.store == nil && cfg.Queue.Persist && cfg.Queue.Dir != "" {
		o.store = storage.New(cfg.Queue.Dir)
	}

	e := &Engine{
		cfg:     cfg,
		clock:   o.clock,
		outSubs: make(map[uint64]func(*types.Message)),
		log:     logging.ForService("engine"),
	}

	e.Identity = identity.NewManager(cfg.Identity, o.clock)
	e.Hydration = hydration.NewManager(cfg.Hydration, o.clock)
	e.Bus = bus.New(cfg.Bus, e.Identity, o.clock)
	e.Registry = dispatch.NewRegistry()
	e.Dispatch = dispatch.NewEngine(e.Registry, e.Identity, e.Hydration, e.Bus, e, o.clock)
	e.Queue = queue.New(cfg.Queue, o.store, o.clock)
	e.Conflict = conflict.NewResolver(cfg.Conflict, o.clock)

	return e
}

// Init restores persisted queue state and starts the delivery and sweep
// tickers.
func (e *Engine) Init(ctx context.Context) error {
	if err := e.Queue.Load(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	// Create tickers here so they are registered with the clock before Init
	// returns; creating them inside the goroutines races with callers that
	// advance a manual clock immediately after Init.
	deliveryTicker := e.clock.NewTicker(e.cfg.Bus.DeliverEvery.Std())
	sweepTicker := e.clock.NewTicker(e.cfg.Identity.SweepEvery.Std())

	e.wg.Add(2)
	go e.deliveryLoop(loopCtx, deliveryTicker)
	go e.sweepLoop(loopCtx, sweepTicker)

	e.log.Info().Msg("engine initialized")
	return nil
}

// deliveryLoop drains the event bus queue on a timer tick, bounding work per
// tick instead of delivering on every mutation.
func (e *Engine) deliveryLoop(ctx context.Context, ticker clock.Ticker) {
	defer e.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			e.Bus.DeliverPending(ctx)
		}
	}
}

// sweepLoop runs the periodic hygiene passes: hydration session expiry,
// action expiry, and identity/instance leak detection.
func (e *Engine) sweepLoop(ctx context.Context, ticker clock.Ticker) {
	defer e.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			e.Hydration.Sweep()
			e.Queue.PurgeExpired()
			e.sweepLeaks()
		}
	}
}

// sweepLeaks reports stale identities and force-destroys orphan instances
// past the stricter staleness threshold.
func (e *Engine) sweepLeaks() {
	report := e.Identity.SweepLeaks(e.Dispatch.InstanceIDs(), e.Dispatch.HasInstance)

	orphanCutoff := e.clock.Now().Add(-e.cfg.Identity.OrphanAfter.Std())
	for _, id := range report.OrphanInstances {
		inst, ok := e.Dispatch.Instance(id)
		if !ok {
			continue
		}
		if inst.LastActivity().Before(orphanCutoff) {
			e.log.Warn().Str("componentId", id).Msg("force-destroying orphan instance")
			e.Dispatch.Release(id)
			e.Bus.UnsubscribeComponent(id)
			e.Hydration.Remove(id)
		}
	}
}

// DestroyComponent destroys a component and its descendants: identities,
// live instances, subscriptions and snapshots.
func (e *Engine) DestroyComponent(id string) error {
	subtree := []string{id}
	if h, err := e.Identity.GetHierarchy(id); err == nil {
		for _, d := range h.Descendants {
			subtree = append(subtree, d.ComponentID)
		}
	}

	if err := e.Identity.Destroy(id); err != nil {
		return err
	}
	for _, cid := range subtree {
		e.Dispatch.Release(cid)
		e.Bus.UnsubscribeComponent(cid)
		e.Hydration.Remove(cid)
	}
	return nil
}

// DisconnectClient cleans up after a client goes away for good.
func (e *Engine) DisconnectClient(clientID string) int {
	var ids []string
	for _, id := range e.Identity.List() {
		if ident, ok := e.Identity.Get(id); ok && ident.ClientID == clientID {
			ids = append(ids, id)
		}
	}
	n := e.Identity.DestroyAllForClient(clientID)
	for _, id := range ids {
		e.Dispatch.Release(id)
		e.Bus.UnsubscribeComponent(id)
		e.Hydration.Remove(id)
	}
	return n
}

// Shutdown cancels background timers, cascades destruction to all live
// identities, and closes the bus.
func (e *Engine) Shutdown(ctx context.Context) error {
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.wg.Wait()

	for _, id := range e.Identity.List() {
		if ident, ok := e.Identity.Get(id); ok && ident.ParentID == "" {
			if err := e.DestroyComponent(id); err != nil {
				e.log.Warn().Err(err).Str("componentId", id).Msg("shutdown destroy failed")
			}
		}
	}

	e.Dispatch.Shutdown()
	err := e.Bus.Close()

	e.log.Info().Msg("engine shut down")
	return err
}

// Push fans an out-of-band message (async method results, server-initiated
// updates) out to every outbound subscriber. It satisfies the dispatch
// engine's result sink.
func (e *Engine) Push(msg *types.Message) {
	e.outMu.Lock()
	subs := make([]func(*types.Message), 0, len(e.outSubs))
	for _, fn := range e.outSubs {
		subs = append(subs, fn)
	}
	e.outMu.Unlock()

	if len(subs) == 0 {
		e.log.Debug().Str("messageId", msg.ID).Msg("outbound message dropped: no subscribers")
		return
	}
	for _, fn := range subs {
		fn(msg)
	}
}

// SubscribeOutbound registers a callback for out-of-band messages. Returns
// an unsubscribe function.
func (e *Engine) SubscribeOutbound(fn func(*types.Message)) func() {
	e.outMu.Lock()
	e.outNext++
	id := e.outNext
	e.outSubs[id] = fn
	e.outMu.Unlock()

	return func() {
		e.outMu.Lock()
		delete(e.outSubs, id)
		e.outMu.Unlock()
	}
}
