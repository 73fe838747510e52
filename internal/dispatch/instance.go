package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/livesync-io/livesync/pkg/types"
)

// Emitter lets component methods publish scoped events. The event bus
// satisfies it.
type Emitter interface {
	Emit(sourceID, eventType string, data map[string]any, scope types.EventScope, priority int) (string, error)
}

// Instance is a live in-memory component. Methods run one at a time per
// instance: invocations queue on a FIFO channel drained by a single
// goroutine, so two in-flight calls against the same componentId cannot
// interleave.
type Instance struct {
	ID   string
	Type string

	def     *ComponentDefinition
	props   map[string]any
	emitter Emitter

	mu           sync.RWMutex
	state        map[string]any
	lastActivity time.Time

	calls chan *invocation
	quit  chan struct{}
	once  sync.Once
}

type invocation struct {
	ctx        context.Context
	method     *method
	params     []any
	resultCh   chan *invocationOutcome // nil for fire-and-forget async
	notifySink bool
}

type invocationOutcome struct {
	result      any
	err         error
	state       map[string]any
	fingerprint string
}

func newInstance(id string, def *ComponentDefinition, props, state map[string]any, queueSize int, now time.Time) *Instance {
	if state == nil {
		state = make(map[string]any)
	}
	return &Instance{
		ID:           id,
		Type:         def.componentType,
		def:          def,
		props:        props,
		state:        state,
		lastActivity: now,
		calls:        make(chan *invocation, queueSize),
		quit:         make(chan struct{}),
	}
}

// Get reads a state field.
func (i *Instance) Get(key string) any {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state[key]
}

// Set writes a state field.
func (i *Instance) Set(key string, value any) {
	i.mu.Lock()
	i.state[key] = value
	i.mu.Unlock()
}

// Delete removes a state field.
func (i *Instance) Delete(key string) {
	i.mu.Lock()
	delete(i.state, key)
	i.mu.Unlock()
}

// Props returns the instance's creation props.
func (i *Instance) Props() map[string]any { return i.props }

// Emit publishes an event sourced from this component.
func (i *Instance) Emit(eventType string, data map[string]any, scope types.EventScope, priority int) (string, error) {
	if i.emitter == nil {
		return "", fmt.Errorf("no event bus attached")
	}
	return i.emitter.Emit(i.ID, eventType, data, scope, priority)
}

// State returns a copy of the full internal state.
func (i *Instance) State() map[string]any {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make(map[string]any, len(i.state))
	for k, v := range i.state {
		out[k] = v
	}
	return out
}

// ReplaceState swaps the full state map.
func (i *Instance) ReplaceState(state map[string]any) {
	if state == nil {
		state = make(map[string]any)
	}
	i.mu.Lock()
	i.state = state
	i.mu.Unlock()
}

// LastActivity returns the time of the last completed invocation.
func (i *Instance) LastActivity() time.Time {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.lastActivity
}

func (i *Instance) touch(now time.Time) {
	i.mu.Lock()
	i.lastActivity = now
	i.mu.Unlock()
}

func (i *Instance) stop() {
	i.once.Do(func() { close(i.quit) })
}
