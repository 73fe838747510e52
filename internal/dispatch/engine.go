package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/livesync-io/livesync/internal/clock"
	"github.com/livesync-io/livesync/internal/hydration"
	"github.com/livesync-io/livesync/internal/identity"
	"github.com/livesync-io/livesync/internal/logging"
	"github.com/livesync-io/livesync/pkg/types"
)

// ErrNotFound marks unknown component types and methods. No state is mutated
// when it is returned.
var ErrNotFound = errors.New("not found")

// instanceQueueSize bounds queued invocations per live instance.
const instanceQueueSize = 64

// ResultSink receives out-of-band messages: the settled results of
// asynchronous method invocations. The connection manager satisfies it.
type ResultSink interface {
	Push(msg *types.Message)
}

// Engine executes remote method invocations against live component
// instances.
type Engine struct {
	registry  *Registry
	identity  *identity.Manager
	hydration *hydration.Manager
	emitter   Emitter
	sink      ResultSink

	mu        sync.RWMutex
	instances map[string]*Instance

	clock clock.Clock
	log   zerolog.Logger
}

// NewEngine creates a dispatch engine. emitter and sink may be nil; methods
// then cannot emit events and async results are dropped with a log line.
func NewEngine(registry *Registry, idm *identity.Manager, hyd *hydration.Manager, emitter Emitter, sink ResultSink, clk clock.Clock) *Engine {
	return &Engine{
		registry:  registry,
		identity:  idm,
		hydration: hyd,
		emitter:   emitter,
		sink:      sink,
		instances: make(map[string]*Instance),
		clock:     clk,
		log:       logging.ForService("dispatch"),
	}
}

// SetSink attaches the out-of-band result sink after construction.
func (e *Engine) SetSink(sink ResultSink) { e.sink = sink }

// TriggerRequest is a remote method invocation.
type TriggerRequest struct {
	ComponentID   string
	ComponentType string
	Method        string
	Params        []any
	Props         map[string]any
	ClientState   map[string]any
	Fingerprint   string
	ClientID      string
	UserID        string
	ParentID      string
}

// Trigger resolves or creates the instance and invokes the named method.
// Synchronous methods block until settled; asynchronous methods return the
// current state with a pending marker and push their settled result through
// the sink. Unknown component types or methods fail with ErrNotFound and no
// state mutation.
func (e *Engine) Trigger(ctx context.Context, req TriggerRequest) (*types.ResultEnvelope, error) {
	def, ok := e.registry.Get(req.ComponentType)
	if !ok {
		return nil, fmt.Errorf("%w: component type %q", ErrNotFound, req.ComponentType)
	}
	meth, ok := def.methods[req.Method]
	if !ok {
		return nil, fmt.Errorf("%w: method %q on component %q", ErrNotFound, req.Method, req.ComponentType)
	}

	inst, requiresRefresh, err := e.resolveInstance(def, req)
	if err != nil {
		return nil, err
	}

	if meth.async {
		inv := &invocation{
			ctx:        context.WithoutCancel(ctx),
			method:     meth,
			params:     req.Params,
			notifySink: true,
		}
		select {
		case inst.calls <- inv:
		default:
			return nil, fmt.Errorf("invocation queue full for component %s", inst.ID)
		}
		return &types.ResultEnvelope{
			ComponentID: inst.ID,
			State:       e.serialize(inst),
			FunctionResult: &types.FunctionResult{
				MethodName: req.Method,
				IsAsync:    true,
				IsLoading:  true,
			},
			RequiresRefresh: requiresRefresh,
		}, nil
	}

	inv := &invocation{
		ctx:      ctx,
		method:   meth,
		params:   req.Params,
		resultCh: make(chan *invocationOutcome, 1),
	}
	select {
	case inst.calls <- inv:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case out := <-inv.resultCh:
		fr := &types.FunctionResult{MethodName: req.Method}
		if out.err != nil {
			fr.Error = out.err.Error()
		} else {
			fr.Result = out.result
		}
		return &types.ResultEnvelope{
			ComponentID:     inst.ID,
			State:           out.state,
			FunctionResult:  fr,
			Fingerprint:     out.fingerprint,
			RequiresRefresh: requiresRefresh,
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// MountRequest creates a component without invoking a method.
type MountRequest struct {
	ComponentID   string
	ComponentType string
	Props         map[string]any
	ClientState   map[string]any
	ClientID      string
	UserID        string
	ParentID      string
}

// Mount resolves or creates the instance and stores its first snapshot.
func (e *Engine) Mount(ctx context.Context, req MountRequest) (*types.ResultEnvelope, error) {
	def, ok := e.registry.Get(req.ComponentType)
	if !ok {
		return nil, fmt.Errorf("%w: component type %q", ErrNotFound, req.ComponentType)
	}

	inst, _, err := e.resolveInstance(def, TriggerRequest{
		ComponentID:   req.ComponentID,
		ComponentType: req.ComponentType,
		Props:         req.Props,
		ClientState:   req.ClientState,
		ClientID:      req.ClientID,
		UserID:        req.UserID,
		ParentID:      req.ParentID,
	})
	if err != nil {
		return nil, err
	}

	state := e.serialize(inst)
	fp, err := e.hydration.Store(inst.ID, inst.Type, state, inst.props)
	if err != nil {
		return nil, err
	}

	return &types.ResultEnvelope{
		ComponentID: inst.ID,
		State:       state,
		Fingerprint: fp,
	}, nil
}

// resolveInstance finds the live instance or constructs one, hydrating from
// a snapshot when the caller presented a fingerprint. Declared initial state
// is merged under any supplied client state: client state is authoritative
// over defaults.
func (e *Engine) resolveInstance(def *ComponentDefinition, req TriggerRequest) (*Instance, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if req.ComponentID != "" {
		if inst, ok := e.instances[req.ComponentID]; ok {
			return inst, false, nil
		}
	}

	requiresRefresh := false
	var state map[string]any
	if req.Fingerprint != "" && req.ComponentID != "" {
		res := e.hydration.AttemptHydration(req.ComponentID, req.Fingerprint, req.ClientState)
		if res.Success {
			state = res.State
		} else {
			requiresRefresh = res.RequiresRefresh
			e.log.Debug().
				Str("componentId", req.ComponentID).
				Str("reason", res.Reason).
				Msg("hydration failed, recreating from client state")
		}
	}
	if state == nil {
		state = def.initialState(req.Props)
		if state == nil {
			state = make(map[string]any)
		}
		for k, v := range req.ClientState {
			state[k] = v
		}
	}

	id := req.ComponentID
	if _, ok := e.identity.Get(id); !ok || id == "" {
		ident, err := e.identity.CreateIdentity(req.ComponentType, req.Props, req.ClientID, &identity.CreateOptions{
			ComponentID: id,
			ParentID:    req.ParentID,
			UserID:      req.UserID,
		})
		if err != nil {
			return nil, false, err
		}
		id = ident.ComponentID
	}

	inst := newInstance(id, def, req.Props, state, instanceQueueSize, e.clock.Now())
	inst.emitter = e.emitter
	e.instances[id] = inst
	go e.run(inst)

	return inst, requiresRefresh, nil
}

// run drains an instance's invocation queue, one call at a time.
func (e *Engine) run(inst *Instance) {
	for {
		select {
		case <-inst.quit:
			return
		case inv := <-inst.calls:
			e.execute(inst, inv)
		}
	}
}

// execute invokes the method, stores a new snapshot on success, and settles
// the invocation either through the caller's result channel or out-of-band
// through the sink.
func (e *Engine) execute(inst *Instance, inv *invocation) {
	result, err := e.invokeMethod(inv.ctx, inst, inv)

	inst.touch(e.clock.Now())
	e.identity.Touch(inst.ID)

	state := e.serialize(inst)
	var fp string
	if err == nil {
		stored, serr := e.hydration.Store(inst.ID, inst.Type, state, inst.props)
		if serr != nil {
			e.log.Error().Err(serr).Str("componentId", inst.ID).Msg("snapshot store failed")
		} else {
			fp = stored
		}
	}

	out := &invocationOutcome{result: result, err: err, state: state, fingerprint: fp}
	if inv.resultCh != nil {
		inv.resultCh <- out
	}
	if inv.notifySink {
		e.pushAsyncResult(inst, inv, out)
	}
}

func (e *Engine) invokeMethod(ctx context.Context, inst *Instance, inv *invocation) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("method %s panicked: %v", inv.method.name, r)
		}
	}()
	return inv.method.fn(ctx, inst, inv.params)
}

// pushAsyncResult delivers a settled asynchronous result as a separate
// message, always carrying the latest known state.
func (e *Engine) pushAsyncResult(inst *Instance, inv *invocation, out *invocationOutcome) {
	fr := &types.FunctionResult{
		MethodName: inv.method.name,
		IsAsync:    true,
	}
	msgType := types.MessageFunctionResult
	if out.err != nil {
		fr.Error = out.err.Error()
		msgType = types.MessageFunctionError
	} else {
		fr.Result = out.result
	}

	env := &types.ResultEnvelope{
		ComponentID:    inst.ID,
		State:          out.state,
		FunctionResult: fr,
		Fingerprint:    out.fingerprint,
	}

	msg := &types.Message{
		ID:          ulid.Make().String(),
		Type:        msgType,
		ComponentID: inst.ID,
		Timestamp:   e.clock.Now(),
	}
	if err := msg.SetPayload(env); err != nil {
		e.log.Error().Err(err).Str("componentId", inst.ID).Msg("async result payload encode failed")
		return
	}

	if e.sink == nil {
		e.log.Warn().Str("componentId", inst.ID).Str("method", inv.method.name).Msg("async result dropped: no sink")
		return
	}
	e.sink.Push(msg)
}

// serialize produces the component's public state: allowlisted plain data
// fields plus the identity's own id. Underscore-prefixed fields and values
// that do not survive JSON encoding are excluded.
func (e *Engine) serialize(inst *Instance) map[string]any {
	full := inst.State()
	out := make(map[string]any)

	include := func(key string) bool {
		if strings.HasPrefix(key, "_") {
			return false
		}
		if len(inst.def.fields) == 0 {
			return true
		}
		for _, f := range inst.def.fields {
			if f == key {
				return true
			}
		}
		return false
	}

	for k, v := range full {
		if !include(k) {
			continue
		}
		if _, err := json.Marshal(v); err != nil {
			continue
		}
		out[k] = v
	}
	out["id"] = inst.ID
	return out
}

// HasInstance reports whether a live instance exists for id.
func (e *Engine) HasInstance(id string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.instances[id]
	return ok
}

// Instance returns the live instance for id.
func (e *Engine) Instance(id string) (*Instance, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	inst, ok := e.instances[id]
	return inst, ok
}

// InstanceIDs returns the IDs of all live instances.
func (e *Engine) InstanceIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.instances))
	for id := range e.instances {
		out = append(out, id)
	}
	return out
}

// Release stops and removes the live instance for id, if any.
func (e *Engine) Release(id string) {
	e.mu.Lock()
	inst, ok := e.instances[id]
	if ok {
		delete(e.instances, id)
	}
	e.mu.Unlock()
	if ok {
		inst.stop()
	}
}

// Shutdown stops every live instance.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	instances := e.instances
	e.instances = make(map[string]*Instance)
	e.mu.Unlock()
	for _, inst := range instances {
		inst.stop()
	}
}
