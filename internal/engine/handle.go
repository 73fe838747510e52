package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/livesync-io/livesync/internal/dispatch"
	"github.com/livesync-io/livesync/pkg/types"
)

// Error codes carried in error and function_error envelopes.
const (
	CodeNotFound   = "not_found"
	CodeValidation = "validation_error"
	CodeInternal   = "internal_error"
)

// HandleMessage dispatches one inbound wire envelope and returns the reply,
// or nil when the message type expects none.
func (e *Engine) HandleMessage(ctx context.Context, msg *types.Message) (*types.Message, error) {
	switch msg.Type {
	case types.MessageMethodCall:
		return e.handleMethodCall(ctx, msg)
	case types.MessageComponentMount:
		return e.handleMount(ctx, msg)
	case types.MessageStateUpdate:
		return e.handleStateUpdate(ctx, msg)
	case types.MessageSyncRequest:
		return e.handleSyncRequest(msg)
	case types.MessageHeartbeat:
		return e.reply(msg, types.MessageHeartbeatAck, nil), nil
	case types.MessageEvent, types.MessageBroadcast:
		return e.handleEvent(msg)
	default:
		return e.errorReply(msg, CodeValidation, fmt.Sprintf("unknown message type %q", msg.Type), ""), nil
	}
}

func (e *Engine) handleMethodCall(ctx context.Context, msg *types.Message) (*types.Message, error) {
	var p types.MethodCallPayload
	if err := msg.DecodePayload(&p); err != nil {
		return e.errorReply(msg, CodeValidation, "malformed method_call payload", ""), nil
	}
	if p.Method == "" {
		return e.errorReply(msg, CodeValidation, "method name required", ""), nil
	}

	env, err := e.Dispatch.Trigger(ctx, dispatch.TriggerRequest{
		ComponentID:   msg.ComponentID,
		ComponentType: p.ComponentType,
		Method:        p.Method,
		Params:        p.Params,
		Props:         p.Props,
		ClientState:   p.State,
		Fingerprint:   p.Fingerprint,
		ClientID:      p.ClientID,
		UserID:        p.UserID,
		ParentID:      p.ParentID,
	})
	if err != nil {
		code := CodeInternal
		if errors.Is(err, dispatch.ErrNotFound) {
			code = CodeNotFound
		}
		return e.errorReply(msg, code, err.Error(), p.Method), nil
	}

	replyType := types.MessageFunctionResult
	if env.FunctionResult != nil && env.FunctionResult.Error != "" {
		replyType = types.MessageFunctionError
	}
	reply := e.reply(msg, replyType, env)
	reply.ComponentID = env.ComponentID
	return reply, nil
}

func (e *Engine) handleMount(ctx context.Context, msg *types.Message) (*types.Message, error) {
	var p types.MountPayload
	if err := msg.DecodePayload(&p); err != nil {
		return e.errorReply(msg, CodeValidation, "malformed component_mount payload", ""), nil
	}
	if p.ComponentType == "" {
		return e.errorReply(msg, CodeValidation, "componentType required", ""), nil
	}

	env, err := e.Dispatch.Mount(ctx, dispatch.MountRequest{
		ComponentID:   msg.ComponentID,
		ComponentType: p.ComponentType,
		Props:         p.Props,
		ClientState:   p.State,
		ClientID:      p.ClientID,
		UserID:        p.UserID,
		ParentID:      p.ParentID,
	})
	if err != nil {
		code := CodeInternal
		if errors.Is(err, dispatch.ErrNotFound) {
			code = CodeNotFound
		}
		return e.errorReply(msg, code, err.Error(), ""), nil
	}

	reply := e.reply(msg, types.MessageStateUpdate, types.StateUpdatePayload{
		State:       env.State,
		Fingerprint: env.Fingerprint,
	})
	reply.ComponentID = env.ComponentID
	return reply, nil
}

// handleStateUpdate reconciles client state against the live instance with a
// three-way merge and answers with the merged state.
func (e *Engine) handleStateUpdate(ctx context.Context, msg *types.Message) (*types.Message, error) {
	var p types.StateUpdatePayload
	if err := msg.DecodePayload(&p); err != nil {
		return e.errorReply(msg, CodeValidation, "malformed state_update payload", ""), nil
	}
	if msg.ComponentID == "" {
		return e.errorReply(msg, CodeValidation, "componentId required", ""), nil
	}

	inst, ok := e.Dispatch.Instance(msg.ComponentID)
	if !ok {
		return e.errorReply(msg, CodeNotFound, fmt.Sprintf("no live instance %s", msg.ComponentID), ""), nil
	}

	serverState := inst.State()
	delete(serverState, "id")

	merged, err := e.Conflict.ThreeWayMerge(ctx, msg.ComponentID, p.State, serverState, p.Base)
	if err != nil {
		return e.errorReply(msg, CodeInternal, err.Error(), ""), nil
	}
	inst.ReplaceState(merged.Merged)
	e.Identity.Touch(msg.ComponentID)

	fingerprint := p.Fingerprint
	if session, ok := e.Hydration.Get(msg.ComponentID); ok {
		fingerprint = session.Fingerprint
	}
	if fp, err := e.Hydration.Store(msg.ComponentID, inst.Type, merged.Merged, inst.Props()); err == nil {
		fingerprint = fp
	}

	reply := e.reply(msg, types.MessageStateUpdate, types.StateUpdatePayload{
		State:       merged.Merged,
		Fingerprint: fingerprint,
	})
	reply.ComponentID = msg.ComponentID
	return reply, nil
}

func (e *Engine) handleSyncRequest(msg *types.Message) (*types.Message, error) {
	if msg.ComponentID == "" {
		return e.errorReply(msg, CodeValidation, "componentId required", ""), nil
	}

	payload := types.SyncResponsePayload{}
	if session, ok := e.Hydration.Get(msg.ComponentID); ok {
		payload.Found = true
		payload.State = session.Snapshot.State
		payload.Fingerprint = session.Fingerprint
	}

	reply := e.reply(msg, types.MessageStateUpdate, payload)
	reply.ComponentID = msg.ComponentID
	return reply, nil
}

func (e *Engine) handleEvent(msg *types.Message) (*types.Message, error) {
	var p types.EventPayload
	if err := msg.DecodePayload(&p); err != nil {
		return e.errorReply(msg, CodeValidation, "malformed event payload", ""), nil
	}
	if p.EventType == "" {
		return e.errorReply(msg, CodeValidation, "eventType required", ""), nil
	}

	scope := p.Scope
	if msg.Type == types.MessageBroadcast {
		scope = types.ScopeGlobal
	} else if scope == "" {
		scope = types.ScopeLocal
	}

	priority := p.Priority
	if priority == 0 {
		priority = types.PriorityNormal
	}

	if _, err := e.Bus.Emit(msg.ComponentID, p.EventType, p.Data, scope, priority); err != nil {
		return e.errorReply(msg, CodeInternal, err.Error(), ""), nil
	}
	return nil, nil
}

func (e *Engine) reply(to *types.Message, msgType types.MessageType, payload any) *types.Message {
	reply := &types.Message{
		ID:        ulid.Make().String(),
		Type:      msgType,
		Timestamp: e.clock.Now(),
		ReplyTo:   to.ID,
	}
	if payload != nil {
		if err := reply.SetPayload(payload); err != nil {
			e.log.Error().Err(err).Str("replyTo", to.ID).Msg("reply payload marshal failed")
		}
	}
	return reply
}

func (e *Engine) errorReply(to *types.Message, code, message, method string) *types.Message {
	reply := e.reply(to, types.MessageError, types.ErrorPayload{
		Code:    code,
		Message: message,
		Method:  method,
	})
	reply.ComponentID = to.ComponentID
	return reply
}
