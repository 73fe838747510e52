// Package dispatch receives remote method invocations, resolves or hydrates
// the component instance, executes the method, and drives the snapshot store
// and event bus. Component types and their methods form a command table
// validated at registration time; there is no dynamic dispatch by reflection.
package dispatch

import (
	"context"
	"fmt"
	"sync"
)

// MethodFunc is a registered component method. Params arrive positionally
// from the wire; the method reads and mutates state through the instance.
type MethodFunc func(ctx context.Context, inst *Instance, params []any) (any, error)

// InitialStateFunc produces a component's declared initial state from its
// props.
type InitialStateFunc func(props map[string]any) map[string]any

type method struct {
	name  string
	fn    MethodFunc
	async bool
}

// ComponentDefinition declares a component type: its initial state factory,
// the serialization field allowlist, and its callable methods. Build one
// with NewComponent and register it before use.
type ComponentDefinition struct {
	componentType string
	initialState  InitialStateFunc
	fields        []string
	methods       map[string]*method
	buildErr      error
}

// NewComponent starts a component definition.
func NewComponent(componentType string, initialState InitialStateFunc) *ComponentDefinition {
	return &ComponentDefinition{
		componentType: componentType,
		initialState:  initialState,
		methods:       make(map[string]*method),
	}
}

// Fields sets the serialization allowlist. Only these state fields (plus the
// component id) are sent to clients. Without an allowlist every state field
// is considered public.
func (d *ComponentDefinition) Fields(names ...string) *ComponentDefinition {
	d.fields = names
	return d
}

// Method registers a synchronous method.
func (d *ComponentDefinition) Method(name string, fn MethodFunc) *ComponentDefinition {
	d.addMethod(name, fn, false)
	return d
}

// AsyncMethod registers a method that runs after the reply envelope is sent;
// its settled result is pushed out-of-band.
func (d *ComponentDefinition) AsyncMethod(name string, fn MethodFunc) *ComponentDefinition {
	d.addMethod(name, fn, true)
	return d
}

func (d *ComponentDefinition) addMethod(name string, fn MethodFunc, async bool) {
	if d.buildErr != nil {
		return
	}
	if name == "" || fn == nil {
		d.buildErr = fmt.Errorf("component %q: method name and function are required", d.componentType)
		return
	}
	if _, exists := d.methods[name]; exists {
		d.buildErr = fmt.Errorf("component %q: duplicate method %q", d.componentType, name)
		return
	}
	d.methods[name] = &method{name: name, fn: fn, async: async}
}

func (d *ComponentDefinition) validate() error {
	if d.buildErr != nil {
		return d.buildErr
	}
	if d.componentType == "" {
		return fmt.Errorf("component type is required")
	}
	if d.initialState == nil {
		return fmt.Errorf("component %q: initial state factory is required", d.componentType)
	}
	return nil
}

// Registry maps component type names to their definitions. Application code
// populates it at startup.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*ComponentDefinition
}

// NewRegistry creates an empty component registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*ComponentDefinition)}
}

// Register validates and adds a definition. Duplicate types are an error.
func (r *Registry) Register(def *ComponentDefinition) error {
	if err := def.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.componentType]; exists {
		return fmt.Errorf("component type %q already registered", def.componentType)
	}
	r.defs[def.componentType] = def
	return nil
}

// Get returns the definition for a component type.
func (r *Registry) Get(componentType string) (*ComponentDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[componentType]
	return def, ok
}

// Types returns all registered component type names.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for t := range r.defs {
		out = append(out, t)
	}
	return out
}
