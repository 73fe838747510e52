// Package identity assigns deterministic component identities, tracks the
// parent/child hierarchy, and owns component lifecycle state. The hierarchy
// is a forest: acyclic, each identity has at most one parent, and depth and
// path always agree with the current parent pointer.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/livesync-io/livesync/internal/clock"
	"github.com/livesync-io/livesync/internal/config"
	"github.com/livesync-io/livesync/internal/logging"
	"github.com/livesync-io/livesync/pkg/types"
)

var (
	ErrNotFound            = errors.New("component identity not found")
	ErrParentNotFound      = errors.New("parent identity not found")
	ErrMaxDepthExceeded    = errors.New("maximum hierarchy depth exceeded")
	ErrInstanceCapExceeded = errors.New("maximum instance count exceeded")
	ErrAlreadyExists       = errors.New("component identity already exists")
)

// Manager is the identity and hierarchy registry.
type Manager struct {
	mu         sync.RWMutex
	identities map[string]*types.ComponentIdentity
	byClient   map[string]map[string]struct{}
	cleanups   map[string][]func()

	cfg   config.IdentityConfig
	clock clock.Clock
	log   zerolog.Logger
}

// NewManager creates an identity manager.
func NewManager(cfg config.IdentityConfig, clk clock.Clock) *Manager {
	return &Manager{
		identities: make(map[string]*types.ComponentIdentity),
		byClient:   make(map[string]map[string]struct{}),
		cleanups:   make(map[string][]func()),
		cfg:        cfg,
		clock:      clk,
		log:        logging.ForService("identity"),
	}
}

// CreateOptions carries the optional parts of identity creation.
type CreateOptions struct {
	UserID   string
	ParentID string
	// ComponentID, when set, overrides the deterministic ID.
	ComponentID string
	// CreatedAt, when set, overrides the clock reading. Identity creation is
	// deterministic in (type, props, parent, createdAt).
	CreatedAt time.Time
}

// CreateIdentity registers a new component identity. The componentId is a
// deterministic function of type, props hash, parent and creation time unless
// opts.ComponentID supplies one.
func (m *Manager) CreateIdentity(componentType string, props map[string]any, clientID string, opts *CreateOptions) (*types.ComponentIdentity, error) {
	if componentType == "" {
		return nil, fmt.Errorf("component type is required")
	}
	if opts == nil {
		opts = &CreateOptions{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.identities) >= m.cfg.MaxInstances {
		return nil, ErrInstanceCapExceeded
	}

	createdAt := opts.CreatedAt
	if createdAt.IsZero() {
		createdAt = m.clock.Now()
	}

	var parent *types.ComponentIdentity
	depth := 0
	path := strings.ToLower(componentType)
	if opts.ParentID != "" {
		var ok bool
		parent, ok = m.identities[opts.ParentID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrParentNotFound, opts.ParentID)
		}
		depth = parent.Depth + 1
		if depth > m.cfg.MaxDepth {
			return nil, fmt.Errorf("%w: depth %d > %d", ErrMaxDepthExceeded, depth, m.cfg.MaxDepth)
		}
		path = parent.Path + "." + strings.ToLower(componentType)
	}

	propsHash := hashProps(props)
	id := opts.ComponentID
	if id == "" {
		id = deterministicID(componentType, propsHash, opts.ParentID, createdAt)
	}
	if _, exists := m.identities[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}

	identity := &types.ComponentIdentity{
		ComponentID:   id,
		ComponentType: componentType,
		ParentID:      opts.ParentID,
		Depth:         depth,
		Path:          path,
		Fingerprint:   fingerprint(componentType, propsHash, createdAt),
		ClientID:      clientID,
		UserID:        opts.UserID,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}

	m.identities[id] = identity
	if parent != nil {
		parent.AddChild(id)
	}
	if clientID != "" {
		if m.byClient[clientID] == nil {
			m.byClient[clientID] = make(map[string]struct{})
		}
		m.byClient[clientID][id] = struct{}{}
	}

	m.log.Debug().
		Str("componentId", id).
		Str("componentType", componentType).
		Str("parentId", opts.ParentID).
		Int("depth", depth).
		Msg("identity created")

	return identity, nil
}

// Get returns the identity for id.
func (m *Manager) Get(id string) (*types.ComponentIdentity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	identity, ok := m.identities[id]
	return identity, ok
}

// Count returns the number of live identities.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.identities)
}

// List returns all identity IDs.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.identities))
	for id := range m.identities {
		ids = append(ids, id)
	}
	return ids
}

// Touch bumps the identity's UpdatedAt, marking recent activity.
func (m *Manager) Touch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if identity, ok := m.identities[id]; ok {
		identity.UpdatedAt = m.clock.Now()
	}
}

// OnDestroy registers a cleanup callback run when id is destroyed. Callback
// panics are logged, never propagated.
func (m *Manager) OnDestroy(id string, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups[id] = append(m.cleanups[id], fn)
}

// Destroy removes the identity and all its descendants, deepest-first, and
// detaches it from its parent's child set.
func (m *Manager) Destroy(id string) error {
	m.mu.Lock()
	identity, ok := m.identities[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	order := m.destroyOrderLocked(identity)
	var callbacks []func()
	for _, victim := range order {
		callbacks = append(callbacks, m.removeLocked(victim)...)
	}
	m.mu.Unlock()

	// Callbacks run outside the lock; failures must not propagate.
	for _, fn := range callbacks {
		m.runCleanup(fn)
	}
	return nil
}

// DestroyAllForClient destroys every identity owned by clientID, deepest
// first. Returns the number destroyed.
func (m *Manager) DestroyAllForClient(clientID string) int {
	m.mu.Lock()
	owned := m.byClient[clientID]
	victims := make([]*types.ComponentIdentity, 0, len(owned))
	for id := range owned {
		if identity, ok := m.identities[id]; ok {
			victims = append(victims, identity)
		}
	}
	sort.Slice(victims, func(i, j int) bool { return victims[i].Depth > victims[j].Depth })

	var callbacks []func()
	destroyed := 0
	for _, identity := range victims {
		if _, ok := m.identities[identity.ComponentID]; !ok {
			continue // removed as a descendant of an earlier victim
		}
		for _, victim := range m.destroyOrderLocked(identity) {
			callbacks = append(callbacks, m.removeLocked(victim)...)
			destroyed++
		}
	}
	m.mu.Unlock()

	for _, fn := range callbacks {
		m.runCleanup(fn)
	}

	m.log.Info().Str("clientId", clientID).Int("destroyed", destroyed).Msg("client identities destroyed")
	return destroyed
}

// destroyOrderLocked returns root's subtree in destruction order: descendants
// first, deepest-first, root last.
func (m *Manager) destroyOrderLocked(root *types.ComponentIdentity) []*types.ComponentIdentity {
	var subtree []*types.ComponentIdentity
	var walk func(identity *types.ComponentIdentity)
	walk = func(identity *types.ComponentIdentity) {
		subtree = append(subtree, identity)
		for _, childID := range identity.ChildIDs {
			if child, ok := m.identities[childID]; ok {
				walk(child)
			}
		}
	}
	walk(root)
	sort.SliceStable(subtree, func(i, j int) bool { return subtree[i].Depth > subtree[j].Depth })
	return subtree
}

// removeLocked deletes one identity and returns its cleanup callbacks.
func (m *Manager) removeLocked(identity *types.ComponentIdentity) []func() {
	id := identity.ComponentID
	if identity.ParentID != "" {
		if parent, ok := m.identities[identity.ParentID]; ok {
			parent.RemoveChild(id)
		}
	}
	if identity.ClientID != "" {
		delete(m.byClient[identity.ClientID], id)
		if len(m.byClient[identity.ClientID]) == 0 {
			delete(m.byClient, identity.ClientID)
		}
	}
	callbacks := m.cleanups[id]
	delete(m.cleanups, id)
	delete(m.identities, id)
	return callbacks
}

func (m *Manager) runCleanup(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Any("panic", r).Msg("cleanup callback failed")
		}
	}()
	fn()
}

func hashProps(props map[string]any) string {
	if len(props) == 0 {
		return "0"
	}
	// encoding/json sorts map keys, so this is canonical.
	data, err := json.Marshal(props)
	if err != nil {
		return "0"
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

func deterministicID(componentType, propsHash, parentID string, createdAt time.Time) string {
	seed := fmt.Sprintf("%s|%s|%s|%d", componentType, propsHash, parentID, createdAt.UnixNano())
	sum := sha256.Sum256([]byte(seed))
	return strings.ToLower(componentType) + "-" + hex.EncodeToString(sum[:8])
}

func fingerprint(componentType, propsHash string, createdAt time.Time) string {
	seed := fmt.Sprintf("%s|%s|%d", componentType, propsHash, createdAt.UnixNano())
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:16])
}
