// Package hydration persists checksummed state snapshots per component and
// recovers instances after reconnect without a full client resend. Snapshots
// are ephemeral, bounded-lifetime caches: a session older than the max age,
// failing its checksum, or exceeding the recovery attempt limit is purged.
package hydration

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/livesync-io/livesync/internal/clock"
	"github.com/livesync-io/livesync/internal/config"
	"github.com/livesync-io/livesync/internal/logging"
)

// Failure reasons returned by AttemptHydration.
const (
	ReasonNoSession       = "no_session_found"
	ReasonMaxAttempts     = "max_attempts_exceeded"
	ReasonFingerprint     = "fingerprint_mismatch"
	ReasonChecksumInvalid = "checksum_invalid"
	ReasonExpired         = "expired"
)

// Snapshot is a checksum-authenticated state payload.
type Snapshot struct {
	State     map[string]any `json:"state"`
	Checksum  string         `json:"checksum"`
	Timestamp time.Time      `json:"timestamp"`
}

// Session tracks one component's snapshot and its recovery bookkeeping.
type Session struct {
	ComponentID      string
	ComponentName    string
	Fingerprint      string
	Snapshot         Snapshot
	LastActivity     time.Time
	RecoveryAttempts int
}

// Result is the outcome of a hydration attempt. When Success is false,
// Reason holds one of the Reason* constants. RequiresRefresh tells the
// caller the session is gone and the client must resend its full state.
type Result struct {
	Success         bool
	State           map[string]any
	Reason          string
	RequiresRefresh bool
}

// Manager owns the snapshot map.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	secret []byte
	cfg    config.HydrationConfig
	clock  clock.Clock
	log    zerolog.Logger
}

// NewManager creates a hydration manager. When cfg.Secret is empty a random
// per-process key is generated; snapshots then do not outlive the process.
func NewManager(cfg config.HydrationConfig, clk clock.Clock) *Manager {
	secret := []byte(cfg.Secret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		_, _ = rand.Read(secret)
	}
	return &Manager{
		sessions: make(map[string]*Session),
		secret:   secret,
		cfg:      cfg,
		clock:    clk,
		log:      logging.ForService("hydration"),
	}
}

// Store computes a property-derived fingerprint and a checksummed snapshot
// of state, replacing any prior snapshot for componentID. Returns the
// fingerprint the client must echo on its next hydration attempt.
func (m *Manager) Store(componentID, componentName string, state map[string]any, props map[string]any) (string, error) {
	now := m.clock.Now()

	stateCopy, err := deepCopy(state)
	if err != nil {
		return "", fmt.Errorf("snapshot state not serializable: %w", err)
	}

	fp := m.fingerprint(componentName, props, now)
	checksum, err := m.checksum(stateCopy, now)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.sessions[componentID] = &Session{
		ComponentID:   componentID,
		ComponentName: componentName,
		Fingerprint:   fp,
		Snapshot: Snapshot{
			State:     stateCopy,
			Checksum:  checksum,
			Timestamp: now,
		},
		LastActivity: now,
	}
	m.mu.Unlock()

	return fp, nil
}

// AttemptHydration tries to recover componentID's state from its stored
// snapshot. Sessions that exhausted their attempts, expired, or fail the
// checksum are purged; a fingerprint mismatch keeps the session since it may
// be a benign stale client.
func (m *Manager) AttemptHydration(componentID, clientFingerprint string, clientState map[string]any) Result {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[componentID]
	if !ok {
		return Result{Reason: ReasonNoSession, RequiresRefresh: true}
	}

	if session.RecoveryAttempts >= m.cfg.MaxAttempts {
		delete(m.sessions, componentID)
		m.log.Warn().Str("componentId", componentID).Msg("hydration attempts exhausted, session purged")
		return Result{Reason: ReasonMaxAttempts, RequiresRefresh: true}
	}

	if now.Sub(session.Snapshot.Timestamp) > m.cfg.MaxAge.Std() {
		delete(m.sessions, componentID)
		return Result{Reason: ReasonExpired, RequiresRefresh: true}
	}

	if clientFingerprint != session.Fingerprint {
		session.RecoveryAttempts++
		m.log.Debug().
			Str("componentId", componentID).
			Int("attempts", session.RecoveryAttempts).
			Msg("hydration fingerprint mismatch")
		return Result{Reason: ReasonFingerprint}
	}

	expected, err := m.checksum(session.Snapshot.State, session.Snapshot.Timestamp)
	if err != nil || !hmac.Equal([]byte(expected), []byte(session.Snapshot.Checksum)) {
		delete(m.sessions, componentID)
		m.log.Warn().Str("componentId", componentID).Msg("snapshot checksum invalid, session purged")
		return Result{Reason: ReasonChecksumInvalid, RequiresRefresh: true}
	}

	session.RecoveryAttempts = 0
	session.LastActivity = now

	state, err := deepCopy(session.Snapshot.State)
	if err != nil {
		delete(m.sessions, componentID)
		return Result{Reason: ReasonChecksumInvalid, RequiresRefresh: true}
	}
	return Result{Success: true, State: state}
}

// Get returns the stored session for componentID, for sync requests.
func (m *Manager) Get(componentID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[componentID]
	return session, ok
}

// Remove drops the session for componentID, if any.
func (m *Manager) Remove(componentID string) {
	m.mu.Lock()
	delete(m.sessions, componentID)
	m.mu.Unlock()
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep purges sessions past the max age or with exhausted attempts.
// Returns the number purged.
func (m *Manager) Sweep() int {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	purged := 0
	for id, session := range m.sessions {
		expired := now.Sub(session.Snapshot.Timestamp) > m.cfg.MaxAge.Std()
		exhausted := session.RecoveryAttempts >= m.cfg.MaxAttempts
		if expired || exhausted {
			delete(m.sessions, id)
			purged++
		}
	}
	if purged > 0 {
		m.log.Debug().Int("purged", purged).Msg("hydration sweep")
	}
	return purged
}

// checksum authenticates a state payload with the engine secret.
// encoding/json sorts map keys, so the serialization is canonical.
func (m *Manager) checksum(state map[string]any, ts time.Time) (string, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("checksum state: %w", err)
	}
	mac := hmac.New(sha256.New, m.secret)
	mac.Write(data)
	mac.Write([]byte(fmt.Sprintf("|%d", ts.UnixNano())))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func (m *Manager) fingerprint(componentName string, props map[string]any, ts time.Time) string {
	data, _ := json.Marshal(props)
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", componentName, data, ts.UnixNano())))
	return hex.EncodeToString(sum[:16])
}

func deepCopy(state map[string]any) (map[string]any, error) {
	if state == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
