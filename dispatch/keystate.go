package dispatch

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// KeyStatus is the health state of one API key.
type KeyStatus int

// Key state machine: Active -> Cooldown -> Active on transient key errors,
// Active/Cooldown -> Suspended on permanent ones. No transition exits
// Suspended.
const (
	KeyStatusActive KeyStatus = iota
	KeyStatusCooldown
	KeyStatusSuspended
)

// String returns a short name for the key status.
func (s KeyStatus) String() string {
	switch s {
	case KeyStatusActive:
		return "active"
	case KeyStatusCooldown:
		return "cooldown"
	case KeyStatusSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}

type keyState struct {
	status            KeyStatus
	cooldownUntil     time.Time
	consecutiveErrors int
	backoff           retry.Backoff
}

// KeyStateManager tracks the health of every configured key and arbitrates
// which keys may currently be used. It is the only writer of key state;
// all transitions happen under its mutex so concurrent attempt completions
// for the same key cannot race into inconsistent cooldown timestamps.
type KeyStateManager struct {
	mu     sync.Mutex
	keys   []string
	states map[string]*keyState

	cooldownBase time.Duration
	cooldownCap  time.Duration

	logger *slog.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// NewKeyStateManager creates a manager with every key active.
// cooldownBase seeds the per-key exponential backoff used when a transient
// key error carries no retry-after hint; cooldownCap bounds both the
// backoff and endpoint-supplied hints.
func NewKeyStateManager(keys []string, cooldownBase, cooldownCap time.Duration, logger *slog.Logger) *KeyStateManager {
	m := &KeyStateManager{
		keys:         keys,
		states:       make(map[string]*keyState, len(keys)),
		cooldownBase: cooldownBase,
		cooldownCap:  cooldownCap,
		logger:       logger,
		now:          time.Now,
	}
	for _, k := range keys {
		m.states[k] = &keyState{status: KeyStatusActive, backoff: m.newBackoff()}
	}
	return m
}

func (m *KeyStateManager) newBackoff() retry.Backoff {
	return retry.WithCappedDuration(m.cooldownCap, retry.NewExponential(m.cooldownBase))
}

// usableLocked reports whether the key may be selected now, lazily
// reverting an expired cooldown to active. Caller holds m.mu.
func (m *KeyStateManager) usableLocked(key string) bool {
	st, ok := m.states[key]
	if !ok {
		return false
	}
	switch st.status {
	case KeyStatusSuspended:
		return false
	case KeyStatusCooldown:
		if m.now().Before(st.cooldownUntil) {
			return false
		}
		st.status = KeyStatusActive
		m.logger.Debug("key cooldown expired", "key", KeyFingerprint(key))
		return true
	default:
		return true
	}
}

// Usable reports whether the key is currently selectable.
func (m *KeyStateManager) Usable(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usableLocked(key)
}

// UsableKeys returns the keys currently active, in configuration order.
func (m *KeyStateManager) UsableKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	usable := make([]string, 0, len(m.keys))
	for _, k := range m.keys {
		if m.usableLocked(k) {
			usable = append(usable, k)
		}
	}
	return usable
}

// MarkKeyError records a key-attributable failure. Permanent failures
// suspend the key irreversibly; transient ones put it on cooldown until
// now + retryAfter (capped), or now + the key's exponential backoff when
// the endpoint supplied no hint.
func (m *KeyStateManager) MarkKeyError(key string, permanent bool, retryAfter time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[key]
	if !ok {
		return
	}
	if st.status == KeyStatusSuspended {
		return
	}
	st.consecutiveErrors++

	if permanent {
		st.status = KeyStatusSuspended
		m.logger.Warn("key permanently suspended",
			"key", KeyFingerprint(key),
			"consecutive_key_errors", st.consecutiveErrors)
		return
	}

	cooldown := retryAfter
	if cooldown <= 0 {
		// No endpoint hint: escalate per-key until the next success.
		cooldown, _ = st.backoff.Next()
	}
	if cooldown > m.cooldownCap {
		cooldown = m.cooldownCap
	}
	st.status = KeyStatusCooldown
	st.cooldownUntil = m.now().Add(cooldown)
	m.logger.Info("key on cooldown",
		"key", KeyFingerprint(key),
		"cooldown", cooldown,
		"consecutive_key_errors", st.consecutiveErrors)
}

// MarkSuccess resets the key's consecutive error count and re-arms its
// cooldown backoff. It performs no state transition.
func (m *KeyStateManager) MarkSuccess(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[key]
	if !ok {
		return
	}
	st.consecutiveErrors = 0
	st.backoff = m.newBackoff()
}

// Status returns the key's current state, applying lazy cooldown expiry.
func (m *KeyStateManager) Status(key string) KeyStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.usableLocked(key)
	if st, ok := m.states[key]; ok {
		return st.status
	}
	return KeyStatusSuspended
}

// AllSuspended reports whether every key is permanently suspended. This is
// the dispatcher's escape hatch from indefinite key-error retries.
func (m *KeyStateManager) AllSuspended() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range m.keys {
		if m.states[k].status != KeyStatusSuspended {
			return false
		}
	}
	return len(m.keys) > 0
}

// SuspendedCount returns the number of permanently suspended keys.
func (m *KeyStateManager) SuspendedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, k := range m.keys {
		if m.states[k].status == KeyStatusSuspended {
			n++
		}
	}
	return n
}

// CooldownCount returns the number of keys currently cooling down.
func (m *KeyStateManager) CooldownCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, k := range m.keys {
		st := m.states[k]
		if st.status == KeyStatusCooldown && m.now().Before(st.cooldownUntil) {
			n++
		}
	}
	return n
}

// NextWake returns the earliest cooldown expiry among cooling-down keys,
// so the dispatcher can sleep until a key may become usable again. The
// second return value is false when no key is cooling down.
func (m *KeyStateManager) NextWake() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var earliest time.Time
	found := false
	for _, k := range m.keys {
		st := m.states[k]
		if st.status != KeyStatusCooldown {
			continue
		}
		if !found || st.cooldownUntil.Before(earliest) {
			earliest = st.cooldownUntil
			found = true
		}
	}
	return earliest, found
}
