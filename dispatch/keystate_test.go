package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKeyManager(keys ...string) (*KeyStateManager, *time.Time) {
	m := NewKeyStateManager(keys, 60*time.Second, 120*time.Second, setupTestLogger())
	now := time.Now()
	m.now = func() time.Time { return now }
	return m, &now
}

func TestKeyStateManagerAllActiveInitially(t *testing.T) {
	m, _ := newTestKeyManager("k1", "k2")

	assert.Equal(t, []string{"k1", "k2"}, m.UsableKeys())
	assert.False(t, m.AllSuspended())
	assert.Equal(t, 0, m.SuspendedCount())
	assert.Equal(t, 0, m.CooldownCount())
}

func TestKeyStateManagerCooldownAndLazyExpiry(t *testing.T) {
	m, now := newTestKeyManager("k1", "k2")

	m.MarkKeyError("k1", false, 30*time.Second)

	assert.Equal(t, KeyStatusCooldown, m.Status("k1"))
	assert.False(t, m.Usable("k1"))
	assert.Equal(t, []string{"k2"}, m.UsableKeys())
	assert.Equal(t, 1, m.CooldownCount())

	wake, ok := m.NextWake()
	require.True(t, ok)
	assert.Equal(t, now.Add(30*time.Second), wake)

	// Advance past the cooldown: the key reverts to active on read.
	*now = now.Add(31 * time.Second)
	assert.True(t, m.Usable("k1"))
	assert.Equal(t, KeyStatusActive, m.Status("k1"))
	assert.Equal(t, []string{"k1", "k2"}, m.UsableKeys())
}

func TestKeyStateManagerRetryAfterCapped(t *testing.T) {
	m, now := newTestKeyManager("k1")

	m.MarkKeyError("k1", false, 10*time.Minute)

	wake, ok := m.NextWake()
	require.True(t, ok)
	assert.Equal(t, now.Add(120*time.Second), wake, "cooldown must be capped at CooldownCap")
}

func TestKeyStateManagerBackoffEscalatesWithoutHint(t *testing.T) {
	m, now := newTestKeyManager("k1")

	m.MarkKeyError("k1", false, 0)
	first, ok := m.NextWake()
	require.True(t, ok)
	assert.Equal(t, now.Add(60*time.Second), first, "first unhinted cooldown uses the base")

	*now = first.Add(time.Second)
	m.MarkKeyError("k1", false, 0)
	second, ok := m.NextWake()
	require.True(t, ok)
	assert.Equal(t, now.Add(120*time.Second), second, "second unhinted cooldown doubles, capped")

	// Success re-arms the backoff to the base.
	*now = second.Add(time.Second)
	m.MarkSuccess("k1")
	m.MarkKeyError("k1", false, 0)
	third, ok := m.NextWake()
	require.True(t, ok)
	assert.Equal(t, now.Add(60*time.Second), third)
}

func TestKeyStateManagerSuspensionIsPermanent(t *testing.T) {
	m, now := newTestKeyManager("k1", "k2")

	m.MarkKeyError("k1", true, 0)

	assert.Equal(t, KeyStatusSuspended, m.Status("k1"))
	assert.False(t, m.Usable("k1"))

	// Nothing brings a suspended key back.
	m.MarkSuccess("k1")
	m.MarkKeyError("k1", false, time.Second)
	*now = now.Add(time.Hour)
	assert.Equal(t, KeyStatusSuspended, m.Status("k1"))
	assert.Equal(t, []string{"k2"}, m.UsableKeys())
}

func TestKeyStateManagerAllSuspended(t *testing.T) {
	m, _ := newTestKeyManager("k1", "k2")

	m.MarkKeyError("k1", true, 0)
	assert.False(t, m.AllSuspended())

	m.MarkKeyError("k2", true, 0)
	assert.True(t, m.AllSuspended())
	assert.Equal(t, 2, m.SuspendedCount())
	assert.Empty(t, m.UsableKeys())
}
