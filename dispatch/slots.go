package dispatch

import (
	"log/slog"
	"time"
)

// Slot is one concurrent execution lane, bound to a single key for its
// entire lifetime. Only the key's health changes, never the binding.
// Slots are owned exclusively by the dispatcher goroutine; the busy flag
// needs no locking.
type Slot struct {
	// Index is the slot's position in the pool, used for deterministic
	// ascending-order assignment.
	Index int

	// Key is the credential this slot authenticates with.
	Key string

	busy bool
}

// SlotPool is the fixed set of slots created at construction:
// workersPerKey slots per key, interleaved so consecutive slot indices
// cycle through the keys round-robin.
type SlotPool struct {
	slots   []*Slot
	limiter *SlotLimiter
	keys    *KeyStateManager
	logger  *slog.Logger
}

// NewSlotPool builds workersPerKey slots for each key, each with its own
// rate-limit gate of the given interval.
func NewSlotPool(keys []string, workersPerKey int, interval time.Duration, ksm *KeyStateManager, logger *slog.Logger) *SlotPool {
	if workersPerKey <= 0 {
		workersPerKey = 1
	}
	total := len(keys) * workersPerKey
	slots := make([]*Slot, total)
	for i := range slots {
		slots[i] = &Slot{Index: i, Key: keys[i%len(keys)]}
	}
	logger.Debug("slot pool created",
		"keys", len(keys),
		"workers_per_key", workersPerKey,
		"total_slots", total)
	return &SlotPool{
		slots:   slots,
		limiter: NewSlotLimiter(total, interval),
		keys:    ksm,
		logger:  logger,
	}
}

// Len returns the total slot count.
func (p *SlotPool) Len() int {
	return len(p.slots)
}

// Slot returns the slot at index i.
func (p *SlotPool) Slot(i int) *Slot {
	return p.slots[i]
}

// Limiter returns the pool's per-slot rate limiter.
func (p *SlotPool) Limiter() *SlotLimiter {
	return p.limiter
}

// FreeReady returns, in ascending index order, every slot that is not
// processing an attempt, whose key is currently usable, and whose rate
// limiter reports ready.
func (p *SlotPool) FreeReady() []*Slot {
	ready := make([]*Slot, 0, len(p.slots))
	for _, s := range p.slots {
		if s.busy {
			continue
		}
		if !p.keys.Usable(s.Key) {
			continue
		}
		if !p.limiter.Ready(s.Index) {
			continue
		}
		ready = append(ready, s)
	}
	return ready
}

// SetBusy marks a slot as processing (or idle again).
func (p *SlotPool) SetBusy(i int, busy bool) {
	p.slots[i].busy = busy
}

// BusyCount returns the number of slots with an attempt in flight.
func (p *SlotPool) BusyCount() int {
	n := 0
	for _, s := range p.slots {
		if s.busy {
			n++
		}
	}
	return n
}
