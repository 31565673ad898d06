package dispatch

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Stats aggregates cumulative counters for a batch. It is a passive
// observer: the dispatcher writes, monitors read, and nothing here ever
// influences scheduling.
type Stats struct {
	active           atomic.Int64
	attempts         atomic.Uint64
	succeeded        atomic.Uint64
	failed           atomic.Uint64
	keyErrorRequeues atomic.Uint64
	taskErrorRetries atomic.Uint64
}

// Snapshot is a point-in-time view of a batch's progress.
type Snapshot struct {
	ActiveSlots      int           `json:"active_slots"`
	TotalSlots       int           `json:"total_slots"`
	QueueDepth       int           `json:"queue_depth"`
	Attempts         uint64        `json:"attempts"`
	Succeeded        uint64        `json:"succeeded"`
	Failed           uint64        `json:"failed"`
	KeyErrorRequeues uint64        `json:"key_error_requeues"`
	TaskErrorRetries uint64        `json:"task_error_retries"`
	CooldownKeys     int           `json:"cooldown_keys"`
	SuspendedKeys    int           `json:"suspended_keys"`
	Elapsed          time.Duration `json:"elapsed"`
}

// Monitor periodically emits a snapshot through the logger. It reads the
// queue, pool and key manager but never mutates them.
type Monitor struct {
	dispatcher *Dispatcher
	interval   time.Duration
	logger     *slog.Logger
}

// NewMonitor creates a monitor emitting every interval.
func NewMonitor(d *Dispatcher, interval time.Duration, logger *slog.Logger) *Monitor {
	return &Monitor{dispatcher: d, interval: interval, logger: logger}
}

// Run emits snapshots until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := m.dispatcher.Snapshot()
			m.logger.Info("batch progress",
				"active", snap.ActiveSlots,
				"total_slots", snap.TotalSlots,
				"queued", snap.QueueDepth,
				"succeeded", snap.Succeeded,
				"failed", snap.Failed,
				"cooldown_keys", snap.CooldownKeys,
				"suspended_keys", snap.SuspendedKeys,
				"retried", snap.KeyErrorRequeues+snap.TaskErrorRetries)
		}
	}
}
