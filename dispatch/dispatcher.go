package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Config holds tuning knobs for the dispatcher loop.
type Config struct {
	// MaxRetriesPerTask bounds task-error retries. A task whose retry
	// count exceeds this finalizes as failed.
	MaxRetriesPerTask int

	// PollInterval is the upper bound on how long the loop sleeps when no
	// completion arrives; it also bounds the latency of noticing a slot's
	// rate limiter becoming ready. Defaults to 100ms.
	PollInterval time.Duration

	// ShutdownGrace is how long in-flight attempts may keep running after
	// batch cancellation before their context is cancelled too.
	// Defaults to 5s.
	ShutdownGrace time.Duration
}

// DefaultConfig returns a Config with reasonable defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetriesPerTask: 3,
		PollInterval:      100 * time.Millisecond,
		ShutdownGrace:     5 * time.Second,
	}
}

// completion is one finished attempt, delivered from the attempt goroutine
// back to the dispatcher loop.
type completion struct {
	slot   *Slot
	task   *Task
	output string
	err    error
}

// Dispatcher matches queued tasks to free, rate-limit-ready slots bound to
// healthy keys, launches attempts concurrently (at most one per slot), and
// interprets every outcome: success finalizes a result, key errors requeue
// at the head without touching the retry budget, task errors consume the
// budget, fatal errors finalize immediately.
//
// All state mutation happens on the single Run goroutine; attempt
// goroutines only execute the collaborator and report back over a channel.
type Dispatcher struct {
	queue     *TaskQueue
	pool      *SlotPool
	keys      *KeyStateManager
	attempter Attempter
	cfg       Config
	logger    *slog.Logger

	sink     ResultSink
	failures FailureRecorder

	stats     *Stats
	startedAt time.Time

	inFlight    int
	completions chan completion
	results     map[string]Result
}

// NewDispatcher wires the core components together. Sink and failure
// recorder are optional and set separately.
func NewDispatcher(
	queue *TaskQueue,
	pool *SlotPool,
	keys *KeyStateManager,
	attempter Attempter,
	cfg Config,
	logger *slog.Logger,
) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 5 * time.Second
	}
	return &Dispatcher{
		queue:     queue,
		pool:      pool,
		keys:      keys,
		attempter: attempter,
		cfg:       cfg,
		logger:    logger,
		stats:     &Stats{},
		// Set here, not in Run: monitors may snapshot before the loop
		// starts, and a late write would race them.
		startedAt: time.Now(),
		results:   make(map[string]Result),
	}
}

// SetResultSink directs finalized results to a persistent store.
func (d *Dispatcher) SetResultSink(sink ResultSink) {
	d.sink = sink
}

// SetFailureRecorder directs per-failure entries to an error log.
func (d *Dispatcher) SetFailureRecorder(rec FailureRecorder) {
	d.failures = rec
}

// Results returns the terminal result for every finalized task, keyed by
// task ID. Valid after Run returns.
func (d *Dispatcher) Results() map[string]Result {
	return d.results
}

// Snapshot assembles a point-in-time statistics view. Safe to call from
// other goroutines while Run is executing.
func (d *Dispatcher) Snapshot() Snapshot {
	return Snapshot{
		ActiveSlots:      int(d.stats.active.Load()),
		TotalSlots:       d.pool.Len(),
		QueueDepth:       d.queue.Len(),
		Attempts:         d.stats.attempts.Load(),
		Succeeded:        d.stats.succeeded.Load(),
		Failed:           d.stats.failed.Load(),
		KeyErrorRequeues: d.stats.keyErrorRequeues.Load(),
		TaskErrorRetries: d.stats.taskErrorRetries.Load(),
		CooldownKeys:     d.keys.CooldownCount(),
		SuspendedKeys:    d.keys.SuspendedCount(),
		Elapsed:          time.Since(d.startedAt),
	}
}

// Run drives the batch until every queued task reaches a terminal result,
// the context is cancelled, or every key is permanently suspended while
// work remains.
//
// On cancellation no new attempt is launched; in-flight attempts drain
// (their context is cancelled after the shutdown grace) and queued tasks
// are reported as not attempted rather than fabricated as failures.
// On key exhaustion the remaining queued tasks finalize as failed and
// ErrAllKeysSuspended is returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.completions = make(chan completion, d.pool.Len())
	outstanding := d.queue.Len()

	// Attempts outlive batch cancellation by the shutdown grace so
	// near-finished round trips can still land.
	attemptCtx, cancelAttempts := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelAttempts()
	stop := context.AfterFunc(ctx, func() {
		time.AfterFunc(d.cfg.ShutdownGrace, cancelAttempts)
	})
	defer stop()

	cancelled := false
	exhausted := false

	for outstanding > 0 {
		if !cancelled && ctx.Err() != nil {
			cancelled = true
			d.logger.Warn("batch cancelled, draining in-flight attempts",
				"in_flight", d.inFlight,
				"queued", d.queue.Len())
		}
		if !cancelled && !exhausted && d.keys.AllSuspended() {
			exhausted = true
			d.logger.Error("every key permanently suspended",
				"in_flight", d.inFlight,
				"queued", d.queue.Len())
		}

		if cancelled || exhausted {
			if d.inFlight == 0 {
				break
			}
			c := <-d.completions
			outstanding -= d.handleCompletion(c, cancelled)
			continue
		}

		d.launchReady(attemptCtx)

		if d.inFlight == 0 && d.queue.Len() == 0 {
			break
		}

		timer := time.NewTimer(d.waitInterval())
		select {
		case c := <-d.completions:
			timer.Stop()
			outstanding -= d.handleCompletion(c, false)
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}

	if exhausted {
		d.finalizeExhausted()
		return ErrAllKeysSuspended
	}
	if cancelled {
		if remaining := d.queue.Len(); remaining > 0 {
			d.logger.Warn("tasks not attempted due to cancellation",
				"count", remaining)
		}
		return ctx.Err()
	}
	return nil
}

// launchReady assigns queued tasks to every free ready slot, in slot index
// order, launching each attempt concurrently.
func (d *Dispatcher) launchReady(ctx context.Context) {
	for _, slot := range d.pool.FreeReady() {
		task, ok := d.queue.PopFront()
		if !ok {
			return
		}
		if !d.pool.Limiter().Record(slot.Index) {
			// Token expired between the ready check and now.
			_ = d.queue.PushFront(task)
			continue
		}
		d.pool.SetBusy(slot.Index, true)
		d.inFlight++
		d.stats.active.Add(1)
		d.stats.attempts.Add(1)
		d.logger.Debug("attempt launched",
			"task_id", task.ID,
			"slot", slot.Index,
			"key", KeyFingerprint(slot.Key))
		go func(slot *Slot, task *Task) {
			output, err := d.attempter.Attempt(ctx, task, slot.Key)
			d.completions <- completion{slot: slot, task: task, output: output, err: err}
		}(slot, task)
	}
}

// waitInterval bounds the loop's sleep: the poll interval, shortened to
// the earliest key-cooldown expiry when one is nearer.
func (d *Dispatcher) waitInterval() time.Duration {
	wait := d.cfg.PollInterval
	if wake, ok := d.keys.NextWake(); ok {
		if until := time.Until(wake); until > 0 && until < wait {
			wait = until
		}
	}
	return wait
}

// handleCompletion frees the slot and applies the outcome. Returns 1 when
// the task reached a terminal result, 0 when it was requeued.
func (d *Dispatcher) handleCompletion(c completion, cancelled bool) int {
	d.pool.SetBusy(c.slot.Index, false)
	d.inFlight--
	d.stats.active.Add(-1)

	if c.err == nil {
		d.keys.MarkSuccess(c.slot.Key)
		d.finalize(Result{
			TaskID:   c.task.ID,
			Prompt:   c.task.Prompt,
			Output:   c.output,
			Success:  true,
			Retries:  c.task.retryCount,
			Metadata: c.task.Metadata,
		})
		return 1
	}

	// An attempt cut short by batch cancellation was neither completed
	// nor at fault; report it as not attempted.
	if cancelled && (errors.Is(c.err, context.Canceled) || errors.Is(c.err, context.DeadlineExceeded)) {
		d.logger.Warn("in-flight attempt cancelled",
			"task_id", c.task.ID,
			"slot", c.slot.Index)
		return 1
	}

	cls := Classify(c.err)
	if d.failures != nil {
		d.failures.RecordFailure(c.slot.Index, c.slot.Key, cls.Kind, cls.Permanent, cls.RetryAfter, c.err)
	}

	switch cls.Kind {
	case ErrorKindKey:
		d.keys.MarkKeyError(c.slot.Key, cls.Permanent, cls.RetryAfter)
		d.stats.keyErrorRequeues.Add(1)
		// Head of the queue: the key failed, not the task, so it goes
		// first in line for the next healthy slot.
		_ = d.queue.PushFront(c.task)
		d.logger.Info("task requeued after key error",
			"task_id", c.task.ID,
			"slot", c.slot.Index,
			"key", KeyFingerprint(c.slot.Key),
			"permanent", cls.Permanent)
		return 0

	case ErrorKindTask:
		c.task.retryCount++
		if c.task.retryCount > d.cfg.MaxRetriesPerTask {
			d.logger.Warn("task failed after exhausting retries",
				"task_id", c.task.ID,
				"attempts", c.task.retryCount,
				"error", c.err)
			d.finalize(Result{
				TaskID:   c.task.ID,
				Prompt:   c.task.Prompt,
				Success:  false,
				Error:    c.err.Error(),
				Retries:  c.task.retryCount,
				Metadata: c.task.Metadata,
			})
			return 1
		}
		d.stats.taskErrorRetries.Add(1)
		_ = d.queue.PushBack(c.task)
		d.logger.Info("task retrying after task error",
			"task_id", c.task.ID,
			"retry", c.task.retryCount,
			"max_retries", d.cfg.MaxRetriesPerTask)
		return 0

	default:
		d.logger.Error("task failed with unclassified error",
			"task_id", c.task.ID,
			"slot", c.slot.Index,
			"error", c.err)
		d.finalize(Result{
			TaskID:   c.task.ID,
			Prompt:   c.task.Prompt,
			Success:  false,
			Error:    c.err.Error(),
			Retries:  c.task.retryCount,
			Metadata: c.task.Metadata,
		})
		return 1
	}
}

// finalize records the task's single terminal result and persists it.
func (d *Dispatcher) finalize(res Result) {
	if res.Success {
		d.stats.succeeded.Add(1)
	} else {
		d.stats.failed.Add(1)
	}
	d.results[res.TaskID] = res
	if d.sink != nil {
		if err := d.sink.Append(res); err != nil {
			d.logger.Error("failed to persist result",
				"task_id", res.TaskID,
				"error", err)
		}
	}
}

// finalizeExhausted converts every still-queued task into a failed result
// citing key exhaustion, so the batch reports each submitted task exactly
// once even when no key can serve it.
func (d *Dispatcher) finalizeExhausted() {
	for _, task := range d.queue.Drain() {
		d.finalize(Result{
			TaskID:   task.ID,
			Prompt:   task.Prompt,
			Success:  false,
			Error:    ErrAllKeysSuspended.Error(),
			Retries:  task.retryCount,
			Metadata: task.Metadata,
		})
	}
}
