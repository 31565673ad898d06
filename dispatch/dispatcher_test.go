package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// attempterFunc adapts a function to the Attempter interface for tests.
type attempterFunc func(ctx context.Context, task *Task, key string) (string, error)

func (f attempterFunc) Attempt(ctx context.Context, task *Task, key string) (string, error) {
	return f(ctx, task, key)
}

func newTestDispatcher(
	keys []string,
	workersPerKey int,
	interval time.Duration,
	maxRetries int,
	att Attempter,
) (*Dispatcher, *TaskQueue) {
	logger := setupTestLogger()
	ksm := NewKeyStateManager(keys, 60*time.Second, 120*time.Second, logger)
	pool := NewSlotPool(keys, workersPerKey, interval, ksm, logger)
	queue := NewTaskQueue(logger)
	cfg := Config{
		MaxRetriesPerTask: maxRetries,
		PollInterval:      10 * time.Millisecond,
		ShutdownGrace:     50 * time.Millisecond,
	}
	return NewDispatcher(queue, pool, ksm, att, cfg, logger), queue
}

func enqueue(t *testing.T, queue *TaskQueue, n int) []*Task {
	t.Helper()
	tasks := make([]*Task, n)
	for i := range tasks {
		tasks[i] = NewTask(fmt.Sprintf("prompt %d", i))
		require.NoError(t, queue.PushBack(tasks[i]))
	}
	return tasks
}

func TestDispatcherAllSucceed(t *testing.T) {
	att := attempterFunc(func(_ context.Context, task *Task, _ string) (string, error) {
		return "echo: " + task.Prompt, nil
	})
	d, queue := newTestDispatcher([]string{"k1", "k2", "k3"}, 2, 0, 3, att)
	tasks := enqueue(t, queue, 10)

	require.NoError(t, d.Run(context.Background()))

	results := d.Results()
	require.Len(t, results, 10)
	for _, task := range tasks {
		res, ok := results[task.ID]
		require.True(t, ok, "missing result for %s", task.ID)
		assert.True(t, res.Success)
		assert.Equal(t, "echo: "+task.Prompt, res.Output)
		assert.Equal(t, 0, res.Retries)
	}

	snap := d.Snapshot()
	assert.Equal(t, uint64(10), snap.Attempts)
	assert.Equal(t, uint64(10), snap.Succeeded)
	assert.Equal(t, uint64(0), snap.Failed)
	assert.Equal(t, 0, snap.QueueDepth)
	assert.Equal(t, 0, snap.ActiveSlots)
}

func TestDispatcherTaskErrorExhaustsRetries(t *testing.T) {
	att := attempterFunc(func(_ context.Context, _ *Task, _ string) (string, error) {
		return "", fmt.Errorf("%w: finish reason safety", ErrContentBlocked)
	})
	d, queue := newTestDispatcher([]string{"k1"}, 1, 0, 2, att)
	task := enqueue(t, queue, 1)[0]

	require.NoError(t, d.Run(context.Background()))

	res, ok := d.Results()[task.ID]
	require.True(t, ok)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, ErrContentBlocked.Error())
	assert.Equal(t, 3, res.Retries, "initial attempt plus two retries")

	snap := d.Snapshot()
	assert.Equal(t, uint64(3), snap.Attempts)
	assert.Equal(t, uint64(2), snap.TaskErrorRetries)
	assert.Equal(t, uint64(1), snap.Failed)
}

func TestDispatcherKeyErrorDoesNotConsumeRetryBudget(t *testing.T) {
	att := attempterFunc(func(_ context.Context, task *Task, key string) (string, error) {
		if strings.HasPrefix(key, "bad") {
			return "", &APIFault{StatusCode: 403, Status: "PERMISSION_DENIED", Message: "consumer_suspended"}
		}
		return "done: " + task.Prompt, nil
	})
	d, queue := newTestDispatcher([]string{"bad-key", "good-key"}, 1, 0, 3, att)
	task := enqueue(t, queue, 1)[0]

	require.NoError(t, d.Run(context.Background()))

	res, ok := d.Results()[task.ID]
	require.True(t, ok)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.Retries, "key errors must not touch the retry budget")

	snap := d.Snapshot()
	assert.GreaterOrEqual(t, snap.KeyErrorRequeues, uint64(1))
	assert.Equal(t, 1, snap.SuspendedKeys)
}

func TestDispatcherAllKeysSuspended(t *testing.T) {
	att := attempterFunc(func(_ context.Context, _ *Task, _ string) (string, error) {
		return "", &APIFault{StatusCode: 403, Message: "API key not valid"}
	})
	d, queue := newTestDispatcher([]string{"only-key"}, 2, 0, 3, att)
	tasks := enqueue(t, queue, 5)

	err := d.Run(context.Background())
	require.ErrorIs(t, err, ErrAllKeysSuspended)

	results := d.Results()
	require.Len(t, results, 5, "every submitted task reports exactly one result")
	for _, task := range tasks {
		res, ok := results[task.ID]
		require.True(t, ok)
		assert.False(t, res.Success)
		assert.Equal(t, ErrAllKeysSuspended.Error(), res.Error)
	}
	assert.Equal(t, uint64(5), d.Snapshot().Failed)
}

func TestDispatcherOneAttemptPerSlot(t *testing.T) {
	var current, violations atomic.Int64
	att := attempterFunc(func(_ context.Context, _ *Task, _ string) (string, error) {
		if current.Add(1) > 1 {
			violations.Add(1)
		}
		time.Sleep(5 * time.Millisecond)
		current.Add(-1)
		return "ok", nil
	})
	d, queue := newTestDispatcher([]string{"k1"}, 1, 0, 3, att)
	enqueue(t, queue, 6)

	require.NoError(t, d.Run(context.Background()))

	assert.Equal(t, int64(0), violations.Load(), "a slot must never run two attempts at once")
	assert.Len(t, d.Results(), 6)
}

func TestDispatcherRateLimitPacesSlot(t *testing.T) {
	att := attempterFunc(func(_ context.Context, _ *Task, _ string) (string, error) {
		return "ok", nil
	})
	interval := 60 * time.Millisecond
	d, queue := newTestDispatcher([]string{"k1"}, 1, interval, 3, att)
	enqueue(t, queue, 3)

	start := time.Now()
	require.NoError(t, d.Run(context.Background()))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 2*interval,
		"three requests on one slot need two full intervals between them")
	assert.Equal(t, uint64(3), d.Snapshot().Succeeded)
}

func TestDispatcherSnapshotConcurrentWithRun(t *testing.T) {
	att := attempterFunc(func(_ context.Context, _ *Task, _ string) (string, error) {
		time.Sleep(time.Millisecond)
		return "ok", nil
	})
	d, queue := newTestDispatcher([]string{"k1", "k2"}, 2, 0, 3, att)
	enqueue(t, queue, 8)

	// Monitors snapshot from the moment the dispatcher exists, including
	// before and during Run.
	snap := d.Snapshot()
	assert.Equal(t, 4, snap.TotalSlots)
	assert.GreaterOrEqual(t, snap.Elapsed, time.Duration(0))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for d.Snapshot().Succeeded < 8 {
			time.Sleep(time.Millisecond)
		}
	}()

	require.NoError(t, d.Run(context.Background()))
	<-done
	assert.Equal(t, uint64(8), d.Snapshot().Succeeded)
}

func TestDispatcherCancellationReportsNotAttempted(t *testing.T) {
	started := make(chan struct{}, 1)
	att := attempterFunc(func(ctx context.Context, _ *Task, _ string) (string, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return "", ctx.Err()
	})
	d, queue := newTestDispatcher([]string{"k1"}, 1, 0, 3, att)
	enqueue(t, queue, 3)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	<-started
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not drain after cancellation")
	}

	// Neither the in-flight attempt nor the never-launched tasks get a
	// fabricated failure result.
	assert.Empty(t, d.Results())
	assert.Equal(t, 2, queue.Len())
	assert.Equal(t, uint64(0), d.Snapshot().Failed)
}
