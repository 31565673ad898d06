package dispatch

import (
	"log/slog"
	"sync"
)

// TaskQueue is a requeueable FIFO work list. Fresh submissions and
// task-error retries enter at the tail; key-error requeues re-enter at the
// head so a task bounced by a bad key is attempted again as soon as a
// healthy slot frees up. Push and pop are linearizable under a single
// mutex.
//
// A channel-backed queue cannot reinsert at the head, hence the explicit
// slice deque.
type TaskQueue struct {
	mu     sync.Mutex
	items  []*Task
	closed bool
	logger *slog.Logger
}

// NewTaskQueue creates an empty task queue.
func NewTaskQueue(logger *slog.Logger) *TaskQueue {
	return &TaskQueue{logger: logger}
}

// PushBack appends a task at the tail of the queue.
func (q *TaskQueue) PushBack(task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	q.items = append(q.items, task)
	q.logger.Debug("task enqueued",
		"task_id", task.ID,
		"queue_len", len(q.items))
	return nil
}

// PushFront reinserts a task at the head of the queue. Used for key-error
// requeues, which take priority over waiting work.
func (q *TaskQueue) PushFront(task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	q.items = append([]*Task{task}, q.items...)
	q.logger.Debug("task requeued at head",
		"task_id", task.ID,
		"queue_len", len(q.items))
	return nil
}

// PopFront removes and returns the head task. The second return value is
// false when the queue is empty.
func (q *TaskQueue) PopFront() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	task := q.items[0]
	q.items = q.items[1:]
	return task, true
}

// Drain removes and returns all queued tasks in order.
func (q *TaskQueue) Drain() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	remaining := q.items
	q.items = nil
	return remaining
}

// Len returns the number of queued tasks.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close marks the queue closed, rejecting further pushes. Queued tasks
// remain poppable.
func (q *TaskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		q.logger.Debug("task queue closed", "remaining", len(q.items))
	}
}
