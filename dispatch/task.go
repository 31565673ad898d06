package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Task is one generation request. Tasks are immutable once created except
// for the internal task-error retry counter, which only the Dispatcher
// mutates.
type Task struct {
	// ID uniquely identifies the task within a batch. Assigned from a
	// random UUID when the caller does not supply one.
	ID string

	// Prompt is the text sent to the generation endpoint.
	Prompt string

	// Metadata is carried through untouched into the task's Result.
	Metadata map[string]any

	// retryCount counts attempts that failed with a task-attributable
	// error. Key errors never touch it.
	retryCount int
}

// NewTask creates a task for the given prompt, assigning a fresh UUID as
// its ID.
func NewTask(prompt string) *Task {
	return &Task{ID: uuid.New().String(), Prompt: prompt}
}

// RetryCount returns the number of task-error attempts recorded so far.
func (t *Task) RetryCount() int {
	return t.retryCount
}

// Result is the single terminal record produced for a task. It is written
// at most once per task.
type Result struct {
	TaskID   string         `json:"id"`
	Prompt   string         `json:"prompt"`
	Output   string         `json:"result,omitempty"`
	Success  bool           `json:"success"`
	Error    string         `json:"error,omitempty"`
	Retries  int            `json:"retries"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ErrorKind classifies an attempt failure.
type ErrorKind int

// Possible failure classifications
const (
	// ErrorKindNone means the attempt succeeded.
	ErrorKindNone ErrorKind = iota

	// ErrorKindKey marks a failure attributable to the credential (rate
	// limit, quota, suspension). Never consumes the task's retry budget.
	ErrorKindKey

	// ErrorKindTask marks a failure attributable to the task's content or
	// response parsing. Consumes the task's retry budget.
	ErrorKindTask

	// ErrorKindFatal marks an unclassified failure, treated as terminal
	// for the task to avoid retry loops on unknown failure modes.
	ErrorKindFatal
)

// String returns a short name for the error kind.
func (k ErrorKind) String() string {
	switch k {
	case ErrorKindNone:
		return "none"
	case ErrorKindKey:
		return "key_error"
	case ErrorKindTask:
		return "task_error"
	case ErrorKindFatal:
		return "fatal_error"
	default:
		return "unknown"
	}
}

// Outcome is the interpreted result of one attempt.
type Outcome struct {
	Output string
	Err    error
	Kind   ErrorKind
}

// APIFault carries the endpoint-level detail of a failed attempt so the
// classifier can decide between key, task and fatal errors without
// depending on any particular SDK. Backends translate their SDK errors
// into this type.
type APIFault struct {
	// StatusCode is the HTTP status code, when known.
	StatusCode int

	// Status is the endpoint's machine-readable status string
	// (e.g. "RESOURCE_EXHAUSTED"), when known.
	Status string

	// Message is the endpoint's human-readable error message.
	Message string

	// RetryAfter is the endpoint-supplied retry hint, zero when absent.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (f *APIFault) Error() string {
	if f.Status != "" {
		return fmt.Sprintf("api fault %d %s: %s", f.StatusCode, f.Status, f.Message)
	}
	return fmt.Sprintf("api fault %d: %s", f.StatusCode, f.Message)
}

// Attempter executes one generation attempt for a task using the given
// credential. It is the only long-latency operation in the system and the
// sole collaborator the core needs from a provider backend.
type Attempter interface {
	// Attempt sends the task's prompt through the endpoint authenticated
	// by key and returns the raw output text, or an error the classifier
	// can interpret (ideally wrapping *APIFault or one of the dispatch
	// sentinel errors).
	Attempt(ctx context.Context, task *Task, key string) (string, error)
}

// ResultSink persists terminal results as they are produced.
type ResultSink interface {
	// Append durably records one result.
	Append(result Result) error
}

// FailureRecorder receives one entry per attempt failure for the error
// log. Implementations must tolerate concurrent use.
type FailureRecorder interface {
	RecordFailure(slot int, key string, kind ErrorKind, permanent bool, retryAfter time.Duration, cause error)
}

// KeyFingerprint returns a short non-secret identifier for a key, safe
// for logs.
func KeyFingerprint(key string) string {
	if len(key) <= 4 {
		return "***"
	}
	return "..." + key[len(key)-4:]
}
