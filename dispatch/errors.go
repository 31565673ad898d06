package dispatch

import "errors"

// Common errors returned by the dispatch package
var (
	// ErrContentBlocked is returned when the model rejects a prompt or
	// response on content-policy grounds. Classified as a task error.
	ErrContentBlocked = errors.New("content blocked by model safety filters")

	// ErrMalformedResponse is returned when the model response cannot be
	// parsed or repaired. Classified as a task error.
	ErrMalformedResponse = errors.New("malformed model response")

	// ErrInvalidInput is returned when the endpoint rejects the request
	// payload itself. Classified as a task error.
	ErrInvalidInput = errors.New("invalid generation input")

	// ErrAllKeysSuspended is returned when every configured key has been
	// permanently suspended and queued work can no longer be attempted.
	ErrAllKeysSuspended = errors.New("all API keys permanently suspended")

	// ErrNoUsableKeys is returned when a batch is submitted with zero
	// usable keys.
	ErrNoUsableKeys = errors.New("no usable API keys")

	// ErrQueueClosed is returned when pushing to a closed task queue.
	ErrQueueClosed = errors.New("task queue is closed")
)
