// Package dispatch implements the scheduling core for batch generation:
// a fixed pool of worker slots bound to API keys, per-slot rate limiting,
// key health tracking (active / cooling down / suspended), failure
// classification, and the dispatcher loop that drives tasks from a
// requeueable queue to terminal results. All shared mutable state (key
// states, the task queue) is owned here; attempt execution against the
// generation endpoint is delegated to an Attempter collaborator.
package dispatch
