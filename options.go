package rotogen

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/rotogen/rotogen/dispatch"
)

// Config holds generator construction options. Zero values take the
// documented defaults.
type Config struct {
	// ModelName is passed through to the attempt backend.
	ModelName string `validate:"required"`

	// APIKeys are the credentials to spread load across. Duplicates are
	// deduplicated with a warning. When empty, keys load from the
	// GOOGLE_API_KEYS (comma-separated) or GOOGLE_API_KEY environment
	// variables.
	APIKeys []string

	// WorkersPerKey is the number of concurrent slots per key.
	// Default 4.
	WorkersPerKey int `validate:"gte=0"`

	// RateLimitPerSlot is the minimum interval between two requests
	// issued through the same slot. Default 12s; negative disables
	// rate limiting.
	RateLimitPerSlot time.Duration

	// SystemInstruction is passed through to the backend.
	SystemInstruction string

	// Temperature is passed through to the backend. Default 0.3.
	Temperature float32 `validate:"gte=0,lte=2"`

	// ErrorLogPath, when set, receives one line per attempt failure.
	ErrorLogPath string

	// EnableMonitoring emits a periodic progress line during batches.
	EnableMonitoring bool

	// MonitoringInterval is the progress line period. Default 2s.
	MonitoringInterval time.Duration

	// CooldownBase seeds the per-key exponential cooldown used when a
	// transient key error carries no retry-after hint. Default 60s.
	CooldownBase time.Duration

	// CooldownCap bounds cooldowns from both the backoff and
	// endpoint-supplied hints. Default 120s.
	CooldownCap time.Duration

	// Logger receives structured logs. Defaults to slog.Default().
	Logger *slog.Logger

	// Attempter overrides the default Gemini backend, e.g. with the
	// openaicompat backend or a test double.
	Attempter dispatch.Attempter
}

// withDefaults fills in the documented defaults.
func (c Config) withDefaults() Config {
	if c.WorkersPerKey == 0 {
		c.WorkersPerKey = 4
	}
	if c.RateLimitPerSlot == 0 {
		c.RateLimitPerSlot = 12 * time.Second
	}
	if c.Temperature == 0 {
		c.Temperature = 0.3
	}
	if c.MonitoringInterval <= 0 {
		c.MonitoringInterval = 2 * time.Second
	}
	if c.CooldownBase <= 0 {
		c.CooldownBase = 60 * time.Second
	}
	if c.CooldownCap <= 0 {
		c.CooldownCap = 120 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// BatchOptions controls one GenerateBatch call.
type BatchOptions struct {
	// OutputFile is the checkpoint path. When the file exists, tasks it
	// already records are skipped and their results returned as is.
	// Empty disables checkpointing.
	OutputFile string

	// ParseJSON passes each successful output through JSON repair before
	// storing it; repair failure is a task error.
	ParseJSON bool

	// MaxRetriesPerTask bounds task-error retries. Nil takes the default
	// of 3; pointing at zero disables retries, making the first task
	// error terminal.
	MaxRetriesPerTask *int
}

// TaskSpec is one batch entry: a prompt with an optional stable ID and
// metadata carried through untouched into the Result. An absent ID is
// assigned from the entry's position, which keeps resume stable across
// runs of the same input.
type TaskSpec struct {
	ID       string
	Prompt   string
	Metadata map[string]any
}

// Prompts converts bare prompt strings into task specs.
func Prompts(prompts []string) []TaskSpec {
	specs := make([]TaskSpec, len(prompts))
	for i, p := range prompts {
		specs[i] = TaskSpec{Prompt: p}
	}
	return specs
}

// loadKeysFromEnv reads credentials from GOOGLE_API_KEYS (comma-separated)
// or GOOGLE_API_KEY.
func loadKeysFromEnv() []string {
	if raw := os.Getenv("GOOGLE_API_KEYS"); raw != "" {
		var keys []string
		for _, k := range strings.Split(raw, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
		return keys
	}
	if single := strings.TrimSpace(os.Getenv("GOOGLE_API_KEY")); single != "" {
		return []string{single}
	}
	return nil
}

// dedupeKeys drops duplicate credentials, preserving first-seen order.
func dedupeKeys(keys []string, logger *slog.Logger) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			logger.Warn("duplicate API key ignored", "key", dispatch.KeyFingerprint(k))
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
