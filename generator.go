package rotogen

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	"github.com/rotogen/rotogen/checkpoint"
	"github.com/rotogen/rotogen/dispatch"
	"github.com/rotogen/rotogen/errlog"
	"github.com/rotogen/rotogen/gemini"
	"github.com/rotogen/rotogen/jsonrepair"
)

// Generator owns a pool of API keys and their health state for its whole
// lifetime: a key suspended during one batch stays suspended for the
// next. Multiple generators with independent key pools can coexist; there
// is no process-wide state.
type Generator struct {
	cfg       Config
	keys      []string
	logger    *slog.Logger
	attempter dispatch.Attempter
	keyStates *dispatch.KeyStateManager
	errLog    *errlog.Logger

	// current points at the running batch's dispatcher so Statistics can
	// snapshot mid-batch.
	current atomic.Pointer[dispatch.Dispatcher]
}

// New creates a generator. At least one API key must be supplied or
// present in the environment.
func New(cfg Config) (*Generator, error) {
	cfg = cfg.withDefaults()
	logger := cfg.Logger

	// ModelName only matters to the default backend; everything else is
	// validated regardless of which attempter runs the requests.
	validate := validator.New()
	var vErr error
	if cfg.Attempter != nil {
		vErr = validate.StructExcept(cfg, "ModelName")
	} else {
		vErr = validate.Struct(cfg)
	}
	if vErr != nil {
		return nil, fmt.Errorf("invalid generator configuration: %w", vErr)
	}

	keys := cfg.APIKeys
	if len(keys) == 0 {
		keys = loadKeysFromEnv()
	}
	keys = dedupeKeys(keys, logger)
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: pass APIKeys or set GOOGLE_API_KEYS / GOOGLE_API_KEY",
			dispatch.ErrNoUsableKeys)
	}

	attempter := cfg.Attempter
	if attempter == nil {
		backend, err := gemini.New(gemini.Options{
			ModelName:         cfg.ModelName,
			SystemInstruction: cfg.SystemInstruction,
			Temperature:       cfg.Temperature,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini backend: %w", err)
		}
		attempter = backend
	}

	var failLog *errlog.Logger
	if cfg.ErrorLogPath != "" {
		l, err := errlog.Open(cfg.ErrorLogPath)
		if err != nil {
			return nil, err
		}
		failLog = l
	}

	g := &Generator{
		cfg:       cfg,
		keys:      keys,
		logger:    logger,
		attempter: attempter,
		keyStates: dispatch.NewKeyStateManager(keys, cfg.CooldownBase, cfg.CooldownCap, logger),
		errLog:    failLog,
	}

	logger.Info("generator initialized",
		"keys", len(keys),
		"workers_per_key", cfg.WorkersPerKey,
		"total_slots", len(keys)*cfg.WorkersPerKey,
		"rate_limit_per_slot", cfg.RateLimitPerSlot)
	return g, nil
}

// GenerateBatch runs every task to a terminal result and returns the
// results in task order, independent of completion order. Tasks already
// recorded in the checkpoint at opts.OutputFile are skipped and their
// prior results returned in place.
//
// The returned error is nil on a fully processed batch, the context error
// on cancellation (with the partial results), or
// dispatch.ErrAllKeysSuspended when every key died with work remaining
// (the remaining tasks appear as failed results).
func (g *Generator) GenerateBatch(ctx context.Context, specs []TaskSpec, opts BatchOptions) ([]dispatch.Result, error) {
	if g.keyStates.AllSuspended() {
		return nil, dispatch.ErrAllKeysSuspended
	}
	maxRetries := 3
	if opts.MaxRetriesPerTask != nil {
		maxRetries = *opts.MaxRetriesPerTask
	}

	var store *checkpoint.Store
	prior := make(map[string]dispatch.Result)
	if opts.OutputFile != "" {
		s, err := checkpoint.Open(opts.OutputFile, g.logger)
		if err != nil {
			return nil, err
		}
		defer func() { _ = s.Close() }()
		store = s
		for _, res := range s.Loaded() {
			prior[res.TaskID] = res
		}
	}

	// Assign missing IDs positionally and drop already-completed or
	// duplicate entries.
	order := make([]string, 0, len(specs))
	queue := dispatch.NewTaskQueue(g.logger)
	seen := make(map[string]struct{}, len(specs))
	skipped := 0
	for i, spec := range specs {
		id := spec.ID
		if id == "" {
			id = strconv.Itoa(i)
		}
		if _, dup := seen[id]; dup {
			g.logger.Warn("duplicate task id ignored", "task_id", id)
			continue
		}
		seen[id] = struct{}{}
		order = append(order, id)

		if _, done := prior[id]; done {
			skipped++
			continue
		}
		_ = queue.PushBack(&dispatch.Task{ID: id, Prompt: spec.Prompt, Metadata: spec.Metadata})
	}

	if queue.Len() == 0 {
		g.logger.Info("all tasks already completed", "total", len(order))
		return orderedResults(order, prior, nil), nil
	}
	g.logger.Info("starting batch",
		"total", len(order),
		"remaining", queue.Len(),
		"resumed", skipped)

	attempter := g.attempter
	if opts.ParseJSON {
		attempter = repairingAttempter{inner: attempter}
	}

	pool := dispatch.NewSlotPool(g.keys, g.cfg.WorkersPerKey, g.cfg.RateLimitPerSlot, g.keyStates, g.logger)
	d := dispatch.NewDispatcher(queue, pool, g.keyStates, attempter, dispatch.Config{
		MaxRetriesPerTask: maxRetries,
	}, g.logger)
	if store != nil {
		d.SetResultSink(store)
	}
	if g.errLog != nil {
		d.SetFailureRecorder(g.errLog)
	}

	g.current.Store(d)
	defer g.current.Store(nil)

	if g.cfg.EnableMonitoring {
		monitorCtx, stopMonitor := context.WithCancel(ctx)
		defer stopMonitor()
		go dispatch.NewMonitor(d, g.cfg.MonitoringInterval, g.logger).Run(monitorCtx)
	}

	runErr := d.Run(ctx)
	results := orderedResults(order, prior, d.Results())

	snap := d.Snapshot()
	g.logger.Info("batch finished",
		"succeeded", snap.Succeeded,
		"failed", snap.Failed,
		"attempts", snap.Attempts,
		"suspended_keys", snap.SuspendedKeys,
		"elapsed", snap.Elapsed)

	return results, runErr
}

// GenerateSingle runs one prompt through the first usable key, without
// queueing or retries.
func (g *Generator) GenerateSingle(ctx context.Context, prompt string) (string, error) {
	usable := g.keyStates.UsableKeys()
	if len(usable) == 0 {
		return "", dispatch.ErrNoUsableKeys
	}
	task := dispatch.NewTask(prompt)
	return g.attempter.Attempt(ctx, task, usable[0])
}

// Statistics returns a snapshot of the running batch, or the zero
// snapshot when no batch is active.
func (g *Generator) Statistics() dispatch.Snapshot {
	if d := g.current.Load(); d != nil {
		return d.Snapshot()
	}
	return dispatch.Snapshot{}
}

// Close releases the error log, if any.
func (g *Generator) Close() error {
	if g.errLog != nil {
		return g.errLog.Close()
	}
	return nil
}

// orderedResults assembles the result sequence mirroring task submission
// order, merging prior-run checkpoint results with this run's. Tasks with
// no terminal result (cancelled before starting) are omitted.
func orderedResults(order []string, prior, fresh map[string]dispatch.Result) []dispatch.Result {
	out := make([]dispatch.Result, 0, len(order))
	for _, id := range order {
		if res, ok := fresh[id]; ok {
			out = append(out, res)
			continue
		}
		if res, ok := prior[id]; ok {
			out = append(out, res)
		}
	}
	return out
}

// repairingAttempter passes successful raw output through JSON repair,
// converting repair failures into task errors.
type repairingAttempter struct {
	inner dispatch.Attempter
}

func (a repairingAttempter) Attempt(ctx context.Context, task *dispatch.Task, key string) (string, error) {
	output, err := a.inner.Attempt(ctx, task, key)
	if err != nil {
		return "", err
	}
	repaired, err := jsonrepair.Repair(output)
	if err != nil {
		return "", fmt.Errorf("%w: %v", dispatch.ErrMalformedResponse, err)
	}
	return repaired, nil
}
