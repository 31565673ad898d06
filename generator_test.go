package rotogen

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rotogen/rotogen/dispatch"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// stubAttempter adapts a function to dispatch.Attempter for tests.
type stubAttempter func(ctx context.Context, task *dispatch.Task, key string) (string, error)

func (f stubAttempter) Attempt(ctx context.Context, task *dispatch.Task, key string) (string, error) {
	return f(ctx, task, key)
}

func echoAttempter() stubAttempter {
	return func(_ context.Context, task *dispatch.Task, _ string) (string, error) {
		return "echo: " + task.Prompt, nil
	}
}

func testConfig(att dispatch.Attempter, keys ...string) Config {
	return Config{
		APIKeys:          keys,
		WorkersPerKey:    1,
		RateLimitPerSlot: -1,
		Attempter:        att,
		Logger:           setupTestLogger(),
	}
}

func TestNewRequiresKeys(t *testing.T) {
	t.Setenv("GOOGLE_API_KEYS", "")
	t.Setenv("GOOGLE_API_KEY", "")

	_, err := New(testConfig(echoAttempter()))
	assert.ErrorIs(t, err, dispatch.ErrNoUsableKeys)
}

func TestNewLoadsKeysFromEnv(t *testing.T) {
	t.Setenv("GOOGLE_API_KEYS", "env-key-1, env-key-2,")

	g, err := New(testConfig(echoAttempter()))
	require.NoError(t, err)
	assert.Equal(t, []string{"env-key-1", "env-key-2"}, g.keys)
}

func TestNewDeduplicatesKeys(t *testing.T) {
	g, err := New(testConfig(echoAttempter(), "key-a", "key-b", "key-a"))
	require.NoError(t, err)
	assert.Equal(t, []string{"key-a", "key-b"}, g.keys)
}

func TestGenerateBatchOrdersResults(t *testing.T) {
	g, err := New(testConfig(echoAttempter(), "key-a", "key-b"))
	require.NoError(t, err)

	prompts := []string{"alpha", "beta", "gamma", "delta", "epsilon"}
	results, err := g.GenerateBatch(context.Background(), Prompts(prompts), BatchOptions{})
	require.NoError(t, err)

	require.Len(t, results, len(prompts))
	for i, res := range results {
		assert.Equal(t, fmt.Sprintf("%d", i), res.TaskID)
		assert.Equal(t, prompts[i], res.Prompt)
		assert.Equal(t, "echo: "+prompts[i], res.Output)
		assert.True(t, res.Success)
	}
}

func TestGenerateBatchSkipsDuplicateIDs(t *testing.T) {
	g, err := New(testConfig(echoAttempter(), "key-a"))
	require.NoError(t, err)

	specs := []TaskSpec{
		{ID: "t1", Prompt: "first"},
		{ID: "t1", Prompt: "shadowed"},
		{ID: "t2", Prompt: "second"},
	}
	results, err := g.GenerateBatch(context.Background(), specs, BatchOptions{})
	require.NoError(t, err)

	require.Len(t, results, 2)
	assert.Equal(t, "first", results[0].Prompt)
	assert.Equal(t, "t2", results[1].TaskID)
}

func TestGenerateBatchResumesFromCheckpoint(t *testing.T) {
	outputFile := filepath.Join(t.TempDir(), "results.jsonl")
	specs := Prompts([]string{"one", "two", "three"})

	g1, err := New(testConfig(echoAttempter(), "key-a"))
	require.NoError(t, err)
	first, err := g1.GenerateBatch(context.Background(), specs, BatchOptions{OutputFile: outputFile})
	require.NoError(t, err)
	require.Len(t, first, 3)

	// The second run must serve everything from the checkpoint without a
	// single new attempt.
	var calls atomic.Int64
	countingAtt := stubAttempter(func(_ context.Context, task *dispatch.Task, _ string) (string, error) {
		calls.Add(1)
		return "fresh: " + task.Prompt, nil
	})
	g2, err := New(testConfig(countingAtt, "key-a"))
	require.NoError(t, err)
	second, err := g2.GenerateBatch(context.Background(), specs, BatchOptions{OutputFile: outputFile})
	require.NoError(t, err)

	assert.Equal(t, int64(0), calls.Load())
	require.Len(t, second, 3)
	for i, res := range second {
		assert.Equal(t, first[i].TaskID, res.TaskID)
		assert.Equal(t, first[i].Output, res.Output)
	}
}

func TestGenerateBatchParseJSONRepairsOutput(t *testing.T) {
	att := stubAttempter(func(_ context.Context, _ *dispatch.Task, _ string) (string, error) {
		return "```json\n{\"score\": 9,}\n```", nil
	})
	g, err := New(testConfig(att, "key-a"))
	require.NoError(t, err)

	results, err := g.GenerateBatch(context.Background(), Prompts([]string{"rate this"}),
		BatchOptions{ParseJSON: true})
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, `{"score": 9}`, results[0].Output)
}

func TestGenerateBatchParseJSONFailureIsTaskError(t *testing.T) {
	var calls atomic.Int64
	att := stubAttempter(func(_ context.Context, _ *dispatch.Task, _ string) (string, error) {
		calls.Add(1)
		return "I cannot produce JSON for that.", nil
	})
	g, err := New(testConfig(att, "key-a"))
	require.NoError(t, err)

	maxRetries := 1
	results, err := g.GenerateBatch(context.Background(), Prompts([]string{"json please"}),
		BatchOptions{ParseJSON: true, MaxRetriesPerTask: &maxRetries})
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, dispatch.ErrMalformedResponse.Error())
	assert.Equal(t, int64(2), calls.Load(), "initial attempt plus one retry")
}

func TestGenerateBatchZeroRetriesDisablesRetry(t *testing.T) {
	var calls atomic.Int64
	att := stubAttempter(func(_ context.Context, _ *dispatch.Task, _ string) (string, error) {
		calls.Add(1)
		return "", fmt.Errorf("%w: finish reason safety", dispatch.ErrContentBlocked)
	})
	g, err := New(testConfig(att, "key-a"))
	require.NoError(t, err)

	zero := 0
	results, err := g.GenerateBatch(context.Background(), Prompts([]string{"p"}),
		BatchOptions{MaxRetriesPerTask: &zero})
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, int64(1), calls.Load(), "zero retries means the first task error is terminal")
}

func TestNewValidatesConfigWithCustomAttempter(t *testing.T) {
	cfg := testConfig(echoAttempter(), "key-a")
	cfg.Temperature = 5

	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid generator configuration")

	// ModelName stays optional when the backend is supplied.
	ok := testConfig(echoAttempter(), "key-a")
	_, err = New(ok)
	assert.NoError(t, err)
}

func TestGeneratorKeyStatePersistsAcrossBatches(t *testing.T) {
	att := stubAttempter(func(_ context.Context, _ *dispatch.Task, _ string) (string, error) {
		return "", &dispatch.APIFault{StatusCode: 403, Message: "API key not valid"}
	})
	g, err := New(testConfig(att, "key-a"))
	require.NoError(t, err)

	results, err := g.GenerateBatch(context.Background(), Prompts([]string{"p1", "p2"}), BatchOptions{})
	require.ErrorIs(t, err, dispatch.ErrAllKeysSuspended)
	assert.Len(t, results, 2)

	// The suspension outlives the batch: the next one refuses up front.
	_, err = g.GenerateBatch(context.Background(), Prompts([]string{"p3"}), BatchOptions{})
	assert.ErrorIs(t, err, dispatch.ErrAllKeysSuspended)
}

func TestGenerateSingle(t *testing.T) {
	g, err := New(testConfig(echoAttempter(), "key-a"))
	require.NoError(t, err)

	out, err := g.GenerateSingle(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", out)
}

func TestGenerateSingleNoUsableKeys(t *testing.T) {
	att := stubAttempter(func(_ context.Context, _ *dispatch.Task, _ string) (string, error) {
		return "", &dispatch.APIFault{StatusCode: 403, Message: "consumer_suspended"}
	})
	g, err := New(testConfig(att, "key-a"))
	require.NoError(t, err)

	_, err = g.GenerateBatch(context.Background(), Prompts([]string{"p"}), BatchOptions{})
	require.ErrorIs(t, err, dispatch.ErrAllKeysSuspended)

	_, err = g.GenerateSingle(context.Background(), "hello")
	assert.ErrorIs(t, err, dispatch.ErrNoUsableKeys)
}
