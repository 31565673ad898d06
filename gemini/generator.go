package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rotogen/rotogen/dispatch"
	"google.golang.org/genai"
)

// Options configures request construction for every attempt.
type Options struct {
	// ModelName is the Gemini model identifier
	// (e.g. "gemini-2.0-flash-exp").
	ModelName string

	// SystemInstruction, when non-empty, is attached to every request.
	SystemInstruction string

	// Temperature for generation.
	Temperature float32
}

// Backend implements dispatch.Attempter against the Gemini API with one
// client per credential, created on first use. Clients are safe for
// concurrent use, so all slots bound to a key share its client.
type Backend struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]*genai.Client
}

// New creates a Gemini backend.
func New(opts Options, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if opts.ModelName == "" {
		return nil, errors.New("model name cannot be empty")
	}
	return &Backend{
		opts:    opts,
		logger:  logger,
		clients: make(map[string]*genai.Client),
	}, nil
}

// client returns the cached client for a key, creating it on first use.
func (b *Backend) client(ctx context.Context, key string) (*genai.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.clients[key]; ok {
		return c, nil
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  key,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	b.clients[key] = c
	return c, nil
}

// Attempt implements dispatch.Attempter: one generation round trip for
// the task's prompt through the given credential.
func (b *Backend) Attempt(ctx context.Context, task *dispatch.Task, key string) (string, error) {
	if task.Prompt == "" {
		return "", fmt.Errorf("%w: empty prompt", dispatch.ErrInvalidInput)
	}

	client, err := b.client(ctx, key)
	if err != nil {
		return "", err
	}

	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(b.opts.Temperature),
	}
	if b.opts.SystemInstruction != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: b.opts.SystemInstruction}},
		}
	}

	resp, err := client.Models.GenerateContent(ctx, b.opts.ModelName, genai.Text(task.Prompt), cfg)
	if err != nil {
		return "", translateError(err)
	}

	return extractText(resp)
}

// extractText pulls the generated text out of a response, mapping the
// safety finish reason and empty responses onto the task-error sentinels.
func extractText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("%w: no candidates in response", dispatch.ErrMalformedResponse)
	}
	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return "", fmt.Errorf("%w: finish reason safety", dispatch.ErrContentBlocked)
	}
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", fmt.Errorf("%w: empty content in response", dispatch.ErrMalformedResponse)
	}
	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("%w: no text parts in response", dispatch.ErrMalformedResponse)
	}
	return text, nil
}

// translateError converts a genai SDK error into a *dispatch.APIFault
// carrying status, message and any retry-after hint, leaving other errors
// (context cancellation, transport setup) untouched.
func translateError(err error) error {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	return &dispatch.APIFault{
		StatusCode: apiErr.Code,
		Status:     apiErr.Status,
		Message:    apiErr.Message,
		RetryAfter: extractRetryDelay(apiErr),
	}
}
