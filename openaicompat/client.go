// Package openaicompat implements the dispatch.Attempter collaborator for
// OpenAI-compatible chat-completion endpoints, so the same scheduling core
// can spread a batch across OpenAI (or proxy) credentials.
package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rotogen/rotogen/dispatch"
)

// Options configures request construction for every attempt.
type Options struct {
	// ModelName is the chat model identifier (e.g. "gpt-4o-mini").
	ModelName string

	// BaseURL overrides the endpoint for OpenAI-compatible servers.
	// Empty uses the official API.
	BaseURL string

	// SystemInstruction, when non-empty, is prepended as a system message.
	SystemInstruction string

	// Temperature for generation.
	Temperature float64
}

// Backend implements dispatch.Attempter over chat completions, one client
// per credential.
type Backend struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]openai.Client
}

// New creates an OpenAI-compatible backend.
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
		clients: make(map[string]openai.Client),
	}, nil
}

func (b *Backend) client(key string) openai.Client {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.clients[key]; ok {
		return c
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(key),
		// The SDK retries internally by default; the dispatcher owns
		// retry policy here.
		option.WithMaxRetries(0),
	}
	if b.opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(b.opts.BaseURL))
	}
	c := openai.NewClient(reqOpts...)
	b.clients[key] = c
	return c
}

// Attempt implements dispatch.Attempter.
func (b *Backend) Attempt(ctx context.Context, task *dispatch.Task, key string) (string, error) {
	if task.Prompt == "" {
		return "", fmt.Errorf("%w: empty prompt", dispatch.ErrInvalidInput)
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if b.opts.SystemInstruction != "" {
		messages = append(messages, openai.SystemMessage(b.opts.SystemInstruction))
	}
	messages = append(messages, openai.UserMessage(task.Prompt))

	client := b.client(key)
	resp, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(b.opts.ModelName),
		Messages:    messages,
		Temperature: openai.Float(b.opts.Temperature),
	})
	if err != nil {
		return "", translateError(err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices in response", dispatch.ErrMalformedResponse)
	}
	choice := resp.Choices[0]
	if choice.FinishReason == "content_filter" {
		return "", fmt.Errorf("%w: finish reason content_filter", dispatch.ErrContentBlocked)
	}
	if choice.Message.Content == "" {
		return "", fmt.Errorf("%w: empty message content", dispatch.ErrMalformedResponse)
	}
	return choice.Message.Content, nil
}

// translateError converts an SDK API error into a *dispatch.APIFault,
// reading the Retry-After header for rate-limit responses. Non-API errors
// pass through untouched.
func translateError(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	return &dispatch.APIFault{
		StatusCode: apiErr.StatusCode,
		Status:     apiErr.Type,
		Message:    apiErr.Message,
		RetryAfter: retryAfterHeader(apiErr),
	}
}

func retryAfterHeader(apiErr *openai.Error) time.Duration {
	if apiErr.Response == nil {
		return 0
	}
	raw := apiErr.Response.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return 0
}
