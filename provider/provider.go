package provider

import (
	"context"
	"errors"
	"time"

	"github.com/forager-labs/forager/config"
	openai_provider "github.com/forager-labs/forager/provider/openai"
)

// Client represents different LLM providers
type Client string

const (
	OpenAI    Client = "openai"
	Anthropic Client = "anthropic"
)

// Provider is the interface the gap detector and dispatcher depend on. It
// must support at least two independent samples per question so intrinsic
// uncertainty can be measured.
type Provider interface {
	// Complete returns a single answer plus input/output token usage.
	Complete(ctx context.Context, prompt string) (string, int64, int64, error)

	// Sample returns n independently sampled answers for the same prompt,
	// drawn at elevated temperature so divergence is observable, together
	// with aggregate token usage.
	Sample(ctx context.Context, prompt string, n int) ([]string, int64, int64, error)

	// Embed generates vector embeddings for the provided inputs.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Cost converts token counts into dollars for the configured models.
	Cost(inputTokens, outputTokens int64) float64
}

// RetryableError is implemented by provider failures that are worth retrying
// (rate limits, 5xx, transport errors).
type RetryableError interface {
	error
	Retryable() bool
}

// IsRetryable reports whether err is a provider failure worth retrying.
func IsRetryable(err error) bool {
	var re RetryableError
	return errors.As(err, &re) && re.Retryable()
}

// NewProvider creates an LLM client based on the provided configuration.
func NewProvider(cfg config.LLMConfig) (Provider, error) {
	switch Client(cfg.Provider) {
	case OpenAI:
		if cfg.APIKey == "" {
			return nil, errors.New("llm.api_key (or OPENAI_API_KEY) not set")
		}
		return openai_provider.NewClient(cfg), nil
	case Anthropic:
		return nil, errors.New("anthropic client not implemented yet")
	default:
		return nil, errors.New("unsupported LLM provider: " + cfg.Provider)
	}
}

// Retry runs fn with bounded exponential backoff, stopping early on
// non-retryable errors or context cancellation.
func Retry(ctx context.Context, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	delay := baseDelay
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
