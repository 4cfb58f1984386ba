package openai_provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/forager-labs/forager/config"
)

const defaultBaseURL = "https://api.openai.com/v1"

// sampleTemperature is used for multi-sample draws so answer divergence is
// observable even when the configured temperature is near zero.
const sampleTemperature = 0.9

// APIError wraps an OpenAI API failure with a retryable flag.
type APIError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("openai: %s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("openai: %s: %v", e.Op, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient. Rate limits, server
// errors, and transport failures qualify; 4xx rejections do not.
func (e *APIError) Retryable() bool {
	if e.StatusCode == 0 {
		return true // transport error
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// client implements the provider interface using OpenAI's API
type client struct {
	apiKey          string
	baseURL         string
	completionModel string
	embeddingModel  string
	temperature     float64
	maxTokens       int
	costPer1KIn     float64
	costPer1KOut    float64
	httpClient      *http.Client
}

// Message represents a message in a conversation
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	N           int       `json:"n,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// NewClient creates a new OpenAI client from LLM configuration.
func NewClient(cfg config.LLMConfig) *client {
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &client{
		apiKey:          cfg.APIKey,
		baseURL:         base,
		completionModel: cfg.CompletionModel,
		embeddingModel:  cfg.EmbeddingModel,
		temperature:     cfg.Temperature,
		maxTokens:       cfg.MaxTokens,
		costPer1KIn:     cfg.CostPer1KInput,
		costPer1KOut:    cfg.CostPer1KOutput,
		httpClient:      &http.Client{Timeout: timeout},
	}
}

// Complete returns a single answer for the prompt plus token usage.
func (c *client) Complete(ctx context.Context, prompt string) (string, int64, int64, error) {
	answers, in, out, err := c.chat(ctx, prompt, c.temperature, 1)
	if err != nil {
		return "", 0, 0, err
	}
	if len(answers) == 0 {
		return "", 0, 0, &APIError{Op: "complete", Err: fmt.Errorf("no choices returned")}
	}
	return answers[0], in, out, nil
}

// Sample returns n independently sampled answers drawn at an elevated
// temperature, with aggregate token usage.
func (c *client) Sample(ctx context.Context, prompt string, n int) ([]string, int64, int64, error) {
	if n < 1 {
		n = 1
	}
	answers, in, out, err := c.chat(ctx, prompt, sampleTemperature, n)
	if err != nil {
		return nil, 0, 0, err
	}
	if len(answers) < n {
		return nil, 0, 0, &APIError{Op: "sample", Err: fmt.Errorf("requested %d samples, got %d", n, len(answers))}
	}
	return answers, in, out, nil
}

func (c *client) chat(ctx context.Context, prompt string, temperature float64, n int) ([]string, int64, int64, error) {
	reqBody := chatRequest{
		Model:       c.completionModel,
		Messages:    []Message{{Role: "user", Content: prompt}},
		Temperature: temperature,
		MaxTokens:   c.maxTokens,
	}
	if n > 1 {
		reqBody.N = n
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, 0, &APIError{Op: "chat", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, 0, 0, &APIError{Op: "chat", StatusCode: resp.StatusCode}
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, 0, 0, fmt.Errorf("failed to parse response: %w", err)
	}
	answers := make([]string, 0, len(parsed.Choices))
	for _, ch := range parsed.Choices {
		answers = append(answers, ch.Message.Content)
	}
	return answers, parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens, nil
}

// Embed generates embeddings for the given texts using OpenAI's API.
func (c *client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	requestBody := map[string]interface{}{
		"model": c.embeddingModel,
		"input": texts,
	}
	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/embeddings", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &APIError{Op: "embed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, &APIError{Op: "embed", StatusCode: resp.StatusCode}
	}

	var parsed struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	vecs := make([][]float32, len(parsed.Data))
	for i, d := range parsed.Data {
		vecs[i] = d.Embedding
	}
	return vecs, nil
}

// Cost converts token usage into dollars for the configured model pricing.
func (c *client) Cost(inputTokens, outputTokens int64) float64 {
	return float64(inputTokens)/1000.0*c.costPer1KIn + float64(outputTokens)/1000.0*c.costPer1KOut
}
