// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Provider is a chat-capable language model endpoint.
type Provider interface {
	// Chat sends a conversation and returns the model's reply.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// Name returns the provider identifier.
	Name() string
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// ChatRequest represents a chat completion request.
type ChatRequest struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

// ChatResponse contains the chat completion response.
type ChatResponse struct {
	Message      Message       `json:"message"`
	Model        string        `json:"model"`
	PromptTokens int           `json:"prompt_tokens,omitempty"`
	OutputTokens int           `json:"output_tokens,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
}

// ProviderConfig holds configuration for creating providers.
type ProviderConfig struct {
	// Type is "ollama", "openai" or "mock".
	Type string `yaml:"provider" json:"type"`

	BaseURL string `yaml:"base_url" json:"base_url,omitempty"`

	// APIKey is sent as a bearer token to OpenAI-compatible endpoints.
	APIKey string `yaml:"api_key" json:"-"`

	// DefaultModel is used when a request names no model.
	DefaultModel string `yaml:"model" json:"default_model,omitempty"`

	Timeout time.Duration `yaml:"timeout" json:"timeout,omitempty"`

	// MaxRetries bounds retries of 429 and 5xx answers.
	MaxRetries int `yaml:"max_retries" json:"max_retries,omitempty"`
}

// ErrUnknownProvider is returned by NewProvider for an unsupported Type.
var ErrUnknownProvider = errors.New("llm: unknown provider")

// NewProvider creates a Provider based on configuration.
//
// Example:
//
//	p, err := llm.NewProvider(llm.ProviderConfig{
//	    Type:         "ollama",
//	    BaseURL:      "http://localhost:11434",
//	    DefaultModel: "llama3.1",
//	})
func NewProvider(cfg ProviderConfig) (Provider, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}
	switch strings.ToLower(cfg.Type) {
	case "", "ollama":
		base := cfg.BaseURL
		if base == "" {
			base = "http://localhost:11434"
		}
		return &ollamaProvider{client: newClient(base, "", cfg), model: cfg.DefaultModel}, nil
	case "openai":
		base := cfg.BaseURL
		if base == "" {
			base = "https://api.openai.com/v1"
		}
		model := cfg.DefaultModel
		if model == "" {
			model = "gpt-4o-mini"
		}
		return &openaiProvider{client: newClient(base, cfg.APIKey, cfg), model: model}, nil
	case "mock":
		return &MockProvider{}, nil
	default:
		return nil, fmt.Errorf("%w: %q (use ollama, openai or mock)", ErrUnknownProvider, cfg.Type)
	}
}

// StatusError is a non-200 answer from a provider endpoint.
type StatusError struct {
	Provider string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Status, e.Body)
}

func (e *StatusError) retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

type client struct {
	baseURL    string
	apiKey     string
	http       *http.Client
	maxRetries int
}

func newClient(baseURL, apiKey string, cfg ProviderConfig) client {
	return client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		http:       &http.Client{Timeout: cfg.Timeout},
		maxRetries: cfg.MaxRetries,
	}
}

// post sends payload as JSON and decodes the answer into out. Throttling and
// server errors are retried with a short linear backoff.
func (c client) post(ctx context.Context, name, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}
		lastErr = c.do(ctx, name, path, body, out)
		var se *StatusError
		if lastErr == nil || !errors.As(lastErr, &se) || !se.retryable() {
			return lastErr
		}
	}
	return lastErr
}

func (c client) do(ctx context.Context, name, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Provider: name, Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode answer: %w", name, err)
	}
	return nil
}

// =============================================================================
// OLLAMA PROVIDER
// =============================================================================

type ollamaProvider struct {
	client
	model string
}

func (p *ollamaProvider) Name() string { return "ollama" }

func (p *ollamaProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	if model == "" {
		return nil, fmt.Errorf("ollama: model not specified (set LINEAGE_LLM_MODEL or inference.model)")
	}

	options := map[string]any{"temperature": req.Temperature}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	payload := map[string]any{
		"model":    model,
		"messages": req.Messages,
		"stream":   false,
		"options":  options,
	}

	var result struct {
		Message         Message `json:"message"`
		Model           string  `json:"model"`
		PromptEvalCount int     `json:"prompt_eval_count"`
		EvalCount       int     `json:"eval_count"`
	}
	start := time.Now()
	if err := p.post(ctx, "ollama", "/api/chat", payload, &result); err != nil {
		return nil, err
	}
	return &ChatResponse{
		Message:      result.Message,
		Model:        result.Model,
		PromptTokens: result.PromptEvalCount,
		OutputTokens: result.EvalCount,
		Duration:     time.Since(start),
	}, nil
}

// =============================================================================
// OPENAI-COMPATIBLE PROVIDER
// =============================================================================

type openaiProvider struct {
	client
	model string
}

func (p *openaiProvider) Name() string { return "openai" }

func (p *openaiProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	payload := map[string]any{
		"model":       model,
		"messages":    req.Messages,
		"temperature": req.Temperature,
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}

	var result struct {
		Choices []struct {
			Message Message `json:"message"`
		} `json:"choices"`
		Model string `json:"model"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	start := time.Now()
	if err := p.post(ctx, "openai", "/chat/completions", payload, &result); err != nil {
		return nil, err
	}
	if len(result.Choices) == 0 {
		return nil, fmt.Errorf("openai: answer has no choices")
	}
	return &ChatResponse{
		Message:      result.Choices[0].Message,
		Model:        result.Model,
		PromptTokens: result.Usage.PromptTokens,
		OutputTokens: result.Usage.CompletionTokens,
		Duration:     time.Since(start),
	}, nil
}

// =============================================================================
// MOCK PROVIDER (for testing)
// =============================================================================

// MockProvider answers without a network. By default it replies with an
// empty JSON array, which inference reads as "nothing to add".
type MockProvider struct {
	ChatFunc func(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

func (p *MockProvider) Name() string { return "mock" }

func (p *MockProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if p.ChatFunc != nil {
		return p.ChatFunc(ctx, req)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &ChatResponse{
		Message: Message{Role: "assistant", Content: "[]"},
		Model:   "mock-model",
	}, nil
}
