// Package llm provides a unified interface over OpenAI-compatible chat and
// embedding providers, with bounded retry, streaming, and token accounting.
package llm

import (
	"context"

	"github.com/brunobiangulo/finsight/errs"
)

// Provider is the interface for LLM interactions.
type Provider interface {
	// Chat sends a chat completion request.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// ChatStream sends a chat completion request and invokes fn for each
	// text fragment as it arrives. The stream is finite and not restartable.
	ChatStream(ctx context.Context, req ChatRequest, fn func(fragment string) error) error

	// Embed generates embeddings for a batch of texts, order-preserving.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ChatRequest is a chat completion request.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	// ResponseFormat can be set to "json_object" for JSON mode.
	ResponseFormat string `json:"response_format,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the response from a chat completion.
type ChatResponse struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	FinishReason string `json:"finish_reason"`
	Usage        Usage  `json:"usage"`
}

// Usage holds token accounting for a single call.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
}

// Add accumulates another usage record in place.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
	u.EstimatedCostUSD += other.EstimatedCostUSD
}

// Config configures an LLM provider.
type Config struct {
	Provider string `json:"provider"` // openai, groq, openrouter, ollama, custom
	Model    string `json:"model"`
	BaseURL  string `json:"base_url"`
	APIKey   string `json:"api_key"`
}

// pricing is approximate USD cost per 1K tokens for known models.
var pricing = map[string]struct{ input, output float64 }{
	"gpt-4-turbo-preview": {0.01, 0.03},
	"gpt-4o":              {0.005, 0.015},
	"gpt-4o-mini":         {0.00015, 0.0006},
	"gpt-3.5-turbo":       {0.0005, 0.0015},
}

// estimateCost returns the estimated USD cost for a call, or 0 for
// models without a pricing entry (local providers).
func estimateCost(model string, promptTokens, completionTokens int) float64 {
	p, ok := pricing[model]
	if !ok {
		return 0
	}
	return float64(promptTokens)/1000*p.input + float64(completionTokens)/1000*p.output
}

// NewProvider creates an LLM provider from configuration.
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAI(cfg), nil
	case "groq":
		return NewGroq(cfg), nil
	case "openrouter":
		return NewOpenRouter(cfg), nil
	case "ollama":
		return NewOllama(cfg), nil
	case "custom":
		return NewOpenAICompat(cfg), nil
	case "":
		return nil, errs.New(errs.CodeInvalidRequest, "llm provider not specified")
	default:
		return nil, errs.Newf(errs.CodeInvalidRequest, "unknown llm provider: %s", cfg.Provider)
	}
}
