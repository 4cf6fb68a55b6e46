package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/brunobiangulo/finsight/errs"
	"github.com/brunobiangulo/finsight/metrics"
)

// openAICompatClient is the shared base for all OpenAI-compatible providers.
type openAICompatClient struct {
	cfg        Config
	client     *http.Client
	pathPrefix string // API path prefix, defaults to "/v1"
}

func newOpenAICompatClient(cfg Config) openAICompatClient {
	// Local providers may load models on first request, so the
	// per-request timeout is generous.
	return openAICompatClient{
		cfg:        cfg,
		pathPrefix: "/v1",
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// NewOpenAICompat creates a generic OpenAI-compatible provider.
func NewOpenAICompat(cfg Config) Provider {
	return &openAICompatProvider{base: newOpenAICompatClient(cfg)}
}

type openAICompatProvider struct {
	base openAICompatClient
}

func (p *openAICompatProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return p.base.chat(ctx, req)
}

func (p *openAICompatProvider) ChatStream(ctx context.Context, req ChatRequest, fn func(string) error) error {
	return p.base.chatStream(ctx, req, fn)
}

func (p *openAICompatProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return p.base.embed(ctx, texts)
}

// --- shared implementation ---

type chatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       json.RawMessage `json:"messages"`
	Temperature    float64         `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

func (c *openAICompatClient) buildChatBody(req ChatRequest, stream bool) (chatCompletionRequest, error) {
	msgs, err := json.Marshal(req.Messages)
	if err != nil {
		return chatCompletionRequest{}, err
	}

	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}

	body := chatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
	if req.ResponseFormat == "json_object" {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	return body, nil
}

func (c *openAICompatClient) chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body, err := c.buildChatBody(req, false)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	respBody, err := c.doPost(ctx, c.pathPrefix+"/chat/completions", body)
	if err != nil {
		metrics.LLMRequestErrors.Inc()
		return nil, err
	}
	metrics.LLMRequestLatency.Observe(time.Since(start).Seconds())

	var resp chatCompletionResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, errs.Wrap(errs.CodeLLM, "decoding chat response", err)
	}

	if len(resp.Choices) == 0 {
		return nil, errs.New(errs.CodeLLM, "no choices in response")
	}

	usage := Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	usage.EstimatedCostUSD = estimateCost(body.Model, usage.PromptTokens, usage.CompletionTokens)

	metrics.LLMTokenUsage.WithLabelValues("prompt").Add(float64(usage.PromptTokens))
	metrics.LLMTokenUsage.WithLabelValues("completion").Add(float64(usage.CompletionTokens))

	return &ChatResponse{
		Content:      resp.Choices[0].Message.Content,
		Model:        resp.Model,
		FinishReason: resp.Choices[0].FinishReason,
		Usage:        usage,
	}, nil
}

// chatStream issues a streaming completion and feeds SSE delta fragments
// to fn. Streaming responses are not retried: a mid-stream failure would
// otherwise replay fragments already delivered.
func (c *openAICompatClient) chatStream(ctx context.Context, req ChatRequest, fn func(string) error) error {
	body, err := c.buildChatBody(req, true)
	if err != nil {
		return err
	}

	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+c.pathPrefix+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		metrics.LLMRequestErrors.Inc()
		return errs.Wrap(errs.CodeLLM, "streaming request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.LLMRequestErrors.Inc()
		respBody, _ := io.ReadAll(resp.Body)
		return statusError(resp.StatusCode, respBody)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}

		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue // skip malformed keepalive frames
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		if err := fn(chunk.Choices[0].Delta.Content); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (c *openAICompatClient) embed(ctx context.Context, texts []string) ([][]float32, error) {
	body := embeddingRequest{
		Model: c.cfg.Model,
		Input: texts,
	}

	start := time.Now()
	respBody, err := c.doPost(ctx, c.pathPrefix+"/embeddings", body)
	if err != nil {
		return nil, err
	}
	metrics.EmbeddingLatency.Observe(time.Since(start).Seconds())

	var resp embeddingResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, errs.Wrap(errs.CodeEmbedding, "decoding embedding response", err)
	}

	metrics.EmbeddingTokens.Add(float64(resp.Usage.TotalTokens))

	// Sort by index to ensure correct ordering
	embeddings := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < len(embeddings) {
			embeddings[d.Index] = d.Embedding
		}
	}
	return embeddings, nil
}

const (
	maxAttempts   = 3
	baseRetryWait = 2 * time.Second
	maxRetryWait  = 15 * time.Second
)

// retryableStatusCode returns true for HTTP status codes that warrant a retry.
func retryableStatusCode(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable ||
		code == http.StatusGatewayTimeout
}

// statusError maps a non-200 response to a typed error.
func statusError(code int, body []byte) error {
	msg := fmt.Sprintf("API error %d: %s", code, string(body))
	if code == http.StatusTooManyRequests {
		return errs.New(errs.CodeRateLimit, msg)
	}
	return errs.New(errs.CodeLLM, msg)
}

// doPost issues a JSON POST with bounded exponential backoff: up to
// maxAttempts attempts with increasing waits, capped at maxRetryWait.
// Non-retryable API errors abort immediately; retry exhaustion surfaces
// the last error to the caller.
func (c *openAICompatClient) doPost(ctx context.Context, path string, body interface{}) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	url := c.cfg.BaseURL + path

	return retry.DoWithData(
		func() ([]byte, error) {
			req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(data))
			if err != nil {
				return nil, retry.Unrecoverable(err)
			}
			req.Header.Set("Content-Type", "application/json")
			if c.cfg.APIKey != "" {
				req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
			}

			resp, err := c.client.Do(req)
			if err != nil {
				if ctx.Err() != nil {
					return nil, retry.Unrecoverable(ctx.Err())
				}
				return nil, fmt.Errorf("request to %s failed: %w", url, err)
			}
			defer resp.Body.Close()

			respBody, err := io.ReadAll(resp.Body)
			if err != nil {
				return nil, fmt.Errorf("reading response body: %w", err)
			}

			if resp.StatusCode == http.StatusOK {
				return respBody, nil
			}

			statusErr := statusError(resp.StatusCode, respBody)
			if !retryableStatusCode(resp.StatusCode) {
				return nil, retry.Unrecoverable(statusErr)
			}
			return nil, statusErr
		},
		retry.Context(ctx),
		retry.Attempts(maxAttempts),
		retry.Delay(baseRetryWait),
		retry.MaxDelay(maxRetryWait),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			slog.Warn("llm: retrying request", "url", url, "attempt", n+1, "error", err)
		}),
	)
}
