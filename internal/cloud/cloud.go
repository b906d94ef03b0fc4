// Package cloud is the client for the remote LLM endpoint, guarded by
// a circuit breaker and a daily token budget.
//
// Every call passes two local gates before any network traffic: the
// token budget (UTC-day allowance) and the breaker. A rate-limited
// primary call is retried once on the fallback model; if the fallback
// lands, the whole attempt counts as a breaker success. Failures are
// classified by the markers in the provider's error payload, and
// rate-limit or safety failures quarantine the endpoint immediately
// rather than after a streak.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/oriys/vega/internal/logging"
	"github.com/oriys/vega/internal/metrics"
)

// defaultTemperature favors varied conversational output.
const defaultTemperature = 0.7

// Config holds cloud endpoint configuration.
type Config struct {
	APIKey        string
	BaseURL       string
	Model         string
	FallbackModel string
	MaxTokens     int
	DailyBudget   int
}

// Request is one generation request.
type Request struct {
	Prompt      string
	System      string
	Temperature float64 // 0 means the package default
	MaxTokens   int     // 0 means the configured maximum
}

// Response is a completed generation.
type Response struct {
	Text       string
	Model      string // which model actually answered
	TokensUsed int
}

// Client calls the cloud endpoint through the breaker and budget gates.
type Client struct {
	cfg     Config
	client  *http.Client
	breaker *Breaker
	budget  *TokenTracker
}

// New creates a cloud client. The endpoint speaks the OpenAI-compatible
// chat completions protocol.
func New(cfg Config) *Client {
	return &Client{
		cfg:     cfg,
		client:  &http.Client{Timeout: 60 * time.Second},
		breaker: NewBreaker(),
		budget:  NewTokenTracker(cfg.DailyBudget),
	}
}

// Enabled returns whether the client is configured with an API key.
func (c *Client) Enabled() bool {
	return c.cfg.APIKey != ""
}

// Generate runs one completion on the primary model, falling back once
// when the primary is rate limited. Both gates are checked before any
// network traffic; ErrBudgetExceeded and ErrBreakerOpen mean the
// endpoint was never contacted.
func (c *Client) Generate(ctx context.Context, req Request) (*Response, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("cloud endpoint is not configured")
	}
	if err := c.budget.Allow(); err != nil {
		return nil, err
	}
	if err := c.breaker.Allow(); err != nil {
		return nil, err
	}

	resp, err := c.call(ctx, c.cfg.Model, req)
	if err == nil {
		c.settle(resp)
		return resp, nil
	}

	kind := Classify(err.Error())
	metrics.RecordPrometheusCloudCall(c.cfg.Model, false)

	if kind == KindRateLimit && c.cfg.FallbackModel != "" && c.cfg.FallbackModel != c.cfg.Model {
		logging.Op().Warn("primary model rate limited, trying fallback",
			"primary", c.cfg.Model, "fallback", c.cfg.FallbackModel)
		fresp, ferr := c.call(ctx, c.cfg.FallbackModel, req)
		if ferr == nil {
			c.settle(fresp)
			return fresp, nil
		}
		metrics.RecordPrometheusCloudCall(c.cfg.FallbackModel, false)
		err = fmt.Errorf("fallback %s after rate limit: %w", c.cfg.FallbackModel, ferr)
	}

	c.breaker.RecordFailure(kind)
	logging.Op().Error("cloud call failed", "model", c.cfg.Model, "kind", kind.String(), "error", err)
	return nil, fmt.Errorf("cloud call failed: %w", err)
}

// settle records a successful call against the budget and breaker.
func (c *Client) settle(resp *Response) {
	c.budget.Add(resp.TokensUsed)
	c.breaker.RecordSuccess()
	metrics.RecordPrometheusCloudCall(resp.Model, true)
}

// Status reports the gate state for health and status surfaces.
type Status struct {
	Enabled       bool          `json:"enabled"`
	Breaker       string        `json:"breaker"`
	OpenRemaining time.Duration `json:"open_remaining,omitempty"`
	TokensUsed    int           `json:"tokens_used"`
	TokenBudget   int           `json:"token_budget"`
}

// Status returns the current breaker state and token consumption.
func (c *Client) Status() Status {
	state, remaining := c.breaker.State()
	used, limit := c.budget.Used()
	return Status{
		Enabled:       c.Enabled(),
		Breaker:       state.String(),
		OpenRemaining: remaining,
		TokensUsed:    used,
		TokenBudget:   limit,
	}
}

// chatCompletionRequest matches the OpenAI Chat Completions API request format.
type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Choices []chatChoice         `json:"choices"`
	Usage   *chatCompletionUsage `json:"usage,omitempty"`
}

type chatChoice struct {
	Message      chatChoiceMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type chatChoiceMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// call sends one chat completion request to the given model.
func (c *Client) call(ctx context.Context, model string, req Request) (*Response, error) {
	temperature := req.Temperature
	if temperature == 0 {
		temperature = defaultTemperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.cfg.MaxTokens
	}

	messages := make([]chatMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(chatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := c.cfg.BaseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var chatResp chatCompletionResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, errors.New("no choices in response")
	}

	out := &Response{
		Text:  chatResp.Choices[0].Message.Content,
		Model: model,
	}
	if chatResp.Usage != nil {
		out.TokensUsed = chatResp.Usage.TotalTokens
	}
	return out, nil
}
