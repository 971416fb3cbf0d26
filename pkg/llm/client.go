// Package llm provides the upstream chat clients and the role-routing
// manager with circuit breaking and failover.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/jexlab/jexagent/pkg/config"
)

// Circuit opens after this many consecutive failures.
const circuitThreshold = 5

// Conversation message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one conversation message sent upstream.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UserMessage builds a user-role message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// TokenUsage reports token consumption for one chat call.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// ChatResult is the outcome of one successful chat call.
type ChatResult struct {
	Content  string        `json:"content"`
	Tokens   TokenUsage    `json:"tokens"`
	Cost     float64       `json:"cost"`
	Duration time.Duration `json:"duration"`
	Model    string        `json:"model"`
	Name     string        `json:"name"`
}

// ChatOptions tune a single chat call.
type ChatOptions struct {
	Temperature float64
	MaxTokens   int
}

// ClientStats is a snapshot of a client's accumulated counters.
type ClientStats struct {
	Name         string  `json:"name"`
	Tokens       int     `json:"tokens"`
	Cost         float64 `json:"cost"`
	FailureCount int     `json:"failure_count"`
	CircuitOpen  bool    `json:"circuit_open"`
}

// Client is one upstream chat endpoint. Shared across tasks; all counters
// are mutex-guarded.
type Client struct {
	api         openai.Client
	name        string
	model       string
	inputPrice  float64
	outputPrice float64
	maxRetries  int

	mu           sync.Mutex
	totalTokens  int
	totalCost    float64
	failureCount int
}

// NewClient builds a client for one endpoint. The fixed client variant
// retries transport errors up to three attempts with exponential backoff;
// the original variant performs a single attempt.
func NewClient(cfg config.EndpointConfig, version config.ClientVersion) *Client {
	httpClient := &http.Client{
		Timeout: 120 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: 30 * time.Second,
			}).DialContext,
			ResponseHeaderTimeout: 120 * time.Second,
			TLSHandshakeTimeout:   30 * time.Second,
			IdleConnTimeout:       30 * time.Second,
		},
	}

	maxRetries := 3
	if version == config.ClientOriginal {
		maxRetries = 1
	}

	return &Client{
		api: openai.NewClient(
			option.WithAPIKey(cfg.APIKey),
			option.WithBaseURL(cfg.BaseURL),
			option.WithHTTPClient(httpClient),
			// The SDK's built-in retry is disabled; retry policy lives here.
			option.WithMaxRetries(0),
		),
		name:        cfg.Name,
		model:       cfg.Model,
		inputPrice:  cfg.InputPrice,
		outputPrice: cfg.OutputPrice,
		maxRetries:  maxRetries,
	}
}

// Name returns the endpoint display name.
func (c *Client) Name() string { return c.name }

// Chat sends a conversation upstream and returns the completion with token
// and cost accounting. Transport errors are retried with 1s·2^n backoff;
// any other error fails immediately. The consecutive-failure counter resets
// on success and increments once per final failure.
func (c *Client) Chat(ctx context.Context, messages []Message, opts ChatOptions) (*ChatResult, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: toParams(messages),
	}
	if opts.Temperature > 0 {
		params.Temperature = openai.Float(opts.Temperature)
	}
	if opts.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(opts.MaxTokens))
	}

	start := time.Now()
	resp, err := c.callWithRetry(ctx, params)
	if err != nil {
		c.mu.Lock()
		c.failureCount++
		failures := c.failureCount
		c.mu.Unlock()
		slog.Error("Upstream call failed", "endpoint", c.name, "failures", failures, "error", err)
		return nil, fmt.Errorf("%s call failed: %w", c.name, err)
	}
	duration := time.Since(start)

	if len(resp.Choices) == 0 {
		c.mu.Lock()
		c.failureCount++
		c.mu.Unlock()
		return nil, fmt.Errorf("%s call failed: empty choices", c.name)
	}

	usage := TokenUsage{
		Prompt:     int(resp.Usage.PromptTokens),
		Completion: int(resp.Usage.CompletionTokens),
		Total:      int(resp.Usage.TotalTokens),
	}
	cost := c.calculateCost(usage.Prompt, usage.Completion)

	c.mu.Lock()
	c.failureCount = 0
	c.totalTokens += usage.Total
	c.totalCost += cost
	c.mu.Unlock()

	slog.Info("Upstream call succeeded",
		"endpoint", c.name, "tokens", usage.Total, "duration", duration)

	return &ChatResult{
		Content:  resp.Choices[0].Message.Content,
		Tokens:   usage,
		Cost:     cost,
		Duration: duration,
		Model:    c.model,
		Name:     c.name,
	}, nil
}

// callWithRetry retries transport-level failures only. Non-transport errors
// (bad request, auth, context cancellation) are permanent.
func (c *Client) callWithRetry(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	var resp *openai.ChatCompletion

	attempt := 0
	operation := func() error {
		var err error
		resp, err = c.api.Chat.Completions.New(ctx, params)
		if err == nil {
			return nil
		}
		if !isTransportError(err) {
			return backoff.Permanent(err)
		}
		attempt++
		slog.Warn("Upstream transport error, will retry",
			"endpoint", c.name, "attempt", attempt, "error", err)
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0

	err := backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(c.maxRetries-1)), ctx))
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// CircuitOpen reports whether the consecutive-failure counter has reached
// the breaker threshold.
func (c *Client) CircuitOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failureCount >= circuitThreshold
}

// Stats returns a snapshot of the client's counters.
func (c *Client) Stats() ClientStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ClientStats{
		Name:         c.name,
		Tokens:       c.totalTokens,
		Cost:         c.totalCost,
		FailureCount: c.failureCount,
		CircuitOpen:  c.failureCount >= circuitThreshold,
	}
}

// ResetStats zeroes all counters.
func (c *Client) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalTokens = 0
	c.totalCost = 0
	c.failureCount = 0
}

// calculateCost applies the per-1K-token unit prices.
func (c *Client) calculateCost(promptTokens, completionTokens int) float64 {
	return float64(promptTokens)/1000*c.inputPrice +
		float64(completionTokens)/1000*c.outputPrice
}

func toParams(messages []Message) []openai.ChatCompletionMessageParamUnion {
	params := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			params = append(params, openai.SystemMessage(m.Content))
		case RoleAssistant:
			params = append(params, openai.AssistantMessage(m.Content))
		default:
			params = append(params, openai.UserMessage(m.Content))
		}
	}
	return params
}

// isTransportError classifies connection-level failures worth retrying:
// refused connections, timeouts, protocol breakage. API-level errors carry
// an HTTP status and are never retried here.
func isTransportError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}
