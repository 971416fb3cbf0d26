package llm

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/openai/openai-go/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jexlab/jexagent/pkg/config"
)

const chatResponse = `{
	"id": "chatcmpl-1",
	"object": "chat.completion",
	"model": "test-model",
	"choices": [{"index": 0, "message": {"role": "assistant", "content": "hello there"}, "finish_reason": "stop"}],
	"usage": {"prompt_tokens": 100, "completion_tokens": 50, "total_tokens": 150}
}`

// newChatServer serves a canned completion and counts requests.
func newChatServer(t *testing.T, status int) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error": {"message": "upstream exploded", "type": "server_error"}}`))
			return
		}
		_, _ = w.Write([]byte(chatResponse))
	}))
	t.Cleanup(server.Close)
	return server, &calls
}

func endpointFor(server *httptest.Server, name string) config.EndpointConfig {
	return config.EndpointConfig{
		Name:        name,
		BaseURL:     server.URL,
		APIKey:      "test-key",
		Model:       "test-model",
		InputPrice:  0.001,
		OutputPrice: 0.002,
	}
}

func TestChatAccountsTokensAndCost(t *testing.T) {
	server, _ := newChatServer(t, http.StatusOK)
	client := NewClient(endpointFor(server, "DeepSeek"), config.ClientFixed)

	result, err := client.Chat(context.Background(), []Message{UserMessage("hi")}, ChatOptions{Temperature: 0.3})
	require.NoError(t, err)

	assert.Equal(t, "hello there", result.Content)
	assert.Equal(t, TokenUsage{Prompt: 100, Completion: 50, Total: 150}, result.Tokens)
	// 100/1000*0.001 + 50/1000*0.002
	assert.InDelta(t, 0.0002, result.Cost, 1e-9)
	assert.Equal(t, "DeepSeek", result.Name)

	stats := client.Stats()
	assert.Equal(t, 150, stats.Tokens)
	assert.InDelta(t, 0.0002, stats.Cost, 1e-9)
	assert.Zero(t, stats.FailureCount)
}

func TestAPIErrorsAreNotRetried(t *testing.T) {
	server, calls := newChatServer(t, http.StatusBadRequest)
	client := NewClient(endpointFor(server, "DeepSeek"), config.ClientFixed)

	_, err := client.Chat(context.Background(), []Message{UserMessage("hi")}, ChatOptions{})
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load(), "non-transport errors must not retry")
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	server, _ := newChatServer(t, http.StatusInternalServerError)
	client := NewClient(endpointFor(server, "DeepSeek"), config.ClientFixed)
	ctx := context.Background()

	for i := 0; i < circuitThreshold; i++ {
		assert.False(t, client.CircuitOpen(), "circuit must stay closed before threshold (i=%d)", i)
		_, err := client.Chat(ctx, []Message{UserMessage("hi")}, ChatOptions{})
		require.Error(t, err)
	}

	assert.True(t, client.CircuitOpen())
	stats := client.Stats()
	assert.Equal(t, circuitThreshold, stats.FailureCount)
	assert.True(t, stats.CircuitOpen)
}

func TestSuccessResetsFailureCounter(t *testing.T) {
	var failRemaining atomic.Int64
	failRemaining.Store(3)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if failRemaining.Load() > 0 {
			failRemaining.Add(-1)
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error": {"message": "boom"}}`))
			return
		}
		_, _ = w.Write([]byte(chatResponse))
	}))
	t.Cleanup(server.Close)

	client := NewClient(endpointFor(server, "DeepSeek"), config.ClientFixed)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := client.Chat(ctx, []Message{UserMessage("hi")}, ChatOptions{})
		require.Error(t, err)
	}
	assert.Equal(t, 3, client.Stats().FailureCount)

	_, err := client.Chat(ctx, []Message{UserMessage("hi")}, ChatOptions{})
	require.NoError(t, err)
	assert.Zero(t, client.Stats().FailureCount)
}

func TestResetStats(t *testing.T) {
	server, _ := newChatServer(t, http.StatusOK)
	client := NewClient(endpointFor(server, "DeepSeek"), config.ClientFixed)

	_, err := client.Chat(context.Background(), []Message{UserMessage("hi")}, ChatOptions{})
	require.NoError(t, err)
	require.NotZero(t, client.Stats().Tokens)

	client.ResetStats()
	stats := client.Stats()
	assert.Zero(t, stats.Tokens)
	assert.Zero(t, stats.Cost)
	assert.Zero(t, stats.FailureCount)
}

func TestIsTransportError(t *testing.T) {
	assert.True(t, isTransportError(&net.OpError{Op: "dial", Err: errors.New("connection refused")}))
	assert.True(t, isTransportError(&url.Error{Op: "Post", URL: "http://x", Err: errors.New("broken")}))
	assert.True(t, isTransportError(io.ErrUnexpectedEOF))

	assert.False(t, isTransportError(nil))
	assert.False(t, isTransportError(context.Canceled))
	assert.False(t, isTransportError(context.DeadlineExceeded))
	assert.False(t, isTransportError(&openai.Error{StatusCode: http.StatusBadRequest}))
	assert.False(t, isTransportError(errors.New("some app error")))
}
