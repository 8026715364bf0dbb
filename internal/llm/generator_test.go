package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/sells-group/dossier/internal/cost"
	"github.com/sells-group/dossier/internal/resilience"
	"github.com/sells-group/dossier/pkg/anthropic"
	"github.com/sells-group/dossier/pkg/anthropic/mocks"
)

const testModel = "claude-sonnet-4-5-20250929"

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		ID:         "msg_1",
		Model:      testModel,
		Content:    []anthropic.ContentBlock{{Type: "text", Text: text}},
		StopReason: "end_turn",
		Usage: anthropic.TokenUsage{
			InputTokens:          1_000_000,
			OutputTokens:         100_000,
			CacheReadInputTokens: 500_000,
		},
	}
}

func fastRetry(attempts int) resilience.Policy {
	return resilience.Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestGenerate_Success(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == testModel &&
			req.MaxTokens == 4096 &&
			len(req.System) == 1 && req.System[0].Text == SystemPrompt &&
			len(req.Messages) == 1 && req.Messages[0].Content == "research Acme"
	})).Return(textResponse("  {\"ok\":true}\n"), nil).Once()

	g := NewAnthropicGenerator(client, Config{
		Model:     testModel,
		MaxTokens: 4096,
		Pricing:   cost.NewCalculator(nil),
	})
	gen, err := g.Generate(context.Background(), "research Acme")
	require.NoError(t, err)

	assert.Equal(t, `{"ok":true}`, gen.Text)
	assert.Equal(t, testModel, gen.Model)
	assert.Equal(t, 1, gen.Attempts)
	assert.Equal(t, 1_000_000, gen.Usage.InputTokens)
	assert.Equal(t, 500_000, gen.Usage.CacheReadTokens)
	// 3.00 input + 1.50 output + 0.15 cache read
	assert.InDelta(t, 4.65, gen.Usage.Cost, 1e-9)
}

func TestGenerate_NoRetryByDefault(t *testing.T) {
	client := mocks.NewMockClient(t)
	overloaded := &anthropic.APIError{StatusCode: 529, Err: errors.New("overloaded")}
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, overloaded).Once()

	g := NewAnthropicGenerator(client, Config{Model: testModel})
	_, err := g.Generate(context.Background(), "p")
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.Equal(t, 529, anthropic.StatusCode(err))
}

func TestGenerate_RetriesTransientStatus(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, &anthropic.APIError{StatusCode: 429, Err: errors.New("rate limited")}).Twice()
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(`{"ok":true}`), nil).Once()

	g := NewAnthropicGenerator(client, Config{Model: testModel, Retry: fastRetry(3)})
	gen, err := g.Generate(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, 3, gen.Attempts)
}

func TestGenerate_DoesNotRetryBadRequest(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, &anthropic.APIError{StatusCode: 400, Err: errors.New("prompt too long")}).Once()

	g := NewAnthropicGenerator(client, Config{Model: testModel, Retry: fastRetry(3)})
	_, err := g.Generate(context.Background(), "p")
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))
}

func TestGenerate_Timeout(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(func(ctx context.Context, _ anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}, nil).Twice()

	g := NewAnthropicGenerator(client, Config{
		Model:   testModel,
		Timeout: 10 * time.Millisecond,
		Retry:   fastRetry(2),
	})
	_, err := g.Generate(context.Background(), "p")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, resilience.IsTransient(err))
}

func TestGenerate_CallerCancellation(t *testing.T) {
	client := mocks.NewMockClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(func(ctx context.Context, _ anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
			cancel()
			return nil, ctx.Err()
		}, nil).Once()

	g := NewAnthropicGenerator(client, Config{Model: testModel, Retry: fastRetry(3)})
	_, err := g.Generate(ctx, "p")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGenerate_EmptyResponse(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse("   "), nil).Once()

	g := NewAnthropicGenerator(client, Config{Model: testModel, Retry: fastRetry(3)})
	_, err := g.Generate(context.Background(), "p")
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestGenerate_Truncated(t *testing.T) {
	client := mocks.NewMockClient(t)
	resp := textResponse(`{"partial":`)
	resp.StopReason = "max_tokens"
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(resp, nil).Once()

	g := NewAnthropicGenerator(client, Config{Model: testModel})
	gen, err := g.Generate(context.Background(), "p")
	require.NoError(t, err)
	assert.True(t, gen.Truncated)
}

func TestGenerate_BreakerOpens(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, &anthropic.APIError{StatusCode: 503, Err: errors.New("unavailable")}).Twice()

	breaker := resilience.NewBreaker(resilience.BreakerConfig{Threshold: 2, Cooldown: time.Hour})
	g := NewAnthropicGenerator(client, Config{Model: testModel, Breaker: breaker})

	for i := 0; i < 2; i++ {
		_, err := g.Generate(context.Background(), "p")
		require.Error(t, err)
	}
	_, err := g.Generate(context.Background(), "p")
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, resilience.Open, breaker.State())
}

func TestGenerate_RateLimitRespectsContext(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(`{}`), nil).Once()

	g := NewAnthropicGenerator(client, Config{Model: testModel, RateLimit: rate.Every(time.Hour), Burst: 1})
	_, err := g.Generate(context.Background(), "first")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.Generate(ctx, "second")
	require.Error(t, err)
}
