// Package llm adapts the model provider to the narrow interface the section
// pipeline needs: prompt text in, response text and token usage out.
package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/dossier/internal/cost"
	"github.com/sells-group/dossier/internal/model"
	"github.com/sells-group/dossier/internal/resilience"
	"github.com/sells-group/dossier/pkg/anthropic"
)

// SystemPrompt is sent with every section request.
const SystemPrompt = "You are a meticulous corporate research analyst. " +
	"Answer with a single JSON object in exactly the shape requested. " +
	"Do not wrap it in markdown and do not add commentary before or after it. " +
	"Cite every factual claim with a source id and never invent sources."

var (
	// ErrTimeout is returned when a single call exceeds its deadline.
	ErrTimeout = eris.New("llm: call timed out")
	// ErrEmptyResponse is returned when the model produced no text.
	ErrEmptyResponse = eris.New("llm: empty response")
)

// Generation is the outcome of one successful generate call.
type Generation struct {
	Text      string
	Model     string
	Usage     model.TokenUsage
	Attempts  int
	Truncated bool
}

// Generator produces section content from a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (*Generation, error)
}

// Config tunes an AnthropicGenerator.
type Config struct {
	Model       string
	MaxTokens   int64
	Temperature *float64
	// Timeout bounds each attempt. Zero disables the per-call deadline.
	Timeout time.Duration
	// RateLimit caps calls per second across all sections. Zero is unlimited.
	RateLimit rate.Limit
	Burst     int
	Retry     resilience.Policy
	Breaker   *resilience.Breaker
	Pricing   *cost.Calculator
}

// AnthropicGenerator calls Claude through the anthropic client wrapper.
type AnthropicGenerator struct {
	client  anthropic.Client
	cfg     Config
	limiter *rate.Limiter
}

var _ Generator = (*AnthropicGenerator)(nil)

// NewAnthropicGenerator returns a generator backed by client.
func NewAnthropicGenerator(client anthropic.Client, cfg Config) *AnthropicGenerator {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8192
	}
	if cfg.Pricing == nil {
		cfg.Pricing = cost.NewCalculator(nil)
	}
	if cfg.Retry.OnRetry == nil {
		cfg.Retry.OnRetry = resilience.LogRetry("llm.generate", zap.String("model", cfg.Model))
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := max(cfg.Burst, 1)
		limiter = rate.NewLimiter(cfg.RateLimit, burst)
	}
	return &AnthropicGenerator{client: client, cfg: cfg, limiter: limiter}
}

// Generate sends prompt as a single user message. Transient failures are
// retried according to the configured policy.
func (g *AnthropicGenerator) Generate(ctx context.Context, prompt string) (*Generation, error) {
	start := time.Now()
	gen, attempts, err := resilience.Retry(ctx, g.cfg.Retry, func(ctx context.Context) (*Generation, error) {
		return resilience.Guard(ctx, g.cfg.Breaker, func(ctx context.Context) (*Generation, error) {
			return g.call(ctx, prompt)
		})
	})
	if err != nil {
		zap.L().Warn("llm: generate failed",
			zap.String("model", g.cfg.Model),
			zap.Int("attempts", attempts),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return nil, err
	}

	gen.Attempts = attempts
	zap.L().Debug("llm: generated",
		zap.String("model", gen.Model),
		zap.Int("attempts", attempts),
		zap.Int("input_tokens", gen.Usage.InputTokens),
		zap.Int("output_tokens", gen.Usage.OutputTokens),
		zap.Int("cache_read_tokens", gen.Usage.CacheReadTokens),
		zap.Float64("cost_usd", gen.Usage.Cost),
		zap.Duration("elapsed", time.Since(start)),
	)
	return gen, nil
}

func (g *AnthropicGenerator) call(ctx context.Context, prompt string) (*Generation, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "llm: rate limiter")
	}

	callCtx := ctx
	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	resp, err := g.client.CreateMessage(callCtx, anthropic.MessageRequest{
		Model:       g.cfg.Model,
		MaxTokens:   g.cfg.MaxTokens,
		System:      anthropic.CachedSystem(SystemPrompt),
		Messages:    []anthropic.Message{{Role: "user", Content: prompt}},
		Temperature: g.cfg.Temperature,
	})
	if err != nil {
		return nil, g.classify(ctx, callCtx, err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return nil, eris.Wrapf(ErrEmptyResponse, "stop reason %q", resp.StopReason)
	}
	if resp.Truncated() {
		zap.L().Warn("llm: response hit max tokens",
			zap.String("model", resp.Model),
			zap.Int64("max_tokens", g.cfg.MaxTokens),
		)
	}

	modelID := resp.Model
	if modelID == "" {
		modelID = g.cfg.Model
	}
	usage := g.cfg.Pricing.Price(modelID, model.TokenUsage{
		InputTokens:         int(resp.Usage.InputTokens),
		OutputTokens:        int(resp.Usage.OutputTokens),
		CacheCreationTokens: int(resp.Usage.CacheCreationInputTokens),
		CacheReadTokens:     int(resp.Usage.CacheReadInputTokens),
	})
	return &Generation{
		Text:      text,
		Model:     modelID,
		Usage:     usage,
		Truncated: resp.Truncated(),
	}, nil
}

// classify marks retryable failures as transient. A deadline hit on the
// per-call context is a timeout; cancellation of the caller's context is not
// retried.
func (g *AnthropicGenerator) classify(ctx, callCtx context.Context, err error) error {
	if ctx.Err() != nil {
		return err
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return resilience.Transient(eris.Wrapf(ErrTimeout, "after %s", g.cfg.Timeout), 0)
	}
	if code := anthropic.StatusCode(err); code != 0 {
		if resilience.IsTransientStatus(code) {
			return resilience.Transient(err, code)
		}
		return err
	}
	if resilience.IsTransient(err) {
		return resilience.Transient(err, 0)
	}
	return err
}
