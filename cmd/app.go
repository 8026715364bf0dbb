package main

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/dossier/internal/config"
	"github.com/sells-group/dossier/internal/cost"
	"github.com/sells-group/dossier/internal/llm"
	"github.com/sells-group/dossier/internal/pipeline"
	"github.com/sells-group/dossier/internal/prompt"
	"github.com/sells-group/dossier/internal/resilience"
	"github.com/sells-group/dossier/internal/schema"
	"github.com/sells-group/dossier/internal/store"
	"github.com/sells-group/dossier/pkg/anthropic"
)

// appEnv holds the store and the services built on it.
type appEnv struct {
	Store    store.Store
	Resolver *prompt.Resolver
	Orch     *pipeline.Orchestrator
}

// Close releases the store.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initApp validates the config for mode, opens the store and wires the
// orchestrator. Only withModel wires a generator; without it the
// orchestrator can inspect, cancel and reset jobs but must not run them.
// Callers should defer env.Close().
func initApp(ctx context.Context, mode string, withModel bool) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st}

	lib, err := prompt.Default()
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Resolver = prompt.NewResolver(lib, st)

	var gen llm.Generator
	if withModel {
		gen = newGenerator(cfg)
	}
	validator, err := schema.NewValidator()
	if err != nil {
		env.Close()
		return nil, err
	}
	orch, err := pipeline.New(st, env.Resolver, gen, validator, pipeline.Config{
		MaxConcurrentSections: cfg.Pipeline.MaxConcurrentSections,
	})
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Orch = orch
	return env, nil
}

// newGenerator builds the Claude-backed generator from config.
func newGenerator(c *config.Config) *llm.AnthropicGenerator {
	client := anthropic.NewClient(anthropic.Options{
		APIKey:  c.Anthropic.Key,
		BaseURL: c.Anthropic.BaseURL,
	})
	temperature := c.Anthropic.Temperature
	return llm.NewAnthropicGenerator(client, llm.Config{
		Model:       c.Anthropic.Model,
		MaxTokens:   c.Anthropic.MaxTokens,
		Temperature: &temperature,
		Timeout:     c.Anthropic.Timeout(),
		RateLimit:   rate.Limit(c.Anthropic.RateLimit),
		Burst:       c.Anthropic.Burst,
		Retry:       retryPolicy(c.Pipeline),
		Breaker:     newBreaker(c.Pipeline),
		Pricing:     cost.NewCalculator(pricingRates(c.Pricing)),
	})
}

func retryPolicy(p config.PipelineConfig) resilience.Policy {
	if p.MaxAttempts <= 1 {
		return resilience.NoRetry()
	}
	return resilience.Policy{
		MaxAttempts: p.MaxAttempts,
		BaseDelay:   time.Duration(p.RetryBaseMillis) * time.Millisecond,
		MaxDelay:    time.Duration(p.RetryMaxMillis) * time.Millisecond,
		Jitter:      0.25,
	}
}

// newBreaker returns nil when the breaker is disabled.
func newBreaker(p config.PipelineConfig) *resilience.Breaker {
	if p.BreakerThreshold <= 0 {
		return nil
	}
	return resilience.NewBreaker(resilience.BreakerConfig{
		Threshold: p.BreakerThreshold,
		Cooldown:  time.Duration(p.BreakerCooldownSecs) * time.Second,
		OnChange: func(from, to resilience.State) {
			zap.L().Warn("llm circuit breaker state changed",
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		},
	})
}

// pricingRates converts configured prices. No configured prices means the
// built-in table.
func pricingRates(p config.PricingConfig) cost.Rates {
	if len(p.Anthropic) == 0 {
		return nil
	}
	rates := make(cost.Rates, len(p.Anthropic))
	for id, mp := range p.Anthropic {
		rates[id] = cost.ModelRate{
			Input:         mp.Input,
			Output:        mp.Output,
			CacheWriteMul: mp.CacheWriteMul,
			CacheReadMul:  mp.CacheReadMul,
		}
	}
	return rates
}
