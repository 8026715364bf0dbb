// Package cost prices model token usage.
package cost

import (
	"sort"
	"strings"

	"github.com/sells-group/dossier/internal/model"
)

// ModelRate is the price of one model in USD per million tokens. Cache
// multipliers scale the input rate.
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// Rates maps model ids, or id prefixes, to prices.
type Rates map[string]ModelRate

// Calculator prices token usage.
type Calculator struct {
	rates    Rates
	prefixes []string
}

// NewCalculator returns a calculator for rates. A nil map uses DefaultRates.
func NewCalculator(rates Rates) *Calculator {
	if rates == nil {
		rates = DefaultRates()
	}
	prefixes := make([]string, 0, len(rates))
	for id := range rates {
		prefixes = append(prefixes, id)
	}
	// Longest prefix first so "claude-sonnet-4-5" beats "claude-sonnet".
	sort.Slice(prefixes, func(i, j int) bool {
		if len(prefixes[i]) != len(prefixes[j]) {
			return len(prefixes[i]) > len(prefixes[j])
		}
		return prefixes[i] < prefixes[j]
	})
	return &Calculator{rates: rates, prefixes: prefixes}
}

// Rate looks up the price of modelID, matching exact ids before prefixes.
func (c *Calculator) Rate(modelID string) (ModelRate, bool) {
	if r, ok := c.rates[modelID]; ok {
		return r, true
	}
	for _, p := range c.prefixes {
		if strings.HasPrefix(modelID, p) {
			return c.rates[p], true
		}
	}
	return ModelRate{}, false
}

// Cost returns the USD cost of usage on modelID. Unknown models cost 0.
func (c *Calculator) Cost(modelID string, usage model.TokenUsage) float64 {
	r, ok := c.Rate(modelID)
	if !ok {
		return 0
	}
	perTok := func(n int, rate float64) float64 { return float64(n) / 1e6 * rate }
	return perTok(usage.InputTokens, r.Input) +
		perTok(usage.OutputTokens, r.Output) +
		perTok(usage.CacheCreationTokens, r.Input*r.CacheWriteMul) +
		perTok(usage.CacheReadTokens, r.Input*r.CacheReadMul)
}

// Price returns usage with its Cost field filled in.
func (c *Calculator) Price(modelID string, usage model.TokenUsage) model.TokenUsage {
	usage.Cost = c.Cost(modelID, usage)
	return usage
}

// DefaultRates returns list prices for the Claude models the generator is
// configured with.
func DefaultRates() Rates {
	return Rates{
		"claude-haiku-4-5":  {Input: 1.00, Output: 5.00, CacheWriteMul: 1.25, CacheReadMul: 0.1},
		"claude-sonnet-4-5": {Input: 3.00, Output: 15.00, CacheWriteMul: 1.25, CacheReadMul: 0.1},
		"claude-sonnet-4":   {Input: 3.00, Output: 15.00, CacheWriteMul: 1.25, CacheReadMul: 0.1},
		"claude-opus-4":     {Input: 15.00, Output: 75.00, CacheWriteMul: 1.25, CacheReadMul: 0.1},
	}
}
