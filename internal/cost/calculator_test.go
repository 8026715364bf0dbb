package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/dossier/internal/model"
)

func testRates() Rates {
	return Rates{
		"haiku":           {Input: 1.00, Output: 5.00, CacheWriteMul: 1.25, CacheReadMul: 0.1},
		"sonnet":          {Input: 3.00, Output: 15.00, CacheWriteMul: 1.25, CacheReadMul: 0.1},
		"sonnet-extended": {Input: 6.00, Output: 22.50},
	}
}

func TestCost(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())

	tests := []struct {
		name  string
		model string
		usage model.TokenUsage
		want  float64
	}{
		{
			name:  "input and output",
			model: "haiku",
			usage: model.TokenUsage{InputTokens: 1_000_000, OutputTokens: 100_000},
			want:  1.00 + 0.50,
		},
		{
			name:  "cache write and read",
			model: "sonnet",
			usage: model.TokenUsage{CacheCreationTokens: 1_000_000, CacheReadTokens: 1_000_000},
			want:  3.00*1.25 + 3.00*0.1,
		},
		{
			name:  "dated id matches prefix",
			model: "sonnet-20250929",
			usage: model.TokenUsage{OutputTokens: 1_000_000},
			want:  15.00,
		},
		{
			name:  "longest prefix wins",
			model: "sonnet-extended-1",
			usage: model.TokenUsage{OutputTokens: 1_000_000},
			want:  22.50,
		},
		{
			name:  "unknown model",
			model: "gpt",
			usage: model.TokenUsage{InputTokens: 1_000_000},
			want:  0,
		},
		{
			name:  "zero usage",
			model: "haiku",
			want:  0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.want, calc.Cost(tt.model, tt.usage), 1e-9)
		})
	}
}

func TestPrice(t *testing.T) {
	calc := NewCalculator(testRates())
	got := calc.Price("haiku", model.TokenUsage{InputTokens: 2_000_000, OutputTokens: 200_000})
	assert.Equal(t, 2_000_000, got.InputTokens)
	assert.InDelta(t, 3.00, got.Cost, 1e-9)
}

func TestNewCalculator_Defaults(t *testing.T) {
	calc := NewCalculator(nil)
	r, ok := calc.Rate("claude-sonnet-4-5-20250929")
	assert.True(t, ok)
	assert.InDelta(t, 3.00, r.Input, 1e-9)

	r, ok = calc.Rate("claude-sonnet-4-20250514")
	assert.True(t, ok)
	assert.InDelta(t, 15.00, r.Output, 1e-9)
}
