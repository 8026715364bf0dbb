package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dossier/internal/config"
	"github.com/sells-group/dossier/internal/model"
	"github.com/sells-group/dossier/internal/resilience"
	"github.com/sells-group/dossier/internal/store"
)

// withConfig installs c as the global config for the duration of the test.
func withConfig(t *testing.T, c *config.Config) {
	t.Helper()
	prev := cfg
	cfg = c
	t.Cleanup(func() { cfg = prev })
}

func sqliteConfig(t *testing.T) *config.Config {
	t.Helper()
	c := &config.Config{}
	c.Store.Driver = "sqlite"
	c.Store.DatabaseURL = filepath.Join(t.TempDir(), "cmd.db")
	c.Pipeline.MaxConcurrentSections = 2
	c.Pipeline.MaxConcurrentJobs = 1
	c.Pipeline.MaxAttempts = 1
	return c
}

func TestRetryPolicy(t *testing.T) {
	p := retryPolicy(config.PipelineConfig{MaxAttempts: 1, RetryBaseMillis: 500})
	assert.Equal(t, 1, p.MaxAttempts)
	assert.Zero(t, p.BaseDelay)

	p = retryPolicy(config.PipelineConfig{MaxAttempts: 3, RetryBaseMillis: 500, RetryMaxMillis: 4000})
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, p.BaseDelay)
	assert.Equal(t, 4*time.Second, p.MaxDelay)
}

func TestNewBreaker(t *testing.T) {
	assert.Nil(t, newBreaker(config.PipelineConfig{BreakerThreshold: 0}))

	b := newBreaker(config.PipelineConfig{BreakerThreshold: 3, BreakerCooldownSecs: 10})
	require.NotNil(t, b)
	assert.Equal(t, resilience.Closed, b.State())
}

func TestPricingRates(t *testing.T) {
	assert.Nil(t, pricingRates(config.PricingConfig{}))

	rates := pricingRates(config.PricingConfig{Anthropic: map[string]config.ModelPricing{
		"claude-sonnet-4-5": {Input: 3, Output: 15, CacheWriteMul: 1.25, CacheReadMul: 0.1},
	}})
	require.Contains(t, rates, "claude-sonnet-4-5")
	assert.InDelta(t, 15.0, rates["claude-sonnet-4-5"].Output, 0.001)
	assert.InDelta(t, 0.1, rates["claude-sonnet-4-5"].CacheReadMul, 0.001)
}

func TestNewGenerator(t *testing.T) {
	c := sqliteConfig(t)
	c.Anthropic.Key = "sk-ant-test"
	c.Anthropic.Model = "claude-sonnet-4-5-20250929"
	c.Anthropic.MaxTokens = 4096
	c.Anthropic.TimeoutSecs = 60
	c.Anthropic.RateLimit = 2
	c.Anthropic.Burst = 1
	assert.NotNil(t, newGenerator(c))
}

func TestInitStore_UnsupportedDriver(t *testing.T) {
	c := sqliteConfig(t)
	c.Store.Driver = "mysql"
	withConfig(t, c)

	_, err := initStore(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestInitApp_WithoutModel(t *testing.T) {
	withConfig(t, sqliteConfig(t))

	env, err := initApp(context.Background(), "jobs", false)
	require.NoError(t, err)
	defer env.Close()

	assert.NotNil(t, env.Store)
	assert.NotNil(t, env.Resolver)
	assert.NotNil(t, env.Orch)
}

func TestInitApp_RunNeedsModelKey(t *testing.T) {
	withConfig(t, sqliteConfig(t))

	_, err := initApp(context.Background(), "run", true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.key is required")
}

type recordingSubmitter struct {
	ids []string
}

func (r *recordingSubmitter) Submit(jobID string) { r.ids = append(r.ids, jobID) }

func TestResumeJobs(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "resume.db"))
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	for id, status := range map[string]model.JobStatus{
		"job-queued":  model.JobStatusQueued,
		"job-running": model.JobStatusRunning,
		"job-done":    model.JobStatusCompleted,
		"job-gone":    model.JobStatusCancelled,
	} {
		job := &model.ResearchJob{
			ID:          id,
			CompanyName: "Acme Corp",
			Geography:   "Germany",
			Status:      status,
			Sections:    make(map[model.SectionID]*model.SectionRun, len(model.Sections)),
		}
		for _, s := range model.Sections {
			job.Sections[s] = model.NewSectionRun(id, s)
		}
		require.NoError(t, st.CreateJob(ctx, job))
	}

	sub := &recordingSubmitter{}
	n, err := resumeJobs(ctx, st, sub)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"job-queued", "job-running"}, sub.ids)
}
