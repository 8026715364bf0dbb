package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "dossier.db", cfg.Store.DatabaseURL)
	assert.Equal(t, int32(10), cfg.Store.MaxConns)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "claude-sonnet-4-5-20250929", cfg.Anthropic.Model)
	assert.Equal(t, int64(8192), cfg.Anthropic.MaxTokens)
	assert.Equal(t, 3*time.Minute, cfg.Anthropic.Timeout())
	assert.Zero(t, cfg.Anthropic.RateLimit)
	assert.Equal(t, 4, cfg.Pipeline.MaxConcurrentSections)
	assert.Equal(t, 2, cfg.Pipeline.MaxConcurrentJobs)
	assert.Equal(t, 1, cfg.Pipeline.MaxAttempts)
	assert.Equal(t, 5, cfg.Pipeline.BreakerThreshold)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/dossier
log:
  level: debug
  format: console
server:
  port: 9090
pipeline:
  max_concurrent_sections: 2
pricing:
  anthropic:
    claude-sonnet-4-5:
      input: 3
      output: 15
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/dossier", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Pipeline.MaxConcurrentSections)
	assert.InDelta(t, 15.0, cfg.Pricing.Anthropic["claude-sonnet-4-5"].Output, 0.001)
	// Defaults still apply for unset values
	assert.Equal(t, 2, cfg.Pipeline.MaxConcurrentJobs)
}

func TestLoadFile_ExplicitPath(t *testing.T) {
	chdirTemp(t)
	path := filepath.Join(t.TempDir(), "dossier.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 7070\n"), 0644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
}

func TestLoadFile_Missing(t *testing.T) {
	chdirTemp(t)
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("RESEARCH_STORE_DRIVER", "postgres")
	t.Setenv("RESEARCH_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadDotEnv(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("RESEARCH_ANTHROPIC_KEY=sk-ant-from-dotenv\n"), 0600))
	// godotenv never overrides variables that are already set; register the
	// key with t.Setenv so it is restored after the test.
	t.Setenv("RESEARCH_ANTHROPIC_KEY", "")
	require.NoError(t, os.Unsetenv("RESEARCH_ANTHROPIC_KEY"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-from-dotenv", cfg.Anthropic.Key)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)
	t.Setenv("RESEARCH_SERVER_PORT", "3000")
	t.Setenv("RESEARCH_PIPELINE_MAX_ATTEMPTS", "3")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Pipeline.MaxAttempts)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = "dossier.db"
	cfg.Anthropic.Key = "sk-ant-key"
	cfg.Anthropic.Model = "claude-sonnet-4-5-20250929"
	cfg.Anthropic.MaxTokens = 8192
	cfg.Anthropic.TimeoutSecs = 180
	cfg.Pipeline.MaxConcurrentSections = 4
	cfg.Pipeline.MaxConcurrentJobs = 2
	cfg.Pipeline.MaxAttempts = 1
	cfg.Server.Port = 8080
	return cfg
}

func TestValidate_AllModes(t *testing.T) {
	cfg := validDefaults()
	for _, mode := range []string{"serve", "run", "jobs", "prompts", "migrate"} {
		assert.NoError(t, cfg.Validate(mode), mode)
	}
}

func TestValidateRun_MissingFields(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.DatabaseURL = ""
	cfg.Anthropic.Key = ""
	cfg.Anthropic.MaxTokens = 0

	err := cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
	assert.Contains(t, err.Error(), "anthropic.key is required")
	assert.Contains(t, err.Error(), "anthropic.max_tokens must be > 0")
}

func TestValidatePrompts_NoModelKeyNeeded(t *testing.T) {
	cfg := validDefaults()
	cfg.Anthropic.Key = ""

	assert.NoError(t, cfg.Validate("prompts"))
	assert.NoError(t, cfg.Validate("jobs"))
	assert.Error(t, cfg.Validate("serve"))
}

func TestValidateStoreDriver(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"

	err := cfg.Validate("migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be sqlite or postgres")
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
	assert.NoError(t, cfg.Validate("run"))
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidateConcurrencyBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Pipeline.MaxConcurrentSections = 0
	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurrent_sections must be between 1 and 16")

	cfg.Pipeline.MaxConcurrentSections = 17
	assert.Error(t, cfg.Validate("serve"))

	cfg.Pipeline.MaxConcurrentSections = 16
	assert.NoError(t, cfg.Validate("serve"))

	cfg.Pipeline.MaxAttempts = 6
	err = cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_attempts must be between 1 and 5")
}

func TestValidateTemperatureAndPricing(t *testing.T) {
	cfg := validDefaults()
	cfg.Anthropic.Temperature = 1.5
	err := cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "temperature")

	cfg.Anthropic.Temperature = 0.2
	cfg.Pricing.Anthropic = map[string]ModelPricing{"claude-opus-4": {Input: -1, Output: 75}}
	err = cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pricing.anthropic.claude-opus-4")
}
