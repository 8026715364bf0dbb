package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Pricing   PricingConfig   `yaml:"pricing" mapstructure:"pricing"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	// Pool sizes apply to postgres only.
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key         string  `yaml:"key" mapstructure:"key"`
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	Model       string  `yaml:"model" mapstructure:"model"`
	MaxTokens   int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature float64 `yaml:"temperature" mapstructure:"temperature"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	// RateLimit is the sustained request rate per second. Zero disables it.
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	Burst     int     `yaml:"burst" mapstructure:"burst"`
}

// Timeout returns the per-call timeout.
func (a AnthropicConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSecs) * time.Second
}

// PipelineConfig configures section dispatch.
type PipelineConfig struct {
	MaxConcurrentSections int `yaml:"max_concurrent_sections" mapstructure:"max_concurrent_sections"`
	MaxConcurrentJobs     int `yaml:"max_concurrent_jobs" mapstructure:"max_concurrent_jobs"`
	// MaxAttempts bounds model calls per section dispatch. 1 means no
	// automatic retry; failed sections wait for an explicit retry.
	MaxAttempts     int `yaml:"max_attempts" mapstructure:"max_attempts"`
	RetryBaseMillis int `yaml:"retry_base_millis" mapstructure:"retry_base_millis"`
	RetryMaxMillis  int `yaml:"retry_max_millis" mapstructure:"retry_max_millis"`
	// BreakerThreshold is the number of consecutive transient failures that
	// opens the circuit. Zero disables the breaker.
	BreakerThreshold    int `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerCooldownSecs int `yaml:"breaker_cooldown_secs" mapstructure:"breaker_cooldown_secs"`
}

// PricingConfig holds per-provider pricing rates.
type PricingConfig struct {
	Anthropic map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port                int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins      []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	ShutdownTimeoutSecs int      `yaml:"shutdown_timeout_secs" mapstructure:"shutdown_timeout_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env, ./config.yaml and the environment.
// Environment variables win over the file.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file. The file must exist when
// path is set.
func LoadFile(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("RESEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "dossier.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout_secs", 30)
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.base_url", "")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 8192)
	v.SetDefault("anthropic.temperature", 0.2)
	v.SetDefault("anthropic.timeout_secs", 180)
	v.SetDefault("anthropic.rate_limit", 0)
	v.SetDefault("anthropic.burst", 1)
	v.SetDefault("pipeline.max_concurrent_sections", 4)
	v.SetDefault("pipeline.max_concurrent_jobs", 2)
	v.SetDefault("pipeline.max_attempts", 1)
	v.SetDefault("pipeline.retry_base_millis", 2000)
	v.SetDefault("pipeline.retry_max_millis", 30000)
	v.SetDefault("pipeline.breaker_threshold", 5)
	v.SetDefault("pipeline.breaker_cooldown_secs", 60)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode needs. Modes: "serve", "run",
// "jobs", "prompts", "migrate".
func (c *Config) Validate(mode string) error {
	var errs []string
	require := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, msg)
		}
	}

	switch mode {
	case "serve", "run", "jobs", "prompts", "migrate":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver must be sqlite or postgres, got %q", c.Store.Driver))
	}
	require(c.Store.DatabaseURL != "", "store.database_url is required")
	require(c.Store.MinConns <= c.Store.MaxConns || c.Store.MaxConns == 0,
		"store.min_conns must not exceed store.max_conns")

	if mode == "serve" || mode == "run" || mode == "jobs" {
		require(c.Pipeline.MaxConcurrentSections >= 1 && c.Pipeline.MaxConcurrentSections <= 16,
			"pipeline.max_concurrent_sections must be between 1 and 16")
		require(c.Pipeline.MaxConcurrentJobs >= 1 && c.Pipeline.MaxConcurrentJobs <= 32,
			"pipeline.max_concurrent_jobs must be between 1 and 32")
		require(c.Pipeline.MaxAttempts >= 1 && c.Pipeline.MaxAttempts <= 5,
			"pipeline.max_attempts must be between 1 and 5")
		require(c.Pipeline.BreakerThreshold >= 0, "pipeline.breaker_threshold must be >= 0")
	}

	if mode == "serve" || mode == "run" {
		require(c.Anthropic.Key != "", "anthropic.key is required")
		require(c.Anthropic.Model != "", "anthropic.model is required")
		require(c.Anthropic.MaxTokens > 0, "anthropic.max_tokens must be > 0")
		require(c.Anthropic.TimeoutSecs > 0, "anthropic.timeout_secs must be > 0")
		require(c.Anthropic.RateLimit >= 0, "anthropic.rate_limit must be >= 0")
		require(c.Anthropic.Temperature >= 0 && c.Anthropic.Temperature <= 1,
			"anthropic.temperature must be between 0 and 1")
	}

	if mode == "serve" {
		require(c.Server.Port > 0, "server.port must be > 0")
	}

	for model, p := range c.Pricing.Anthropic {
		require(p.Input >= 0 && p.Output >= 0, fmt.Sprintf("pricing.anthropic.%s rates must be >= 0", model))
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
