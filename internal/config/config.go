// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Pipeline PipelineConfig `mapstructure:"pipeline" yaml:"pipeline"`
	OSV      OSVConfig      `mapstructure:"osv" yaml:"osv"`
	Registry RegistryConfig `mapstructure:"registry" yaml:"registry"`
	LLM      LLMConfig      `mapstructure:"llm" yaml:"llm"`

	// Analyze gets its marching orders from CLI flags, not the config file.
	Analyze AnalyzeConfig `mapstructure:"-" yaml:"-"`
}

// LoggerConfig controls the zap logger construction.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig maps log levels to terminal colors for the console encoder.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig holds connection details for the optional results store.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// StageConfig is the knob set every pipeline stage shares. The retry
// executor reads Timeout/MaxRetries/BaseDelay/BackoffMultiplier; the driver
// reads Enabled for optional stages.
type StageConfig struct {
	Enabled           bool          `mapstructure:"enabled" yaml:"enabled"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries        int           `mapstructure:"max_retries" yaml:"max_retries"`
	BaseDelay         time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier" yaml:"backoff_multiplier"`
}

// ReputationStageConfig extends StageConfig with the trigger threshold: the
// stage only runs when a target's graph reputation score sits below it.
type ReputationStageConfig struct {
	StageConfig    `mapstructure:",squash" yaml:",inline"`
	ScoreThreshold float64 `mapstructure:"score_threshold" yaml:"score_threshold"`
}

// PipelineConfig aggregates the per-stage settings in registration order.
type PipelineConfig struct {
	Vulnerability StageConfig           `mapstructure:"vulnerability" yaml:"vulnerability"`
	Reputation    ReputationStageConfig `mapstructure:"reputation" yaml:"reputation"`
	CodePattern   StageConfig           `mapstructure:"code_pattern" yaml:"code_pattern"`
	SupplyChain   StageConfig           `mapstructure:"supply_chain" yaml:"supply_chain"`
	Synthesis     StageConfig           `mapstructure:"synthesis" yaml:"synthesis"`
}

// OSVConfig points the vulnerability capability at an advisory service.
type OSVConfig struct {
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	Concurrency int           `mapstructure:"concurrency" yaml:"concurrency"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout" yaml:"http_timeout"`
}

// RegistryConfig points the reputation capability at a package metadata
// service. RateLimit is queries per second; registries ban the impolite.
type RegistryConfig struct {
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	RateLimit   float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout" yaml:"http_timeout"`
}

// LLMConfig configures the model-backed code pattern capability. APIKey is
// only read from the environment, never from a config file on disk.
type LLMConfig struct {
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APIKey      string        `mapstructure:"api_key" yaml:"-"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	Temperature float64       `mapstructure:"temperature" yaml:"temperature"`
}

// AnalyzeConfig centralizes runtime settings for the current analyze run.
type AnalyzeConfig struct {
	ManifestPath string
	Ecosystem    string
	Mode         string
	Output       string
	Format       string
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "pkgsentry")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Pipeline stages --
	v.SetDefault("pipeline.vulnerability.enabled", true)
	v.SetDefault("pipeline.vulnerability.timeout", "30s")
	v.SetDefault("pipeline.vulnerability.max_retries", 2)
	v.SetDefault("pipeline.vulnerability.base_delay", "1s")
	v.SetDefault("pipeline.vulnerability.backoff_multiplier", 2.0)

	v.SetDefault("pipeline.reputation.enabled", true)
	v.SetDefault("pipeline.reputation.timeout", "20s")
	v.SetDefault("pipeline.reputation.max_retries", 1)
	v.SetDefault("pipeline.reputation.base_delay", "1s")
	v.SetDefault("pipeline.reputation.backoff_multiplier", 2.0)
	v.SetDefault("pipeline.reputation.score_threshold", 0.6)

	v.SetDefault("pipeline.code_pattern.enabled", true)
	v.SetDefault("pipeline.code_pattern.timeout", "60s")
	v.SetDefault("pipeline.code_pattern.max_retries", 1)
	v.SetDefault("pipeline.code_pattern.base_delay", "2s")
	v.SetDefault("pipeline.code_pattern.backoff_multiplier", 2.0)

	v.SetDefault("pipeline.supply_chain.enabled", true)
	v.SetDefault("pipeline.supply_chain.timeout", "15s")
	v.SetDefault("pipeline.supply_chain.max_retries", 0)
	v.SetDefault("pipeline.supply_chain.base_delay", "500ms")
	v.SetDefault("pipeline.supply_chain.backoff_multiplier", 2.0)

	v.SetDefault("pipeline.synthesis.enabled", true)
	v.SetDefault("pipeline.synthesis.timeout", "10s")
	v.SetDefault("pipeline.synthesis.max_retries", 1)
	v.SetDefault("pipeline.synthesis.base_delay", "500ms")
	v.SetDefault("pipeline.synthesis.backoff_multiplier", 2.0)

	// -- Capabilities --
	v.SetDefault("osv.endpoint", "https://api.osv.dev/v1/query")
	v.SetDefault("osv.concurrency", 8)
	v.SetDefault("osv.http_timeout", "10s")

	v.SetDefault("registry.endpoint", "https://api.deps.dev/v3alpha")
	v.SetDefault("registry.rate_limit", 4.0)
	v.SetDefault("registry.http_timeout", "10s")

	v.SetDefault("llm.endpoint", "https://generativelanguage.googleapis.com/v1beta/models")
	v.SetDefault("llm.model", "gemini-2.5-flash")
	v.SetDefault("llm.api_timeout", "45s")
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.temperature", 0.1)
}

// NewDefaultConfig returns a config populated purely from defaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Defaults are under our control; this is a programmer error.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper creates a validated configuration from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data.
	v.BindEnv("llm.api_key", "PKGSENTRY_LLM_API_KEY")
	v.BindEnv("database.url", "PKGSENTRY_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Unmarshal does not apply BindEnv for keys absent from the file.
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("PKGSENTRY_LLM_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for sane values.
func (c *Config) Validate() error {
	stages := map[string]StageConfig{
		"pipeline.vulnerability": c.Pipeline.Vulnerability,
		"pipeline.reputation":    c.Pipeline.Reputation.StageConfig,
		"pipeline.code_pattern":  c.Pipeline.CodePattern,
		"pipeline.supply_chain":  c.Pipeline.SupplyChain,
		"pipeline.synthesis":     c.Pipeline.Synthesis,
	}
	for name, sc := range stages {
		if sc.Timeout <= 0 {
			return fmt.Errorf("%s.timeout must be a positive duration", name)
		}
		if sc.MaxRetries < 0 {
			return fmt.Errorf("%s.max_retries must not be negative", name)
		}
		if sc.BaseDelay < 0 {
			return fmt.Errorf("%s.base_delay must not be negative", name)
		}
		if sc.BackoffMultiplier < 1.0 {
			return fmt.Errorf("%s.backoff_multiplier must be at least 1.0", name)
		}
	}

	if t := c.Pipeline.Reputation.ScoreThreshold; t < 0.0 || t > 1.0 {
		return fmt.Errorf("pipeline.reputation.score_threshold must be between 0.0 and 1.0")
	}
	if c.OSV.Concurrency <= 0 {
		return fmt.Errorf("osv.concurrency must be a positive integer")
	}
	if c.Registry.RateLimit <= 0 {
		return fmt.Errorf("registry.rate_limit must be positive")
	}
	return nil
}
