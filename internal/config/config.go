package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration, loaded once at startup and passed
// explicitly down through the run controller, coordinator, and roles.
type Config struct {
	Service ServiceConfig `mapstructure:"service"`
	Model   ModelConfig   `mapstructure:"model"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	Refine  RefineConfig  `mapstructure:"refine"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Logging LoggingConfig `mapstructure:"logging"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	HTTPPort    int    `mapstructure:"http_port"`
	MetricsPort int    `mapstructure:"metrics_port"`
}

// ModelConfig carries the model name and the per-role-family temperature
// profile (classification runs cold, specialists run warm, adjudication and
// aggregation in between).
type ModelConfig struct {
	Name                  string  `mapstructure:"name"`
	MaxTokens             int64   `mapstructure:"max_tokens"`
	ClassifierTemperature float64 `mapstructure:"classifier_temperature"`
	SpecialistTemperature float64 `mapstructure:"specialist_temperature"`
	DebateTemperature     float64 `mapstructure:"debate_temperature"`
}

type GatewayConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
}

type RefineConfig struct {
	StepBudget              int           `mapstructure:"step_budget"`
	Parallel                bool          `mapstructure:"parallel"`
	DebateResolutionTimeout time.Duration `mapstructure:"debate_resolution_timeout"`
}

type RedisConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	ThreadTTL time.Duration `mapstructure:"thread_ttl"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "refinery")
	v.SetDefault("service.http_port", 8080)
	v.SetDefault("service.metrics_port", 2112)

	v.SetDefault("model.name", "gpt-4o-mini")
	v.SetDefault("model.max_tokens", 1024)
	v.SetDefault("model.classifier_temperature", 0.3)
	v.SetDefault("model.specialist_temperature", 0.7)
	v.SetDefault("model.debate_temperature", 0.5)

	v.SetDefault("gateway.timeout", 30*time.Second)
	v.SetDefault("gateway.max_retries", 2)
	v.SetDefault("gateway.requests_per_minute", 60)

	v.SetDefault("refine.step_budget", 10)
	v.SetDefault("refine.parallel", true)
	v.SetDefault("refine.debate_resolution_timeout", 120*time.Second)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.thread_ttl", 24*time.Hour)

	v.SetDefault("logging.level", "info")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "refinery")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
}

// Load reads configuration from CONFIG_PATH (yaml, optional) with REFINERY_*
// environment overrides on top of code defaults.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("REFINERY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgPath := os.Getenv("CONFIG_PATH"); cfgPath != "" {
		v.SetConfigFile(cfgPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", cfgPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the coordinator cannot run with.
func (c *Config) Validate() error {
	if c.Refine.StepBudget <= 0 {
		return fmt.Errorf("refine.step_budget must be positive, got %d", c.Refine.StepBudget)
	}
	if c.Gateway.MaxRetries < 0 {
		return fmt.Errorf("gateway.max_retries must not be negative, got %d", c.Gateway.MaxRetries)
	}
	if c.Model.Name == "" {
		return fmt.Errorf("model.name must not be empty")
	}
	return nil
}

// Default returns the built-in configuration without consulting files or env.
// Used by tests and as the degraded-mode baseline.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}
