// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// ClientVersion selects the upstream client variant.
type ClientVersion string

// Upstream client variants. The original client performed no retries; the
// fixed variant retries transport errors with exponential backoff.
const (
	ClientOriginal ClientVersion = "original"
	ClientFixed    ClientVersion = "fixed"
)

// EndpointConfig describes one upstream model endpoint. Unit prices are per
// 1K tokens; the defaults are the Jan-2025 list prices and are
// configuration, not code.
type EndpointConfig struct {
	Name        string
	BaseURL     string
	APIKey      string
	Model       string
	InputPrice  float64
	OutputPrice float64
}

// Config is the process-wide configuration.
type Config struct {
	HTTPPort string `env:"HTTP_PORT" envDefault:"8080"`
	GinMode  string `env:"GIN_MODE" envDefault:"debug"`

	// Comma-separated list of allowed origins for event subscribers.
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"*"`

	// Database.
	DBHost     string `env:"DB_HOST" envDefault:"localhost"`
	DBPort     int    `env:"DB_PORT" envDefault:"5432"`
	DBUser     string `env:"DB_USER" envDefault:"postgres"`
	DBPassword string `env:"DB_PASSWORD" envDefault:"postgres"`
	DBName     string `env:"DB_NAME" envDefault:"jexagent"`
	DBSSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`

	// Redis-backed locking / caching (distributed deployments).
	UseRedisLock  bool   `env:"USE_REDIS_LOCK" envDefault:"false"`
	UseRedisCache bool   `env:"USE_REDIS_CACHE" envDefault:"false"`
	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`

	// Quota gate.
	DisableQuotaCheck bool `env:"DISABLE_QUOTA_CHECK" envDefault:"false"`

	// Upstream endpoints.
	ClientVersion ClientVersion `env:"AI_CLIENT_VERSION" envDefault:"fixed"`

	MetaBaseURL     string  `env:"META_BASE_URL" envDefault:"https://api.deepseek.com/v1"`
	MetaAPIKey      string  `env:"META_API_KEY"`
	MetaModel       string  `env:"META_MODEL" envDefault:"deepseek-chat"`
	MetaName        string  `env:"META_NAME" envDefault:"DeepSeek"`
	MetaInputPrice  float64 `env:"META_INPUT_PRICE" envDefault:"0.001"`
	MetaOutputPrice float64 `env:"META_OUTPUT_PRICE" envDefault:"0.002"`

	ABaseURL     string  `env:"AI_A_BASE_URL" envDefault:"https://api.moonshot.cn/v1"`
	AAPIKey      string  `env:"AI_A_API_KEY"`
	AModel       string  `env:"AI_A_MODEL" envDefault:"moonshot-v1-8k"`
	AName        string  `env:"AI_A_NAME" envDefault:"Kimi"`
	AInputPrice  float64 `env:"AI_A_INPUT_PRICE" envDefault:"0.012"`
	AOutputPrice float64 `env:"AI_A_OUTPUT_PRICE" envDefault:"0.012"`

	BBaseURL     string  `env:"AI_B_BASE_URL" envDefault:"https://dashscope.aliyuncs.com/compatible-mode/v1"`
	BAPIKey      string  `env:"AI_B_API_KEY"`
	BModel       string  `env:"AI_B_MODEL" envDefault:"qwen-plus"`
	BName        string  `env:"AI_B_NAME" envDefault:"Qwen"`
	BInputPrice  float64 `env:"AI_B_INPUT_PRICE" envDefault:"0.0008"`
	BOutputPrice float64 `env:"AI_B_OUTPUT_PRICE" envDefault:"0.002"`

	// Task execution bounds.
	MaxCostPerTask   float64       `env:"MAX_COST_PER_TASK" envDefault:"1.0"`
	StateCostCeiling float64       `env:"STATE_COST_CEILING" envDefault:"1000"`
	TaskLockTTL      time.Duration `env:"TASK_LOCK_TTL" envDefault:"1h"`
	SubscriberWait   time.Duration `env:"SUBSCRIBER_WAIT" envDefault:"10s"`
}

// Load reads an optional .env file then parses the environment into a
// Config. A missing .env file is not an error.
func Load(envPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			slog.Info("No .env file loaded, using existing environment", "path", envPath)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if cfg.ClientVersion != ClientOriginal && cfg.ClientVersion != ClientFixed {
		return nil, fmt.Errorf("invalid AI_CLIENT_VERSION %q", cfg.ClientVersion)
	}
	return cfg, nil
}

// Meta returns the meta endpoint configuration.
func (c *Config) Meta() EndpointConfig {
	return EndpointConfig{
		Name: c.MetaName, BaseURL: c.MetaBaseURL, APIKey: c.MetaAPIKey, Model: c.MetaModel,
		InputPrice: c.MetaInputPrice, OutputPrice: c.MetaOutputPrice,
	}
}

// A returns the AI-A endpoint configuration.
func (c *Config) A() EndpointConfig {
	return EndpointConfig{
		Name: c.AName, BaseURL: c.ABaseURL, APIKey: c.AAPIKey, Model: c.AModel,
		InputPrice: c.AInputPrice, OutputPrice: c.AOutputPrice,
	}
}

// B returns the AI-B endpoint configuration.
func (c *Config) B() EndpointConfig {
	return EndpointConfig{
		Name: c.BName, BaseURL: c.BBaseURL, APIKey: c.BAPIKey, Model: c.BModel,
		InputPrice: c.BInputPrice, OutputPrice: c.BOutputPrice,
	}
}

// RedisAddr returns the host:port address for the Redis client.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}
