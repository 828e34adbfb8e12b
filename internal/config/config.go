package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all storefront client configuration
type Config struct {
	App           AppConfig
	API           APIConfig
	Auth          AuthConfig
	Breaker       BreakerConfig
	Cart          CartConfig
	CategoryCache CategoryCacheConfig
	Redis         RedisConfig
	Log           LogConfig
	Metrics       MetricsConfig
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string `validate:"required"`
	Env  string `validate:"oneof=development staging production test"`
}

// APIConfig describes the storefront backend
type APIConfig struct {
	BaseURL    string        `validate:"required,url"`
	Timeout    time.Duration `validate:"gt=0"`
	UserAgent  string
	MaxRetries int           `validate:"gte=0,lte=10"`
	RetryDelay time.Duration `validate:"gte=0"`
	QPS        float64       `validate:"gte=0"` // 0 disables client-side throttling
	Burst      int           `validate:"gte=0"`
}

// AuthConfig holds token handling settings
type AuthConfig struct {
	RefreshBuffer    time.Duration `validate:"gte=0"` // refresh preemptively when expiry is this close
	RefreshTokenFile string        // mobile user agents persist the refresh token here
}

// BreakerConfig configures the circuit breaker guarding the backend
type BreakerConfig struct {
	Enabled          bool
	FailureThreshold uint32
	Timeout          time.Duration
}

// CartConfig holds cart reconciliation settings
type CartConfig struct {
	BatchWindow time.Duration `validate:"gt=0"`
}

// CategoryCacheConfig holds category product cache settings
type CategoryCacheConfig struct {
	MaxAge               time.Duration `validate:"gt=0"`
	MaxSize              int           `validate:"gt=0"`
	DebounceTime         time.Duration `validate:"gte=0"`
	StaleWhileRevalidate bool
}

// RedisConfig holds the optional shared L2 cache connection
type RedisConfig struct {
	Enabled   bool
	Host      string
	Port      int
	Password  string
	DB        int
	KeyPrefix string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level      string // debug, info, warn, error
	Format     string // json, console; empty picks by environment
	Output     string // stdout, stderr, or file path
	TimeFormat string
}

// MetricsConfig holds Prometheus exposition settings
type MetricsConfig struct {
	Enabled bool
	Addr    string
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with STOREFRONT_ prefix (e.g., STOREFRONT_API_BASE_URL)
// 2. storefront.toml
// 3. Built-in defaults
func Load(paths ...string) (*Config, error) {
	v := viper.New()

	v.SetConfigName("storefront")
	v.SetConfigType("toml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/storefront")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("STOREFRONT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
		},
		API: APIConfig{
			BaseURL:    v.GetString("api.base_url"),
			Timeout:    v.GetDuration("api.timeout"),
			UserAgent:  v.GetString("api.user_agent"),
			MaxRetries: v.GetInt("api.max_retries"),
			RetryDelay: v.GetDuration("api.retry_delay"),
			QPS:        v.GetFloat64("api.qps"),
			Burst:      v.GetInt("api.burst"),
		},
		Auth: AuthConfig{
			RefreshBuffer:    v.GetDuration("auth.refresh_buffer"),
			RefreshTokenFile: v.GetString("auth.refresh_token_file"),
		},
		Breaker: BreakerConfig{
			Enabled:          v.GetBool("breaker.enabled"),
			FailureThreshold: v.GetUint32("breaker.failure_threshold"),
			Timeout:          v.GetDuration("breaker.timeout"),
		},
		Cart: CartConfig{
			BatchWindow: v.GetDuration("cart.batch_window"),
		},
		CategoryCache: CategoryCacheConfig{
			MaxAge:               v.GetDuration("category_cache.max_age"),
			MaxSize:              v.GetInt("category_cache.max_size"),
			DebounceTime:         v.GetDuration("category_cache.debounce_time"),
			StaleWhileRevalidate: !v.IsSet("category_cache.stale_while_revalidate") || v.GetBool("category_cache.stale_while_revalidate"),
		},
		Redis: RedisConfig{
			Enabled:   v.GetBool("redis.enabled"),
			Host:      v.GetString("redis.host"),
			Port:      v.GetInt("redis.port"),
			Password:  v.GetString("redis.password"),
			DB:        v.GetInt("redis.db"),
			KeyPrefix: v.GetString("redis.key_prefix"),
		},
		Log: LogConfig{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			Output:     v.GetString("log.output"),
			TimeFormat: v.GetString("log.time_format"),
		},
		Metrics: MetricsConfig{
			Enabled: v.GetBool("metrics.enabled"),
			Addr:    v.GetString("metrics.addr"),
		},
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{CategoryCache: CategoryCacheConfig{StaleWhileRevalidate: true}}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "storefront"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.API.BaseURL == "" {
		cfg.API.BaseURL = "http://localhost:5000"
	}
	if cfg.API.Timeout == 0 {
		cfg.API.Timeout = 30 * time.Second
	}
	if cfg.API.UserAgent == "" {
		cfg.API.UserAgent = "storefront-go/1.0"
	}
	if cfg.API.RetryDelay == 0 {
		cfg.API.RetryDelay = 500 * time.Millisecond
	}
	if cfg.Auth.RefreshBuffer == 0 {
		cfg.Auth.RefreshBuffer = 120 * time.Second
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.Timeout == 0 {
		cfg.Breaker.Timeout = 30 * time.Second
	}
	if cfg.Cart.BatchWindow == 0 {
		cfg.Cart.BatchWindow = 500 * time.Millisecond
	}
	if cfg.CategoryCache.MaxAge == 0 {
		cfg.CategoryCache.MaxAge = 5 * time.Minute
	}
	if cfg.CategoryCache.MaxSize == 0 {
		cfg.CategoryCache.MaxSize = 50
	}
	if cfg.CategoryCache.DebounceTime == 0 {
		cfg.CategoryCache.DebounceTime = 300 * time.Millisecond
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "storefront:category:"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stderr"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
}

// Validate checks struct constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid configuration: api.base_url %q is not an absolute URL", c.API.BaseURL)
	}
	if c.Redis.Enabled && c.Redis.Port <= 0 {
		return fmt.Errorf("invalid configuration: redis.port must be positive")
	}
	return nil
}

// IsProduction reports whether the app runs in production
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}

// RedisAddr returns host:port of the L2 cache
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
