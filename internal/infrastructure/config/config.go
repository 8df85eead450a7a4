package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App      AppConfig
	Redis    RedisConfig
	Log      LogConfig
	HTTP     HTTPConfig
	Stripe   StripeConfig
	Upstream UpstreamConfig
	Metering MeteringConfig
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
	Port string
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxHeaderBytes int
}

// StripeConfig holds Stripe integration settings
type StripeConfig struct {
	SecretKey        string
	IsTestMode       bool
	ModelMetadataKey string
}

// UpstreamConfig holds run-execution service client settings
type UpstreamConfig struct {
	BaseURL        string
	APIKey         string
	TimeoutSeconds int
}

// MeteringConfig holds metering pipeline settings
type MeteringConfig struct {
	MinuteResetInterval time.Duration // minute-window reset cadence
	DayResetInterval    time.Duration // day-window reset cadence
	RunSweepInterval    time.Duration // pending-run poll cadence
	BillingInterval     time.Duration // billing flush cadence
	JobTimeout          time.Duration // per-cycle deadline for each job
	MaxRunAge           time.Duration // tracked runs older than this are dropped
	RevertOnFailure     bool          // refund pre-charges of failed runs
	AttachmentCost      int64         // fixed cost per attachment-bearing step
}

// Load reads configuration from file and environment.
// Priority (highest to lowest):
// 1. Environment variables with GPTX_ prefix (e.g., GPTX_REDIS_PASSWORD)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	v.SetEnvPrefix("GPTX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:    v.GetDuration("http.read_timeout"),
			WriteTimeout:   v.GetDuration("http.write_timeout"),
			IdleTimeout:    v.GetDuration("http.idle_timeout"),
			MaxHeaderBytes: v.GetInt("http.max_header_bytes"),
		},
		Stripe: StripeConfig{
			SecretKey:        v.GetString("stripe.secret_key"),
			IsTestMode:       v.GetBool("stripe.is_test_mode"),
			ModelMetadataKey: v.GetString("stripe.model_metadata_key"),
		},
		Upstream: UpstreamConfig{
			BaseURL:        v.GetString("upstream.base_url"),
			APIKey:         v.GetString("upstream.api_key"),
			TimeoutSeconds: v.GetInt("upstream.timeout_seconds"),
		},
		Metering: MeteringConfig{
			MinuteResetInterval: v.GetDuration("metering.minute_reset_interval"),
			DayResetInterval:    v.GetDuration("metering.day_reset_interval"),
			RunSweepInterval:    v.GetDuration("metering.run_sweep_interval"),
			BillingInterval:     v.GetDuration("metering.billing_interval"),
			JobTimeout:          v.GetDuration("metering.job_timeout"),
			MaxRunAge:           v.GetDuration("metering.max_run_age"),
			RevertOnFailure:     v.GetBool("metering.revert_on_failure"),
			AttachmentCost:      v.GetInt64("metering.attachment_cost"),
		},
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "gptx-api"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		if cfg.App.Env == "production" {
			cfg.Log.Format = "json"
		} else {
			cfg.Log.Format = "console"
		}
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 15 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.MaxHeaderBytes == 0 {
		cfg.HTTP.MaxHeaderBytes = 1 << 20
	}
	if cfg.Stripe.ModelMetadataKey == "" {
		cfg.Stripe.ModelMetadataKey = "models"
	}
	if cfg.Upstream.BaseURL == "" {
		cfg.Upstream.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Upstream.TimeoutSeconds == 0 {
		cfg.Upstream.TimeoutSeconds = 30
	}
	if cfg.Metering.MinuteResetInterval == 0 {
		cfg.Metering.MinuteResetInterval = time.Minute
	}
	if cfg.Metering.DayResetInterval == 0 {
		cfg.Metering.DayResetInterval = 24 * time.Hour
	}
	if cfg.Metering.RunSweepInterval == 0 {
		cfg.Metering.RunSweepInterval = 5 * time.Minute
	}
	if cfg.Metering.BillingInterval == 0 {
		cfg.Metering.BillingInterval = 30 * time.Minute
	}
	if cfg.Metering.JobTimeout == 0 {
		cfg.Metering.JobTimeout = time.Minute
	}
	if cfg.Metering.MaxRunAge == 0 {
		cfg.Metering.MaxRunAge = 24 * time.Hour
	}
	if cfg.Metering.AttachmentCost == 0 {
		cfg.Metering.AttachmentCost = 1000
	}
}

// validate checks configuration consistency
func (c *Config) validate() error {
	if c.Metering.JobTimeout <= 0 {
		return fmt.Errorf("metering.job_timeout must be positive")
	}
	if c.Metering.MinuteResetInterval <= 0 || c.Metering.DayResetInterval <= 0 ||
		c.Metering.RunSweepInterval <= 0 || c.Metering.BillingInterval <= 0 {
		return fmt.Errorf("metering intervals must be positive")
	}
	if c.Metering.AttachmentCost < 0 {
		return fmt.Errorf("metering.attachment_cost cannot be negative")
	}

	// Production-specific validations
	if c.App.Env == "production" {
		if c.Stripe.SecretKey == "" {
			return fmt.Errorf("stripe.secret_key is required in production")
		}
		if c.Stripe.IsTestMode {
			return fmt.Errorf("stripe.is_test_mode must be false in production")
		}
		if c.Upstream.APIKey == "" {
			return fmt.Errorf("upstream.api_key is required in production")
		}
	}

	return nil
}

// IsProduction returns true when running in production
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}

// RedisAddr returns the host:port address for the Redis client
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
