package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/faucetdb/valve/internal/model"
)

// YAMLConfig represents the top-level valve configuration file.
type YAMLConfig struct {
	Server    ServerConfig                 `yaml:"server" mapstructure:"server"`
	Auth      AuthConfig                   `yaml:"auth" mapstructure:"auth"`
	Store     StoreConfig                  `yaml:"store" mapstructure:"store"`
	RateLimit RateLimitConfig              `yaml:"rate_limit" mapstructure:"rate_limit"`
	Usage     UsageConfig                  `yaml:"usage" mapstructure:"usage"`
	Alerts    AlertsConfig                 `yaml:"alerts" mapstructure:"alerts"`
	MCP       MCPConfig                    `yaml:"mcp" mapstructure:"mcp"`
	Logging   LoggingConfig                `yaml:"logging" mapstructure:"logging"`
	Templates map[string]model.TemplateDef `yaml:"templates,omitempty" mapstructure:"templates"`
}

// ServerConfig controls the HTTP server behavior.
type ServerConfig struct {
	Host            string     `yaml:"host" mapstructure:"host"`
	Port            int        `yaml:"port" mapstructure:"port"`
	ShutdownTimeout string     `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	DemoRoutes      bool       `yaml:"demo_routes" mapstructure:"demo_routes"`
	CORS            CORSConfig `yaml:"cors" mapstructure:"cors"`
}

// CORSConfig controls cross-origin resource sharing settings.
type CORSConfig struct {
	Origins []string `yaml:"origins" mapstructure:"origins"`
	Methods []string `yaml:"methods" mapstructure:"methods"`
}

// AuthConfig controls admin sessions and where API keys are read from.
type AuthConfig struct {
	JWTSecret          string `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	JWTExpiry          string `yaml:"jwt_expiry" mapstructure:"jwt_expiry"`
	APIKeyHeader       string `yaml:"api_key_header" mapstructure:"api_key_header"`
	LoginRatePerMinute int    `yaml:"login_rate_per_minute" mapstructure:"login_rate_per_minute"`
}

// StoreConfig selects the engine behind the persistent store.
type StoreConfig struct {
	Driver  string `yaml:"driver" mapstructure:"driver"`
	DSN     string `yaml:"dsn" mapstructure:"dsn"`
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`
}

// RateLimitConfig selects the sliding window backend.
type RateLimitConfig struct {
	Backend string      `yaml:"backend" mapstructure:"backend"` // memory or redis
	Window  string      `yaml:"window" mapstructure:"window"` // span counted over; per-minute limits scale to it
	Redis   RedisConfig `yaml:"redis" mapstructure:"redis"`
}

// RedisConfig configures the shared rate limit backend and its breaker.
type RedisConfig struct {
	Address          string `yaml:"address" mapstructure:"address"`
	Password         string `yaml:"password" mapstructure:"password"`
	DB               int    `yaml:"db" mapstructure:"db"`
	Prefix           string `yaml:"prefix" mapstructure:"prefix"`
	BreakerThreshold int    `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerTimeout   string `yaml:"breaker_timeout" mapstructure:"breaker_timeout"`
}

// UsageConfig tunes the asynchronous usage recorder.
type UsageConfig struct {
	BufferSize    int    `yaml:"buffer_size" mapstructure:"buffer_size"`
	BatchSize     int    `yaml:"batch_size" mapstructure:"batch_size"`
	FlushInterval string `yaml:"flush_interval" mapstructure:"flush_interval"`
	RetentionDays int    `yaml:"retention_days" mapstructure:"retention_days"`
}

// AlertsConfig controls the periodic alert evaluation.
type AlertsConfig struct {
	Interval       string `yaml:"interval" mapstructure:"interval"`
	Window         string `yaml:"window" mapstructure:"window"`
	WebhookURL     string `yaml:"webhook_url" mapstructure:"webhook_url"`
	WebhookTimeout string `yaml:"webhook_timeout" mapstructure:"webhook_timeout"`
}

// MCPConfig controls the MCP (Model Context Protocol) server.
type MCPConfig struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	Transport   string `yaml:"transport" mapstructure:"transport"`
	AllowRevoke bool   `yaml:"allow_revoke" mapstructure:"allow_revoke"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// LoadYAMLConfig reads and parses a YAML configuration file on top of the
// defaults. Environment variables referenced as ${VAR_NAME} in the file are
// expanded before parsing.
func LoadYAMLConfig(path string) (*YAMLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables: ${VAR_NAME}
	content := os.ExpandEnv(string(data))

	cfg := DefaultYAMLConfig()
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// Load resolves the effective configuration from v, which already carries the
// config file, VALVE_* environment variables and bound flags. Values missing
// everywhere fall back to DefaultYAMLConfig.
func Load(v *viper.Viper) (*YAMLConfig, error) {
	cfg := DefaultYAMLConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SetDefaults registers every default with v so environment variables
// override nested keys even when no config file is present.
func SetDefaults(v *viper.Viper) {
	d := DefaultYAMLConfig()
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.demo_routes", d.Server.DemoRoutes)
	v.SetDefault("server.cors.origins", d.Server.CORS.Origins)
	v.SetDefault("server.cors.methods", d.Server.CORS.Methods)
	v.SetDefault("auth.jwt_secret", d.Auth.JWTSecret)
	v.SetDefault("auth.jwt_expiry", d.Auth.JWTExpiry)
	v.SetDefault("auth.api_key_header", d.Auth.APIKeyHeader)
	v.SetDefault("auth.login_rate_per_minute", d.Auth.LoginRatePerMinute)
	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.dsn", d.Store.DSN)
	v.SetDefault("store.data_dir", d.Store.DataDir)
	v.SetDefault("rate_limit.backend", d.RateLimit.Backend)
	v.SetDefault("rate_limit.window", d.RateLimit.Window)
	v.SetDefault("rate_limit.redis.address", d.RateLimit.Redis.Address)
	v.SetDefault("rate_limit.redis.password", d.RateLimit.Redis.Password)
	v.SetDefault("rate_limit.redis.db", d.RateLimit.Redis.DB)
	v.SetDefault("rate_limit.redis.prefix", d.RateLimit.Redis.Prefix)
	v.SetDefault("rate_limit.redis.breaker_threshold", d.RateLimit.Redis.BreakerThreshold)
	v.SetDefault("rate_limit.redis.breaker_timeout", d.RateLimit.Redis.BreakerTimeout)
	v.SetDefault("usage.buffer_size", d.Usage.BufferSize)
	v.SetDefault("usage.batch_size", d.Usage.BatchSize)
	v.SetDefault("usage.flush_interval", d.Usage.FlushInterval)
	v.SetDefault("usage.retention_days", d.Usage.RetentionDays)
	v.SetDefault("alerts.interval", d.Alerts.Interval)
	v.SetDefault("alerts.window", d.Alerts.Window)
	v.SetDefault("alerts.webhook_url", d.Alerts.WebhookURL)
	v.SetDefault("alerts.webhook_timeout", d.Alerts.WebhookTimeout)
	v.SetDefault("mcp.enabled", d.MCP.Enabled)
	v.SetDefault("mcp.transport", d.MCP.Transport)
	v.SetDefault("mcp.allow_revoke", d.MCP.AllowRevoke)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// Validate checks values that cannot be repaired by falling back to a default.
func (c *YAMLConfig) Validate() error {
	durations := map[string]string{
		"server.shutdown_timeout":          c.Server.ShutdownTimeout,
		"auth.jwt_expiry":                  c.Auth.JWTExpiry,
		"rate_limit.window":                c.RateLimit.Window,
		"rate_limit.redis.breaker_timeout": c.RateLimit.Redis.BreakerTimeout,
		"usage.flush_interval":             c.Usage.FlushInterval,
		"alerts.interval":                  c.Alerts.Interval,
		"alerts.window":                    c.Alerts.Window,
		"alerts.webhook_timeout":           c.Alerts.WebhookTimeout,
	}
	for name, val := range durations {
		if val == "" {
			continue
		}
		if d, err := time.ParseDuration(val); err != nil || d < 0 {
			return fmt.Errorf("config %s: invalid duration %q", name, val)
		}
	}
	if w := Duration(c.RateLimit.Window, time.Minute); w < time.Second {
		return fmt.Errorf("config rate_limit.window must be at least 1s, got %q", c.RateLimit.Window)
	}
	switch c.RateLimit.Backend {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("config rate_limit.backend: unknown backend %q (want memory or redis)", c.RateLimit.Backend)
	}
	if c.RateLimit.Backend == "redis" && c.RateLimit.Redis.Address == "" {
		return fmt.Errorf("config rate_limit.redis.address is required for the redis backend")
	}
	if _, err := lookupDialect(c.Store.Driver); err != nil {
		return fmt.Errorf("config store.driver: %w", err)
	}
	if c.Usage.RetentionDays < 0 {
		return fmt.Errorf("config usage.retention_days must not be negative")
	}
	return nil
}

// Duration parses a duration value that Validate has already accepted,
// falling back to def when it is empty.
func Duration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

// DefaultYAMLConfig returns a YAMLConfig pre-filled with sensible defaults.
func DefaultYAMLConfig() *YAMLConfig {
	return &YAMLConfig{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: "30s",
			CORS: CORSConfig{
				Origins: []string{"*"},
				Methods: []string{"GET", "POST", "PUT", "PATCH", "DELETE"},
			},
		},
		Auth: AuthConfig{
			JWTExpiry:          "1h",
			APIKeyHeader:       "X-API-Key",
			LoginRatePerMinute: 10,
		},
		Store: StoreConfig{
			Driver: "sqlite",
		},
		RateLimit: RateLimitConfig{
			Backend: "memory",
			Window:  "1m",
			Redis: RedisConfig{
				Prefix:           "valve:rl:",
				BreakerThreshold: 5,
				BreakerTimeout:   "30s",
			},
		},
		Usage: UsageConfig{
			BufferSize:    4096,
			BatchSize:     100,
			FlushInterval: "1s",
			RetentionDays: 90,
		},
		Alerts: AlertsConfig{
			Interval:       "1m",
			Window:         "1m",
			WebhookTimeout: "10s",
		},
		MCP: MCPConfig{
			Enabled:   true,
			Transport: "stdio",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// WriteDefaultConfig writes the default configuration to a YAML file.
func WriteDefaultConfig(path string) error {
	cfg := DefaultYAMLConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
