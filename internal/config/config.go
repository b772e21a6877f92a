// File: internal/config/config.go
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Browser   BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	Pool      PoolConfig      `mapstructure:"pool" yaml:"pool"`
	Events    EventsConfig    `mapstructure:"events" yaml:"events"`
	Resources ResourcesConfig `mapstructure:"resources" yaml:"resources"`
	Convert   ConvertConfig   `mapstructure:"convert" yaml:"convert"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// BrowserConfig describes the remote browser endpoint. Pagecast never spawns
// a browser process; it attaches to an already-running DevTools endpoint.
type BrowserConfig struct {
	// RemoteURL is the browser-level DevTools websocket endpoint,
	// e.g. ws://127.0.0.1:9222/devtools/browser/<id>.
	RemoteURL string `mapstructure:"remote_url" yaml:"remote_url"`
}

// PoolConfig tunes the bounded CDP connection pool.
type PoolConfig struct {
	MaxConnections      int           `mapstructure:"max_connections" yaml:"max_connections"`
	ConnectionTimeout   time.Duration `mapstructure:"connection_timeout" yaml:"connection_timeout"`
	IdleTimeout         time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	EnableHealthChecks  bool          `mapstructure:"enable_health_checks" yaml:"enable_health_checks"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval" yaml:"health_check_interval"`
}

// EventsConfig tunes the protocol event bus.
type EventsConfig struct {
	MaxHistorySize int `mapstructure:"max_history_size" yaml:"max_history_size"`
}

// ResourcesConfig tunes the resource lifecycle manager.
type ResourcesConfig struct {
	MaxCleanupAttempts int           `mapstructure:"max_cleanup_attempts" yaml:"max_cleanup_attempts"`
	CleanupBaseDelay   time.Duration `mapstructure:"cleanup_base_delay" yaml:"cleanup_base_delay"`
}

// ConvertConfig holds settings for the document conversion pipeline.
type ConvertConfig struct {
	Format            string        `mapstructure:"format" yaml:"format"`
	OutputDir         string        `mapstructure:"output_dir" yaml:"output_dir"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	Concurrency       int           `mapstructure:"concurrency" yaml:"concurrency"`
	// RateLimit caps conversions per second when running a batch. Zero
	// disables the limiter.
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "pagecast-cli")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Browser --
	v.SetDefault("browser.remote_url", "ws://127.0.0.1:9222/devtools/browser")

	// -- Pool --
	v.SetDefault("pool.max_connections", 5)
	v.SetDefault("pool.connection_timeout", "30s")
	v.SetDefault("pool.idle_timeout", "300s")
	v.SetDefault("pool.enable_health_checks", true)
	v.SetDefault("pool.health_check_interval", "60s")

	// -- Events --
	v.SetDefault("events.max_history_size", 1000)

	// -- Resources --
	v.SetDefault("resources.max_cleanup_attempts", 3)
	v.SetDefault("resources.cleanup_base_delay", "1s")

	// -- Convert --
	v.SetDefault("convert.format", "pdf")
	v.SetDefault("convert.output_dir", ".")
	v.SetDefault("convert.navigation_timeout", "90s")
	v.SetDefault("convert.concurrency", 2)
	v.SetDefault("convert.rate_limit", 0.0)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Browser.RemoteURL == "" {
		return fmt.Errorf("browser.remote_url is a required configuration field")
	}
	u, err := url.Parse(c.Browser.RemoteURL)
	if err != nil {
		return fmt.Errorf("browser.remote_url is not a valid URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("browser.remote_url must use the ws:// or wss:// scheme, got %q", u.Scheme)
	}
	if c.Pool.MaxConnections <= 0 {
		return fmt.Errorf("pool.max_connections must be a positive integer")
	}
	if c.Pool.ConnectionTimeout <= 0 {
		return fmt.Errorf("pool.connection_timeout must be a positive duration")
	}
	if c.Pool.EnableHealthChecks && c.Pool.HealthCheckInterval <= 0 {
		return fmt.Errorf("pool.health_check_interval must be a positive duration when health checks are enabled")
	}
	if c.Events.MaxHistorySize < 0 {
		return fmt.Errorf("events.max_history_size must not be negative")
	}
	if c.Resources.MaxCleanupAttempts <= 0 {
		return fmt.Errorf("resources.max_cleanup_attempts must be a positive integer")
	}
	if err := c.Convert.Validate(); err != nil {
		return fmt.Errorf("convert configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the conversion settings.
func (c *ConvertConfig) Validate() error {
	switch c.Format {
	case "pdf", "png", "mhtml":
	default:
		return fmt.Errorf("format must be one of pdf, png, mhtml; got %q", c.Format)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be a positive integer")
	}
	if c.NavigationTimeout <= 0 {
		return fmt.Errorf("navigation_timeout must be a positive duration")
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate_limit must not be negative")
	}
	return nil
}
