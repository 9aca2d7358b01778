package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/foxzi/drip/internal/delay"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	API       APIConfig       `yaml:"api"`
	Storage   StorageConfig   `yaml:"storage"`
	Campaigns CampaignsConfig `yaml:"campaigns"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Inbound   InboundConfig   `yaml:"inbound"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig contains server-wide settings
type ServerConfig struct {
	Hostname string `yaml:"hostname"`
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	APIKey         string        `yaml:"api_key"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"` // Max HTTP header size (default: 1MB)
	ReadTimeout    time.Duration `yaml:"read_timeout"`     // HTTP read timeout (default: 30s)
	WriteTimeout   time.Duration `yaml:"write_timeout"`    // HTTP write timeout (default: 30s)
	IdleTimeout    time.Duration `yaml:"idle_timeout"`     // HTTP idle timeout (default: 60s)
	AllowedIPs     []string      `yaml:"allowed_ips"`      // IP addresses/CIDRs allowed to access API (empty = allow all)
	TrustProxy     bool          `yaml:"trust_proxy"`      // Take the client address from X-Forwarded-For / X-Real-IP
}

// StorageConfig contains follow-up storage settings
type StorageConfig struct {
	Path string `yaml:"path"` // BoltDB file for follow-ups and their message log
}

// CampaignsConfig contains campaign store settings
type CampaignsConfig struct {
	DatabasePath string `yaml:"database_path"` // SQLite file
	ImportFile   string `yaml:"import_file"`   // Optional YAML file imported on startup
}

// SchedulerConfig contains scheduler and step processor settings
type SchedulerConfig struct {
	DefaultWait     time.Duration `yaml:"default_wait"`     // Fallback for malformed wait durations (default: 30m)
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"` // Per-send timeout (default: 30s)
	StartupTimeout  time.Duration `yaml:"startup_timeout"`  // Max wait for stores before recovery (default: 10s)
	RecentMessages  int           `yaml:"recent_messages"`  // Messages returned by status (default: 10)
}

// DispatchConfig selects and configures the outbound message driver
type DispatchConfig struct {
	Driver  string                `yaml:"driver"` // http, smtp or sandbox
	HTTP    HTTPDispatchConfig    `yaml:"http"`
	SMTP    SMTPDispatchConfig    `yaml:"smtp"`
	Sandbox SandboxDispatchConfig `yaml:"sandbox"`
}

// HTTPDispatchConfig contains messaging platform API settings
type HTTPDispatchConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// SMTPDispatchConfig contains outbound email settings
type SMTPDispatchConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	From            string        `yaml:"from"`
	Subject         string        `yaml:"subject"`
	RecipientDomain string        `yaml:"recipient_domain"` // Appended to client IDs without '@'
	TLS             string        `yaml:"tls"`              // none, starttls or implicit
	Timeout         time.Duration `yaml:"timeout"`
	DKIM            DKIMConfig    `yaml:"dkim"`
}

// DKIMConfig contains DKIM signing settings for outbound email
type DKIMConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Domain   string `yaml:"domain"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
}

// SandboxDispatchConfig captures messages instead of sending them
type SandboxDispatchConfig struct {
	SimulateErrors   bool    `yaml:"simulate_errors"`
	ErrorProbability float64 `yaml:"error_probability"` // 0.0 to 1.0
}

// InboundConfig contains client reply listeners
type InboundConfig struct {
	SMTP InboundSMTPConfig `yaml:"smtp"`
	AMQP AMQPConfig        `yaml:"amqp"`
}

// InboundSMTPConfig contains settings of the reply-by-email listener
type InboundSMTPConfig struct {
	Enabled         bool          `yaml:"enabled"`
	ListenAddr      string        `yaml:"listen_addr"`
	Domain          string        `yaml:"domain"`
	RecipientDomain string        `yaml:"recipient_domain"` // Stripped from sender addresses to get the client ID
	MaxMessageBytes int           `yaml:"max_message_bytes"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	Auth            AuthConfig    `yaml:"auth"`
	AllowedIPs      []string      `yaml:"allowed_ips"`
}

// AuthConfig contains SMTP authentication settings
type AuthConfig struct {
	Required bool              `yaml:"required"`
	Users    map[string]string `yaml:"users"` // username -> password
}

// AMQPConfig contains the reply queue consumer settings
type AMQPConfig struct {
	Enabled     bool          `yaml:"enabled"`
	URL         string        `yaml:"url"`
	Queue       string        `yaml:"queue"`
	ConsumerTag string        `yaml:"consumer_tag"`
	Prefetch    int           `yaml:"prefetch"`
	RetryDelay  time.Duration `yaml:"retry_delay"` // Delay between reconnect attempts
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string  `yaml:"level"`
	Format string  `yaml:"format"`
	File   LogFile `yaml:"file"`
}

// LogFile configures an optional rotating log file
type LogFile struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr"`    // Default: :9090
	Path          string        `yaml:"path"`           // Default: /metrics
	FlushInterval time.Duration `yaml:"flush_interval"` // Default: 10s
	AllowedIPs    []string      `yaml:"allowed_ips"`    // IP addresses/CIDRs allowed to access metrics
}

// Environment variables that override secrets from the file
const (
	EnvAPIKey         = "DRIP_API_KEY"
	EnvDispatchAPIKey = "DRIP_DISPATCH_API_KEY"
	EnvSMTPPassword   = "DRIP_SMTP_PASSWORD"
	EnvAMQPURL        = "DRIP_AMQP_URL"
)

// Load reads configuration from file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadDotEnv loads environment variables from a .env file. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.Hostname == "" {
		hostname, _ := os.Hostname()
		c.Server.Hostname = hostname
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/drip/followups.db"
	}
	if c.Campaigns.DatabasePath == "" {
		c.Campaigns.DatabasePath = "/var/lib/drip/campaigns.db"
	}

	if c.Scheduler.DefaultWait == 0 {
		c.Scheduler.DefaultWait = delay.DefaultWait
	}
	if c.Scheduler.DispatchTimeout == 0 {
		c.Scheduler.DispatchTimeout = 30 * time.Second
	}
	if c.Scheduler.StartupTimeout == 0 {
		c.Scheduler.StartupTimeout = 10 * time.Second
	}
	if c.Scheduler.RecentMessages == 0 {
		c.Scheduler.RecentMessages = 10
	}

	if c.Dispatch.Driver == "" {
		c.Dispatch.Driver = "sandbox"
	}
	if c.Dispatch.HTTP.Timeout == 0 {
		c.Dispatch.HTTP.Timeout = 30 * time.Second
	}
	if c.Dispatch.SMTP.Port == 0 {
		c.Dispatch.SMTP.Port = 587
	}
	if c.Dispatch.SMTP.TLS == "" {
		c.Dispatch.SMTP.TLS = "starttls"
	}
	if c.Dispatch.SMTP.Timeout == 0 {
		c.Dispatch.SMTP.Timeout = 30 * time.Second
	}
	if c.Dispatch.SMTP.DKIM.Selector == "" {
		c.Dispatch.SMTP.DKIM.Selector = "drip"
	}
	if c.Dispatch.Sandbox.ErrorProbability == 0 {
		c.Dispatch.Sandbox.ErrorProbability = 0.1
	}

	if c.Inbound.SMTP.ListenAddr == "" {
		c.Inbound.SMTP.ListenAddr = ":2525"
	}
	if c.Inbound.SMTP.Domain == "" {
		c.Inbound.SMTP.Domain = c.Server.Hostname
	}
	if c.Inbound.SMTP.MaxMessageBytes == 0 {
		c.Inbound.SMTP.MaxMessageBytes = 1024 * 1024 // 1MB
	}
	if c.Inbound.SMTP.ReadTimeout == 0 {
		c.Inbound.SMTP.ReadTimeout = 60 * time.Second
	}
	if c.Inbound.SMTP.WriteTimeout == 0 {
		c.Inbound.SMTP.WriteTimeout = 60 * time.Second
	}

	if c.Inbound.AMQP.Queue == "" {
		c.Inbound.AMQP.Queue = "drip.replies"
	}
	if c.Inbound.AMQP.ConsumerTag == "" {
		c.Inbound.AMQP.ConsumerTag = "drip"
	}
	if c.Inbound.AMQP.Prefetch == 0 {
		c.Inbound.AMQP.Prefetch = 16
	}
	if c.Inbound.AMQP.RetryDelay == 0 {
		c.Inbound.AMQP.RetryDelay = 5 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.File.MaxSizeMB == 0 {
		c.Logging.File.MaxSizeMB = 100
	}
	if c.Logging.File.MaxBackups == 0 {
		c.Logging.File.MaxBackups = 3
	}
	if c.Logging.File.MaxAgeDays == 0 {
		c.Logging.File.MaxAgeDays = 28
	}

	// Metrics defaults
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}
}

// applyEnv overrides secrets with environment variables when set
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.API.APIKey = v
	}
	if v := os.Getenv(EnvDispatchAPIKey); v != "" {
		c.Dispatch.HTTP.APIKey = v
	}
	if v := os.Getenv(EnvSMTPPassword); v != "" {
		c.Dispatch.SMTP.Password = v
	}
	if v := os.Getenv(EnvAMQPURL); v != "" {
		c.Inbound.AMQP.URL = v
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	if c.Scheduler.DefaultWait < 0 || c.Scheduler.DispatchTimeout < 0 {
		return fmt.Errorf("scheduler durations must not be negative")
	}

	if err := c.validateDispatch(); err != nil {
		return err
	}

	if c.Inbound.SMTP.Enabled && c.Inbound.SMTP.Auth.Required && len(c.Inbound.SMTP.Auth.Users) == 0 {
		return fmt.Errorf("inbound.smtp.auth.users must not be empty when auth is required")
	}

	if c.Inbound.AMQP.Enabled && c.Inbound.AMQP.URL == "" {
		return fmt.Errorf("inbound.amqp.url is required when AMQP is enabled")
	}

	return nil
}

// validateDispatch validates the selected dispatch driver
func (c *Config) validateDispatch() error {
	d := c.Dispatch
	switch d.Driver {
	case "http":
		if d.HTTP.URL == "" {
			return fmt.Errorf("dispatch.http.url is required for the http driver")
		}
	case "smtp":
		if d.SMTP.Host == "" {
			return fmt.Errorf("dispatch.smtp.host is required for the smtp driver")
		}
		if d.SMTP.From == "" {
			return fmt.Errorf("dispatch.smtp.from is required for the smtp driver")
		}
		validTLS := map[string]bool{"none": true, "starttls": true, "implicit": true}
		if !validTLS[d.SMTP.TLS] {
			return fmt.Errorf("invalid dispatch.smtp.tls: %s (must be none, starttls, or implicit)", d.SMTP.TLS)
		}
		if d.SMTP.DKIM.Enabled && (d.SMTP.DKIM.Domain == "" || d.SMTP.DKIM.KeyFile == "") {
			return fmt.Errorf("dispatch.smtp.dkim.domain and key_file are required when DKIM is enabled")
		}
	case "sandbox":
		if d.Sandbox.ErrorProbability < 0 || d.Sandbox.ErrorProbability > 1 {
			return fmt.Errorf("dispatch.sandbox.error_probability must be between 0 and 1")
		}
	default:
		return fmt.Errorf("invalid dispatch.driver: %s (must be http, smtp, or sandbox)", d.Driver)
	}
	return nil
}
