package config

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
	"gopkg.in/yaml.v3"
)

// Config represents the relay configuration
type Config struct {
	Source      SourceConfig      `yaml:"source"`
	Destination DestinationConfig `yaml:"destination"`
	Tailing     TailingConfig     `yaml:"tailing"`
	Stats       StatsConfig       `yaml:"stats"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     *MetricsConfig    `yaml:"metrics,omitempty"`
	Health      *HealthConfig     `yaml:"health,omitempty"`
	Tracing     *TracingConfig    `yaml:"tracing,omitempty"`
	Shutdown    ShutdownConfig    `yaml:"shutdown"`
	PIDFile     string            `yaml:"pid_file,omitempty"`
}

// SourceConfig describes the watched log file
type SourceConfig struct {
	Path     string `yaml:"path"`
	Encoding string `yaml:"encoding"`
}

// DestinationConfig describes the UDP collector and per-datagram limits
type DestinationConfig struct {
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	BufferSize    int           `yaml:"buffer_size"`
	SendTimeout   time.Duration `yaml:"send_timeout"`
	MaxLineLength int           `yaml:"max_line_length"`
	RateLimit     int           `yaml:"rate_limit,omitempty"` // datagrams per second, 0 = unlimited
}

// TailingConfig holds poll and rotation settings
type TailingConfig struct {
	PollInterval          time.Duration `yaml:"poll_interval"`
	RotationCheckInterval time.Duration `yaml:"rotation_check_interval"`
	Retry                 RetryConfig   `yaml:"retry"`
	WatchEvents           bool          `yaml:"watch_events,omitempty"`
}

// RetryConfig holds rotation recovery backoff settings
type RetryConfig struct {
	Attempts     int           `yaml:"attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Jitter       bool          `yaml:"jitter,omitempty"`
}

// StatsConfig holds statistics reporting settings
type StatsConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // json or console
	File       string `yaml:"file,omitempty"`
	FileLevel  string `yaml:"file_level,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path,omitempty"`
	Pprof   bool   `yaml:"pprof,omitempty"`
}

// HealthConfig holds health check configuration
type HealthConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Address    string        `yaml:"address"`
	StaleAfter time.Duration `yaml:"stale_after,omitempty"`
	Timeout    time.Duration `yaml:"timeout,omitempty"`
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint,omitempty"`
	SampleRate float64 `yaml:"sample_rate,omitempty"`
}

// ShutdownConfig bounds the cleanup phase
type ShutdownConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// Default values
const (
	DefaultSourcePath            = "/var/log/app.log"
	DefaultEncoding              = "utf-8"
	DefaultHost                  = "127.0.0.1"
	DefaultPort                  = 514
	DefaultBufferSize            = 1024
	DefaultSendTimeout           = 1 * time.Second
	DefaultMaxLineLength         = 8192
	DefaultPollInterval          = 100 * time.Millisecond
	DefaultRotationCheckInterval = 1 * time.Second
	DefaultRetryAttempts         = 5
	DefaultRetryDelay            = 1 * time.Second
	DefaultRetryMultiplier       = 1.5
	DefaultRetryMaxDelay         = 5 * time.Second
	DefaultStatsInterval         = 60 * time.Second
	DefaultLogLevel              = "info"
	DefaultLogFormat             = "json"
	DefaultLogMaxSizeMB          = 10
	DefaultLogMaxBackups         = 5
	DefaultShutdownTimeout       = 10 * time.Second
	DefaultMetricsAddress        = ":9091"
	DefaultHealthAddress         = ":8081"
)

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Source: SourceConfig{
			Path:     DefaultSourcePath,
			Encoding: DefaultEncoding,
		},
		Destination: DestinationConfig{
			Host:          DefaultHost,
			Port:          DefaultPort,
			BufferSize:    DefaultBufferSize,
			SendTimeout:   DefaultSendTimeout,
			MaxLineLength: DefaultMaxLineLength,
		},
		Tailing: TailingConfig{
			PollInterval:          DefaultPollInterval,
			RotationCheckInterval: DefaultRotationCheckInterval,
			Retry: RetryConfig{
				Attempts:     DefaultRetryAttempts,
				InitialDelay: DefaultRetryDelay,
				Multiplier:   DefaultRetryMultiplier,
				MaxDelay:     DefaultRetryMaxDelay,
			},
		},
		Stats: StatsConfig{Interval: DefaultStatsInterval},
		Logging: LoggingConfig{
			Level:      DefaultLogLevel,
			Format:     DefaultLogFormat,
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
		},
		Shutdown: ShutdownConfig{Timeout: DefaultShutdownTimeout},
	}
}

// Load loads configuration from a YAML file with environment variable expansion.
// Keys missing from the file keep their defaults. The result is not validated
// so environment and flag overrides can still correct it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := []byte(os.ExpandEnv(string(data)))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(expandedData, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()

	return cfg, nil
}

// applyDefaults fills optional sections that were enabled without details
func (c *Config) applyDefaults() {
	if c.Source.Encoding == "" {
		c.Source.Encoding = DefaultEncoding
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Metrics != nil && c.Metrics.Address == "" {
		c.Metrics.Address = DefaultMetricsAddress
	}
	if c.Health != nil && c.Health.Address == "" {
		c.Health.Address = DefaultHealthAddress
	}
	if c.Shutdown.Timeout == 0 {
		c.Shutdown.Timeout = DefaultShutdownTimeout
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Source.Path == "" {
		return fmt.Errorf("source path is required")
	}
	if _, err := LookupEncoding(c.Source.Encoding); err != nil {
		return err
	}

	if err := validatePort(c.Destination.Port); err != nil {
		return err
	}
	if c.Destination.Host == "" {
		return fmt.Errorf("destination host is required")
	}
	if c.Destination.BufferSize < 1 {
		return fmt.Errorf("invalid buffer size: %d", c.Destination.BufferSize)
	}
	if c.Destination.MaxLineLength < 1 {
		return fmt.Errorf("invalid max line length: %d", c.Destination.MaxLineLength)
	}
	if c.Destination.SendTimeout <= 0 {
		return fmt.Errorf("send timeout must be positive")
	}
	if c.Destination.RateLimit < 0 {
		return fmt.Errorf("invalid rate limit: %d", c.Destination.RateLimit)
	}

	if c.Tailing.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.Tailing.RotationCheckInterval <= 0 {
		return fmt.Errorf("rotation check interval must be positive")
	}
	if c.Tailing.Retry.Attempts < 1 {
		return fmt.Errorf("rotation retry attempts must be at least 1")
	}
	if c.Tailing.Retry.InitialDelay < 0 {
		return fmt.Errorf("rotation retry delay must not be negative")
	}
	if c.Tailing.Retry.Multiplier < 1 {
		return fmt.Errorf("rotation retry multiplier must be >= 1, got %v", c.Tailing.Retry.Multiplier)
	}
	if c.Stats.Interval <= 0 {
		return fmt.Errorf("stats interval must be positive")
	}

	if err := validateLogging(c.Logging); err != nil {
		return err
	}

	if c.Tracing != nil && (c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1) {
		return fmt.Errorf("invalid tracing sample rate: %v", c.Tracing.SampleRate)
	}

	return nil
}

// LookupEncoding checks that name is an IANA charset the tailer can decode.
// Lines are split on 0x0A, so the charset must encode "\n" as that byte.
func LookupEncoding(name string) (string, error) {
	if name == "" {
		return DefaultEncoding, nil
	}
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil {
		return "", fmt.Errorf("unknown source encoding %q: %w", name, err)
	}
	if enc == nil || !newlineCompatible(enc) {
		return "", fmt.Errorf("unsupported source encoding %q", name)
	}
	return name, nil
}

func newlineCompatible(enc encoding.Encoding) bool {
	nl, err := enc.NewEncoder().Bytes([]byte("\n"))
	return err == nil && len(nl) == 1 && nl[0] == '\n'
}

func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid UDP port: %d", port)
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[l.Level] {
		return fmt.Errorf("invalid log level: %s", l.Level)
	}
	if l.FileLevel != "" && !validLogLevels[l.FileLevel] {
		return fmt.Errorf("invalid file log level: %s", l.FileLevel)
	}

	validLogFormats := map[string]bool{
		"json": true, "console": true,
	}
	if !validLogFormats[l.Format] {
		return fmt.Errorf("invalid log format: %s", l.Format)
	}
	return nil
}
