package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ReceiverConfig configures the udpreceiver test sink
type ReceiverConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	BufferSize       int           `yaml:"buffer_size"`
	StatsEvery       int           `yaml:"stats_every"`
	SocketTimeout    time.Duration `yaml:"socket_timeout"`
	ShowTimestamp    bool          `yaml:"show_timestamp"`
	ShowSource       bool          `yaml:"show_source"`
	MaxMessageLength int           `yaml:"max_message_length"`
	RateLimit        int           `yaml:"rate_limit,omitempty"` // per client, messages per second
	Logging          LoggingConfig `yaml:"logging"`
}

// DefaultReceiverConfig returns the receiver defaults
func DefaultReceiverConfig() *ReceiverConfig {
	return &ReceiverConfig{
		Host:             "0.0.0.0",
		Port:             DefaultPort,
		BufferSize:       DefaultBufferSize,
		StatsEvery:       10,
		SocketTimeout:    1 * time.Second,
		ShowTimestamp:    true,
		ShowSource:       true,
		MaxMessageLength: 1000,
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Format: "console",
		},
	}
}

// LoadReceiver reads a receiver YAML file on top of the defaults
func LoadReceiver(path string) (*ReceiverConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultReceiverConfig()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// ApplyReceiverEnv overlays RECEIVER_* environment variables onto cfg
func ApplyReceiverEnv(cfg *ReceiverConfig, lookup LookupFunc, changed map[string]bool) error {
	s := envSetter{lookup: lookup, changed: changed}

	s.setString("host", "RECEIVER_HOST", &cfg.Host)
	s.setString("log-file", "RECEIVER_LOG_FILE", &cfg.Logging.File)
	if v, ok := s.get("log-level", "RECEIVER_LOG_LEVEL"); ok {
		cfg.Logging.Level = normalizeLevel(v)
	}
	s.setBool("show-timestamp", "RECEIVER_SHOW_TIMESTAMP", &cfg.ShowTimestamp)
	s.setBool("show-source", "RECEIVER_SHOW_SOURCE", &cfg.ShowSource)

	if err := s.setInt("port", "RECEIVER_PORT", &cfg.Port); err != nil {
		return err
	}
	if err := s.setInt("buffer-size", "RECEIVER_BUFFER_SIZE", &cfg.BufferSize); err != nil {
		return err
	}
	if err := s.setInt("stats-interval", "RECEIVER_STATS_INTERVAL", &cfg.StatsEvery); err != nil {
		return err
	}
	if err := s.setInt("max-message-length", "RECEIVER_MAX_MESSAGE_LENGTH", &cfg.MaxMessageLength); err != nil {
		return err
	}
	if err := s.setDuration("socket-timeout", "RECEIVER_SOCKET_TIMEOUT", &cfg.SocketTimeout); err != nil {
		return err
	}

	// RECEIVER_LOG_TO_FILE gates RECEIVER_LOG_FILE
	logToFile := cfg.Logging.File != ""
	s.setBool("log-to-file", "RECEIVER_LOG_TO_FILE", &logToFile)
	if !logToFile {
		cfg.Logging.File = ""
	} else if cfg.Logging.File == "" {
		cfg.Logging.File = "./logs/udp_receiver.log"
	}

	return nil
}

// Validate validates the receiver configuration
func (c *ReceiverConfig) Validate() error {
	if err := validatePort(c.Port); err != nil {
		return fmt.Errorf("invalid receiver port: %d", c.Port)
	}
	if c.BufferSize < 1 {
		return fmt.Errorf("invalid buffer size: %d", c.BufferSize)
	}
	if c.SocketTimeout < 0 {
		return fmt.Errorf("invalid socket timeout: %v", c.SocketTimeout)
	}
	if c.StatsEvery < 0 {
		return fmt.Errorf("invalid stats interval: %d", c.StatsEvery)
	}
	if c.MaxMessageLength < 0 {
		return fmt.Errorf("invalid max message length: %d", c.MaxMessageLength)
	}
	return validateLogging(c.Logging)
}

// Print writes a human readable dump of the receiver configuration
func (c *ReceiverConfig) Print(w io.Writer) {
	fmt.Fprintln(w, "UDP Receiver Configuration:")
	fmt.Fprintf(w, "  Host: %s\n", c.Host)
	fmt.Fprintf(w, "  Port: %d\n", c.Port)
	fmt.Fprintf(w, "  Buffer Size: %d\n", c.BufferSize)
	fmt.Fprintf(w, "  Socket Timeout: %v\n", c.SocketTimeout)
	fmt.Fprintf(w, "  Stats Interval: %d messages\n", c.StatsEvery)
	fmt.Fprintf(w, "  Log Level: %s\n", c.Logging.Level)
	fmt.Fprintf(w, "  Log to File: %t\n", c.Logging.File != "")
	if c.Logging.File != "" {
		fmt.Fprintf(w, "  Log File: %s\n", c.Logging.File)
	}
	fmt.Fprintf(w, "  Show Timestamp: %t\n", c.ShowTimestamp)
	fmt.Fprintf(w, "  Show Source Address: %t\n", c.ShowSource)
	fmt.Fprintf(w, "  Max Message Length: %d\n", c.MaxMessageLength)
}
