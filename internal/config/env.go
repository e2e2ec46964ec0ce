package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LookupFunc matches os.LookupEnv so tests can supply a fake environment.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays the relay environment variables onto cfg.
// Values are skipped for flags present in changed, so explicit flags win.
func ApplyEnv(cfg *Config, lookup LookupFunc, changed map[string]bool) error {
	s := envSetter{lookup: lookup, changed: changed}

	s.setString("file", "LOG_FILE_PATH", &cfg.Source.Path)
	s.setString("encoding", "LOG_FILE_ENCODING", &cfg.Source.Encoding)
	s.setString("host", "UDP_HOST", &cfg.Destination.Host)
	s.setString("log-file", "DAEMON_LOG_FILE", &cfg.Logging.File)
	s.setString("pid-file", "DAEMON_PID_FILE", &cfg.PIDFile)
	s.setBool("retry-jitter", "ROTATION_RETRY_JITTER", &cfg.Tailing.Retry.Jitter)

	if v, ok := s.get("log-level", "LOG_LEVEL"); ok {
		cfg.Logging.Level = normalizeLevel(v)
	}

	for _, f := range []func() error{
		func() error { return s.setInt("port", "UDP_PORT", &cfg.Destination.Port) },
		func() error { return s.setInt("buffer-size", "UDP_BUFFER_SIZE", &cfg.Destination.BufferSize) },
		func() error { return s.setInt("max-line-length", "MAX_LINE_LENGTH", &cfg.Destination.MaxLineLength) },
		func() error { return s.setInt("retry-attempts", "ROTATION_RETRY_ATTEMPTS", &cfg.Tailing.Retry.Attempts) },
		func() error { return s.setInt("log-backups", "LOG_BACKUP_COUNT", &cfg.Logging.MaxBackups) },
		func() error { return s.setDuration("poll-interval", "POLL_INTERVAL", &cfg.Tailing.PollInterval) },
		func() error {
			return s.setDuration("rotation-check-interval", "ROTATION_CHECK_INTERVAL", &cfg.Tailing.RotationCheckInterval)
		},
		func() error { return s.setDuration("retry-delay", "ROTATION_RETRY_DELAY", &cfg.Tailing.Retry.InitialDelay) },
		func() error { return s.setDuration("stats-interval", "STATS_LOG_INTERVAL", &cfg.Stats.Interval) },
		func() error { return s.setDuration("send-timeout", "UDP_SEND_TIMEOUT", &cfg.Destination.SendTimeout) },
	} {
		if err := f(); err != nil {
			return err
		}
	}

	if v, ok := s.get("log-max-bytes", "LOG_MAX_BYTES"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("parse LOG_MAX_BYTES: %w", err)
		}
		cfg.Logging.MaxSizeMB = bytesToMB(n)
	}

	return nil
}

// envSetter applies environment values while respecting flag precedence.
type envSetter struct {
	lookup  LookupFunc
	changed map[string]bool
}

func (s envSetter) get(flag, key string) (string, bool) {
	if s.changed[flag] || s.lookup == nil {
		return "", false
	}
	v, ok := s.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (s envSetter) setString(flag, key string, dst *string) {
	if v, ok := s.get(flag, key); ok {
		*dst = v
	}
}

func (s envSetter) setInt(flag, key string, dst *int) error {
	v, ok := s.get(flag, key)
	if !ok {
		return nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = i
	return nil
}

func (s envSetter) setDuration(flag, key string, dst *time.Duration) error {
	v, ok := s.get(flag, key)
	if !ok {
		return nil
	}
	d, err := ParseSeconds(v)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = d
	return nil
}

func (s envSetter) setBool(flag, key string, dst *bool) {
	if v, ok := s.get(flag, key); ok {
		*dst = strings.EqualFold(v, "true") || v == "1"
	}
}

// ParseSeconds accepts either a Go duration ("250ms") or bare seconds ("0.1").
func ParseSeconds(v string) (time.Duration, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return time.Duration(f * float64(time.Second)), nil
}

// normalizeLevel maps DEBUG/INFO/WARNING/ERROR to the zerolog names.
func normalizeLevel(v string) string {
	l := strings.ToLower(v)
	if l == "warning" {
		return "warn"
	}
	return l
}

func bytesToMB(n int64) int {
	const mb = 1 << 20
	if n <= 0 {
		return 0
	}
	return int((n + mb - 1) / mb)
}
