package config

import (
	"testing"
	"time"
)

func fakeEnv(vars map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestApplyEnv(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		changed map[string]bool
		check   func(t *testing.T, c *Config)
		wantErr bool
	}{
		{
			name: "applies original variable names",
			env: map[string]string{
				"LOG_FILE_PATH":           "/data/rawdata.log",
				"UDP_HOST":                "192.168.1.20",
				"UDP_PORT":                "5140",
				"POLL_INTERVAL":           "0.25",
				"ROTATION_CHECK_INTERVAL": "2s",
				"ROTATION_RETRY_ATTEMPTS": "7",
				"LOG_LEVEL":               "WARNING",
				"LOG_MAX_BYTES":           "10485760",
				"ROTATION_RETRY_JITTER":   "true",
			},
			check: func(t *testing.T, c *Config) {
				if c.Source.Path != "/data/rawdata.log" {
					t.Errorf("path = %s", c.Source.Path)
				}
				if c.Destination.Host != "192.168.1.20" || c.Destination.Port != 5140 {
					t.Errorf("destination = %s:%d", c.Destination.Host, c.Destination.Port)
				}
				if c.Tailing.PollInterval != 250*time.Millisecond {
					t.Errorf("poll interval = %v, want 250ms", c.Tailing.PollInterval)
				}
				if c.Tailing.RotationCheckInterval != 2*time.Second {
					t.Errorf("rotation check interval = %v", c.Tailing.RotationCheckInterval)
				}
				if c.Tailing.Retry.Attempts != 7 {
					t.Errorf("attempts = %d", c.Tailing.Retry.Attempts)
				}
				if c.Logging.Level != "warn" {
					t.Errorf("level = %s, want warn", c.Logging.Level)
				}
				if c.Logging.MaxSizeMB != 10 {
					t.Errorf("max size = %d MB, want 10", c.Logging.MaxSizeMB)
				}
				if !c.Tailing.Retry.Jitter {
					t.Error("retry jitter should be enabled")
				}
			},
		},
		{
			name:    "respects changed flags",
			env:     map[string]string{"UDP_PORT": "5140", "UDP_HOST": "env-host"},
			changed: map[string]bool{"port": true},
			check: func(t *testing.T, c *Config) {
				if c.Destination.Port != DefaultPort {
					t.Errorf("port = %d, flag should win", c.Destination.Port)
				}
				if c.Destination.Host != "env-host" {
					t.Errorf("host = %s, want env-host", c.Destination.Host)
				}
			},
		},
		{
			name:    "invalid integer",
			env:     map[string]string{"UDP_PORT": "five-one-four"},
			wantErr: true,
		},
		{
			name:    "invalid duration",
			env:     map[string]string{"POLL_INTERVAL": "soon"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			err := ApplyEnv(cfg, fakeEnv(tt.env), tt.changed)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ApplyEnv() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestParseSeconds(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"0.1", 100 * time.Millisecond},
		{"60", time.Minute},
		{"1.5s", 1500 * time.Millisecond},
	}

	for _, tt := range tests {
		got, err := ParseSeconds(tt.in)
		if err != nil {
			t.Fatalf("ParseSeconds(%q) error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseSeconds(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestReceiverConfig(t *testing.T) {
	cfg := DefaultReceiverConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default receiver config should be valid: %v", err)
	}

	env := fakeEnv(map[string]string{
		"RECEIVER_PORT":           "9514",
		"RECEIVER_SHOW_TIMESTAMP": "false",
		"RECEIVER_LOG_TO_FILE":    "true",
	})
	if err := ApplyReceiverEnv(cfg, env, nil); err != nil {
		t.Fatalf("ApplyReceiverEnv() error: %v", err)
	}

	if cfg.Port != 9514 {
		t.Errorf("port = %d, want 9514", cfg.Port)
	}
	if cfg.ShowTimestamp {
		t.Error("show timestamp should be disabled")
	}
	if cfg.Logging.File != "./logs/udp_receiver.log" {
		t.Errorf("log file = %q", cfg.Logging.File)
	}

	cfg.BufferSize = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero buffer size")
	}
}
