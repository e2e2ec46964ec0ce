package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger wraps zerolog.Logger
type Logger struct {
	zerolog.Logger
	closer io.Closer
}

// Config holds logger configuration
type Config struct {
	Level  string
	Format string // "json" or "console"
	Output io.Writer

	// File enables a size-rotated log file next to the console output.
	// The file follows FileLevel, or Level when that is empty, and the
	// console is then held at info or above.
	File       string
	FileLevel  string
	MaxSizeMB  int
	MaxBackups int
}

// ParseLevel maps a config level name to a zerolog level, defaulting to info
func ParseLevel(name string) zerolog.Level {
	switch name {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// New creates a new logger instance
func New(cfg Config) *Logger {
	consoleLevel := ParseLevel(cfg.Level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	var console io.Writer = output
	if cfg.Format == "console" {
		console = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	var writers []io.Writer
	minLevel := consoleLevel

	var closer io.Closer
	if cfg.File != "" {
		fileLevel := consoleLevel
		if cfg.FileLevel != "" {
			fileLevel = ParseLevel(cfg.FileLevel)
		}
		if consoleLevel < zerolog.InfoLevel {
			consoleLevel = zerolog.InfoLevel
		}
		minLevel = min(consoleLevel, fileLevel)

		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
		closer = rotator
		writers = append(writers, levelWriter{w: rotator, min: fileLevel})
	}
	writers = append(writers, levelWriter{w: console, min: consoleLevel})

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(minLevel).
		With().Timestamp().Logger()

	return &Logger{Logger: logger, closer: closer}
}

// Nop returns a logger that discards everything, handy in tests
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}

// Close releases the rotating file sink, if any
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// SetGlobal sets the global logger
func SetGlobal(logger *Logger) {
	log.Logger = logger.Logger
}

// WithComponent creates a child logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.Logger.With().Str("component", component).Logger(),
	}
}

// levelWriter drops events below min so each sink can have its own level.
type levelWriter struct {
	w   io.Writer
	min zerolog.Level
}

func (lw levelWriter) Write(p []byte) (int, error) {
	return lw.w.Write(p)
}

func (lw levelWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < lw.min {
		return len(p), nil
	}
	return lw.w.Write(p)
}
