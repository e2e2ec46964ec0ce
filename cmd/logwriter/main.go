package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/therealutkarshpriyadarshi/logrelay/internal/logging"
)

// Rotation modes
const (
	modeRename   = "rename"
	modeTruncate = "truncate"
	modeDelete   = "delete"
	modeNone     = "none"
)

type options struct {
	rate        float64
	rotateEvery int
	mode        string
	total       int
	prefix      string
}

func main() {
	opts := options{}

	root := &cobra.Command{
		Use:   "logwriter FILE",
		Short: "Append numbered lines to a file and rotate it, for exercising the relay",
		Example: strings.TrimSpace(`
  logwriter /tmp/app.log --rate 50 --rotate-every 100 --mode rename
  logwriter /tmp/app.log --mode truncate --total 1000`),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch opts.mode {
			case modeRename, modeTruncate, modeDelete, modeNone:
			default:
				return fmt.Errorf("unknown rotation mode %q", opts.mode)
			}
			if opts.rate <= 0 {
				return fmt.Errorf("rate must be positive")
			}

			logger := logging.New(logging.Config{Level: "info", Format: "console", Output: os.Stderr})
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return write(ctx, args[0], opts, logger)
		},
		SilenceUsage: true,
	}

	f := root.Flags()
	f.Float64Var(&opts.rate, "rate", 100, "lines per second")
	f.IntVar(&opts.rotateEvery, "rotate-every", 50, "rotate after this many lines, 0 to never rotate")
	f.StringVar(&opts.mode, "mode", modeRename, "rotation mode: rename, truncate, delete or none")
	f.IntVar(&opts.total, "total", 150, "lines to write, 0 to run until interrupted")
	f.StringVar(&opts.prefix, "prefix", "line", "line prefix")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func write(ctx context.Context, path string, opts options, logger *logging.Logger) error {
	limiter := rate.NewLimiter(rate.Limit(opts.rate), 1)

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer func() { file.Close() }()

	rotations := 0
	for i := 0; opts.total == 0 || i < opts.total; i++ {
		if err := limiter.Wait(ctx); err != nil {
			break
		}

		if opts.rotateEvery > 0 && i > 0 && i%opts.rotateEvery == 0 && opts.mode != modeNone {
			rotations++
			file, err = rotate(file, path, opts.mode, rotations)
			if err != nil {
				return err
			}
			logger.Info().Str("mode", opts.mode).Int("line", i).Int("rotation", rotations).Msg("Rotated")
		}

		if _, err := fmt.Fprintf(file, "%s%d %s\n", opts.prefix, i, time.Now().Format(time.RFC3339Nano)); err != nil {
			return err
		}
	}

	logger.Info().Int("rotations", rotations).Msg("Done")
	return nil
}

// rotate returns the file to keep writing to
func rotate(file *os.File, path, mode string, n int) (*os.File, error) {
	switch mode {
	case modeTruncate:
		if err := file.Truncate(0); err != nil {
			return nil, err
		}
		return file, nil
	case modeRename:
		if err := os.Rename(path, fmt.Sprintf("%s.%d", path, n)); err != nil {
			return nil, err
		}
	case modeDelete:
		if err := os.Remove(path); err != nil {
			return nil, err
		}
	}

	file.Close()
	return os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
}
