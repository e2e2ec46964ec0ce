package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/therealutkarshpriyadarshi/logrelay/internal/config"
	"github.com/therealutkarshpriyadarshi/logrelay/internal/logging"
	"github.com/therealutkarshpriyadarshi/logrelay/internal/receiver"
)

var exampleUsage = strings.TrimSpace(`
  udpreceiver --port 5140
  udpreceiver --host 127.0.0.1 --stats-interval 100 --log-level debug
  udpreceiver --config receiver.yaml --show-config
`)

func main() {
	var (
		cfgPath    string
		showConfig bool
		flags      = config.DefaultReceiverConfig()
		logToFile  bool
	)

	root := &cobra.Command{
		Use:     "udpreceiver",
		Short:   "Print every UDP datagram received, for testing the relay",
		Example: exampleUsage,
		RunE: func(cmd *cobra.Command, args []string) error {
			changed := map[string]bool{}
			cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

			cfg := config.DefaultReceiverConfig()
			if cfgPath != "" {
				loaded, err := config.LoadReceiver(cfgPath)
				if err != nil {
					return fmt.Errorf("failed to load configuration: %w", err)
				}
				cfg = loaded
			}

			if err := config.ApplyReceiverEnv(cfg, os.LookupEnv, changed); err != nil {
				return err
			}

			if changed["host"] {
				cfg.Host = flags.Host
			}
			if changed["port"] {
				cfg.Port = flags.Port
			}
			if changed["buffer-size"] {
				cfg.BufferSize = flags.BufferSize
			}
			if changed["stats-interval"] {
				cfg.StatsEvery = flags.StatsEvery
			}
			if changed["max-message-length"] {
				cfg.MaxMessageLength = flags.MaxMessageLength
			}
			if changed["rate-limit"] {
				cfg.RateLimit = flags.RateLimit
			}
			if changed["log-level"] {
				cfg.Logging.Level = strings.ToLower(flags.Logging.Level)
			}
			if changed["log-to-file"] && logToFile && cfg.Logging.File == "" {
				cfg.Logging.File = "./logs/udp_receiver.log"
			}

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			if showConfig {
				cfg.Print(cmd.OutOrStdout())
				return nil
			}
			return run(cmd, cfg)
		},
		SilenceUsage: true,
	}

	f := root.Flags()
	f.StringVar(&cfgPath, "config", "", "path to YAML config file")
	f.BoolVar(&showConfig, "show-config", false, "show configuration and exit")
	f.StringVar(&flags.Host, "host", flags.Host, "host to bind to")
	f.IntVar(&flags.Port, "port", flags.Port, "port to listen on")
	f.IntVar(&flags.BufferSize, "buffer-size", flags.BufferSize, "receive buffer size")
	f.IntVar(&flags.StatsEvery, "stats-interval", flags.StatsEvery, "print statistics every N messages")
	f.IntVar(&flags.MaxMessageLength, "max-message-length", flags.MaxMessageLength, "truncate displayed messages longer than this")
	f.IntVar(&flags.RateLimit, "rate-limit", flags.RateLimit, "per client datagrams per second, 0 for unlimited")
	f.StringVar(&flags.Logging.Level, "log-level", flags.Logging.Level, "log level (debug, info, warn, error)")
	f.BoolVar(&logToFile, "log-to-file", false, "also write logs to ./logs/udp_receiver.log")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, cfg *config.ReceiverConfig) error {
	logger := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     os.Stderr,
		File:       cfg.Logging.File,
		FileLevel:  cfg.Logging.Level,
		MaxSizeMB:  config.DefaultLogMaxSizeMB,
		MaxBackups: config.DefaultLogMaxBackups,
	})
	defer logger.Close()

	out := cmd.OutOrStdout()
	r := receiver.New(receiver.Config{
		Host:             cfg.Host,
		Port:             cfg.Port,
		BufferSize:       cfg.BufferSize,
		SocketTimeout:    cfg.SocketTimeout,
		StatsEvery:       cfg.StatsEvery,
		ShowTimestamp:    cfg.ShowTimestamp,
		ShowSource:       cfg.ShowSource,
		MaxMessageLength: cfg.MaxMessageLength,
		RateLimit:        cfg.RateLimit,
	}, out, logger, nil)

	if err := r.Listen(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Fprintln(out, "Press Ctrl+C to stop")
	fmt.Fprintln(out, strings.Repeat("-", 80))

	return r.Run(ctx)
}
