package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/therealutkarshpriyadarshi/logrelay/internal/config"
	"github.com/therealutkarshpriyadarshi/logrelay/internal/health"
	"github.com/therealutkarshpriyadarshi/logrelay/internal/logging"
	"github.com/therealutkarshpriyadarshi/logrelay/internal/metrics"
	"github.com/therealutkarshpriyadarshi/logrelay/internal/relay"
	"github.com/therealutkarshpriyadarshi/logrelay/internal/reliability"
	"github.com/therealutkarshpriyadarshi/logrelay/internal/server"
	"github.com/therealutkarshpriyadarshi/logrelay/internal/shutdown"
	"github.com/therealutkarshpriyadarshi/logrelay/internal/stats"
	"github.com/therealutkarshpriyadarshi/logrelay/internal/tailer"
	"github.com/therealutkarshpriyadarshi/logrelay/internal/tracing"
	"github.com/therealutkarshpriyadarshi/logrelay/internal/transport"
	"github.com/therealutkarshpriyadarshi/logrelay/pkg/types"
)

var exampleUsage = strings.TrimSpace(`
  logrelay --file /var/log/app.log --host 10.0.0.5 --port 514
  logrelay --config /etc/logrelay/config.yaml --log-level debug
  LOG_FILE_PATH=/var/log/nginx/access.log UDP_PORT=5140 logrelay
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func main() {
	var (
		cfgPath    string
		showConfig bool
		flags      = config.DefaultConfig()
	)

	root := &cobra.Command{
		Use:     "logrelay",
		Short:   "Follow a log file across rotations and forward each line as a UDP datagram",
		Example: exampleUsage,
		Version: fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		RunE: func(cmd *cobra.Command, args []string) error {
			changed := map[string]bool{}
			cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

			cfg, err := loadConfig(cfgPath, flags, changed)
			if err != nil {
				return err
			}

			if showConfig {
				printConfig(cmd, cfg)
				return nil
			}

			return run(cfg)
		},
		SilenceUsage: true,
	}

	f := root.Flags()
	f.StringVar(&cfgPath, "config", "", "path to YAML config file")
	f.BoolVar(&showConfig, "show-config", false, "print the effective configuration and exit")

	f.StringVar(&flags.Source.Path, "file", flags.Source.Path, "log file to follow")
	f.StringVar(&flags.Source.Encoding, "encoding", flags.Source.Encoding, "source file encoding (IANA name)")
	f.StringVar(&flags.Destination.Host, "host", flags.Destination.Host, "destination UDP host")
	f.IntVar(&flags.Destination.Port, "port", flags.Destination.Port, "destination UDP port")
	f.IntVar(&flags.Destination.BufferSize, "buffer-size", flags.Destination.BufferSize, "socket send buffer size")
	f.DurationVar(&flags.Destination.SendTimeout, "send-timeout", flags.Destination.SendTimeout, "per datagram send timeout")
	f.IntVar(&flags.Destination.MaxLineLength, "max-line-length", flags.Destination.MaxLineLength, "maximum datagram payload in bytes")
	f.IntVar(&flags.Destination.RateLimit, "rate-limit", flags.Destination.RateLimit, "datagrams per second, 0 for unlimited")

	f.DurationVar(&flags.Tailing.PollInterval, "poll-interval", flags.Tailing.PollInterval, "delay between read cycles")
	f.DurationVar(&flags.Tailing.RotationCheckInterval, "rotation-check-interval", flags.Tailing.RotationCheckInterval, "delay between rotation checks")
	f.IntVar(&flags.Tailing.Retry.Attempts, "retry-attempts", flags.Tailing.Retry.Attempts, "reopen attempts per rotation")
	f.DurationVar(&flags.Tailing.Retry.InitialDelay, "retry-delay", flags.Tailing.Retry.InitialDelay, "delay before the first reopen attempt")
	f.BoolVar(&flags.Tailing.Retry.Jitter, "retry-jitter", flags.Tailing.Retry.Jitter, "spread reopen delays by up to 10%")
	f.BoolVar(&flags.Tailing.WatchEvents, "watch", flags.Tailing.WatchEvents, "use filesystem events to check for rotation early")
	f.DurationVar(&flags.Stats.Interval, "stats-interval", flags.Stats.Interval, "statistics report interval")

	f.StringVar(&flags.Logging.Level, "log-level", flags.Logging.Level, "log level (debug, info, warn, error)")
	f.StringVar(&flags.Logging.Format, "log-format", flags.Logging.Format, "log format (json, console)")
	f.StringVar(&flags.Logging.File, "log-file", flags.Logging.File, "also write logs to this size-rotated file")
	f.IntVar(&flags.Logging.MaxBackups, "log-backups", flags.Logging.MaxBackups, "rotated log files to keep")
	f.StringVar(&flags.PIDFile, "pid-file", flags.PIDFile, "write the process id to this file")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig layers file, environment and flags over the defaults
func loadConfig(path string, flags *config.Config, changed map[string]bool) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = loaded
	}

	if err := config.ApplyEnv(cfg, os.LookupEnv, changed); err != nil {
		return nil, err
	}

	applyFlags(cfg, flags, changed)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyFlags(cfg, flags *config.Config, changed map[string]bool) {
	set := func(name string, apply func()) {
		if changed[name] {
			apply()
		}
	}

	set("file", func() { cfg.Source.Path = flags.Source.Path })
	set("encoding", func() { cfg.Source.Encoding = flags.Source.Encoding })
	set("host", func() { cfg.Destination.Host = flags.Destination.Host })
	set("port", func() { cfg.Destination.Port = flags.Destination.Port })
	set("buffer-size", func() { cfg.Destination.BufferSize = flags.Destination.BufferSize })
	set("send-timeout", func() { cfg.Destination.SendTimeout = flags.Destination.SendTimeout })
	set("max-line-length", func() { cfg.Destination.MaxLineLength = flags.Destination.MaxLineLength })
	set("rate-limit", func() { cfg.Destination.RateLimit = flags.Destination.RateLimit })
	set("poll-interval", func() { cfg.Tailing.PollInterval = flags.Tailing.PollInterval })
	set("rotation-check-interval", func() { cfg.Tailing.RotationCheckInterval = flags.Tailing.RotationCheckInterval })
	set("retry-attempts", func() { cfg.Tailing.Retry.Attempts = flags.Tailing.Retry.Attempts })
	set("retry-delay", func() { cfg.Tailing.Retry.InitialDelay = flags.Tailing.Retry.InitialDelay })
	set("retry-jitter", func() { cfg.Tailing.Retry.Jitter = flags.Tailing.Retry.Jitter })
	set("watch", func() { cfg.Tailing.WatchEvents = flags.Tailing.WatchEvents })
	set("stats-interval", func() { cfg.Stats.Interval = flags.Stats.Interval })
	set("log-level", func() { cfg.Logging.Level = flags.Logging.Level })
	set("log-format", func() { cfg.Logging.Format = flags.Logging.Format })
	set("log-file", func() { cfg.Logging.File = flags.Logging.File })
	set("log-backups", func() { cfg.Logging.MaxBackups = flags.Logging.MaxBackups })
	set("pid-file", func() { cfg.PIDFile = flags.PIDFile })
}

func printConfig(cmd *cobra.Command, cfg *config.Config) {
	w := cmd.OutOrStdout()
	fmt.Fprintln(w, "UDP Log Relay Configuration:")
	fmt.Fprintf(w, "  Log File: %s (%s)\n", cfg.Source.Path, cfg.Source.Encoding)
	fmt.Fprintf(w, "  Destination: %s\n", types.Destination{Host: cfg.Destination.Host, Port: cfg.Destination.Port})
	fmt.Fprintf(w, "  Buffer Size: %d\n", cfg.Destination.BufferSize)
	fmt.Fprintf(w, "  Send Timeout: %v\n", cfg.Destination.SendTimeout)
	fmt.Fprintf(w, "  Max Line Length: %d\n", cfg.Destination.MaxLineLength)
	fmt.Fprintf(w, "  Poll Interval: %v\n", cfg.Tailing.PollInterval)
	fmt.Fprintf(w, "  Rotation Check Interval: %v\n", cfg.Tailing.RotationCheckInterval)
	fmt.Fprintf(w, "  Rotation Retry: %d attempts, %v initial delay, jitter %t\n", cfg.Tailing.Retry.Attempts, cfg.Tailing.Retry.InitialDelay, cfg.Tailing.Retry.Jitter)
	fmt.Fprintf(w, "  Stats Interval: %v\n", cfg.Stats.Interval)
	fmt.Fprintf(w, "  Log Level: %s\n", cfg.Logging.Level)
	if cfg.Logging.File != "" {
		fmt.Fprintf(w, "  Daemon Log File: %s (%d MB x %d)\n", cfg.Logging.File, cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups)
	}
	if cfg.PIDFile != "" {
		fmt.Fprintf(w, "  PID File: %s\n", cfg.PIDFile)
	}
}

func run(cfg *config.Config) error {
	logger := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		FileLevel:  cfg.Logging.FileLevel,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
	defer logger.Close()
	logging.SetGlobal(logger)

	logger.Info().Str("version", getVersion()).Msg("Starting UDP log relay")

	mgr := shutdown.New(shutdown.Config{Timeout: cfg.Shutdown.Timeout, Logger: logger})
	if err := mgr.WritePIDFile(cfg.PIDFile); err != nil {
		logger.Warn().Err(err).Str("path", cfg.PIDFile).Msg("Failed to write PID file")
	}

	src, err := tailer.New(tailer.Config{
		Path:     cfg.Source.Path,
		Encoding: cfg.Source.Encoding,
		Retry: reliability.RetryConfig{
			MaxAttempts:  cfg.Tailing.Retry.Attempts,
			InitialDelay: cfg.Tailing.Retry.InitialDelay,
			MaxDelay:     cfg.Tailing.Retry.MaxDelay,
			Multiplier:   cfg.Tailing.Retry.Multiplier,
			Jitter:       cfg.Tailing.Retry.Jitter,
		},
	}, logger)
	if err != nil {
		return err
	}

	sink, err := transport.NewUDPSink(transport.UDPConfig{
		Host:          cfg.Destination.Host,
		Port:          cfg.Destination.Port,
		BufferSize:    cfg.Destination.BufferSize,
		SendTimeout:   cfg.Destination.SendTimeout,
		MaxLineLength: cfg.Destination.MaxLineLength,
		RateLimit:     cfg.Destination.RateLimit,
	}, logger)
	if err != nil {
		src.Close()
		return fmt.Errorf("failed to create UDP sink: %w", err)
	}

	relayStats := stats.New()
	opts := []relay.Option{
		relay.WithLogger(logger),
		relay.WithStats(relayStats),
	}

	var collector *metrics.Collector
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
		collector.RegisterStats(relayStats.Snapshot)
		collector.Start()
		mgr.RegisterFunc("metrics", func(context.Context) error {
			collector.Stop()
			return nil
		})
		opts = append(opts, relay.WithMetrics(collector))
	}

	if cfg.Tracing != nil && cfg.Tracing.Enabled {
		provider, err := tracing.NewProvider(mgr.Context(), tracing.Config{
			Enabled:    true,
			Endpoint:   cfg.Tracing.Endpoint,
			SampleRate: cfg.Tracing.SampleRate,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("Tracing disabled")
		} else {
			mgr.RegisterFunc("tracing", provider.Shutdown)
			opts = append(opts, relay.WithTracer(provider.Tracer()))
		}
	}

	if cfg.Tailing.WatchEvents {
		watcher, err := tailer.NewWatcher(cfg.Source.Path, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("Filesystem events unavailable, using periodic rotation checks only")
		} else {
			mgr.RegisterFunc("watcher", func(context.Context) error { return watcher.Close() })
			opts = append(opts, relay.WithHints(watcher.Hints()))
		}
	}

	if err := startHTTP(cfg, mgr, logger, collector, src, relayStats); err != nil {
		src.Close()
		sink.Close()
		return err
	}

	r := relay.New(relay.Config{
		PollInterval:          cfg.Tailing.PollInterval,
		RotationCheckInterval: cfg.Tailing.RotationCheckInterval,
		StatsInterval:         cfg.Stats.Interval,
	}, src, sink, opts...)

	errCh := make(chan error, 1)
	go func() {
		errCh <- r.Run(mgr.Context())
		// A faulted relay stops the process the same way a signal does
		mgr.Trigger()
	}()

	go mgr.WaitForSignal()
	runErr := <-errCh

	// Hooks get their own timeout, plus slack for the last one to return
	if err := mgr.WaitWithTimeout(cfg.Shutdown.Timeout + time.Second); err != nil {
		logger.Warn().Err(err).Msg("Shutdown hooks did not finish")
	}

	if errors.Is(runErr, relay.ErrUnexpectedFault) {
		return runErr
	}
	logger.Info().Msg("UDP log relay stopped")
	return nil
}

func startHTTP(cfg *config.Config, mgr *shutdown.Manager, logger *logging.Logger, collector *metrics.Collector, src *tailer.Tailer, relayStats *stats.Statistics) error {
	srvCfg := server.Config{Logger: logger}

	if collector != nil {
		srvCfg.MetricsAddress = cfg.Metrics.Address
		srvCfg.MetricsPath = cfg.Metrics.Path
		srvCfg.MetricsRegistry = collector.Registry()
		srvCfg.EnablePprof = cfg.Metrics.Pprof
	}

	if cfg.Health != nil && cfg.Health.Enabled {
		checker := health.NewChecker(cfg.Health.Timeout)
		checker.Register("tailer", health.TailerCheck(src))
		checker.Register("activity", health.ActivityCheck(relayStats.Snapshot, cfg.Health.StaleAfter, nil))
		if collector != nil {
			checker.SetObserver(func(component string, status health.Status) {
				collector.HealthStatus.WithLabelValues(component).Set(healthValue(status))
			})
		}
		srvCfg.HealthAddress = cfg.Health.Address
		srvCfg.HealthChecker = checker
	}

	if srvCfg.MetricsRegistry == nil && srvCfg.HealthChecker == nil {
		return nil
	}

	srv := server.New(srvCfg)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	mgr.RegisterFunc("http", srv.Stop)
	return nil
}

func healthValue(s health.Status) float64 {
	switch s {
	case health.StatusHealthy:
		return 1
	case health.StatusDegraded:
		return 0.5
	default:
		return 0
	}
}
