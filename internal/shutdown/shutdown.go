package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/therealutkarshpriyadarshi/logrelay/internal/logging"
)

// Manager turns termination signals into context cancellation and runs the
// registered cleanup in reverse registration order.
type Manager struct {
	logger       *logging.Logger
	timeout      time.Duration
	hooks        []hook
	mu           sync.Mutex
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	gracefulDone chan struct{}
}

type hook struct {
	name string
	fn   ShutdownFunc
}

// ShutdownFunc is a function that performs cleanup during shutdown
type ShutdownFunc func(context.Context) error

// Config holds shutdown manager configuration
type Config struct {
	Timeout time.Duration
	Logger  *logging.Logger
}

// New creates a new shutdown manager
func New(cfg Config) *Manager {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		logger:       cfg.Logger.WithComponent("shutdown"),
		timeout:      cfg.Timeout,
		ctx:          ctx,
		cancel:       cancel,
		gracefulDone: make(chan struct{}),
	}
}

// Context is cancelled as soon as shutdown starts
func (m *Manager) Context() context.Context {
	return m.ctx
}

// RegisterFunc registers a shutdown function. Functions run last-in first-out.
func (m *Manager) RegisterFunc(name string, fn ShutdownFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Debug().Str("hook", name).Msg("Registered shutdown function")
	m.hooks = append(m.hooks, hook{name: name, fn: fn})
}

// WaitForSignal blocks until a shutdown signal is received or Shutdown is
// called, then performs the shutdown.
func (m *Manager) WaitForSignal(signals ...os.Signal) {
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, signals...)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		m.logger.Info().
			Str("signal", sig.String()).
			Msg("Shutdown signal received")
	case <-m.ctx.Done():
	}
	m.Shutdown()
}

// Shutdown cancels the context and runs the registered functions once
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() {
		m.cancel()
		m.performShutdown()
	})
}

// Trigger cancels the context without running cleanup; WaitForSignal
// picks it up.
func (m *Manager) Trigger() {
	m.cancel()
}

func (m *Manager) performShutdown() {
	defer close(m.gracefulDone)

	m.mu.Lock()
	hooks := make([]hook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	m.logger.Info().
		Dur("timeout", m.timeout).
		Int("functions", len(hooks)).
		Msg("Starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var errorCount int
	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		if ctx.Err() != nil {
			m.logger.Warn().
				Dur("timeout", m.timeout).
				Str("hook", h.name).
				Msg("Graceful shutdown timed out, skipping remaining functions")
			return
		}

		if err := h.fn(ctx); err != nil {
			errorCount++
			m.logger.Error().Err(err).Str("hook", h.name).Msg("Shutdown function failed")
			continue
		}
		m.logger.Debug().Str("hook", h.name).Msg("Shutdown function completed")
	}

	if errorCount > 0 {
		m.logger.Warn().
			Int("errors", errorCount).
			Msg("Graceful shutdown completed with errors")
	} else {
		m.logger.Info().Msg("Graceful shutdown completed successfully")
	}
}

// Done returns a channel that is closed when shutdown is complete
func (m *Manager) Done() <-chan struct{} {
	return m.gracefulDone
}

// WaitWithTimeout waits for shutdown to complete with a timeout
func (m *Manager) WaitWithTimeout(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-m.Done():
		return nil
	case <-timer.C:
		return fmt.Errorf("shutdown did not complete within %v", timeout)
	}
}

// WritePIDFile writes the current process id to path and registers its
// removal.
func (m *Manager) WritePIDFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	m.RegisterFunc("pid-file", func(context.Context) error {
		// Only remove a file that still names this process
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		if strings.TrimSpace(string(data)) != strconv.Itoa(os.Getpid()) {
			return nil
		}
		return os.Remove(path)
	})
	return nil
}
