package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/therealutkarshpriyadarshi/logrelay/internal/health"
	"github.com/therealutkarshpriyadarshi/logrelay/internal/logging"
)

// Server provides HTTP endpoints for metrics, health checks and profiling.
// Endpoints sharing an address share one listener.
type Server struct {
	listeners map[string]*endpoint
	order     []string
	logger    *logging.Logger
	wg        sync.WaitGroup
}

type endpoint struct {
	mux    *http.ServeMux
	server *http.Server
	ln     net.Listener
	routes []string
}

// Config holds server configuration
type Config struct {
	MetricsAddress  string
	MetricsPath     string
	HealthAddress   string
	LivenessPath    string
	ReadinessPath   string
	EnablePprof     bool
	MetricsRegistry *prometheus.Registry
	HealthChecker   *health.Checker
	Logger          *logging.Logger
}

// New creates a new server
func New(cfg Config) *Server {
	s := &Server{
		listeners: make(map[string]*endpoint),
		logger:    cfg.Logger.WithComponent("http"),
	}

	if cfg.MetricsAddress != "" && cfg.MetricsRegistry != nil {
		metricsPath := cfg.MetricsPath
		if metricsPath == "" {
			metricsPath = "/metrics"
		}

		ep := s.endpoint(cfg.MetricsAddress)
		ep.handle(metricsPath, promhttp.HandlerFor(
			cfg.MetricsRegistry,
			promhttp.HandlerOpts{
				EnableOpenMetrics: true,
			},
		))

		if cfg.EnablePprof {
			ep.handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
			ep.handle("/debug/pprof/cmdline", http.HandlerFunc(pprof.Cmdline))
			ep.handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
			ep.handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
			ep.handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))
		}
	}

	if cfg.HealthAddress != "" && cfg.HealthChecker != nil {
		livenessPath := cfg.LivenessPath
		if livenessPath == "" {
			livenessPath = "/health/live"
		}

		readinessPath := cfg.ReadinessPath
		if readinessPath == "" {
			readinessPath = "/health/ready"
		}

		ep := s.endpoint(cfg.HealthAddress)
		ep.handle(livenessPath, cfg.HealthChecker.LivenessHandler())
		ep.handle(readinessPath, cfg.HealthChecker.ReadinessHandler())
		ep.handle("/health", cfg.HealthChecker.HTTPHandler())
		ep.handle("/health/{component}", cfg.HealthChecker.ComponentHandler())
	}

	return s
}

func (s *Server) endpoint(addr string) *endpoint {
	if ep, ok := s.listeners[addr]; ok {
		return ep
	}

	mux := http.NewServeMux()
	ep := &endpoint{
		mux: mux,
		server: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 30 * time.Second, // pprof profile needs more than 10s
		},
	}
	s.listeners[addr] = ep
	s.order = append(s.order, addr)
	return ep
}

func (ep *endpoint) handle(pattern string, h http.Handler) {
	ep.mux.Handle(pattern, h)
	ep.routes = append(ep.routes, pattern)
}

// Start binds every address and serves in the background. Bind errors are
// returned immediately.
func (s *Server) Start() error {
	for _, addr := range s.order {
		ep := s.listeners[addr]

		ln, err := net.Listen("tcp", addr)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		ep.ln = ln
	}

	for _, addr := range s.order {
		ep := s.listeners[addr]

		s.logger.Info().
			Str("address", ep.ln.Addr().String()).
			Strs("routes", ep.routes).
			Msg("Starting HTTP server")

		s.wg.Add(1)
		go func(ep *endpoint) {
			defer s.wg.Done()
			if err := ep.server.Serve(ep.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error().Err(err).Str("address", ep.server.Addr).Msg("HTTP server error")
			}
		}(ep)
	}

	return nil
}

func (s *Server) closeListeners() {
	for _, ep := range s.listeners {
		if ep.ln != nil {
			ep.ln.Close()
			ep.ln = nil
		}
	}
}

// Addrs returns the bound addresses in registration order
func (s *Server) Addrs() []string {
	out := make([]string, 0, len(s.order))
	for _, addr := range s.order {
		if ep := s.listeners[addr]; ep.ln != nil {
			out = append(out, ep.ln.Addr().String())
		}
	}
	return out
}

// Stop gracefully shuts down the servers
func (s *Server) Stop(ctx context.Context) error {
	var err error

	for _, addr := range s.order {
		ep := s.listeners[addr]
		if ep.ln == nil {
			continue
		}
		s.logger.Info().Str("address", addr).Msg("Shutting down HTTP server")
		if shutdownErr := ep.server.Shutdown(ctx); shutdownErr != nil {
			s.logger.Error().Err(shutdownErr).Str("address", addr).Msg("Error shutting down HTTP server")
			if err == nil {
				err = shutdownErr
			}
		}
	}

	s.wg.Wait()
	return err
}
