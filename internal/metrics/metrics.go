package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/therealutkarshpriyadarshi/logrelay/pkg/types"
)

// Namespace for all metrics
const namespace = "logrelay"

// Collector provides a central place for all application metrics
type Collector struct {
	// Tailer metrics
	TailOffset       prometheus.Gauge
	TailState        prometheus.Gauge
	RotationsByCause *prometheus.CounterVec
	RecoveryDuration prometheus.Histogram

	// Relay loop metrics
	CycleDuration prometheus.Histogram
	SlowCycles    prometheus.Counter

	// Receiver metrics
	ReceiverMessages    prometheus.Counter
	ReceiverBytes       prometheus.Counter
	ReceiverRateLimited prometheus.Counter

	// System metrics
	SystemGoroutines prometheus.Gauge
	SystemMemAlloc   prometheus.Gauge
	SystemMemSys     prometheus.Gauge
	SystemGCPauses   prometheus.Histogram

	// Health metrics
	HealthStatus *prometheus.GaugeVec

	registry *prometheus.Registry
	interval time.Duration
	mu       sync.Mutex
	stop     chan struct{}
	done     chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		interval: 15 * time.Second,
	}

	c.initTailerMetrics()
	c.initRelayMetrics()
	c.initReceiverMetrics()
	c.initSystemMetrics()
	c.initHealthMetrics()

	return c
}

func (c *Collector) initTailerMetrics() {
	c.TailOffset = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tailer",
			Name:      "offset_bytes",
			Help:      "Current read offset in the watched file (-1 when closed)",
		},
	)

	c.TailState = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tailer",
			Name:      "state",
			Help:      "Tailer state (0=closed, 1=open, 2=rotation pending)",
		},
	)

	c.RotationsByCause = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tailer",
			Name:      "rotations_detected_total",
			Help:      "Rotations detected, by classification reason",
		},
		[]string{"reason"},
	)

	c.RecoveryDuration = promauto.With(c.registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tailer",
			Name:      "recovery_duration_seconds",
			Help:      "Time spent reopening the source after a rotation",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 15, 30},
		},
	)
}

func (c *Collector) initRelayMetrics() {
	c.CycleDuration = promauto.With(c.registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "cycle_duration_seconds",
			Help:      "Wall clock duration of one poll cycle",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15), // 100µs to ~1.6s
		},
	)

	c.SlowCycles = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "slow_cycles_total",
			Help:      "Cycles that took longer than twice the poll interval",
		},
	)
}

func (c *Collector) initReceiverMetrics() {
	c.ReceiverMessages = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "receiver",
			Name:      "messages_total",
			Help:      "Datagrams received",
		},
	)

	c.ReceiverBytes = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "receiver",
			Name:      "bytes_total",
			Help:      "Payload bytes received",
		},
	)

	c.ReceiverRateLimited = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "receiver",
			Name:      "rate_limited_total",
			Help:      "Datagrams dropped by the per-client rate limit",
		},
	)
}

func (c *Collector) initSystemMetrics() {
	c.SystemGoroutines = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "goroutines",
			Help:      "Number of goroutines",
		},
	)

	c.SystemMemAlloc = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "memory_alloc_bytes",
			Help:      "Bytes of allocated heap objects",
		},
	)

	c.SystemMemSys = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "memory_system_bytes",
			Help:      "Total bytes of memory obtained from the OS",
		},
	)

	c.SystemGCPauses = promauto.With(c.registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "gc_pause_seconds",
			Help:      "GC pause duration",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 15), // 10µs to ~300ms
		},
	)
}

func (c *Collector) initHealthMetrics() {
	c.HealthStatus = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "status",
			Help:      "Health status of components (1=healthy, 0.5=degraded, 0=unhealthy)",
		},
		[]string{"component"},
	)
}

// RegisterStats exposes the relay counters. The values are read from
// snapshot at scrape time, so the relay keeps a single source of truth.
func (c *Collector) RegisterStats(snapshot func() types.StatsSnapshot) {
	counter := func(name, help string, value func(types.StatsSnapshot) uint64) {
		promauto.With(c.registry).NewCounterFunc(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      name,
				Help:      help,
			},
			func() float64 { return float64(value(snapshot())) },
		)
	}

	counter("lines_processed_total", "Lines handed to the sink", func(s types.StatsSnapshot) uint64 { return s.LinesProcessed })
	counter("lines_sent_total", "Lines sent successfully", func(s types.StatsSnapshot) uint64 { return s.LinesSent })
	counter("lines_failed_total", "Lines whose send failed", func(s types.StatsSnapshot) uint64 { return s.LinesFailed })
	counter("bytes_sent_total", "Payload bytes sent", func(s types.StatsSnapshot) uint64 { return s.BytesSent })
	counter("rotations_total", "Rotations handled", func(s types.StatsSnapshot) uint64 { return s.RotationCount })
	counter("recovery_failures_total", "Rotation recoveries that gave up", func(s types.StatsSnapshot) uint64 { return s.RecoveryFailures })
}

// Start begins collecting system metrics periodically
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stop != nil {
		return
	}

	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	stop, done := c.stop, c.done

	c.collectSystemMetrics()

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.collectSystemMetrics()
			case <-stop:
				return
			}
		}
	}()
}

// Stop stops the metrics collector
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stop == nil {
		return
	}
	close(c.stop)
	<-c.done
	c.stop = nil
}

// collectSystemMetrics gathers runtime metrics
func (c *Collector) collectSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	c.SystemGoroutines.Set(float64(runtime.NumGoroutine()))
	c.SystemMemAlloc.Set(float64(m.Alloc))
	c.SystemMemSys.Set(float64(m.Sys))

	if m.NumGC > 0 {
		lastPause := m.PauseNs[(m.NumGC+255)%256]
		c.SystemGCPauses.Observe(float64(lastPause) / 1e9)
	}
}

// Registry returns the Prometheus registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
