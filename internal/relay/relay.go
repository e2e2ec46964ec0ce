// Package relay drives the poll, rotation check, send and report cycle.
package relay

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/therealutkarshpriyadarshi/logrelay/internal/fileid"
	"github.com/therealutkarshpriyadarshi/logrelay/internal/logging"
	"github.com/therealutkarshpriyadarshi/logrelay/internal/metrics"
	"github.com/therealutkarshpriyadarshi/logrelay/internal/reliability"
	"github.com/therealutkarshpriyadarshi/logrelay/internal/stats"
	"github.com/therealutkarshpriyadarshi/logrelay/internal/tailer"
	"github.com/therealutkarshpriyadarshi/logrelay/internal/tracing"
)

// ErrUnexpectedFault is returned by Run when a cycle panicked
var ErrUnexpectedFault = errors.New("unexpected fault in relay cycle")

const previewLength = 100

// Source is the tailing side of the relay
type Source interface {
	Path() string
	Open() error
	ReadNewLines() ([]string, error)
	CheckRotation() (fileid.Decision, bool)
	Recover(ctx context.Context) (int, error)
	Close() error
	State() tailer.State
	Offset() int64
	Fingerprint() (fileid.Fingerprint, bool)
}

// Sink is the sending side of the relay
type Sink interface {
	Destination() string
	Send(ctx context.Context, msg string) (int, error)
	Close() error
}

// Config holds the loop intervals
type Config struct {
	PollInterval          time.Duration
	RotationCheckInterval time.Duration
	StatsInterval         time.Duration
}

// Option configures a Relay
type Option func(*Relay)

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(r *Relay) { r.logger = logger.WithComponent("relay") }
}

// WithMetrics exports loop metrics to c
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Relay) { r.metrics = c }
}

// WithTracer sets the tracer for recover and forward spans
func WithTracer(t trace.Tracer) Option {
	return func(r *Relay) { r.tracer = t }
}

// WithStats shares an existing Statistics, e.g. with health checks
func WithStats(s *stats.Statistics) Option {
	return func(r *Relay) { r.stats = s }
}

// WithHints runs a rotation check whenever a hint arrives
func WithHints(hints <-chan fsnotify.Op) Option {
	return func(r *Relay) { r.hints = hints }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(r *Relay) { r.now = now }
}

// Relay forwards new lines of one file to one destination
type Relay struct {
	config   Config
	source   Source
	sink     Sink
	logger   *logging.Logger
	metrics  *metrics.Collector
	tracer   trace.Tracer
	stats    *stats.Statistics
	reporter *stats.Reporter
	hints    <-chan fsnotify.Op
	now      func() time.Time

	lastRotationCheck time.Time
	lastStats         time.Time
	hinted            bool
	slowCycles        uint64
}

// New creates a Relay. It takes ownership of source and sink and closes
// both when Run returns.
func New(cfg Config, source Source, sink Sink, opts ...Option) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.RotationCheckInterval <= 0 {
		cfg.RotationCheckInterval = time.Second
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = time.Minute
	}

	r := &Relay{
		config: cfg,
		source: source,
		sink:   sink,
		logger: logging.Nop(),
		tracer: otel.Tracer("logrelay"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.stats == nil {
		r.stats = stats.NewWithClock(r.now)
	}
	r.reporter = stats.NewReporter(r.logger)

	return r
}

// Stats returns the relay statistics
func (r *Relay) Stats() *stats.Statistics {
	return r.stats
}

// SlowCycles returns how many cycles overran twice the poll interval
func (r *Relay) SlowCycles() uint64 {
	return r.slowCycles
}

// Run blocks until ctx is cancelled or a cycle faults. Cleanup runs on
// every exit path.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info().
		Str("path", r.source.Path()).
		Str("destination", r.sink.Destination()).
		Dur("poll_interval", r.config.PollInterval).
		Dur("rotation_check_interval", r.config.RotationCheckInterval).
		Dur("stats_interval", r.config.StatsInterval).
		Msg("Starting relay")

	defer r.cleanup()

	if err := r.source.Open(); err != nil {
		r.logger.Warn().
			Err(err).
			Str("path", r.source.Path()).
			Msg("Source unavailable at startup, waiting for it to appear")
	}

	start := r.now()
	r.lastRotationCheck = start
	r.lastStats = start

	timer := time.NewTimer(r.config.PollInterval)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := r.safeCycle(ctx); err != nil {
			return err
		}

		timer.Reset(r.config.PollInterval)
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		case _, ok := <-r.hints:
			if ok {
				r.hinted = true
			} else {
				r.hints = nil
			}
			timer.Stop()
		}
	}
}

func (r *Relay) safeCycle(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().
				Interface("panic", p).
				Str("stack", string(debug.Stack())).
				Msg("Unexpected fault in relay cycle")
			err = fmt.Errorf("%w: %v", ErrUnexpectedFault, p)
		}
	}()

	r.cycle(ctx)
	return nil
}

func (r *Relay) cycle(ctx context.Context) {
	start := r.now()
	var recovering time.Duration

	if r.rotationCheckDue(start) {
		r.lastRotationCheck = start
		recovering = r.checkRotation(ctx)
	}

	lines, err := r.source.ReadNewLines()
	if err != nil {
		r.logger.Warn().
			Err(err).
			Str("path", r.source.Path()).
			Int("partial_lines", len(lines)).
			Msg("Read failed, source will be re-established")
	}
	if len(lines) > 0 {
		r.forward(ctx, lines)
	}

	if r.now().Sub(r.lastStats) >= r.config.StatsInterval {
		r.lastStats = r.now()
		r.reporter.Report(r.stats.Snapshot())
	}

	r.observeSource()

	// Recovery time is tracked separately, it would otherwise flag every
	// rotation as an overload
	elapsed := r.now().Sub(start) - recovering
	if r.metrics != nil {
		r.metrics.CycleDuration.Observe(elapsed.Seconds())
	}
	if elapsed > 2*r.config.PollInterval {
		r.slowCycles++
		if r.metrics != nil {
			r.metrics.SlowCycles.Inc()
		}
		r.logger.Warn().
			Dur("elapsed", elapsed).
			Dur("poll_interval", r.config.PollInterval).
			Int("lines", len(lines)).
			Msg("Relay cycle overran poll interval")
	}
}

func (r *Relay) rotationCheckDue(now time.Time) bool {
	if r.hinted {
		r.hinted = false
		return true
	}
	if r.source.State() == tailer.RotationPending {
		return true
	}
	return now.Sub(r.lastRotationCheck) >= r.config.RotationCheckInterval
}

// checkRotation returns the time spent recovering
func (r *Relay) checkRotation(ctx context.Context) time.Duration {
	wasOpen := r.source.State() != tailer.Closed
	offset := r.source.Offset()
	fp, _ := r.source.Fingerprint()

	d, rotated := r.source.CheckRotation()
	if !rotated {
		return 0
	}

	if wasOpen {
		r.stats.RecordRotation()
		if r.metrics != nil {
			r.metrics.RotationsByCause.WithLabelValues(d.Reason.String()).Inc()
		}
		r.logger.Info().
			Str("path", r.source.Path()).
			Str("reason", d.Reason.String()).
			Str("detail", d.Detail).
			Int64("offset", offset).
			Uint64("inode", fp.Inode).
			Uint64("device", fp.Device).
			Int64("size", fp.Size).
			Uint64("rotation_count", r.stats.Snapshot().RotationCount).
			Msg("Rotation detected")
	}

	spanCtx, span := tracing.TraceRecover(ctx, r.tracer, r.source.Path(), d.Reason.String())
	start := r.now()
	attempts, err := r.source.Recover(spanCtx)
	took := r.now().Sub(start)
	tracing.End(span, err, attribute.Int("recover.attempts", attempts))

	if r.metrics != nil {
		r.metrics.RecoveryDuration.Observe(took.Seconds())
	}

	switch {
	case err == nil:
	case errors.Is(err, reliability.ErrRetryAborted):
		r.logger.Info().Str("path", r.source.Path()).Msg("Rotation recovery interrupted by shutdown")
	default:
		r.stats.RecordRecoveryFailure()
		r.logger.Error().
			Err(err).
			Str("path", r.source.Path()).
			Int("attempts", attempts).
			Dur("took", took).
			Msg("Rotation recovery failed, will retry on next check")
	}

	return took
}

func (r *Relay) forward(ctx context.Context, lines []string) {
	_, span := tracing.TraceForward(ctx, r.tracer, r.sink.Destination(), len(lines))

	failed := 0
	var sent int
	for _, line := range lines {
		n, err := r.sink.Send(ctx, line)
		if err != nil {
			failed++
			r.stats.RecordFailed()
			r.logger.Warn().
				Err(err).
				Str("line", preview(line)).
				Msg("Failed to send line")
			continue
		}
		sent += n
		r.stats.RecordSent(n)
	}

	tracing.End(span, nil, attribute.Int("line.failed", failed), attribute.Int("bytes.sent", sent))

	r.logger.Debug().
		Int("lines", len(lines)).
		Int("failed", failed).
		Int("bytes", sent).
		Msg("Forwarded lines")
}

func (r *Relay) observeSource() {
	if r.metrics == nil {
		return
	}
	r.metrics.TailState.Set(float64(r.source.State()))
	r.metrics.TailOffset.Set(float64(r.source.Offset()))
}

func (r *Relay) cleanup() {
	r.reporter.Report(r.stats.Snapshot())

	if err := r.source.Close(); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to close source")
	}
	if err := r.sink.Close(); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to close sink")
	}

	r.logger.Info().Msg("Relay stopped")
}

// preview returns the first previewLength characters of line
func preview(line string) string {
	n := 0
	for i := range line {
		if n == previewLength {
			return line[:i]
		}
		n++
	}
	return line
}
