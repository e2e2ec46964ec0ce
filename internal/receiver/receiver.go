// Package receiver implements the UDP test collector that prints every
// datagram it receives.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/time/rate"

	"github.com/therealutkarshpriyadarshi/logrelay/internal/logging"
	"github.com/therealutkarshpriyadarshi/logrelay/internal/metrics"
	"github.com/therealutkarshpriyadarshi/logrelay/internal/transport"
)

const (
	timestampLayout = "2006-01-02 15:04:05.000"
	limiterIdle     = 5 * time.Minute
	errorBackoff    = 100 * time.Millisecond
)

// Config holds receiver settings
type Config struct {
	Host             string
	Port             int
	BufferSize       int
	SocketTimeout    time.Duration
	StatsEvery       int
	ShowTimestamp    bool
	ShowSource       bool
	MaxMessageLength int
	// RateLimit is the per-client datagrams per second, 0 disables it
	RateLimit int
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Receiver listens on a UDP socket and writes one formatted line per
// datagram to its output
type Receiver struct {
	config  Config
	out     io.Writer
	logger  *logging.Logger
	metrics *metrics.Collector
	now     func() time.Time

	conn     *net.UDPConn
	limiters map[string]*clientLimiter
	mu       sync.Mutex

	messages    atomic.Uint64
	bytes       atomic.Uint64
	rateLimited atomic.Uint64
	started     time.Time
}

// New creates a Receiver writing to out
func New(cfg Config, out io.Writer, logger *logging.Logger, collector *metrics.Collector) *Receiver {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Receiver{
		config:   cfg,
		out:      out,
		logger:   logger.WithComponent("receiver"),
		metrics:  collector,
		now:      time.Now,
		limiters: make(map[string]*clientLimiter),
	}
}

// Listen binds the UDP socket
func (r *Receiver) Listen() error {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(r.config.Host, strconv.Itoa(r.config.Port)))
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to start UDP listener: %w", err)
	}
	r.conn = conn

	r.logger.Info().
		Str("address", conn.LocalAddr().String()).
		Int("buffer_size", r.config.BufferSize).
		Dur("socket_timeout", r.config.SocketTimeout).
		Msg("UDP receiver listening")
	return nil
}

// Addr returns the bound address, nil before Listen
func (r *Receiver) Addr() *net.UDPAddr {
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr().(*net.UDPAddr)
}

// Counts returns the messages and bytes received so far
func (r *Receiver) Counts() (messages, bytes uint64) {
	return r.messages.Load(), r.bytes.Load()
}

// RateLimited returns how many datagrams were dropped by the rate limit
func (r *Receiver) RateLimited() uint64 {
	return r.rateLimited.Load()
}

// Run receives until ctx is cancelled. It binds the socket first when
// Listen has not been called.
func (r *Receiver) Run(ctx context.Context) error {
	if r.conn == nil {
		if err := r.Listen(); err != nil {
			return err
		}
	}
	r.started = r.now()
	defer r.cleanup()

	stop := context.AfterFunc(ctx, func() {
		// Unblocks a read without a deadline
		r.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, r.config.BufferSize)
	for {
		if ctx.Err() != nil {
			return nil
		}

		if r.config.SocketTimeout > 0 {
			r.conn.SetReadDeadline(time.Now().Add(r.config.SocketTimeout))
		}

		n, addr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				r.evictIdle()
				continue
			}
			r.logger.Error().Err(err).Msg("Error receiving data")
			time.Sleep(errorBackoff)
			continue
		}

		r.handle(buf[:n], addr)
	}
}

func (r *Receiver) handle(data []byte, addr *net.UDPAddr) {
	if !r.allow(addr) {
		r.rateLimited.Add(1)
		if r.metrics != nil {
			r.metrics.ReceiverRateLimited.Inc()
		}
		r.logger.Warn().Str("client", addr.String()).Msg("Rate limit exceeded")
		return
	}

	count := r.messages.Add(1)
	r.bytes.Add(uint64(len(data)))
	if r.metrics != nil {
		r.metrics.ReceiverMessages.Inc()
		r.metrics.ReceiverBytes.Add(float64(len(data)))
	}

	fmt.Fprintln(r.out, Format(r.now(), addr, data, r.config))

	r.logger.Debug().
		Int("bytes", len(data)).
		Str("client", addr.String()).
		Msg("Received datagram")

	if r.config.StatsEvery > 0 && count%uint64(r.config.StatsEvery) == 0 {
		r.logStatistics()
	}
}

func (r *Receiver) allow(addr *net.UDPAddr) bool {
	if r.config.RateLimit <= 0 {
		return true
	}

	key := addr.String()
	r.mu.Lock()
	defer r.mu.Unlock()

	cl, ok := r.limiters[key]
	if !ok {
		cl = &clientLimiter{
			limiter: rate.NewLimiter(rate.Limit(r.config.RateLimit), r.config.RateLimit*2),
		}
		r.limiters[key] = cl
	}
	cl.lastSeen = r.now()
	return cl.limiter.Allow()
}

func (r *Receiver) evictIdle() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for key, cl := range r.limiters {
		if now.Sub(cl.lastSeen) > limiterIdle {
			delete(r.limiters, key)
		}
	}
}

func (r *Receiver) logStatistics() {
	messages, bytes := r.Counts()
	uptime := r.now().Sub(r.started)

	fmt.Fprintf(r.out, "--- Received %d messages (%d bytes) in %.1fs ---\n", messages, bytes, uptime.Seconds())

	if uptime > 0 {
		r.logger.Info().
			Uint64("messages", messages).
			Uint64("bytes", bytes).
			Float64("messages_per_sec", float64(messages)/uptime.Seconds()).
			Float64("bytes_per_sec", float64(bytes)/uptime.Seconds()).
			Msg("Receiver statistics")
	}
}

func (r *Receiver) cleanup() {
	r.logStatistics()

	messages, bytes := r.Counts()
	fmt.Fprintf(r.out, "\nTotal messages received: %d\n", messages)
	fmt.Fprintf(r.out, "Total bytes received: %d\n", bytes)

	if err := r.conn.Close(); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to close UDP socket")
	}
	r.logger.Info().Msg("UDP receiver stopped")
}

// Format renders one datagram as "[timestamp] host:port -> message".
// Invalid UTF-8 is replaced and messages longer than MaxMessageLength
// characters are cut and marked.
func Format(at time.Time, addr *net.UDPAddr, data []byte, cfg Config) string {
	parts := make([]string, 0, 3)

	if cfg.ShowTimestamp {
		parts = append(parts, "["+at.Format(timestampLayout)+"]")
	}
	if cfg.ShowSource && addr != nil {
		parts = append(parts, addr.String())
	}

	decoded, err := unicode.UTF8.NewDecoder().Bytes(data)
	if err != nil {
		decoded = []byte(strings.ToValidUTF8(string(data), "\uFFFD"))
	}
	parts = append(parts, truncateRunes(string(decoded), cfg.MaxMessageLength))

	return strings.Join(parts, " -> ")
}

func truncateRunes(msg string, max int) string {
	if max <= 0 {
		return msg
	}
	n := 0
	for i := range msg {
		if n == max {
			return msg[:i] + transport.TruncationMarker
		}
		n++
	}
	return msg
}
