// Package transport sends log lines to the collector, one datagram per line.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/therealutkarshpriyadarshi/logrelay/internal/logging"
	"github.com/therealutkarshpriyadarshi/logrelay/pkg/types"
)

// TruncationMarker is appended to messages cut to the maximum length
const TruncationMarker = "... [truncated]"

// ErrSendFailed wraps every send error
var ErrSendFailed = errors.New("send failed")

// UDPConfig holds configuration for the UDP sink
type UDPConfig struct {
	Host          string
	Port          int
	BufferSize    int
	SendTimeout   time.Duration
	MaxLineLength int
	// Datagrams per second, 0 = unlimited
	RateLimit int
}

// UDPSink writes datagrams to a fixed destination. Nothing is acknowledged
// and nothing is retried.
type UDPSink struct {
	config  UDPConfig
	addr    *net.UDPAddr
	conn    *net.UDPConn
	limiter *rate.Limiter
	logger  *logging.Logger
}

// NewUDPSink resolves the destination and opens an unconnected socket
func NewUDPSink(config UDPConfig, logger *logging.Logger) (*UDPSink, error) {
	if config.SendTimeout <= 0 {
		config.SendTimeout = time.Second
	}

	dest := types.Destination{Host: config.Host, Port: config.Port}
	addr, err := net.ResolveUDPAddr("udp", dest.String())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create UDP socket: %w", err)
	}

	if config.BufferSize > 0 {
		if err := conn.SetWriteBuffer(config.BufferSize); err != nil {
			logger.Warn().Err(err).Int("buffer_size", config.BufferSize).Msg("Failed to set socket send buffer")
		}
	}

	s := &UDPSink{
		config: config,
		addr:   addr,
		conn:   conn,
		logger: logger.WithComponent("transport-udp"),
	}

	if config.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), config.RateLimit)
	}

	s.logger.Info().
		Str("destination", dest.String()).
		Str("resolved", addr.String()).
		Int("buffer_size", config.BufferSize).
		Int("max_line_length", config.MaxLineLength).
		Msg("UDP sink ready")

	return s, nil
}

// Destination returns the resolved collector address
func (s *UDPSink) Destination() string {
	return s.addr.String()
}

// Send truncates msg if needed and writes it as one datagram. It returns the
// number of payload bytes written.
func (s *UDPSink) Send(ctx context.Context, msg string) (int, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrSendFailed, err)
		}
	}

	payload := []byte(Truncate(msg, s.config.MaxLineLength))

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.config.SendTimeout)); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	n, err := s.conn.WriteToUDP(payload, s.addr)
	if err != nil {
		return n, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return n, nil
}

// Close closes the socket
func (s *UDPSink) Close() error {
	return s.conn.Close()
}

// Truncate cuts msg to max bytes, never splitting a UTF-8 sequence, and
// appends TruncationMarker. Messages within max are returned unchanged.
func Truncate(msg string, max int) string {
	if max <= 0 || len(msg) <= max {
		return msg
	}

	cut := max
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut] + TruncationMarker
}
