package types

import (
	"net"
	"strconv"
	"time"
)

// Destination is the fixed collector address lines are forwarded to
type Destination struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// String returns the host:port form of the destination
func (d Destination) String() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// StatsSnapshot is a point-in-time copy of the relay counters
type StatsSnapshot struct {
	LinesProcessed   uint64        `json:"lines_processed"`
	LinesSent        uint64        `json:"lines_sent"`
	LinesFailed      uint64        `json:"lines_failed"`
	BytesSent        uint64        `json:"bytes_sent"`
	RotationCount    uint64        `json:"rotation_count"`
	RecoveryFailures uint64        `json:"recovery_failures"`
	StartTime        time.Time     `json:"start_time"`
	LastActivity     time.Time     `json:"last_activity,omitempty"`
	Uptime           time.Duration `json:"uptime"`
	LinesPerSecond   float64       `json:"lines_per_second"`
	BytesPerSecond   float64       `json:"bytes_per_second"`
}
