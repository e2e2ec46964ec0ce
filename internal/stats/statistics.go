// Package stats keeps the relay counters and reports them.
package stats

import (
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/logrelay/pkg/types"
)

// Statistics holds the relay counters. Counters only grow.
type Statistics struct {
	mu               sync.Mutex
	linesProcessed   uint64
	linesSent        uint64
	linesFailed      uint64
	bytesSent        uint64
	rotationCount    uint64
	recoveryFailures uint64
	startTime        time.Time
	lastActivity     time.Time
	now              func() time.Time
}

// New creates Statistics starting now
func New() *Statistics {
	return NewWithClock(time.Now)
}

// NewWithClock creates Statistics using the given clock
func NewWithClock(now func() time.Time) *Statistics {
	return &Statistics{
		startTime: now(),
		now:       now,
	}
}

// RecordSent counts one processed line that was sent
func (s *Statistics) RecordSent(bytes int) {
	s.mu.Lock()
	s.linesProcessed++
	s.linesSent++
	s.bytesSent += uint64(bytes)
	s.lastActivity = s.now()
	s.mu.Unlock()
}

// RecordFailed counts one processed line whose send failed
func (s *Statistics) RecordFailed() {
	s.mu.Lock()
	s.linesProcessed++
	s.linesFailed++
	s.mu.Unlock()
}

// RecordRotation counts one detected rotation
func (s *Statistics) RecordRotation() {
	s.mu.Lock()
	s.rotationCount++
	s.mu.Unlock()
}

// RecordRecoveryFailure counts one exhausted recovery
func (s *Statistics) RecordRecoveryFailure() {
	s.mu.Lock()
	s.recoveryFailures++
	s.mu.Unlock()
}

// Snapshot returns a consistent copy of the counters
func (s *Statistics) Snapshot() types.StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	snap := types.StatsSnapshot{
		LinesProcessed:   s.linesProcessed,
		LinesSent:        s.linesSent,
		LinesFailed:      s.linesFailed,
		BytesSent:        s.bytesSent,
		RotationCount:    s.rotationCount,
		RecoveryFailures: s.recoveryFailures,
		StartTime:        s.startTime,
		LastActivity:     s.lastActivity,
		Uptime:           now.Sub(s.startTime),
	}

	if secs := snap.Uptime.Seconds(); secs > 0 {
		snap.LinesPerSecond = float64(snap.LinesSent) / secs
		snap.BytesPerSecond = float64(snap.BytesSent) / secs
	}

	return snap
}
