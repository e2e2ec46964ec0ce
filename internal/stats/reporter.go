package stats

import (
	"github.com/therealutkarshpriyadarshi/logrelay/internal/logging"
	"github.com/therealutkarshpriyadarshi/logrelay/pkg/types"
)

// Reporter writes snapshots to the log
type Reporter struct {
	logger *logging.Logger
}

// NewReporter creates a Reporter
func NewReporter(logger *logging.Logger) *Reporter {
	return &Reporter{logger: logger.WithComponent("stats")}
}

// Report logs the counters at info and the derived rates at debug
func (r *Reporter) Report(snap types.StatsSnapshot) {
	r.logger.Info().
		Uint64("lines_processed", snap.LinesProcessed).
		Uint64("lines_sent", snap.LinesSent).
		Uint64("lines_failed", snap.LinesFailed).
		Uint64("bytes_sent", snap.BytesSent).
		Uint64("rotations", snap.RotationCount).
		Uint64("recovery_failures", snap.RecoveryFailures).
		Dur("uptime", snap.Uptime).
		Msg("Relay statistics")

	r.logger.Debug().
		Float64("lines_per_sec", snap.LinesPerSecond).
		Float64("bytes_per_sec", snap.BytesPerSecond).
		Time("last_activity", snap.LastActivity).
		Msg("Relay rates")
}
