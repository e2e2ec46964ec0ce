package health

import (
	"time"

	"github.com/therealutkarshpriyadarshi/logrelay/internal/tailer"
	"github.com/therealutkarshpriyadarshi/logrelay/pkg/types"
)

// TailSource is the read-only view of the tailer the checks need
type TailSource interface {
	Path() string
	State() tailer.State
	Offset() int64
}

// TailerCheck is healthy while the source is open, degraded while a
// rotation is being handled and unhealthy while it is closed.
func TailerCheck(src TailSource) HealthCheck {
	return CheckWithMetadata(func() (Status, string, map[string]interface{}) {
		state := src.State()
		meta := map[string]interface{}{
			"path":   src.Path(),
			"state":  state.String(),
			"offset": src.Offset(),
		}

		switch state {
		case tailer.Open:
			return StatusHealthy, "tailing", meta
		case tailer.RotationPending:
			return StatusDegraded, "rotation pending", meta
		default:
			return StatusUnhealthy, "source closed", meta
		}
	})
}

// ActivityCheck degrades when nothing has been sent for staleAfter.
// A zero staleAfter disables it.
func ActivityCheck(snapshot func() types.StatsSnapshot, staleAfter time.Duration, now func() time.Time) HealthCheck {
	if now == nil {
		now = time.Now
	}
	return CheckWithMetadata(func() (Status, string, map[string]interface{}) {
		snap := snapshot()
		meta := map[string]interface{}{
			"lines_sent":   snap.LinesSent,
			"lines_failed": snap.LinesFailed,
		}
		if staleAfter <= 0 {
			return StatusHealthy, "activity check disabled", meta
		}

		last := snap.LastActivity
		if last.IsZero() {
			last = snap.StartTime
		}
		meta["last_activity"] = last

		if idle := now().Sub(last); idle > staleAfter {
			return StatusDegraded, "no lines sent for " + idle.Truncate(time.Second).String(), meta
		}
		return StatusHealthy, "active", meta
	})
}
