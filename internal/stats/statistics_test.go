package stats

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/therealutkarshpriyadarshi/logrelay/internal/logging"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestStatisticsCounters(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewWithClock(clock.Now)

	s.RecordSent(10)
	s.RecordSent(20)
	s.RecordFailed()
	s.RecordRotation()
	s.RecordRecoveryFailure()
	clock.Advance(10 * time.Second)

	snap := s.Snapshot()
	if snap.LinesProcessed != 3 || snap.LinesSent != 2 || snap.LinesFailed != 1 {
		t.Errorf("Unexpected line counters: %+v", snap)
	}
	if snap.BytesSent != 30 {
		t.Errorf("Expected 30 bytes, got %d", snap.BytesSent)
	}
	if snap.RotationCount != 1 || snap.RecoveryFailures != 1 {
		t.Errorf("Unexpected rotation counters: %+v", snap)
	}
	if snap.Uptime != 10*time.Second {
		t.Errorf("Expected uptime 10s, got %v", snap.Uptime)
	}
	if snap.LinesPerSecond != 0.2 {
		t.Errorf("Expected 0.2 lines/s, got %v", snap.LinesPerSecond)
	}
	if snap.BytesPerSecond != 3 {
		t.Errorf("Expected 3 bytes/s, got %v", snap.BytesPerSecond)
	}
	if !snap.LastActivity.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Unexpected last activity: %v", snap.LastActivity)
	}
}

func TestStatisticsZeroUptime(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	s := NewWithClock(clock.Now)
	s.RecordSent(5)

	snap := s.Snapshot()
	if snap.LinesPerSecond != 0 || snap.BytesPerSecond != 0 {
		t.Errorf("Expected zero rates at zero uptime, got %v and %v", snap.LinesPerSecond, snap.BytesPerSecond)
	}
}

func TestStatisticsConsistentUnderConcurrency(t *testing.T) {
	s := New()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	violations := make(chan string, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			snap := s.Snapshot()
			if snap.LinesSent+snap.LinesFailed != snap.LinesProcessed {
				select {
				case violations <- "sent + failed != processed":
				default:
				}
				return
			}
		}
	}()

	var writers sync.WaitGroup
	for i := 0; i < 4; i++ {
		writers.Add(1)
		go func(i int) {
			defer writers.Done()
			for j := 0; j < 1000; j++ {
				if (i+j)%3 == 0 {
					s.RecordFailed()
				} else {
					s.RecordSent(j)
				}
			}
		}(i)
	}
	writers.Wait()
	close(stop)
	wg.Wait()

	select {
	case v := <-violations:
		t.Fatal(v)
	default:
	}

	if snap := s.Snapshot(); snap.LinesProcessed != 4000 {
		t.Errorf("Expected 4000 processed, got %d", snap.LinesProcessed)
	}
}

func TestReporter(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(logging.Config{Level: "debug", Format: "json", Output: &buf})

	s := New()
	s.RecordSent(42)
	NewReporter(logger).Report(s.Snapshot())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 log lines, got %d: %s", len(lines), buf.String())
	}

	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("Failed to parse log line: %v", err)
	}
	if entry["level"] != "info" || entry["component"] != "stats" {
		t.Errorf("Unexpected entry: %v", entry)
	}
	if entry["bytes_sent"] != float64(42) {
		t.Errorf("Expected bytes_sent 42, got %v", entry["bytes_sent"])
	}

	if !strings.Contains(lines[1], `"level":"debug"`) || !strings.Contains(lines[1], "lines_per_sec") {
		t.Errorf("Expected debug rates line, got %s", lines[1])
	}
}
