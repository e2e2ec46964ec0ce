package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/therealutkarshpriyadarshi/logrelay/internal/fileid"
	"github.com/therealutkarshpriyadarshi/logrelay/internal/metrics"
	"github.com/therealutkarshpriyadarshi/logrelay/internal/tailer"
	"github.com/therealutkarshpriyadarshi/logrelay/internal/transport"
)

type fakeSource struct {
	mu          sync.Mutex
	state       tailer.State
	openErr     error
	batches     [][]string
	readErr     error
	rotations   []fileid.Reason
	recoverErr  error
	panicOnRead bool

	checks   int
	recovers int
	closed   bool
}

func (f *fakeSource) Path() string { return "/var/log/fake.log" }

func (f *fakeSource) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		f.state = tailer.Closed
		return f.openErr
	}
	f.state = tailer.Open
	return nil
}

func (f *fakeSource) ReadNewLines() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOnRead {
		panic("corrupted handle")
	}
	if f.state != tailer.Open || len(f.batches) == 0 {
		return nil, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	err := f.readErr
	f.readErr = nil
	if err != nil {
		f.state = tailer.RotationPending
	}
	return batch, err
}

func (f *fakeSource) CheckRotation() (fileid.Decision, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	switch f.state {
	case tailer.Closed:
		return fileid.Decision{Reason: fileid.Closed}, true
	case tailer.RotationPending:
		return fileid.Decision{Reason: fileid.Pending}, true
	}
	if len(f.rotations) > 0 {
		reason := f.rotations[0]
		f.rotations = f.rotations[1:]
		f.state = tailer.RotationPending
		return fileid.Decision{Reason: reason}, true
	}
	return fileid.Decision{Reason: fileid.Unchanged}, false
}

func (f *fakeSource) Recover(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recovers++
	if f.recoverErr != nil {
		f.state = tailer.Closed
		return 3, f.recoverErr
	}
	f.state = tailer.Open
	return 1, nil
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.state = tailer.Closed
	return nil
}

func (f *fakeSource) State() tailer.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSource) Offset() int64 { return 0 }

func (f *fakeSource) Fingerprint() (fileid.Fingerprint, bool) {
	return fileid.Fingerprint{Device: 1, Inode: 2}, true
}

func (f *fakeSource) snapshot() (checks, recovers int, closed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checks, f.recovers, f.closed
}

type fakeSink struct {
	mu      sync.Mutex
	sent    []string
	failOn  string
	onSend  func()
	closed  bool
	maxLine int
}

func (s *fakeSink) Destination() string { return "127.0.0.1:514" }

func (s *fakeSink) Send(ctx context.Context, msg string) (int, error) {
	if s.onSend != nil {
		s.onSend()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn != "" && strings.Contains(msg, s.failOn) {
		return 0, transport.ErrSendFailed
	}
	payload := transport.Truncate(msg, s.maxLine)
	s.sent = append(s.sent, payload)
	return len(payload), nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSink) lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func testConfig() Config {
	return Config{
		PollInterval:          5 * time.Millisecond,
		RotationCheckInterval: 20 * time.Millisecond,
		StatsInterval:         time.Hour,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timeout waiting for %s", what)
}

func startRelay(t *testing.T, r *Relay) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()
	return cancel, errCh
}

func wait(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for relay to stop")
		return nil
	}
}

func TestRunForwardsInOrder(t *testing.T) {
	source := &fakeSource{batches: [][]string{{"one", "two"}, {"three"}}}
	sink := &fakeSink{maxLine: 8192}

	r := New(testConfig(), source, sink)
	cancel, errCh := startRelay(t, r)

	waitFor(t, "three lines", func() bool { return len(sink.lines()) == 3 })
	cancel()
	if err := wait(t, errCh); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if got := strings.Join(sink.lines(), ","); got != "one,two,three" {
		t.Errorf("Expected lines in order, got %s", got)
	}

	snap := r.Stats().Snapshot()
	if snap.LinesSent != 3 || snap.LinesProcessed != 3 || snap.BytesSent != 11 {
		t.Errorf("Unexpected stats: %+v", snap)
	}

	if _, _, closed := source.snapshot(); !closed {
		t.Error("Expected source to be closed")
	}
	if !sink.closed {
		t.Error("Expected sink to be closed")
	}
}

func TestSendFailureDoesNotAbortBatch(t *testing.T) {
	source := &fakeSource{batches: [][]string{{"ok-1", "bad-line", "ok-2"}}}
	sink := &fakeSink{failOn: "bad", maxLine: 8192}

	r := New(testConfig(), source, sink)
	cancel, errCh := startRelay(t, r)

	waitFor(t, "batch", func() bool { return r.Stats().Snapshot().LinesProcessed == 3 })
	cancel()
	wait(t, errCh)

	snap := r.Stats().Snapshot()
	if snap.LinesSent != 2 || snap.LinesFailed != 1 {
		t.Errorf("Unexpected stats: %+v", snap)
	}
	if snap.LinesSent+snap.LinesFailed != snap.LinesProcessed {
		t.Errorf("sent + failed != processed: %+v", snap)
	}
	if got := strings.Join(sink.lines(), ","); got != "ok-1,ok-2" {
		t.Errorf("Expected remaining lines to be sent, got %s", got)
	}
}

func TestStartupWithoutSource(t *testing.T) {
	source := &fakeSource{openErr: errors.New("no such file"), recoverErr: tailer.ErrRecoveryExhausted}
	sink := &fakeSink{}

	r := New(testConfig(), source, sink)
	cancel, errCh := startRelay(t, r)

	waitFor(t, "recovery attempts", func() bool {
		_, recovers, _ := source.snapshot()
		return recovers >= 2
	})
	cancel()
	if err := wait(t, errCh); err != nil {
		t.Fatalf("Run should survive a missing source, got %v", err)
	}

	snap := r.Stats().Snapshot()
	if snap.RotationCount != 0 {
		t.Errorf("Closed source should not count rotations, got %d", snap.RotationCount)
	}
	if snap.RecoveryFailures < 2 {
		t.Errorf("Expected recovery failures to be counted, got %d", snap.RecoveryFailures)
	}
}

func TestRotationCounted(t *testing.T) {
	source := &fakeSource{rotations: []fileid.Reason{fileid.Shrunk}}
	sink := &fakeSink{}
	collector := metrics.NewCollector()

	r := New(testConfig(), source, sink, WithMetrics(collector))
	cancel, errCh := startRelay(t, r)

	waitFor(t, "recovery", func() bool {
		_, recovers, _ := source.snapshot()
		return recovers == 1
	})
	cancel()
	wait(t, errCh)

	if got := r.Stats().Snapshot().RotationCount; got != 1 {
		t.Errorf("Expected 1 rotation, got %d", got)
	}
}

func TestReadFaultTriggersImmediateCheck(t *testing.T) {
	source := &fakeSource{
		batches: [][]string{{"before-fault"}, {"after"}},
		readErr: errors.New("input/output error"),
	}
	sink := &fakeSink{maxLine: 100}

	cfg := testConfig()
	cfg.RotationCheckInterval = time.Hour
	r := New(cfg, source, sink)
	cancel, errCh := startRelay(t, r)

	waitFor(t, "both lines", func() bool { return len(sink.lines()) == 2 })
	cancel()
	wait(t, errCh)

	if _, recovers, _ := source.snapshot(); recovers != 1 {
		t.Errorf("Expected pending state to drive one recovery, got %d", recovers)
	}
}

func TestHintTriggersCheck(t *testing.T) {
	source := &fakeSource{}
	sink := &fakeSink{}
	hints := make(chan fsnotify.Op, 1)

	cfg := testConfig()
	cfg.RotationCheckInterval = time.Hour
	r := New(cfg, source, sink, WithHints(hints))
	cancel, errCh := startRelay(t, r)
	defer func() {
		cancel()
		wait(t, errCh)
	}()

	time.Sleep(20 * time.Millisecond)
	if checks, _, _ := source.snapshot(); checks != 0 {
		t.Fatalf("Expected no checks before the interval, got %d", checks)
	}

	hints <- fsnotify.Rename
	waitFor(t, "hinted check", func() bool {
		checks, _, _ := source.snapshot()
		return checks == 1
	})
}

func TestPanicReturnsUnexpectedFault(t *testing.T) {
	source := &fakeSource{panicOnRead: true}
	sink := &fakeSink{}

	r := New(testConfig(), source, sink)
	_, errCh := startRelay(t, r)

	err := wait(t, errCh)
	if !errors.Is(err, ErrUnexpectedFault) {
		t.Fatalf("Expected ErrUnexpectedFault, got %v", err)
	}
	if _, _, closed := source.snapshot(); !closed {
		t.Error("Expected cleanup to close the source")
	}
	if !sink.closed {
		t.Error("Expected cleanup to close the sink")
	}
}

func TestSlowCycleDetected(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	source := &fakeSource{batches: [][]string{{"slow"}}}
	sink := &fakeSink{onSend: func() {
		mu.Lock()
		now = now.Add(time.Second)
		mu.Unlock()
	}}
	collector := metrics.NewCollector()

	r := New(testConfig(), source, sink, WithClock(clock), WithMetrics(collector))
	cancel, errCh := startRelay(t, r)

	waitFor(t, "line", func() bool { return len(sink.lines()) == 1 })
	cancel()
	wait(t, errCh)

	if r.SlowCycles() != 1 {
		t.Errorf("Expected 1 slow cycle, got %d", r.SlowCycles())
	}
}

func TestPreview(t *testing.T) {
	long := strings.Repeat("é", 150)
	if got := preview(long); len([]rune(got)) != previewLength {
		t.Errorf("Expected %d runes, got %d", previewLength, len([]rune(got)))
	}
	if got := preview("short"); got != "short" {
		t.Errorf("Expected short line unchanged, got %q", got)
	}
}
