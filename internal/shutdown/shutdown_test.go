package shutdown

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/therealutkarshpriyadarshi/logrelay/internal/logging"
)

func TestNew(t *testing.T) {
	manager := New(Config{Logger: logging.Nop()})
	if manager.timeout != 10*time.Second {
		t.Errorf("Expected default timeout 10s, got %v", manager.timeout)
	}
	if manager.Context().Err() != nil {
		t.Error("Context should not be cancelled before shutdown")
	}
}

func TestShutdownReverseOrder(t *testing.T) {
	manager := New(Config{Logger: logging.Nop(), Timeout: 5 * time.Second})

	var callOrder []string
	for _, name := range []string{"sink", "source", "http"} {
		name := name
		manager.RegisterFunc(name, func(ctx context.Context) error {
			callOrder = append(callOrder, name)
			return nil
		})
	}

	manager.Shutdown()

	want := "http,source,sink"
	if got := strings.Join(callOrder, ","); got != want {
		t.Errorf("Expected order %s, got %s", want, got)
	}

	select {
	case <-manager.Done():
	default:
		t.Error("Done should be closed after shutdown")
	}
	if manager.Context().Err() == nil {
		t.Error("Context should be cancelled after shutdown")
	}
}

func TestShutdownContinuesAfterError(t *testing.T) {
	manager := New(Config{Logger: logging.Nop(), Timeout: time.Second})

	ran := false
	manager.RegisterFunc("first", func(ctx context.Context) error {
		ran = true
		return nil
	})
	manager.RegisterFunc("failing", func(ctx context.Context) error {
		return errors.New("close failed")
	})

	manager.Shutdown()
	if !ran {
		t.Error("Expected remaining functions to run after an error")
	}
}

func TestShutdownTimeout(t *testing.T) {
	manager := New(Config{Logger: logging.Nop(), Timeout: 50 * time.Millisecond})

	skipped := true
	manager.RegisterFunc("never", func(ctx context.Context) error {
		skipped = false
		return nil
	})
	manager.RegisterFunc("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	manager.Shutdown()

	if time.Since(start) > time.Second {
		t.Errorf("Shutdown should respect timeout, took %v", time.Since(start))
	}
	if !skipped {
		t.Error("Expected functions after the timeout to be skipped")
	}
}

func TestShutdownOnce(t *testing.T) {
	manager := New(Config{Logger: logging.Nop()})

	calls := 0
	manager.RegisterFunc("count", func(ctx context.Context) error {
		calls++
		return nil
	})

	manager.Shutdown()
	manager.Shutdown()

	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestWaitForSignal(t *testing.T) {
	manager := New(Config{Logger: logging.Nop(), Timeout: time.Second})

	go manager.WaitForSignal(syscall.SIGUSR1)

	time.Sleep(50 * time.Millisecond)
	if err := syscall.Kill(syscall.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatalf("Failed to send signal: %v", err)
	}

	if err := manager.WaitWithTimeout(2 * time.Second); err != nil {
		t.Fatal(err)
	}
}

func TestTrigger(t *testing.T) {
	manager := New(Config{Logger: logging.Nop(), Timeout: time.Second})

	go manager.WaitForSignal(syscall.SIGUSR2)
	manager.Trigger()

	if err := manager.WaitWithTimeout(2 * time.Second); err != nil {
		t.Fatal(err)
	}
}

func TestWritePIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logrelay.pid")
	manager := New(Config{Logger: logging.Nop()})

	if err := manager.WritePIDFile(path); err != nil {
		t.Fatalf("Failed to write pid file: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read pid file: %v", err)
	}
	if strings.TrimSpace(string(data)) != strconv.Itoa(os.Getpid()) {
		t.Errorf("Unexpected pid file content %q", data)
	}

	manager.Shutdown()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("Expected pid file to be removed, stat err = %v", err)
	}
}
