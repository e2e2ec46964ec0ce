package tailer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"

	"github.com/therealutkarshpriyadarshi/logrelay/internal/fileid"
	"github.com/therealutkarshpriyadarshi/logrelay/internal/logging"
	"github.com/therealutkarshpriyadarshi/logrelay/internal/reliability"
)

var (
	// ErrSourceUnavailable is returned by Open when the path cannot be opened.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrRecoveryExhausted is returned by Recover when every attempt failed.
	ErrRecoveryExhausted = errors.New("rotation recovery exhausted")
)

// State of the tailer
type State int

const (
	Closed State = iota
	Open
	RotationPending
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case RotationPending:
		return "rotation_pending"
	default:
		return "unknown"
	}
}

// Config configures a Tailer
type Config struct {
	Path     string
	Encoding string
	Retry    reliability.RetryConfig
}

// handle is everything that only exists while the source is not Closed.
type handle struct {
	file   *os.File
	reader io.ReaderAt
	offset int64
	fp     fileid.Fingerprint
}

// Tailer follows a single file from its end, surviving rotation.
// ReadNewLines, CheckRotation, Recover and Close must be called from one
// goroutine; State, Offset and Fingerprint are safe from any.
type Tailer struct {
	path    string
	retry   reliability.RetryConfig
	decoder *encoding.Decoder
	logger  *logging.Logger

	mu    sync.RWMutex
	state State
	cur   *handle
}

// New creates a new Tailer in the Closed state
func New(cfg Config, logger *logging.Logger) (*Tailer, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("source path is required")
	}

	dec, err := newDecoder(cfg.Encoding)
	if err != nil {
		return nil, err
	}

	retry := cfg.Retry
	retry.DelayFirst = true
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 5
	}

	return &Tailer{
		path:    cfg.Path,
		retry:   retry,
		decoder: dec,
		logger:  logger.WithComponent("tailer"),
		state:   Closed,
	}, nil
}

func newDecoder(name string) (*encoding.Decoder, error) {
	if name == "" || strings.EqualFold(name, "utf-8") || strings.EqualFold(name, "utf8") {
		return unicode.UTF8.NewDecoder(), nil
	}
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil {
		return nil, fmt.Errorf("unknown source encoding %q: %w", name, err)
	}
	if enc == nil {
		return nil, fmt.Errorf("unsupported source encoding %q", name)
	}
	// Lines are split on 0x0A before decoding
	if nl, err := enc.NewEncoder().Bytes([]byte("\n")); err != nil || len(nl) != 1 || nl[0] != '\n' {
		return nil, fmt.Errorf("unsupported source encoding %q: newline is not a single 0x0A byte", name)
	}
	return enc.NewDecoder(), nil
}

// Path returns the watched path
func (t *Tailer) Path() string {
	return t.path
}

// State returns the current state
func (t *Tailer) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Offset returns the read offset, or -1 when Closed
func (t *Tailer) Offset() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.cur == nil {
		return -1
	}
	return t.cur.offset
}

// Fingerprint returns the fingerprint recorded at open time
func (t *Tailer) Fingerprint() (fileid.Fingerprint, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.cur == nil {
		return fileid.Fingerprint{}, false
	}
	return t.cur.fp, true
}

// Open opens the path and positions at its end. Content already in the file
// is never returned.
func (t *Tailer) Open() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closeLocked()

	file, err := os.Open(t.path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("%w: failed to stat file: %v", ErrSourceUnavailable, err)
	}
	if !stat.Mode().IsRegular() {
		file.Close()
		return fmt.Errorf("%w: %s is not a regular file", ErrSourceUnavailable, t.path)
	}

	offset, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		file.Close()
		return fmt.Errorf("%w: failed to seek file: %v", ErrSourceUnavailable, err)
	}

	fp := fileid.FromInfo(stat)
	fp.Size = offset
	t.cur = &handle{file: file, reader: file, offset: offset, fp: fp}
	t.state = Open

	t.logger.Info().
		Str("path", t.path).
		Int64("offset", offset).
		Uint64("inode", fp.Inode).
		Uint64("device", fp.Device).
		Msg("Opened source at end of file")

	return nil
}

// ReadNewLines returns the complete lines appended since the last call, in
// file order. A trailing line without terminator is left for a later call.
// On a read fault the lines completed before it are returned with the error
// and the source is marked RotationPending.
func (t *Tailer) ReadNewLines() ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != Open {
		return nil, nil
	}

	h := t.cur
	stat, err := h.file.Stat()
	if err != nil {
		t.state = RotationPending
		return nil, fmt.Errorf("failed to stat open handle: %w", err)
	}

	size := stat.Size()
	if size <= h.offset {
		if size < h.offset {
			t.logger.Warn().
				Str("path", t.path).
				Int64("offset", h.offset).
				Int64("size", size).
				Msg("File shrank below read offset")
			t.state = RotationPending
		}
		return nil, nil
	}

	reader := bufio.NewReader(io.NewSectionReader(h.reader, h.offset, size-h.offset))

	var lines []string
	for {
		raw, err := reader.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Unterminated fragment stays unread
				return lines, nil
			}
			t.logger.Warn().
				Err(err).
				Str("path", t.path).
				Int64("offset", h.offset).
				Int("lines", len(lines)).
				Msg("Read fault, discarding offset")
			t.state = RotationPending
			return lines, fmt.Errorf("read %s at offset %d: %w", t.path, h.offset, err)
		}

		h.offset += int64(len(raw))

		line := strings.TrimRight(t.decode(raw), "\r\n")
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
}

func (t *Tailer) decode(raw []byte) string {
	out, err := t.decoder.Bytes(raw)
	if err != nil {
		return strings.ToValidUTF8(string(raw), "\uFFFD")
	}
	return string(out)
}

// CheckRotation reports whether the source needs to be re-established
func (t *Tailer) CheckRotation() (fileid.Decision, bool) {
	t.mu.RLock()
	state := t.state
	h := t.cur
	t.mu.RUnlock()

	switch state {
	case Closed:
		return fileid.Decision{Reason: fileid.Closed, Detail: "source is closed"}, true
	case RotationPending:
		return fileid.Decision{Reason: fileid.Pending, Detail: "rotation pending"}, true
	}

	cur, statErr := fileid.Stat(t.path)
	d := fileid.Classify(&h.fp, cur, statErr, h.offset, h.reader)
	if d.Rotated() {
		t.mu.Lock()
		if t.state == Open {
			t.state = RotationPending
		}
		t.mu.Unlock()
	}
	return d, d.Rotated()
}

// Recover closes the current handle and retries Open with backoff. When every
// attempt fails it returns ErrRecoveryExhausted and the source stays Closed.
func (t *Tailer) Recover(ctx context.Context) (int, error) {
	t.Close()

	t.logger.Info().
		Str("path", t.path).
		Int("max_attempts", t.retry.MaxAttempts).
		Durs("schedule", reliability.Schedule(t.retry)).
		Bool("jitter", t.retry.Jitter).
		Msg("Recovering from rotation")

	cfg := t.retry
	cfg.OnFailure = func(attempt int, err error) {
		t.logger.Warn().
			Err(err).
			Str("path", t.path).
			Int("attempt", attempt).
			Int("max_attempts", cfg.MaxAttempts).
			Msg("Reopen attempt failed")
	}

	attempts, err := reliability.Retry(ctx, cfg, func(ctx context.Context) error {
		return t.Open()
	})
	if err != nil {
		if errors.Is(err, reliability.ErrRetryAborted) {
			return attempts, err
		}
		return attempts, fmt.Errorf("%w after %d attempts: %v", ErrRecoveryExhausted, attempts, err)
	}

	t.logger.Info().
		Str("path", t.path).
		Int("attempts", attempts).
		Msg("Recovered from rotation")

	return attempts, nil
}

// Close releases the handle and moves to Closed
func (t *Tailer) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeLocked()
}

func (t *Tailer) closeLocked() error {
	t.state = Closed
	if t.cur == nil {
		return nil
	}
	err := t.cur.file.Close()
	t.cur = nil
	return err
}
