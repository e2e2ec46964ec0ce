package fileid

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type stubProber struct {
	n   int
	err error
}

func (s stubProber) ReadAt(p []byte, off int64) (int, error) {
	return s.n, s.err
}

func TestStat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	if err := os.WriteFile(path, []byte("hello\n"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	fp, err := Stat(path)
	if err != nil {
		t.Fatalf("Failed to stat file: %v", err)
	}
	if fp.Size != 6 {
		t.Errorf("Expected size 6, got %d", fp.Size)
	}

	_, err = Stat(filepath.Join(t.TempDir(), "missing.log"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	_, err = Stat(t.TempDir())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for a directory, got %v", err)
	}
}

func TestStatTracksRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	if err := os.WriteFile(path, []byte("one\n"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	before, err := Stat(path)
	if err != nil {
		t.Fatalf("Failed to stat file: %v", err)
	}

	if err := os.Rename(path, path+".1"); err != nil {
		t.Fatalf("Failed to rename: %v", err)
	}
	if err := os.WriteFile(path, []byte("two\n"), 0644); err != nil {
		t.Fatalf("Failed to recreate file: %v", err)
	}
	after, err := Stat(path)
	if err != nil {
		t.Fatalf("Failed to stat file: %v", err)
	}

	if before.Inode == 0 {
		t.Skip("platform does not expose inode numbers")
	}
	if before.SameIdentity(after) {
		t.Errorf("Expected a different identity after rename, got %s and %s", before, after)
	}
}

func TestClassify(t *testing.T) {
	now := time.Now()
	prev := Fingerprint{Device: 1, Inode: 42, Size: 100, ModTime: now}

	tests := []struct {
		name    string
		prev    *Fingerprint
		cur     Fingerprint
		statErr error
		offset  int64
		probe   Prober
		want    Reason
	}{
		{
			name:    "missing path",
			prev:    &prev,
			statErr: ErrNotFound,
			offset:  100,
			want:    Missing,
		},
		{
			name:   "inode changed",
			prev:   &prev,
			cur:    Fingerprint{Device: 1, Inode: 43, Size: 200, ModTime: now},
			offset: 100,
			want:   IdentityChanged,
		},
		{
			name:   "device changed",
			prev:   &prev,
			cur:    Fingerprint{Device: 2, Inode: 42, Size: 200, ModTime: now},
			offset: 100,
			want:   IdentityChanged,
		},
		{
			name:   "truncated below offset",
			prev:   &prev,
			cur:    Fingerprint{Device: 1, Inode: 42, Size: 10, ModTime: now.Add(time.Second)},
			offset: 100,
			want:   Shrunk,
		},
		{
			name:   "mtime went backwards",
			prev:   &prev,
			cur:    Fingerprint{Device: 1, Inode: 42, Size: 100, ModTime: now.Add(-time.Hour)},
			offset: 100,
			want:   ModTimeRegressed,
		},
		{
			name:   "probe returns nothing",
			prev:   &prev,
			cur:    Fingerprint{Device: 1, Inode: 42, Size: 150, ModTime: now},
			offset: 100,
			probe:  stubProber{n: 0, err: io.EOF},
			want:   ProbeFailed,
		},
		{
			name:   "probe errors",
			prev:   &prev,
			cur:    Fingerprint{Device: 1, Inode: 42, Size: 150, ModTime: now},
			offset: 100,
			probe:  stubProber{n: 0, err: errors.New("stale handle")},
			want:   ProbeFailed,
		},
		{
			name:   "probe reads a byte",
			prev:   &prev,
			cur:    Fingerprint{Device: 1, Inode: 42, Size: 150, ModTime: now},
			offset: 100,
			probe:  stubProber{n: 1},
			want:   Unchanged,
		},
		{
			name:   "caught up skips probe",
			prev:   &prev,
			cur:    Fingerprint{Device: 1, Inode: 42, Size: 100, ModTime: now},
			offset: 100,
			probe:  stubProber{n: 0, err: io.EOF},
			want:   Unchanged,
		},
		{
			name:   "no previous fingerprint",
			cur:    Fingerprint{Device: 1, Inode: 42, Size: 100, ModTime: now},
			offset: 50,
			want:   Unchanged,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.prev, tt.cur, tt.statErr, tt.offset, tt.probe)
			if got.Reason != tt.want {
				t.Errorf("Classify() = %s (%s), want %s", got.Reason, got.Detail, tt.want)
			}
			if got.Rotated() != (tt.want != Unchanged) {
				t.Errorf("Rotated() = %v for reason %s", got.Rotated(), got.Reason)
			}
		})
	}
}

func TestClassifyProbeDoesNotMoveCursor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	if err := os.WriteFile(path, []byte("abcdef"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Failed to open file: %v", err)
	}
	defer f.Close()

	if _, err := f.Seek(2, io.SeekStart); err != nil {
		t.Fatalf("Failed to seek: %v", err)
	}
	fp, err := Stat(path)
	if err != nil {
		t.Fatalf("Failed to stat file: %v", err)
	}

	if d := Classify(&fp, fp, nil, 2, f); d.Rotated() {
		t.Fatalf("Expected unchanged, got %s", d.Reason)
	}

	pos, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		t.Fatalf("Failed to read position: %v", err)
	}
	if pos != 2 {
		t.Errorf("Expected cursor to stay at 2, got %d", pos)
	}
}
