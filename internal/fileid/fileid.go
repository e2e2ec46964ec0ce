// Package fileid fingerprints a path and decides whether the file behind it
// is still the stream being tailed.
package fileid

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"
)

// ErrNotFound is returned by Stat when the path does not resolve to a file.
var ErrNotFound = errors.New("file not found")

// Fingerprint identifies one incarnation of a file.
type Fingerprint struct {
	Device  uint64
	Inode   uint64
	Size    int64
	ModTime time.Time
}

// SameIdentity reports whether both fingerprints refer to the same inode.
// Platforms without inode support always report true.
func (f Fingerprint) SameIdentity(other Fingerprint) bool {
	return f.Device == other.Device && f.Inode == other.Inode
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("dev=%d ino=%d size=%d mtime=%s", f.Device, f.Inode, f.Size, f.ModTime.Format(time.RFC3339Nano))
}

// Stat fingerprints path.
func Stat(path string) (Fingerprint, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Fingerprint{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return Fingerprint{}, err
	}
	if !fi.Mode().IsRegular() {
		return Fingerprint{}, fmt.Errorf("%w: %s is not a regular file", ErrNotFound, path)
	}
	return FromInfo(fi), nil
}

// FromInfo builds a fingerprint from an already obtained FileInfo.
func FromInfo(fi os.FileInfo) Fingerprint {
	dev, ino := identity(fi)
	return Fingerprint{
		Device:  dev,
		Inode:   ino,
		Size:    fi.Size(),
		ModTime: fi.ModTime(),
	}
}

// Prober reads from the currently open handle without moving its cursor.
// *os.File satisfies it.
type Prober interface {
	ReadAt(p []byte, off int64) (int, error)
}

// Reason explains a classification.
type Reason int

const (
	Unchanged Reason = iota
	Missing
	IdentityChanged
	Shrunk
	ModTimeRegressed
	ProbeFailed
	// Closed and Pending are reported by the tailer, never by Classify.
	Closed
	Pending
)

func (r Reason) String() string {
	switch r {
	case Unchanged:
		return "unchanged"
	case Missing:
		return "missing"
	case IdentityChanged:
		return "identity_changed"
	case Shrunk:
		return "shrunk"
	case ModTimeRegressed:
		return "mtime_regressed"
	case ProbeFailed:
		return "probe_failed"
	case Closed:
		return "closed"
	case Pending:
		return "pending"
	default:
		return "unknown"
	}
}

// Decision is the outcome of Classify.
type Decision struct {
	Reason Reason
	Detail string
}

// Rotated is true for every reason except Unchanged.
func (d Decision) Rotated() bool {
	return d.Reason != Unchanged
}

// Classify compares the fingerprint recorded at open time (prev, may be nil)
// with a fresh one. statErr is the error Stat returned for cur. offset is how
// far the tailer has consumed. probe, when set, is the open handle.
//
// Rules fire in order: missing path, identity change, size below offset,
// mtime going backwards, and a failed probe read at offset while the path
// claims more data is there.
func Classify(prev *Fingerprint, cur Fingerprint, statErr error, offset int64, probe Prober) Decision {
	if statErr != nil {
		return Decision{Reason: Missing, Detail: statErr.Error()}
	}

	if prev != nil && !prev.SameIdentity(cur) {
		return Decision{
			Reason: IdentityChanged,
			Detail: fmt.Sprintf("inode %d/%d -> %d/%d", prev.Device, prev.Inode, cur.Device, cur.Inode),
		}
	}

	if cur.Size < offset {
		return Decision{
			Reason: Shrunk,
			Detail: fmt.Sprintf("size %d below offset %d", cur.Size, offset),
		}
	}

	if prev != nil && cur.ModTime.Before(prev.ModTime) {
		return Decision{
			Reason: ModTimeRegressed,
			Detail: fmt.Sprintf("mtime %s -> %s", prev.ModTime.Format(time.RFC3339Nano), cur.ModTime.Format(time.RFC3339Nano)),
		}
	}

	if probe != nil && cur.Size > offset {
		var b [1]byte
		n, err := probe.ReadAt(b[:], offset)
		if n == 0 {
			detail := fmt.Sprintf("no data at offset %d although size is %d", offset, cur.Size)
			if err != nil && !errors.Is(err, io.EOF) {
				detail = fmt.Sprintf("read at offset %d: %v", offset, err)
			}
			return Decision{Reason: ProbeFailed, Detail: detail}
		}
	}

	return Decision{Reason: Unchanged}
}
