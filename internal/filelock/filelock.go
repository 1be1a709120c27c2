// Package filelock implements the cross-process exclusive-create lock used
// for the per-sidecar start lock: contention is resolved by the operating
// system's O_EXCL semantics, never by a check-then-create race, matching the
// atomic-write-then-rename discipline the teacher uses for its port file and
// the "<value>:<pid>" encoding it uses for its PID file.
package filelock

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Lock is a single exclusive-create lock file on disk.
type Lock struct {
	path string
}

// New returns a Lock bound to path. It does not touch the filesystem.
func New(path string) *Lock {
	return &Lock{path: path}
}

// TryAcquire attempts to create the lock file with O_EXCL semantics. If the
// file already exists, its embedded "<unix-ms>:<pid>" payload is read; a
// lock older than ttl is considered abandoned and is deleted before a single
// retry. Returns true only once the exclusive create itself has succeeded.
func (l *Lock) TryAcquire(ttl time.Duration) (bool, error) {
	acquired, err := l.createExclusive()
	if err == nil {
		return acquired, nil
	}
	if !os.IsExist(err) {
		return false, err
	}

	stale, readErr := l.isStale(ttl)
	if readErr != nil {
		// Couldn't read the existing lock; treat as contended rather than
		// erroring the caller out of a retry loop.
		return false, nil
	}
	if !stale {
		return false, nil
	}

	if rmErr := os.Remove(l.path); rmErr != nil && !os.IsNotExist(rmErr) {
		return false, rmErr
	}
	return l.createExclusive()
}

// createExclusive performs the actual O_EXCL create-and-write. A create
// failure due to a concurrent winner is returned as OpenFile's own error,
// unwrapped, so callers can recognise it with os.IsExist.
func (l *Lock) createExclusive() (bool, error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return false, err
	}
	defer f.Close()

	payload := fmt.Sprintf("%d:%d", time.Now().UnixMilli(), os.Getpid())
	if _, err := f.WriteString(payload); err != nil {
		_ = os.Remove(l.path)
		return false, err
	}
	return true, nil
}

// isStale reads the existing lock file and reports whether it is older than
// ttl, under the "<unix-ms>:<pid>" encoding.
func (l *Lock) isStale(ttl time.Duration) (bool, error) {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return false, err
	}
	ms, _, err := parsePayload(string(raw))
	if err != nil {
		return false, err
	}
	age := time.Since(time.UnixMilli(ms))
	return age >= ttl, nil
}

// Release deletes the lock file. Safe to call when the lock was never
// acquired or has already been released.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Owner reads the lock file's embedded timestamp and owner PID without
// affecting its lifetime. ok is false if the file does not exist or cannot
// be parsed.
func (l *Lock) Owner() (acquiredAt time.Time, ownerPID int, ok bool) {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return time.Time{}, 0, false
	}
	ms, pid, err := parsePayload(string(raw))
	if err != nil {
		return time.Time{}, 0, false
	}
	return time.UnixMilli(ms), pid, true
}

func parsePayload(raw string) (ms int64, pid int, err error) {
	parts := strings.SplitN(strings.TrimSpace(raw), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("filelock: malformed payload %q", raw)
	}
	ms, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("filelock: malformed timestamp %q: %w", parts[0], err)
	}
	pid64, err := strconv.ParseInt(parts[1], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("filelock: malformed pid %q: %w", parts[1], err)
	}
	return ms, int(pid64), nil
}
