// Package lockfile keeps two assistants from sharing one state directory.
//
// The lock is an flock on a file in the state directory, so the kernel drops
// it when the process exits, however it exits.
package lockfile

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the lock file created in the state directory.
const LockFileName = "assistant.lock"

// Info is the owner record written into a held lock file.
type Info struct {
	PID       int
	StartedAt time.Time
}

func (i Info) String() string {
	return fmt.Sprintf("pid=%d\nstarted=%s\n", i.PID, i.StartedAt.UTC().Format(time.RFC3339))
}

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes the lock for stateDir, creating the directory if needed.
// A directory locked by another process yields a *HeldError.
func Acquire(stateDir string) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}
	path := filepath.Join(stateDir, LockFileName)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		owner, _ := ReadInfo(path)
		slog.Error("Lock Acquire failed: state directory in use", "lock_path", path, "owner_pid", owner.PID)
		return nil, &HeldError{Path: path, Owner: owner, Cause: err}
	}

	// Truncate only once the lock is ours; the holder's record stays readable.
	info := Info{PID: os.Getpid(), StartedAt: time.Now()}
	if err := writeInfo(file, info); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock file %s: %w", path, err)
	}

	slog.Info("Lock Acquire succeeded", "lock_path", path, "pid", info.PID)
	return &Lock{file: file, path: path}, nil
}

func writeInfo(file *os.File, info Info) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt([]byte(info.String()), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("Lock file sync failed", "lock_path", file.Name(), "error", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release drops the lock and removes the lock file. Releasing twice is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	file := l.file
	l.file = nil

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Lock file removal failed", "lock_path", l.path, "error", err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("Lock unlock failed", "lock_path", l.path, "error", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close lock file %s: %w", l.path, err)
	}
	slog.Info("Lock Release succeeded", "lock_path", l.path)
	return nil
}

// HeldError reports a state directory locked by another process.
type HeldError struct {
	Path  string
	Owner Info
	Cause error
}

func (e *HeldError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "another assistant instance is using this state directory (lock file %s)", e.Path)
	if e.Owner.PID > 0 {
		state := "running"
		if !ProcessAlive(e.Owner.PID) {
			state = "not running"
		}
		fmt.Fprintf(&b, "; owner pid %d (%s)", e.Owner.PID, state)
		if !e.Owner.StartedAt.IsZero() {
			fmt.Fprintf(&b, " started %s", e.Owner.StartedAt.Format(time.RFC3339))
		}
	}
	return b.String()
}

func (e *HeldError) Unwrap() error {
	return e.Cause
}

// ReadInfo parses the owner record of a lock file. Unknown lines are skipped.
func ReadInfo(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()
	return parseInfo(bufio.NewScanner(f))
}

func parseInfo(s *bufio.Scanner) (Info, error) {
	var info Info
	for s.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(s.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil && pid > 0 {
				info.PID = pid
			}
		case "started":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				info.StartedAt = t
			}
		}
	}
	return info, s.Err()
}

// ProcessAlive reports whether a process with pid exists.
func ProcessAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
