// Package lock guards a session directory against a second daemon and
// records where the running daemon can be reached.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const fileName = "LOCK"

// ErrNotRunning is returned by Read when no daemon holds the session.
var ErrNotRunning = errors.New("lock: no daemon running for session")

// LockHeldError is returned when another process holds the session lock.
type LockHeldError struct {
	PID  int
	Path string
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("session lock held by PID %d (%s)", e.PID, e.Path)
}

// Info is what a running daemon writes into its lock file.
type Info struct {
	PID      int
	Started  time.Time
	HTTPAddr string
}

// Lock represents an acquired session lock file.
type Lock struct {
	file *os.File
	path string
	info Info
}

// Acquire attempts to acquire an exclusive lock on the session directory.
// Returns LockHeldError if another process already holds it.
func Acquire(sessionDir string) (*Lock, error) {
	lockPath := filepath.Join(sessionDir, fileName)

	if err := os.MkdirAll(sessionDir, 0700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		data, _ := os.ReadFile(lockPath)
		_ = f.Close()
		return nil, &LockHeldError{PID: parse(string(data)).PID, Path: lockPath}
	}

	l := &Lock{file: f, path: lockPath, info: Info{PID: os.Getpid(), Started: time.Now().UTC()}}
	if err := l.write(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return l, nil
}

// Advertise records the HTTP address the daemon listens on.
func (l *Lock) Advertise(httpAddr string) error {
	l.info.HTTPAddr = httpAddr
	return l.write()
}

func (l *Lock) write() error {
	if err := l.file.Truncate(0); err != nil {
		return err
	}
	if _, err := l.file.Seek(0, 0); err != nil {
		return err
	}
	content := fmt.Sprintf("pid=%d\ntime=%s\n", l.info.PID, l.info.Started.Format(time.RFC3339))
	if l.info.HTTPAddr != "" {
		content += "http=" + l.info.HTTPAddr + "\n"
	}
	_, err := l.file.WriteString(content)
	return err
}

// Release releases the lock. Safe to call on nil receiver.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove before closing so no stale file survives.
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

// Read returns the info of the daemon holding sessionDir, or ErrNotRunning.
func Read(sessionDir string) (Info, error) {
	data, err := os.ReadFile(filepath.Join(sessionDir, fileName))
	if errors.Is(err, os.ErrNotExist) {
		return Info{}, ErrNotRunning
	}
	if err != nil {
		return Info{}, err
	}
	info := parse(string(data))
	if info.PID == 0 {
		return Info{}, ErrNotRunning
	}
	return info, nil
}

func parse(content string) Info {
	var info Info
	for _, line := range strings.Split(content, "\n") {
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch k {
		case "pid":
			info.PID, _ = strconv.Atoi(v)
		case "time":
			info.Started, _ = time.Parse(time.RFC3339, v)
		case "http":
			info.HTTPAddr = v
		}
	}
	return info
}
