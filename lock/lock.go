// Package lock implements the single-instance file guard: only one
// orchestrator process may hold the robot hardware link at a time.
package lock

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// FileLock is an exclusive, non-blocking advisory lock on a file,
// mirroring original_source/file_lock.py's fcntl.flock guard.
type FileLock struct {
	path string
	file *os.File
}

// New returns an unacquired lock over path.
func New(path string) *FileLock {
	return &FileLock{path: path}
}

// Acquire takes the lock, failing immediately if another process already
// holds it. On success the current pid is written into the lock file so
// RunningPID can report who is holding it.
func (l *FileLock) Acquire() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("lock: open %s: %w", l.path, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return fmt.Errorf("lock: %s is held by another process: %w", l.path, err)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return err
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0); err != nil {
		f.Close()
		return err
	}

	l.file = f
	return nil
}

// Release drops the lock and removes the lock file.
func (l *FileLock) Release() error {
	if l.file == nil {
		return nil
	}
	syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	l.file.Close()
	l.file = nil
	return os.Remove(l.path)
}

// RunningPID reads the pid recorded in an existing lock file, for the
// diagnostic message printed when Acquire fails.
func RunningPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return pid, true
}
