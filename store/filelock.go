package store

import (
	"fmt"
	"os"
	"time"
)

// Lock acquisition tuning. Variables so tests can shrink the wait.
var (
	lockRetries    = 50
	lockRetryDelay = 100 * time.Millisecond
	staleLockAge   = 30 * time.Second
)

// fileLock is an advisory lock held by creating <path>.lock exclusively.
type fileLock struct {
	file *os.File
	path string
}

// acquireFileLock takes the lock guarding filePath. A lock file older than
// staleLockAge is assumed to belong to a dead process and is removed.
func acquireFileLock(filePath string) (*fileLock, error) {
	lockPath := filePath + ".lock"

	for range lockRetries {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			// PID helps when someone has to clean up by hand.
			fmt.Fprintf(f, "%d", os.Getpid())
			return &fileLock{file: f, path: lockPath}, nil
		}

		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to acquire file lock: %w", err)
		}

		if info, statErr := os.Stat(lockPath); statErr == nil &&
			time.Since(info.ModTime()) > staleLockAge {
			if remErr := os.Remove(lockPath); remErr != nil && !os.IsNotExist(remErr) {
				return nil, fmt.Errorf(
					"failed to remove stale lock file %s: %w",
					lockPath,
					remErr,
				)
			}
			continue
		}

		time.Sleep(lockRetryDelay)
	}

	return nil, fmt.Errorf(
		"timeout waiting for file lock after %v",
		time.Duration(lockRetries)*lockRetryDelay,
	)
}

// release drops the lock. Releasing twice returns the os.Remove error.
func (l *fileLock) release() error {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	return os.Remove(l.path)
}
