package fileio

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileLock is an exclusive lock on one file. Goroutines of this process
// serialise on the shared mutex from Lock(path); other processes are kept out
// by an advisory lock on path+".lock" where the platform supports it.
type FileLock struct {
	mu   *sync.Mutex
	path string
	f    *os.File
}

// NewFileLock returns the lock guarding path.
func NewFileLock(path string) *FileLock {
	return &FileLock{mu: Lock(path), path: path + ".lock"}
}

// Path returns the lock file path.
func (l *FileLock) Path() string { return l.path }

// Lock blocks until both the in-process and the cross-process lock are held.
func (l *FileLock) Lock() error {
	l.mu.Lock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		l.mu.Unlock()
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("open lock %s: %w", l.path, err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		l.mu.Unlock()
		return fmt.Errorf("lock %s: %w", l.path, err)
	}
	l.f = f
	return nil
}

// Unlock releases both locks. It must follow a successful Lock.
func (l *FileLock) Unlock() error {
	f := l.f
	l.f = nil
	err := unlockFile(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	l.mu.Unlock()
	return err
}
