package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// ErrHeld is returned when another process already serves the address.
var ErrHeld = errors.New("listener lock held by another process")

// ListenerLock guards a listen address with flock(2). The lock lives as long
// as the file descriptor stays open.
type ListenerLock struct {
	path string
	f    *os.File
}

// LockFileName maps a listen address to a file name safe on any filesystem.
func LockFileName(addr string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			return r
		default:
			return '_'
		}
	}, addr)
	return "listener-" + name + ".lock"
}

// AcquireListenerLock takes an exclusive non-blocking lock for addr inside
// dir and records the holder's PID and address in the file.
func AcquireListenerLock(dir, addr string) (*ListenerLock, error) {
	if addr == "" {
		return nil, fmt.Errorf("listen address is empty")
	}
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	path := filepath.Join(dir, LockFileName(addr))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s (%s)", ErrHeld, addr, path)
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	l := &ListenerLock{path: path, f: f}
	if err := l.writeHolder(addr); err != nil {
		_ = l.Release()
		return nil, err
	}
	return l, nil
}

func (l *ListenerLock) writeHolder(addr string) error {
	if err := l.f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := l.f.WriteAt([]byte(fmt.Sprintf("%d %s\n", os.Getpid(), addr)), 0); err != nil {
		return fmt.Errorf("write lock holder: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("sync lock file: %w", err)
	}
	return nil
}

func (l *ListenerLock) Path() string { return l.path }

// Release drops the lock. It is safe to call more than once.
func (l *ListenerLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
