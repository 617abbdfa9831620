// Package lock serialises sessions that share a target with an advisory
// file lock.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// PollInterval is how often a waiting Acquire retries a contended lock.
var PollInterval = 100 * time.Millisecond

// Path returns the lock file used for target under baseDir.
func Path(baseDir, target string) string {
	return filepath.Join(baseDir, ".sbdmock", target+".lock")
}

// Lock is a held advisory lock.
type Lock struct {
	file *os.File
}

// Acquire takes an exclusive lock on path, creating it if needed. When
// another session holds it Acquire logs once and waits until the lock is
// free or ctx is done, in which case it returns ctx.Err().
func Acquire(ctx context.Context, path string, logger *slog.Logger) (*Lock, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	held, err := tryLock(f)
	if err == nil && !held {
		logger.Info("target is in use by another session, waiting", "lock", path)
		start := time.Now()
		held, err = wait(ctx, f)
		if held {
			logger.Info("acquired target lock", "lock", path, "waited", time.Since(start).Round(time.Second))
		}
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	if err := f.Truncate(0); err == nil {
		_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	}
	return &Lock{file: f}, nil
}

func wait(ctx context.Context, f *os.File) (bool, error) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
			held, err := tryLock(f)
			if err != nil || held {
				return held, err
			}
		}
	}
}

// tryLock reports false when the lock is held through another open file.
func tryLock(f *os.File) (bool, error) {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return false, nil
	}
	return err == nil, err
}

// Release drops the lock. The file stays so waiters keep a stable inode.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	defer func() { l.file = nil }()
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		l.file.Close()
		return fmt.Errorf("unlock: %w", err)
	}
	return l.file.Close()
}
