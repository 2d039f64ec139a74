package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// LockPath names the lock file shared by every process using the cache at
// path: a hash of the absolute path in the temporary directory.
func LockPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("lock path: %w", err)
	}
	sum := sha256.Sum256([]byte(abs))
	return filepath.Join(os.TempDir(), "krb5cc-"+hex.EncodeToString(sum[:16])+".lock"), nil
}

// fileLock is an exclusive lock held on an open lock file.
type fileLock struct {
	f *os.File
}

const lockPoll = 20 * time.Millisecond

// acquireLock polls for the lock until timeout, then returns ErrCacheBusy.
func acquireLock(ctx context.Context, name string, timeout time.Duration) (*fileLock, error) {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		ok, err := tryLock(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("lock %s: %w", name, err)
		}
		if ok {
			return &fileLock{f: f}, nil
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, ctx.Err()
		case <-deadline.C:
			f.Close()
			return nil, fmt.Errorf("%w: lock %s held for over %s", ErrCacheBusy, name, timeout)
		case <-time.After(lockPoll):
		}
	}
}

func (l *fileLock) release() error {
	err := unlock(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	return err
}
