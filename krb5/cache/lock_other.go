//go:build !unix && !windows

package cache

import (
	"os"
	"sync"
)

// Without an OS file lock only goroutines in this process are excluded.
var processLocks sync.Map // lock file name -> *sync.Mutex

func tryLock(f *os.File) (bool, error) {
	v, _ := processLocks.LoadOrStore(f.Name(), new(sync.Mutex))
	return v.(*sync.Mutex).TryLock(), nil
}

func unlock(f *os.File) error {
	if v, ok := processLocks.Load(f.Name()); ok {
		v.(*sync.Mutex).Unlock()
	}
	return nil
}

func writeFile(path string, b []byte, retries int) error {
	return os.WriteFile(path, b, 0o600)
}
