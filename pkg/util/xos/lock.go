package xos

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
)

const lockRetryInterval = 50 * time.Millisecond

// FileLock is an exclusive advisory lock on a file, shared with every
// process locking the same file.
type FileLock struct {
	f *os.File
}

// Lock takes the exclusive lock on path, creating the file if needed, and
// waits for the current holder until ctx is done. Filesystems other than
// the OS filesystem are private to the process and get a no-op lock.
func Lock(ctx context.Context, fsys afero.Fs, path string) (*FileLock, error) {
	if _, ok := fsys.(*afero.OsFs); !ok {
		return &FileLock{}, nil
	}
	f, err := os.OpenFile(filepath.Clean(path), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	ticker := time.NewTicker(lockRetryInterval)
	defer ticker.Stop()
	for {
		ok, err := tryLock(f)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		if ok {
			return &FileLock{f: f}, nil
		}
		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Unlock releases the lock. Unlocking a released lock is a no-op.
func (l *FileLock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	f := l.f
	l.f = nil
	err := unlock(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
