// Package fslock serializes writers across processes with advisory lock
// files, so two builds on the same machine cannot interleave writes to the
// provisioning profile store or to the patched build tool.
package fslock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/log"
	"github.com/gofrs/flock"
)

// DirLockName is the lock file created inside a locked directory.
const DirLockName = ".targetsign.lock"

const retryDelay = 50 * time.Millisecond

// Lock is a held exclusive lock.
type Lock struct {
	fl *flock.Flock
}

// Acquire blocks until the lock file at path is exclusively held or ctx is done.
func Acquire(ctx context.Context, path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	fl := flock.New(path)
	locked, err := fl.TryLockContext(ctx, retryDelay)
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("failed to lock %s", path)
	}
	log.G(ctx).WithField("lock", path).Debug("acquired lock")
	return &Lock{fl: fl}, nil
}

// Release drops the lock. The lock file itself is left in place.
func (l *Lock) Release() error {
	return l.fl.Unlock()
}

// WithFileLock runs fn while holding the lock that guards file.
func WithFileLock(ctx context.Context, file string, fn func() error) error {
	return with(ctx, file+".lock", fn)
}

// WithDirLock runs fn while holding the lock that guards dir.
func WithDirLock(ctx context.Context, dir string, fn func() error) error {
	return with(ctx, filepath.Join(dir, DirLockName), fn)
}

func with(ctx context.Context, lockPath string, fn func() error) error {
	l, err := Acquire(ctx, lockPath)
	if err != nil {
		return err
	}
	defer l.Release()
	return fn()
}
