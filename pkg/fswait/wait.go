// Package fswait absorbs filesystem visibility lag after a file is renamed or
// copied, which network and FUSE backed home directories are prone to.
package fswait

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/containerd/log"
)

// Defaults for waiting on a freshly written profile.
const (
	DefaultAttempts = 30
	DefaultInterval = 200 * time.Millisecond
)

var errNotVisible = errors.New("not visible yet")

// AwaitVisible stats path up to maxAttempts times, sleeping interval between
// attempts. It returns false once attempts are exhausted or ctx is done; the
// caller decides whether that is fatal.
func AwaitVisible(ctx context.Context, path string, maxAttempts int, interval time.Duration) bool {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	attempt := 0
	op := func() error {
		attempt++
		_, err := os.Stat(path)
		if err == nil {
			return nil
		}
		if !os.IsNotExist(err) {
			log.G(ctx).WithError(err).WithField("path", path).Debug("stat failed while waiting for file")
		}
		return errNotVisible
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(maxAttempts-1)),
		ctx,
	)
	notify := func(_ error, next time.Duration) {
		log.G(ctx).WithFields(log.Fields{
			"path":    path,
			"attempt": attempt,
			"next":    next,
		}).Debug("waiting for file to appear")
	}

	return backoff.RetryNotify(op, b, notify) == nil
}
