package store

import (
	"context"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// lockRetryDelay is how often a waiting writer polls the lock file.
const lockRetryDelay = 20 * time.Millisecond

// fileLock is an exclusive writer lock. The semaphore orders goroutines of
// one process; the lock file orders processes.
type fileLock struct {
	local *semaphore.Weighted
	file  *flock.Flock
}

func newFileLock(path string) *fileLock {
	return &fileLock{local: semaphore.NewWeighted(1), file: flock.New(path)}
}

func (l *fileLock) lock(ctx context.Context) (func() error, error) {
	if err := l.local.Acquire(ctx, 1); err != nil {
		return nil, wrap(err, "acquire store lock")
	}
	ok, err := l.file.TryLockContext(ctx, lockRetryDelay)
	if err == nil && !ok {
		err = errors.New("lock not acquired")
	}
	if err != nil {
		l.local.Release(1)
		return nil, wrapf(err, "lock %s", l.file.Path())
	}

	var once sync.Once
	return func() (err error) {
		once.Do(func() {
			err = wrapf(l.file.Unlock(), "unlock %s", l.file.Path())
			l.local.Release(1)
		})
		return err
	}, nil
}
