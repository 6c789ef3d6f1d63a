package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	flushmanager "github.com/sushant-115/gojopage/core/write_engine/flush_manager"
	"golang.org/x/sync/semaphore"
)

// maxReaders is the semaphore weight taken by the writer.
const maxReaders = 1 << 30

// TimeoutLock is the checkpoint read/write lock. Page modifications hold it
// shared; the checkpointer holds it exclusively while it collects dirty pages.
// Waiters are served in order, so a waiting checkpoint holds back new readers.
type TimeoutLock struct {
	sem     *semaphore.Weighted
	timeout time.Duration
	readers atomic.Int64
	writer  atomic.Bool
}

// NewTimeoutLock creates a lock whose ReadLock gives up after timeout. A zero
// timeout waits as long as the context allows.
func NewTimeoutLock(timeout time.Duration) *TimeoutLock {
	return &TimeoutLock{sem: semaphore.NewWeighted(maxReaders), timeout: timeout}
}

// ReadLock takes the lock shared. It is not reentrant.
func (l *TimeoutLock) ReadLock(ctx context.Context) error {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	if err := l.sem.Acquire(ctx, 1); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", flushmanager.ErrCheckpointLockTimeout, l.timeout)
		}
		return err
	}
	l.readers.Add(1)
	return nil
}

func (l *TimeoutLock) ReadUnlock() {
	l.readers.Add(-1)
	l.sem.Release(1)
}

// WriteLock takes the lock exclusively, waiting for every reader to leave.
func (l *TimeoutLock) WriteLock(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, maxReaders); err != nil {
		return err
	}
	l.writer.Store(true)
	return nil
}

func (l *TimeoutLock) WriteUnlock() {
	l.writer.Store(false)
	l.sem.Release(maxReaders)
}

// IsReadLockHeld reports whether some goroutine holds the lock shared. The
// count is process-wide: it cannot tell whether the calling goroutine is one of
// the holders. It is always false while the writer holds the lock.
func (l *TimeoutLock) IsReadLockHeld() bool { return l.readers.Load() > 0 }

func (l *TimeoutLock) IsWriteLockHeld() bool { return l.writer.Load() }
