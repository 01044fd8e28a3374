package lock

import (
	"context"
	"fmt"
	"sync/atomic"

	"resource-locks/internal/domain"

	"golang.org/x/sync/semaphore"
)

// LocalSemaphore is an in-process counting semaphore. Waiters are served in
// FIFO order.
type LocalSemaphore struct {
	w     *semaphore.Weighted
	size  int64
	avail atomic.Int64
}

var _ domain.Semaphore = (*LocalSemaphore)(nil)

// NewLocalSemaphore returns a semaphore seeded with permits.
func NewLocalSemaphore(permits int64) *LocalSemaphore {
	s := &LocalSemaphore{
		w:    semaphore.NewWeighted(permits),
		size: permits,
	}
	s.avail.Store(permits)
	return s
}

func (s *LocalSemaphore) Acquire(ctx context.Context, n int64) error {
	if err := s.w.Acquire(ctx, n); err != nil {
		return err
	}
	s.avail.Add(-n)
	return nil
}

func (s *LocalSemaphore) TryAcquire(_ context.Context, n int64) (bool, error) {
	if !s.w.TryAcquire(n) {
		return false, nil
	}
	s.avail.Add(-n)
	return true, nil
}

// Release returns n permits. Releasing more than is held is an error rather
// than a panic.
func (s *LocalSemaphore) Release(_ context.Context, n int64) error {
	for {
		cur := s.avail.Load()
		if cur+n > s.size {
			return fmt.Errorf("release of %d permits exceeds semaphore size %d: %w", n, s.size, domain.ErrIllegalState)
		}
		if s.avail.CompareAndSwap(cur, cur+n) {
			break
		}
	}
	s.w.Release(n)
	return nil
}

func (s *LocalSemaphore) AvailablePermits(context.Context) (int64, error) {
	return s.avail.Load(), nil
}
