package lock

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"resource-locks/internal/domain"
	"resource-locks/internal/metrics"
)

// holdCount tracks one caller's reentrant holds. An entry with both counts at
// zero belongs to a caller blocked in Acquire.
type holdCount struct {
	shared    int
	exclusive int
	// upgrading is set while the caller's shared permit has been given back
	// in exchange for the whole pool.
	upgrading bool
}

func (h *holdCount) held() bool { return h.shared > 0 || h.exclusive > 0 }

// SemaphoreLock turns a counting semaphore into a reentrant shared/exclusive
// lock. Shared holders take one permit each, an exclusive holder takes the
// whole pool.
type SemaphoreLock struct {
	name    string
	sem     domain.Semaphore
	permits int64

	mu    sync.Mutex
	holds map[domain.CallerID]*holdCount
}

var _ domain.ResourceLock = (*SemaphoreLock)(nil)

// NewSemaphoreLock wraps sem, which must have been seeded with
// domain.InitialPermits.
func NewSemaphoreLock(name string, sem domain.Semaphore) *SemaphoreLock {
	return &SemaphoreLock{
		name:    name,
		sem:     sem,
		permits: domain.InitialPermits,
		holds:   make(map[domain.CallerID]*holdCount),
	}
}

func (l *SemaphoreLock) Name() string { return l.name }

// entry returns the caller's hold record, registering the caller as a waiter
// when it has none.
func (l *SemaphoreLock) entry(caller domain.CallerID) *holdCount {
	h, ok := l.holds[caller]
	if !ok {
		h = &holdCount{}
		l.holds[caller] = h
	}
	return h
}

// dropIfIdle removes the caller's record if it holds nothing.
func (l *SemaphoreLock) dropIfIdle(caller domain.CallerID, h *holdCount) {
	l.mu.Lock()
	if !h.held() && l.holds[caller] == h {
		delete(l.holds, caller)
	}
	l.mu.Unlock()
}

func (l *SemaphoreLock) LockShared(ctx context.Context, caller domain.CallerID) error {
	l.mu.Lock()
	h := l.entry(caller)
	if h.held() {
		h.shared++
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	// The entry is visible as a waiter until the permit is ours.
	if err := l.sem.Acquire(ctx, 1); err != nil {
		l.dropIfIdle(caller, h)
		return fmt.Errorf("acquire shared %s: %w", l.name, err)
	}

	l.mu.Lock()
	h.shared++
	l.mu.Unlock()
	metrics.LockAcquisitionsTotal.WithLabelValues("shared").Inc()
	return nil
}

func (l *SemaphoreLock) LockExclusive(ctx context.Context, caller domain.CallerID) error {
	l.mu.Lock()
	h := l.entry(caller)
	switch {
	case h.exclusive > 0:
		h.exclusive++
		l.mu.Unlock()
		return nil
	case h.shared > 0:
		h.upgrading = true
		l.mu.Unlock()
		return l.upgrade(ctx, caller, h)
	}
	l.mu.Unlock()

	if err := l.sem.Acquire(ctx, l.permits); err != nil {
		l.dropIfIdle(caller, h)
		return fmt.Errorf("acquire exclusive %s: %w", l.name, err)
	}

	l.mu.Lock()
	h.exclusive = 1
	l.mu.Unlock()
	metrics.LockAcquisitionsTotal.WithLabelValues("exclusive").Inc()
	return nil
}

// upgrade trades the caller's shared permit for the whole pool. Between the
// release and the acquire the caller holds nothing and others may interleave.
// h.upgrading is already set.
func (l *SemaphoreLock) upgrade(ctx context.Context, caller domain.CallerID, h *holdCount) error {
	if err := l.sem.Release(ctx, 1); err != nil {
		l.mu.Lock()
		h.upgrading = false
		l.mu.Unlock()
		return fmt.Errorf("upgrade %s: release shared permit: %w", l.name, err)
	}
	if err := l.sem.Acquire(ctx, l.permits); err != nil {
		// The counters still claim a shared hold, so the permit has to come
		// back regardless of cancellation.
		if rerr := l.sem.Acquire(context.WithoutCancel(ctx), 1); rerr != nil {
			l.mu.Lock()
			h.shared, h.upgrading = 0, false
			l.mu.Unlock()
			l.dropIfIdle(caller, h)
			return fmt.Errorf("upgrade %s: restore shared permit: %w", l.name, rerr)
		}
		if !l.finishUpgrade(caller, h, false) {
			l.giveBack(ctx, 1)
			return fmt.Errorf("upgrade %s: hold was force released: %w", l.name, domain.ErrIllegalState)
		}
		return fmt.Errorf("upgrade %s: %w", l.name, err)
	}

	if !l.finishUpgrade(caller, h, true) {
		l.giveBack(ctx, l.permits)
		return fmt.Errorf("upgrade %s: hold was force released: %w", l.name, domain.ErrIllegalState)
	}
	metrics.LockAcquisitionsTotal.WithLabelValues("upgrade").Inc()
	return nil
}

// finishUpgrade ends the upgrade and records the exclusive hold if won. It
// reports false when ForceRelease dropped the caller's record meanwhile, in
// which case the permits just taken belong to nobody.
func (l *SemaphoreLock) finishUpgrade(caller domain.CallerID, h *holdCount, won bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	h.upgrading = false
	if l.holds[caller] != h {
		return false
	}
	if won {
		h.exclusive = 1
	}
	return true
}

func (l *SemaphoreLock) giveBack(ctx context.Context, n int64) {
	// Best effort; an error here means the semaphore itself is broken.
	_ = l.sem.Release(context.WithoutCancel(ctx), n)
}

func (l *SemaphoreLock) UnlockExclusive(ctx context.Context, caller domain.CallerID) error {
	l.mu.Lock()
	h, ok := l.holds[caller]
	if !ok || h.exclusive == 0 {
		l.mu.Unlock()
		return fmt.Errorf("unlock exclusive %s by %s: %w", l.name, caller, domain.ErrIllegalState)
	}
	if h.exclusive > 1 {
		h.exclusive--
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	if err := l.sem.Release(ctx, l.permits); err != nil {
		return fmt.Errorf("unlock exclusive %s: %w", l.name, err)
	}

	l.mu.Lock()
	h.exclusive = 0
	downgrade := h.shared > 0
	if !downgrade {
		delete(l.holds, caller)
	}
	l.mu.Unlock()

	if !downgrade {
		return nil
	}
	if err := l.sem.Acquire(context.WithoutCancel(ctx), 1); err != nil {
		l.mu.Lock()
		h.shared = 0
		l.mu.Unlock()
		l.dropIfIdle(caller, h)
		return fmt.Errorf("downgrade %s: %w", l.name, err)
	}
	return nil
}

func (l *SemaphoreLock) UnlockShared(ctx context.Context, caller domain.CallerID) error {
	l.mu.Lock()
	h, ok := l.holds[caller]
	if !ok || h.shared == 0 {
		l.mu.Unlock()
		return fmt.Errorf("unlock shared %s by %s: %w", l.name, caller, domain.ErrIllegalState)
	}
	if h.shared > 1 || h.exclusive > 0 {
		h.shared--
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	if err := l.sem.Release(ctx, 1); err != nil {
		return fmt.Errorf("unlock shared %s: %w", l.name, err)
	}

	l.mu.Lock()
	h.shared = 0
	delete(l.holds, caller)
	l.mu.Unlock()
	return nil
}

func (l *SemaphoreLock) Owners() []domain.CallerID {
	return l.callers(func(h *holdCount) bool { return h.held() })
}

func (l *SemaphoreLock) Waiters() []domain.CallerID {
	return l.callers(func(h *holdCount) bool { return !h.held() })
}

func (l *SemaphoreLock) callers(match func(*holdCount) bool) []domain.CallerID {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.CallerID, 0, len(l.holds))
	for caller, h := range l.holds {
		if match(h) {
			out = append(out, caller)
		}
	}
	slices.Sort(out)
	return out
}

func (l *SemaphoreLock) SharedCount(caller domain.CallerID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.holds[caller]; ok {
		return h.shared
	}
	return 0
}

func (l *SemaphoreLock) ExclusiveCount(caller domain.CallerID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.holds[caller]; ok {
		return h.exclusive
	}
	return 0
}

// Close is a no-op for locks owned by the local factory; their lifetime is
// decided by reachability.
func (l *SemaphoreLock) Close() error { return nil }

// ForceRelease unwinds every hold of every owner: shared holds first so the
// last exclusive unlock never has to downgrade.
//
// An owner blocked in an upgrade has already returned its shared permit; its
// record is dropped without releasing anything and the upgrade gives back
// whatever it wins.
func (l *SemaphoreLock) ForceRelease(ctx context.Context) error {
	for _, owner := range l.Owners() {
		if l.dropUpgrading(owner) {
			continue
		}
		for l.SharedCount(owner) > 0 {
			if err := l.UnlockShared(ctx, owner); err != nil {
				return err
			}
		}
		for l.ExclusiveCount(owner) > 0 {
			if err := l.UnlockExclusive(ctx, owner); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *SemaphoreLock) dropUpgrading(caller domain.CallerID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.holds[caller]
	if !ok || !h.upgrading {
		return false
	}
	h.shared = 0
	delete(l.holds, caller)
	return true
}
