package lock

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"resource-locks/internal/domain"

	"github.com/google/go-cmp/cmp"
)

func newTestLock() (*SemaphoreLock, *LocalSemaphore) {
	sem := NewLocalSemaphore(domain.InitialPermits)
	return NewSemaphoreLock("foo", sem), sem
}

func available(t *testing.T, s domain.Semaphore) int64 {
	t.Helper()
	n, err := s.AvailablePermits(context.Background())
	if err != nil {
		t.Fatalf("available permits: %v", err)
	}
	return n
}

// eventually polls cond for up to two seconds.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func lockAsync(ctx context.Context, fn func(context.Context, domain.CallerID) error, caller domain.CallerID) <-chan error {
	done := make(chan error, 1)
	go func() { done <- fn(ctx, caller) }()
	return done
}

func wait(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("lock: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("lock did not complete")
	}
}

func blocked(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		t.Fatalf("lock completed while it should block: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSharedThenExclusive(t *testing.T) {
	ctx := context.Background()
	l, sem := newTestLock()

	if err := l.LockShared(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if err := l.LockShared(ctx, "t2"); err != nil {
		t.Fatal(err)
	}
	if want := []domain.CallerID{"t1", "t2"}; !cmp.Equal(l.Owners(), want) {
		t.Error(cmp.Diff(l.Owners(), want))
	}

	done := lockAsync(ctx, l.LockExclusive, "t3")
	eventually(t, "t3 to wait", func() bool { return cmp.Equal(l.Waiters(), []domain.CallerID{"t3"}) })
	blocked(t, done)

	if err := l.UnlockShared(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	blocked(t, done)
	if err := l.UnlockShared(ctx, "t2"); err != nil {
		t.Fatal(err)
	}
	wait(t, done)

	if got := l.ExclusiveCount("t3"); got != 1 {
		t.Errorf("exclusive count = %d, want 1", got)
	}
	if want := []domain.CallerID{"t3"}; !cmp.Equal(l.Owners(), want) {
		t.Error(cmp.Diff(l.Owners(), want))
	}
	if len(l.Waiters()) != 0 {
		t.Errorf("waiters = %v", l.Waiters())
	}
	if err := l.UnlockExclusive(ctx, "t3"); err != nil {
		t.Fatal(err)
	}
	if got := available(t, sem); got != domain.InitialPermits {
		t.Errorf("available = %d, want all", got)
	}
}

func TestUpgradeAndDowngrade(t *testing.T) {
	ctx := context.Background()
	l, sem := newTestLock()

	if err := l.LockShared(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if err := l.LockExclusive(ctx, "t1"); err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	if l.SharedCount("t1") != 1 || l.ExclusiveCount("t1") != 1 {
		t.Fatalf("counts after upgrade: shared=%d exclusive=%d", l.SharedCount("t1"), l.ExclusiveCount("t1"))
	}
	if got := available(t, sem); got != 0 {
		t.Errorf("available after upgrade = %d, want 0", got)
	}

	if err := l.UnlockExclusive(ctx, "t1"); err != nil {
		t.Fatalf("downgrade: %v", err)
	}
	if l.SharedCount("t1") != 1 || l.ExclusiveCount("t1") != 0 {
		t.Fatalf("counts after downgrade: shared=%d exclusive=%d", l.SharedCount("t1"), l.ExclusiveCount("t1"))
	}
	if got := available(t, sem); got != domain.InitialPermits-1 {
		t.Errorf("available after downgrade = %d, want all but one", got)
	}
	// Others can share again.
	if err := l.LockShared(ctx, "t2"); err != nil {
		t.Fatal(err)
	}
	_ = l.UnlockShared(ctx, "t2")

	if err := l.UnlockShared(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if got := available(t, sem); got != domain.InitialPermits {
		t.Errorf("available = %d, want all", got)
	}
	if len(l.Owners()) != 0 {
		t.Errorf("owners = %v", l.Owners())
	}
}

func TestReentrancy(t *testing.T) {
	ctx := context.Background()
	l, sem := newTestLock()

	for range 3 {
		if err := l.LockExclusive(ctx, "t1"); err != nil {
			t.Fatal(err)
		}
	}
	// Shared while exclusive is a plain count bump.
	if err := l.LockShared(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if l.ExclusiveCount("t1") != 3 || l.SharedCount("t1") != 1 {
		t.Fatalf("counts: shared=%d exclusive=%d", l.SharedCount("t1"), l.ExclusiveCount("t1"))
	}
	if err := l.UnlockShared(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	for range 3 {
		if err := l.UnlockExclusive(ctx, "t1"); err != nil {
			t.Fatal(err)
		}
	}
	if got := available(t, sem); got != domain.InitialPermits {
		t.Errorf("available = %d, want all", got)
	}
}

func TestUnlockWithoutHold(t *testing.T) {
	ctx := context.Background()
	l, sem := newTestLock()

	if err := l.LockShared(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if err := l.UnlockExclusive(ctx, "t2"); !errors.Is(err, domain.ErrIllegalState) {
		t.Errorf("unlock exclusive by stranger: got %v, want ErrIllegalState", err)
	}
	if err := l.UnlockExclusive(ctx, "t1"); !errors.Is(err, domain.ErrIllegalState) {
		t.Errorf("unlock exclusive by shared holder: got %v, want ErrIllegalState", err)
	}
	if err := l.UnlockShared(ctx, "t2"); !errors.Is(err, domain.ErrIllegalState) {
		t.Errorf("unlock shared by stranger: got %v, want ErrIllegalState", err)
	}
	if l.SharedCount("t1") != 1 {
		t.Errorf("t1 shared count changed to %d", l.SharedCount("t1"))
	}
	if got := available(t, sem); got != domain.InitialPermits-1 {
		t.Errorf("available = %d", got)
	}
	if want := []domain.CallerID{"t1"}; !cmp.Equal(l.Owners(), want) {
		t.Error(cmp.Diff(l.Owners(), want))
	}
}

func TestCancelledWaitLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	l, sem := newTestLock()

	if err := l.LockExclusive(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	tctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if err := l.LockShared(tctx, "t2"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want deadline exceeded", err)
	}
	if len(l.Waiters()) != 0 {
		t.Errorf("waiters after cancel = %v", l.Waiters())
	}
	if err := l.UnlockExclusive(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if got := available(t, sem); got != domain.InitialPermits {
		t.Errorf("available = %d, want all", got)
	}
}

func TestCancelledUpgradeKeepsShared(t *testing.T) {
	ctx := context.Background()
	l, sem := newTestLock()

	if err := l.LockShared(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if err := l.LockShared(ctx, "t2"); err != nil {
		t.Fatal(err)
	}
	tctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if err := l.LockExclusive(tctx, "t1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want deadline exceeded", err)
	}
	if l.SharedCount("t1") != 1 || l.ExclusiveCount("t1") != 0 {
		t.Fatalf("counts: shared=%d exclusive=%d", l.SharedCount("t1"), l.ExclusiveCount("t1"))
	}
	if got := available(t, sem); got != domain.InitialPermits-2 {
		t.Errorf("available = %d, want all but two", got)
	}
}

func TestForceRelease(t *testing.T) {
	ctx := context.Background()
	l, sem := newTestLock()

	for _, c := range []domain.CallerID{"t1", "t1", "t2"} {
		if err := l.LockShared(ctx, c); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.ForceRelease(ctx); err != nil {
		t.Fatal(err)
	}
	if got := available(t, sem); got != domain.InitialPermits {
		t.Errorf("available = %d, want all", got)
	}

	if err := l.LockShared(ctx, "t3"); err != nil {
		t.Fatal(err)
	}
	if err := l.LockExclusive(ctx, "t3"); err != nil {
		t.Fatal(err)
	}
	done := lockAsync(ctx, l.LockExclusive, "t4")
	eventually(t, "t4 to wait", func() bool { return len(l.Waiters()) == 1 })

	if err := l.ForceRelease(ctx); err != nil {
		t.Fatal(err)
	}
	wait(t, done)
	if want := []domain.CallerID{"t4"}; !cmp.Equal(l.Owners(), want) {
		t.Error(cmp.Diff(l.Owners(), want))
	}
}

func TestForceReleaseDuringUpgrade(t *testing.T) {
	ctx := context.Background()
	l, sem := newTestLock()

	for _, c := range []domain.CallerID{"t1", "t2"} {
		if err := l.LockShared(ctx, c); err != nil {
			t.Fatal(err)
		}
	}
	done := lockAsync(ctx, l.LockExclusive, "t1")
	// t1 gave its shared permit back and waits for t2.
	eventually(t, "t1 to start upgrading", func() bool { return available(t, sem) == domain.InitialPermits-1 })

	if err := l.ForceRelease(ctx); err != nil {
		t.Fatalf("force release: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, domain.ErrIllegalState) {
			t.Fatalf("upgrade after force release: got %v, want ErrIllegalState", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("upgrade did not complete")
	}

	if got := available(t, sem); got != domain.InitialPermits {
		t.Errorf("available = %d, want all", got)
	}
	if len(l.Owners()) != 0 || len(l.Waiters()) != 0 {
		t.Errorf("owners %v, waiters %v after force release", l.Owners(), l.Waiters())
	}
	if err := l.LockExclusive(ctx, "t3"); err != nil {
		t.Fatal(err)
	}
	if err := l.UnlockExclusive(ctx, "t3"); err != nil {
		t.Fatal(err)
	}
}

func TestRandomizedMutualExclusion(t *testing.T) {
	ctx := context.Background()
	l, sem := newTestLock()

	var readers, writers atomic.Int32
	hold := func() { time.Sleep(time.Duration(rand.IntN(200)) * time.Microsecond) }
	checkShared := func(caller domain.CallerID) {
		if n := writers.Load(); n != 0 {
			t.Errorf("%s holds shared alongside %d exclusive holders", caller, n)
		}
	}
	checkExclusive := func(caller domain.CallerID) {
		if n := writers.Add(1); n != 1 {
			t.Errorf("%s holds exclusive alongside %d other exclusive holders", caller, n-1)
		}
		if n := readers.Load(); n != 0 {
			t.Errorf("%s holds exclusive alongside %d shared holders", caller, n)
		}
	}

	var wg sync.WaitGroup
	for g := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			caller := domain.CallerID(fmt.Sprintf("c%d", g))
			for range 200 {
				switch rand.IntN(3) {
				case 0:
					if err := l.LockShared(ctx, caller); err != nil {
						t.Error(err)
						return
					}
					readers.Add(1)
					checkShared(caller)
					hold()
					readers.Add(-1)
					if err := l.UnlockShared(ctx, caller); err != nil {
						t.Error(err)
						return
					}
				case 1:
					if err := l.LockExclusive(ctx, caller); err != nil {
						t.Error(err)
						return
					}
					checkExclusive(caller)
					hold()
					writers.Add(-1)
					if err := l.UnlockExclusive(ctx, caller); err != nil {
						t.Error(err)
						return
					}
				case 2:
					if err := l.LockShared(ctx, caller); err != nil {
						t.Error(err)
						return
					}
					readers.Add(1)
					checkShared(caller)
					hold()
					readers.Add(-1)
					if err := l.LockExclusive(ctx, caller); err != nil {
						t.Error(err)
						return
					}
					checkExclusive(caller)
					hold()
					writers.Add(-1)
					// Downgrade, then drop the remaining shared hold.
					if err := l.UnlockExclusive(ctx, caller); err != nil {
						t.Error(err)
						return
					}
					readers.Add(1)
					checkShared(caller)
					readers.Add(-1)
					if err := l.UnlockShared(ctx, caller); err != nil {
						t.Error(err)
						return
					}
				}
			}
		}()
	}
	wg.Wait()

	if got := available(t, sem); got != domain.InitialPermits {
		t.Errorf("available = %d, want all", got)
	}
	if len(l.Owners()) != 0 || len(l.Waiters()) != 0 {
		t.Errorf("owners %v, waiters %v after all callers finished", l.Owners(), l.Waiters())
	}
}

func TestLocalSemaphoreOverRelease(t *testing.T) {
	s := NewLocalSemaphore(2)
	if err := s.Release(context.Background(), 1); !errors.Is(err, domain.ErrIllegalState) {
		t.Fatalf("got %v, want ErrIllegalState", err)
	}
	ok, _ := s.TryAcquire(context.Background(), 2)
	if !ok {
		t.Fatal("try acquire failed on a full semaphore")
	}
	if ok, _ := s.TryAcquire(context.Background(), 1); ok {
		t.Fatal("try acquire succeeded on an empty semaphore")
	}
	if got := available(t, s); got != 0 {
		t.Errorf("available = %d", got)
	}
}
