package etcd

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"resource-locks/internal/domain"

	"github.com/google/go-cmp/cmp"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// These tests need a running etcd; point LOCKS_TEST_ETCD_ENDPOINTS at it.
func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	endpoints := os.Getenv("LOCKS_TEST_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("LOCKS_TEST_ETCD_ENDPOINTS not set")
	}
	cli, err := NewClient(strings.Split(endpoints, ","), 5*time.Second)
	if err != nil {
		t.Fatalf("etcd client: %v", err)
	}
	prefix := "/locks-test/" + t.Name() + "/"
	t.Cleanup(func() {
		cli.Delete(context.Background(), prefix, clientv3.WithPrefix())
		cli.Close()
	})
	return NewCoordinator(cli, prefix, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSemaphore(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	sem := c.Semaphore("a")

	if got, _ := sem.AvailablePermits(ctx); got != domain.InitialPermits {
		t.Fatalf("fresh semaphore has %d permits", got)
	}
	if err := sem.Acquire(ctx, domain.InitialPermits); err != nil {
		t.Fatal(err)
	}
	if ok, _ := sem.TryAcquire(ctx, 1); ok {
		t.Fatal("try acquire succeeded on an empty semaphore")
	}

	done := make(chan error, 1)
	go func() { done <- sem.Acquire(ctx, 1) }()
	time.Sleep(100 * time.Millisecond)
	if err := sem.Release(ctx, domain.InitialPermits); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher not woken by release")
	}

	if err := sem.Release(ctx, 2); !errors.Is(err, domain.ErrIllegalState) {
		t.Fatalf("over-release: got %v", err)
	}
	if err := sem.Destroy(ctx); err != nil {
		t.Fatal(err)
	}
	if got, _ := sem.AvailablePermits(ctx); got != domain.InitialPermits {
		t.Fatalf("destroyed semaphore has %d permits", got)
	}
}

func TestMutex(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	a, b := c.Mutex("r"), c.Mutex("r")
	if err := a.Lock(ctx); err != nil {
		t.Fatal(err)
	}
	tctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	if err := b.Lock(tctx); !errors.Is(err, domain.ErrLockTimeout) {
		t.Fatalf("got %v, want ErrLockTimeout", err)
	}

	// "r/sub" must not contend with "r".
	sub := c.Mutex("r/sub")
	sctx, scancel := context.WithTimeout(ctx, 2*time.Second)
	defer scancel()
	if err := sub.Lock(sctx); err != nil {
		t.Fatalf("nested name blocked: %v", err)
	}
	_ = sub.Unlock(ctx)

	if err := a.Unlock(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.Lock(ctx); err != nil {
		t.Fatal(err)
	}
	_ = b.Unlock(ctx)
}

func TestNameRegistry(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	names := c.Names()
	for _, n := range []string{"b", "a", "a/b"} {
		if err := names.Add(ctx, n); err != nil {
			t.Fatal(err)
		}
	}
	got, err := names.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"a", "a/b", "b"}; !cmp.Equal(got, want) {
		t.Error(cmp.Diff(got, want))
	}
	_ = names.Remove(ctx, "a")
	if ok, _ := names.Contains(ctx, "a"); ok {
		t.Error("removed name still present")
	}
}
