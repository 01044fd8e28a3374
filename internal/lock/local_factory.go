package lock

import (
	"context"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"weak"

	"resource-locks/internal/domain"
	"resource-locks/internal/metrics"

	"golang.org/x/sync/singleflight"
)

// LocalFactory hands out in-process locks. The factory keeps only weak
// references: a lock nobody else references is evicted and the next request
// for its name creates a fresh one. An unreferenced lock has no holders or
// waiters, so nothing is lost.
type LocalFactory struct {
	locks    sync.Map // string -> weak.Pointer[SemaphoreLock]
	creating singleflight.Group
	logger   *slog.Logger
}

var _ domain.ResourceLockFactory = (*LocalFactory)(nil)

func NewLocalFactory(logger *slog.Logger) *LocalFactory {
	return &LocalFactory{
		logger: logger.With("component", "local-lock-factory"),
	}
}

func (f *LocalFactory) GetResourceLock(_ context.Context, name string) (domain.ResourceLock, error) {
	return f.Lock(name), nil
}

// Lock is GetResourceLock with the concrete type.
func (f *LocalFactory) Lock(name string) *SemaphoreLock {
	for {
		if v, ok := f.locks.Load(name); ok {
			if l := v.(weak.Pointer[SemaphoreLock]).Value(); l != nil {
				return l
			}
			// Collected but the cleanup has not run yet.
			if f.locks.CompareAndDelete(name, v) {
				metrics.ActiveLocalLocks.WithLabelValues("local").Dec()
			}
			continue
		}

		v, _, _ := f.creating.Do(name, func() (any, error) {
			if v, ok := f.locks.Load(name); ok {
				if l := v.(weak.Pointer[SemaphoreLock]).Value(); l != nil {
					return l, nil
				}
			}
			l := NewSemaphoreLock(name, NewLocalSemaphore(domain.InitialPermits))
			wp := weak.Make(l)
			f.locks.Store(name, wp)
			runtime.AddCleanup(l, func(name string) {
				if f.locks.CompareAndDelete(name, wp) {
					metrics.ActiveLocalLocks.WithLabelValues("local").Dec()
				}
			}, name)
			metrics.LocksCreatedTotal.WithLabelValues("local").Inc()
			metrics.ActiveLocalLocks.WithLabelValues("local").Inc()
			f.logger.Debug("created resource lock", "resource", name)
			return l, nil
		})
		if l, ok := v.(*SemaphoreLock); ok && l != nil {
			return l
		}
	}
}

func (f *LocalFactory) ResourceNames(context.Context) ([]string, error) {
	var names []string
	f.locks.Range(func(k, v any) bool {
		if v.(weak.Pointer[SemaphoreLock]).Value() != nil {
			names = append(names, k.(string))
		}
		return true
	})
	slices.Sort(names)
	return names, nil
}

func (f *LocalFactory) LocalLocks() []domain.ResourceLock {
	var out []domain.ResourceLock
	f.locks.Range(func(_, v any) bool {
		if l := v.(weak.Pointer[SemaphoreLock]).Value(); l != nil {
			out = append(out, l)
		}
		return true
	})
	return out
}

// Shutdown is a no-op; the local factory owns no background work.
func (f *LocalFactory) Shutdown(context.Context) error { return nil }
