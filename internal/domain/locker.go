// internal/domain/locker.go
package domain

import (
	"context"
	"errors"
	"math"

	"github.com/google/uuid"
)

// InitialPermits seeds every semaphore backing a resource lock. A shared hold
// consumes one permit, an exclusive hold consumes all of them.
const InitialPermits int64 = math.MaxInt32

var (
	// ErrIllegalState is returned when a caller releases a hold it does not have.
	ErrIllegalState = errors.New("caller does not hold this resource")
	// ErrLockTimeout is returned when a bounded-wait coordination step expires.
	ErrLockTimeout = errors.New("timed out waiting for coordination lock")
	// ErrBackendUnavailable is returned when the coordination service cannot be reached.
	ErrBackendUnavailable = errors.New("coordination backend unavailable")
	// ErrNotFound is returned by lookups that do not create.
	ErrNotFound = errors.New("resource not found")
)

// CallerID identifies the execution context that owns holds on a lock.
// Reentrancy is tracked per CallerID, so one id must not be used by two
// goroutines at the same time.
type CallerID string

// NewCallerID returns a random caller id.
func NewCallerID() CallerID {
	return CallerID(uuid.NewString())
}

// ResourceLock is a reentrant shared/exclusive lock for a single named resource.
type ResourceLock interface {
	// Name returns the resource name this lock protects.
	Name() string

	// LockShared blocks until caller holds the resource in shared mode.
	// Cancelling ctx aborts the wait without recording a hold.
	LockShared(ctx context.Context, caller CallerID) error
	// LockExclusive blocks until caller holds the resource exclusively.
	// A caller already holding it shared is upgraded.
	LockExclusive(ctx context.Context, caller CallerID) error
	// UnlockShared drops one shared hold. It returns ErrIllegalState if the
	// caller holds none.
	UnlockShared(ctx context.Context, caller CallerID) error
	// UnlockExclusive drops one exclusive hold, downgrading to shared when the
	// caller still has shared holds. It returns ErrIllegalState if the caller
	// holds none.
	UnlockExclusive(ctx context.Context, caller CallerID) error

	// Owners returns callers holding the resource.
	Owners() []CallerID
	// Waiters returns callers blocked acquiring the resource.
	Waiters() []CallerID
	SharedCount(caller CallerID) int
	ExclusiveCount(caller CallerID) int

	// Close tells the factory the handle is no longer needed. It does not
	// release holds.
	Close() error
}

// ResourceLockFactory hands out one live ResourceLock per resource name.
type ResourceLockFactory interface {
	// GetResourceLock returns the lock for name, creating it on first use.
	GetResourceLock(ctx context.Context, name string) (ResourceLock, error)
	// ResourceNames returns a possibly stale snapshot of names with live locks.
	ResourceNames(ctx context.Context) ([]string, error)
	// LocalLocks returns the lock instances live in this process.
	LocalLocks() []ResourceLock
	// Shutdown stops background work owned by the factory. It is idempotent.
	Shutdown(ctx context.Context) error
}
