package domain

import "context"

// Semaphore is a counting semaphore. Implementations may be in-process or
// backed by a coordination service.
type Semaphore interface {
	// Acquire blocks until n permits are available or ctx is done. On failure
	// no permits are taken.
	Acquire(ctx context.Context, n int64) error
	// TryAcquire takes n permits only if they are available right now.
	TryAcquire(ctx context.Context, n int64) (bool, error)
	// Release returns n permits.
	Release(ctx context.Context, n int64) error
	// AvailablePermits reports the permits currently free.
	AvailablePermits(ctx context.Context) (int64, error)
}

// DistributedSemaphore is a cluster-wide semaphore that can be torn down.
type DistributedSemaphore interface {
	Semaphore
	// Destroy removes the semaphore from the coordination service. A later
	// use recreates it with InitialPermits.
	Destroy(ctx context.Context) error
}

// NameMutex is a cluster-wide mutual exclusion token for one name.
type NameMutex interface {
	// Lock waits until the token is held or ctx is done. A deadline expiry is
	// reported as ErrLockTimeout.
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// NameRegistry is the cluster-wide set of resource names with distributed state.
type NameRegistry interface {
	Add(ctx context.Context, name string) error
	Remove(ctx context.Context, name string) error
	Contains(ctx context.Context, name string) (bool, error)
	List(ctx context.Context) ([]string, error)
}

// Coordinator gives access to the coordination service primitives. Handles
// are cheap; the underlying state is created lazily on first use.
type Coordinator interface {
	Semaphore(key string) DistributedSemaphore
	Mutex(name string) NameMutex
	Names() NameRegistry
	Close() error
}
