package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"resource-locks/internal/domain"
	"resource-locks/internal/metrics"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultLockTimeout   = 60 * time.Second
	DefaultSweepInterval = 5000 * time.Millisecond
)

// DistributedConfig tunes a DistributedFactory.
type DistributedConfig struct {
	// LockTimeout bounds every coordination step taken on behalf of a lock
	// (token acquisition, reference permits, releases).
	LockTimeout time.Duration
	// SweepInterval is the delay between sweep passes. The scheduler does
	// not go below one second.
	SweepInterval time.Duration
	// Membership, if set, restricts sweeping to names this member owns.
	Membership domain.Membership
}

func referenceKey(name string) string { return "ref/" + name }
func backingKey(name string) string   { return "lock/" + name }

// reference is the "one local use of name" token behind a DistributedLock.
// It is not reachable back to the lock so it can serve as a cleanup argument.
type reference struct {
	name     string
	handle   weak.Pointer[DistributedLock]
	released atomic.Bool
}

// DistributedLock is a resource lock whose semaphore lives in the
// coordination service. Every GetResourceLock call for its name adds a
// local reference; callers drop theirs with Close.
type DistributedLock struct {
	*SemaphoreLock
	factory *DistributedFactory
	ref     *reference
	refs    int // guarded by factory.mu
}

// Close drops one local reference. When none remain the handle is evicted
// and the cluster-wide reference count is decremented in the background.
func (l *DistributedLock) Close() error {
	f := l.factory
	f.mu.Lock()
	if l.refs == 0 {
		f.mu.Unlock()
		return nil
	}
	l.refs--
	last := l.refs == 0
	if last {
		if cur, ok := f.handles[l.ref.name]; ok && cur == l.ref.handle {
			delete(f.handles, l.ref.name)
		}
	}
	f.mu.Unlock()
	if last {
		f.releaseReference(l.ref)
	}
	return nil
}

// DistributedFactory hands out locks shared by every process using the same
// coordination service.
type DistributedFactory struct {
	coord  domain.Coordinator
	cfg    DistributedConfig
	logger *slog.Logger
	tracer trace.Tracer

	mu       sync.Mutex
	handles  map[string]weak.Pointer[DistributedLock]
	stopped  bool
	creating singleflight.Group

	releases *releaseQueue
	cron     *cron.Cron
	ctx      context.Context
	cancel   context.CancelFunc
	loops    sync.WaitGroup
	stop     sync.Once
}

var _ domain.ResourceLockFactory = (*DistributedFactory)(nil)

// NewDistributedFactory starts the reference-release loop and the sweep
// schedule. Call Shutdown to stop them.
func NewDistributedFactory(coord domain.Coordinator, cfg DistributedConfig, logger *slog.Logger) *DistributedFactory {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	f := &DistributedFactory{
		coord:    coord,
		cfg:      cfg,
		logger:   logger.With("component", "distributed-lock-factory"),
		tracer:   otel.Tracer("resource-locks-distributed-factory"),
		handles:  make(map[string]weak.Pointer[DistributedLock]),
		releases: newReleaseQueue(),
		ctx:      ctx,
		cancel:   cancel,
	}
	f.cron = newSweepScheduler(f, f.logger)

	f.loops.Add(1)
	go func() {
		defer f.loops.Done()
		f.runReleaseLoop(ctx)
	}()
	f.cron.Start()
	return f
}

// lookup returns the live handle for name with one more local reference.
func (f *DistributedFactory) lookup(name string) *DistributedLock {
	f.mu.Lock()
	defer f.mu.Unlock()
	wp, ok := f.handles[name]
	if !ok {
		return nil
	}
	l := wp.Value()
	if l == nil || l.ref.released.Load() {
		delete(f.handles, name)
		return nil
	}
	l.refs++
	return l
}

func (f *DistributedFactory) GetResourceLock(ctx context.Context, name string) (domain.ResourceLock, error) {
	return f.Lock(ctx, name)
}

// ErrFactoryClosed is returned by Lock after Shutdown.
var ErrFactoryClosed = errors.New("lock factory is shut down")

// Lock is GetResourceLock with the concrete type.
//
// Creation is shared by every caller asking for the same name and runs on a
// context none of them owns; a caller giving up only ends its own wait. A
// caller whose deadline passes first gets ErrLockTimeout.
func (f *DistributedFactory) Lock(ctx context.Context, name string) (*DistributedLock, error) {
	for {
		if ctx.Err() != nil {
			return nil, callerErr(ctx, name)
		}
		if f.closed() {
			return nil, ErrFactoryClosed
		}
		if l := f.lookup(name); l != nil {
			return l, nil
		}
		ch := f.creating.DoChan(name, func() (any, error) {
			if l := f.peek(name); l != nil {
				return l, nil
			}
			cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			defer cancel()
			stop := context.AfterFunc(f.ctx, cancel)
			defer stop()
			return f.create(cctx, name)
		})
		var res singleflight.Result
		select {
		case <-ctx.Done():
			return nil, callerErr(ctx, name)
		case res = <-ch:
		}
		if res.Err != nil {
			return nil, res.Err
		}
		// res keeps the handle reachable until it carries a reference.
		l := res.Val.(*DistributedLock)
		f.mu.Lock()
		if l.ref.released.Load() {
			f.mu.Unlock()
			continue
		}
		l.refs++
		f.mu.Unlock()
		return l, nil
	}
}

func callerErr(ctx context.Context, name string) error {
	err := context.Cause(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("get lock %s: %w: %w", name, domain.ErrLockTimeout, err)
	}
	return fmt.Errorf("get lock %s: %w", name, err)
}

func (f *DistributedFactory) closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func (f *DistributedFactory) peek(name string) *DistributedLock {
	f.mu.Lock()
	defer f.mu.Unlock()
	if wp, ok := f.handles[name]; ok {
		if l := wp.Value(); l != nil && !l.ref.released.Load() {
			return l
		}
	}
	return nil
}

// create runs the cluster-wide creation protocol for name and installs the
// new handle with no local references.
func (f *DistributedFactory) create(ctx context.Context, name string) (*DistributedLock, error) {
	ctx, span := f.tracer.Start(ctx, "factory.CreateLock", trace.WithAttributes(attribute.String("resource", name)))
	defer span.End()

	fail := func(err error) (*DistributedLock, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create distributed lock")
		f.logger.Error("failed to create distributed lock", "resource", name, "error", err)
		return nil, err
	}

	lctx, cancel := context.WithTimeout(ctx, f.cfg.LockTimeout)
	defer cancel()

	token := f.coord.Mutex(name)
	if err := token.Lock(lctx); err != nil {
		return fail(fmt.Errorf("lock token for %s: %w", name, err))
	}
	defer f.unlockToken(ctx, name, token)

	if err := f.coord.Names().Add(lctx, name); err != nil {
		return fail(fmt.Errorf("register name %s: %w", name, err))
	}

	// This permit stays taken until the handle is closed or collected.
	if err := f.coord.Semaphore(referenceKey(name)).Acquire(lctx, 1); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", domain.ErrLockTimeout, err)
		}
		return fail(fmt.Errorf("acquire reference for %s: %w", name, err))
	}

	ref := &reference{name: name}
	l := &DistributedLock{
		SemaphoreLock: NewSemaphoreLock(name, f.coord.Semaphore(backingKey(name))),
		factory:       f,
		ref:           ref,
	}
	ref.handle = weak.Make(l)
	runtime.AddCleanup(l, f.collected, ref)

	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		ref.released.Store(true)
		rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), f.cfg.LockTimeout)
		defer rcancel()
		if err := f.coord.Semaphore(referenceKey(name)).Release(rctx, 1); err != nil {
			f.logger.Error("failed to release lock reference", "resource", name, "error", err)
		}
		return fail(ErrFactoryClosed)
	}
	f.handles[name] = ref.handle
	f.mu.Unlock()

	metrics.LocksCreatedTotal.WithLabelValues("distributed").Inc()
	metrics.ActiveLocalLocks.WithLabelValues("distributed").Inc()
	f.logger.Debug("created distributed lock", "resource", name)
	return l, nil
}

// unlockToken releases a mutual exclusion token even when ctx is already
// cancelled.
func (f *DistributedFactory) unlockToken(ctx context.Context, name string, token domain.NameMutex) {
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.cfg.LockTimeout)
	defer cancel()
	if err := token.Unlock(uctx); err != nil {
		f.logger.Warn("failed to release lock token", "resource", name, "error", err)
	}
}

// collected runs when a handle became unreachable without being closed.
func (f *DistributedFactory) collected(ref *reference) {
	f.mu.Lock()
	if cur, ok := f.handles[ref.name]; ok && cur == ref.handle {
		delete(f.handles, ref.name)
	}
	f.mu.Unlock()
	f.releaseReference(ref)
}

// releaseReference queues the cluster-wide release of ref exactly once.
func (f *DistributedFactory) releaseReference(ref *reference) {
	if !ref.released.CompareAndSwap(false, true) {
		return
	}
	metrics.ActiveLocalLocks.WithLabelValues("distributed").Dec()
	f.releases.push(ref.name)
}

// ResourceNames returns the cluster-wide set of names with distributed state.
func (f *DistributedFactory) ResourceNames(ctx context.Context) ([]string, error) {
	names, err := f.coord.Names().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list resource names: %w", err)
	}
	return names, nil
}

func (f *DistributedFactory) LocalLocks() []domain.ResourceLock {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.ResourceLock, 0, len(f.handles))
	for _, wp := range f.handles {
		if l := wp.Value(); l != nil {
			out = append(out, l)
		}
	}
	return out
}

// Shutdown stops the sweep schedule and the release loop, then returns the
// references of every handle still open. Handles must not be used afterwards.
func (f *DistributedFactory) Shutdown(ctx context.Context) error {
	f.stop.Do(func() {
		f.logger.Info("shutting down distributed lock factory")
		f.cancel()
		<-f.cron.Stop().Done()
		f.loops.Wait()

		f.mu.Lock()
		f.stopped = true
		refs := make([]*reference, 0, len(f.handles))
		for name, wp := range f.handles {
			if l := wp.Value(); l != nil {
				refs = append(refs, l.ref)
			}
			delete(f.handles, name)
		}
		f.mu.Unlock()
		for _, ref := range refs {
			f.releaseReference(ref)
		}

		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.cfg.LockTimeout)
		defer cancel()
		for _, name := range f.releases.drain() {
			f.releaseOne(dctx, name)
		}
		f.logger.Info("distributed lock factory stopped")
	})
	return nil
}

// runReleaseLoop returns one reference permit per queued notification until
// ctx is cancelled. Names not processed by then stay queued for Shutdown.
func (f *DistributedFactory) runReleaseLoop(ctx context.Context) {
	f.logger.Info("reference release loop started")
	defer f.logger.Info("reference release loop stopped")
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.releases.ready():
		}
		pending := f.releases.drain()
		for i, name := range pending {
			if ctx.Err() != nil {
				f.releases.push(pending[i:]...)
				return
			}
			rctx, cancel := context.WithTimeout(ctx, f.cfg.LockTimeout)
			f.releaseOne(rctx, name)
			cancel()
		}
	}
}

func (f *DistributedFactory) releaseOne(ctx context.Context, name string) {
	if err := f.coord.Semaphore(referenceKey(name)).Release(ctx, 1); err != nil {
		metrics.ReferenceReleasesTotal.WithLabelValues("failed").Inc()
		f.logger.Error("failed to release lock reference", "resource", name, "error", err)
		return
	}
	metrics.ReferenceReleasesTotal.WithLabelValues("released").Inc()
	f.logger.Debug("released lock reference", "resource", name)
}

// releaseQueue is an unbounded FIFO of resource names. push never blocks, so
// it is safe to call from runtime cleanups.
type releaseQueue struct {
	mu     sync.Mutex
	names  []string
	signal chan struct{}
}

func newReleaseQueue() *releaseQueue {
	return &releaseQueue{signal: make(chan struct{}, 1)}
}

func (q *releaseQueue) push(names ...string) {
	if len(names) == 0 {
		return
	}
	q.mu.Lock()
	q.names = append(q.names, names...)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *releaseQueue) ready() <-chan struct{} { return q.signal }

func (q *releaseQueue) drain() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.names
	q.names = nil
	return out
}
