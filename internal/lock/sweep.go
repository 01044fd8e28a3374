package lock

import (
	"context"
	"fmt"
	"log/slog"

	"resource-locks/internal/domain"
	"resource-locks/internal/metrics"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// newSweepScheduler schedules f.Sweep every f.cfg.SweepInterval. A pass
// still running when the next one is due makes the next one skip.
func newSweepScheduler(f *DistributedFactory, logger *slog.Logger) *cron.Cron {
	clog := cronLogger{logger: logger.With("component", "sweep-scheduler")}
	c := cron.New(
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	c.Schedule(cron.Every(f.cfg.SweepInterval), cron.FuncJob(func() {
		f.Sweep(f.ctx)
	}))
	return c
}

// Sweep makes one pass over the known names and destroys the distributed
// state of every name this member owns and nobody references any more.
func (f *DistributedFactory) Sweep(ctx context.Context) {
	ctx, span := f.tracer.Start(ctx, "factory.Sweep")
	defer span.End()

	names, err := f.coord.Names().List(ctx)
	if err != nil {
		span.RecordError(err)
		f.logger.Error("sweep failed to list resource names", "error", err)
		return
	}
	span.SetAttributes(attribute.Int("names", len(names)))

	owns := newPartition(f.cfg.Membership)
	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		if !owns(name) {
			continue
		}
		f.sweepName(ctx, name)
	}
}

type sweepOutcome string

const (
	sweepDestroyed    sweepOutcome = "destroyed"
	sweepReferenced   sweepOutcome = "referenced"
	sweepInconsistent sweepOutcome = "inconsistent"
	sweepSkipped      sweepOutcome = "skipped"
	sweepFailed       sweepOutcome = "failed"
)

func (f *DistributedFactory) sweepName(ctx context.Context, name string) {
	ctx, span := f.tracer.Start(ctx, "factory.SweepName", trace.WithAttributes(attribute.String("resource", name)))
	defer span.End()

	outcome, err := f.trySweep(ctx, name)
	metrics.SweepOutcomesTotal.WithLabelValues(string(outcome)).Inc()
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	switch outcome {
	case sweepDestroyed:
		f.logger.Info("destroyed unreferenced distributed lock", "resource", name)
	case sweepInconsistent:
		f.logger.Warn("reference count is zero but lock is still held, leaving it in place", "resource", name)
	case sweepSkipped, sweepFailed:
		if err != nil {
			span.RecordError(err)
			f.logger.Warn("sweep skipped resource", "resource", name, "error", err)
		}
	}
}

func (f *DistributedFactory) trySweep(ctx context.Context, name string) (sweepOutcome, error) {
	lctx, cancel := context.WithTimeout(ctx, f.cfg.LockTimeout)
	defer cancel()

	token := f.coord.Mutex(name)
	if err := token.Lock(lctx); err != nil {
		return sweepSkipped, fmt.Errorf("lock token: %w", err)
	}
	defer f.unlockToken(ctx, name, token)

	// Another member may have swept the name meanwhile. It is not re-added
	// here; the next GetResourceLock registers it again.
	known, err := f.coord.Names().Contains(lctx, name)
	if err != nil {
		return sweepFailed, err
	}
	if !known {
		return sweepSkipped, nil
	}

	refs := f.coord.Semaphore(referenceKey(name))
	avail, err := refs.AvailablePermits(lctx)
	if err != nil {
		return sweepFailed, err
	}
	if avail != domain.InitialPermits {
		return sweepReferenced, nil
	}
	ok, err := refs.TryAcquire(lctx, domain.InitialPermits)
	if err != nil {
		return sweepFailed, err
	}
	if !ok {
		return sweepReferenced, nil
	}

	backing := f.coord.Semaphore(backingKey(name))
	ok, err = backing.TryAcquire(lctx, domain.InitialPermits)
	if err != nil || !ok {
		// Give back the probe; the inconsistency itself is left alone.
		if rerr := refs.Release(lctx, domain.InitialPermits); rerr != nil {
			f.logger.Error("failed to return probed reference permits", "resource", name, "error", rerr)
		}
		if err != nil {
			return sweepFailed, err
		}
		return sweepInconsistent, nil
	}

	if err := refs.Destroy(lctx); err != nil {
		for _, sem := range []domain.Semaphore{backing, refs} {
			if rerr := sem.Release(lctx, domain.InitialPermits); rerr != nil {
				f.logger.Error("failed to return probed permits", "resource", name, "error", rerr)
			}
		}
		return sweepFailed, fmt.Errorf("destroy reference semaphore: %w", err)
	}
	if err := backing.Destroy(lctx); err != nil {
		if rerr := backing.Release(lctx, domain.InitialPermits); rerr != nil {
			f.logger.Error("failed to return probed lock permits", "resource", name, "error", rerr)
		}
		return sweepFailed, fmt.Errorf("destroy lock semaphore: %w", err)
	}
	if err := f.coord.Names().Remove(lctx, name); err != nil {
		return sweepFailed, fmt.Errorf("remove name: %w", err)
	}
	return sweepDestroyed, nil
}

// cronLogger routes cron's logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
