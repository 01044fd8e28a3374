package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"resource-locks/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// forceReleaser is implemented by locks that can drop every hold at once.
type forceReleaser interface {
	ForceRelease(ctx context.Context) error
}

// LockAdmin answers admin queries from the locks live in this process.
type LockAdmin struct {
	factory domain.ResourceLockFactory
	logger  *slog.Logger
	tracer  trace.Tracer
}

var _ domain.LockAdmin = (*LockAdmin)(nil)

func NewLockAdmin(factory domain.ResourceLockFactory, logger *slog.Logger) *LockAdmin {
	return &LockAdmin{
		factory: factory,
		logger:  logger.With("component", "lock-admin"),
		tracer:  otel.Tracer("resource-locks-usecase"),
	}
}

// ListResourceNames returns the names of the locks live in this process.
func (a *LockAdmin) ListResourceNames(ctx context.Context) ([]string, error) {
	_, span := a.tracer.Start(ctx, "admin.ListResourceNames")
	defer span.End()

	locks := a.factory.LocalLocks()
	names := make([]string, 0, len(locks))
	for _, l := range locks {
		names = append(names, l.Name())
	}
	slices.Sort(names)
	return slices.Compact(names), nil
}

func (a *LockAdmin) FindOwningCallers(ctx context.Context, resource string) ([]string, error) {
	_, span := a.tracer.Start(ctx, "admin.FindOwningCallers", trace.WithAttributes(attribute.String("resource", resource)))
	defer span.End()
	return a.callers(resource, domain.ResourceLock.Owners), nil
}

func (a *LockAdmin) FindWaitingCallers(ctx context.Context, resource string) ([]string, error) {
	_, span := a.tracer.Start(ctx, "admin.FindWaitingCallers", trace.WithAttributes(attribute.String("resource", resource)))
	defer span.End()
	return a.callers(resource, domain.ResourceLock.Waiters), nil
}

func (a *LockAdmin) FindOwnedResources(ctx context.Context, caller string) ([]string, error) {
	_, span := a.tracer.Start(ctx, "admin.FindOwnedResources", trace.WithAttributes(attribute.String("caller", caller)))
	defer span.End()
	return a.resources(domain.CallerID(caller), domain.ResourceLock.Owners), nil
}

func (a *LockAdmin) FindWaitedResources(ctx context.Context, caller string) ([]string, error) {
	_, span := a.tracer.Start(ctx, "admin.FindWaitedResources", trace.WithAttributes(attribute.String("caller", caller)))
	defer span.End()
	return a.resources(domain.CallerID(caller), domain.ResourceLock.Waiters), nil
}

// ReleaseResource unwinds every hold on resource in this process. A resource
// with no live lock here is a no-op.
func (a *LockAdmin) ReleaseResource(ctx context.Context, resource string) error {
	ctx, span := a.tracer.Start(ctx, "admin.ReleaseResource", trace.WithAttributes(attribute.String("resource", resource)))
	defer span.End()

	for _, l := range a.find(resource) {
		fr, ok := l.(forceReleaser)
		if !ok {
			err := fmt.Errorf("lock %s does not support forced release", resource)
			span.RecordError(err)
			return err
		}
		owners := l.Owners()
		if err := fr.ForceRelease(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to force release")
			a.logger.Error("failed to force release resource", "resource", resource, "error", err)
			return fmt.Errorf("force release %s: %w", resource, err)
		}
		a.logger.Warn("force released resource", "resource", resource, "owners", owners)
	}
	return nil
}

func (a *LockAdmin) find(resource string) []domain.ResourceLock {
	var out []domain.ResourceLock
	for _, l := range a.factory.LocalLocks() {
		if l.Name() == resource {
			out = append(out, l)
		}
	}
	return out
}

func (a *LockAdmin) callers(resource string, pick func(domain.ResourceLock) []domain.CallerID) []string {
	out := []string{}
	for _, l := range a.find(resource) {
		for _, c := range pick(l) {
			out = append(out, string(c))
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func (a *LockAdmin) resources(caller domain.CallerID, pick func(domain.ResourceLock) []domain.CallerID) []string {
	out := []string{}
	for _, l := range a.factory.LocalLocks() {
		if slices.Contains(pick(l), caller) {
			out = append(out, l.Name())
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
