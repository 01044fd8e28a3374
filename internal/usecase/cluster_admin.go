package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"resource-locks/internal/domain"
	"resource-locks/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultCallTimeout = 5 * time.Second

	// tagSep joins a caller id with the address of the member it lives on.
	tagSep = " @ "
)

// TagCaller qualifies a caller id with a member address.
func TagCaller(id, addr string) string { return id + tagSep + addr }

// SplitCaller undoes TagCaller. ok is false for an untagged id.
func SplitCaller(tagged string) (id, addr string, ok bool) {
	return strings.Cut(tagged, tagSep)
}

// AdminClientFunc returns a LockAdmin that queries the local admin of the
// member at addr.
type AdminClientFunc func(addr string) domain.LockAdmin

// ClusterAdmin broadcasts admin operations to every cluster member and merges
// the answers. Members that fail or time out are logged and left out; an
// operation fails only when no member answered.
type ClusterAdmin struct {
	local      domain.LockAdmin
	membership domain.Membership
	newClient  AdminClientFunc
	timeout    time.Duration
	logger     *slog.Logger
	tracer     trace.Tracer

	mu      sync.Mutex
	clients map[string]domain.LockAdmin
}

var _ domain.LockAdmin = (*ClusterAdmin)(nil)

func NewClusterAdmin(local domain.LockAdmin, membership domain.Membership, newClient AdminClientFunc, timeout time.Duration, logger *slog.Logger) *ClusterAdmin {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &ClusterAdmin{
		local:      local,
		membership: membership,
		newClient:  newClient,
		timeout:    timeout,
		logger:     logger.With("component", "cluster-admin"),
		tracer:     otel.Tracer("resource-locks-usecase"),
		clients:    make(map[string]domain.LockAdmin),
	}
}

// getOrCreateClient caches one client per member address.
func (c *ClusterAdmin) getOrCreateClient(addr string) domain.LockAdmin {
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients[addr]; ok {
		return client
	}
	client := c.newClient(addr)
	c.clients[addr] = client
	c.logger.Debug("created admin client for member", "addr", addr)
	return client
}

func (c *ClusterAdmin) adminFor(m domain.Member) domain.LockAdmin {
	if m.ID == c.membership.Self().ID {
		return c.local
	}
	return c.getOrCreateClient(m.Addr)
}

type memberResult struct {
	member domain.Member
	values []string
}

// broadcast calls fn on every member in targets concurrently. It returns the
// answers of the members that succeeded.
func (c *ClusterAdmin) broadcast(ctx context.Context, op string, targets []domain.Member, fn func(context.Context, domain.LockAdmin) ([]string, error)) ([]memberResult, error) {
	ctx, span := c.tracer.Start(ctx, "admin.Broadcast", trace.WithAttributes(
		attribute.String("operation", op),
		attribute.Int("members", len(targets)),
	))
	defer span.End()

	results := make([]memberResult, len(targets))
	errs := make([]error, len(targets))
	var g errgroup.Group
	for i, m := range targets {
		g.Go(func() error {
			mctx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			values, err := fn(mctx, c.adminFor(m))
			if err != nil {
				metrics.BroadcastFailuresTotal.WithLabelValues(op).Inc()
				c.logger.Warn("cluster member failed admin call", "operation", op, "member", m.ID, "addr", m.Addr, "error", err)
				errs[i] = fmt.Errorf("member %s (%s): %w", m.ID, m.Addr, err)
				return nil
			}
			results[i] = memberResult{member: m, values: values}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]memberResult, 0, len(targets))
	for i := range targets {
		if errs[i] == nil {
			out = append(out, results[i])
		}
	}
	if len(out) == 0 && len(targets) > 0 {
		err := fmt.Errorf("%s: no cluster member answered: %w", op, errors.Join(errs...))
		span.RecordError(err)
		span.SetStatus(codes.Error, "broadcast failed on every member")
		return nil, err
	}
	return out, nil
}

// targetsFor narrows the broadcast to the member a tagged caller lives on.
// An untagged caller, or a tag naming no known member, goes to everyone.
func (c *ClusterAdmin) targetsFor(caller string) (string, []domain.Member) {
	members := c.membership.Members()
	id, addr, ok := SplitCaller(caller)
	if !ok {
		return caller, members
	}
	var narrowed []domain.Member
	for _, m := range members {
		if m.Addr == addr {
			narrowed = append(narrowed, m)
		}
	}
	if len(narrowed) == 0 {
		return id, members
	}
	return id, narrowed
}

func union(results []memberResult) []string {
	out := []string{}
	for _, r := range results {
		out = append(out, r.values...)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func tagged(results []memberResult) []string {
	out := []string{}
	for _, r := range results {
		for _, v := range r.values {
			out = append(out, TagCaller(v, r.member.Addr))
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func (c *ClusterAdmin) ListResourceNames(ctx context.Context) ([]string, error) {
	res, err := c.broadcast(ctx, "list_resources", c.membership.Members(), func(ctx context.Context, a domain.LockAdmin) ([]string, error) {
		return a.ListResourceNames(ctx)
	})
	if err != nil {
		return nil, err
	}
	return union(res), nil
}

func (c *ClusterAdmin) FindOwningCallers(ctx context.Context, resource string) ([]string, error) {
	res, err := c.broadcast(ctx, "find_owners", c.membership.Members(), func(ctx context.Context, a domain.LockAdmin) ([]string, error) {
		return a.FindOwningCallers(ctx, resource)
	})
	if err != nil {
		return nil, err
	}
	return tagged(res), nil
}

func (c *ClusterAdmin) FindWaitingCallers(ctx context.Context, resource string) ([]string, error) {
	res, err := c.broadcast(ctx, "find_waiters", c.membership.Members(), func(ctx context.Context, a domain.LockAdmin) ([]string, error) {
		return a.FindWaitingCallers(ctx, resource)
	})
	if err != nil {
		return nil, err
	}
	return tagged(res), nil
}

func (c *ClusterAdmin) FindOwnedResources(ctx context.Context, caller string) ([]string, error) {
	id, targets := c.targetsFor(caller)
	res, err := c.broadcast(ctx, "find_owned", targets, func(ctx context.Context, a domain.LockAdmin) ([]string, error) {
		return a.FindOwnedResources(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return union(res), nil
}

func (c *ClusterAdmin) FindWaitedResources(ctx context.Context, caller string) ([]string, error) {
	id, targets := c.targetsFor(caller)
	res, err := c.broadcast(ctx, "find_waited", targets, func(ctx context.Context, a domain.LockAdmin) ([]string, error) {
		return a.FindWaitedResources(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return union(res), nil
}

func (c *ClusterAdmin) ReleaseResource(ctx context.Context, resource string) error {
	_, err := c.broadcast(ctx, "release", c.membership.Members(), func(ctx context.Context, a domain.LockAdmin) ([]string, error) {
		return nil, a.ReleaseResource(ctx, resource)
	})
	if err == nil {
		c.logger.Warn("force released resource across cluster", "resource", resource)
	}
	return err
}
