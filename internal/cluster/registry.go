// internal/cluster/registry.go
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"resource-locks/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// DefaultMemberPrefix is where nodes register themselves.
const DefaultMemberPrefix = "/locks/members/"

// Registry registers this node in etcd under a lease kept alive until
// Deregister.
type Registry struct {
	client *clientv3.Client
	prefix string
	ttl    int64
	logger *slog.Logger

	leaseID clientv3.LeaseID
	key     string
	cancel  context.CancelFunc
}

var _ domain.Registrar = (*Registry)(nil)

// NewRegistry creates a registry whose lease lives ttlSeconds without a
// keep-alive.
func NewRegistry(client *clientv3.Client, prefix string, ttlSeconds int64, logger *slog.Logger) *Registry {
	if prefix == "" {
		prefix = DefaultMemberPrefix
	}
	return &Registry{
		client: client,
		prefix: prefix,
		ttl:    ttlSeconds,
		logger: logger.With("component", "member-registry"),
	}
}

// Register writes self as JSON under a new lease and starts keeping it alive.
func (r *Registry) Register(ctx context.Context, self domain.Member) error {
	value, err := json.Marshal(self)
	if err != nil {
		return fmt.Errorf("failed to encode member: %w", err)
	}
	r.key = r.prefix + self.ID

	leaseResp, err := r.client.Grant(ctx, r.ttl)
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}
	r.leaseID = leaseResp.ID

	if _, err := r.client.Put(ctx, r.key, string(value), clientv3.WithLease(r.leaseID)); err != nil {
		return fmt.Errorf("failed to put member registration key: %w", err)
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	keepAliveCh, err := r.client.KeepAlive(kaCtx, r.leaseID)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to start keep-alive: %w", err)
	}
	r.cancel = cancel

	go func() {
		for {
			ka, ok := <-keepAliveCh
			if !ok {
				if kaCtx.Err() == nil {
					r.logger.Warn("keep-alive channel closed, member registration may have expired")
				}
				return
			}
			r.logger.Debug("lease keep-alive refreshed", "lease_id", ka.ID, "ttl", ka.TTL)
		}
	}()

	r.logger.Info("member registered", "key", r.key, "addr", self.Addr)
	return nil
}

// Deregister revokes the lease, which deletes the registration key.
func (r *Registry) Deregister(ctx context.Context) error {
	if r.cancel == nil {
		return nil
	}
	r.logger.Info("deregistering member", "key", r.key)
	r.cancel()
	r.cancel = nil

	if _, err := r.client.Revoke(ctx, r.leaseID); err != nil {
		return fmt.Errorf("failed to revoke lease: %w", err)
	}
	return nil
}
