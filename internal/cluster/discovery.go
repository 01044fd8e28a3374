// internal/cluster/discovery.go
package cluster

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"resource-locks/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Discovery tracks registered members by watching the registry prefix.
type Discovery struct {
	client *clientv3.Client
	prefix string
	self   domain.Member
	logger *slog.Logger

	mu      sync.RWMutex
	members map[string]domain.Member // keyed by etcd key
}

var _ domain.Membership = (*Discovery)(nil)

func NewDiscovery(client *clientv3.Client, prefix string, self domain.Member, logger *slog.Logger) *Discovery {
	if prefix == "" {
		prefix = DefaultMemberPrefix
	}
	return &Discovery{
		client:  client,
		prefix:  prefix,
		self:    self,
		logger:  logger.With("component", "member-discovery"),
		members: make(map[string]domain.Member),
	}
}

// Watch loads the current members and then follows changes until ctx is
// done. It blocks and should be run in a goroutine.
func (d *Discovery) Watch(ctx context.Context) {
	d.logger.Info("starting to watch for members")

	rev, err := d.loadInitialMembers(ctx)
	if err != nil {
		d.logger.Error("failed to perform initial member load", "error", err)
	}

	opts := []clientv3.OpOption{clientv3.WithPrefix()}
	if rev > 0 {
		opts = append(opts, clientv3.WithRev(rev+1))
	}
	for watchResp := range d.client.Watch(ctx, d.prefix, opts...) {
		if err := watchResp.Err(); err != nil {
			d.logger.Warn("member watch error", "error", err)
			continue
		}
		d.mu.Lock()
		for _, event := range watchResp.Events {
			key := string(event.Kv.Key)
			switch event.Type {
			case clientv3.EventTypePut:
				m, ok := d.decode(event.Kv.Value)
				if !ok {
					continue
				}
				if _, known := d.members[key]; !known {
					d.logger.Info("new member discovered", "id", m.ID, "addr", m.Addr)
				}
				d.members[key] = m
			case clientv3.EventTypeDelete:
				d.logger.Info("member left", "id", strings.TrimPrefix(key, d.prefix))
				delete(d.members, key)
			}
		}
		d.mu.Unlock()
	}
	d.logger.Info("stopped watching for members")
}

func (d *Discovery) loadInitialMembers(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := d.client.Get(ctx, d.prefix, clientv3.WithPrefix())
	if err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, kv := range resp.Kvs {
		m, ok := d.decode(kv.Value)
		if !ok {
			continue
		}
		d.logger.Info("found existing member", "id", m.ID, "addr", m.Addr)
		d.members[string(kv.Key)] = m
	}
	return resp.Header.Revision, nil
}

func (d *Discovery) decode(value []byte) (domain.Member, bool) {
	var m domain.Member
	if err := json.Unmarshal(value, &m); err != nil || m.ID == "" {
		d.logger.Warn("ignoring malformed member registration", "value", string(value), "error", err)
		return domain.Member{}, false
	}
	return m, true
}

func (d *Discovery) Self() domain.Member { return d.self }

// Members returns a snapshot of known members sorted by id. Self is always
// included.
func (d *Discovery) Members() []domain.Member {
	d.mu.RLock()
	out := make([]domain.Member, 0, len(d.members)+1)
	for _, m := range d.members {
		out = append(out, m)
	}
	d.mu.RUnlock()
	return withSelf(out, d.self)
}

func withSelf(members []domain.Member, self domain.Member) []domain.Member {
	if !slices.ContainsFunc(members, func(m domain.Member) bool { return m.ID == self.ID }) {
		members = append(members, self)
	}
	slices.SortFunc(members, func(a, b domain.Member) int { return strings.Compare(a.ID, b.ID) })
	return members
}
