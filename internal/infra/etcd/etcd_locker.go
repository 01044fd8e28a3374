// internal/infra/etcd/etcd_locker.go
package etcd

import (
	"context"
	"fmt"

	"resource-locks/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// LockSessionTTL is the lease TTL, in seconds, behind a held token. A node
// that dies while holding one frees it when the lease expires.
const LockSessionTTL = 10

// etcdMutex is a per-name mutual exclusion token. Each Lock runs in its own
// session so two tokens taken by the same process never share a lease key.
type etcdMutex struct {
	client *clientv3.Client
	key    string
	name   string

	session *concurrency.Session
	mutex   *concurrency.Mutex
}

var _ domain.NameMutex = (*etcdMutex)(nil)

func (m *etcdMutex) Lock(ctx context.Context) error {
	session, err := concurrency.NewSession(m.client, concurrency.WithTTL(LockSessionTTL))
	if err != nil {
		return classify(fmt.Errorf("failed to create etcd session for lock %s: %w", m.name, err))
	}

	mutex := concurrency.NewMutex(session, m.key)
	if err := mutex.Lock(ctx); err != nil {
		_ = session.Close()
		return timeoutErr(ctx, fmt.Errorf("failed to acquire etcd lock %s: %w", m.name, err))
	}

	m.session = session
	m.mutex = mutex
	return nil
}

// Unlock releases the token and closes its session, which revokes the lease.
func (m *etcdMutex) Unlock(ctx context.Context) error {
	if m.mutex == nil {
		return nil
	}
	defer func() {
		_ = m.session.Close()
		m.session, m.mutex = nil, nil
	}()

	if err := m.mutex.Unlock(ctx); err != nil {
		return classify(fmt.Errorf("failed to unlock %s: %w", m.name, err))
	}
	return nil
}
