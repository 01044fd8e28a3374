package redis

import (
	"context"
	"fmt"
	"time"

	"resource-locks/internal/domain"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// MutexTTL bounds how long a token outlives a node that died holding it.
	// A live holder keeps extending it, so holds may last longer.
	MutexTTL = 10 * time.Second

	mutexPollInterval = 20 * time.Millisecond
)

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// redisMutex is a SET NX PX token. The value is a random owner id so only
// the holder can delete or extend it.
type redisMutex struct {
	client redis.UniversalClient
	key    string
	name   string
	ttl    time.Duration

	owner   string
	stop    context.CancelFunc
	stopped chan struct{}
}

var _ domain.NameMutex = (*redisMutex)(nil)

func (m *redisMutex) Lock(ctx context.Context) error {
	owner := uuid.NewString()
	for {
		ok, err := m.client.SetNX(ctx, m.key, owner, m.ttl).Result()
		if err != nil {
			return timeoutErr(ctx, fmt.Errorf("failed to acquire redis lock %s: %w", m.name, err))
		}
		if ok {
			m.owner = owner
			m.startRefresh(owner)
			return nil
		}
		if err := poll(ctx, mutexPollInterval); err != nil {
			return timeoutErr(ctx, fmt.Errorf("failed to acquire redis lock %s: %w", m.name, err))
		}
	}
}

// startRefresh extends the token every ttl/3 until Unlock or until the
// token is found to belong to someone else.
func (m *redisMutex) startRefresh(owner string) {
	ctx, cancel := context.WithCancel(context.Background())
	m.stop = cancel
	m.stopped = make(chan struct{})
	go func() {
		defer close(m.stopped)
		ticker := time.NewTicker(m.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			n, err := refreshScript.Run(ctx, m.client, []string{m.key}, owner, m.ttl.Milliseconds()).Int64()
			if err != nil {
				// Transient; the next tick retries while the ttl lasts.
				continue
			}
			if n == 0 {
				return
			}
		}
	}()
}

func (m *redisMutex) Unlock(ctx context.Context) error {
	if m.owner == "" {
		return nil
	}
	owner := m.owner
	m.owner = ""
	m.stop()
	<-m.stopped
	if err := unlockScript.Run(ctx, m.client, []string{m.key}, owner).Err(); err != nil {
		return classify(fmt.Errorf("failed to unlock %s: %w", m.name, err))
	}
	return nil
}
