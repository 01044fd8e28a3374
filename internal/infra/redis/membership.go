package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"resource-locks/internal/domain"

	"github.com/redis/go-redis/v9"
)

// Membership tracks cluster members through heartbeats in a sorted set.
// Each member is stored as its JSON encoding scored by the unix millisecond
// time its registration expires. It is both the Registrar and the Membership
// of the local node.
type Membership struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
	logger *slog.Logger

	mu      sync.RWMutex
	self    domain.Member
	entry   string
	members []domain.Member

	cancel context.CancelFunc
	done   chan struct{}
}

var (
	_ domain.Membership = (*Membership)(nil)
	_ domain.Registrar  = (*Membership)(nil)
)

func NewMembership(c *Coordinator, ttl time.Duration, logger *slog.Logger) *Membership {
	return &Membership{
		client: c.client,
		key:    c.membersKey(),
		ttl:    ttl,
		logger: logger.With("component", "redis-membership"),
	}
}

// Register announces self and keeps refreshing it every third of the TTL
// until Deregister.
func (m *Membership) Register(ctx context.Context, self domain.Member) error {
	entry, err := json.Marshal(self)
	if err != nil {
		return fmt.Errorf("failed to encode member: %w", err)
	}
	m.mu.Lock()
	m.self = self
	m.entry = string(entry)
	m.mu.Unlock()

	if err := m.heartbeat(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(loopCtx)

	m.logger.Info("member registered", "id", self.ID, "addr", self.Addr)
	return nil
}

func (m *Membership) run(ctx context.Context) {
	defer close(m.done)
	t := time.NewTicker(m.ttl / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := m.heartbeat(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("membership heartbeat failed", "error", err)
			}
		}
	}
}

// heartbeat refreshes our entry, drops expired ones and reloads the snapshot.
func (m *Membership) heartbeat(ctx context.Context) error {
	now := time.Now()
	expires := now.Add(m.ttl).UnixMilli()
	nowMs := strconv.FormatInt(now.UnixMilli(), 10)

	m.mu.RLock()
	entry := m.entry
	m.mu.RUnlock()

	pipe := m.client.TxPipeline()
	pipe.ZAdd(ctx, m.key, redis.Z{Score: float64(expires), Member: entry})
	pipe.ZRemRangeByScore(ctx, m.key, "-inf", "("+nowMs)
	live := pipe.ZRangeByScore(ctx, m.key, &redis.ZRangeBy{Min: nowMs, Max: "+inf"})
	if _, err := pipe.Exec(ctx); err != nil {
		return classify(fmt.Errorf("failed to refresh membership: %w", err))
	}

	members := make([]domain.Member, 0, len(live.Val()))
	for _, raw := range live.Val() {
		var mem domain.Member
		if err := json.Unmarshal([]byte(raw), &mem); err != nil {
			m.logger.Warn("ignoring malformed member entry", "entry", raw, "error", err)
			continue
		}
		members = append(members, mem)
	}
	slices.SortFunc(members, func(a, b domain.Member) int { return strings.Compare(a.ID, b.ID) })

	m.mu.Lock()
	m.members = members
	m.mu.Unlock()
	return nil
}

// Deregister stops the heartbeat and removes our entry.
func (m *Membership) Deregister(ctx context.Context) error {
	if m.cancel == nil {
		return nil
	}
	m.cancel()
	<-m.done
	m.cancel = nil

	m.mu.RLock()
	entry, id := m.entry, m.self.ID
	m.mu.RUnlock()
	m.logger.Info("deregistering member", "id", id)
	if err := m.client.ZRem(ctx, m.key, entry).Err(); err != nil {
		return classify(fmt.Errorf("failed to deregister member: %w", err))
	}
	return nil
}

func (m *Membership) Self() domain.Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.self
}

func (m *Membership) Members() []domain.Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := slices.Clone(m.members)
	if !slices.ContainsFunc(out, func(mem domain.Member) bool { return mem.ID == m.self.ID }) && m.self.ID != "" {
		out = append(out, m.self)
	}
	return out
}
