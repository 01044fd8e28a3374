package redis

import (
	"context"
	"fmt"
	"slices"

	"resource-locks/internal/domain"

	"github.com/redis/go-redis/v9"
)

// redisNameRegistry keeps known names in one set.
type redisNameRegistry struct {
	client redis.UniversalClient
	key    string
}

var _ domain.NameRegistry = (*redisNameRegistry)(nil)

func (r *redisNameRegistry) Add(ctx context.Context, name string) error {
	if err := r.client.SAdd(ctx, r.key, name).Err(); err != nil {
		return classify(fmt.Errorf("failed to register name %s in redis: %w", name, err))
	}
	return nil
}

func (r *redisNameRegistry) Remove(ctx context.Context, name string) error {
	if err := r.client.SRem(ctx, r.key, name).Err(); err != nil {
		return classify(fmt.Errorf("failed to remove name %s from redis: %w", name, err))
	}
	return nil
}

func (r *redisNameRegistry) Contains(ctx context.Context, name string) (bool, error) {
	ok, err := r.client.SIsMember(ctx, r.key, name).Result()
	if err != nil {
		return false, classify(fmt.Errorf("failed to look up name %s in redis: %w", name, err))
	}
	return ok, nil
}

func (r *redisNameRegistry) List(ctx context.Context) ([]string, error) {
	names, err := r.client.SMembers(ctx, r.key).Result()
	if err != nil {
		return nil, classify(fmt.Errorf("failed to list names from redis: %w", err))
	}
	slices.Sort(names)
	return names, nil
}
