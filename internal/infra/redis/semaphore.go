package redis

import (
	"context"
	"fmt"
	"time"

	"resource-locks/internal/domain"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// semaphorePollInterval is how often a blocked Acquire retries.
const semaphorePollInterval = 20 * time.Millisecond

// A missing key holds ARGV[2] (the initial permits) free.
var tryAcquireScript = redis.NewScript(`
local avail = tonumber(redis.call("GET", KEYS[1]) or ARGV[2])
local n = tonumber(ARGV[1])
if avail < n then
  return 0
end
redis.call("SET", KEYS[1], tostring(avail - n))
return 1
`)

var releaseScript = redis.NewScript(`
local initial = tonumber(ARGV[2])
local avail = tonumber(redis.call("GET", KEYS[1]) or ARGV[2])
local n = tonumber(ARGV[1])
if avail + n > initial then
  return -1
end
redis.call("SET", KEYS[1], tostring(avail + n))
return 1
`)

// redisSemaphore stores the number of free permits as a string under key.
type redisSemaphore struct {
	client redis.UniversalClient
	key    string
	tracer trace.Tracer
}

var _ domain.DistributedSemaphore = (*redisSemaphore)(nil)

func (s *redisSemaphore) Acquire(ctx context.Context, n int64) error {
	ctx, span := s.tracer.Start(ctx, "coord.redis.SemaphoreAcquire", trace.WithAttributes(
		attribute.String("redis.key", s.key),
		attribute.Int64("permits", n),
	))
	defer span.End()

	for {
		ok, err := s.TryAcquire(ctx, n)
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to take permits")
			return err
		}
		if ok {
			return nil
		}
		if err := poll(ctx, semaphorePollInterval); err != nil {
			return err
		}
	}
}

func (s *redisSemaphore) TryAcquire(ctx context.Context, n int64) (bool, error) {
	res, err := tryAcquireScript.Run(ctx, s.client, []string{s.key}, n, domain.InitialPermits).Int64()
	if err != nil {
		return false, classify(fmt.Errorf("failed to take permits on %s: %w", s.key, err))
	}
	return res == 1, nil
}

func (s *redisSemaphore) Release(ctx context.Context, n int64) error {
	ctx, span := s.tracer.Start(ctx, "coord.redis.SemaphoreRelease", trace.WithAttributes(
		attribute.String("redis.key", s.key),
		attribute.Int64("permits", n),
	))
	defer span.End()

	res, err := releaseScript.Run(ctx, s.client, []string{s.key}, n, domain.InitialPermits).Int64()
	if err != nil {
		err = classify(fmt.Errorf("failed to release permits on %s: %w", s.key, err))
		span.RecordError(err)
		return err
	}
	if res < 0 {
		err := fmt.Errorf("release of %d permits on %s exceeds initial permits: %w", n, s.key, domain.ErrIllegalState)
		span.RecordError(err)
		return err
	}
	return nil
}

func (s *redisSemaphore) AvailablePermits(ctx context.Context) (int64, error) {
	avail, err := s.client.Get(ctx, s.key).Int64()
	if err == redis.Nil {
		return domain.InitialPermits, nil
	}
	if err != nil {
		return 0, classify(fmt.Errorf("failed to read semaphore %s: %w", s.key, err))
	}
	return avail, nil
}

func (s *redisSemaphore) Destroy(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return classify(fmt.Errorf("failed to delete semaphore %s: %w", s.key, err))
	}
	return nil
}
