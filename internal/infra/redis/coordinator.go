package redis

import (
	"log/slog"
	"strings"

	"resource-locks/internal/domain"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const DefaultPrefix = "locks:"

// Coordinator implements domain.Coordinator on Redis. Key layout under
// prefix:
//
//	sem:<key>     free permits of a semaphore
//	mutex:<name>  token value
//	names         set of known resource names
//	members       heartbeat zset, see Membership
type Coordinator struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
	tracer trace.Tracer
}

var _ domain.Coordinator = (*Coordinator)(nil)

// NewCoordinator does not take ownership of client.
func NewCoordinator(client redis.UniversalClient, prefix string, logger *slog.Logger) *Coordinator {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return &Coordinator{
		client: client,
		prefix: prefix,
		logger: logger.With("component", "redis-coordinator"),
		tracer: otel.Tracer("resource-locks-redis"),
	}
}

func (c *Coordinator) Semaphore(key string) domain.DistributedSemaphore {
	return &redisSemaphore{client: c.client, key: c.prefix + "sem:" + key, tracer: c.tracer}
}

func (c *Coordinator) Mutex(name string) domain.NameMutex {
	return &redisMutex{
		client: c.client,
		key:    c.prefix + "mutex:" + name,
		name:   name,
		ttl:    MutexTTL,
	}
}

func (c *Coordinator) Names() domain.NameRegistry {
	return &redisNameRegistry{client: c.client, key: c.prefix + "names"}
}

func (c *Coordinator) membersKey() string { return c.prefix + "members" }

// Close is a no-op; the client belongs to the caller.
func (c *Coordinator) Close() error { return nil }
