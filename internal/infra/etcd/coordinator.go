package etcd

import (
	"log/slog"
	"net/url"
	"strings"

	"resource-locks/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const DefaultPrefix = "/locks/"

// Coordinator implements domain.Coordinator on etcd. Names are used verbatim
// in keys. Layout under prefix:
//
//	sem/<key>     free permits of a semaphore
//	mutex/<name>  concurrency.Mutex tokens (name path-escaped)
//	names/<name>  known resource names
type Coordinator struct {
	client *clientv3.Client
	prefix string
	logger *slog.Logger
	tracer trace.Tracer
}

var _ domain.Coordinator = (*Coordinator)(nil)

// NewCoordinator does not take ownership of client.
func NewCoordinator(client *clientv3.Client, prefix string, logger *slog.Logger) *Coordinator {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Coordinator{
		client: client,
		prefix: prefix,
		logger: logger.With("component", "etcd-coordinator"),
		tracer: otel.Tracer("resource-locks-etcd"),
	}
}

func (c *Coordinator) Semaphore(key string) domain.DistributedSemaphore {
	return &etcdSemaphore{
		client: c.client,
		key:    c.prefix + "sem/" + key,
		tracer: c.tracer,
	}
}

func (c *Coordinator) Mutex(name string) domain.NameMutex {
	return &etcdMutex{
		client: c.client,
		// Escaped: concurrency.Mutex owns every key below "<key>/", so "a"
		// must not be a key prefix of "a/b".
		key:    c.prefix + "mutex/" + url.PathEscape(name),
		name:   name,
	}
}

func (c *Coordinator) Names() domain.NameRegistry {
	return &etcdNameRegistry{
		client: c.client,
		prefix: c.prefix + "names/",
		logger: c.logger,
		tracer: c.tracer,
	}
}

// Close is a no-op; the client belongs to the caller.
func (c *Coordinator) Close() error { return nil }
