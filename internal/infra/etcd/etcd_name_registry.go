// internal/infra/etcd/etcd_name_registry.go
package etcd

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"resource-locks/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type etcdNameRegistry struct {
	client *clientv3.Client
	prefix string
	logger *slog.Logger
	tracer trace.Tracer
}

var _ domain.NameRegistry = (*etcdNameRegistry)(nil)

// Add records name. The value is unused.
func (r *etcdNameRegistry) Add(ctx context.Context, name string) error {
	ctx, span := r.tracer.Start(ctx, "coord.etcd.NameAdd")
	defer span.End()

	key := r.prefix + name
	span.SetAttributes(
		attribute.String("resource", name),
		attribute.String("etcd.key", key),
	)

	if _, err := r.client.Put(ctx, key, ""); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put name to etcd")
		return classify(fmt.Errorf("failed to register name %s in etcd: %w", name, err))
	}
	return nil
}

func (r *etcdNameRegistry) Remove(ctx context.Context, name string) error {
	ctx, span := r.tracer.Start(ctx, "coord.etcd.NameRemove")
	defer span.End()
	span.SetAttributes(attribute.String("resource", name))

	if _, err := r.client.Delete(ctx, r.prefix+name); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete name from etcd")
		return classify(fmt.Errorf("failed to remove name %s from etcd: %w", name, err))
	}
	return nil
}

func (r *etcdNameRegistry) Contains(ctx context.Context, name string) (bool, error) {
	resp, err := r.client.Get(ctx, r.prefix+name, clientv3.WithCountOnly())
	if err != nil {
		return false, classify(fmt.Errorf("failed to look up name %s in etcd: %w", name, err))
	}
	return resp.Count > 0, nil
}

func (r *etcdNameRegistry) List(ctx context.Context) ([]string, error) {
	ctx, span := r.tracer.Start(ctx, "coord.etcd.NameList")
	defer span.End()

	resp, err := r.client.Get(ctx, r.prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list names from etcd")
		return nil, classify(fmt.Errorf("failed to list names from etcd: %w", err))
	}
	span.SetAttributes(attribute.Int("etcd.kv_count", len(resp.Kvs)))

	names := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		name := strings.TrimPrefix(string(kv.Key), r.prefix)
		if name == "" {
			r.logger.Warn("ignoring empty resource name in etcd", "key", string(kv.Key))
			continue
		}
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}
