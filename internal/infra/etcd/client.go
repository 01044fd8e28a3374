package etcd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"resource-locks/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func NewClient(endpoints []string, timeout time.Duration) (*clientv3.Client, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: timeout,
		DialOptions: []grpc.DialOption{
			grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrBackendUnavailable, err)
	}
	return cli, nil
}

// classify marks errors caused by an unreachable cluster so callers can tell
// them apart with errors.Is.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrBackendUnavailable) {
		return err
	}
	if status.Code(err) == codes.Unavailable {
		return fmt.Errorf("%w: %w", domain.ErrBackendUnavailable, err)
	}
	return err
}

// timeoutErr reports a bounded wait that ran out as ErrLockTimeout.
func timeoutErr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", domain.ErrLockTimeout, err)
	}
	return classify(err)
}
