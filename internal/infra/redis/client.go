package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"resource-locks/internal/domain"

	"github.com/redis/go-redis/v9"
)

const DefaultURL = "redis://localhost:6379"

// NewClient parses url and checks the server answers within timeout.
func NewClient(url string, timeout time.Duration) (*redis.Client, error) {
	if url == "" {
		url = DefaultURL
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w: %w", domain.ErrBackendUnavailable, err)
	}
	return client, nil
}

// classify marks connection failures as ErrBackendUnavailable.
func classify(err error) error {
	if err == nil || errors.Is(err, domain.ErrBackendUnavailable) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, redis.ErrClosed) {
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

// poll waits for d or until ctx is done.
func poll(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
