// internal/infra/etcd/etcd_semaphore.go
package etcd

import (
	"context"
	"fmt"
	"strconv"

	"resource-locks/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// etcdSemaphore keeps the number of free permits as a decimal value under a
// single key. All updates are compare-and-swap on the key's mod revision; a
// missing key means "untouched" and reads as domain.InitialPermits.
type etcdSemaphore struct {
	client *clientv3.Client
	key    string
	tracer trace.Tracer
}

var _ domain.DistributedSemaphore = (*etcdSemaphore)(nil)

type semaphoreState struct {
	avail int64
	// modRev is 0 when the key does not exist.
	modRev int64
	// rev is the store revision the state was read at.
	rev int64
}

func (s *etcdSemaphore) load(ctx context.Context) (semaphoreState, error) {
	resp, err := s.client.Get(ctx, s.key)
	if err != nil {
		return semaphoreState{}, classify(fmt.Errorf("failed to read semaphore %s from etcd: %w", s.key, err))
	}
	st := semaphoreState{avail: domain.InitialPermits, rev: resp.Header.Revision}
	if len(resp.Kvs) == 0 {
		return st, nil
	}
	kv := resp.Kvs[0]
	st.modRev = kv.ModRevision
	st.avail, err = strconv.ParseInt(string(kv.Value), 10, 64)
	if err != nil {
		return semaphoreState{}, fmt.Errorf("corrupt semaphore value at %s: %w", s.key, err)
	}
	return st, nil
}

// swap stores avail if the key has not changed since st was read.
func (s *etcdSemaphore) swap(ctx context.Context, st semaphoreState, avail int64) (bool, error) {
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(s.key), "=", st.modRev)).
		Then(clientv3.OpPut(s.key, strconv.FormatInt(avail, 10))).
		Commit()
	if err != nil {
		return false, classify(fmt.Errorf("failed to update semaphore %s in etcd: %w", s.key, err))
	}
	return resp.Succeeded, nil
}

// waitChange blocks until the key is modified after revision rev.
func (s *etcdSemaphore) waitChange(ctx context.Context, rev int64) error {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for resp := range s.client.Watch(wctx, s.key, clientv3.WithRev(rev+1)) {
		if resp.CompactRevision != 0 {
			// rev is gone; the caller re-reads the current value.
			return nil
		}
		if err := resp.Err(); err != nil {
			return classify(fmt.Errorf("watch on semaphore %s failed: %w", s.key, err))
		}
		if len(resp.Events) > 0 {
			return nil
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fmt.Errorf("watch on semaphore %s closed: %w", s.key, domain.ErrBackendUnavailable)
}

func (s *etcdSemaphore) Acquire(ctx context.Context, n int64) error {
	ctx, span := s.tracer.Start(ctx, "coord.etcd.SemaphoreAcquire", trace.WithAttributes(
		attribute.String("etcd.key", s.key),
		attribute.Int64("permits", n),
	))
	defer span.End()

	for {
		st, err := s.load(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to read semaphore")
			return err
		}
		if st.avail >= n {
			ok, err := s.swap(ctx, st, st.avail-n)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "failed to take permits")
				return err
			}
			if ok {
				return nil
			}
			continue
		}
		if err := s.waitChange(ctx, st.rev); err != nil {
			return err
		}
	}
}

func (s *etcdSemaphore) TryAcquire(ctx context.Context, n int64) (bool, error) {
	for {
		st, err := s.load(ctx)
		if err != nil {
			return false, err
		}
		if st.avail < n {
			return false, nil
		}
		ok, err := s.swap(ctx, st, st.avail-n)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
}

func (s *etcdSemaphore) Release(ctx context.Context, n int64) error {
	ctx, span := s.tracer.Start(ctx, "coord.etcd.SemaphoreRelease", trace.WithAttributes(
		attribute.String("etcd.key", s.key),
		attribute.Int64("permits", n),
	))
	defer span.End()

	for {
		st, err := s.load(ctx)
		if err != nil {
			span.RecordError(err)
			return err
		}
		if st.avail+n > domain.InitialPermits {
			err := fmt.Errorf("release of %d permits on %s exceeds initial permits: %w", n, s.key, domain.ErrIllegalState)
			span.RecordError(err)
			return err
		}
		ok, err := s.swap(ctx, st, st.avail+n)
		if err != nil {
			span.RecordError(err)
			return err
		}
		if ok {
			return nil
		}
	}
}

func (s *etcdSemaphore) AvailablePermits(ctx context.Context) (int64, error) {
	st, err := s.load(ctx)
	if err != nil {
		return 0, err
	}
	return st.avail, nil
}

func (s *etcdSemaphore) Destroy(ctx context.Context) error {
	if _, err := s.client.Delete(ctx, s.key); err != nil {
		return classify(fmt.Errorf("failed to delete semaphore %s from etcd: %w", s.key, err))
	}
	return nil
}
