package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	http_api "resource-locks/internal/api/http"
	"resource-locks/internal/domain"
	"resource-locks/internal/lock"
	"resource-locks/internal/usecase"
)

func newTestNode(t *testing.T) (*httptest.Server, *lock.LocalFactory) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	factory := lock.NewLocalFactory(logger)
	admin := usecase.NewLockAdmin(factory, logger)
	mux := http.NewServeMux()
	http_api.NewAdminHandler(map[string]domain.LockAdmin{"local": admin}, logger).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, factory
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCommands(t *testing.T) {
	srv, factory := newTestNode(t)
	ctx := context.Background()
	l := factory.Lock("orders")
	caller := domain.CallerID("worker-1")
	if err := l.LockExclusive(ctx, caller); err != nil {
		t.Fatal(err)
	}

	base := []string{"--server", srv.URL, "--scope", "local"}

	out, err := run(t, append(base, "resources")...)
	if err != nil {
		t.Fatalf("resources: %v", err)
	}
	if out != "orders\n" {
		t.Errorf("resources output = %q", out)
	}

	out, err = run(t, append(base, "owners", "orders")...)
	if err != nil {
		t.Fatalf("owners: %v", err)
	}
	if out != "worker-1\n" {
		t.Errorf("owners output = %q", out)
	}

	out, err = run(t, append(base, "--json", "owned", "worker-1")...)
	if err != nil {
		t.Fatalf("owned: %v", err)
	}
	if !strings.Contains(out, `"orders"`) {
		t.Errorf("owned output = %q", out)
	}

	if _, err := run(t, append(base, "release", "orders")...); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := l.ExclusiveCount(caller); got != 0 {
		t.Errorf("exclusive count after release = %d", got)
	}
}

func TestBadScope(t *testing.T) {
	if _, err := run(t, "--scope", "galaxy", "resources"); err == nil {
		t.Fatal("expected error for unknown scope")
	}
}

func TestMissingArgument(t *testing.T) {
	if _, err := run(t, "owners"); err == nil {
		t.Fatal("expected error when resource is missing")
	}
}
