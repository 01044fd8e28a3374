// cmd/locknode/main.go
package main

import (
	"context"
	"errors"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	http_api "resource-locks/internal/api/http"
	"resource-locks/internal/cluster"
	"resource-locks/internal/config"
	"resource-locks/internal/domain"
	"resource-locks/internal/infra/etcd"
	http_infra "resource-locks/internal/infra/http"
	redis_infra "resource-locks/internal/infra/redis"
	"resource-locks/internal/lock"
	"resource-locks/internal/tracing"
	"resource-locks/internal/usecase"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
)

// node is what a backend contributes to the running process.
type node struct {
	factory    domain.ResourceLockFactory
	membership domain.Membership
	registrar  domain.Registrar
	closers    []func() error
}

func main() {
	configPath := flag.String("config", "", "path to a config file")
	traceStdout := flag.Bool("trace-stdout", false, "write spans to stdout")
	flag.Parse()

	// 1. Initialize logger and tracer
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	var spanOut io.Writer = io.Discard
	if *traceStdout {
		spanOut = os.Stdout
	}
	tracerShutdown, err := tracing.InitTracer("resource-locks-node", spanOut)
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tracerShutdown(context.Background()); err != nil {
			log.Printf("failed to shutdown tracer: %v", err)
		}
	}()

	// 2. Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.New().String()
	}
	self := domain.Member{ID: nodeID, Addr: cfg.AdvertiseAddress()}
	logger.Info("starting resource lock node", "node_id", self.ID, "addr", self.Addr, "backend", cfg.Backend)

	// 3. Create root context for lifecycle management
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupGracefulShutdown(cancel)

	// 4. Build the lock factory for the configured backend
	n, err := newNode(rootCtx, cfg, self, logger)
	if err != nil {
		log.Fatalf("Failed to start %s backend: %v", cfg.Backend, err)
	}
	defer func() {
		for i := len(n.closers) - 1; i >= 0; i-- {
			if err := n.closers[i](); err != nil {
				logger.Warn("failed to close backend resource", "error", err)
			}
		}
	}()

	if n.registrar != nil {
		regCtx, regCancel := context.WithTimeout(rootCtx, 5*time.Second)
		err := n.registrar.Register(regCtx, self)
		regCancel()
		if err != nil {
			log.Fatalf("Failed to register node: %v", err)
		}
	}

	// 5. Admin and metrics endpoints
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if cfg.AdminEnabled {
		local := usecase.NewLockAdmin(n.factory, logger)
		clusterAdmin := usecase.NewClusterAdmin(local, n.membership, func(addr string) domain.LockAdmin {
			return http_infra.NewAdminClient(addr, http_infra.ScopeLocal, nil)
		}, cfg.AdminCallTimeout, logger)
		http_api.NewAdminHandler(map[string]domain.LockAdmin{
			http_infra.ScopeLocal:   local,
			http_infra.ScopeCluster: clusterAdmin,
		}, logger).RegisterRoutes(mux)
	}

	logger.Info("starting admin HTTP server", "addr", cfg.AdminListenAddr)
	server := &http.Server{
		Addr:              cfg.AdminListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// 6. Block until shutdown
	<-rootCtx.Done()
	logger.Info("shutting down node gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}
	if n.registrar != nil {
		if err := n.registrar.Deregister(shutdownCtx); err != nil {
			logger.Error("failed to deregister node", "error", err)
		}
	}
	if err := n.factory.Shutdown(shutdownCtx); err != nil {
		logger.Error("lock factory shutdown failed", "error", err)
	}
	logger.Info("node shut down")
}

func newNode(ctx context.Context, cfg *config.Config, self domain.Member, logger *slog.Logger) (*node, error) {
	dcfg := lock.DistributedConfig{
		LockTimeout:   cfg.LockTimeout,
		SweepInterval: cfg.SweepInterval,
	}

	switch cfg.Backend {
	case config.BackendEtcd:
		client, err := etcd.NewClient(cfg.EtcdEndpoints, cfg.EtcdTimeout)
		if err != nil {
			return nil, err
		}
		logger.Info("connected to etcd", "endpoints", cfg.EtcdEndpoints)

		memberPrefix := cfg.EtcdPrefix + "members/"
		discovery := cluster.NewDiscovery(client, memberPrefix, self, logger)
		go discovery.Watch(ctx)

		dcfg.Membership = discovery
		coord := etcd.NewCoordinator(client, cfg.EtcdPrefix, logger)
		return &node{
			factory:    lock.NewDistributedFactory(coord, dcfg, logger),
			membership: discovery,
			registrar:  cluster.NewRegistry(client, memberPrefix, int64(cfg.MemberTTL.Seconds()), logger),
			closers:    []func() error{client.Close, coord.Close},
		}, nil

	case config.BackendRedis:
		client, err := redis_infra.NewClient(cfg.RedisURL, cfg.RedisTimeout)
		if err != nil {
			return nil, err
		}
		logger.Info("connected to redis")

		coord := redis_infra.NewCoordinator(client, cfg.RedisPrefix, logger)
		membership := redis_infra.NewMembership(coord, cfg.MemberTTL, logger)
		dcfg.Membership = membership
		return &node{
			factory:    lock.NewDistributedFactory(coord, dcfg, logger),
			membership: membership,
			registrar:  membership,
			closers:    []func() error{client.Close, coord.Close},
		}, nil

	default:
		return &node{
			factory:    lock.NewLocalFactory(logger),
			membership: cluster.NewStatic(self),
		}, nil
	}
}

func setupGracefulShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		slog.Info("received signal, initiating graceful shutdown", "signal", sig.String())
		cancel()
	}()
}
