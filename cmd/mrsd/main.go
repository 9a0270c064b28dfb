// Command mrsd runs one MRS federation node: the spatial registry, its
// local identity provider, and the background peer-sync loops, all behind
// a single HTTP listener.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	rdb "github.com/redis/go-redis/v9"

	"github.com/mrs-federation/mrs/internal/auth"
	"github.com/mrs-federation/mrs/internal/config"
	"github.com/mrs-federation/mrs/internal/federation"
	"github.com/mrs-federation/mrs/internal/keys"
	"github.com/mrs-federation/mrs/internal/metrics"
	"github.com/mrs-federation/mrs/internal/observability/logger"
	"github.com/mrs-federation/mrs/internal/rate"
	"github.com/mrs-federation/mrs/internal/registry"
	"github.com/mrs-federation/mrs/internal/store"
	"github.com/mrs-federation/mrs/internal/store/memory"
	"github.com/mrs-federation/mrs/internal/store/postgres"

	adminctl "github.com/mrs-federation/mrs/internal/http/controller/admin"
	authctl "github.com/mrs-federation/mrs/internal/http/controller/auth"
	registryctl "github.com/mrs-federation/mrs/internal/http/controller/registry"
	syncctl "github.com/mrs-federation/mrs/internal/http/controller/sync"
	wellknownctl "github.com/mrs-federation/mrs/internal/http/controller/wellknown"
	httpserver "github.com/mrs-federation/mrs/internal/http"
	"github.com/mrs-federation/mrs/internal/http/router"
)

const serverIdentitySubject = "_server"

func main() {
	envFile := flag.String("env", ".env", "path to an optional .env file")
	refreshInterval := flag.Duration("refresh-interval", 30*time.Second, "peer metadata/sync refresh period")
	gcInterval := flag.Duration("gc-interval", 1*time.Hour, "tombstone GC sweep period")
	logEnv := flag.String("log-env", "dev", "logger environment: dev or prod")
	logLevel := flag.String("log-level", "info", "minimum log level")
	flag.Parse()

	logger.Init(logger.Config{Env: *logEnv, Level: *logLevel, ServiceName: "mrsd"})
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatalf("mrsd: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("mrsd: opening store: %v", err)
	}
	defer closeStore()

	domainMetrics, err := metrics.Register(prometheus.DefaultRegisterer)
	if err != nil {
		log.Fatalf("mrsd: registering metrics: %v", err)
	}

	localKeys := keys.NewLocalKeystore(serverIdentitySubject, st)
	if err := localKeys.EnsureBootstrap(ctx); err != nil {
		log.Fatalf("mrsd: bootstrapping signing key: %v", err)
	}
	remoteKeys := keys.NewRemoteKeyCache(&http.Client{Timeout: 5 * time.Second}, cfg.KeyCacheTTL)
	authService := auth.NewService(st, localKeys, remoteKeys)

	regService := registry.NewService(registry.Deps{
		Store:                   st,
		OriginServer:            cfg.ServerDomain,
		MaxRegistrationsPerUser: 1000,
	})

	engine := federation.NewEngine(federation.Deps{Store: st, OriginServer: cfg.ServerDomain, Metrics: domainMetrics})
	peers := engine.Peers()
	for _, p := range cfg.BootstrapPeers {
		if err := peers.Add(ctx, p, "", true, nil); err != nil {
			logger.L().Warn("bootstrap peer add failed", logger.String("peer", p), logger.Err(err))
		}
	}
	ingestor := federation.NewIngestor(st, peers, cfg.ServerDomain, domainMetrics)

	sched := federation.NewScheduler(federation.SchedulerDeps{
		Peers:     peers,
		Ingestor:  ingestor,
		GC:        st,
		Retention: cfg.TombstoneRetention,
		Metrics:   domainMetrics,
	})
	go sched.Run(ctx, *refreshInterval, *gcInterval)

	registryController := registryctl.New(regService, cfg.MaxRadius, peers)
	wellknownController := wellknownctl.New(cfg.ServerURL, cfg.AdminEmail, cfg.MaxRadius, nil, peers, st)
	authController := authctl.New(authService, st)
	syncController := syncctl.New(engine)
	adminController := adminctl.New(peers)

	var limiter rate.Limiter
	var multiLimiter rate.MultiLimiter
	if redisURL := strings.TrimSpace(os.Getenv("MRS_REDIS_URL")); redisURL != "" {
		opts, err := rdb.ParseURL(redisURL)
		if err != nil {
			log.Fatalf("mrsd: parsing MRS_REDIS_URL: %v", err)
		}
		client := rdb.NewClient(opts)
		limiter = rate.NewRedisLimiter(client, "mrs:rl:", 120, time.Minute)
		multiLimiter = rate.NewMultiRedisLimiter(client, "mrs:rl:owner:")
	}

	handler := router.New(router.Deps{
		Registry:     registryController,
		WellKnown:    wellknownController,
		Auth:         authController,
		Sync:         syncController,
		Admin:        adminController,
		AuthService:  authService,
		Users:        st,
		AdminEmail:   cfg.AdminEmail,
		CORSOrigins:  []string{"*"},
		RateLimiter:  limiter,
		MultiLimiter: multiLimiter,
	})

	addr := cfg.Host + ":" + strconv.Itoa(cfg.Port)
	logger.L().Info("mrsd starting", logger.String("addr", addr), logger.String("server_url", cfg.ServerURL))

	errCh := make(chan error, 1)
	go func() { errCh <- httpserver.Start(addr, handler) }()

	select {
	case <-ctx.Done():
		logger.L().Info("mrsd shutting down")
	case err := <-errCh:
		if err != nil {
			log.Fatalf("mrsd: http: %v", err)
		}
	}
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	dsn := strings.TrimSpace(cfg.DatabasePath)
	if dsn == "" || !strings.Contains(dsn, "://") {
		s := memory.New()
		return s, func() { s.Close() }, nil
	}
	s, err := postgres.New(ctx, dsn, postgres.Config{})
	if err != nil {
		return nil, nil, err
	}
	return s, s.Close, nil
}
