// Package main is the entry point for the control plane server: the
// heartbeat/drift/refresh operational surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/configplane/controlplane/internal/access"
	"github.com/configplane/controlplane/internal/approval"
	"github.com/configplane/controlplane/internal/bus"
	"github.com/configplane/controlplane/internal/cache"
	"github.com/configplane/controlplane/internal/csot"
	"github.com/configplane/controlplane/internal/drift"
	"github.com/configplane/controlplane/internal/heartbeat"
	"github.com/configplane/controlplane/internal/identity"
	"github.com/configplane/controlplane/internal/orchestrator"
	"github.com/configplane/controlplane/internal/platform/config"
	"github.com/configplane/controlplane/internal/platform/logger"
	"github.com/configplane/controlplane/internal/platform/metrics"
	"github.com/configplane/controlplane/internal/prewarm"
	"github.com/configplane/controlplane/internal/reaper"
	"github.com/configplane/controlplane/internal/registry"
	"github.com/configplane/controlplane/internal/repository/migrations"
	"github.com/configplane/controlplane/internal/repository/postgres"
	"github.com/configplane/controlplane/internal/resilience"
	"github.com/configplane/controlplane/internal/share"
	transporthttp "github.com/configplane/controlplane/internal/transport/http"
	"github.com/configplane/controlplane/internal/transport/ws"
)

const (
	serviceName    = "controlplane"
	serviceVersion = "1.0.0"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	showVersion := flag.Bool("version", false, "Show version information")
	csotFixture := flag.String("csot-fixture", "", "Path to a YAML CSoT fixture (dev/test only)")
	idpFixture := flag.String("idp-fixture", "", "Path to a YAML identity fixture (dev/test only)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", serviceName, serviceVersion)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	slog.SetDefault(log)
	log.Info("starting control plane", "service", serviceName, "version", serviceVersion)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.Connect(ctx, cfg.Database, log)
	if err != nil {
		log.Error("connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := migrations.Run(ctx, cfg.Database.DSN(), log); err != nil {
		log.Error("run database migrations", "error", err)
		os.Exit(1)
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:            cfg.Redis.Addr,
			Password:        cfg.Redis.Password,
			DB:              cfg.Redis.DB,
			PoolSize:        cfg.Redis.PoolSize,
			MinIdleConns:    cfg.Redis.MinIdleConns,
			DialTimeout:     cfg.Redis.DialTimeout,
			ReadTimeout:     cfg.Redis.ReadTimeout,
			WriteTimeout:    cfg.Redis.WriteTimeout,
			MaxRetries:      cfg.Redis.MaxRetries,
			MinRetryBackoff: cfg.Redis.MinRetryBackoff,
			MaxRetryBackoff: cfg.Redis.MaxRetryBackoff,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Error("connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()
	} else {
		log.Warn("redis disabled, running L1-only cache fabric")
	}

	m := metrics.NewRegistry(serviceName)

	cacheMgr, err := cache.NewManager(cfg, redisClient, m, log)
	if err != nil {
		log.Error("construct cache manager", "error", err)
		os.Exit(1)
	}
	go cacheMgr.ListenForInvalidations(ctx)

	servicesRepo := postgres.NewApplicationServiceRepository(pool, m.Repository())
	instancesRepo := postgres.NewServiceInstanceRepository(pool, m.Repository())
	driftRepo := postgres.NewDriftEventRepository(pool, m.Repository())
	sharesRepo := postgres.NewServiceShareRepository(pool, m.Repository())
	approvalRepo := postgres.NewApprovalRequestRepository(pool, m.Repository())
	decisionRepo := postgres.NewApprovalDecisionRepository(pool, m.Repository())

	csotPort, err := csot.New(*csotFixture)
	if err != nil {
		log.Error("construct csot adapter", "error", err)
		os.Exit(1)
	}
	idpPort, err := identity.NewFixturePort(*idpFixture)
	if err != nil {
		log.Error("construct identity fixture port", "error", err)
		os.Exit(1)
	}
	idProjector := identity.NewProjector(idpPort, cacheMgr, log)

	var reg registry.Registry
	if cfg.Registry.Enabled {
		reg, err = registry.New(&registry.Config{Timeout: cfg.Registry.Timeout, Logger: log})
		if err != nil {
			log.Error("construct k8s registry, continuing without discovery enrichment", "error", err)
			reg = nil
		} else {
			defer reg.Close()
		}
	}

	var publisher bus.Publisher
	if redisClient != nil {
		inner := bus.NewRedisPublisher(redisClient)
		publisher = bus.NewBreakingPublisher(inner, resilience.BreakerConfig{
			Name:        "refresh-publisher",
			MaxFailures: cfg.Bus.BreakerMaxFailures,
			OpenTimeout: cfg.Bus.BreakerOpenTimeout,
			Metrics:     m.Bus(),
		}, log)
	} else {
		publisher = bus.NewBreakingPublisher(noopPublisher{}, resilience.BreakerConfig{
			Name:        "refresh-publisher",
			MaxFailures: cfg.Bus.BreakerMaxFailures,
			OpenTimeout: cfg.Bus.BreakerOpenTimeout,
			Metrics:     m.Bus(),
		}, log)
	}

	evaluator := access.NewEvaluator(sharesRepo, cacheMgr, cfg.Cache.PermissionsTTL, m.Access(), log)

	heartbeatSvc := heartbeat.NewService(servicesRepo, instancesRepo, driftRepo, csotPort, publisher, reg, cacheMgr, cfg.Heartbeat, cfg.Cache, m, log)
	driftSvc := drift.NewService(driftRepo, m, log)
	driftHub := ws.NewHub(log)
	driftSvc.SetNotifier(driftHub)
	go driftHub.Start(ctx)
	approvalSvc := approval.NewService(approvalRepo, decisionRepo, servicesRepo, idProjector, evaluator, cfg.Approval, m, log)
	shareSvc := share.NewService(sharesRepo, servicesRepo, evaluator, idProjector, log)

	orch := orchestrator.New(heartbeatSvc, cfg.Ingest, m, log)
	orch.Start()
	defer orch.Stop()

	reaperWorker := reaper.New(instancesRepo, driftRepo, cfg.Reaper, m, log)
	reaperWorker.Start(ctx)
	defer reaperWorker.Stop()

	compensator := approval.NewCompensator(approvalSvc, time.Minute, log)
	compensator.Start(ctx)
	defer compensator.Stop()

	warmer := prewarm.New(servicesRepo, csotPort, cacheMgr, cfg.Cache, m, log)
	go warmer.Run(ctx)

	handler := transporthttp.New(orch, publisher, cacheMgr, driftSvc, shareSvc, pool, redisClient, log)
	router := transporthttp.NewRouter(handler, m, log)
	router.HandleFunc("/ws/drift", driftHub.ServeHTTP)
	if cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		router.Handle(path, promhttp.Handler()).Methods(http.MethodGet)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	log.Info("server exited")
}

// noopPublisher is the refresh-publisher fallback when Redis is disabled:
// refresh remains a valid (accepted) operation, it just has nowhere to
// broadcast to.
type noopPublisher struct{}

func (noopPublisher) Publish(ctx context.Context, destination string) error { return nil }
