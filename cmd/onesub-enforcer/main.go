package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/onesub/vendorauth/pkg/audit"
	"github.com/onesub/vendorauth/pkg/config"
	"github.com/onesub/vendorauth/pkg/entitlements"
	"github.com/onesub/vendorauth/pkg/observability"
	"github.com/onesub/vendorauth/pkg/revocation"
	"github.com/onesub/vendorauth/pkg/storage/postgres"
	"github.com/onesub/vendorauth/pkg/subscriptions"
)

var (
	schedule = flag.String("schedule", "*/5 * * * *", "Cron schedule for grace period sweeps (default: every 5 minutes)")
	runOnce  = flag.Bool("run-once", false, "Run one sweep and exit (for testing)")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		os.Stderr.WriteString("failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	db, err := postgres.NewDB(postgres.ConnectionConfig{
		URL:      cfg.Storage.PostgresURL,
		MaxConns: cfg.Storage.PostgresMaxConns,
		MinConns: cfg.Storage.PostgresMinConns,
		Timeout:  cfg.Storage.PostgresTimeout,
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to postgres")
	}
	defer db.Close()

	redisClient, err := postgres.NewRedisClient(postgres.RedisConfig{
		URL:      cfg.Storage.RedisURL,
		PoolSize: cfg.Storage.RedisPoolSize,
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to redis")
	}
	defer redisClient.Close()

	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(prometheus.NewRegistry())
	}

	auditLog, err := audit.NewDBLogger(db)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize audit log")
	}

	cache := entitlements.NewCache(redisClient, cfg.Authorization.EntitlementCacheTTL)
	subService := subscriptions.NewService(db, cache)
	revocations := revocation.NewRegistry(db)

	enforcer := subscriptions.NewGraceEnforcer(
		subService, revocations, cache, auditLog, logger, metrics,
		cfg.Authorization.GracePeriod,
	)

	if *runOnce {
		cancelled, err := enforcer.Run(context.Background())
		if err != nil {
			logger.WithError(err).Fatal("grace period sweep failed")
		}
		logger.WithField("cancelled", cancelled).Info("grace period sweep finished")
		return
	}

	c := cron.New()
	_, err = c.AddFunc(*schedule, func() {
		if _, err := enforcer.Run(context.Background()); err != nil {
			logger.WithError(err).Error("grace period sweep failed")
		}
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to schedule grace period sweep")
	}

	c.Start()
	logger.WithField("schedule", *schedule).Info("grace period enforcer started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	<-c.Stop().Done()
	logger.Info("enforcer stopped")
}
