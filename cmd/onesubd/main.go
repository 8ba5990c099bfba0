package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/onesub/vendorauth/pkg/api"
	"github.com/onesub/vendorauth/pkg/audit"
	"github.com/onesub/vendorauth/pkg/auth"
	"github.com/onesub/vendorauth/pkg/authorize"
	"github.com/onesub/vendorauth/pkg/config"
	"github.com/onesub/vendorauth/pkg/credits"
	"github.com/onesub/vendorauth/pkg/entitlements"
	"github.com/onesub/vendorauth/pkg/observability"
	"github.com/onesub/vendorauth/pkg/ratelimit"
	"github.com/onesub/vendorauth/pkg/revocation"
	"github.com/onesub/vendorauth/pkg/storage/postgres"
	"github.com/onesub/vendorauth/pkg/subscriptions"
	"github.com/onesub/vendorauth/pkg/tokens"
	"github.com/onesub/vendorauth/pkg/tools"
	"github.com/onesub/vendorauth/pkg/webhooks"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		os.Stderr.WriteString("failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.WithField("port", cfg.Server.Port).Info("starting onesubd")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize tracing")
	}
	defer providers.Shutdown(context.Background())

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

	if err := postgres.RunMigrations(ctx, db); err != nil {
		logger.WithError(err).Fatal("failed to run migrations")
	}

	redisClient, err := postgres.NewRedisClient(postgres.RedisConfig{
		URL:      cfg.Storage.RedisURL,
		PoolSize: cfg.Storage.RedisPoolSize,
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to redis")
	}
	defer redisClient.Close()

	registry := prometheus.NewRegistry()
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	auditLog, err := audit.NewDBLogger(db)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize audit log")
	}

	toolService := tools.NewService(db)
	cache := entitlements.NewCache(redisClient, cfg.Authorization.EntitlementCacheTTL)
	subService := subscriptions.NewService(db, cache)
	sessionService := auth.NewSessionService(db)
	revocations := revocation.NewRegistry(db)
	ledger := credits.NewLedger(db)
	resolver := entitlements.NewResolver(subService, ledger, cache, metrics)
	tokenService := tokens.NewService(db, revocations, cfg.Authorization.TokenTTL, cfg.Authorization.RotationWindow)

	notifier := webhooks.NewNotifier(webhooks.Config{
		Workers:        cfg.Webhooks.Workers,
		QueueSize:      cfg.Webhooks.QueueSize,
		RequestTimeout: cfg.Webhooks.RequestTimeout,
		Retry: webhooks.RetryConfig{
			MaxAttempts:  cfg.Webhooks.MaxRetries,
			InitialDelay: cfg.Webhooks.InitialBackoff,
			MaxDelay:     cfg.Webhooks.MaxBackoff,
		},
	}, toolService, logger, metrics)
	notifier.Start(ctx)
	defer notifier.Stop()

	issuer := authorize.NewIssuer(db, toolService, subService, revocations, cfg.Authorization.CodeTTL, metrics)
	exchanger := authorize.NewExchanger(db, tokenService, resolver, notifier, metrics)

	server := api.NewServer(api.Config{
		MaxBodyBytes:     cfg.Server.MaxBodyBytes,
		MaxConsumeAmount: cfg.Credits.MaxConsumeAmount,
		ExchangeLimit:    ratelimit.Limit{Limit: cfg.RateLimit.ExchangePerMinute, Window: cfg.RateLimit.Window},
		VerifyLimit:      ratelimit.Limit{Limit: cfg.RateLimit.VerifyPerMinute, Window: cfg.RateLimit.Window},
		ConsumeLimit:     ratelimit.Limit{Limit: cfg.RateLimit.ConsumePerMinute, Window: cfg.RateLimit.Window},
	}, api.Deps{
		Issuer:           issuer,
		Exchanger:        exchanger,
		Tokens:           tokenService,
		Ledger:           ledger,
		Subs:             subService,
		Resolver:         resolver,
		ToolResolver:     toolService,
		SessionValidator: sessionService,
		Limiter:          ratelimit.NewRedisLimiter(redisClient, "ratelimit"),
		Cache:            cache,
		Audit:            auditLog,
	}, logger, metrics)

	apiServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	if metrics != nil {
		group.Go(func() error {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-groupCtx.Done():
					return nil
				case <-ticker.C:
					metrics.CollectDBStats(db)
				}
			}
		})
	}
	group.Go(func() error {
		logger.WithField("addr", apiServer.Addr).Info("api server listening")
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		logger.WithField("addr", healthServer.Addr).Info("health server listening")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("api server shutdown failed")
		}
		if err := healthServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("health server shutdown failed")
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		logger.WithError(err).Fatal("server failed")
	}
	logger.Info("onesubd stopped")
}
