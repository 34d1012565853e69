package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/felipepmaragno/kb-gateway/internal/api"
	"github.com/felipepmaragno/kb-gateway/internal/auth"
	"github.com/felipepmaragno/kb-gateway/internal/circuitbreaker"
	"github.com/felipepmaragno/kb-gateway/internal/config"
	"github.com/felipepmaragno/kb-gateway/internal/entitlement"
	"github.com/felipepmaragno/kb-gateway/internal/graph"
	"github.com/felipepmaragno/kb-gateway/internal/graphcache"
	"github.com/felipepmaragno/kb-gateway/internal/httputil"
	"github.com/felipepmaragno/kb-gateway/internal/metrics"
	"github.com/felipepmaragno/kb-gateway/internal/notifications"
	"github.com/felipepmaragno/kb-gateway/internal/queue"
	"github.com/felipepmaragno/kb-gateway/internal/ratelimit"
	"github.com/felipepmaragno/kb-gateway/internal/repository"
	"github.com/felipepmaragno/kb-gateway/internal/router"
	"github.com/felipepmaragno/kb-gateway/internal/secrets"
	"github.com/felipepmaragno/kb-gateway/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			setupLogger(cfg.LogLevel)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	slog.Info("starting kb-gateway", "addr", cfg.Addr, "version", version, "instance", cfg.InstanceID)

	metrics.InitInstanceMetrics(cfg.InstanceID, version)

	shutdownTracing, err := telemetry.Init(ctx, "kb-gateway", version, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	if cfg.NeedsSecrets() {
		store, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
		if err != nil {
			return err
		}
		if err := cfg.ResolveSecrets(ctx, store); err != nil {
			return fmt.Errorf("resolve provider secrets: %w", err)
		}
		slog.Info("provider secrets resolved")
	}

	var checkers []api.HealthChecker

	users, subs, db, err := openRepositories(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
		checkers = append(checkers, api.NewDBHealthChecker(db))
	}

	adapters, err := router.NewAdapters(ctx, cfg.Providers, httputil.StreamingClient(cfg.StreamHeaderTimeout))
	if err != nil {
		return err
	}
	for _, d := range cfg.Providers {
		slog.Info("registered provider", "provider", d.Name, "kind", d.Kind, "models", d.Models)
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
		checkers = append(checkers, api.NewRedisHealthChecker(redisClient))
	}

	breakerCfg := circuitbreaker.DefaultConfig()
	breakerCfg.FailureThreshold = cfg.BreakerFailureThreshold
	breakerCfg.Timeout = cfg.BreakerTimeout
	var breakerOpts []circuitbreaker.ManagerOption
	if redisClient != nil {
		breakerOpts = append(breakerOpts, circuitbreaker.WithRedis(redisClient, cfg.RedisKeyPrefix))
	}
	breakers := circuitbreaker.NewManager(breakerCfg, breakerOpts...)

	checker := entitlement.NewTierChecker(cfg.Providers, subs)
	rt := router.New(cfg.Providers, adapters, checker,
		router.WithBufferSize(cfg.StreamBufferSize),
		router.WithBreakers(breakers),
	)

	var limiter ratelimit.RateLimiter
	if cfg.ChatRateLimitRPM > 0 {
		if redisClient != nil {
			limiter = ratelimit.NewRedisRateLimiter(redisClient, cfg.RedisKeyPrefix)
		} else {
			mem := ratelimit.NewInMemoryRateLimiter()
			go pruneRateLimiter(ctx, mem)
			limiter = mem
		}
		slog.Info("chat rate limit enabled", "rpm", cfg.ChatRateLimitRPM)
	}

	if err := os.MkdirAll(cfg.GraphRoot, 0o755); err != nil {
		return fmt.Errorf("create graph root: %w", err)
	}
	store := graph.NewDirStore(cfg.GraphRoot)
	checkers = append(checkers, api.NewGraphRootChecker(cfg.GraphRoot))

	var freshness graphcache.FreshnessStore
	if redisClient != nil {
		freshness = graphcache.NewRedisFreshnessStoreWithClient(redisClient, cfg.RedisKeyPrefix, cfg.GraphRecordExpiry)
		slog.Info("using redis freshness store", "prefix", cfg.RedisKeyPrefix, "record_expiry", cfg.GraphRecordExpiry)
	} else {
		freshness = graphcache.NewInMemoryFreshnessStore()
		slog.Info("using in-memory freshness store")
	}

	graphs := graphcache.New(store, freshness, graphcache.Config{
		Capacity: cfg.GraphCacheCapacity,
		TTL:      cfg.GraphCacheTTL,
	})
	go graphcache.NewSweeper(graphs, cfg.GraphSweepInterval, cfg.GraphCacheTTL).Run(ctx)

	var publisher notifications.Publisher
	if cfg.ReleaseTopicARN != "" {
		publisher, err = notifications.NewSNSPublisher(ctx, cfg.AWSRegion, cfg.ReleaseTopicARN)
		if err != nil {
			return err
		}
		slog.Info("publishing graph events", "topic", cfg.ReleaseTopicARN)
	} else {
		publisher = notifications.NewInMemoryPublisher()
	}

	var authn *auth.Authenticator
	var login *auth.Login
	if cfg.AuthEnabled {
		authn = auth.NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer, cfg.TokenTTL)
		login = auth.NewLogin(users, authn)
	} else {
		slog.Warn("authentication disabled, every request runs as anonymous")
	}

	handler := api.NewHandler(api.HandlerConfig{
		Router:       rt,
		Graphs:       graphs,
		Store:        store,
		Publisher:    publisher,
		Login:        login,
		Auth:         authn,
		RateLimiter:  limiter,
		RateLimitRPM: cfg.ChatRateLimitRPM,
		Breakers:     breakers,
		Checkers:     checkers,
		Instance:     cfg.InstanceID,
		Version:      version,
		SystemPrompt: cfg.SystemPrompt,
		TopK:         cfg.GraphTopK,
		WordBudget:   cfg.GraphWordBudget,
	})

	if cfg.ReleaseQueueURL != "" {
		q, err := queue.NewSQSQueue(ctx, cfg.AWSRegion, cfg.ReleaseQueueURL)
		if err != nil {
			return err
		}
		go queue.NewListener(q, cfg.InstanceID, handler.ApplyEvent).Run(ctx)
	}

	// No WriteTimeout: a completion stream stays open as long as the
	// upstream keeps producing.
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	drained := make(chan struct{})
	go func() {
		rt.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(cfg.DrainTimeout):
		slog.Warn("adapter streams still running after drain timeout")
	}

	slog.Info("server stopped")
	return nil
}

func pruneRateLimiter(ctx context.Context, rl *ratelimit.InMemoryRateLimiter) {
	ticker := time.NewTicker(ratelimit.Window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Prune()
		}
	}
}

// openRepositories uses the SQL store when dsn is set and in-memory
// repositories otherwise. db is nil in the latter case.
func openRepositories(ctx context.Context, dsn string) (repository.UserRepository, repository.SubscriptionRepository, *sql.DB, error) {
	if dsn == "" {
		slog.Info("using in-memory user and subscription store")
		return repository.NewInMemoryUserRepository(), repository.NewInMemorySubscriptionRepository(), nil, nil
	}

	db, dialect, err := repository.Open(dsn)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := repository.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("migrate database: %w", err)
	}

	slog.Info("using sql user and subscription store", "dialect", dialect)
	return repository.NewSQLUserRepository(db, dialect), repository.NewSQLSubscriptionRepository(db, dialect), db, nil
}
