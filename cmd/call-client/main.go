package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"callsignal/internal/auth"
	"callsignal/internal/channel"
	intDatabase "callsignal/internal/database"
	callHandler "callsignal/internal/handler/http/call"
	wsHandler "callsignal/internal/handler/ws"
	"callsignal/internal/middleware"
	"callsignal/internal/repository/cockroach"
	"callsignal/internal/repository/sqlite"
	callService "callsignal/internal/service/call"
	"callsignal/pkg/config"
	"callsignal/pkg/constants"
	pkgDatabase "callsignal/pkg/database"
	"callsignal/pkg/jwt"
	"callsignal/pkg/logger"
	"callsignal/pkg/tracing"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Configuration and logging
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Server.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Server.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	// 2. Local identity
	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, constants.AccessTokenExpiry)
	resolver := auth.NewTokenResolver(jwtManager)
	self, err := resolver.Resolve(cfg.JWT.AccessToken)
	if err != nil {
		logger.Fatal("CALL_CLIENT_TOKEN does not resolve to a user", zap.Error(err))
	}
	selfCtx := auth.WithIdentity(ctx, self)
	logger.Info("Acting as user",
		zap.String("user_id", self.ID.String()),
		zap.String("name", self.Name))

	// 3. Session store
	store, storeHealth, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		logger.Fatal("Failed to open session store", zap.Error(err))
	}
	defer closeStore()

	// 4. Redis transport with degraded mode support
	intDatabase.InitRedisMetrics()
	redisDB := intDatabase.NewRedisDB(&intDatabase.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
		Timeout:  cfg.Redis.Timeout,
	})
	defer redisDB.Close()

	if err := redisDB.HealthCheck(ctx); err != nil {
		logger.Warn("Redis unreachable at startup, signaling degraded", zap.Error(err))
	}
	redisDB.StartHealthCheck(ctx, constants.RedisHealthCheckInterval)

	// 5. Channel manager and orchestrator
	manager := channel.NewManager(channel.NewRedisTransport(redisDB), channel.Config{
		HandshakeTimeout: cfg.Signaling.HandshakeTimeout,
		InboxPrefix:      cfg.Signaling.InboxPrefix,
	})
	calls := callService.NewService(store, manager, callService.Config{
		RingTimeout: cfg.Signaling.RingTimeout,
	})

	if err := calls.Start(selfCtx); err != nil {
		logger.Fatal("Failed to open signal inbox", zap.Error(err))
	}

	// 6. Router
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.SetTrustedProxies(nil)

	extraOrigins := cfg.Server.AllowedOrigins
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORSMiddleware(extraOrigins))
	router.Use(middleware.Prometheus())
	router.Use(middleware.HealthCheck(cfg.Server.ServiceName, func() error {
		hctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if redisDB.IsDegraded() {
			return intDatabase.ErrDegraded
		}
		return storeHealth(hctx)
	}))

	router.GET(middleware.GetMetricsPath(), middleware.MetricsHandler())

	v1 := router.Group("/v1/calls")
	v1.Use(middleware.AuthMiddleware(resolver, self))
	v1.Use(middleware.RequestTimeout(constants.DefaultTimeout, "/v1/calls/events"))
	{
		callHandler.NewHandler(calls).RegisterRoutes(v1)

		events := wsHandler.NewEventsHandler(calls, 0, middleware.AllowedOrigin(extraOrigins))
		v1.GET("/events", events.ServeWS)
	}

	// 7. Serve until signalled
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Call client API listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
	if err := calls.Close(); err != nil {
		logger.Warn("Channel manager close reported errors", zap.Error(err))
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Tracer shutdown failed", zap.Error(err))
	}
}

// openStore connects the configured session store and ensures its schema
func openStore(ctx context.Context, cfg config.StoreConfig) (callService.SessionStore, func(context.Context) error, func(), error) {
	switch cfg.Driver {
	case "sqlite":
		db, err := pkgDatabase.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, err
		}
		repo := sqlite.NewCallRepository(db.DB)
		if err := repo.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, nil, fmt.Errorf("migrate sqlite store: %w", err)
		}
		logger.Info("Using sqlite session store", zap.String("path", db.Path()))
		return repo, db.Ping, func() { db.Close() }, nil

	default:
		db, err := connectCockroach(ctx, cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		repo := cockroach.NewCallRepository(db.Pool)
		if err := repo.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, nil, fmt.Errorf("migrate cockroach store: %w", err)
		}
		logger.Info("Using CockroachDB session store", zap.String("host", cfg.Host))
		return repo, db.Ping, db.Close, nil
	}
}

// connectCockroach retries with exponential backoff while the cluster comes up
func connectCockroach(ctx context.Context, cfg config.StoreConfig) (*pkgDatabase.CockroachDB, error) {
	const maxRetries = 5
	baseDelay := 1 * time.Second
	maxDelay := 30 * time.Second

	db, err := pkgDatabase.NewCockroachDB(ctx, cfg)
	for attempt := 2; err != nil && attempt <= maxRetries; attempt++ {
		delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt-1)))
		if delay > maxDelay {
			delay = maxDelay
		}
		logger.Warn("CockroachDB connection failed, retrying",
			zap.Int("attempt", attempt-1),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		db, err = pkgDatabase.NewCockroachDB(ctx, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to CockroachDB after %d attempts: %w", maxRetries, err)
	}
	return db, nil
}
