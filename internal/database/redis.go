package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"callsignal/pkg/logger"
)

// ErrDegraded is returned by Safe* operations while Redis is unreachable
var ErrDegraded = errors.New("redis is in degraded mode")

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// RedisClient wraps the pub/sub broker connection with degraded mode support.
// While degraded, publishes and subscribes fail fast instead of waiting on
// dial timeouts.
type RedisClient struct {
	Client         *redis.Client
	degradedMode   bool
	degradedModeMu sync.RWMutex
	healthCheckMu  sync.Mutex
}

var (
	redisDegradedGauge prometheus.Gauge
	redisHealthChecks  *prometheus.CounterVec
	redisMetricsOnce   sync.Once
)

// InitRedisMetrics registers the broker health metrics. Safe to call more than once.
func InitRedisMetrics() {
	redisMetricsOnce.Do(func() {
		redisDegradedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signaling_broker_degraded",
			Help: "1 while the signaling broker is unreachable",
		})
		redisHealthChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signaling_broker_health_checks_total",
			Help: "Broker health checks by result",
		}, []string{"result"})
		prometheus.MustRegister(redisDegradedGauge, redisHealthChecks)
	})
}

// NewRedisDB creates a broker client from config
func NewRedisDB(cfg *RedisConfig) *RedisClient {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		DialTimeout:  cfg.Timeout,
	})
	return &RedisClient{Client: client}
}

// NewRedisClientFrom wraps an existing go-redis client
func NewRedisClientFrom(client *redis.Client) *RedisClient {
	return &RedisClient{Client: client}
}

// Close closes the Redis client connection
func (r *RedisClient) Close() error {
	return r.Client.Close()
}

// StartHealthCheck pings Redis every interval until ctx is cancelled
func (r *RedisClient) StartHealthCheck(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.HealthCheck(ctx); err != nil {
					logger.Warn("Signaling broker health check failed", zap.Error(err))
				}
			}
		}
	}()
}

// IsDegraded returns true if Redis is in degraded mode
func (r *RedisClient) IsDegraded() bool {
	r.degradedModeMu.RLock()
	defer r.degradedModeMu.RUnlock()
	return r.degradedMode
}

func (r *RedisClient) setDegradedState(degraded bool) {
	r.degradedModeMu.Lock()
	defer r.degradedModeMu.Unlock()

	if r.degradedMode == degraded {
		return
	}
	r.degradedMode = degraded

	if degraded {
		logger.Warn("Signaling broker entered degraded mode")
	} else {
		logger.Info("Signaling broker recovered")
	}
	if redisDegradedGauge != nil {
		if degraded {
			redisDegradedGauge.Set(1)
		} else {
			redisDegradedGauge.Set(0)
		}
	}
}

// HealthCheck pings Redis and updates degraded mode.
// Concurrent checks are serialized.
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	r.healthCheckMu.Lock()
	defer r.healthCheckMu.Unlock()

	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := r.Client.Ping(healthCtx).Err(); err != nil {
		r.setDegradedState(true)
		if redisHealthChecks != nil {
			redisHealthChecks.WithLabelValues("failure").Inc()
		}
		return fmt.Errorf("redis health check failed: %w", err)
	}

	r.setDegradedState(false)
	if redisHealthChecks != nil {
		redisHealthChecks.WithLabelValues("success").Inc()
	}
	return nil
}

// SafePublish performs a PUBLISH operation with degraded mode handling
func (r *RedisClient) SafePublish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, fmt.Errorf("%w, publish skipped", ErrDegraded))
	}
	return r.Client.Publish(ctx, channel, message)
}

// SafeSubscribe performs a SUBSCRIBE operation with degraded mode handling.
// It returns nil while degraded.
func (r *RedisClient) SafeSubscribe(ctx context.Context, channels ...string) *redis.PubSub {
	if r.IsDegraded() {
		return nil
	}
	return r.Client.Subscribe(ctx, channels...)
}
