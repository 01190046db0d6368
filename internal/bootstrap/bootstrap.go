// Package bootstrap assembles a Verifier and its collaborators from configuration.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/redis/go-redis/v9"

	"github.com/turtacn/jwksverify/internal/application/service"
	"github.com/turtacn/jwksverify/internal/config"
	"github.com/turtacn/jwksverify/internal/infrastructure/cache"
	"github.com/turtacn/jwksverify/internal/infrastructure/jwks"
	"github.com/turtacn/jwksverify/internal/infrastructure/monitoring"
	"github.com/turtacn/jwksverify/pkg/constants"
	"github.com/turtacn/jwksverify/pkg/logger"
)

// Components are the wired verification stack. Close releases the Redis
// connection when one was opened.
type Components struct {
	Verifier *service.Verifier
	KeyCache *cache.KeyCache
	Redis    redis.UniversalClient
}

// Close releases external connections.
func (c *Components) Close() error {
	if c.Redis != nil {
		return c.Redis.Close()
	}
	return nil
}

// Ping checks the cache backend. It is nil-safe when no cache is configured.
func (c *Components) Ping(ctx context.Context) error {
	if c.KeyCache == nil {
		return nil
	}
	return c.KeyCache.Ping(ctx)
}

// Build wires a Verifier from cfg. metrics may be nil.
func Build(ctx context.Context, cfg *config.Config, log logger.Logger, metrics *monitoring.Metrics) (*Components, error) {
	c := &Components{}

	store, rdb, err := NewStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	c.Redis = rdb

	if store != nil {
		opts := []cache.KeyCacheOption{cache.WithLogger(log)}
		if metrics != nil {
			opts = append(opts, cache.WithObserver(metrics))
		}
		c.KeyCache = cache.NewKeyCache(store, opts...)
	}

	vopts := service.Options{
		JWKSURL:                cfg.Verifier.JWKSURL,
		Issuer:                 cfg.Verifier.Issuer,
		Audience:               cfg.Verifier.Audience,
		CacheKey:               cfg.Verifier.CacheKey,
		InvalidateOnUnknownKid: cfg.Verifier.InvalidateOnUnknownKid,
		Source:                 jwks.NewSource(NewHTTPClient(&cfg.HTTP, log), log),
		Logger:                 log,
		Metrics:                metrics,
	}
	if c.KeyCache != nil {
		vopts.Cache = c.KeyCache
	}

	v, err := service.NewVerifier(vopts)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to create verifier: %w", err)
	}
	c.Verifier = v

	log.Info(ctx, "verifier ready",
		logger.String("jwks_url", cfg.Verifier.JWKSURL),
		logger.String("issuer", cfg.Verifier.Issuer),
		logger.String("cache_backend", string(cfg.Cache.Backend)),
	)
	return c, nil
}

// NewStore creates the store selected by cache.backend. It returns a nil store
// for the "none" backend and the Redis client when one was opened.
func NewStore(ctx context.Context, cfg *config.Config, log logger.Logger) (cache.Store, redis.UniversalClient, error) {
	switch cfg.Cache.Backend {
	case constants.CacheBackendNone:
		return nil, nil, nil
	case constants.CacheBackendMemory, "":
		return cache.NewMemoryStore(cfg.Cache.TTL, cfg.Cache.CleanupInterval), nil, nil
	case constants.CacheBackendRedis, constants.CacheBackendLayered:
		rdb, err := cache.NewRedisClient(ctx, &cfg.Redis, log)
		if err != nil {
			return nil, nil, err
		}
		remote := cache.NewRedisStore(rdb,
			cache.WithKeyPrefix(cfg.Redis.KeyPrefix),
			cache.WithTTL(cfg.Cache.TTL),
		)
		if cfg.Cache.Backend == constants.CacheBackendRedis {
			return remote, rdb, nil
		}
		local := cache.NewMemoryStore(cfg.Cache.TTL, cfg.Cache.CleanupInterval)
		return cache.NewLayeredStore(local, remote), rdb, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
}

// NewHTTPClient returns the client used to fetch the key set. With retries
// configured it is a retrying client; the key set source still sees one call.
func NewHTTPClient(cfg *config.HTTPConfig, log logger.Logger) jwks.HTTPDoer {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = constants.DefaultJWKSFetchTimeout
	}
	if cfg.RetryMax <= 0 {
		return &http.Client{Timeout: timeout}
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient.Timeout = timeout
	rc.RetryMax = cfg.RetryMax
	if cfg.RetryWaitMin > 0 {
		rc.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		rc.RetryWaitMax = cfg.RetryWaitMax
	}
	rc.Logger = &retryLogger{log: log.WithComponent("JWKSClient")}
	return rc.StandardClient()
}

// retryLogger routes retryablehttp's leveled logging into the service logger.
type retryLogger struct {
	log logger.Logger
}

var _ retryablehttp.LeveledLogger = (*retryLogger)(nil)

func (l *retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.log.Error(context.Background(), msg, nil, kvFields(keysAndValues)...)
}

func (l *retryLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Info(context.Background(), msg, kvFields(keysAndValues)...)
}

func (l *retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.log.Debug(context.Background(), msg, kvFields(keysAndValues)...)
}

func (l *retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.log.Warn(context.Background(), msg, kvFields(keysAndValues)...)
}

func kvFields(kv []interface{}) []logger.Field {
	fields := make([]logger.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields = append(fields, logger.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return fields
}
