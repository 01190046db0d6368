package cache

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/turtacn/jwksverify/internal/config"
	"github.com/turtacn/jwksverify/pkg/logger"
)

// NewRedisClient connects to the configured Redis deployment and verifies it
// answers a PING. A single address yields a standalone client, several yield a
// cluster client.
func NewRedisClient(ctx context.Context, cfg *config.RedisConfig, log logger.Logger) (redis.UniversalClient, error) {
	addrs := splitAddrs(cfg.Addr)
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis address is empty")
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:       addrs,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
	})

	pingCtx := ctx
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	mode := "standalone"
	if len(addrs) > 1 {
		mode = "cluster"
	}
	log.Info(ctx, "Redis connection established",
		logger.String("mode", mode),
		logger.String("addr", cfg.Addr),
		logger.Int("db", cfg.DB),
	)
	return client, nil
}

func splitAddrs(s string) []string {
	var addrs []string
	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			addrs = append(addrs, a)
		}
	}
	return addrs
}
