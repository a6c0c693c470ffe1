package distributed

import (
	"context"
	"fmt"
	"time"

	"vmsgate/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// NewRedisClient connects to the configured Redis and verifies it with a ping.
func NewRedisClient(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Address,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: 1,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Redis.Address, err)
	}

	logger.Infow("connected to Redis",
		"address", cfg.Redis.Address,
		"db", cfg.Redis.DB,
		"pool_size", cfg.Redis.PoolSize,
		"channel", cfg.Redis.Channel,
	)
	return client, nil
}
