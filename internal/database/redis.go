package database

import (
	"fmt"

	"github.com/go-redis/redis"

	"github.com/xpanvictor/xarvis-realtime/internal/config"
)

// NewRedis connects to Redis. An empty address disables Redis and returns a
// nil client.
func NewRedis(cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Pass,
		DB:       cfg.DB,
	})
	if err := client.Ping().Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}
