// Package redis provides the Redis client setup for the run registry.
package redis

import (
	"context"
	"time"

	redigo "github.com/redis/go-redis/v9"

	config "github.com/halverson/pilot/config/utils"
)

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, cfg *config.Redis) (*redigo.Client, error) {
	client := redigo.NewClient(&redigo.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              0,
		MaxRetries:      3,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 1 * time.Second,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return client, nil
}
