package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/nshkrdotcom/gemini-ex-sub004/config"
	"github.com/redis/go-redis/v9"
)

// Client wraps a go-redis client constructed from GEMINI_STATE_REDIS_URL.
type Client struct {
	C *redis.Client
}

// New creates a Redis client from the provided config. Returns an error
// if the Redis URL cannot be parsed. Returns (nil, nil) when no URL is
// configured — distributed state backing is optional.
func New(cfg *config.Config) (*Client, error) {
	if cfg.RedisURL == "" {
		return nil, nil
	}
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid GEMINI_STATE_REDIS_URL: %w", err)
	}
	r := redis.NewClient(opt)
	return &Client{C: r}, nil
}

func (r *Client) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return r.C.Ping(ctx).Err()
}
