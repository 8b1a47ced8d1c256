package database

import (
	"context"
	"log"

	"github.com/kelvinguchu/t3clone-sub003/config"

	"github.com/redis/go-redis/v9"
)

// NewRedis builds the client for the shared ephemeral store. The connection
// is lazy; an unreachable server is reported but not fatal because the
// limiter fails open.
func NewRedis(ctx context.Context) redis.UniversalClient {
	cfg := config.AppConfig.Redis
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.OpTimeout,
		WriteTimeout: cfg.OpTimeout,
		MaxRetries:   1,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("WARN: [Database] Redis at %s is not reachable yet: %v. Rate limiting will degrade until it is.", cfg.Addr, err)
	} else {
		log.Printf("INFO: [Database] Connected to Redis at %s (db %d).", cfg.Addr, cfg.DB)
	}
	return client
}
