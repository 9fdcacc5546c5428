package database

import (
	"context"
	"log"

	"github.com/go-redis/redis/v8"

	"github.com/transitpay/farecard/internal/config"
)

// InitRedis connects the optional server-side cache. Returns nil when the
// cache is unconfigured or unreachable; callers treat a nil client as
// "no cache" and go straight to Postgres.
func InitRedis(cfg *config.Redis) *redis.Client {
	if cfg.Host == "" {
		log.Println("[REDIS] No redis host configured, running without cache")
		return nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Host + ":" + cfg.Port,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Printf("[REDIS] Connection failed, continuing without cache: %v", err)
		return nil
	}

	log.Println("[REDIS] Connection established")
	return rdb
}
