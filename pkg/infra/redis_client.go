package infra

import (
	"context"

	"wonder-craft/tickets/ticket-presence-server/pkg/config"

	"github.com/go-redis/redis/v8"
)

func ProvideRedisClient(cfg *config.Config, loggerFactory *LoggerFactory) *redis.Client {
	logger := loggerFactory.Create("RedisClient").Sugar()

	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Host,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		OnConnect: func(ctx context.Context, cn *redis.Conn) error {
			logger.Infof("redis connected to host[%v] db[%v]", cfg.Redis.Host, cfg.Redis.DB)
			return nil
		},
	})
}
