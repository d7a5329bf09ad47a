package locks

import (
	redis "github.com/redis/go-redis/v9"
	"github.com/sunpool/sunpool/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("locks",
	fx.Provide(
		NewRedisClient,
		NewLocker,
	),
)

// NewRedisClient returns nil when no Redis address is configured; the Locker
// tolerates a nil client.
func NewRedisClient(cfg config.Config, log *zap.Logger) *redis.Client {
	if cfg.RedisAddr == "" {
		log.Named("locks").Info("redis not configured, distributed locking disabled")
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
}
