package seen

import (
	"context"
	"fmt"
	"time"

	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix  = "creditledger:seen:"
	defaultTTL = 7 * 24 * time.Hour
)

// Redis shares the cache between API replicas. Errors are logged and
// reported as a miss.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

func NewRedis(ctx context.Context, opts RedisOptions, logger *zap.Logger) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,

		PoolSize:     10,
		MinIdleConns: 2,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Addr, err)
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	logger.Info("Connected to Redis", zap.String("addr", opts.Addr), zap.Int("db", opts.DB))
	return &Redis{client: rdb, ttl: ttl, logger: logger}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Seen(ctx context.Context, address string, coin domain.CoinType, txID string) bool {
	n, err := r.client.Exists(ctx, keyPrefix+key(address, coin, txID)).Result()
	if err != nil {
		r.logger.Warn("Seen cache lookup failed", zap.String("tx_id", txID), zap.Error(err))
		return false
	}
	return n > 0
}

func (r *Redis) Mark(ctx context.Context, address string, coin domain.CoinType, txID string) {
	if err := r.client.Set(ctx, keyPrefix+key(address, coin, txID), 1, r.ttl).Err(); err != nil {
		r.logger.Warn("Seen cache write failed", zap.String("tx_id", txID), zap.Error(err))
	}
}
