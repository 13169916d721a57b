package dedup

import (
	"context"
	"strconv"
	"time"

	"chainwatch/metrics"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the key only if it still holds the claim token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisIndex shares last-fired state between replicas. A key exists exactly
// while its (rule, entity) pair is inside the window, enforced with SET NX PX.
// Backend errors fail open: the match is allowed and the error logged.
type RedisIndex struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
	logger  *zap.SugaredLogger
}

// RedisConfig holds connection settings for the shared dedup backend.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	PoolSize  int           `mapstructure:"pool_size"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// NewRedisClient creates a client from config.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

// NewRedisIndex creates an index over client. Keys are namespaced with prefix.
func NewRedisIndex(client redis.UniversalClient, prefix string, timeout time.Duration, logger *zap.SugaredLogger) *RedisIndex {
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	return &RedisIndex{client: client, prefix: prefix, timeout: timeout, logger: logger}
}

// Ping tests the Redis connection
func (r *RedisIndex) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Claim implements FireIndex.
func (r *RedisIndex) Claim(ctx context.Context, key string, now time.Time, window time.Duration) (bool, error) {
	if window <= 0 {
		return true, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ok, err := r.client.SetNX(ctx, r.prefix+key, token(now), window).Result()
	if err != nil {
		metrics.DedupBackendErrors.WithLabelValues("claim").Inc()
		r.logger.Warnw("Dedup backend unavailable, allowing match", "key", key, "error", err)
		return true, err
	}
	return ok, nil
}

// Release implements FireIndex.
func (r *RedisIndex) Release(ctx context.Context, key string, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := releaseScript.Run(ctx, r.client, []string{r.prefix + key}, token(now)).Err(); err != nil && err != redis.Nil {
		metrics.DedupBackendErrors.WithLabelValues("release").Inc()
		r.logger.Warnw("Failed to release dedup claim", "key", key, "error", err)
		return err
	}
	return nil
}

// Close closes the Redis connection
func (r *RedisIndex) Close() error {
	return r.client.Close()
}

func token(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}
