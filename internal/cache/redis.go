package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultRedisPoolSize    = 20
	defaultRedisMaxRetries  = 3
	defaultRedisDialTimeout = 5 * time.Second
)

// incrExistingScript increments a key only when it already exists. Plain
// INCRBY would create the key, which would let a writer skip bucket creation.
var incrExistingScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return redis.call('INCRBY', KEYS[1], ARGV[1])
end
return false
`)

// RedisConfig configures the Redis adapter.
type RedisConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	Password     string        `json:"password,omitempty"`
	DB           int           `json:"db"`
	Cluster      bool          `json:"cluster"`
	ClusterNodes []string      `json:"cluster_nodes,omitempty"`
	PoolSize     int           `json:"pool_size"`
	MaxRetries   int           `json:"max_retries"`
	DialTimeout  time.Duration `json:"dial_timeout"`
	// OpTimeout bounds every individual cache call. Zero leaves deadlines to
	// the caller's context.
	OpTimeout time.Duration `json:"op_timeout"`
}

// RedisCache is a Cache backed by Redis (6.2 or later, for SET EXAT).
// Works against a single node or a cluster; multi-key reads are pipelined
// per key so they never cross hash slots.
type RedisCache struct {
	client    redis.UniversalClient
	opTimeout time.Duration
	logger    *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// NewRedisCache dials Redis according to cfg and verifies the connection.
func NewRedisCache(cfg *RedisConfig, logger *zap.Logger) (*RedisCache, error) {
	conf, err := normalizeRedisConfig(cfg)
	if err != nil {
		return nil, err
	}

	c := NewRedisCacheFromClient(newRedisClient(conf), logger)
	c.opTimeout = conf.OpTimeout

	if err := c.pingWithRetry(context.Background(), conf.MaxRetries); err != nil {
		_ = c.client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	c.logger.Info("redis cache connected",
		zap.Bool("cluster", conf.Cluster),
		zap.String("host", conf.Host),
		zap.Int("port", conf.Port),
		zap.Int("db", conf.DB))
	return c, nil
}

// NewRedisCacheFromClient wraps an existing client. The cache takes
// ownership of the client and closes it in Close.
func NewRedisCacheFromClient(client redis.UniversalClient, logger *zap.Logger) *RedisCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{client: client, logger: logger}
}

func (c *RedisCache) Get(ctx context.Context, key string) (int64, bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	v, err := c.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, opError("get", key, err)
	}
	return v, true, nil
}

func (c *RedisCache) GetMulti(ctx context.Context, keys []string) (map[string]int64, error) {
	out := make(map[string]int64, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	cmds := make([]*redis.StringCmd, len(keys))
	_, err := c.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = p.Get(ctx, key)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, opError("get_multi", "", err)
	}

	for i, cmd := range cmds {
		v, err := cmd.Int64()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, opError("get_multi", keys[i], err)
		}
		out[keys[i]] = v
	}
	return out, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value int64, expireAt time.Time) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	err := c.client.SetArgs(ctx, key, value, redis.SetArgs{ExpireAt: expireAt}).Err()
	if err != nil {
		return opError("set", key, err)
	}
	return nil
}

func (c *RedisCache) Add(ctx context.Context, key string, value int64, expireAt time.Time) (bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	err := c.client.SetArgs(ctx, key, value, redis.SetArgs{Mode: "NX", ExpireAt: expireAt}).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, opError("add", key, err)
	}
	return true, nil
}

func (c *RedisCache) Increment(ctx context.Context, key string, delta int64) (int64, bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	v, err := incrExistingScript.Run(ctx, c.client, []string{key}, delta).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, opError("incr", key, err)
	}
	return v, true, nil
}

// Ping reports whether Redis is reachable.
func (c *RedisCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return opError("ping", "", err)
	}
	return nil
}

// Close releases Redis resources. It is idempotent.
func (c *RedisCache) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.client.Close()
	})
	return c.closeErr
}

func (c *RedisCache) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.opTimeout)
}

func (c *RedisCache) pingWithRetry(ctx context.Context, maxRetries int) error {
	attempts := maxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	backoff := 100 * time.Millisecond
	var lastErr error
	for i := 0; i < attempts; i++ {
		err := c.client.Ping(ctx).Err()
		if err == nil {
			return nil
		}
		lastErr = err
		c.logger.Debug("redis ping failed", zap.Int("attempt", i+1), zap.Error(err))

		if i == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	if lastErr == nil {
		lastErr = errors.New("ping failed with unknown error")
	}
	return lastErr
}

func normalizeRedisConfig(cfg *RedisConfig) (*RedisConfig, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config is required")
	}

	conf := *cfg
	if conf.PoolSize <= 0 {
		conf.PoolSize = defaultRedisPoolSize
	}
	if conf.MaxRetries <= 0 {
		conf.MaxRetries = defaultRedisMaxRetries
	}
	if conf.DialTimeout <= 0 {
		conf.DialTimeout = defaultRedisDialTimeout
	}

	if conf.Cluster {
		if len(conf.ClusterNodes) == 0 {
			return nil, fmt.Errorf("cluster_nodes is required when cluster=true")
		}
	} else {
		if conf.Host == "" {
			return nil, fmt.Errorf("host is required when cluster=false")
		}
		if conf.Port <= 0 {
			return nil, fmt.Errorf("port must be positive when cluster=false, got %d", conf.Port)
		}
	}

	return &conf, nil
}

func newRedisClient(cfg *RedisConfig) redis.UniversalClient {
	if cfg.Cluster {
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:       cfg.ClusterNodes,
			Password:    cfg.Password,
			PoolSize:    cfg.PoolSize,
			MaxRetries:  cfg.MaxRetries,
			DialTimeout: cfg.DialTimeout,
		})
	}

	return redis.NewClient(&redis.Options{
		Addr:        cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		MaxRetries:  cfg.MaxRetries,
		DialTimeout: cfg.DialTimeout,
	})
}
