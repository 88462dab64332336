package cli

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sosiouxme/throttle/internal/cache"
	"github.com/sosiouxme/throttle/internal/clock"
	"github.com/sosiouxme/throttle/internal/config"
	"github.com/sosiouxme/throttle/internal/throttle"
)

type storageOptions struct {
	backend           string
	prefix            string
	memoryCleanup     time.Duration
	redisHost         string
	redisPort         int
	redisPassword     string
	redisDB           int
	redisCluster      bool
	redisClusterNodes []string
	redisPoolSize     int
	redisMaxRetries   int
	redisDialTimeout  time.Duration
	redisOpTimeout    time.Duration
}

func defaultStorageOptions() storageOptions {
	return storageOptions{
		backend:          config.BackendMemory,
		prefix:           throttle.DefaultPrefix,
		memoryCleanup:    time.Minute,
		redisHost:        "localhost",
		redisPort:        6379,
		redisDB:          0,
		redisPoolSize:    20,
		redisMaxRetries:  3,
		redisDialTimeout: 5 * time.Second,
	}
}

func (o *storageOptions) addFlags(cmd *cobra.Command) {
	d := defaultStorageOptions()
	cmd.Flags().StringVar(&o.backend, "storage", d.backend, "storage backend (memory, redis)")
	cmd.Flags().StringVar(&o.prefix, "prefix", d.prefix, "cache key prefix")
	cmd.Flags().DurationVar(&o.memoryCleanup, "memory-cleanup-interval", d.memoryCleanup, "how often the memory backend purges expired keys (0 = never)")
	cmd.Flags().StringVar(&o.redisHost, "redis-host", d.redisHost, "redis host (or host:port)")
	cmd.Flags().IntVar(&o.redisPort, "redis-port", d.redisPort, "redis port")
	cmd.Flags().StringVar(&o.redisPassword, "redis-password", "", "redis password")
	cmd.Flags().IntVar(&o.redisDB, "redis-db", d.redisDB, "redis database index")
	cmd.Flags().BoolVar(&o.redisCluster, "redis-cluster", false, "enable redis cluster mode")
	cmd.Flags().StringSliceVar(&o.redisClusterNodes, "redis-cluster-nodes", nil, "redis cluster nodes host:port list")
	cmd.Flags().IntVar(&o.redisPoolSize, "redis-pool-size", d.redisPoolSize, "redis connection pool size")
	cmd.Flags().IntVar(&o.redisMaxRetries, "redis-max-retries", d.redisMaxRetries, "redis max retries")
	cmd.Flags().DurationVar(&o.redisDialTimeout, "redis-dial-timeout", d.redisDialTimeout, "redis dial timeout")
	cmd.Flags().DurationVar(&o.redisOpTimeout, "redis-op-timeout", 0, "timeout for each redis call (0 = none)")
}

// applyConfigIfUnset copies values from cfg for every flag the user did not
// set explicitly.
func (o *storageOptions) applyConfigIfUnset(cmd *cobra.Command, cfg *config.StorageConfig) {
	if cfg == nil {
		return
	}

	if !cmd.Flags().Changed("storage") {
		o.backend = cfg.Backend
	}
	if !cmd.Flags().Changed("prefix") {
		o.prefix = cfg.Prefix
	}
	if !cmd.Flags().Changed("memory-cleanup-interval") {
		o.memoryCleanup = cfg.Memory.CleanupInterval
	}
	if !cmd.Flags().Changed("redis-host") {
		o.redisHost = cfg.Redis.Host
	}
	if !cmd.Flags().Changed("redis-port") {
		o.redisPort = cfg.Redis.Port
	}
	if !cmd.Flags().Changed("redis-password") {
		o.redisPassword = cfg.Redis.Password
	}
	if !cmd.Flags().Changed("redis-db") {
		o.redisDB = cfg.Redis.DB
	}
	if !cmd.Flags().Changed("redis-cluster") {
		o.redisCluster = cfg.Redis.Cluster
	}
	if !cmd.Flags().Changed("redis-cluster-nodes") {
		o.redisClusterNodes = cfg.Redis.ClusterNodes
	}
	if !cmd.Flags().Changed("redis-pool-size") {
		o.redisPoolSize = cfg.Redis.PoolSize
	}
	if !cmd.Flags().Changed("redis-max-retries") {
		o.redisMaxRetries = cfg.Redis.MaxRetries
	}
	if !cmd.Flags().Changed("redis-dial-timeout") {
		o.redisDialTimeout = cfg.Redis.DialTimeout
	}
	if !cmd.Flags().Changed("redis-op-timeout") {
		o.redisOpTimeout = cfg.Redis.OpTimeout
	}
}

func (o *storageOptions) normalize() error {
	o.backend = strings.ToLower(strings.TrimSpace(o.backend))
	if o.redisCluster {
		return nil
	}

	host, port, err := normalizeRedisHostPort(o.redisHost, o.redisPort)
	if err != nil {
		return err
	}
	o.redisHost = host
	o.redisPort = port
	return nil
}

func (o *storageOptions) toConfig() config.StorageConfig {
	return config.StorageConfig{
		Backend: o.backend,
		Prefix:  o.prefix,
		Memory: cache.MemoryConfig{
			CleanupInterval: o.memoryCleanup,
		},
		Redis: cache.RedisConfig{
			Host:         o.redisHost,
			Port:         o.redisPort,
			Password:     o.redisPassword,
			DB:           o.redisDB,
			Cluster:      o.redisCluster,
			ClusterNodes: append([]string(nil), o.redisClusterNodes...),
			PoolSize:     o.redisPoolSize,
			MaxRetries:   o.redisMaxRetries,
			DialTimeout:  o.redisDialTimeout,
			OpTimeout:    o.redisOpTimeout,
		},
	}
}

// openCache connects to the configured backend. The returned close function
// releases it and is never nil.
func openCache(_ context.Context, cfg config.StorageConfig, clk clock.Clock, logger *zap.Logger) (cache.Cache, func() error, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		mc := cache.NewMemoryCache(clk)
		mc.StartCleanup(cfg.Memory.CleanupInterval)
		return mc, mc.Close, nil
	case config.BackendRedis:
		rc, err := cache.NewRedisCache(&cfg.Redis, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("creating redis cache: %w", err)
		}
		return rc, rc.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q, must be one of: memory, redis", cfg.Backend)
	}
}

func normalizeRedisHostPort(host string, port int) (string, int, error) {
	if strings.Contains(host, ":") {
		h, p, err := net.SplitHostPort(host)
		if err != nil {
			return "", 0, fmt.Errorf("invalid --redis-host %q: %w", host, err)
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return "", 0, fmt.Errorf("invalid redis port in --redis-host %q: %w", host, err)
		}
		host = h
		port = n
	}

	if host == "" {
		return "", 0, fmt.Errorf("redis host cannot be empty")
	}
	if port <= 0 {
		return "", 0, fmt.Errorf("redis port must be positive, got %d", port)
	}

	return host, port, nil
}
