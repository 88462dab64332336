package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/sosiouxme/throttle/internal/cache"
	"github.com/sosiouxme/throttle/internal/notify"
	"github.com/sosiouxme/throttle/internal/throttle"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config is the top-level configuration of a throttle service.
type Config struct {
	Server    ServerConfig   `json:"server"`
	Log       LogConfig      `json:"log"`
	Storage   StorageConfig  `json:"storage"`
	Notify    NotifyConfig   `json:"notify"`
	Throttles []ThrottleSpec `json:"throttles"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr        string   `json:"addr"`
	CORSOrigins []string `json:"cors_origins"`
	// RecordFile, when set, receives every trigger event as JSON on shutdown.
	RecordFile string `json:"record_file"`
}

type LogConfig struct {
	Environment string `json:"environment"`
	Level       string `json:"level"`
	Format      string `json:"format"`
}

// StorageConfig selects the shared cache.
type StorageConfig struct {
	Backend string             `json:"backend"`
	Prefix  string             `json:"prefix"`
	Memory  cache.MemoryConfig `json:"memory"`
	Redis   cache.RedisConfig  `json:"redis"`
}

// NotifyConfig configures external event delivery. Kafka is disabled unless
// brokers are listed.
type NotifyConfig struct {
	Kafka notify.KafkaConfig `json:"kafka"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:        ":8080",
			CORSOrigins: []string{"*"},
		},
		Log: LogConfig{
			Environment: "development",
			Level:       "info",
			Format:      "console",
		},
		Storage: StorageConfig{
			Backend: BackendMemory,
			Prefix:  throttle.DefaultPrefix,
			Memory: cache.MemoryConfig{
				CleanupInterval: time.Minute,
			},
			Redis: cache.RedisConfig{
				Host:        "localhost",
				Port:        6379,
				PoolSize:    20,
				MaxRetries:  3,
				DialTimeout: 5 * time.Second,
			},
		},
		Notify: NotifyConfig{
			Kafka: notify.KafkaConfig{Topic: "throttle-events"},
		},
		Throttles: []ThrottleSpec{
			{
				Name:           "default",
				BucketCount:    6,
				BucketDuration: 10 * time.Second,
				Triggers: []TriggerSpec{
					{Min: int64Ptr(100), Action: "reject"},
				},
			},
		},
	}
}

// Validate checks that the config is valid.
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr must not be empty")
	}

	switch c.Storage.Backend {
	case BackendMemory:
		if c.Storage.Memory.CleanupInterval < 0 {
			return fmt.Errorf("storage.memory.cleanup_interval must be non-negative, got %v", c.Storage.Memory.CleanupInterval)
		}
	case BackendRedis:
		r := c.Storage.Redis
		if r.Cluster {
			if len(r.ClusterNodes) == 0 {
				return errors.New("storage.redis.cluster_nodes is required in cluster mode")
			}
		} else {
			if strings.TrimSpace(r.Host) == "" {
				return errors.New("storage.redis.host is required")
			}
			if r.Port <= 0 {
				return fmt.Errorf("storage.redis.port must be positive, got %d", r.Port)
			}
		}
		if r.DB < 0 {
			return fmt.Errorf("storage.redis.db must be non-negative, got %d", r.DB)
		}
	default:
		return fmt.Errorf("unknown storage backend %q, must be one of: memory, redis", c.Storage.Backend)
	}

	if c.Notify.Kafka.Enabled() && c.Notify.Kafka.Topic == "" {
		return errors.New("notify.kafka.topic is required when brokers are set")
	}

	seen := make(map[string]bool, len(c.Throttles))
	for i, spec := range c.Throttles {
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("throttles[%d]: %w", i, err)
		}
		if seen[spec.Name] {
			return fmt.Errorf("throttles[%d]: duplicate name %q", i, spec.Name)
		}
		seen[spec.Name] = true
	}
	return nil
}

// Throttle returns the spec of the named throttle.
func (c Config) Throttle(name string) (ThrottleSpec, bool) {
	for _, spec := range c.Throttles {
		if spec.Name == name {
			return spec, true
		}
	}
	return ThrottleSpec{}, false
}

// Load builds the effective configuration: defaults, then the JSON file at
// path (if path is non-empty), then environment overrides. A .env file in
// the working directory is loaded first if present.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadFile(path); err != nil {
			return cfg, err
		}
	}

	_ = godotenv.Load()
	if err := ApplyEnv(&cfg, os.Getenv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadFile reads a JSON config file and merges it with defaults.
// Fields not specified in the file retain their default values. A file
// listing throttles replaces the default throttle list.
func LoadFile(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	// Use a raw intermediate struct to handle duration parsing.
	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	if raw.Server.Addr != "" {
		cfg.Server.Addr = raw.Server.Addr
	}
	if raw.Server.CORSOrigins != nil {
		cfg.Server.CORSOrigins = raw.Server.CORSOrigins
	}
	if raw.Server.RecordFile != "" {
		cfg.Server.RecordFile = raw.Server.RecordFile
	}

	if raw.Log.Environment != "" {
		cfg.Log.Environment = raw.Log.Environment
	}
	if raw.Log.Level != "" {
		cfg.Log.Level = raw.Log.Level
	}
	if raw.Log.Format != "" {
		cfg.Log.Format = raw.Log.Format
	}

	if err := mergeStorage(&cfg.Storage, raw.Storage); err != nil {
		return cfg, err
	}

	if len(raw.Notify.Kafka.Brokers) > 0 {
		cfg.Notify.Kafka.Brokers = raw.Notify.Kafka.Brokers
	}
	if raw.Notify.Kafka.Topic != "" {
		cfg.Notify.Kafka.Topic = raw.Notify.Kafka.Topic
	}

	if raw.Throttles != nil {
		cfg.Throttles = make([]ThrottleSpec, 0, len(raw.Throttles))
		for i, rt := range raw.Throttles {
			spec := ThrottleSpec{
				Name:        rt.Name,
				BucketCount: rt.BucketCount,
				Triggers:    rt.Triggers,
			}
			if spec.BucketCount == 0 {
				spec.BucketCount = throttle.DefaultBuckets
			}
			spec.BucketDuration = throttle.DefaultBucketDuration
			if rt.BucketDuration != "" {
				d, err := time.ParseDuration(rt.BucketDuration)
				if err != nil {
					return cfg, fmt.Errorf("parsing throttles[%d].bucket_duration: %w", i, err)
				}
				spec.BucketDuration = d
			}
			cfg.Throttles = append(cfg.Throttles, spec)
		}
	}

	return cfg, nil
}

func mergeStorage(dst *StorageConfig, raw rawStorage) error {
	if raw.Backend != "" {
		dst.Backend = strings.ToLower(raw.Backend)
	}
	if raw.Prefix != "" {
		dst.Prefix = raw.Prefix
	}

	if raw.Memory.CleanupInterval != "" {
		d, err := time.ParseDuration(raw.Memory.CleanupInterval)
		if err != nil {
			return fmt.Errorf("parsing storage.memory.cleanup_interval: %w", err)
		}
		dst.Memory.CleanupInterval = d
	}

	r := raw.Redis
	if r.Host != "" {
		dst.Redis.Host = r.Host
	}
	if r.Port > 0 {
		dst.Redis.Port = r.Port
	}
	if r.Password != "" {
		dst.Redis.Password = r.Password
	}
	if r.DB != 0 {
		dst.Redis.DB = r.DB
	}
	if r.Cluster {
		dst.Redis.Cluster = true
	}
	if len(r.ClusterNodes) > 0 {
		dst.Redis.ClusterNodes = r.ClusterNodes
	}
	if r.PoolSize > 0 {
		dst.Redis.PoolSize = r.PoolSize
	}
	if r.MaxRetries > 0 {
		dst.Redis.MaxRetries = r.MaxRetries
	}
	if r.DialTimeout != "" {
		d, err := time.ParseDuration(r.DialTimeout)
		if err != nil {
			return fmt.Errorf("parsing storage.redis.dial_timeout: %w", err)
		}
		dst.Redis.DialTimeout = d
	}
	if r.OpTimeout != "" {
		d, err := time.ParseDuration(r.OpTimeout)
		if err != nil {
			return fmt.Errorf("parsing storage.redis.op_timeout: %w", err)
		}
		dst.Redis.OpTimeout = d
	}
	return nil
}

// ApplyEnv overrides cfg from environment variables read through getenv.
// Unset or blank variables leave the current value.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	get := func(key string) string { return strings.TrimSpace(getenv(key)) }

	if v := get("THROTTLE_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := get("THROTTLE_STORAGE"); v != "" {
		cfg.Storage.Backend = strings.ToLower(v)
	}
	if v := get("THROTTLE_PREFIX"); v != "" {
		cfg.Storage.Prefix = v
	}

	if v := get("REDIS_HOST"); v != "" {
		cfg.Storage.Redis.Host = v
	}
	if v := get("REDIS_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.Storage.Redis.Port = port
	}
	if v := get("REDIS_PASSWORD"); v != "" {
		cfg.Storage.Redis.Password = v
	}
	if v := get("REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.Storage.Redis.DB = db
	}

	if v := get("KAFKA_BROKERS"); v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		cfg.Notify.Kafka.Brokers = brokers
	}
	if v := get("KAFKA_TOPIC"); v != "" {
		cfg.Notify.Kafka.Topic = v
	}

	if v := get("APP_ENV"); v != "" {
		cfg.Log.Environment = v
	}
	if v := get("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := get("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	return nil
}

// rawConfig is the JSON-friendly representation with string durations.
type rawConfig struct {
	Server struct {
		Addr        string   `json:"addr"`
		CORSOrigins []string `json:"cors_origins"`
		RecordFile  string   `json:"record_file"`
	} `json:"server"`
	Log     LogConfig  `json:"log"`
	Storage rawStorage `json:"storage"`
	Notify  struct {
		Kafka notify.KafkaConfig `json:"kafka"`
	} `json:"notify"`
	Throttles []struct {
		Name           string        `json:"name"`
		BucketCount    int           `json:"bucket_count"`
		BucketDuration string        `json:"bucket_duration"`
		Triggers       []TriggerSpec `json:"triggers"`
	} `json:"throttles"`
}

type rawStorage struct {
	Backend string `json:"backend"`
	Prefix  string `json:"prefix"`
	Memory  struct {
		CleanupInterval string `json:"cleanup_interval"`
	} `json:"memory"`
	Redis struct {
		Host         string   `json:"host"`
		Port         int      `json:"port"`
		Password     string   `json:"password"`
		DB           int      `json:"db"`
		Cluster      bool     `json:"cluster"`
		ClusterNodes []string `json:"cluster_nodes"`
		PoolSize     int      `json:"pool_size"`
		MaxRetries   int      `json:"max_retries"`
		DialTimeout  string   `json:"dial_timeout"`
		OpTimeout    string   `json:"op_timeout"`
	} `json:"redis"`
}

// WriteExample writes an example config file to the given path.
func WriteExample(path string) error {
	example := `{
  "server": {
    "addr": ":8080",
    "cors_origins": ["*"]
  },
  "log": {
    "environment": "development",
    "level": "info",
    "format": "console"
  },
  "storage": {
    "backend": "memory",
    "prefix": "throttle",
    "memory": {
      "cleanup_interval": "1m"
    },
    "redis": {
      "host": "localhost",
      "port": 6379,
      "db": 0,
      "dial_timeout": "5s"
    }
  },
  "throttles": [
    {
      "name": "login",
      "bucket_count": 6,
      "bucket_duration": "10s",
      "triggers": [
        { "exact": 50, "action": "log" },
        { "min": 100, "action": "reject" }
      ]
    }
  ]
}
`
	return os.WriteFile(path, []byte(example), 0o644)
}

func int64Ptr(v int64) *int64 { return &v }
