// Package throttle is the public face of the distributed event throttle.
//
// A Throttle counts events under a name in a cache shared by many
// processes and runs triggers when the rolling total over its window
// matches them:
//
//	c, _ := throttle.NewRedisCache(&throttle.RedisConfig{Host: "localhost", Port: 6379}, nil)
//	th, _ := throttle.New(ctx, c, "login",
//		throttle.WithBuckets(10),
//		throttle.WithBucketDuration(6*time.Second),
//		throttle.WithTriggers(throttle.AtLeast(11, reject)),
//	)
//	total, err := th.Incr(ctx)
package throttle

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sosiouxme/throttle/internal/cache"
	"github.com/sosiouxme/throttle/internal/clock"
	internal "github.com/sosiouxme/throttle/internal/throttle"
)

type (
	Throttle      = internal.Throttle
	Option        = internal.Option
	Trigger       = internal.Trigger
	TriggerSet    = internal.TriggerSet
	Callback      = internal.Callback
	Evaluator     = internal.Evaluator
	EvaluatorFunc = internal.EvaluatorFunc
	Summarizer    = internal.Summarizer
	Keys          = internal.Keys

	// Cache is the storage a throttle coordinates through.
	Cache       = cache.Cache
	CacheError  = cache.Error
	MemoryCache = cache.MemoryCache
	RedisCache  = cache.RedisCache
	RedisConfig = cache.RedisConfig

	Clock        = clock.Clock
	VirtualClock = clock.VirtualClock
)

const (
	Indeterminate         = internal.Indeterminate
	DefaultPrefix         = internal.DefaultPrefix
	DefaultBuckets        = internal.DefaultBuckets
	DefaultBucketDuration = internal.DefaultBucketDuration
)

var (
	ErrNilCache          = internal.ErrNilCache
	ErrInvalidCount      = internal.ErrInvalidCount
	ErrThresholdExceeded = internal.ErrThresholdExceeded
	ErrCacheUnavailable  = cache.ErrUnavailable

	Sum Summarizer = internal.Sum
)

// New returns the throttle called name, sharing its anchor with any other
// process that already created it in c.
func New(ctx context.Context, c Cache, name string, opts ...Option) (*Throttle, error) {
	return internal.New(ctx, c, name, opts...)
}

func IsIndeterminate(total int64) bool { return internal.IsIndeterminate(total) }

func WithBuckets(n int) Option                      { return internal.WithBuckets(n) }
func WithBucketDuration(d time.Duration) Option     { return internal.WithBucketDuration(d) }
func WithPrefix(prefix string) Option               { return internal.WithPrefix(prefix) }
func WithTriggers(triggers ...Trigger) Option       { return internal.WithTriggers(triggers...) }
func WithSummarizer(s Summarizer) Option            { return internal.WithSummarizer(s) }
func WithEvaluator(e Evaluator) Option              { return internal.WithEvaluator(e) }
func WithClock(c Clock) Option                      { return internal.WithClock(c) }
func WithLogger(l *zap.Logger) Option               { return internal.WithLogger(l) }
func Exact(n int64, cb Callback) Trigger            { return internal.Exact(n, cb) }
func Between(lo, hi int64, cb Callback) Trigger     { return internal.Between(lo, hi, cb) }
func AtLeast(n int64, cb Callback) Trigger          { return internal.AtLeast(n, cb) }
func Always(cb Callback) Trigger                    { return internal.Always(cb) }
func TotalOnly(fn func(total int64) error) Callback { return internal.TotalOnly(fn) }

// Weighted scales previous buckets by weight(age); see LinearDecay.
func Weighted(weight func(age int) float64) Summarizer { return internal.Weighted(weight) }

func LinearDecay(buckets int) Summarizer { return internal.LinearDecay(buckets) }

// NewMemoryCache returns a process-local cache. It is only shared by
// throttles in the same process; nil c means wall-clock time.
func NewMemoryCache(c Clock) *MemoryCache { return cache.NewMemoryCache(c) }

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(cfg *RedisConfig, logger *zap.Logger) (*RedisCache, error) {
	return cache.NewRedisCache(cfg, logger)
}

// NewVirtualClock returns a clock that only moves when told to.
func NewVirtualClock(start time.Time) *VirtualClock { return clock.NewVirtualClock(start) }
