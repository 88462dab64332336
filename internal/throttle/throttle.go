package throttle

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sosiouxme/throttle/internal/cache"
	"github.com/sosiouxme/throttle/internal/clock"
)

// Indeterminate is the total RecordEvent reports when the cache could not be
// used. Real totals are never negative.
const Indeterminate int64 = -1

var (
	// ErrNilCache is returned by New when no cache is given.
	ErrNilCache = errors.New("throttle: cache is required")

	// ErrInvalidCount is returned by RecordEvent for a weight below 1.
	ErrInvalidCount = errors.New("throttle: event count must be positive")

	// ErrThresholdExceeded is a conventional error for trigger callbacks to
	// return when the caller should reject the work being counted.
	ErrThresholdExceeded = errors.New("throttle: threshold exceeded")

	errBucketMissing = errors.New("bucket absent after creation")
)

// IsIndeterminate reports whether total is the Indeterminate sentinel.
func IsIndeterminate(total int64) bool {
	return total == Indeterminate
}

// Throttle keeps a rolling count of events for one name across every process
// sharing its cache. It holds no mutable state after New and is safe for
// concurrent use.
type Throttle struct {
	name        string
	buckets     int64
	bucketSecs  int64
	initialTime int64
	keys        Keys

	cache      cache.Cache
	clock      clock.Clock
	summarizer Summarizer
	evaluator  Evaluator
	logger     *zap.Logger
}

// New returns the throttle called name. If another process has already
// anchored that name in the cache, the new throttle adopts its anchor time so
// both agree on bucket boundaries; otherwise the current time becomes the
// anchor. Either way the anchor's expiry is renewed.
func New(ctx context.Context, c cache.Cache, name string, opts ...Option) (*Throttle, error) {
	if c == nil {
		return nil, ErrNilCache
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	t := &Throttle{
		name:       name,
		buckets:    int64(o.buckets),
		bucketSecs: int64(o.bucketDuration / time.Second),
		keys:       Keys{Prefix: o.prefix, Name: name},
		cache:      c,
		clock:      o.clock,
		summarizer: o.summarizer,
		evaluator:  o.evaluator,
		logger:     o.logger.With(zap.String("throttle", name)),
	}
	if t.evaluator == nil {
		t.evaluator = o.triggers
	}

	t.initialTime = clock.Unix(t.clock)
	t.retrieveTime(ctx)
	t.storeTime(ctx)
	return t, nil
}

func (t *Throttle) Name() string { return t.name }

// BucketCount is the number of buckets in the window.
func (t *Throttle) BucketCount() int { return int(t.buckets) }

func (t *Throttle) BucketDuration() time.Duration {
	return time.Duration(t.bucketSecs) * time.Second
}

// Window is the length of time a counted event stays in the total.
func (t *Throttle) Window() time.Duration {
	return time.Duration(t.buckets*t.bucketSecs) * time.Second
}

// InitialTime is the start of bucket 0.
func (t *Throttle) InitialTime() time.Time {
	return time.Unix(t.initialTime, 0)
}

func (t *Throttle) Keys() Keys { return t.keys }

// CurrentBucket returns the index of the bucket covering the current time.
func (t *Throttle) CurrentBucket() int64 {
	elapsed := clock.Unix(t.clock) - t.initialTime
	if elapsed < 0 {
		return 0
	}
	return elapsed / t.bucketSecs
}

// Incr records a single event.
func (t *Throttle) Incr(ctx context.Context) (int64, error) {
	return t.RecordEvent(ctx, 1)
}

// RecordEvent adds count events to the current bucket, evaluates the
// throttle's triggers against the new window total and returns that total.
//
// If the cache fails, the event is not counted, no trigger runs and the
// result is Indeterminate with a nil error. The only errors returned are
// ErrInvalidCount and errors from trigger callbacks; a callback error comes
// back together with the total that caused it.
func (t *Throttle) RecordEvent(ctx context.Context, count int64) (int64, error) {
	if count < 1 {
		return Indeterminate, ErrInvalidCount
	}
	if err := ctx.Err(); err != nil {
		t.logger.Debug("event not counted", zap.Error(err))
		return Indeterminate, nil
	}

	bucket := t.CurrentBucket()
	total, err := t.tally(ctx, bucket, count)
	if err != nil {
		t.logger.Warn("cache unavailable, event not counted",
			zap.Int64("bucket", bucket),
			zap.Int64("count", count),
			zap.Error(err))
		return Indeterminate, nil
	}

	if err := t.evaluator.Evaluate(ctx, total, t); err != nil {
		return total, err
	}
	return total, nil
}

// tally increments the live bucket, creating it first if needed, and returns
// the window total.
func (t *Throttle) tally(ctx context.Context, bucket, count int64) (int64, error) {
	key := t.keys.Bucket(bucket)

	current, ok, err := t.cache.Increment(ctx, key, count)
	if err != nil {
		return 0, err
	}
	if ok {
		summary, _, err := t.cache.Get(ctx, t.keys.Summary(bucket))
		if err != nil {
			return 0, err
		}
		return t.summarizer.Combine(summary, current), nil
	}

	summary, err := t.createBucket(ctx, bucket)
	if err != nil {
		return 0, err
	}
	current, ok, err = t.cache.Increment(ctx, key, count)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errBucketMissing
	}
	return t.summarizer.Combine(summary, current), nil
}

// createBucket writes the summary and the zeroed counter for bucket and
// returns the summary every process will use for it.
func (t *Throttle) createBucket(ctx context.Context, bucket int64) (int64, error) {
	t.storeTime(ctx)

	counts, err := t.previousCounts(ctx, bucket)
	if err != nil {
		return 0, err
	}
	summary := t.summarizer.Summarize(counts)
	expireAt := t.bucketExpiry(bucket)

	// Whoever creates the summary first wins; everyone else adopts it.
	sumKey := t.keys.Summary(bucket)
	created, err := t.cache.Add(ctx, sumKey, summary, expireAt)
	if err != nil {
		return 0, err
	}
	if !created {
		stored, ok, err := t.cache.Get(ctx, sumKey)
		if err != nil {
			return 0, err
		}
		if ok {
			summary = stored
		}
	}

	// Losing this race is fine: the winner's counter is the one we increment.
	if _, err := t.cache.Add(ctx, t.keys.Bucket(bucket), 0, expireAt); err != nil {
		return 0, err
	}
	return summary, nil
}

// previousCounts returns the counts of the buckets [bucket-N+1, bucket-1],
// oldest first, with 0 for any that are missing.
func (t *Throttle) previousCounts(ctx context.Context, bucket int64) ([]int64, error) {
	first := bucket - t.buckets + 1
	if first < 0 {
		first = 0
	}
	if first >= bucket {
		return nil, nil
	}

	keys := make([]string, 0, bucket-first)
	for b := first; b < bucket; b++ {
		keys = append(keys, t.keys.Bucket(b))
	}
	found, err := t.cache.GetMulti(ctx, keys)
	if err != nil {
		return nil, err
	}

	counts := make([]int64, len(keys))
	for i, key := range keys {
		counts[i] = found[key]
	}
	return counts, nil
}

// bucketExpiry is the moment bucket stops being part of any window.
func (t *Throttle) bucketExpiry(bucket int64) time.Time {
	return time.Unix(t.initialTime+(bucket+t.buckets)*t.bucketSecs, 0)
}

// retrieveTime adopts the anchor stored for this name, if any.
func (t *Throttle) retrieveTime(ctx context.Context) {
	anchor, ok, err := t.cache.Get(ctx, t.keys.Anchor())
	if err != nil {
		t.logger.Warn("cache unavailable, anchor not read", zap.Error(err))
		return
	}
	if ok {
		t.initialTime = anchor
	}
}

// storeTime writes the anchor and pushes its expiry one window ahead.
func (t *Throttle) storeTime(ctx context.Context) {
	expireAt := t.clock.Now().Add(t.Window())
	if err := t.cache.Set(ctx, t.keys.Anchor(), t.initialTime, expireAt); err != nil {
		t.logger.Warn("cache unavailable, anchor not stored", zap.Error(err))
	}
}
