package throttle

import (
	"time"

	"go.uber.org/zap"

	"github.com/sosiouxme/throttle/internal/clock"
)

const (
	DefaultBuckets        = 1
	DefaultBucketDuration = 60 * time.Second
)

// Option configures a Throttle.
type Option func(*options)

type options struct {
	buckets        int
	bucketDuration time.Duration
	prefix         string
	triggers       TriggerSet
	summarizer     Summarizer
	evaluator      Evaluator
	clock          clock.Clock
	logger         *zap.Logger
}

func defaultOptions() options {
	return options{
		buckets:        DefaultBuckets,
		bucketDuration: DefaultBucketDuration,
		prefix:         DefaultPrefix,
		summarizer:     Sum,
		clock:          clock.NewRealClock(),
		logger:         zap.NewNop(),
	}
}

// WithBuckets sets how many buckets make up the window. Values below 1
// leave the default.
func WithBuckets(n int) Option {
	return func(o *options) {
		if n >= 1 {
			o.buckets = n
		}
	}
}

// WithBucketDuration sets the width of each bucket. It is truncated to whole
// seconds; anything under a second leaves the default.
func WithBucketDuration(d time.Duration) Option {
	return func(o *options) {
		if d >= time.Second {
			o.bucketDuration = d.Truncate(time.Second)
		}
	}
}

// WithPrefix sets the cache key namespace (default "throttle").
func WithPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.prefix = prefix
		}
	}
}

// WithTriggers adds triggers. It may be given more than once.
func WithTriggers(triggers ...Trigger) Option {
	return func(o *options) {
		o.triggers = append(o.triggers, triggers...)
	}
}

// WithSummarizer replaces the default Sum.
func WithSummarizer(s Summarizer) Option {
	return func(o *options) {
		if s != nil {
			o.summarizer = s
		}
	}
}

// WithEvaluator replaces trigger evaluation. Triggers passed with
// WithTriggers are ignored when an Evaluator is set.
func WithEvaluator(e Evaluator) Option {
	return func(o *options) {
		o.evaluator = e
	}
}

// WithClock sets the time source used for bucket indexing and expiry.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger sets the logger used to report cache failures.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
