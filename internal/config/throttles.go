package config

import (
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/sosiouxme/throttle/internal/clock"
	"github.com/sosiouxme/throttle/internal/notify"
	"github.com/sosiouxme/throttle/internal/throttle"
)

// ThrottleSpec describes one named throttle.
type ThrottleSpec struct {
	Name           string        `json:"name"`
	BucketCount    int           `json:"bucket_count"`
	BucketDuration time.Duration `json:"bucket_duration"`
	Triggers       []TriggerSpec `json:"triggers"`
}

// TriggerSpec is one trigger condition plus the action to take when it
// matches. Exactly one of Exact, a Min/Max range, or Always must be set.
// A range missing Min starts at 1; one missing Max is unbounded.
type TriggerSpec struct {
	Exact  *int64 `json:"exact,omitempty"`
	Min    *int64 `json:"min,omitempty"`
	Max    *int64 `json:"max,omitempty"`
	Always bool   `json:"always,omitempty"`
	Action string `json:"action,omitempty"`
}

func (s ThrottleSpec) Validate() error {
	if s.Name == "" {
		return errors.New("name must not be empty")
	}
	if s.BucketCount < 1 {
		return fmt.Errorf("bucket_count must be at least 1, got %d", s.BucketCount)
	}
	if s.BucketDuration < time.Second {
		return fmt.Errorf("bucket_duration must be at least 1s, got %s", s.BucketDuration)
	}
	if s.BucketDuration%time.Second != 0 {
		return fmt.Errorf("bucket_duration must be whole seconds, got %s", s.BucketDuration)
	}
	for i, ts := range s.Triggers {
		if _, err := ts.Condition(); err != nil {
			return fmt.Errorf("triggers[%d]: %w", i, err)
		}
		if _, err := notify.ParseAction(ts.Action); err != nil {
			return fmt.Errorf("triggers[%d]: %w", i, err)
		}
	}
	return nil
}

// Condition returns the trigger described by ts, without a callback.
func (ts TriggerSpec) Condition() (throttle.Trigger, error) {
	ranged := ts.Min != nil || ts.Max != nil

	set := 0
	for _, b := range []bool{ts.Exact != nil, ranged, ts.Always} {
		if b {
			set++
		}
	}
	if set != 1 {
		return throttle.Trigger{}, errors.New("exactly one of exact, min/max or always is required")
	}

	switch {
	case ts.Exact != nil:
		return throttle.Exact(*ts.Exact, nil), nil
	case ts.Always:
		return throttle.Always(nil), nil
	}

	lo, hi := int64(1), int64(math.MaxInt64)
	if ts.Min != nil {
		lo = *ts.Min
	}
	if ts.Max != nil {
		hi = *ts.Max
	}
	if lo > hi {
		return throttle.Trigger{}, fmt.Errorf("min %d is greater than max %d", lo, hi)
	}
	return throttle.Between(lo, hi, nil), nil
}

// Options returns the throttle options for the spec's geometry and
// triggers. Each trigger publishes its events to n.
func (s ThrottleSpec) Options(n notify.Notifier, clk clock.Clock, logger *zap.Logger) ([]throttle.Option, error) {
	triggers := make([]throttle.Trigger, 0, len(s.Triggers))
	for i, ts := range s.Triggers {
		tr, err := ts.Condition()
		if err != nil {
			return nil, fmt.Errorf("throttle %q triggers[%d]: %w", s.Name, i, err)
		}
		action, err := notify.ParseAction(ts.Action)
		if err != nil {
			return nil, fmt.Errorf("throttle %q triggers[%d]: %w", s.Name, i, err)
		}
		tr.Callback = notify.Callback(action, tr.String(), n, clk, logger)
		triggers = append(triggers, tr)
	}

	return []throttle.Option{
		throttle.WithBuckets(s.BucketCount),
		throttle.WithBucketDuration(s.BucketDuration),
		throttle.WithTriggers(triggers...),
	}, nil
}
