package cli

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sosiouxme/throttle/internal/cache"
	"github.com/sosiouxme/throttle/internal/clock"
	"github.com/sosiouxme/throttle/internal/config"
	"github.com/sosiouxme/throttle/internal/notify"
	"github.com/sosiouxme/throttle/internal/throttle"
)

// buildThrottle creates the throttle described by spec on c. Trigger events
// go to n.
func buildThrottle(ctx context.Context, spec config.ThrottleSpec, c cache.Cache, prefix string,
	n notify.Notifier, clk clock.Clock, logger *zap.Logger) (*throttle.Throttle, error) {
	opts, err := spec.Options(n, clk, logger)
	if err != nil {
		return nil, err
	}
	opts = append(opts,
		throttle.WithPrefix(prefix),
		throttle.WithClock(clk),
		throttle.WithLogger(logger),
	)

	th, err := throttle.New(ctx, c, spec.Name, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating throttle %q: %w", spec.Name, err)
	}
	return th, nil
}

func buildThrottles(ctx context.Context, specs []config.ThrottleSpec, c cache.Cache, prefix string,
	n notify.Notifier, clk clock.Clock, logger *zap.Logger) ([]*throttle.Throttle, error) {
	out := make([]*throttle.Throttle, 0, len(specs))
	for _, spec := range specs {
		th, err := buildThrottle(ctx, spec, c, prefix, n, clk, logger)
		if err != nil {
			return nil, err
		}
		out = append(out, th)
	}
	return out, nil
}
