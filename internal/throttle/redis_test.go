package throttle

import (
	"context"
	"strconv"
	"testing"
	"time"

	testcontainers "github.com/testcontainers/testcontainers-go"
	rediscontainer "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/sosiouxme/throttle/internal/cache"
	"github.com/sosiouxme/throttle/internal/clock"
)

func newRedisCacheForTest(t *testing.T) *cache.RedisCache {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := rediscontainer.Run(ctx, "redis:7.2-alpine")
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("container mapped port: %v", err)
	}
	p, err := strconv.Atoi(port.Port())
	if err != nil {
		t.Fatalf("parse mapped port: %v", err)
	}

	c, err := cache.NewRedisCache(&cache.RedisConfig{
		Host:        host,
		Port:        p,
		DialTimeout: 5 * time.Second,
		OpTimeout:   2 * time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("NewRedisCache() error: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRecordEvent_SharedRedis(t *testing.T) {
	c := newRedisCacheForTest(t)

	// Redis expires keys on wall-clock time, so virtual time starts now and
	// only moves forward.
	vc := clock.NewVirtualClock(time.Now().Truncate(time.Second))
	opts := []Option{WithClock(vc), WithBuckets(3), WithBucketDuration(10 * time.Second)}

	a, err := New(ctx, c, "shared", opts...)
	if err != nil {
		t.Fatal(err)
	}
	vc.Advance(time.Second)
	b, err := New(ctx, c, "shared", opts...)
	if err != nil {
		t.Fatal(err)
	}
	if !b.InitialTime().Equal(a.InitialTime()) {
		t.Fatalf("second instance anchor = %v, want %v", b.InitialTime(), a.InitialTime())
	}

	steps := []struct {
		th    *Throttle
		count int64
		want  int64
	}{
		{a, 2, 2},
		{b, 3, 5},
		{a, 1, 6},
	}
	for i, s := range steps {
		if total, err := s.th.RecordEvent(ctx, s.count); err != nil || total != s.want {
			t.Fatalf("bucket 0 step %d: total = %d, err = %v, want %d", i, total, err, s.want)
		}
	}

	// Roll into bucket 1: both instances read the one summary.
	vc.Advance(10 * time.Second)
	if total, err := b.RecordEvent(ctx, 1); err != nil || total != 7 {
		t.Fatalf("b in bucket 1: total = %d, err = %v, want 7", total, err)
	}
	if total, err := a.RecordEvent(ctx, 1); err != nil || total != 8 {
		t.Fatalf("a in bucket 1: total = %d, err = %v, want 8", total, err)
	}

	sum, ok, err := c.Get(ctx, a.Keys().Summary(1))
	if err != nil || !ok || sum != 6 {
		t.Fatalf("summary 1 = %d (present=%v, err=%v), want 6", sum, ok, err)
	}
	counts, err := c.GetMulti(ctx, []string{a.Keys().Bucket(0), a.Keys().Bucket(1)})
	if err != nil {
		t.Fatal(err)
	}
	if counts[a.Keys().Bucket(0)] != 6 || counts[a.Keys().Bucket(1)] != 2 {
		t.Fatalf("bucket counts = %v, want 6 and 2", counts)
	}
}
