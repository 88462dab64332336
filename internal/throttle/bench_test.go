package throttle

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sosiouxme/throttle/internal/cache"
	"github.com/sosiouxme/throttle/internal/clock"
)

func newBenchThrottle(b *testing.B, vc *clock.VirtualClock, c cache.Cache, name string) *Throttle {
	b.Helper()
	th, err := New(context.Background(), c, name,
		WithClock(vc), WithBuckets(10), WithBucketDuration(6*time.Second))
	if err != nil {
		b.Fatal(err)
	}
	return th
}

// BenchmarkRecordEvent_LiveBucket measures the common path: the bucket exists.
func BenchmarkRecordEvent_LiveBucket(b *testing.B) {
	vc := clock.NewVirtualClock(epoch)
	th := newBenchThrottle(b, vc, cache.NewMemoryCache(vc), "bench")
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		th.RecordEvent(ctx, 1)
	}
}

// BenchmarkRecordEvent_NewBucket creates a bucket, and its summary, on
// every call.
func BenchmarkRecordEvent_NewBucket(b *testing.B) {
	vc := clock.NewVirtualClock(epoch)
	th := newBenchThrottle(b, vc, cache.NewMemoryCache(vc), "bench")
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		vc.Advance(6 * time.Second)
		th.RecordEvent(ctx, 1)
	}
}

// BenchmarkRecordEvent_Parallel measures concurrent throughput on one
// shared throttle.
func BenchmarkRecordEvent_Parallel(b *testing.B) {
	vc := clock.NewVirtualClock(epoch)
	th := newBenchThrottle(b, vc, cache.NewMemoryCache(vc), "bench")
	ctx := context.Background()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			th.RecordEvent(ctx, 1)
		}
	})
}

// BenchmarkRecordEvent_ManyThrottles spreads events across 100 names in
// one cache.
func BenchmarkRecordEvent_ManyThrottles(b *testing.B) {
	vc := clock.NewVirtualClock(epoch)
	c := cache.NewMemoryCache(vc)
	throttles := make([]*Throttle, 100)
	for i := range throttles {
		throttles[i] = newBenchThrottle(b, vc, c, fmt.Sprintf("user-%d", i))
	}
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		throttles[i%len(throttles)].RecordEvent(ctx, 1)
	}
}

// BenchmarkSummarizers compares the cost of building a summary.
func BenchmarkSummarizers(b *testing.B) {
	counts := make([]int64, 59)
	for i := range counts {
		counts[i] = int64(i * 7)
	}

	for _, s := range []struct {
		name string
		s    Summarizer
	}{
		{"Sum", Sum},
		{"LinearDecay", LinearDecay(60)},
	} {
		b.Run(s.name, func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				s.s.Summarize(counts)
			}
		})
	}
}
