package throttle

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"

	"github.com/sosiouxme/throttle/internal/cache"
	"github.com/sosiouxme/throttle/internal/clock"
)

var (
	epoch   = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ctx     = context.Background()
	errBork = errors.New("bork")
)

func newTestThrottle(t *testing.T, name string, opts ...Option) (*Throttle, *cache.MemoryCache, *clock.VirtualClock) {
	t.Helper()
	vc := clock.NewVirtualClock(epoch)
	c := cache.NewMemoryCache(vc)
	th, err := New(ctx, c, name, append([]Option{WithClock(vc)}, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return th, c, vc
}

// above returns a callback failing with errBork once the total exceeds n.
func above(n int64) Callback {
	return TotalOnly(func(total int64) error {
		if total > n {
			return errBork
		}
		return nil
	})
}

func record(t *testing.T, th *Throttle) (int64, error) {
	t.Helper()
	return th.RecordEvent(ctx, 1)
}

func TestNew_Defaults(t *testing.T) {
	th, _, _ := newTestThrottle(t, "")

	if th.Name() != "" {
		t.Errorf("Name() = %q, want empty", th.Name())
	}
	if th.BucketCount() != 1 {
		t.Errorf("BucketCount() = %d, want 1", th.BucketCount())
	}
	if th.BucketDuration() != time.Minute {
		t.Errorf("BucketDuration() = %v, want 1m", th.BucketDuration())
	}
	if !th.InitialTime().Equal(epoch) {
		t.Errorf("InitialTime() = %v, want %v", th.InitialTime(), epoch)
	}
}

func TestNew_ReadsOptions(t *testing.T) {
	th, _, _ := newTestThrottle(t, "test",
		WithBuckets(10),
		WithBucketDuration(6*time.Minute),
		WithPrefix("app"),
	)

	if th.Name() != "test" || th.BucketCount() != 10 || th.BucketDuration() != 6*time.Minute {
		t.Fatalf("got name=%q buckets=%d duration=%v", th.Name(), th.BucketCount(), th.BucketDuration())
	}
	if th.Window() != time.Hour {
		t.Errorf("Window() = %v, want 1h", th.Window())
	}
	if got := th.Keys().Anchor(); got != "app:obj:test" {
		t.Errorf("anchor key = %q, want app:obj:test", got)
	}
}

func TestNew_InvalidGeometryFallsBackToDefaults(t *testing.T) {
	th, _, _ := newTestThrottle(t, "bad",
		WithBuckets(0),
		WithBucketDuration(500*time.Millisecond),
	)

	if th.BucketCount() != DefaultBuckets {
		t.Errorf("BucketCount() = %d, want %d", th.BucketCount(), DefaultBuckets)
	}
	if th.BucketDuration() != DefaultBucketDuration {
		t.Errorf("BucketDuration() = %v, want %v", th.BucketDuration(), DefaultBucketDuration)
	}
}

func TestNew_TruncatesBucketDurationToSeconds(t *testing.T) {
	th, _, _ := newTestThrottle(t, "trunc", WithBucketDuration(2500*time.Millisecond))
	if th.BucketDuration() != 2*time.Second {
		t.Errorf("BucketDuration() = %v, want 2s", th.BucketDuration())
	}
}

func TestNew_NilCache(t *testing.T) {
	if _, err := New(ctx, nil, "x"); !errors.Is(err, ErrNilCache) {
		t.Fatalf("New(nil cache) error = %v, want ErrNilCache", err)
	}
}

func TestNew_AdoptsExistingAnchor(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	c := cache.NewMemoryCache(vc)

	first, _ := New(ctx, c, "foo", WithClock(vc))
	vc.Advance(2 * time.Second)
	second, _ := New(ctx, c, "foo", WithClock(vc))

	if !second.InitialTime().Equal(first.InitialTime()) {
		t.Fatalf("second InitialTime() = %v, want %v", second.InitialTime(), first.InitialTime())
	}
}

func TestNew_StoresAnchorForOneWindow(t *testing.T) {
	th, c, vc := newTestThrottle(t, "anchor", WithBuckets(3), WithBucketDuration(10*time.Second))

	v, ok, _ := c.Get(ctx, th.Keys().Anchor())
	if !ok || v != epoch.Unix() {
		t.Fatalf("anchor = %d, %v; want %d, true", v, ok, epoch.Unix())
	}

	vc.Advance(29 * time.Second)
	if _, ok, _ := c.Get(ctx, th.Keys().Anchor()); !ok {
		t.Fatal("anchor should live for one window")
	}
	vc.Advance(time.Second)
	if _, ok, _ := c.Get(ctx, th.Keys().Anchor()); ok {
		t.Fatal("anchor should expire after one idle window")
	}
}

func TestNew_CacheFailureIsIgnored(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	c := cache.NewMemoryCache(vc)
	c.FailNext(2)

	th, err := New(ctx, c, "down", WithClock(vc))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if !th.InitialTime().Equal(epoch) {
		t.Errorf("InitialTime() = %v, want current time", th.InitialTime())
	}
}

func TestRecordEvent_CountsWithinBucket(t *testing.T) {
	th, _, vc := newTestThrottle(t, "", WithBuckets(4), WithBucketDuration(10*time.Second))

	for i := int64(1); i <= 10; i++ {
		total, err := record(t, th)
		if err != nil {
			t.Fatalf("RecordEvent() error = %v", err)
		}
		if total != i {
			t.Fatalf("event %d: total = %d, want %d", i, total, i)
		}
		vc.Advance(500 * time.Millisecond)
	}
}

func TestRecordEvent_InvalidCount(t *testing.T) {
	th, _, _ := newTestThrottle(t, "")
	for _, n := range []int64{0, -3} {
		total, err := th.RecordEvent(ctx, n)
		if !errors.Is(err, ErrInvalidCount) || total != Indeterminate {
			t.Errorf("RecordEvent(%d) = %d, %v; want Indeterminate, ErrInvalidCount", n, total, err)
		}
	}
}

func TestRecordEvent_WeightedCount(t *testing.T) {
	th, _, _ := newTestThrottle(t, "", WithTriggers(
		Exact(5, TotalOnly(func(int64) error { return errBork })),
	))

	total, err := th.RecordEvent(ctx, 5)
	if !errors.Is(err, errBork) {
		t.Fatalf("RecordEvent(5) error = %v, want bork", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
}

func TestRecordEvent_ExactTriggers(t *testing.T) {
	err1 := errors.New("bork1")
	err2 := errors.New("bork2")
	th, _, _ := newTestThrottle(t, "", WithTriggers(
		Exact(1, func(context.Context, int64, *Throttle) error { return err1 }),
		Exact(2, TotalOnly(func(int64) error { return err2 })),
	))

	if _, err := record(t, th); !errors.Is(err, err1) {
		t.Fatalf("first event error = %v, want bork1", err)
	}
	if _, err := record(t, th); !errors.Is(err, err2) {
		t.Fatalf("second event error = %v, want bork2", err)
	}
	if total, err := record(t, th); err != nil || total != 3 {
		t.Fatalf("third event = %d, %v; want 3, nil", total, err)
	}
}

func TestRecordEvent_RangeTrigger(t *testing.T) {
	th, _, _ := newTestThrottle(t, "", WithTriggers(
		Between(2, 3, TotalOnly(func(int64) error { return errBork })),
	))

	want := []bool{false, true, true, false}
	for i, wantErr := range want {
		_, err := record(t, th)
		if (err != nil) != wantErr {
			t.Errorf("event %d: error = %v, want error=%v", i+1, err, wantErr)
		}
	}
}

func TestRecordEvent_AlwaysTriggerGetsThrottle(t *testing.T) {
	var (
		gotTotal int64
		gotTh    *Throttle
	)
	th, _, _ := newTestThrottle(t, "always", WithTriggers(
		Always(func(_ context.Context, total int64, t *Throttle) error {
			gotTotal, gotTh = total, t
			return nil
		}),
	))

	if _, err := record(t, th); err != nil {
		t.Fatalf("RecordEvent() error = %v", err)
	}
	if gotTotal != 1 {
		t.Errorf("callback total = %d, want 1", gotTotal)
	}
	if gotTh != th {
		t.Error("callback should receive the throttle that counted the event")
	}
}

func TestRecordEvent_NoTriggersStillCounts(t *testing.T) {
	th, _, _ := newTestThrottle(t, "quiet")
	for i := 0; i < 3; i++ {
		_, _ = record(t, th)
	}
	if total, _ := record(t, th); total != 4 {
		t.Fatalf("total = %d, want 4", total)
	}
}

func TestRecordEvent_CustomEvaluator(t *testing.T) {
	th, _, _ := newTestThrottle(t, "",
		WithTriggers(Always(TotalOnly(func(int64) error { return errors.New("ignored") }))),
		WithEvaluator(EvaluatorFunc(func(_ context.Context, total int64, _ *Throttle) error {
			if total > 10 {
				return errBork
			}
			return nil
		})),
	)

	for i := 0; i < 10; i++ {
		if _, err := record(t, th); err != nil {
			t.Fatalf("event %d: error = %v", i+1, err)
		}
	}
	if _, err := record(t, th); !errors.Is(err, errBork) {
		t.Fatalf("11th event error = %v, want bork", err)
	}
}

func TestRecordEvent_TotalsSpanBuckets(t *testing.T) {
	th, _, vc := newTestThrottle(t, "", WithBuckets(5), WithBucketDuration(time.Second),
		WithTriggers(Always(above(2))))

	if _, err := record(t, th); err != nil {
		t.Fatalf("event 1: %v", err)
	}
	vc.Advance(time.Second)
	if _, err := record(t, th); err != nil {
		t.Fatalf("event 2: %v", err)
	}
	vc.Advance(time.Second)
	total, err := record(t, th)
	if !errors.Is(err, errBork) {
		t.Fatalf("event 3 error = %v, want bork", err)
	}
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}
}

func TestRecordEvent_ExpiredBucketsExcluded(t *testing.T) {
	th, _, vc := newTestThrottle(t, "", WithBuckets(2), WithBucketDuration(time.Second),
		WithTriggers(Always(above(2))))

	for i := 0; i < 3; i++ {
		total, err := record(t, th)
		if err != nil {
			t.Fatalf("event %d: error = %v (total %d)", i+1, err, total)
		}
		vc.Advance(time.Second)
	}
}

func TestRecordEvent_EventsOlderThanWindowDropOut(t *testing.T) {
	th, _, vc := newTestThrottle(t, "", WithBuckets(3), WithBucketDuration(10*time.Second))

	_, _ = th.RecordEvent(ctx, 4)
	vc.Advance(10 * time.Second)
	_, _ = th.RecordEvent(ctx, 2)
	vc.Advance(20 * time.Second)

	// Bucket 0 has left the window; bucket 1 is still in it.
	if total, _ := record(t, th); total != 3 {
		t.Fatalf("total = %d, want 3", total)
	}
}

func TestRecordEvent_AnchorExpiryStartsNewEpoch(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	c := cache.NewMemoryCache(vc)
	opts := []Option{WithClock(vc), WithBuckets(2), WithBucketDuration(time.Second)}

	th, _ := New(ctx, c, "idle", opts...)
	for i := 0; i < 5; i++ {
		_, _ = record(t, th)
	}
	vc.Advance(2 * time.Second)

	// The old instance keeps working after the anchor lapsed.
	if total, err := record(t, th); err != nil || total != 1 {
		t.Fatalf("stale instance total = %d, %v; want 1, nil", total, err)
	}

	vc.Advance(2 * time.Second)
	fresh, _ := New(ctx, c, "idle", opts...)
	if !fresh.InitialTime().Equal(vc.Now()) {
		t.Fatalf("fresh InitialTime() = %v, want new epoch at %v", fresh.InitialTime(), vc.Now())
	}
	if total, err := record(t, fresh); err != nil || total != 1 {
		t.Fatalf("new epoch total = %d, %v; want 1, nil", total, err)
	}
}

func TestRecordEvent_LosesCreationRaceGracefully(t *testing.T) {
	th, c, vc := newTestThrottle(t, "", WithBuckets(2), WithBucketDuration(time.Second),
		WithTriggers(Always(above(10))))

	_, _ = record(t, th)
	vc.Advance(time.Second)

	// Another process created bucket 1's summary with a different view.
	_ = c.Set(ctx, "throttle:sum::1", 9, time.Time{})

	if total, err := record(t, th); err != nil || total != 10 {
		t.Fatalf("total = %d, %v; want the stored summary 9 + 1", total, err)
	}
	if _, err := record(t, th); !errors.Is(err, errBork) {
		t.Fatalf("error = %v, want bork", err)
	}
}

func TestRecordEvent_SummaryAddFailureFallsBackToLocalSum(t *testing.T) {
	th, c, vc := newTestThrottle(t, "", WithBuckets(3), WithBucketDuration(time.Second))

	_, _ = th.RecordEvent(ctx, 4)
	vc.Advance(time.Second)
	c.FailNextAdd()

	if total, err := record(t, th); err != nil || total != 5 {
		t.Fatalf("total = %d, %v; want 5, nil", total, err)
	}
}

func TestRecordEvent_SummaryMatchesPreviousBuckets(t *testing.T) {
	th, c, vc := newTestThrottle(t, "sum", WithBuckets(4), WithBucketDuration(time.Second))

	_, _ = th.RecordEvent(ctx, 3) // bucket 0
	vc.Advance(time.Second)
	_, _ = th.RecordEvent(ctx, 2) // bucket 1
	vc.Advance(2 * time.Second)
	_, _ = record(t, th) // bucket 3, bucket 2 never created

	v, ok, _ := c.Get(ctx, th.Keys().Summary(3))
	if !ok || v != 5 {
		t.Fatalf("summary(3) = %d, %v; want 5, true", v, ok)
	}

	// Later writes to old buckets do not change an existing summary.
	_, _, _ = c.Increment(ctx, th.Keys().Bucket(1), 100)
	if total, _ := record(t, th); total != 7 {
		t.Fatalf("total = %d, want 7", total)
	}
}

func TestRecordEvent_BucketExpiresWithWindow(t *testing.T) {
	th, c, vc := newTestThrottle(t, "exp", WithBuckets(3), WithBucketDuration(10*time.Second))
	_, _ = record(t, th)

	key := th.Keys().Bucket(0)
	vc.Advance(29 * time.Second)
	if _, ok, _ := c.Get(ctx, key); !ok {
		t.Fatal("bucket 0 should still be in the window")
	}
	vc.Advance(time.Second)
	if _, ok, _ := c.Get(ctx, key); ok {
		t.Fatal("bucket 0 should expire once it leaves the window")
	}
}

func TestRecordEvent_CleanupBoundsStoredKeys(t *testing.T) {
	th, c, vc := newTestThrottle(t, "steady", WithBuckets(2), WithBucketDuration(time.Second))

	for i := 0; i < 1000; i++ {
		total, err := record(t, th)
		if err != nil {
			t.Fatal(err)
		}
		if i > 0 && total != 2 {
			t.Fatalf("event %d: total = %d, want 2", i, total)
		}
		c.Cleanup()
		// Anchor plus bucket and summary records for the two live buckets.
		if n := c.Len(); n > 5 {
			t.Fatalf("after %ds: Len() = %d, want at most 5", i, n)
		}
		vc.Advance(time.Second)
	}
}

func TestRecordEvent_BucketExpiryFollowsAnchor(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	c := cache.NewMemoryCache(vc)
	opts := []Option{WithClock(vc), WithBuckets(2), WithBucketDuration(10 * time.Second)}

	first, _ := New(ctx, c, "anchored", opts...)
	vc.Advance(15 * time.Second)
	second, _ := New(ctx, c, "anchored", opts...)

	// Bucket 1 of the shared anchor spans [10s, 20s) and leaves the
	// window at 30s, whichever instance creates it.
	_, _ = record(t, second)
	vc.Advance(14 * time.Second)
	if _, ok, _ := c.Get(ctx, first.Keys().Bucket(1)); !ok {
		t.Fatal("bucket 1 expired early")
	}
	vc.Advance(time.Second)
	if _, ok, _ := c.Get(ctx, first.Keys().Bucket(1)); ok {
		t.Fatal("bucket 1 outlived its window")
	}
}

func TestCurrentBucket_ClampsBeforeAnchor(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	c := cache.NewMemoryCache(vc)
	_ = c.Set(ctx, "throttle:obj:skew", epoch.Unix()+100, time.Time{})

	th, _ := New(ctx, c, "skew", WithClock(vc), WithBucketDuration(time.Second))
	if got := th.CurrentBucket(); got != 0 {
		t.Fatalf("CurrentBucket() = %d, want 0", got)
	}
}

func TestRecordEvent_CacheFailureFailsOpen(t *testing.T) {
	var calls atomic.Int32
	th, c, _ := newTestThrottle(t, "", WithTriggers(
		Always(TotalOnly(func(int64) error {
			calls.Add(1)
			return errBork
		})),
	))

	c.FailNext(1)
	total, err := record(t, th)
	if err != nil {
		t.Fatalf("RecordEvent() error = %v, want nil", err)
	}
	if !IsIndeterminate(total) {
		t.Fatalf("total = %d, want Indeterminate", total)
	}
	if calls.Load() != 0 {
		t.Fatal("no trigger may run when the cache fails")
	}

	if _, err := record(t, th); !errors.Is(err, errBork) {
		t.Fatalf("after recovery error = %v, want bork", err)
	}
}

// flakyCache fails every call of one operation.
type flakyCache struct {
	cache.Cache
	op string
}

var errFlaky = &cache.Error{Op: "flaky", Err: errors.New("down")}

func (f *flakyCache) Get(ctx context.Context, key string) (int64, bool, error) {
	if f.op == "get" {
		return 0, false, errFlaky
	}
	return f.Cache.Get(ctx, key)
}

func (f *flakyCache) GetMulti(ctx context.Context, keys []string) (map[string]int64, error) {
	if f.op == "get_multi" {
		return nil, errFlaky
	}
	return f.Cache.GetMulti(ctx, keys)
}

func (f *flakyCache) Set(ctx context.Context, key string, value int64, exp time.Time) error {
	if f.op == "set" {
		return errFlaky
	}
	return f.Cache.Set(ctx, key, value, exp)
}

func (f *flakyCache) Add(ctx context.Context, key string, value int64, exp time.Time) (bool, error) {
	if f.op == "add" {
		return false, errFlaky
	}
	return f.Cache.Add(ctx, key, value, exp)
}

func (f *flakyCache) Increment(ctx context.Context, key string, delta int64) (int64, bool, error) {
	if f.op == "incr" {
		return 0, false, errFlaky
	}
	return f.Cache.Increment(ctx, key, delta)
}

func TestRecordEvent_FailureAtEachStep(t *testing.T) {
	tests := []struct {
		op string
		// newBucket moves into an uncreated bucket with history behind it.
		newBucket bool
	}{
		{op: "incr"},
		{op: "get"},
		{op: "get_multi", newBucket: true},
		{op: "add", newBucket: true},
	}

	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			vc := clock.NewVirtualClock(epoch)
			fc := &flakyCache{Cache: cache.NewMemoryCache(vc)}
			th, _ := New(ctx, fc, "flaky", WithClock(vc), WithBuckets(3), WithBucketDuration(time.Second),
				WithTriggers(Always(TotalOnly(func(int64) error { return errBork }))))

			_, _ = record(t, th)
			if tt.newBucket {
				vc.Advance(time.Second)
			}
			fc.op = tt.op

			total, err := record(t, th)
			if err != nil || !IsIndeterminate(total) {
				t.Fatalf("RecordEvent() = %d, %v; want Indeterminate, nil", total, err)
			}
		})
	}
}

func TestRecordEvent_AnchorWriteFailureStillCounts(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	fc := &flakyCache{Cache: cache.NewMemoryCache(vc), op: "set"}
	th, _ := New(ctx, fc, "noanchor", WithClock(vc))

	if total, err := record(t, th); err != nil || total != 1 {
		t.Fatalf("RecordEvent() = %d, %v; want 1, nil", total, err)
	}
}

func TestRecordEvent_BucketVanishedIsIndeterminate(t *testing.T) {
	th, c, _ := newTestThrottle(t, "vanish")
	c.FailNextAdd()
	c.FailNextAdd()

	if total, err := record(t, th); err != nil || !IsIndeterminate(total) {
		t.Fatalf("RecordEvent() = %d, %v; want Indeterminate, nil", total, err)
	}
}

func TestRecordEvent_CancelledContext(t *testing.T) {
	th, _, _ := newTestThrottle(t, "")
	cctx, cancel := context.WithCancel(ctx)
	cancel()

	total, err := th.RecordEvent(cctx, 1)
	if err != nil || !IsIndeterminate(total) {
		t.Fatalf("RecordEvent() = %d, %v; want Indeterminate, nil", total, err)
	}
}

func TestRecordEvent_LogsCacheFailure(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	th, c, _ := newTestThrottle(t, "logged", WithLogger(zap.New(core)))

	c.FailNext(1)
	_, _ = record(t, th)

	entries := logs.FilterMessage("cache unavailable, event not counted").All()
	if len(entries) != 1 {
		t.Fatalf("got %d warning entries, want 1", len(entries))
	}
	if got := entries[0].ContextMap()["throttle"]; got != "logged" {
		t.Errorf("throttle field = %v, want logged", got)
	}
}

func TestRecordEvent_ConcurrentCreationAgreesOnSummary(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	c := cache.NewMemoryCache(vc)
	opts := []Option{WithClock(vc), WithBuckets(3), WithBucketDuration(time.Second)}

	seed, _ := New(ctx, c, "race", opts...)
	_, _ = seed.RecordEvent(ctx, 7)
	vc.Advance(time.Second)

	const workers = 64
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			th, err := New(ctx, c, "race", opts...)
			if err != nil {
				return err
			}
			total, err := th.RecordEvent(ctx, 1)
			if err != nil {
				return err
			}
			if total < 8 || total > 7+workers {
				return errors.New("total out of range")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("worker error = %v", err)
	}

	summary, ok, _ := c.Get(ctx, seed.Keys().Summary(1))
	if !ok || summary != 7 {
		t.Fatalf("summary(1) = %d, %v; want 7, true", summary, ok)
	}
	bucket, _, _ := c.Get(ctx, seed.Keys().Bucket(1))
	if bucket != workers {
		t.Fatalf("bucket(1) = %d, want %d", bucket, workers)
	}
	if total, _ := seed.Incr(ctx); total != 7+workers+1 {
		t.Fatalf("final total = %d, want %d", total, 7+workers+1)
	}
}
