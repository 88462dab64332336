// Package throttle implements a distributed, approximately accurate event
// counter over a sliding time window.
//
// Any number of processes that construct a Throttle with the same name and
// the same cache share one rolling count:
//
//	t, err := throttle.New(ctx, c, "login-failures",
//		throttle.WithBuckets(10),
//		throttle.WithBucketDuration(6*time.Minute),
//		throttle.WithTriggers(
//			throttle.AtLeast(100, func(ctx context.Context, total int64, t *throttle.Throttle) error {
//				return throttle.ErrThresholdExceeded
//			}),
//		),
//	)
//	total, err := t.RecordEvent(ctx, 1)
//
// # Buckets
//
// Time is cut into buckets of BucketDuration seconds, counted from an anchor
// time shared through the cache. The window is the most recent BucketCount
// buckets. When a bucket is first written, the counts of the buckets before
// it are read once, reduced by a Summarizer and stored as that bucket's
// summary. Every later event only needs two cache calls: an atomic increment
// of the live bucket and a read of its summary.
//
// # Races
//
// There is no locking. Bucket and summary records are created with
// add-if-absent, so exactly one summary per bucket survives and every
// process agrees on it. An event that arrives while its bucket is being
// created by another process can be lost; the count is an approximation.
//
// # Failure policy
//
// Cache failures never reach the caller: RecordEvent logs them and returns
// Indeterminate without evaluating triggers, so applications fail open.
// Errors returned by trigger callbacks are passed through unchanged; that is
// how a consumer rejects work once a threshold is crossed.
//
// # Cache layout
//
//	{prefix}:obj:{name}          anchor time, epoch seconds
//	{prefix}:bkt:{name}:{bucket} event count for one bucket
//	{prefix}:sum:{name}:{bucket} summary of the buckets preceding it
//
// Bucket and summary records expire when their bucket leaves the window.
// The anchor expires after one idle window, after which the next Throttle
// constructed for the name starts a fresh epoch.
package throttle
