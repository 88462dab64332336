package clock

import "time"

// Clock abstracts time so bucket indexing and cache expiry can run against
// real or virtual time. Throttles and the in-memory cache read time only
// through this interface.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// Since returns the duration elapsed since t.
	Since(t time.Time) time.Duration
}

// RealClock delegates to the standard time package.
type RealClock struct{}

func NewRealClock() *RealClock {
	return &RealClock{}
}

func (c *RealClock) Now() time.Time {
	return time.Now()
}

func (c *RealClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

// Unix returns the current time of c in whole epoch seconds.
func Unix(c Clock) int64 {
	return c.Now().Unix()
}
