package throttle

import "strconv"

// DefaultPrefix namespaces throttle keys from other users of the cache.
const DefaultPrefix = "throttle"

// Keys maps a throttle's records to cache keys.
type Keys struct {
	Prefix string
	Name   string
}

// Anchor is the key holding the throttle's anchor time.
func (k Keys) Anchor() string {
	return k.Prefix + ":obj:" + k.Name
}

// Bucket is the key holding the event count for bucket b.
func (k Keys) Bucket(b int64) string {
	return k.record("bkt", b)
}

// Summary is the key holding the summary stored when bucket b was created.
func (k Keys) Summary(b int64) string {
	return k.record("sum", b)
}

func (k Keys) record(kind string, b int64) string {
	return k.Prefix + ":" + kind + ":" + k.Name + ":" + strconv.FormatInt(b, 10)
}
