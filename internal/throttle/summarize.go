package throttle

import "math"

// Summarizer reduces the counts of the buckets preceding a new bucket to the
// single value stored as its summary, and combines that summary with the
// live bucket's count to produce the window total.
//
// Counts are ordered oldest first. Buckets that expired or never existed
// contribute 0.
type Summarizer interface {
	Summarize(counts []int64) int64
	Combine(summary, current int64) int64
}

// SummarizerFunc adapts a reduce function to Summarizer. Combine adds.
type SummarizerFunc func(counts []int64) int64

func (f SummarizerFunc) Summarize(counts []int64) int64 { return f(counts) }

func (f SummarizerFunc) Combine(summary, current int64) int64 { return summary + current }

// Sum is the default Summarizer: the plain arithmetic sum.
var Sum Summarizer = SummarizerFunc(func(counts []int64) int64 {
	var total int64
	for _, n := range counts {
		total += n
	}
	return total
})

// Weighted returns a Summarizer that scales each previous bucket by
// weight(age), where age 1 is the bucket just before the live one. The
// weighted sum is rounded to the nearest integer. The live bucket always
// counts in full.
func Weighted(weight func(age int) float64) Summarizer {
	return SummarizerFunc(func(counts []int64) int64 {
		var total float64
		for i, n := range counts {
			total += float64(n) * weight(len(counts)-i)
		}
		return int64(math.Round(total))
	})
}

// LinearDecay weights older buckets less, falling linearly to zero at the
// far edge of a window of the given bucket count.
func LinearDecay(buckets int) Summarizer {
	return Weighted(func(age int) float64 {
		if age >= buckets {
			return 0
		}
		return float64(buckets-age) / float64(buckets)
	})
}
