package util

import (
	"math"
	"sync"
)

// ----------------------------------------------------------------------------
// Stats
// ----------------------------------------------------------------------------

// Stats summarises a set of numbers, e.g. the row counts of all tables of a database
type Stats struct {
	StdDeviation float64 `json:"std_deviation" yaml:"std_deviation"`
	Min          float64 `json:"min" yaml:"min"`
	Max          float64 `json:"max" yaml:"max"`
	Mean         float64 `json:"mean" yaml:"mean"`
	Sum          float64 `json:"sum" yaml:"sum"`
}

// NewStats computes min, max, mean, sum and the (population) standard deviation of values
func NewStats(values []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}

	s := Stats{Min: values[0], Max: values[0]}
	for _, v := range values {
		s.Sum += v
		s.Min = math.Min(s.Min, v)
		s.Max = math.Max(s.Max, v)
	}
	s.Mean = s.Sum / float64(len(values))

	var sq float64
	for _, v := range values {
		d := v - s.Mean
		sq += d * d
	}
	s.StdDeviation = math.Sqrt(sq / float64(len(values)))

	return s
}

// ----------------------------------------------------------------------------
// SizeHistogram
// ----------------------------------------------------------------------------

// sizeBoundaries are the upper bounds (inclusive) of the histogram buckets,
// growing by factor 4 from 16 bytes to 4 GiB. Larger values go into an overflow bucket.
var sizeBoundaries = []int{
	16, 64, 256, 1024, 4096,
	16384, 65536, 262144, 1048576,
	4194304, 16777216, 67108864,
	268435456, 1073741824, 4294967296,
}

// SizeHistogram tracks the distribution of value sizes with exponential buckets.
// It is used to describe a sample of the stored values without keeping the values.
//
// Thread-safe: All methods are safe for concurrent use
type SizeHistogram struct {
	mutex   sync.RWMutex
	buckets []int64 // len(sizeBoundaries) + 1 (overflow)
	count   int64
	sum     int64
}

// NewSizeHistogram creates an empty histogram
func NewSizeHistogram() *SizeHistogram {
	return &SizeHistogram{
		buckets: make([]int64, len(sizeBoundaries)+1),
	}
}

// AddSample records one value of the given size (in bytes)
func (h *SizeHistogram) AddSample(size int) {
	idx := len(sizeBoundaries)
	for i, boundary := range sizeBoundaries {
		if size <= boundary {
			idx = i
			break
		}
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.buckets[idx]++
	h.count++
	h.sum += int64(size)
}

// Count returns the number of recorded samples
func (h *SizeHistogram) Count() int64 {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.count
}

// AverageSize returns the exact mean of all samples
func (h *SizeHistogram) AverageSize() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	if h.count == 0 {
		return 0
	}
	return int(h.sum / h.count)
}

// Percentile estimates the given percentile (0-100) as the middle of the bucket it falls into
func (h *SizeHistogram) Percentile(p int) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if h.count == 0 || p < 0 || p > 100 {
		return 0
	}

	target := int64(math.Ceil(float64(h.count) * float64(p) / 100.0))
	var cumulative int64
	for i, n := range h.buckets {
		cumulative += n
		if cumulative >= target && n > 0 {
			return bucketMid(i)
		}
	}
	return bucketMid(len(h.buckets) - 1)
}

// MedianEstimate is shorthand for Percentile(50)
func (h *SizeHistogram) MedianEstimate() int {
	return h.Percentile(50)
}

// bucketMid is the representative size of bucket i
func bucketMid(i int) int {
	switch {
	case i == 0:
		return sizeBoundaries[0] / 2
	case i < len(sizeBoundaries):
		return (sizeBoundaries[i-1] + sizeBoundaries[i]) / 2
	default:
		return sizeBoundaries[len(sizeBoundaries)-1] * 2
	}
}

// HistogramSummary is the serialisable view of a SizeHistogram
type HistogramSummary struct {
	Samples int64            `json:"samples" yaml:"samples"`
	Average int              `json:"average" yaml:"average"`
	P50     int              `json:"p50" yaml:"p50"`
	P90     int              `json:"p90" yaml:"p90"`
	P99     int              `json:"p99" yaml:"p99"`
	Buckets map[string]int64 `json:"buckets" yaml:"buckets"` // "<=<bound>" -> count, only non-empty buckets
}

// Summary returns a snapshot of the histogram
func (h *SizeHistogram) Summary() HistogramSummary {
	s := HistogramSummary{
		Samples: h.Count(),
		Average: h.AverageSize(),
		P50:     h.Percentile(50),
		P90:     h.Percentile(90),
		P99:     h.Percentile(99),
		Buckets: map[string]int64{},
	}

	h.mutex.RLock()
	defer h.mutex.RUnlock()
	for i, n := range h.buckets {
		if n == 0 {
			continue
		}
		s.Buckets[bucketLabel(i)] = n
	}
	return s
}

func bucketLabel(i int) string {
	if i >= len(sizeBoundaries) {
		return ">" + FormatBytes(sizeBoundaries[len(sizeBoundaries)-1])
	}
	return "<=" + FormatBytes(sizeBoundaries[i])
}
