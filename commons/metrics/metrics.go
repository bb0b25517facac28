package metrics

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Counter is a monotonically increasing atomic counter.
type Counter struct {
	value atomic.Uint64
}

// Inc adds one.
func (c *Counter) Inc() {
	c.value.Add(1)
}

// Add increments the counter by n.
func (c *Counter) Add(n uint64) {
	c.value.Add(n)
}

// Load returns the current value.
func (c *Counter) Load() uint64 {
	return c.value.Load()
}

// Gauge is an atomic gauge.
type Gauge struct {
	value atomic.Int64
}

// Inc increments the gauge by 1.
func (g *Gauge) Inc() {
	g.value.Add(1)
}

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() {
	g.value.Add(-1)
}

// Set sets the gauge to the provided value.
func (g *Gauge) Set(v int64) {
	g.value.Store(v)
}

// Load returns the current value.
func (g *Gauge) Load() int64 {
	return g.value.Load()
}

// Timestamp holds a wall-clock instant that can be read without locking.
// The zero value reports the zero time.
type Timestamp struct {
	nanos atomic.Int64
}

// Store records t.
func (ts *Timestamp) Store(t time.Time) {
	if t.IsZero() {
		ts.nanos.Store(0)
		return
	}
	ts.nanos.Store(t.UnixNano())
}

// Load returns the stored instant.
func (ts *Timestamp) Load() time.Time {
	n := ts.nanos.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// LatencySampler keeps the most recent samples for percentile reporting.
type LatencySampler struct {
	mu      sync.Mutex
	samples []int64
	index   int
	full    bool
}

// NewLatencySampler creates a sampler that keeps the last size samples.
func NewLatencySampler(size int) *LatencySampler {
	if size <= 0 {
		size = 128
	}
	return &LatencySampler{
		samples: make([]int64, size),
	}
}

// Add records a sample.
func (l *LatencySampler) Add(d time.Duration) {
	l.mu.Lock()
	l.samples[l.index] = d.Nanoseconds()
	l.index++
	if l.index >= len(l.samples) {
		l.index = 0
		l.full = true
	}
	l.mu.Unlock()
}

// Quantiles returns the sample value at each requested quantile. Quantiles
// outside (0,1) clamp to the minimum and maximum sample.
func (l *LatencySampler) Quantiles(qs ...float64) []time.Duration {
	l.mu.Lock()
	count := l.index
	if l.full {
		count = len(l.samples)
	}
	values := make([]int64, count)
	copy(values, l.samples[:count])
	l.mu.Unlock()

	out := make([]time.Duration, len(qs))
	if count == 0 {
		return out
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	for i, q := range qs {
		pos := int(math.Ceil(q*float64(count))) - 1
		switch {
		case q <= 0 || pos < 0:
			pos = 0
		case q >= 1 || pos >= count:
			pos = count - 1
		}
		out[i] = time.Duration(values[pos])
	}
	return out
}

// SampleCount returns the number of stored samples.
func (l *LatencySampler) SampleCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.full {
		return len(l.samples)
	}
	return l.index
}
