package abr

import (
	"math"
	"sync"
	"time"
)

const (
	// Samples below this size are dominated by request latency.
	minSampleBytes = 16 * 1024

	// The estimate is trusted once this many bytes have been sampled.
	minTotalBytes = 128 * 1024

	defaultWindow = 8
)

// BandwidthEstimator turns segment download samples into a throughput
// estimate in bits per second.
type BandwidthEstimator interface {
	Sample(size int64, duration time.Duration)
	Estimate(fallback float64) float64
	HasGoodEstimate() bool
}

// MovingAverage averages the throughput of the most recent samples.
type MovingAverage struct {
	mu         sync.Mutex
	window     int
	samples    []float64
	totalBytes int64
}

// NewMovingAverage returns an estimator over the last window samples.
// A non-positive window uses the default of 8.
func NewMovingAverage(window int) *MovingAverage {
	if window <= 0 {
		window = defaultWindow
	}
	return &MovingAverage{window: window}
}

// Sample records a download of size bytes that took duration.
func (m *MovingAverage) Sample(size int64, duration time.Duration) {
	if size < minSampleBytes || duration <= 0 {
		return
	}
	bps := float64(size) * 8 / duration.Seconds()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, bps)
	if len(m.samples) > m.window {
		m.samples = m.samples[len(m.samples)-m.window:]
	}
	if m.totalBytes > math.MaxInt64-size {
		m.totalBytes = math.MaxInt64
	} else {
		m.totalBytes += size
	}
}

// Estimate returns the average throughput, or fallback until the
// estimate is good.
func (m *MovingAverage) Estimate(fallback float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.totalBytes < minTotalBytes || len(m.samples) == 0 {
		return fallback
	}
	var sum float64
	for _, s := range m.samples {
		sum += s
	}
	return sum / float64(len(m.samples))
}

// HasGoodEstimate reports whether enough data has been sampled.
func (m *MovingAverage) HasGoodEstimate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalBytes >= minTotalBytes
}
