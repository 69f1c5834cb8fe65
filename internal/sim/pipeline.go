// Package sim provides a simulated media pipeline and a wall-clock
// playhead so the playback control plane can run without a decoder.
package sim

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"adaptive-playback/internal/manifest"
	"adaptive-playback/internal/streaming"

	"github.com/dustin/go-humanize"
)

// minBandwidth is assumed for streams that declare no bandwidth.
const minBandwidth = 64_000

// PipelineOptions configures a Pipeline.
type PipelineOptions struct {
	// Throughput is the simulated network speed in bits per second.
	Throughput float64

	// SegmentDuration is the length of every segment in seconds.
	SegmentDuration float64

	// Duration ends every stream; zero means unbounded.
	Duration float64

	Logger *slog.Logger
}

func (o *PipelineOptions) setDefaults() {
	if o.Throughput <= 0 {
		o.Throughput = 5_000_000
	}
	if o.SegmentDuration <= 0 {
		o.SegmentDuration = 4
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}

// Pipeline is a streaming.MediaPipeline whose downloads take as long as
// the segment size over the configured throughput.
type Pipeline struct {
	segmentDuration float64
	duration        float64
	log             *slog.Logger

	mu         sync.Mutex
	throughput float64
	ranges     map[manifest.MediaType]streaming.Range
	bytes      int64
}

var _ streaming.MediaPipeline = (*Pipeline)(nil)

// NewPipeline returns a Pipeline with opts applied over defaults.
func NewPipeline(opts PipelineOptions) *Pipeline {
	opts.setDefaults()
	return &Pipeline{
		segmentDuration: opts.SegmentDuration,
		duration:        opts.Duration,
		log:             opts.Logger,
		throughput:      opts.Throughput,
		ranges:          make(map[manifest.MediaType]streaming.Range),
	}
}

// SetThroughput changes the simulated network speed.
func (p *Pipeline) SetThroughput(bps float64) error {
	if bps <= 0 {
		return errors.New("throughput must be positive")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.throughput = bps
	return nil
}

// BytesDownloaded returns the total size of every completed fetch.
func (p *Pipeline) BytesDownloaded() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bytes
}

// BufferedRange implements streaming.MediaPipeline.BufferedRange.
func (p *Pipeline) BufferedRange(t manifest.MediaType) (streaming.Range, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.ranges[t]
	return r, ok
}

// Fetch implements streaming.MediaPipeline.Fetch.
func (p *Pipeline) Fetch(ctx context.Context, s *manifest.Stream, at float64) (streaming.Segment, error) {
	start := math.Floor(at/p.segmentDuration) * p.segmentDuration
	if p.duration > 0 && start >= p.duration {
		return streaming.Segment{}, streaming.ErrEndOfStream
	}
	end := start + p.segmentDuration
	if p.duration > 0 {
		end = math.Min(end, p.duration)
	}

	bw := s.Bandwidth
	if bw <= 0 {
		bw = minBandwidth
	}
	size := int64(float64(bw) * (end - start) / 8)

	p.mu.Lock()
	throughput := p.throughput
	p.mu.Unlock()

	took := time.Duration(float64(size) * 8 / throughput * float64(time.Second))
	timer := time.NewTimer(took)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return streaming.Segment{}, ctx.Err()
	case <-timer.C:
	}

	p.mu.Lock()
	r, ok := p.ranges[s.Type]
	if ok && start >= r.Start && start <= r.End {
		r.End = math.Max(r.End, end)
	} else {
		r = streaming.Range{Start: start, End: end}
	}
	p.ranges[s.Type] = r
	p.bytes += size
	p.mu.Unlock()

	p.log.Debug("segment appended",
		slog.String("media_type", string(s.Type)),
		slog.String("stream_id", s.ID),
		slog.Float64("start", start),
		slog.String("size", humanize.Bytes(uint64(size))),
		slog.Duration("took", took))
	return streaming.Segment{Start: start, End: end, Size: size}, nil
}

// Clear implements streaming.MediaPipeline.Clear.
func (p *Pipeline) Clear(ctx context.Context, t manifest.MediaType) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.ranges, t)
	return nil
}
