// Package streamingtest provides fakes for the streaming package: a media
// pipeline, a playhead and a Controller.
package streamingtest

import (
	"context"
	"errors"
	"math"
	"sync"

	"adaptive-playback/internal/manifest"
	"adaptive-playback/internal/streaming"
)

// ErrFetch is the error returned by injected fetch failures.
var ErrFetch = errors.New("fake fetch failure")

// Fetch records one Pipeline.Fetch call.
type Fetch struct {
	Type     manifest.MediaType
	StreamID string
	At       float64
}

// Pipeline is an in-memory streaming.MediaPipeline with fixed-length
// segments. Each media type keeps a single contiguous buffered range.
type Pipeline struct {
	SegmentDuration float64
	Duration        float64

	mu       sync.Mutex
	ranges   map[manifest.MediaType]streaming.Range
	fetches  []Fetch
	clears   []manifest.MediaType
	failures map[string]int
	gate     chan struct{}
	started  chan Fetch
}

var _ streaming.MediaPipeline = (*Pipeline)(nil)

// NewPipeline returns a Pipeline with segments of segmentDuration seconds.
func NewPipeline(segmentDuration float64) *Pipeline {
	return &Pipeline{
		SegmentDuration: segmentDuration,
		ranges:          make(map[manifest.MediaType]streaming.Range),
		failures:        make(map[string]int),
	}
}

// SetRange overrides the buffered range of t.
func (p *Pipeline) SetRange(t manifest.MediaType, r streaming.Range) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ranges[t] = r
}

// FailNext makes the next n fetches of streamID fail with ErrFetch.
func (p *Pipeline) FailNext(streamID string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[streamID] = n
}

// Block makes every fetch wait until Release is called or its context is
// canceled. Each blocked fetch is announced on the returned channel.
func (p *Pipeline) Block() <-chan Fetch {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gate = make(chan struct{})
	p.started = make(chan Fetch, 64)
	return p.started
}

// Release unblocks fetches held by Block.
func (p *Pipeline) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gate != nil {
		close(p.gate)
		p.gate = nil
	}
}

// Fetches returns the recorded Fetch calls.
func (p *Pipeline) Fetches() []Fetch {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Fetch(nil), p.fetches...)
}

// Clears returns the media types passed to Clear.
func (p *Pipeline) Clears() []manifest.MediaType {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]manifest.MediaType(nil), p.clears...)
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
	call := Fetch{Type: s.Type, StreamID: s.ID, At: at}

	p.mu.Lock()
	p.fetches = append(p.fetches, call)
	gate, started := p.gate, p.started
	p.mu.Unlock()

	if gate != nil {
		select {
		case started <- call:
		case <-ctx.Done():
			return streaming.Segment{}, ctx.Err()
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return streaming.Segment{}, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if n := p.failures[s.ID]; n > 0 {
		p.failures[s.ID] = n - 1
		return streaming.Segment{}, ErrFetch
	}

	start := math.Floor(at/p.SegmentDuration) * p.SegmentDuration
	if p.Duration > 0 && start >= p.Duration {
		return streaming.Segment{}, streaming.ErrEndOfStream
	}
	end := start + p.SegmentDuration

	r, ok := p.ranges[s.Type]
	if ok && start >= r.Start && start <= r.End {
		r.End = math.Max(r.End, end)
	} else {
		r = streaming.Range{Start: start, End: end}
	}
	p.ranges[s.Type] = r

	size := int64(float64(s.Bandwidth) * p.SegmentDuration / 8)
	return streaming.Segment{Start: start, End: end, Size: size}, nil
}

// Clear implements streaming.MediaPipeline.Clear.
func (p *Pipeline) Clear(ctx context.Context, t manifest.MediaType) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clears = append(p.clears, t)
	delete(p.ranges, t)
	return nil
}

// Playhead is a streaming.Playhead the test moves by hand.
type Playhead struct {
	mu  sync.Mutex
	pos float64
}

// NewPlayhead returns a Playhead at pos.
func NewPlayhead(pos float64) *Playhead {
	return &Playhead{pos: pos}
}

// Position implements streaming.Playhead.Position.
func (p *Playhead) Position() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pos
}

// Seek moves the playhead to pos.
func (p *Playhead) Seek(pos float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pos = pos
}
