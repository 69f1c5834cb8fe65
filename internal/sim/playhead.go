package sim

import (
	"sync"
	"time"
)

// Playhead is a streaming.Playhead that advances with the wall clock
// while playing.
type Playhead struct {
	now func() time.Time

	mu      sync.Mutex
	base    float64
	since   time.Time
	playing bool
}

// NewPlayhead returns a paused Playhead at position 0. A nil now uses
// time.Now.
func NewPlayhead(now func() time.Time) *Playhead {
	if now == nil {
		now = time.Now
	}
	return &Playhead{now: now}
}

// Position implements streaming.Playhead.Position.
func (p *Playhead) Position() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positionLocked()
}

func (p *Playhead) positionLocked() float64 {
	if !p.playing {
		return p.base
	}
	return p.base + p.now().Sub(p.since).Seconds()
}

// Play starts advancing the position.
func (p *Playhead) Play() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.playing {
		return
	}
	p.since = p.now()
	p.playing = true
}

// Pause freezes the position.
func (p *Playhead) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.base = p.positionLocked()
	p.playing = false
}

// Playing reports whether the position is advancing.
func (p *Playhead) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// Seek jumps to pos without changing the play state.
func (p *Playhead) Seek(pos float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.base = max(pos, 0)
	p.since = p.now()
}
