// Package streaming owns the set of active streams and applies rendition
// choices as buffered switches against an external media pipeline.
package streaming

import (
	"context"
	"errors"
	"fmt"
	"time"

	"adaptive-playback/internal/manifest"
)

var (
	// ErrInvalidConfig is returned by Configure for out-of-range options.
	ErrInvalidConfig = errors.New("invalid streaming config")

	// ErrNotInitialized is returned when an operation needs Init first.
	ErrNotInitialized = errors.New("streaming engine not initialized")

	// ErrAlreadyInitialized is returned by a second Init.
	ErrAlreadyInitialized = errors.New("streaming engine already initialized")

	// ErrDestroyed is returned by operations called after Destroy.
	ErrDestroyed = errors.New("streaming engine destroyed")

	// ErrCanceled is the result of an operation interrupted by Destroy, a
	// newer switch of the same media type, or its caller's context.
	ErrCanceled = fmt.Errorf("streaming operation canceled: %w", context.Canceled)

	// ErrBufferingFailed wraps a segment fetch that kept failing after the
	// configured number of attempts.
	ErrBufferingFailed = errors.New("buffering failed")

	// ErrNoStreams is returned by Init when nothing was chosen to play.
	ErrNoStreams = errors.New("no streams chosen for period")

	// ErrEndOfStream is returned by a MediaPipeline when no segment exists
	// at the requested position.
	ErrEndOfStream = errors.New("end of stream")
)

// State is the externally visible lifecycle state of a Controller.
type State int

const (
	// Uninitialized is the state before Init, and after an Init that failed.
	Uninitialized State = iota
	// Buffering means Init is fetching the initial streams.
	Buffering
	// Playing means the initial buffer was reached; switches and seeks
	// re-buffer without leaving it.
	Playing
	// Destroyed is terminal.
	Destroyed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Buffering:
		return "buffering"
	case Playing:
		return "playing"
	case Destroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Controller is the stream controller contract.
type Controller interface {
	Configure(cfg Config) error
	Init(ctx context.Context, m *manifest.Manifest) error
	CurrentPeriod() *manifest.Period
	ActiveStreams() map[manifest.MediaType]*manifest.Stream
	Switch(ctx context.Context, t manifest.MediaType, s *manifest.Stream, clearBuffer bool) error
	NotifyNewTextStream(ctx context.Context, s *manifest.Stream) error
	Seeked()
	Destroy(ctx context.Context) error
}

// Range is a buffered time range in seconds, [Start, End).
type Range struct {
	Start float64
	End   float64
}

// Contains reports whether t lies inside the range.
func (r Range) Contains(t float64) bool {
	return t >= r.Start && t < r.End
}

// Segment describes one fetched and appended media segment.
type Segment struct {
	Start float64
	End   float64
	Size  int64
}

// MediaPipeline is the decode/transport side the controller drives.
type MediaPipeline interface {
	// BufferedRange returns the buffered range for t that is closest to
	// the playhead, if any.
	BufferedRange(t manifest.MediaType) (Range, bool)

	// Fetch downloads and appends the segment of s containing position at.
	// It returns ErrEndOfStream when s has no segment there.
	Fetch(ctx context.Context, s *manifest.Stream, at float64) (Segment, error)

	// Clear drops everything buffered for t.
	Clear(ctx context.Context, t manifest.MediaType) error
}

// Playhead reports the current presentation position in seconds.
type Playhead interface {
	Position() float64
}

// Callbacks connect the controller to its session owner. Callbacks are
// never invoked after Destroy.
type Callbacks struct {
	// ChooseStreams picks the streams to play when a period starts.
	ChooseStreams func(period *manifest.Period) map[manifest.MediaType]*manifest.Stream

	// OnSegmentDownloaded reports each completed fetch.
	OnSegmentDownloaded func(size int64, duration time.Duration)

	// OnError reports failures of background buffering.
	OnError func(err error)
}

// Config holds the buffering parameters.
type Config struct {
	// RebufferingGoal is how many seconds must be buffered ahead of the
	// playhead before playback can start or resume.
	RebufferingGoal float64

	// BufferingGoal is how many seconds the controller tries to keep
	// buffered ahead while playing.
	BufferingGoal float64

	// RetryMaxAttempts bounds the fetch attempts for one segment.
	RetryMaxAttempts int

	// RetryBaseDelay is the delay before the first retry.
	RetryBaseDelay time.Duration

	// UpdateInterval is how often buffers are topped up while playing.
	UpdateInterval time.Duration
}

// DefaultConfig returns the configuration a new Engine starts with.
func DefaultConfig() Config {
	return Config{
		RebufferingGoal:  2,
		BufferingGoal:    10,
		RetryMaxAttempts: 2,
		RetryBaseDelay:   time.Second,
		UpdateInterval:   time.Second,
	}
}

func (c Config) validate() error {
	if c.RebufferingGoal < 0 {
		return fmt.Errorf("%w: rebuffering goal must not be negative, got %v", ErrInvalidConfig, c.RebufferingGoal)
	}
	if c.BufferingGoal <= 0 || c.BufferingGoal < c.RebufferingGoal {
		return fmt.Errorf("%w: buffering goal must be positive and at least the rebuffering goal, got %v", ErrInvalidConfig, c.BufferingGoal)
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("%w: retry max attempts must be at least 1, got %d", ErrInvalidConfig, c.RetryMaxAttempts)
	}
	if c.RetryBaseDelay <= 0 {
		return fmt.Errorf("%w: retry base delay must be positive, got %v", ErrInvalidConfig, c.RetryBaseDelay)
	}
	if c.UpdateInterval <= 0 {
		return fmt.Errorf("%w: update interval must be positive, got %v", ErrInvalidConfig, c.UpdateInterval)
	}
	return nil
}
