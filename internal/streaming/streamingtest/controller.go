package streamingtest

import (
	"context"
	"maps"
	"sync"

	"adaptive-playback/internal/manifest"
	"adaptive-playback/internal/streaming"
)

// SwitchCall records one Controller.Switch call.
type SwitchCall struct {
	Type        manifest.MediaType
	Stream      *manifest.Stream
	ClearBuffer bool
}

// Controller is a streaming.Controller that applies switches instantly.
// Without ChooseStreams callbacks it starts on the first variant and the
// first text stream of the first period.
type Controller struct {
	cb streaming.Callbacks

	mu          sync.Mutex
	InitErr     error
	manifest    *manifest.Manifest
	period      *manifest.Period
	active      map[manifest.MediaType]*manifest.Stream
	switches    []SwitchCall
	textStreams []*manifest.Stream
	seeks       int
	destroyed   bool
}

var _ streaming.Controller = (*Controller)(nil)

// NewController returns a fake Controller reporting to cb.
func NewController(cb streaming.Callbacks) *Controller {
	return &Controller{cb: cb, active: make(map[manifest.MediaType]*manifest.Stream)}
}

// Configure implements streaming.Controller.Configure.
func (c *Controller) Configure(cfg streaming.Config) error {
	return nil
}

// Init implements streaming.Controller.Init.
func (c *Controller) Init(ctx context.Context, m *manifest.Manifest) error {
	c.mu.Lock()
	if c.InitErr != nil {
		err := c.InitErr
		c.mu.Unlock()
		return err
	}
	if m == nil || len(m.Periods) == 0 {
		c.mu.Unlock()
		return manifest.ErrNoPeriods
	}
	c.manifest = m
	c.period = m.Periods[0]
	period := c.period
	c.mu.Unlock()

	var chosen map[manifest.MediaType]*manifest.Stream
	if c.cb.ChooseStreams != nil {
		chosen = c.cb.ChooseStreams(period)
	} else {
		chosen = make(map[manifest.MediaType]*manifest.Stream)
		if len(period.Variants) > 0 {
			v := period.Variants[0]
			if v.Audio != nil {
				chosen[manifest.Audio] = v.Audio
			}
			if v.Video != nil {
				chosen[manifest.Video] = v.Video
			}
		}
		if len(period.TextStreams) > 0 {
			chosen[manifest.Text] = period.TextStreams[0]
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	maps.Copy(c.active, chosen)
	return nil
}

// CurrentPeriod implements streaming.Controller.CurrentPeriod.
func (c *Controller) CurrentPeriod() *manifest.Period {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.period
}

// ActiveStreams implements streaming.Controller.ActiveStreams.
func (c *Controller) ActiveStreams() map[manifest.MediaType]*manifest.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.active)
}

// Switch implements streaming.Controller.Switch.
func (c *Controller) Switch(ctx context.Context, t manifest.MediaType, s *manifest.Stream, clearBuffer bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return streaming.ErrDestroyed
	}
	c.switches = append(c.switches, SwitchCall{Type: t, Stream: s, ClearBuffer: clearBuffer})
	c.active[t] = s
	return nil
}

// Switches returns the recorded Switch calls.
func (c *Controller) Switches() []SwitchCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SwitchCall(nil), c.switches...)
}

// NotifyNewTextStream implements streaming.Controller.NotifyNewTextStream.
func (c *Controller) NotifyNewTextStream(ctx context.Context, s *manifest.Stream) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.textStreams = append(c.textStreams, s)
	return nil
}

// NewTextStreams returns the streams passed to NotifyNewTextStream.
func (c *Controller) NewTextStreams() []*manifest.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*manifest.Stream(nil), c.textStreams...)
}

// Seeked implements streaming.Controller.Seeked.
func (c *Controller) Seeked() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seeks++
}

// Seeks returns how many times Seeked was called.
func (c *Controller) Seeks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seeks
}

// Destroy implements streaming.Controller.Destroy.
func (c *Controller) Destroy(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed = true
	return nil
}

// Destroyed reports whether Destroy was called.
func (c *Controller) Destroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// DownloadSegment simulates a completed fetch reported to the callbacks.
func (c *Controller) DownloadSegment(size int64) {
	if c.cb.OnSegmentDownloaded != nil {
		c.cb.OnSegmentDownloaded(size, 0)
	}
}

// Fail reports err through the OnError callback.
func (c *Controller) Fail(err error) {
	if c.cb.OnError != nil {
		c.cb.OnError(err)
	}
}
