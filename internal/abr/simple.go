package abr

import (
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"adaptive-playback/internal/manifest"

	"github.com/dustin/go-humanize"
)

// Options holds the collaborators of a SimpleManager. All fields are optional.
type Options struct {
	Estimator BandwidthEstimator
	Logger    *slog.Logger
	Now       func() time.Time
}

// SimpleManager picks the highest-bandwidth variant that fits within a
// fraction of the estimated bandwidth, falling back to the lowest variant.
type SimpleManager struct {
	estimator BandwidthEstimator
	log       *slog.Logger
	now       func() time.Time

	mu          sync.Mutex
	cfg         Config
	variants    []*manifest.Variant // sorted by bandwidth ascending
	textStreams []*manifest.Stream
	enabled     bool
	stopped     bool
	switchFn    SwitchCallback
	lastSwitch  time.Time
	lastChosen  *manifest.Variant
}

// NewSimpleManager returns a disabled manager using DefaultConfig.
func NewSimpleManager(opts Options) *SimpleManager {
	if opts.Estimator == nil {
		opts.Estimator = NewMovingAverage(0)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &SimpleManager{
		estimator: opts.Estimator,
		log:       opts.Logger,
		now:       opts.Now,
		cfg:       DefaultConfig(),
	}
}

// Init implements Manager.Init.
func (m *SimpleManager) Init(switchFn SwitchCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.switchFn = switchFn
	m.stopped = false
	m.lastSwitch = m.now()
	m.lastChosen = nil
}

// Stop implements Manager.Stop. After Stop no automatic switch is made.
func (m *SimpleManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	m.enabled = false
	m.switchFn = nil
}

// Configure implements Manager.Configure. An invalid config leaves the
// current one untouched.
func (m *SimpleManager) Configure(cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	return nil
}

// Enable implements Manager.Enable.
func (m *SimpleManager) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stopped {
		m.enabled = true
	}
}

// Disable implements Manager.Disable.
func (m *SimpleManager) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

// SetVariants implements Manager.SetVariants.
func (m *SimpleManager) SetVariants(variants []*manifest.Variant) {
	sorted := make([]*manifest.Variant, 0, len(variants))
	for _, v := range variants {
		if v != nil {
			sorted = append(sorted, v)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Bandwidth < sorted[j].Bandwidth
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	m.variants = sorted
	m.lastChosen = nil
}

// SetTextStreams implements Manager.SetTextStreams.
func (m *SimpleManager) SetTextStreams(streams []*manifest.Stream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.textStreams = append([]*manifest.Stream(nil), streams...)
}

// ChooseStreams implements Manager.ChooseStreams. Only the requested
// media types appear in the result; types with no candidate are absent.
func (m *SimpleManager) ChooseStreams(types ...manifest.MediaType) map[manifest.MediaType]*manifest.Stream {
	want := TypeSet(types...)
	estimate := m.BandwidthEstimate()

	m.mu.Lock()
	defer m.mu.Unlock()

	chosen := make(map[manifest.MediaType]*manifest.Stream)
	if want[manifest.Audio] || want[manifest.Video] {
		if v := m.chooseVariantLocked(estimate); v != nil {
			if want[manifest.Audio] && v.Audio != nil {
				chosen[manifest.Audio] = v.Audio
			}
			if want[manifest.Video] && v.Video != nil {
				chosen[manifest.Video] = v.Video
			}
		}
	}
	if want[manifest.Text] && len(m.textStreams) > 0 {
		chosen[manifest.Text] = m.textStreams[0]
	}
	return chosen
}

// SegmentDownloaded implements Manager.SegmentDownloaded.
func (m *SimpleManager) SegmentDownloaded(size int64, duration time.Duration) {
	m.estimator.Sample(size, duration)
	m.log.Debug("segment downloaded",
		slog.String("size", humanize.Bytes(uint64(max(size, 0)))),
		slog.Duration("duration", duration))

	if !m.estimator.HasGoodEstimate() {
		return
	}
	estimate := m.BandwidthEstimate()

	m.mu.Lock()
	if !m.enabled || m.stopped || m.switchFn == nil {
		m.mu.Unlock()
		return
	}
	now := m.now()
	if now.Sub(m.lastSwitch) < m.cfg.SwitchInterval {
		m.mu.Unlock()
		return
	}
	v := m.chooseVariantLocked(estimate)
	if v == nil || v == m.lastChosen {
		m.mu.Unlock()
		return
	}
	m.lastChosen = v
	m.lastSwitch = now
	fn := m.switchFn
	m.mu.Unlock()

	chosen := make(map[manifest.MediaType]*manifest.Stream, 2)
	if v.Audio != nil {
		chosen[manifest.Audio] = v.Audio
	}
	if v.Video != nil {
		chosen[manifest.Video] = v.Video
	}
	m.log.Info("switching variant",
		slog.Int("variant", v.ID),
		slog.String("variant_bandwidth", humanize.SI(float64(v.Bandwidth), "bps")),
		slog.String("estimate", humanize.SI(estimate, "bps")))
	fn(chosen)
}

// BandwidthEstimate implements Manager.BandwidthEstimate.
func (m *SimpleManager) BandwidthEstimate() float64 {
	m.mu.Lock()
	fallback := m.cfg.DefaultBandwidthEstimate
	m.mu.Unlock()
	return max(m.estimator.Estimate(fallback), 0)
}

// chooseVariantLocked returns the highest variant whose bandwidth fits the
// upgrade target, or the lowest variant when none fits.
func (m *SimpleManager) chooseVariantLocked(estimate float64) *manifest.Variant {
	if len(m.variants) == 0 {
		return nil
	}
	target := estimate * m.cfg.BandwidthUpgradeTarget
	chosen := m.variants[0]
	for _, v := range m.variants[1:] {
		if float64(v.Bandwidth) <= target {
			chosen = v
		}
	}
	return chosen
}
