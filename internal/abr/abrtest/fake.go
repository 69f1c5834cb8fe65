// Package abrtest provides a fake abr.Manager that chooses by index.
package abrtest

import (
	"sync"
	"time"

	"adaptive-playback/internal/abr"
	"adaptive-playback/internal/manifest"
)

// Manager is an abr.Manager whose choice is set by the test through
// ChooseIndex, and which records every call it receives.
type Manager struct {
	mu sync.Mutex

	ChooseIndex int
	Estimate    float64

	variants    []*manifest.Variant
	textStreams []*manifest.Stream
	switchFn    abr.SwitchCallback
	enabled     bool
	stopped     bool
	calls       map[string]int
	configs     []abr.Config
	downloads   []int64
}

var _ abr.Manager = (*Manager)(nil)

// New returns a fake Manager.
func New() *Manager {
	return &Manager{calls: make(map[string]int)}
}

func (m *Manager) record(name string) {
	m.calls[name]++
}

// Calls returns how many times the named method was called.
func (m *Manager) Calls(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[name]
}

// Init implements abr.Manager.Init.
func (m *Manager) Init(switchFn abr.SwitchCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Init")
	m.switchFn = switchFn
}

// Stop implements abr.Manager.Stop.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Stop")
	m.stopped = true
	m.enabled = false
}

// Configure implements abr.Manager.Configure.
func (m *Manager) Configure(cfg abr.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Configure")
	m.configs = append(m.configs, cfg)
	return nil
}

// Enable implements abr.Manager.Enable.
func (m *Manager) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Enable")
	m.enabled = true
}

// Disable implements abr.Manager.Disable.
func (m *Manager) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Disable")
	m.enabled = false
}

// Enabled reports whether the fake is currently enabled.
func (m *Manager) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// SetVariants implements abr.Manager.SetVariants.
func (m *Manager) SetVariants(variants []*manifest.Variant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("SetVariants")
	m.variants = variants
}

// Variants returns the last candidates passed to SetVariants.
func (m *Manager) Variants() []*manifest.Variant {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.variants
}

// SetTextStreams implements abr.Manager.SetTextStreams.
func (m *Manager) SetTextStreams(streams []*manifest.Stream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("SetTextStreams")
	m.textStreams = streams
}

// TextStreams returns the last candidates passed to SetTextStreams.
func (m *Manager) TextStreams() []*manifest.Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.textStreams
}

// ChooseStreams implements abr.Manager.ChooseStreams using the variant and
// text stream at ChooseIndex.
func (m *Manager) ChooseStreams(types ...manifest.MediaType) map[manifest.MediaType]*manifest.Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ChooseStreams")

	want := abr.TypeSet(types...)
	ret := make(map[manifest.MediaType]*manifest.Stream)
	if (want[manifest.Audio] || want[manifest.Video]) && m.ChooseIndex < len(m.variants) {
		v := m.variants[m.ChooseIndex]
		if v.Audio != nil {
			ret[manifest.Audio] = v.Audio
		}
		if v.Video != nil {
			ret[manifest.Video] = v.Video
		}
	}
	if want[manifest.Text] && m.ChooseIndex < len(m.textStreams) {
		ret[manifest.Text] = m.textStreams[m.ChooseIndex]
	}
	return ret
}

// SegmentDownloaded implements abr.Manager.SegmentDownloaded.
func (m *Manager) SegmentDownloaded(size int64, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("SegmentDownloaded")
	m.downloads = append(m.downloads, size)
}

// Downloads returns the sizes passed to SegmentDownloaded.
func (m *Manager) Downloads() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.downloads...)
}

// BandwidthEstimate implements abr.Manager.BandwidthEstimate.
func (m *Manager) BandwidthEstimate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("BandwidthEstimate")
	return m.Estimate
}

// TriggerSwitch invokes the callback passed to Init as an automatic
// reselection would, unless the fake is disabled or stopped.
func (m *Manager) TriggerSwitch(chosen map[manifest.MediaType]*manifest.Stream) bool {
	m.mu.Lock()
	fn := m.switchFn
	active := m.enabled && !m.stopped
	m.mu.Unlock()
	if fn == nil || !active {
		return false
	}
	fn(chosen)
	return true
}
