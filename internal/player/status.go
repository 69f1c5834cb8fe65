package player

import (
	"adaptive-playback/internal/manifest"

	"github.com/dustin/go-humanize"
)

// StreamStatus describes one active stream.
type StreamStatus struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Bandwidth int    `json:"bandwidth"`
	Language  string `json:"language,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
}

// VariantStatus describes one selectable variant of the current period.
type VariantStatus struct {
	Index     int    `json:"index"`
	Bandwidth int    `json:"bandwidth"`
	Bitrate   string `json:"bitrate"`
	Active    bool   `json:"active"`
}

// Status is a point-in-time snapshot of a playback session.
type Status struct {
	State             string          `json:"state"`
	ManifestURI       string          `json:"manifest_uri,omitempty"`
	Position          float64         `json:"position"`
	PeriodStart       float64         `json:"period_start"`
	Streams           []StreamStatus  `json:"streams"`
	Variants          []VariantStatus `json:"variants"`
	AdaptationEnabled bool            `json:"adaptation_enabled"`
	BandwidthEstimate float64         `json:"bandwidth_estimate"`
	Bandwidth         string          `json:"bandwidth"`
	KeySystem         string          `json:"key_system,omitempty"`
	DrmInitialized    bool            `json:"drm_initialized"`
	SessionIDs        []string        `json:"session_ids,omitempty"`
	LastError         string          `json:"last_error,omitempty"`
}

// Status returns a snapshot of the session.
func (p *Player) Status() Status {
	p.mu.Lock()
	st := Status{
		State:             p.state.String(),
		AdaptationEnabled: p.abrEnabled && p.state == stateLoaded,
	}
	if p.manifest != nil {
		st.ManifestURI = p.manifest.URI
	}
	if p.lastErr != nil {
		st.LastError = p.lastErr.Error()
	}
	loaded := p.state == stateLoaded
	p.mu.Unlock()

	st.Position = p.playhead.Position()
	st.BandwidthEstimate = p.abr.BandwidthEstimate()
	st.Bandwidth = humanize.SIWithDigits(st.BandwidthEstimate, 2, "bit/s")
	st.DrmInitialized = p.drm.Initialized()
	st.KeySystem = p.drm.KeySystem()
	st.SessionIDs = p.drm.SessionIDs()

	if !loaded {
		return st
	}
	active := p.ctrl.ActiveStreams()
	for _, t := range manifest.AllTypes {
		s, ok := active[t]
		if !ok || s == nil {
			continue
		}
		st.Streams = append(st.Streams, StreamStatus{
			ID:        s.ID,
			Type:      string(t),
			Bandwidth: s.Bandwidth,
			Language:  s.Language,
			Width:     s.Width,
			Height:    s.Height,
		})
	}
	if period := p.ctrl.CurrentPeriod(); period != nil {
		st.PeriodStart = period.StartTime
		for i, v := range period.Variants {
			st.Variants = append(st.Variants, VariantStatus{
				Index:     i,
				Bandwidth: v.Bandwidth,
				Bitrate:   humanize.SIWithDigits(float64(v.Bandwidth), 2, "bit/s"),
				Active:    isActive(v, active),
			})
		}
	}
	return st
}

func isActive(v *manifest.Variant, active map[manifest.MediaType]*manifest.Stream) bool {
	if v.Video != nil && active[manifest.Video] != v.Video {
		return false
	}
	if v.Audio != nil && active[manifest.Audio] != v.Audio {
		return false
	}
	return v.Video != nil || v.Audio != nil
}
