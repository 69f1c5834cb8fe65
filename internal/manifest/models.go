package manifest

import (
	"errors"
	"fmt"
	"math"
)

// MediaType identifies the kind of content a Stream carries.
type MediaType string

const (
	Audio MediaType = "audio"
	Video MediaType = "video"
	Text  MediaType = "text"
)

// AllTypes lists every media type in the order components iterate them.
var AllTypes = []MediaType{Audio, Video, Text}

// ErrNoPeriods is returned when a manifest has nothing to play.
var ErrNoPeriods = errors.New("manifest has no periods")

// InitData is key-system initialization data carried by a DrmInfo.
type InitData struct {
	Type string
	Data []byte
}

// DrmInfo describes one way of decrypting protected content.
type DrmInfo struct {
	KeySystem               string
	LicenseServerURI        string
	PersistentStateRequired bool
	InitData                []InitData
	KeyIDs                  []string
}

// Stream is an encoded rendition descriptor. Streams are immutable once
// a Source has produced them.
type Stream struct {
	ID        string
	Type      MediaType
	MimeType  string
	Codecs    string
	Bandwidth int
	Width     int
	Height    int
	Language  string
	Label     string
	URI       string
	DrmInfos  []DrmInfo
}

// Encrypted reports whether the stream needs a key system to play.
func (s *Stream) Encrypted() bool {
	return s != nil && len(s.DrmInfos) > 0
}

// FullMimeType returns the container type with codecs parameter,
// e.g. video/mp4; codecs="avc1.4d401f".
func (s *Stream) FullMimeType() string {
	if s.Codecs == "" {
		return s.MimeType
	}
	return fmt.Sprintf("%s; codecs=%q", s.MimeType, s.Codecs)
}

// Variant pairs at most one audio and one video Stream intended to play
// together. ID is the variant's position within its Period.
type Variant struct {
	ID        int
	Bandwidth int
	Language  string
	Audio     *Stream
	Video     *Stream
}

// Streams returns the variant's non-nil streams.
func (v *Variant) Streams() []*Stream {
	out := make([]*Stream, 0, 2)
	if v.Audio != nil {
		out = append(out, v.Audio)
	}
	if v.Video != nil {
		out = append(out, v.Video)
	}
	return out
}

// Period is a contiguous segment of the presentation timeline.
type Period struct {
	StartTime   float64
	Variants    []*Variant
	TextStreams []*Stream
}

// Manifest is the immutable root of the period/variant/stream model.
type Manifest struct {
	URI      string
	Duration float64
	Periods  []*Period
}

// PeriodAt returns the index of the period whose time range contains t.
// Positions before the first period map to the first period.
func (m *Manifest) PeriodAt(t float64) int {
	idx := 0
	for i, p := range m.Periods {
		if p.StartTime <= t {
			idx = i
		}
	}
	return idx
}

// PeriodEnd returns the end time of period i: the start of the next
// period, the presentation duration, or +Inf when neither is known.
func (m *Manifest) PeriodEnd(i int) float64 {
	if i+1 < len(m.Periods) {
		return m.Periods[i+1].StartTime
	}
	if m.Duration > 0 {
		return m.Duration
	}
	return math.Inf(1)
}

// DrmInfos returns every DrmInfo declared in the manifest in declaration
// order: periods, then variants (audio before video), then text streams.
func (m *Manifest) DrmInfos() []DrmInfo {
	var out []DrmInfo
	for _, p := range m.Periods {
		for _, v := range p.Variants {
			for _, s := range v.Streams() {
				out = append(out, s.DrmInfos...)
			}
		}
		for _, s := range p.TextStreams {
			out = append(out, s.DrmInfos...)
		}
	}
	return out
}

// AllStreams returns every distinct stream in the manifest.
func (m *Manifest) AllStreams() []*Stream {
	seen := make(map[*Stream]bool)
	var out []*Stream
	add := func(s *Stream) {
		if s != nil && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, p := range m.Periods {
		for _, v := range p.Variants {
			add(v.Audio)
			add(v.Video)
		}
		for _, s := range p.TextStreams {
			add(s)
		}
	}
	return out
}
