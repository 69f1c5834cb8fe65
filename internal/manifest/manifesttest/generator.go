package manifesttest

import (
	"fmt"
	"strings"

	"adaptive-playback/internal/manifest"
)

// FakeKeySystem is the key system the fake DRM collaborators accept.
const FakeKeySystem = "com.example.fake"

// FakeVideoType is the full MIME type of streams built by VideoStream.
const FakeVideoType = `video/mp4; codecs="avc1.4d401f"`

// VideoStream returns a video stream with the given id and bandwidth.
func VideoStream(id string, bandwidth int) *manifest.Stream {
	return &manifest.Stream{
		ID:        id,
		Type:      manifest.Video,
		MimeType:  "video/mp4",
		Codecs:    "avc1.4d401f",
		Bandwidth: bandwidth,
		URI:       id + ".m3u8",
	}
}

// AudioStream returns an audio stream with the given id.
func AudioStream(id string) *manifest.Stream {
	return &manifest.Stream{
		ID:       id,
		Type:     manifest.Audio,
		MimeType: "audio/mp4",
		Codecs:   "mp4a.40.2",
		URI:      id + ".m3u8",
	}
}

// TextStream returns a WebVTT text stream with the given id and language.
func TextStream(id, lang string) *manifest.Stream {
	return &manifest.Stream{
		ID:       id,
		Type:     manifest.Text,
		MimeType: "text/vtt",
		Language: lang,
		URI:      id + ".vtt",
	}
}

// Protect attaches a DrmInfo for keySystem to every given stream.
func Protect(keySystem string, streams ...*manifest.Stream) {
	for _, s := range streams {
		s.DrmInfos = append(s.DrmInfos, manifest.DrmInfo{
			KeySystem:        keySystem,
			LicenseServerURI: "https://license.example.com/" + keySystem,
			InitData:         []manifest.InitData{{Type: "cenc", Data: []byte("pssh-" + s.ID)}},
		})
	}
}

// Ladder builds a single-period manifest with one variant per bandwidth,
// all sharing one audio stream.
func Ladder(bandwidths ...int) *manifest.Manifest {
	audio := AudioStream("a1")
	p := &manifest.Period{}
	for i, bw := range bandwidths {
		p.Variants = append(p.Variants, &manifest.Variant{
			ID:        i,
			Bandwidth: bw,
			Audio:     audio,
			Video:     VideoStream(fmt.Sprintf("v%d", i+1), bw),
		})
	}
	return &manifest.Manifest{URI: "test://ladder", Periods: []*manifest.Period{p}}
}

// Rendition is one EXT-X-STREAM-INF entry for MasterPlaylist.
type Rendition struct {
	URI        string
	Bandwidth  int
	Codecs     string
	Resolution string
	AudioGroup string
}

// Media is one EXT-X-MEDIA entry for MasterPlaylist.
type Media struct {
	Type     string
	GroupID  string
	Name     string
	Language string
	URI      string
	Default  bool
}

// MasterPlaylist renders an HLS master playlist with the given media
// entries followed by the variant streams.
func MasterPlaylist(media []Media, renditions []Rendition) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:4\n")

	for _, m := range media {
		def := "NO"
		if m.Default {
			def = "YES"
		}
		b.WriteString(fmt.Sprintf("#EXT-X-MEDIA:TYPE=%s,GROUP-ID=%q,NAME=%q,LANGUAGE=%q,DEFAULT=%s,URI=%q\n",
			m.Type, m.GroupID, m.Name, m.Language, def, m.URI))
	}

	for _, r := range renditions {
		b.WriteString(fmt.Sprintf("#EXT-X-STREAM-INF:BANDWIDTH=%d", r.Bandwidth))
		if r.Codecs != "" {
			b.WriteString(fmt.Sprintf(",CODECS=%q", r.Codecs))
		}
		if r.Resolution != "" {
			b.WriteString(",RESOLUTION=" + r.Resolution)
		}
		if r.AudioGroup != "" {
			b.WriteString(fmt.Sprintf(",AUDIO=%q", r.AudioGroup))
		}
		b.WriteString("\n")
		b.WriteString(r.URI)
		b.WriteString("\n")
	}

	return b.String()
}
