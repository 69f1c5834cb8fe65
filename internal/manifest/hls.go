package manifest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/livepeer/m3u8"
	"github.com/patrickmn/go-cache"
)

// HLSOptions holds the collaborators of an HLSSource. All fields are optional.
type HLSOptions struct {
	Client *http.Client
	Logger *slog.Logger
}

// HLSSource is a Source backed by an HLS master (or media) playlist read
// from an http(s) URL or a local file.
type HLSSource struct {
	uri    string
	client *http.Client
	log    *slog.Logger

	mu      sync.Mutex
	cfg     SourceConfig
	cache   *cache.Cache
	stopped bool
}

// NewHLSSource returns a Source for the playlist at uri.
func NewHLSSource(uri string, opts HLSOptions) *HLSSource {
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg := DefaultSourceConfig()
	return &HLSSource{
		uri:    uri,
		client: opts.Client,
		log:    opts.Logger,
		cfg:    cfg,
		cache:  cache.New(cfg.CacheTTL, 0),
	}
}

// Configure implements Source.Configure.
func (s *HLSSource) Configure(cfg SourceConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.CacheTTL != s.cfg.CacheTTL {
		s.cache = cache.New(cfg.CacheTTL, 0)
	}
	s.cfg = cfg
	return nil
}

// Start implements Source.Start.
func (s *HLSSource) Start(ctx context.Context) (*Manifest, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	cfg := s.cfg
	c := s.cache
	s.mu.Unlock()

	if cfg.CacheTTL > 0 {
		if m, ok := c.Get(s.uri); ok {
			s.log.Debug("manifest cache hit", slog.String("uri", s.uri))
			return m.(*Manifest), nil
		}
	}

	if cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.RequestTimeout)
		defer cancel()
	}

	rc, err := s.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open playlist: %w", err)
	}
	defer rc.Close()

	m, err := ParseHLS(s.uri, rc)
	if err != nil {
		return nil, err
	}

	if cfg.CacheTTL > 0 {
		c.Set(s.uri, m, cache.DefaultExpiration)
	}
	s.log.Info("manifest loaded",
		slog.String("uri", s.uri),
		slog.Int("periods", len(m.Periods)),
		slog.Int("variants", len(m.Periods[0].Variants)),
		slog.Int("text_streams", len(m.Periods[0].TextStreams)))
	return m, nil
}

// Stop implements Source.Stop. It is idempotent.
func (s *HLSSource) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.cache.Flush()
	return nil
}

func (s *HLSSource) open(ctx context.Context) (io.ReadCloser, error) {
	if !strings.HasPrefix(s.uri, "http://") && !strings.HasPrefix(s.uri, "https://") {
		return os.Open(strings.TrimPrefix(s.uri, "file://"))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.uri, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// ParseHLS decodes an HLS playlist into a single-period Manifest. Relative
// URIs are resolved against base. EXT-X-SESSION-KEY tags of a master
// playlist and the EXT-X-KEY of a media playlist become DrmInfos.
func ParseHLS(base string, r io.Reader) (*Manifest, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read playlist: %w", err)
	}
	p, listType, err := m3u8.DecodeFrom(bytes.NewReader(raw), false)
	if err != nil {
		return nil, fmt.Errorf("decode playlist: %w", err)
	}

	var m *Manifest
	switch listType {
	case m3u8.MASTER:
		m = fromMaster(base, p.(*m3u8.MasterPlaylist))
		protect(m, sessionKeys(base, raw))
	case m3u8.MEDIA:
		m = fromMedia(base, p.(*m3u8.MediaPlaylist))
	default:
		return nil, fmt.Errorf("unknown playlist type %v", listType)
	}
	if len(m.Periods) == 0 || len(m.Periods[0].Variants) == 0 {
		return nil, ErrNoPeriods
	}
	return m, nil
}

func fromMaster(base string, pl *m3u8.MasterPlaylist) *Manifest {
	period := &Period{}

	// EXT-X-MEDIA entries may be attached to any variant by the decoder, so
	// gather them across the whole playlist first.
	audioGroups := make(map[string][]*m3u8.Alternative)
	seenAlt := make(map[*m3u8.Alternative]bool)
	var subtitles []*m3u8.Alternative
	for _, v := range pl.Variants {
		if v == nil {
			continue
		}
		for _, alt := range v.Alternatives {
			if alt == nil || seenAlt[alt] {
				continue
			}
			seenAlt[alt] = true
			switch strings.ToUpper(alt.Type) {
			case "AUDIO":
				audioGroups[alt.GroupId] = append(audioGroups[alt.GroupId], alt)
			case "SUBTITLES":
				subtitles = append(subtitles, alt)
			}
		}
	}

	audioStreams := make(map[string]*Stream)
	audioFor := func(group, codec string) *Stream {
		if s, ok := audioStreams[group]; ok {
			return s
		}
		alts := audioGroups[group]
		if len(alts) == 0 {
			return nil
		}
		alt := alts[0]
		for _, a := range alts {
			if a.Default {
				alt = a
				break
			}
		}
		s := &Stream{
			ID:       "audio-" + group,
			Type:     Audio,
			MimeType: "audio/mp4",
			Codecs:   codec,
			Language: alt.Language,
			Label:    alt.Name,
			URI:      resolve(base, alt.URI),
		}
		audioStreams[group] = s
		return s
	}

	for _, v := range pl.Variants {
		if v == nil || v.Iframe {
			continue
		}
		videoCodec, audioCodec := splitCodecs(v.Codecs)
		variant := &Variant{
			ID:        len(period.Variants),
			Bandwidth: int(v.Bandwidth),
		}
		uri := resolve(base, v.URI)

		if videoCodec != "" || audioCodec == "" {
			w, h := parseResolution(v.Resolution)
			variant.Video = &Stream{
				ID:        "video-" + strconv.Itoa(variant.ID),
				Type:      Video,
				MimeType:  "video/mp4",
				Codecs:    videoCodec,
				Bandwidth: int(v.Bandwidth),
				Width:     w,
				Height:    h,
				URI:       uri,
			}
		}
		if v.Audio != "" {
			variant.Audio = audioFor(v.Audio, audioCodec)
		} else if variant.Video == nil {
			variant.Audio = &Stream{
				ID:        "audio-" + strconv.Itoa(variant.ID),
				Type:      Audio,
				MimeType:  "audio/mp4",
				Codecs:    audioCodec,
				Bandwidth: int(v.Bandwidth),
				URI:       uri,
			}
		}
		if variant.Audio != nil {
			variant.Language = variant.Audio.Language
		}
		period.Variants = append(period.Variants, variant)
	}

	seenURI := make(map[string]bool)
	for _, alt := range subtitles {
		uri := resolve(base, alt.URI)
		if uri == "" || seenURI[uri] {
			continue
		}
		seenURI[uri] = true
		period.TextStreams = append(period.TextStreams, &Stream{
			ID:       "text-" + strconv.Itoa(len(period.TextStreams)),
			Type:     Text,
			MimeType: "text/vtt",
			Language: alt.Language,
			Label:    alt.Name,
			URI:      uri,
		})
	}

	return &Manifest{URI: base, Periods: []*Period{period}}
}

func fromMedia(base string, pl *m3u8.MediaPlaylist) *Manifest {
	var duration float64
	for _, seg := range pl.Segments {
		if seg != nil {
			duration += seg.Duration
		}
	}
	m := &Manifest{
		URI: base,
		Periods: []*Period{{
			Variants: []*Variant{{
				ID: 0,
				Video: &Stream{
					ID:       "video-0",
					Type:     Video,
					MimeType: "video/mp2t",
					URI:      base,
				},
			}},
		}},
	}
	if !pl.Live {
		m.Duration = duration
	}
	if pl.Key != nil {
		if info, ok := drmInfo(base, pl.Key); ok {
			protect(m, []DrmInfo{info})
		}
	}
	return m
}

// keySystems maps HLS KEYFORMAT values to key system names.
var keySystems = map[string]string{
	"org.w3.clearkey":                               "org.w3.clearkey",
	"urn:uuid:1077efec-c0b2-4d02-ace3-3c1e52e2fb4b": "org.w3.clearkey",
	"urn:uuid:edef8ba9-79d6-4ace-a3c8-27dcd51d21ed": "com.widevine.alpha",
	"com.apple.streamingkeydelivery":                "com.apple.fps",
	"com.microsoft.playready":                       "com.microsoft.playready",
	"urn:uuid:9a04f079-9840-4286-ab92-e65be0885f95": "com.microsoft.playready",
}

// drmInfo converts an HLS key into a DrmInfo. Keys without a KEYFORMAT
// (or with "identity") are plain AES encryption and carry no key system.
func drmInfo(base string, key *m3u8.Key) (DrmInfo, bool) {
	format := strings.ToLower(strings.TrimSpace(key.Keyformat))
	if strings.EqualFold(key.Method, "NONE") || format == "" || format == "identity" {
		return DrmInfo{}, false
	}
	info := DrmInfo{KeySystem: format}
	if ks, ok := keySystems[format]; ok {
		info.KeySystem = ks
	}

	switch uri := key.URI; {
	case uri == "":
	case strings.HasPrefix(uri, "data:"):
		if data, ok := decodeDataURI(uri); ok {
			info.InitData = []InitData{{Type: "cenc", Data: data}}
		}
	case strings.HasPrefix(uri, "skd:"):
		info.InitData = []InitData{{Type: "skd", Data: []byte(uri)}}
	default:
		info.LicenseServerURI = resolve(base, uri)
	}
	return info, true
}

func decodeDataURI(uri string) ([]byte, bool) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(uri, "data:"), ",")
	if !ok {
		return nil, false
	}
	if strings.HasSuffix(meta, ";base64") {
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, false
		}
		return data, true
	}
	data, err := url.PathUnescape(payload)
	if err != nil {
		return nil, false
	}
	return []byte(data), true
}

// sessionKeys collects the EXT-X-SESSION-KEY tags of a master playlist,
// which the m3u8 decoder does not keep.
func sessionKeys(base string, raw []byte) []DrmInfo {
	const tag = "#EXT-X-SESSION-KEY:"
	var infos []DrmInfo
	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, tag) {
			continue
		}
		attrs := parseAttributes(line[len(tag):])
		key := &m3u8.Key{
			Method:            attrs["METHOD"],
			URI:               attrs["URI"],
			IV:                attrs["IV"],
			Keyformat:         attrs["KEYFORMAT"],
			Keyformatversions: attrs["KEYFORMATVERSIONS"],
		}
		if info, ok := drmInfo(base, key); ok {
			infos = append(infos, info)
		}
	}
	return infos
}

// parseAttributes splits an HLS attribute list. Quoted values may contain
// commas.
func parseAttributes(s string) map[string]string {
	attrs := make(map[string]string)
	for s != "" {
		name, rest, ok := strings.Cut(s, "=")
		if !ok {
			break
		}
		var value string
		if strings.HasPrefix(rest, `"`) {
			end := strings.IndexByte(rest[1:], '"')
			if end < 0 {
				value, rest = rest[1:], ""
			} else {
				value, rest = rest[1:end+1], rest[end+2:]
			}
		} else {
			value, rest, _ = strings.Cut(rest, ",")
			value = strings.TrimSpace(value)
		}
		attrs[strings.ToUpper(strings.TrimSpace(name))] = value
		s = strings.TrimPrefix(strings.TrimSpace(rest), ",")
	}
	return attrs
}

// protect attaches infos to every audio and video stream of m.
func protect(m *Manifest, infos []DrmInfo) {
	if len(infos) == 0 {
		return
	}
	seen := make(map[*Stream]bool)
	for _, p := range m.Periods {
		for _, v := range p.Variants {
			for _, s := range []*Stream{v.Video, v.Audio} {
				if s == nil || seen[s] {
					continue
				}
				seen[s] = true
				s.DrmInfos = append(s.DrmInfos, infos...)
			}
		}
	}
}

// splitCodecs separates an RFC 6381 codecs list into its video and audio parts.
func splitCodecs(codecs string) (video, audio string) {
	var vs, as []string
	for _, c := range strings.Split(codecs, ",") {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		switch strings.SplitN(c, ".", 2)[0] {
		case "mp4a", "ac-3", "ec-3", "opus", "flac":
			as = append(as, c)
		default:
			vs = append(vs, c)
		}
	}
	return strings.Join(vs, ","), strings.Join(as, ",")
}

func parseResolution(res string) (int, int) {
	w, h, ok := strings.Cut(strings.ToLower(res), "x")
	if !ok {
		return 0, 0
	}
	width, err1 := strconv.Atoi(w)
	height, err2 := strconv.Atoi(h)
	if err1 != nil || err2 != nil {
		return 0, 0
	}
	return width, height
}

func resolve(base, ref string) string {
	if ref == "" {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
