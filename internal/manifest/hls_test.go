package manifest_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"adaptive-playback/internal/manifest"
	"adaptive-playback/internal/manifest/manifesttest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMaster() string {
	return manifesttest.MasterPlaylist(
		[]manifesttest.Media{
			{Type: "AUDIO", GroupID: "aac", Name: "English", Language: "en", URI: "audio/en.m3u8", Default: true},
			{Type: "AUDIO", GroupID: "aac", Name: "French", Language: "fr", URI: "audio/fr.m3u8"},
			{Type: "SUBTITLES", GroupID: "subs", Name: "English", Language: "en", URI: "subs/en.m3u8"},
		},
		[]manifesttest.Rendition{
			{URI: "low/index.m3u8", Bandwidth: 800000, Codecs: "avc1.4d401e,mp4a.40.2", Resolution: "640x360", AudioGroup: "aac"},
			{URI: "high/index.m3u8", Bandwidth: 2500000, Codecs: "avc1.4d401f,mp4a.40.2", Resolution: "1280x720", AudioGroup: "aac"},
		},
	)
}

func TestParseHLS_master(t *testing.T) {
	m, err := manifest.ParseHLS("https://cdn.example.com/show/master.m3u8", strings.NewReader(testMaster()))
	require.NoError(t, err)
	require.Len(t, m.Periods, 1)

	p := m.Periods[0]
	require.Len(t, p.Variants, 2)

	low, high := p.Variants[0], p.Variants[1]
	assert.Equal(t, 0, low.ID)
	assert.Equal(t, 800000, low.Bandwidth)
	assert.Equal(t, 2500000, high.Bandwidth)

	require.NotNil(t, low.Video)
	assert.Equal(t, "avc1.4d401e", low.Video.Codecs)
	assert.Equal(t, 640, low.Video.Width)
	assert.Equal(t, 360, low.Video.Height)
	assert.Equal(t, "https://cdn.example.com/show/low/index.m3u8", low.Video.URI)

	require.NotNil(t, low.Audio)
	assert.Same(t, low.Audio, high.Audio, "variants in one audio group share the stream")
	assert.Equal(t, "en", low.Audio.Language)
	assert.Equal(t, "mp4a.40.2", low.Audio.Codecs)
	assert.Equal(t, "https://cdn.example.com/show/audio/en.m3u8", low.Audio.URI)

	require.Len(t, p.TextStreams, 1)
	assert.Equal(t, manifest.Text, p.TextStreams[0].Type)
	assert.Equal(t, "https://cdn.example.com/show/subs/en.m3u8", p.TextStreams[0].URI)
}

func TestParseHLS_audio_only_variant(t *testing.T) {
	pl := manifesttest.MasterPlaylist(nil, []manifesttest.Rendition{
		{URI: "radio.m3u8", Bandwidth: 64000, Codecs: "mp4a.40.2"},
	})
	m, err := manifest.ParseHLS("/srv/radio/master.m3u8", strings.NewReader(pl))
	require.NoError(t, err)

	v := m.Periods[0].Variants[0]
	assert.Nil(t, v.Video)
	require.NotNil(t, v.Audio)
	assert.Equal(t, "/srv/radio/radio.m3u8", v.Audio.URI)
}

func TestParseHLS_media_playlist(t *testing.T) {
	const header = "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:2\n#EXT-X-MEDIA-SEQUENCE:0\n" +
		"#EXTINF:2.0,\n0.ts\n#EXTINF:2.0,\n1.ts\n"

	t.Run("vod", func(t *testing.T) {
		m, err := manifest.ParseHLS("https://cdn.example.com/vod.m3u8", strings.NewReader(header+"#EXT-X-ENDLIST\n"))
		require.NoError(t, err)
		require.Len(t, m.Periods[0].Variants, 1)
		assert.InDelta(t, 4.0, m.Duration, 0.001)
		assert.False(t, m.Periods[0].Variants[0].Video.Encrypted())
	})

	t.Run("live_has_no_duration", func(t *testing.T) {
		m, err := manifest.ParseHLS("https://cdn.example.com/live.m3u8", strings.NewReader(header))
		require.NoError(t, err)
		assert.Zero(t, m.Duration)
	})
}

func TestParseHLS_session_keys(t *testing.T) {
	keys := "#EXTM3U\n" +
		`#EXT-X-SESSION-KEY:METHOD=SAMPLE-AES,URI="https://lic.example.com/wv",KEYFORMAT="urn:uuid:edef8ba9-79d6-4ace-a3c8-27dcd51d21ed",KEYFORMATVERSIONS="1"` + "\n" +
		`#EXT-X-SESSION-KEY:METHOD=SAMPLE-AES-CTR,URI="data:text/plain;base64,AAECAw==",KEYFORMAT="org.w3.clearkey"` + "\n" +
		`#EXT-X-SESSION-KEY:METHOD=AES-128,URI="keys/k1.bin"` + "\n"
	pl := strings.Replace(testMaster(), "#EXTM3U\n", keys, 1)

	m, err := manifest.ParseHLS("https://cdn.example.com/show/master.m3u8", strings.NewReader(pl))
	require.NoError(t, err)
	p := m.Periods[0]
	require.Len(t, p.Variants, 2)

	want := []manifest.DrmInfo{
		{KeySystem: "com.widevine.alpha", LicenseServerURI: "https://lic.example.com/wv"},
		{KeySystem: "org.w3.clearkey", InitData: []manifest.InitData{{Type: "cenc", Data: []byte{0, 1, 2, 3}}}},
	}
	for _, v := range p.Variants {
		assert.Equal(t, want, v.Video.DrmInfos)
	}
	assert.Equal(t, want, p.Variants[0].Audio.DrmInfos, "shared audio stream is protected once")
	assert.False(t, p.TextStreams[0].Encrypted())
}

func TestParseHLS_media_playlist_key(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want []manifest.DrmInfo
	}{
		{
			name: "fairplay",
			key:  `#EXT-X-KEY:METHOD=SAMPLE-AES,URI="skd://key-1",KEYFORMAT="com.apple.streamingkeydelivery",KEYFORMATVERSIONS="1"`,
			want: []manifest.DrmInfo{{KeySystem: "com.apple.fps", InitData: []manifest.InitData{{Type: "skd", Data: []byte("skd://key-1")}}}},
		},
		{
			name: "relative_license_server",
			key:  `#EXT-X-KEY:METHOD=SAMPLE-AES-CTR,URI="license",KEYFORMAT="org.w3.clearkey"`,
			want: []manifest.DrmInfo{{KeySystem: "org.w3.clearkey", LicenseServerURI: "https://cdn.example.com/media/license"}},
		},
		{
			name: "plain_aes",
			key:  `#EXT-X-KEY:METHOD=AES-128,URI="k.bin",IV=0x00000000000000000000000000000001`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pl := "#EXTM3U\n#EXT-X-VERSION:5\n#EXT-X-TARGETDURATION:2\n" + tt.key + "\n" +
				"#EXTINF:2.0,\n0.ts\n#EXT-X-ENDLIST\n"
			m, err := manifest.ParseHLS("https://cdn.example.com/media/index.m3u8", strings.NewReader(pl))
			require.NoError(t, err)
			assert.InDelta(t, 2.0, m.Duration, 0.001)
			assert.Equal(t, tt.want, m.Periods[0].Variants[0].Video.DrmInfos)
		})
	}
}

func TestParseHLS_garbage(t *testing.T) {
	_, err := manifest.ParseHLS("x", strings.NewReader("not a playlist"))
	assert.Error(t, err)
}

func TestHLSSource_Start_caches_by_uri(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Write([]byte(testMaster()))
	}))
	defer srv.Close()

	src := manifest.NewHLSSource(srv.URL+"/master.m3u8", manifest.HLSOptions{Client: srv.Client()})

	m1, err := src.Start(context.Background())
	require.NoError(t, err)
	m2, err := src.Start(context.Background())
	require.NoError(t, err)

	assert.Same(t, m1, m2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestHLSSource_Start_no_cache(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte(testMaster()))
	}))
	defer srv.Close()

	src := manifest.NewHLSSource(srv.URL+"/master.m3u8", manifest.HLSOptions{Client: srv.Client()})
	require.NoError(t, src.Configure(manifest.SourceConfig{RequestTimeout: time.Second}))

	_, err := src.Start(context.Background())
	require.NoError(t, err)
	_, err = src.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestHLSSource_Start_http_error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	src := manifest.NewHLSSource(srv.URL+"/missing.m3u8", manifest.HLSOptions{Client: srv.Client()})
	_, err := src.Start(context.Background())
	assert.Error(t, err)
}

func TestHLSSource_Stop(t *testing.T) {
	src := manifest.NewHLSSource("/does/not/matter.m3u8", manifest.HLSOptions{})
	require.NoError(t, src.Stop(context.Background()))
	require.NoError(t, src.Stop(context.Background()), "Stop is idempotent")

	_, err := src.Start(context.Background())
	assert.ErrorIs(t, err, manifest.ErrStopped)
}

func TestHLSSource_Configure_invalid(t *testing.T) {
	src := manifest.NewHLSSource("x", manifest.HLSOptions{})
	err := src.Configure(manifest.SourceConfig{RequestTimeout: -time.Second})
	assert.ErrorIs(t, err, manifest.ErrInvalidConfig)
	err = src.Configure(manifest.SourceConfig{CacheTTL: -time.Second})
	assert.ErrorIs(t, err, manifest.ErrInvalidConfig)
}
