package drm_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"adaptive-playback/internal/drm"
	"adaptive-playback/internal/drm/drmtest"
	"adaptive-playback/internal/manifest"
	"adaptive-playback/internal/manifest/manifesttest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"pgregory.net/rapid"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func videos(m *manifest.Manifest) []*manifest.Stream {
	var out []*manifest.Stream
	for _, v := range m.Periods[0].Variants {
		out = append(out, v.Video)
	}
	return out
}

func protectedLadder(keySystems ...string) *manifest.Manifest {
	m := manifesttest.Ladder(1e6, 2e6)
	for _, ks := range keySystems {
		manifesttest.Protect(ks, videos(m)...)
	}
	return m
}

func newEngine(t *testing.T, cdm drm.CDM) *drm.Engine {
	t.Helper()
	e := drm.NewEngine(drm.Options{CDM: cdm})
	t.Cleanup(func() { _ = e.Destroy(context.Background()) })
	return e
}

func TestEngine_Configure(t *testing.T) {
	e := newEngine(t, drmtest.NewCDM())

	bad := []drm.Config{
		{Servers: map[string]string{"": "https://lic.example.com"}},
		{Servers: map[string]string{manifesttest.FakeKeySystem: "not a url"}},
		{Servers: map[string]string{manifesttest.FakeKeySystem: "/relative"}},
		{ClearKeys: map[string]string{"zz": "00112233445566778899aabbccddeeff"}},
		{ClearKeys: map[string]string{"00112233445566778899aabbccddeeff": "0011"}},
	}
	for _, cfg := range bad {
		assert.ErrorIs(t, e.Configure(cfg), drm.ErrInvalidConfig, "%+v", cfg)
	}

	require.NoError(t, e.Configure(drm.Config{
		Servers:   map[string]string{manifesttest.FakeKeySystem: "https://lic.example.com/fake"},
		ClearKeys: map[string]string{"00112233445566778899aabbccddeeff": "ffeeddccbbaa99887766554433221100"},
	}))
}

func TestEngine_protected_content(t *testing.T) {
	cdm := drmtest.NewCDM()
	e := newEngine(t, cdm)
	m := protectedLadder(manifesttest.FakeKeySystem)

	require.NoError(t, e.Init(context.Background(), m, nil))
	assert.Equal(t, manifesttest.FakeKeySystem, e.KeySystem())
	assert.Equal(t, []string{manifesttest.FakeVideoType}, e.SupportedTypes())
	assert.False(t, e.Initialized(), "not initialized before attach")
	assert.Empty(t, e.SessionIDs())

	info := e.DrmInfo()
	require.NotNil(t, info)
	assert.Equal(t, "https://license.example.com/"+manifesttest.FakeKeySystem, info.LicenseServerURI)
	assert.Len(t, info.InitData, 2)

	require.NoError(t, e.Attach(context.Background(), "sink"))
	assert.True(t, e.Initialized())
	assert.Equal(t, []string{manifesttest.FakeKeySystem}, cdm.Attached())
	assert.Equal(t, []string{"session-1", "session-2"}, e.SessionIDs())
	for _, s := range e.Sessions() {
		assert.Equal(t, drm.SessionReady, s.State)
	}

	v1 := m.Periods[0].Variants[0]
	assert.True(t, e.IsSupportedByKeySystem(v1.Video))
	assert.True(t, e.IsSupportedByKeySystem(v1.Audio), "clear streams are always supported")

	other := manifesttest.VideoStream("x", 1e6)
	manifesttest.Protect("com.other.drm", other)
	assert.False(t, e.IsSupportedByKeySystem(other))

	require.NoError(t, e.Attach(context.Background(), "sink"), "attach is idempotent once done")
	assert.Len(t, cdm.Attached(), 1)
}

func TestEngine_Init_unsupported_key_system(t *testing.T) {
	cdm := drmtest.NewCDM()
	e := newEngine(t, cdm)

	err := e.Init(context.Background(), protectedLadder("com.other.drm"), nil)
	assert.ErrorIs(t, err, drm.ErrUnsupportedKeySystem)
	assert.False(t, e.Initialized())
	assert.Empty(t, e.KeySystem())
	assert.Nil(t, e.DrmInfo())

	assert.ErrorIs(t, e.Attach(context.Background(), "sink"), drm.ErrNotInitialized)
	assert.Empty(t, cdm.Attached())
}

func TestEngine_Init_picks_first_usable_key_system(t *testing.T) {
	e := newEngine(t, drmtest.NewCDM())

	require.NoError(t, e.Init(context.Background(), protectedLadder("com.other.drm", manifesttest.FakeKeySystem), nil))
	assert.Equal(t, manifesttest.FakeKeySystem, e.KeySystem())
}

func TestEngine_Init_license_servers(t *testing.T) {
	noServer := func() *manifest.Manifest {
		m := protectedLadder(manifesttest.FakeKeySystem)
		for _, v := range videos(m) {
			v.DrmInfos[0].LicenseServerURI = ""
		}
		return m
	}

	t.Run("skipped_without_server", func(t *testing.T) {
		e := newEngine(t, drmtest.NewCDM())
		assert.ErrorIs(t, e.Init(context.Background(), noServer(), nil), drm.ErrUnsupportedKeySystem)
	})

	t.Run("configured_server_fills_in", func(t *testing.T) {
		e := newEngine(t, drmtest.NewCDM())
		require.NoError(t, e.Configure(drm.Config{
			Servers: map[string]string{manifesttest.FakeKeySystem: "https://lic.example.com/fake"},
		}))
		require.NoError(t, e.Init(context.Background(), noServer(), nil))
		assert.Equal(t, "https://lic.example.com/fake", e.DrmInfo().LicenseServerURI)
	})
}

func TestEngine_unprotected_content(t *testing.T) {
	cdm := drmtest.NewCDM()
	e := newEngine(t, cdm)
	m := manifesttest.Ladder(1e6)

	require.NoError(t, e.Init(context.Background(), m, []string{"ignored"}))
	assert.Empty(t, e.KeySystem())
	assert.Nil(t, e.DrmInfo())
	assert.Empty(t, e.SessionIDs())
	assert.True(t, e.IsSupportedByKeySystem(m.Periods[0].Variants[0].Video))

	require.NoError(t, e.Attach(context.Background(), "sink"))
	assert.True(t, e.Initialized())
	assert.Empty(t, cdm.Attached())
}

func TestEngine_offline_sessions(t *testing.T) {
	t.Run("restored_on_attach", func(t *testing.T) {
		cdm := drmtest.NewCDM()
		e := newEngine(t, cdm)
		ids := []string{"stored-1", "stored-2"}

		require.NoError(t, e.Init(context.Background(), protectedLadder(manifesttest.FakeKeySystem), ids))
		assert.Equal(t, ids, e.SessionIDs())

		require.NoError(t, e.Attach(context.Background(), "sink"))
		assert.Equal(t, ids, cdm.Loaded())
		assert.Empty(t, cdm.Created())
		for _, s := range e.Sessions() {
			assert.Equal(t, drm.SessionReady, s.State)
			assert.True(t, s.Persistent)
		}

		require.NoError(t, e.Destroy(context.Background()))
		assert.ElementsMatch(t, ids, cdm.Closed())
	})

	t.Run("restore_failure", func(t *testing.T) {
		cdm := drmtest.NewCDM()
		cdm.LoadErr = errors.New("session expired")
		e := newEngine(t, cdm)

		require.NoError(t, e.Init(context.Background(), protectedLadder(manifesttest.FakeKeySystem), []string{"stored-1"}))
		err := e.Attach(context.Background(), "sink")
		assert.ErrorIs(t, err, drm.ErrAttachFailed)
		assert.False(t, e.Initialized())
		assert.Equal(t, drm.SessionFailed, e.Sessions()[0].State)
	})

	t.Run("ids_round_trip", func(t *testing.T) {
		rapid.Check(t, func(t *rapid.T) {
			ids := rapid.SliceOfN(rapid.StringMatching(`[a-z0-9-]{1,16}`), 1, 6).Draw(t, "ids")

			e := drm.NewEngine(drm.Options{CDM: drmtest.NewCDM()})
			defer e.Destroy(context.Background())

			if err := e.Init(context.Background(), protectedLadder(manifesttest.FakeKeySystem), ids); err != nil {
				t.Fatalf("init: %v", err)
			}
			got := e.SessionIDs()
			if len(got) != len(ids) {
				t.Fatalf("got %v, want %v", got, ids)
			}
			for i := range ids {
				if got[i] != ids[i] {
					t.Fatalf("got %v, want %v", got, ids)
				}
			}
		})
	})
}

func TestEngine_Attach_failure(t *testing.T) {
	cdm := drmtest.NewCDM()
	cdm.AttachErr = errors.New("sink rejected media keys")
	e := newEngine(t, cdm)

	require.NoError(t, e.Init(context.Background(), protectedLadder(manifesttest.FakeKeySystem), nil))
	err := e.Attach(context.Background(), "sink")
	assert.ErrorIs(t, err, drm.ErrAttachFailed)
	assert.ErrorIs(t, err, cdm.AttachErr)
	assert.False(t, e.Initialized())
}

func TestEngine_Attach_failure_is_terminal(t *testing.T) {
	cdm := drmtest.NewCDM()
	cdm.CreateErr = errors.New("license request rejected")
	cdm.CreateOK = 1
	e := newEngine(t, cdm)

	require.NoError(t, e.Init(context.Background(), protectedLadder(manifesttest.FakeKeySystem), nil))
	err := e.Attach(context.Background(), "sink")
	require.ErrorIs(t, err, drm.ErrAttachFailed)
	assert.ErrorIs(t, err, cdm.CreateErr)

	assert.Equal(t, []string{"session-1"}, cdm.Closed(), "sessions opened before the failure are closed")
	require.Len(t, e.Sessions(), 1)
	assert.Equal(t, drm.SessionClosed, e.Sessions()[0].State)

	t.Run("second_attach_rejected", func(t *testing.T) {
		assert.ErrorIs(t, e.Attach(context.Background(), "sink"), drm.ErrAttachFailed)
		assert.False(t, e.Initialized())
		assert.Len(t, cdm.Attached(), 1)
		assert.Len(t, cdm.Created(), 1)
	})

	t.Run("destroy_does_not_close_again", func(t *testing.T) {
		require.NoError(t, e.Destroy(context.Background()))
		assert.Equal(t, []string{"session-1"}, cdm.Closed())
	})
}

func TestEngine_Init_twice(t *testing.T) {
	e := newEngine(t, drmtest.NewCDM())
	m := protectedLadder(manifesttest.FakeKeySystem)
	require.NoError(t, e.Init(context.Background(), m, nil))
	assert.ErrorIs(t, e.Init(context.Background(), m, nil), drm.ErrAlreadyInitialized)
}

func TestEngine_Destroy(t *testing.T) {
	t.Run("closes_sessions_once", func(t *testing.T) {
		cdm := drmtest.NewCDM()
		e := drm.NewEngine(drm.Options{CDM: cdm})
		m := protectedLadder(manifesttest.FakeKeySystem)
		require.NoError(t, e.Init(context.Background(), m, nil))
		require.NoError(t, e.Attach(context.Background(), "sink"))

		require.NoError(t, e.Destroy(context.Background()))
		require.NoError(t, e.Destroy(context.Background()))
		assert.Equal(t, []string{"session-1", "session-2"}, cdm.Closed())
		assert.Empty(t, e.SessionIDs())

		assert.ErrorIs(t, e.Init(context.Background(), m, nil), drm.ErrDestroyed)
		assert.ErrorIs(t, e.Attach(context.Background(), "sink"), drm.ErrDestroyed)
	})

	t.Run("cancels_attach", func(t *testing.T) {
		cdm := drmtest.NewCDM()
		cdm.Gate = make(chan struct{})
		cdm.Waiting = make(chan struct{}, 1)
		e := drm.NewEngine(drm.Options{CDM: cdm})
		require.NoError(t, e.Init(context.Background(), protectedLadder(manifesttest.FakeKeySystem), nil))

		done := make(chan error, 1)
		go func() { done <- e.Attach(context.Background(), "sink") }()
		<-cdm.Waiting

		require.NoError(t, e.Destroy(context.Background()))
		err := <-done
		assert.ErrorIs(t, err, drm.ErrCanceled)
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, e.Initialized())
		assert.Empty(t, cdm.Closed())
	})

	t.Run("caller_context", func(t *testing.T) {
		cdm := drmtest.NewCDM()
		cdm.Gate = make(chan struct{})
		cdm.Waiting = make(chan struct{}, 1)
		e := newEngine(t, cdm)
		require.NoError(t, e.Init(context.Background(), protectedLadder(manifesttest.FakeKeySystem), nil))

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- e.Attach(ctx, "sink") }()
		<-cdm.Waiting
		cancel()

		assert.ErrorIs(t, <-done, drm.ErrCanceled)
		assert.False(t, e.Initialized())
	})

	t.Run("closes_sessions_after_caller_deadline", func(t *testing.T) {
		cdm := drmtest.NewCDM()
		cdm.Gate = make(chan struct{})
		cdm.Waiting = make(chan struct{}, 2)
		cdm.IgnoreCancel = true
		e := drm.NewEngine(drm.Options{CDM: cdm})
		require.NoError(t, e.Init(context.Background(), protectedLadder(manifesttest.FakeKeySystem), nil))

		done := make(chan error, 1)
		go func() { done <- e.Attach(context.Background(), "sink") }()
		<-cdm.Waiting

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, e.Destroy(ctx), context.DeadlineExceeded)
		assert.Empty(t, cdm.Closed())

		close(cdm.Gate)
		assert.ErrorIs(t, <-done, drm.ErrCanceled)

		require.NoError(t, e.Destroy(context.Background()))
		assert.Equal(t, []string{"session-1"}, cdm.Closed())
		assert.Empty(t, e.SessionIDs())
	})
}
