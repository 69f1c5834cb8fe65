package streaming_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"adaptive-playback/internal/manifest"
	"adaptive-playback/internal/manifest/manifesttest"
	"adaptive-playback/internal/streaming"
	"adaptive-playback/internal/streaming/streamingtest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig() streaming.Config {
	return streaming.Config{
		RebufferingGoal:  2,
		BufferingGoal:    4,
		RetryMaxAttempts: 2,
		RetryBaseDelay:   time.Millisecond,
		UpdateInterval:   time.Hour,
	}
}

func firstVariant(p *manifest.Period) map[manifest.MediaType]*manifest.Stream {
	v := p.Variants[0]
	return map[manifest.MediaType]*manifest.Stream{
		manifest.Audio: v.Audio,
		manifest.Video: v.Video,
	}
}

type fixture struct {
	engine    *streaming.Engine
	pipeline  *streamingtest.Pipeline
	playhead  *streamingtest.Playhead
	downloads atomic.Int64
	errs      chan error
}

func newFixture(t *testing.T, cfg streaming.Config) *fixture {
	t.Helper()
	f := &fixture{
		pipeline: streamingtest.NewPipeline(1),
		playhead: streamingtest.NewPlayhead(0),
		errs:     make(chan error, 8),
	}
	f.engine = streaming.NewEngine(streaming.Options{
		Pipeline: f.pipeline,
		Playhead: f.playhead,
		Callbacks: streaming.Callbacks{
			ChooseStreams:       firstVariant,
			OnSegmentDownloaded: func(int64, time.Duration) { f.downloads.Add(1) },
			OnError: func(err error) {
				select {
				case f.errs <- err:
				default:
				}
			},
		},
	})
	require.NoError(t, f.engine.Configure(cfg))
	t.Cleanup(func() {
		f.pipeline.Release()
		_ = f.engine.Destroy(context.Background())
	})
	return f
}

func fetchesOf(p *streamingtest.Pipeline, streamID string) []float64 {
	var at []float64
	for _, f := range p.Fetches() {
		if f.StreamID == streamID {
			at = append(at, f.At)
		}
	}
	return at
}

func TestEngine_Init(t *testing.T) {
	t.Run("buffers_to_rebuffering_goal", func(t *testing.T) {
		f := newFixture(t, testConfig())
		m := manifesttest.Ladder(1e6, 2e6)

		require.NoError(t, f.engine.Init(context.Background(), m))

		assert.Equal(t, streaming.Playing, f.engine.State())
		assert.Same(t, m.Periods[0], f.engine.CurrentPeriod())

		active := f.engine.ActiveStreams()
		assert.Equal(t, "v1", active[manifest.Video].ID)
		assert.Equal(t, "a1", active[manifest.Audio].ID)

		assert.Equal(t, []float64{0, 1}, fetchesOf(f.pipeline, "v1"))
		assert.Equal(t, []float64{0, 1}, fetchesOf(f.pipeline, "a1"))
		r, ok := f.pipeline.BufferedRange(manifest.Video)
		require.True(t, ok)
		assert.Equal(t, streaming.Range{Start: 0, End: 2}, r)
		assert.EqualValues(t, 4, f.downloads.Load())
	})

	t.Run("rejects_missing_periods", func(t *testing.T) {
		f := newFixture(t, testConfig())
		assert.ErrorIs(t, f.engine.Init(context.Background(), nil), manifest.ErrNoPeriods)
		assert.ErrorIs(t, f.engine.Init(context.Background(), &manifest.Manifest{}), manifest.ErrNoPeriods)
	})

	t.Run("nothing_chosen", func(t *testing.T) {
		e := streaming.NewEngine(streaming.Options{
			Pipeline: streamingtest.NewPipeline(1),
			Playhead: streamingtest.NewPlayhead(0),
		})
		t.Cleanup(func() { _ = e.Destroy(context.Background()) })

		assert.ErrorIs(t, e.Init(context.Background(), manifesttest.Ladder(1e6)), streaming.ErrNoStreams)
		assert.Equal(t, streaming.Uninitialized, e.State())
	})

	t.Run("seek_during_initial_buffering", func(t *testing.T) {
		f := newFixture(t, testConfig())
		started := f.pipeline.Block()

		done := make(chan error, 1)
		go func() { done <- f.engine.Init(context.Background(), manifesttest.Ladder(1e6)) }()
		<-started
		<-started

		f.playhead.Seek(30)
		f.engine.Seeked()
		f.pipeline.Release()

		require.NoError(t, <-done)
		assert.Equal(t, streaming.Playing, f.engine.State())
		r, ok := f.pipeline.BufferedRange(manifest.Video)
		require.True(t, ok)
		assert.Equal(t, streaming.Range{Start: 30, End: 32}, r)
		assert.Empty(t, f.errs)
	})

	t.Run("second_init_fails", func(t *testing.T) {
		f := newFixture(t, testConfig())
		m := manifesttest.Ladder(1e6)
		require.NoError(t, f.engine.Init(context.Background(), m))
		assert.ErrorIs(t, f.engine.Init(context.Background(), m), streaming.ErrAlreadyInitialized)
	})

	t.Run("stops_at_end_of_stream", func(t *testing.T) {
		f := newFixture(t, testConfig())
		f.pipeline.Duration = 3
		f.playhead.Seek(2.5)

		require.NoError(t, f.engine.Init(context.Background(), manifesttest.Ladder(1e6)))
		assert.Equal(t, []float64{2.5, 3}, fetchesOf(f.pipeline, "v1"))
	})

	t.Run("starts_in_period_of_playhead", func(t *testing.T) {
		f := newFixture(t, testConfig())
		m := twoPeriods()
		f.playhead.Seek(15)

		require.NoError(t, f.engine.Init(context.Background(), m))
		assert.Same(t, m.Periods[1], f.engine.CurrentPeriod())
		assert.Equal(t, "p1v1", f.engine.ActiveStreams()[manifest.Video].ID)
	})
}

func TestEngine_Configure(t *testing.T) {
	e := streaming.NewEngine(streaming.Options{
		Pipeline: streamingtest.NewPipeline(1),
		Playhead: streamingtest.NewPlayhead(0),
	})

	tests := []struct {
		name   string
		mutate func(*streaming.Config)
	}{
		{"negative_rebuffering_goal", func(c *streaming.Config) { c.RebufferingGoal = -1 }},
		{"zero_buffering_goal", func(c *streaming.Config) { c.BufferingGoal = 0 }},
		{"buffering_below_rebuffering", func(c *streaming.Config) { c.BufferingGoal = 1; c.RebufferingGoal = 2 }},
		{"zero_attempts", func(c *streaming.Config) { c.RetryMaxAttempts = 0 }},
		{"zero_retry_delay", func(c *streaming.Config) { c.RetryBaseDelay = 0 }},
		{"zero_update_interval", func(c *streaming.Config) { c.UpdateInterval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, e.Configure(cfg), streaming.ErrInvalidConfig)
		})
	}

	require.NoError(t, e.Configure(testConfig()))
	require.NoError(t, e.Destroy(context.Background()))
}

func TestEngine_Switch(t *testing.T) {
	t.Run("before_init", func(t *testing.T) {
		f := newFixture(t, testConfig())
		err := f.engine.Switch(context.Background(), manifest.Video, manifesttest.VideoStream("v9", 1e6), false)
		assert.ErrorIs(t, err, streaming.ErrNotInitialized)
	})

	t.Run("replaces_only_that_type", func(t *testing.T) {
		f := newFixture(t, testConfig())
		m := manifesttest.Ladder(1e6, 2e6)
		require.NoError(t, f.engine.Init(context.Background(), m))
		before := f.engine.ActiveStreams()

		v2 := m.Periods[0].Variants[1].Video
		require.NoError(t, f.engine.Switch(context.Background(), manifest.Video, v2, false))

		after := f.engine.ActiveStreams()
		assert.Same(t, v2, after[manifest.Video])
		assert.Same(t, before[manifest.Audio], after[manifest.Audio])
		assert.Equal(t, "v1", before[manifest.Video].ID, "earlier snapshot is unchanged")
		assert.Empty(t, f.pipeline.Clears())
	})

	t.Run("clear_buffer_refetches", func(t *testing.T) {
		f := newFixture(t, testConfig())
		m := manifesttest.Ladder(1e6, 2e6)
		require.NoError(t, f.engine.Init(context.Background(), m))

		v2 := m.Periods[0].Variants[1].Video
		require.NoError(t, f.engine.Switch(context.Background(), manifest.Video, v2, true))

		assert.Equal(t, []manifest.MediaType{manifest.Video}, f.pipeline.Clears())
		assert.Equal(t, []float64{0, 1}, fetchesOf(f.pipeline, "v2"))
		assert.Len(t, fetchesOf(f.pipeline, "a1"), 2, "audio untouched")
	})

	t.Run("same_stream_is_noop", func(t *testing.T) {
		f := newFixture(t, testConfig())
		m := manifesttest.Ladder(1e6)
		require.NoError(t, f.engine.Init(context.Background(), m))
		n := len(f.pipeline.Fetches())

		require.NoError(t, f.engine.Switch(context.Background(), manifest.Video, m.Periods[0].Variants[0].Video, true))
		assert.Len(t, f.pipeline.Fetches(), n)
		assert.Empty(t, f.pipeline.Clears())
	})

	t.Run("nil_stream", func(t *testing.T) {
		f := newFixture(t, testConfig())
		require.NoError(t, f.engine.Init(context.Background(), manifesttest.Ladder(1e6)))
		assert.Error(t, f.engine.Switch(context.Background(), manifest.Video, nil, false))
	})

	t.Run("later_switch_wins", func(t *testing.T) {
		f := newFixture(t, testConfig())
		m := manifesttest.Ladder(1e6, 2e6, 4e6)
		require.NoError(t, f.engine.Init(context.Background(), m))
		v2 := m.Periods[0].Variants[1].Video
		v3 := m.Periods[0].Variants[2].Video

		started := f.pipeline.Block()
		first := make(chan error, 1)
		go func() { first <- f.engine.Switch(context.Background(), manifest.Video, v2, true) }()
		assert.Equal(t, "v2", (<-started).StreamID)

		second := make(chan error, 1)
		go func() { second <- f.engine.Switch(context.Background(), manifest.Video, v3, true) }()

		err := <-first
		assert.ErrorIs(t, err, streaming.ErrCanceled)
		assert.ErrorIs(t, err, context.Canceled)

		assert.Equal(t, "v3", (<-started).StreamID)
		f.pipeline.Release()
		require.NoError(t, <-second)

		assert.Same(t, v3, f.engine.ActiveStreams()[manifest.Video])
		r, ok := f.pipeline.BufferedRange(manifest.Video)
		require.True(t, ok)
		assert.Equal(t, 2.0, r.End)
	})

	t.Run("caller_context_canceled", func(t *testing.T) {
		f := newFixture(t, testConfig())
		m := manifesttest.Ladder(1e6, 2e6)
		require.NoError(t, f.engine.Init(context.Background(), m))

		started := f.pipeline.Block()
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- f.engine.Switch(ctx, manifest.Video, m.Periods[0].Variants[1].Video, true) }()
		<-started
		cancel()

		assert.ErrorIs(t, <-done, streaming.ErrCanceled)
		assert.Equal(t, streaming.Playing, f.engine.State())
	})
}

// pausingPipeline holds the next BufferedRange call for one media type
// until the test resumes it.
type pausingPipeline struct {
	*streamingtest.Pipeline

	mu      sync.Mutex
	pauseOn manifest.MediaType
	paused  chan struct{}
	resume  chan struct{}
}

func (p *pausingPipeline) pauseNext(t manifest.MediaType) (paused <-chan struct{}, resume chan<- struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pauseOn = t
	p.paused = make(chan struct{})
	p.resume = make(chan struct{})
	return p.paused, p.resume
}

func (p *pausingPipeline) BufferedRange(t manifest.MediaType) (streaming.Range, bool) {
	p.mu.Lock()
	hit := p.paused != nil && t == p.pauseOn
	paused, resume := p.paused, p.resume
	if hit {
		p.paused = nil
	}
	p.mu.Unlock()

	if hit {
		close(paused)
		<-resume
	}
	return p.Pipeline.BufferedRange(t)
}

func TestEngine_stale_seek_does_not_undo_switch(t *testing.T) {
	pipeline := &pausingPipeline{Pipeline: streamingtest.NewPipeline(1)}
	playhead := streamingtest.NewPlayhead(0)
	e := streaming.NewEngine(streaming.Options{
		Pipeline:  pipeline,
		Playhead:  playhead,
		Callbacks: streaming.Callbacks{ChooseStreams: firstVariant},
	})
	require.NoError(t, e.Configure(testConfig()))
	t.Cleanup(func() {
		pipeline.Release()
		_ = e.Destroy(context.Background())
	})

	m := manifesttest.Ladder(1e6, 2e6)
	require.NoError(t, e.Init(context.Background(), m))
	v2 := m.Periods[0].Variants[1].Video

	started := pipeline.Block()
	playhead.Seek(50)
	paused, resume := pipeline.pauseNext(manifest.Video)

	seeked := make(chan struct{})
	go func() {
		defer close(seeked)
		e.Seeked()
	}()
	<-paused

	switched := make(chan error, 1)
	go func() { switched <- e.Switch(context.Background(), manifest.Video, v2, false) }()
	for call := range started {
		if call.StreamID == "v2" {
			break
		}
	}

	close(resume)
	<-seeked
	pipeline.Release()

	require.NoError(t, <-switched)
	assert.Same(t, v2, e.ActiveStreams()[manifest.Video])
	assert.NotContains(t, fetchesOf(pipeline.Pipeline, "v1"), 50.0, "the replaced stream is not buffered again")
}

func TestEngine_fetch_retries(t *testing.T) {
	t.Run("transient_failure", func(t *testing.T) {
		f := newFixture(t, testConfig())
		f.pipeline.FailNext("v1", 1)

		require.NoError(t, f.engine.Init(context.Background(), manifesttest.Ladder(1e6)))
		assert.Equal(t, []float64{0, 0, 1}, fetchesOf(f.pipeline, "v1"))
	})

	t.Run("exhausted", func(t *testing.T) {
		f := newFixture(t, testConfig())
		f.pipeline.FailNext("v1", 2)

		m := manifesttest.Ladder(1e6)
		err := f.engine.Init(context.Background(), m)
		assert.ErrorIs(t, err, streaming.ErrBufferingFailed)
		assert.ErrorIs(t, err, streamingtest.ErrFetch)
		assert.Len(t, fetchesOf(f.pipeline, "v1"), 2)

		assert.Equal(t, streaming.Uninitialized, f.engine.State())
		assert.Empty(t, f.engine.ActiveStreams())
		assert.Nil(t, f.engine.CurrentPeriod())

		require.NoError(t, f.engine.Init(context.Background(), m), "a failed init can be retried")
		assert.Equal(t, streaming.Playing, f.engine.State())
		assert.Equal(t, "v1", f.engine.ActiveStreams()[manifest.Video].ID)
	})

	t.Run("background_failure_reported", func(t *testing.T) {
		f := newFixture(t, testConfig())
		require.NoError(t, f.engine.Init(context.Background(), manifesttest.Ladder(1e6)))

		f.pipeline.FailNext("v1", 5)
		f.playhead.Seek(50)
		f.engine.Seeked()

		select {
		case err := <-f.errs:
			assert.ErrorIs(t, err, streaming.ErrBufferingFailed)
		case <-time.After(5 * time.Second):
			t.Fatal("no error reported")
		}
	})
}

func TestEngine_Seeked(t *testing.T) {
	t.Run("inside_buffer", func(t *testing.T) {
		f := newFixture(t, testConfig())
		require.NoError(t, f.engine.Init(context.Background(), manifesttest.Ladder(1e6)))
		n := len(f.pipeline.Fetches())

		f.playhead.Seek(1.5)
		f.engine.Seeked()
		assert.Len(t, f.pipeline.Fetches(), n)
	})

	t.Run("outside_buffer", func(t *testing.T) {
		f := newFixture(t, testConfig())
		require.NoError(t, f.engine.Init(context.Background(), manifesttest.Ladder(1e6)))

		f.playhead.Seek(30)
		f.engine.Seeked()

		assert.Eventually(t, func() bool {
			r, ok := f.pipeline.BufferedRange(manifest.Video)
			return ok && r.Start == 30 && r.End == 32
		}, 5*time.Second, 5*time.Millisecond)
		assert.Eventually(t, func() bool {
			r, ok := f.pipeline.BufferedRange(manifest.Audio)
			return ok && r.Start == 30 && r.End == 32
		}, 5*time.Second, 5*time.Millisecond)
	})

	t.Run("before_init_is_ignored", func(t *testing.T) {
		f := newFixture(t, testConfig())
		f.engine.Seeked()
		assert.Empty(t, f.pipeline.Fetches())
	})
}

func twoPeriods() *manifest.Manifest {
	p0 := manifesttest.Ladder(1e6).Periods[0]
	p1 := manifesttest.Ladder(1e6).Periods[0]
	p1.StartTime = 10
	p1.Variants[0].Video.ID = "p1v1"
	p1.Variants[0].Audio.ID = "p1a1"
	return &manifest.Manifest{URI: "test://periods", Duration: 20, Periods: []*manifest.Period{p0, p1}}
}

func TestEngine_period_transition(t *testing.T) {
	f := newFixture(t, testConfig())
	m := twoPeriods()
	f.playhead.Seek(9)

	require.NoError(t, f.engine.Init(context.Background(), m))
	assert.Equal(t, []float64{9}, fetchesOf(f.pipeline, "v1"), "buffering stops at the period boundary")

	f.playhead.Seek(12)
	f.engine.Seeked()

	assert.Same(t, m.Periods[1], f.engine.CurrentPeriod())
	active := f.engine.ActiveStreams()
	assert.Equal(t, "p1v1", active[manifest.Video].ID)
	assert.Equal(t, "p1a1", active[manifest.Audio].ID)
	assert.Eventually(t, func() bool {
		r, ok := f.pipeline.BufferedRange(manifest.Video)
		return ok && r.Contains(12) && r.End >= 14
	}, 5*time.Second, 5*time.Millisecond)
}

func TestEngine_update_loop_reaches_buffering_goal(t *testing.T) {
	cfg := testConfig()
	cfg.UpdateInterval = 5 * time.Millisecond
	f := newFixture(t, cfg)

	require.NoError(t, f.engine.Init(context.Background(), manifesttest.Ladder(1e6)))

	assert.Eventually(t, func() bool {
		r, ok := f.pipeline.BufferedRange(manifest.Video)
		return ok && r.End >= 4
	}, 5*time.Second, 5*time.Millisecond)
}

func TestEngine_NotifyNewTextStream(t *testing.T) {
	f := newFixture(t, testConfig())
	text := manifesttest.TextStream("t1", "fr")

	assert.ErrorIs(t, f.engine.NotifyNewTextStream(context.Background(), text), streaming.ErrNotInitialized)

	require.NoError(t, f.engine.Init(context.Background(), manifesttest.Ladder(1e6)))
	require.NoError(t, f.engine.NotifyNewTextStream(context.Background(), text))
	require.NoError(t, f.engine.NotifyNewTextStream(context.Background(), text))

	assert.Equal(t, []*manifest.Stream{text}, f.engine.TextStreams())
	assert.NotContains(t, f.engine.ActiveStreams(), manifest.Text, "announced streams are not switched to")
}

func TestEngine_Destroy(t *testing.T) {
	t.Run("cancels_init", func(t *testing.T) {
		f := newFixture(t, testConfig())
		started := f.pipeline.Block()

		done := make(chan error, 1)
		go func() { done <- f.engine.Init(context.Background(), manifesttest.Ladder(1e6)) }()
		<-started

		require.NoError(t, f.engine.Destroy(context.Background()))
		err := <-done
		assert.ErrorIs(t, err, streaming.ErrCanceled)
		assert.True(t, errors.Is(err, context.Canceled))
		assert.Zero(t, f.downloads.Load())
		assert.Equal(t, streaming.Destroyed, f.engine.State())
	})

	t.Run("idempotent_and_final", func(t *testing.T) {
		f := newFixture(t, testConfig())
		m := manifesttest.Ladder(1e6, 2e6)
		require.NoError(t, f.engine.Init(context.Background(), m))

		require.NoError(t, f.engine.Destroy(context.Background()))
		require.NoError(t, f.engine.Destroy(context.Background()))

		assert.ErrorIs(t, f.engine.Init(context.Background(), m), streaming.ErrDestroyed)
		assert.ErrorIs(t, f.engine.Switch(context.Background(), manifest.Video, m.Periods[0].Variants[1].Video, true), streaming.ErrDestroyed)
		assert.ErrorIs(t, f.engine.NotifyNewTextStream(context.Background(), manifesttest.TextStream("t1", "en")), streaming.ErrDestroyed)

		n := len(f.pipeline.Fetches())
		f.playhead.Seek(40)
		f.engine.Seeked()
		assert.Len(t, f.pipeline.Fetches(), n)
	})

	t.Run("no_callbacks_after_destroy", func(t *testing.T) {
		f := newFixture(t, testConfig())
		require.NoError(t, f.engine.Init(context.Background(), manifesttest.Ladder(1e6)))
		before := f.downloads.Load()

		started := f.pipeline.Block()
		f.playhead.Seek(60)
		f.engine.Seeked()
		<-started

		require.NoError(t, f.engine.Destroy(context.Background()))
		f.pipeline.Release()

		assert.Equal(t, before, f.downloads.Load())
		assert.Empty(t, f.errs)
	})
}
