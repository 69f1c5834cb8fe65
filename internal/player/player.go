// Package player owns a playback session: it loads a manifest, sequences
// the license session manager, the adaptation engine and the stream
// controller, and tears them down in order.
package player

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"adaptive-playback/internal/abr"
	"adaptive-playback/internal/drm"
	"adaptive-playback/internal/manifest"
	"adaptive-playback/internal/offline"
	"adaptive-playback/internal/platform/metrics"
	"adaptive-playback/internal/streaming"
)

var (
	// ErrNoPlayableVariants is returned by Load when a period has no
	// variant the selected key system can play.
	ErrNoPlayableVariants = errors.New("no playable variants")

	// ErrNotLoaded is returned by operations that need a loaded session.
	ErrNotLoaded = errors.New("player not loaded")

	// ErrAlreadyLoaded is returned by a second Load.
	ErrAlreadyLoaded = errors.New("player already loaded")

	// ErrTornDown is returned by operations called after Teardown.
	ErrTornDown = errors.New("player torn down")

	// ErrVariantNotFound is returned by SelectVariant for a bad index.
	ErrVariantNotFound = errors.New("variant not found")

	// ErrUnsupportedStream is returned for a stream that cannot be added.
	ErrUnsupportedStream = errors.New("unsupported stream")
)

// Playhead is the presentation position the player can move.
type Playhead interface {
	streaming.Playhead
	Seek(pos float64)
}

// Options holds the collaborators of a Player. Source, ABR, DRM,
// NewController and Playhead are required.
type Options struct {
	Source        manifest.Source
	ABR           abr.Manager
	DRM           drm.Manager
	NewController func(cb streaming.Callbacks) streaming.Controller
	Playhead      Playhead

	// Sessions persists key session ids between loads of the same
	// content. Optional.
	Sessions offline.Store

	// Sink is handed to DRM Attach. Defaults to the Player itself.
	Sink drm.Sink

	// OnError receives fatal errors reported after Load returned.
	OnError func(err error)

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type sessionState int

const (
	stateIdle sessionState = iota
	stateLoading
	stateLoaded
	stateFailed
	stateTornDown
)

func (s sessionState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateLoading:
		return "loading"
	case stateLoaded:
		return "loaded"
	case stateFailed:
		return "failed"
	case stateTornDown:
		return "torn_down"
	default:
		return fmt.Sprintf("sessionState(%d)", int(s))
	}
}

// Player is the session owner.
type Player struct {
	src      manifest.Source
	abr      abr.Manager
	drm      drm.Manager
	ctrl     streaming.Controller
	playhead Playhead
	sessions offline.Store
	sink     drm.Sink
	onError  func(error)
	met      *metrics.Metrics
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	state       sessionState
	manifest    *manifest.Manifest
	extraText   []*manifest.Stream
	abrEnabled  bool
	lastErr     error
	teardownErr error
}

// New returns an idle Player. It panics if a required collaborator is
// missing.
func New(opts Options) *Player {
	switch {
	case opts.Source == nil:
		panic("player: Source is required")
	case opts.ABR == nil:
		panic("player: ABR is required")
	case opts.DRM == nil:
		panic("player: DRM is required")
	case opts.NewController == nil:
		panic("player: NewController is required")
	case opts.Playhead == nil:
		panic("player: Playhead is required")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Player{
		src:      opts.Source,
		abr:      opts.ABR,
		drm:      opts.DRM,
		playhead: opts.Playhead,
		sessions: opts.Sessions,
		sink:     opts.Sink,
		onError:  opts.OnError,
		met:      opts.Metrics,
		log:      opts.Logger,
		ctx:      ctx,
		cancel:   cancel,
	}
	if p.sink == nil {
		p.sink = p
	}
	p.ctrl = opts.NewController(streaming.Callbacks{
		ChooseStreams:       p.chooseStreams,
		OnSegmentDownloaded: p.segmentDownloaded,
		OnError:             p.fatal,
	})
	return p
}

// Load starts the session: it fetches the manifest, selects and attaches
// a key system, filters out what it cannot play, buffers the initial
// streams and enables adaptation.
func (p *Player) Load(ctx context.Context) error {
	p.mu.Lock()
	switch p.state {
	case stateTornDown:
		p.mu.Unlock()
		return ErrTornDown
	case stateIdle:
	default:
		p.mu.Unlock()
		return ErrAlreadyLoaded
	}
	p.state = stateLoading
	p.mu.Unlock()

	if err := p.load(ctx); err != nil {
		p.mu.Lock()
		if p.state == stateLoading {
			p.state = stateFailed
		}
		p.lastErr = err
		p.mu.Unlock()
		if !errors.Is(err, context.Canceled) {
			p.met.IncFatalErrors()
		}
		p.log.Error("load failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}

func (p *Player) load(ctx context.Context) error {
	m, err := p.src.Start(ctx)
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}
	if len(m.Periods) == 0 {
		return manifest.ErrNoPeriods
	}

	offlineIDs := p.storedSessions(ctx, m.URI)
	if err := p.drm.Init(ctx, m, offlineIDs); err != nil {
		return fmt.Errorf("drm init: %w", err)
	}

	playable, err := p.filter(m)
	if err != nil {
		return err
	}

	if err := p.drm.Attach(ctx, p.sink); err != nil {
		return fmt.Errorf("drm attach: %w", err)
	}
	p.met.SetKeySessions(len(p.drm.SessionIDs()))

	p.mu.Lock()
	p.manifest = playable
	p.mu.Unlock()

	first := playable.Periods[playable.PeriodAt(p.playhead.Position())]
	p.abr.Init(p.abrSwitch)
	p.abr.SetVariants(first.Variants)
	p.abr.SetTextStreams(first.TextStreams)

	if err := p.ctrl.Init(ctx, playable); err != nil {
		return fmt.Errorf("streaming init: %w", err)
	}

	p.mu.Lock()
	if p.state != stateLoading {
		p.mu.Unlock()
		return ErrTornDown
	}
	p.state = stateLoaded
	p.abrEnabled = true
	p.mu.Unlock()
	p.abr.Enable()

	p.persistSessions(ctx, m.URI)

	p.log.Info("playback loaded",
		slog.String("manifest", m.URI),
		slog.Int("periods", len(playable.Periods)),
		slog.String("key_system", p.drm.KeySystem()))
	return nil
}

func (p *Player) storedSessions(ctx context.Context, uri string) []string {
	if p.sessions == nil {
		return nil
	}
	rec, err := p.sessions.Load(ctx, uri)
	if err != nil {
		if !errors.Is(err, offline.ErrNotFound) {
			p.log.Warn("loading stored sessions failed", slog.String("manifest", uri), slog.String("error", err.Error()))
		}
		return nil
	}
	p.log.Info("restoring stored sessions",
		slog.String("manifest", uri),
		slog.String("key_system", rec.KeySystem),
		slog.Int("sessions", len(rec.SessionIDs)))
	return rec.SessionIDs
}

func (p *Player) persistSessions(ctx context.Context, uri string) {
	ks := p.drm.KeySystem()
	if p.sessions == nil || ks == "" {
		return
	}
	if err := p.sessions.Save(ctx, uri, ks, p.drm.SessionIDs()); err != nil {
		p.log.Warn("persisting sessions failed", slog.String("manifest", uri), slog.String("error", err.Error()))
	}
}

// filter returns a copy of m keeping only streams the key system can
// play. Every period must keep at least one variant.
func (p *Player) filter(m *manifest.Manifest) (*manifest.Manifest, error) {
	out := &manifest.Manifest{URI: m.URI, Duration: m.Duration}
	for i, period := range m.Periods {
		kept := &manifest.Period{StartTime: period.StartTime}
		for _, v := range period.Variants {
			if p.playable(v.Streams()...) {
				kept.Variants = append(kept.Variants, v)
			}
		}
		for _, s := range period.TextStreams {
			if p.playable(s) {
				kept.TextStreams = append(kept.TextStreams, s)
			}
		}
		if len(kept.Variants) == 0 {
			return nil, fmt.Errorf("%w: period %d (start %.3fs) has %d variants, none supported by key system %q",
				ErrNoPlayableVariants, i, period.StartTime, len(period.Variants), p.drm.KeySystem())
		}
		if dropped := len(period.Variants) - len(kept.Variants); dropped > 0 {
			p.log.Info("variants filtered", slog.Int("period", i), slog.Int("dropped", dropped))
		}
		out.Periods = append(out.Periods, kept)
	}
	return out, nil
}

func (p *Player) playable(streams ...*manifest.Stream) bool {
	for _, s := range streams {
		if s.Encrypted() && !p.drm.IsSupportedByKeySystem(s) {
			return false
		}
	}
	return true
}

// chooseStreams feeds a new period's candidates to the adaptation engine
// and returns its choice.
func (p *Player) chooseStreams(period *manifest.Period) map[manifest.MediaType]*manifest.Stream {
	p.mu.Lock()
	texts := append(append([]*manifest.Stream(nil), period.TextStreams...), p.extraText...)
	p.mu.Unlock()

	p.abr.SetVariants(period.Variants)
	p.abr.SetTextStreams(texts)
	return p.abr.ChooseStreams(manifest.AllTypes...)
}

func (p *Player) segmentDownloaded(size int64, took time.Duration) {
	p.abr.SegmentDownloaded(size, took)
	p.met.AddSegmentDownloaded(size)
	p.met.SetBandwidthEstimate(p.abr.BandwidthEstimate())
}

// fatal records an error that stops playback from progressing.
func (p *Player) fatal(err error) {
	if err == nil || errors.Is(err, streaming.ErrCanceled) {
		return
	}
	p.mu.Lock()
	if p.state == stateTornDown {
		p.mu.Unlock()
		return
	}
	p.lastErr = err
	p.mu.Unlock()

	p.met.IncFatalErrors()
	p.log.Error("playback error", slog.String("error", err.Error()))
	if p.onError != nil {
		p.onError(err)
	}
}

// abrSwitch applies an automatic reselection. It is called from inside
// the stream controller's buffering, so the switch runs on its own
// goroutine.
func (p *Player) abrSwitch(chosen map[manifest.MediaType]*manifest.Stream) {
	p.mu.Lock()
	if p.state != stateLoaded || !p.abrEnabled {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		for _, t := range manifest.AllTypes {
			s, ok := chosen[t]
			if !ok {
				continue
			}
			if err := p.switchTo(p.ctx, t, s, false); err != nil {
				p.fatal(err)
			}
		}
	}()
}

// switchTo switches t to s unless it is already active.
func (p *Player) switchTo(ctx context.Context, t manifest.MediaType, s *manifest.Stream, clearBuffer bool) error {
	if p.ctrl.ActiveStreams()[t] == s {
		return nil
	}
	if !p.playable(s) {
		return fmt.Errorf("%w: %s stream %s is not supported by key system %q", ErrUnsupportedStream, t, s.ID, p.drm.KeySystem())
	}
	err := p.ctrl.Switch(ctx, t, s, clearBuffer)
	switch {
	case errors.Is(err, streaming.ErrCanceled), errors.Is(err, streaming.ErrDestroyed):
		return nil
	case err != nil:
		return fmt.Errorf("switch %s to %s: %w", t, s.ID, err)
	}
	p.met.IncStreamSwitches(string(t))
	return nil
}

func (p *Player) loaded() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case stateLoaded:
		return nil
	case stateTornDown:
		return ErrTornDown
	default:
		return ErrNotLoaded
	}
}

// Seek moves the playhead to pos and lets the stream controller react.
func (p *Player) Seek(pos float64) error {
	if err := p.loaded(); err != nil {
		return err
	}
	if pos < 0 {
		return fmt.Errorf("seek to negative position %v", pos)
	}
	p.playhead.Seek(pos)
	p.ctrl.Seeked()
	return nil
}

// Seeked tells the stream controller the playhead was moved elsewhere.
func (p *Player) Seeked() {
	if p.loaded() == nil {
		p.ctrl.Seeked()
	}
}

// SelectVariant switches to variant index of the current period and
// disables adaptation so the choice sticks.
func (p *Player) SelectVariant(ctx context.Context, index int) error {
	if err := p.loaded(); err != nil {
		return err
	}
	period := p.ctrl.CurrentPeriod()
	if period == nil || index < 0 || index >= len(period.Variants) {
		return fmt.Errorf("%w: index %d", ErrVariantNotFound, index)
	}
	v := period.Variants[index]

	p.mu.Lock()
	p.abrEnabled = false
	p.mu.Unlock()
	p.abr.Disable()

	p.log.Info("variant selected", slog.Int("variant", v.ID), slog.Int("bandwidth", v.Bandwidth))
	var errs []error
	if v.Audio != nil {
		errs = append(errs, p.switchTo(ctx, manifest.Audio, v.Audio, true))
	}
	if v.Video != nil {
		errs = append(errs, p.switchTo(ctx, manifest.Video, v.Video, true))
	}
	return errors.Join(errs...)
}

// EnableAdaptation turns automatic variant selection back on.
func (p *Player) EnableAdaptation() error {
	if err := p.loaded(); err != nil {
		return err
	}
	p.mu.Lock()
	p.abrEnabled = true
	p.mu.Unlock()
	p.abr.Enable()
	p.log.Info("adaptation enabled")
	return nil
}

// AddTextStream makes an out-of-manifest text stream available.
func (p *Player) AddTextStream(ctx context.Context, s *manifest.Stream) error {
	if err := p.loaded(); err != nil {
		return err
	}
	if s == nil || s.Type != manifest.Text {
		return fmt.Errorf("%w: not a text stream", ErrUnsupportedStream)
	}
	if !p.playable(s) {
		return fmt.Errorf("%w: text stream %s is not supported by key system %q", ErrUnsupportedStream, s.ID, p.drm.KeySystem())
	}
	if err := p.ctrl.NotifyNewTextStream(ctx, s); err != nil {
		return fmt.Errorf("add text stream %s: %w", s.ID, err)
	}

	p.mu.Lock()
	p.extraText = append(p.extraText, s)
	p.mu.Unlock()
	if period := p.ctrl.CurrentPeriod(); period != nil {
		p.chooseStreams(period)
	}
	return nil
}

// Teardown stops adaptation, then destroys the stream controller, the
// license session manager and the manifest source, in that order. It is
// idempotent.
func (p *Player) Teardown(ctx context.Context) error {
	p.mu.Lock()
	if p.state == stateTornDown {
		err := p.teardownErr
		p.mu.Unlock()
		return err
	}
	p.state = stateTornDown
	p.mu.Unlock()

	p.abr.Stop()
	p.cancel()
	p.wg.Wait()

	var errs []error
	if err := p.ctrl.Destroy(ctx); err != nil {
		errs = append(errs, fmt.Errorf("destroy stream controller: %w", err))
	}
	if err := p.drm.Destroy(ctx); err != nil {
		errs = append(errs, fmt.Errorf("destroy drm: %w", err))
	}
	if err := p.src.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop manifest source: %w", err))
	}
	p.met.SetKeySessions(0)

	err := errors.Join(errs...)
	p.mu.Lock()
	p.teardownErr = err
	p.mu.Unlock()
	p.log.Info("playback torn down")
	return err
}
