package streaming

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"sync"
	"time"

	"adaptive-playback/internal/manifest"

	"github.com/cenkalti/backoff"
	"github.com/dustin/go-humanize"
)

// Options holds the collaborators of an Engine. Pipeline and Playhead are
// required.
type Options struct {
	Pipeline  MediaPipeline
	Playhead  Playhead
	Callbacks Callbacks
	Logger    *slog.Logger
}

// Engine is the production Controller. The active stream map is owned by
// the engine and replaced wholesale on every switch, so snapshots handed
// out by ActiveStreams never change underneath the caller.
type Engine struct {
	pipeline MediaPipeline
	playhead Playhead
	cb       Callbacks
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	cfg         Config
	state       State
	manifest    *manifest.Manifest
	periodIdx   int
	active      map[manifest.MediaType]*manifest.Stream
	ops         map[manifest.MediaType]*bufferOp
	textStreams []*manifest.Stream
}

// bufferOp is one in-flight buffering pass for a media type. next is set,
// under Engine.mu, when a newer pass for the same type replaces this one.
type bufferOp struct {
	stream *manifest.Stream
	cancel context.CancelFunc
	done   chan struct{}
	err    error
	next   *bufferOp
}

var _ Controller = (*Engine)(nil)

// NewEngine returns an uninitialized Engine using DefaultConfig.
// It panics if the pipeline or playhead is missing.
func NewEngine(opts Options) *Engine {
	if opts.Pipeline == nil {
		panic("streaming: Pipeline is required")
	}
	if opts.Playhead == nil {
		panic("streaming: Playhead is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		pipeline: opts.Pipeline,
		playhead: opts.Playhead,
		cb:       opts.Callbacks,
		log:      opts.Logger,
		ctx:      ctx,
		cancel:   cancel,
		cfg:      DefaultConfig(),
		active:   make(map[manifest.MediaType]*manifest.Stream),
		ops:      make(map[manifest.MediaType]*bufferOp),
	}
}

// Configure implements Controller.Configure. An invalid config leaves the
// current one untouched.
func (e *Engine) Configure(cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
	return nil
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Init implements Controller.Init. It returns once every chosen stream has
// RebufferingGoal seconds buffered ahead of the playhead.
func (e *Engine) Init(ctx context.Context, m *manifest.Manifest) error {
	if m == nil || len(m.Periods) == 0 {
		return manifest.ErrNoPeriods
	}

	e.mu.Lock()
	switch e.state {
	case Destroyed:
		e.mu.Unlock()
		return ErrDestroyed
	case Buffering, Playing:
		e.mu.Unlock()
		return ErrAlreadyInitialized
	}
	idx := m.PeriodAt(e.playhead.Position())
	e.manifest = m
	e.periodIdx = idx
	e.state = Buffering
	period := m.Periods[idx]
	goal := e.cfg.RebufferingGoal
	e.mu.Unlock()

	e.log.Info("streaming init",
		slog.Int("period", idx),
		slog.Float64("period_start", period.StartTime))

	var chosen map[manifest.MediaType]*manifest.Stream
	if e.cb.ChooseStreams != nil {
		chosen = e.cb.ChooseStreams(period)
	}
	if len(chosen) == 0 {
		e.resetInit()
		return ErrNoStreams
	}

	e.mu.Lock()
	if e.state != Buffering {
		e.mu.Unlock()
		return ErrCanceled
	}
	next := maps.Clone(e.active)
	for t, s := range chosen {
		next[t] = s
	}
	e.active = next
	ops := make([]*bufferOp, 0, len(chosen))
	for t, s := range chosen {
		ops = append(ops, e.startOpLocked(ctx, t, s, false, goal, false))
	}
	e.mu.Unlock()

	var firstErr error
	for _, op := range ops {
		if err := e.wait(ctx, op, false); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		e.resetInit()
		return firstErr
	}

	e.mu.Lock()
	if e.state == Destroyed {
		e.mu.Unlock()
		return ErrCanceled
	}
	e.state = Playing
	interval := e.cfg.UpdateInterval
	e.mu.Unlock()

	e.log.Info("streaming playing", slog.Int("streams", len(chosen)))
	e.goTracked(func() { e.updateLoop(interval) })
	return nil
}

// resetInit returns a failed Init to Uninitialized so it can be retried.
// Passes still running for the failed attempt are canceled.
func (e *Engine) resetInit() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Buffering {
		return
	}
	e.state = Uninitialized
	e.manifest = nil
	e.periodIdx = 0
	e.active = make(map[manifest.MediaType]*manifest.Stream)
	for _, op := range e.ops {
		op.cancel()
	}
}

// wait blocks until op finishes. A pass replaced by a newer one for the
// same type is followed to its successor, so a seek does not fail the
// caller. With sameStream, only successors buffering the same stream are
// followed; a switch to another stream leaves the caller with ErrCanceled.
func (e *Engine) wait(ctx context.Context, op *bufferOp, sameStream bool) error {
	for {
		select {
		case <-op.done:
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
		}
		if op.err == nil || !errors.Is(op.err, ErrCanceled) || ctx.Err() != nil {
			return op.err
		}
		e.mu.Lock()
		next := op.next
		e.mu.Unlock()
		if next == nil || (sameStream && next.stream != op.stream) {
			return op.err
		}
		op = next
	}
}

// CurrentPeriod implements Controller.CurrentPeriod. It is nil before Init.
func (e *Engine) CurrentPeriod() *manifest.Period {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.manifest == nil {
		return nil
	}
	return e.manifest.Periods[e.periodIdx]
}

// ActiveStreams implements Controller.ActiveStreams.
func (e *Engine) ActiveStreams() map[manifest.MediaType]*manifest.Stream {
	e.mu.Lock()
	defer e.mu.Unlock()
	return maps.Clone(e.active)
}

// TextStreams returns the text streams announced via NotifyNewTextStream.
func (e *Engine) TextStreams() []*manifest.Stream {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*manifest.Stream(nil), e.textStreams...)
}

// Switch implements Controller.Switch. Switching to the stream already
// active for t does nothing. A newer Switch for the same media type
// cancels this one, which then returns ErrCanceled.
func (e *Engine) Switch(ctx context.Context, t manifest.MediaType, s *manifest.Stream, clearBuffer bool) error {
	op, err := e.beginSwitch(ctx, t, s, clearBuffer, false)
	if err != nil || op == nil {
		return err
	}
	return e.wait(ctx, op, true)
}

// beginSwitch makes s the active stream for t and starts buffering it. It
// returns a nil op when s is already active.
func (e *Engine) beginSwitch(ctx context.Context, t manifest.MediaType, s *manifest.Stream, clearBuffer, background bool) (*bufferOp, error) {
	if s == nil {
		return nil, fmt.Errorf("switch %s: nil stream", t)
	}

	e.mu.Lock()
	switch e.state {
	case Destroyed:
		e.mu.Unlock()
		return nil, ErrDestroyed
	case Uninitialized:
		e.mu.Unlock()
		return nil, ErrNotInitialized
	}
	if e.active[t] == s {
		e.mu.Unlock()
		return nil, nil
	}
	prev := e.active[t]
	next := maps.Clone(e.active)
	next[t] = s
	e.active = next
	op := e.startOpLocked(ctx, t, s, clearBuffer, e.cfg.RebufferingGoal, background)
	e.mu.Unlock()

	attrs := []any{
		slog.String("media_type", string(t)),
		slog.String("stream_id", s.ID),
		slog.Bool("clear_buffer", clearBuffer),
	}
	if prev != nil {
		attrs = append(attrs, slog.String("previous_stream_id", prev.ID))
	}
	e.log.Info("switching stream", attrs...)
	return op, nil
}

// NotifyNewTextStream implements Controller.NotifyNewTextStream. The
// stream is recorded but not switched to.
func (e *Engine) NotifyNewTextStream(ctx context.Context, s *manifest.Stream) error {
	if s == nil {
		return errors.New("notify new text stream: nil stream")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case Destroyed:
		return ErrDestroyed
	case Uninitialized:
		return ErrNotInitialized
	}
	for _, known := range e.textStreams {
		if known == s {
			return nil
		}
	}
	e.textStreams = append(e.textStreams, s)
	e.log.Info("new text stream", slog.String("stream_id", s.ID), slog.String("language", s.Language))
	return nil
}

// Seeked implements Controller.Seeked. Media types whose buffer already
// covers the new position are left alone.
func (e *Engine) Seeked() {
	e.mu.Lock()
	if e.state != Playing && e.state != Buffering {
		e.mu.Unlock()
		return
	}
	goal := e.cfg.RebufferingGoal
	e.mu.Unlock()

	pos := e.playhead.Position()
	e.log.Debug("seeked", slog.Float64("position", pos))

	e.checkPeriod(pos)

	for t, s := range e.ActiveStreams() {
		if r, ok := e.pipeline.BufferedRange(t); ok && r.Contains(pos) {
			continue
		}
		e.log.Debug("seek outside buffer, rebuffering",
			slog.String("media_type", string(t)),
			slog.Float64("position", pos))
		e.refresh(t, s, goal, false)
	}
}

// Destroy implements Controller.Destroy. In-flight operations finish
// with ErrCanceled and no callback fires afterwards. It is idempotent.
func (e *Engine) Destroy(ctx context.Context) error {
	e.mu.Lock()
	if e.state == Destroyed {
		e.mu.Unlock()
		return nil
	}
	e.state = Destroyed
	e.mu.Unlock()

	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.log.Info("streaming destroyed")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// goTracked runs fn on a goroutine that Destroy waits for. It reports
// false without running fn once the engine is destroyed.
func (e *Engine) goTracked(fn func()) bool {
	e.mu.Lock()
	if e.state == Destroyed {
		e.mu.Unlock()
		return false
	}
	e.wg.Add(1)
	e.mu.Unlock()
	go func() {
		defer e.wg.Done()
		fn()
	}()
	return true
}

// refresh starts a background pass topping up s, provided s is still the
// active stream for t. With onlyIfIdle it also backs off when a pass for t
// is already running. Streams replaced by a concurrent Switch are left to
// that Switch.
func (e *Engine) refresh(t manifest.MediaType, s *manifest.Stream, goal float64, onlyIfIdle bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Destroyed || e.active[t] != s {
		return
	}
	if onlyIfIdle && e.ops[t] != nil {
		return
	}
	e.startOpLocked(e.ctx, t, s, false, goal, true)
}

// startOpLocked begins a buffering pass for t, canceling the pass already
// in flight for that type. The new pass waits for the old one to unwind so
// two passes never append to the same buffer at once. Background passes
// report failures through Callbacks.OnError. e.mu must be held.
func (e *Engine) startOpLocked(ctx context.Context, t manifest.MediaType, s *manifest.Stream, clearBuffer bool, goal float64, background bool) *bufferOp {
	opCtx, cancel := context.WithCancel(e.ctx)
	op := &bufferOp{stream: s, cancel: cancel, done: make(chan struct{})}
	if e.state == Destroyed {
		cancel()
		op.err = ErrCanceled
		close(op.done)
		return op
	}
	stop := context.AfterFunc(ctx, cancel)
	prev := e.ops[t]
	if prev != nil {
		prev.next = op
		prev.cancel()
	}
	e.ops[t] = op
	e.wg.Add(1)

	go func() {
		defer e.wg.Done()
		defer close(op.done)
		defer cancel()
		defer stop()

		if prev != nil {
			<-prev.done
		}
		op.err = e.fill(opCtx, t, s, clearBuffer, goal)

		e.mu.Lock()
		if e.ops[t] == op {
			delete(e.ops, t)
		}
		e.mu.Unlock()

		if background && op.err != nil && !errors.Is(op.err, ErrCanceled) {
			e.reportError(op.err)
		}
	}()
	return op
}

// fill fetches segments of s until goal seconds are buffered ahead of the
// playhead, the period ends, or the stream runs out. Without clearBuffer
// new segments are appended at the end of the range covering the
// playhead.
func (e *Engine) fill(ctx context.Context, t manifest.MediaType, s *manifest.Stream, clearBuffer bool, goal float64) error {
	if clearBuffer {
		if err := e.pipeline.Clear(ctx, t); err != nil {
			if ctx.Err() != nil {
				return ErrCanceled
			}
			return fmt.Errorf("clear %s buffer: %w", t, err)
		}
	}

	for {
		if ctx.Err() != nil {
			return ErrCanceled
		}
		pos := e.playhead.Position()
		at := pos
		if r, ok := e.pipeline.BufferedRange(t); ok && r.Contains(pos) {
			at = r.End
		}
		if at >= pos+goal || at >= e.periodEnd() {
			return nil
		}

		seg, took, err := e.fetch(ctx, s, at)
		if errors.Is(err, ErrEndOfStream) {
			return nil
		}
		if err != nil {
			return err
		}
		e.segmentDownloaded(seg.Size, took)
		if seg.End <= at {
			return nil
		}
	}
}

// fetch downloads one segment, retrying transient failures with
// exponential backoff up to RetryMaxAttempts attempts in total.
func (e *Engine) fetch(ctx context.Context, s *manifest.Stream, at float64) (Segment, time.Duration, error) {
	e.mu.Lock()
	cfg := e.cfg
	e.mu.Unlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.RetryBaseDelay
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(cfg.RetryMaxAttempts-1)), ctx)

	var (
		seg      Segment
		took     time.Duration
		attempts int
	)
	op := func() error {
		attempts++
		start := time.Now()
		got, err := e.pipeline.Fetch(ctx, s, at)
		if err != nil {
			if errors.Is(err, ErrEndOfStream) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		seg, took = got, time.Since(start)
		return nil
	}
	notify := func(err error, next time.Duration) {
		e.log.Warn("segment fetch failed, retrying",
			slog.String("stream_id", s.ID),
			slog.Float64("position", at),
			slog.Int("attempt", attempts),
			slog.Duration("retry_in", next),
			slog.String("error", err.Error()))
	}

	err := backoff.RetryNotify(op, policy, notify)
	switch {
	case ctx.Err() != nil:
		return Segment{}, 0, ErrCanceled
	case errors.Is(err, ErrEndOfStream):
		return Segment{}, 0, ErrEndOfStream
	case err != nil:
		return Segment{}, 0, fmt.Errorf("%w: stream %s at %.3fs after %d attempts: %w", ErrBufferingFailed, s.ID, at, attempts, err)
	}

	e.log.Debug("segment fetched",
		slog.String("stream_id", s.ID),
		slog.Float64("start", seg.Start),
		slog.Float64("end", seg.End),
		slog.String("size", humanize.Bytes(uint64(max(seg.Size, 0)))))
	return seg, took, nil
}

func (e *Engine) periodEnd() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.manifest == nil {
		return 0
	}
	return e.manifest.PeriodEnd(e.periodIdx)
}

// checkPeriod moves to the period containing pos and switches to the
// streams the session owner chooses for it.
func (e *Engine) checkPeriod(pos float64) {
	e.mu.Lock()
	if e.manifest == nil || e.state == Destroyed {
		e.mu.Unlock()
		return
	}
	idx := e.manifest.PeriodAt(pos)
	if idx == e.periodIdx {
		e.mu.Unlock()
		return
	}
	from := e.periodIdx
	e.periodIdx = idx
	period := e.manifest.Periods[idx]
	e.mu.Unlock()

	e.log.Info("period transition", slog.Int("from", from), slog.Int("to", idx))

	if e.cb.ChooseStreams == nil || e.ctx.Err() != nil {
		return
	}
	for t, s := range e.cb.ChooseStreams(period) {
		if _, err := e.beginSwitch(e.ctx, t, s, false, true); err != nil && !errors.Is(err, ErrDestroyed) {
			e.reportError(err)
		}
	}
}

// updateLoop keeps every active type topped up to BufferingGoal.
func (e *Engine) updateLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.update()
		}
	}
}

func (e *Engine) update() {
	pos := e.playhead.Position()
	e.checkPeriod(pos)

	e.mu.Lock()
	goal := e.cfg.BufferingGoal
	idle := make(map[manifest.MediaType]*manifest.Stream)
	for t, s := range e.active {
		if e.ops[t] == nil {
			idle[t] = s
		}
	}
	e.mu.Unlock()

	periodEnd := e.periodEnd()
	for t, s := range idle {
		if r, ok := e.pipeline.BufferedRange(t); ok && r.Contains(pos) && (r.End >= pos+goal || r.End >= periodEnd) {
			continue
		}
		e.refresh(t, s, goal, true)
	}
}

func (e *Engine) segmentDownloaded(size int64, took time.Duration) {
	if e.cb.OnSegmentDownloaded == nil || e.ctx.Err() != nil {
		return
	}
	e.cb.OnSegmentDownloaded(size, took)
}

func (e *Engine) reportError(err error) {
	e.log.Error("buffering error", slog.String("error", err.Error()))
	if e.cb.OnError == nil || e.ctx.Err() != nil {
		return
	}
	e.cb.OnError(err)
}
