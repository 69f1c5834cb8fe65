package drm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"

	"adaptive-playback/internal/manifest"
)

type engineState int

const (
	stateIdle engineState = iota
	stateSelecting
	stateSelected
	stateAttaching
	stateAttached
	stateFailed
	stateDestroyed
)

// Options holds the collaborators of an Engine. CDM is required.
type Options struct {
	CDM    CDM
	Logger *slog.Logger
}

// Engine is the production Manager.
type Engine struct {
	cdm CDM
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	cfg       Config
	state     engineState
	keySystem string
	info      *manifest.DrmInfo
	anyStream bool
	supported []string
	sessions  []Session
	offline   bool

	released   chan struct{}
	releaseErr error
}

var _ Manager = (*Engine)(nil)

// NewEngine returns an Engine with an empty Config. It panics if the CDM
// is missing.
func NewEngine(opts Options) *Engine {
	if opts.CDM == nil {
		panic("drm: CDM is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cdm:    opts.CDM,
		log:    opts.Logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Configure implements Manager.Configure. It only affects later Init
// calls. An invalid config leaves the current one untouched.
func (e *Engine) Configure(cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
	return nil
}

// begin registers an in-flight operation that Destroy waits for. The
// returned context is canceled by Destroy or by ctx.
func (e *Engine) begin(ctx context.Context) (context.Context, func(), error) {
	e.mu.Lock()
	if e.state == stateDestroyed {
		e.mu.Unlock()
		return nil, nil, ErrDestroyed
	}
	e.wg.Add(1)
	e.mu.Unlock()

	opCtx, cancel := context.WithCancel(e.ctx)
	stop := context.AfterFunc(ctx, cancel)
	return opCtx, func() {
		stop()
		cancel()
		e.wg.Done()
	}, nil
}

// Init implements Manager.Init. Key systems are tried in manifest order;
// the first one with a license server and at least one locally playable
// content type wins. Content without protection info initializes with an
// empty key system unless configured clear keys can play it. Non-empty
// offlineSessionIDs are restored on Attach instead of creating fresh
// sessions.
func (e *Engine) Init(ctx context.Context, m *manifest.Manifest, offlineSessionIDs []string) error {
	if m == nil {
		return manifest.ErrNoPeriods
	}
	opCtx, done, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer done()

	e.mu.Lock()
	if e.state != stateIdle {
		e.mu.Unlock()
		return ErrAlreadyInitialized
	}
	e.state = stateSelecting
	cfg := e.cfg
	e.mu.Unlock()

	protected := len(m.DrmInfos()) > 0
	infos, override := candidates(m, cfg)
	if len(infos) == 0 {
		return e.selectUnprotected()
	}

	var tried []string
	for _, info := range infos {
		if opCtx.Err() != nil {
			return e.resetSelecting(ErrCanceled)
		}
		tried = append(tried, info.KeySystem)
		if info.LicenseServerURI == "" && info.KeySystem != ClearKeySystem {
			e.log.Debug("skipping key system without license server", slog.String("key_system", info.KeySystem))
			continue
		}
		types := e.playableTypes(m, info.KeySystem, override)
		if len(types) == 0 {
			e.log.Debug("key system supports no content type", slog.String("key_system", info.KeySystem))
			continue
		}

		e.mu.Lock()
		if e.state == stateDestroyed {
			e.mu.Unlock()
			return ErrCanceled
		}
		e.keySystem = info.KeySystem
		e.info = &info
		e.anyStream = override
		e.supported = types
		if len(offlineSessionIDs) > 0 {
			e.offline = true
			e.sessions = make([]Session, 0, len(offlineSessionIDs))
			for _, id := range offlineSessionIDs {
				e.sessions = append(e.sessions, Session{ID: id, State: SessionUninitialized, Persistent: true})
			}
		}
		e.state = stateSelected
		e.mu.Unlock()

		e.log.Info("key system selected",
			slog.String("key_system", info.KeySystem),
			slog.String("license_server", info.LicenseServerURI),
			slog.Any("types", types),
			slog.Int("offline_sessions", len(offlineSessionIDs)))
		return nil
	}

	if !protected {
		e.log.Debug("clear keys play no content type", slog.String("key_system", ClearKeySystem))
		return e.selectUnprotected()
	}
	return e.resetSelecting(fmt.Errorf("%w: tried %s", ErrUnsupportedKeySystem, strings.Join(tried, ", ")))
}

func (e *Engine) selectUnprotected() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == stateDestroyed {
		return ErrCanceled
	}
	e.state = stateSelected
	e.log.Info("content is not protected")
	return nil
}

func (e *Engine) resetSelecting(err error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == stateSelecting {
		e.state = stateIdle
	}
	return err
}

// candidates merges the manifest's DrmInfos per key system in order of
// first appearance. Configured clear keys replace them with a single
// clear key DrmInfo that applies to every stream.
func candidates(m *manifest.Manifest, cfg Config) ([]manifest.DrmInfo, bool) {
	if len(cfg.ClearKeys) > 0 {
		kids := make([]string, 0, len(cfg.ClearKeys))
		for kid := range cfg.ClearKeys {
			kids = append(kids, kid)
		}
		sort.Strings(kids)
		return []manifest.DrmInfo{{
			KeySystem:        ClearKeySystem,
			LicenseServerURI: cfg.Servers[ClearKeySystem],
			KeyIDs:           kids,
		}}, true
	}

	var out []manifest.DrmInfo
	index := make(map[string]int)
	for _, d := range m.DrmInfos() {
		i, ok := index[d.KeySystem]
		if !ok {
			index[d.KeySystem] = len(out)
			out = append(out, manifest.DrmInfo{KeySystem: d.KeySystem})
			i = len(out) - 1
		}
		merged := &out[i]
		if merged.LicenseServerURI == "" {
			merged.LicenseServerURI = d.LicenseServerURI
		}
		merged.PersistentStateRequired = merged.PersistentStateRequired || d.PersistentStateRequired
		for _, data := range d.InitData {
			if !slices.ContainsFunc(merged.InitData, func(x manifest.InitData) bool {
				return x.Type == data.Type && bytes.Equal(x.Data, data.Data)
			}) {
				merged.InitData = append(merged.InitData, data)
			}
		}
		for _, kid := range d.KeyIDs {
			if !slices.Contains(merged.KeyIDs, kid) {
				merged.KeyIDs = append(merged.KeyIDs, kid)
			}
		}
	}
	for i := range out {
		if out[i].LicenseServerURI == "" {
			out[i].LicenseServerURI = cfg.Servers[out[i].KeySystem]
		}
	}
	return out, false
}

// playableTypes returns the content types of protected streams declaring
// keySystem (or of every stream when anyStream is set) that the CDM can
// play.
func (e *Engine) playableTypes(m *manifest.Manifest, keySystem string, anyStream bool) []string {
	var types []string
	for _, s := range m.AllStreams() {
		if !anyStream && (!s.Encrypted() || !declares(s, keySystem)) {
			continue
		}
		t := s.FullMimeType()
		if slices.Contains(types, t) {
			continue
		}
		if e.cdm.IsTypeSupported(keySystem, t) {
			types = append(types, t)
		}
	}
	return types
}

func declares(s *manifest.Stream, keySystem string) bool {
	for _, d := range s.DrmInfos {
		if d.KeySystem == keySystem {
			return true
		}
	}
	return false
}

// Attach implements Manager.Attach. It binds the selected key system to
// sink and then restores the offline sessions or opens one session per
// distinct init data. Failures are wrapped in ErrAttachFailed; they close
// the sessions opened so far and leave the engine failed.
func (e *Engine) Attach(ctx context.Context, sink Sink) error {
	opCtx, done, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer done()

	e.mu.Lock()
	switch e.state {
	case stateIdle, stateSelecting:
		e.mu.Unlock()
		return ErrNotInitialized
	case stateAttaching:
		e.mu.Unlock()
		return errors.New("drm attach already in progress")
	case stateAttached:
		e.mu.Unlock()
		return nil
	case stateFailed:
		ks := e.keySystem
		e.mu.Unlock()
		return fmt.Errorf("%w: %s: previous attach failed", ErrAttachFailed, ks)
	}
	e.state = stateAttaching
	ks := e.keySystem
	offline := e.offline
	var info manifest.DrmInfo
	if e.info != nil {
		info = *e.info
	}
	e.mu.Unlock()

	if ks == "" {
		return e.finishAttach(ctx, nil)
	}

	if err := e.cdm.Attach(opCtx, ks, sink); err != nil {
		return e.finishAttach(ctx, e.attachErr(opCtx, ks, err))
	}

	if offline {
		err = e.restoreSessions(opCtx, ks)
	} else {
		err = e.createSessions(opCtx, ks, info)
	}
	if err != nil {
		return e.finishAttach(ctx, e.attachErr(opCtx, ks, err))
	}
	return e.finishAttach(ctx, nil)
}

func (e *Engine) attachErr(ctx context.Context, keySystem string, err error) error {
	if ctx.Err() != nil {
		return ErrCanceled
	}
	return fmt.Errorf("%w: %s: %w", ErrAttachFailed, keySystem, err)
}

func (e *Engine) finishAttach(ctx context.Context, err error) error {
	e.mu.Lock()
	if e.state == stateDestroyed {
		e.mu.Unlock()
		return ErrCanceled
	}
	ks := e.keySystem
	if err == nil {
		e.state = stateAttached
		e.log.Info("drm attached", slog.String("key_system", ks), slog.Int("sessions", len(e.sessions)))
		e.mu.Unlock()
		return nil
	}
	e.state = stateFailed
	ids := e.takeReadyLocked()
	e.mu.Unlock()

	e.log.Error("drm attach failed", slog.String("key_system", ks), slog.String("error", err.Error()))
	if closeErr := e.closeSessions(context.WithoutCancel(ctx), ks, ids); closeErr != nil {
		e.log.Warn("closing sessions after failed attach", slog.String("error", closeErr.Error()))
	}
	return err
}

// takeReadyLocked marks every ready session closed and returns their ids
// for the caller to close on the CDM.
func (e *Engine) takeReadyLocked() []string {
	var ids []string
	for i := range e.sessions {
		if e.sessions[i].State == SessionReady {
			ids = append(ids, e.sessions[i].ID)
			e.sessions[i].State = SessionClosed
		}
	}
	return ids
}

func (e *Engine) closeSessions(ctx context.Context, keySystem string, ids []string) error {
	var errs []error
	for _, id := range ids {
		if err := e.cdm.CloseSession(ctx, keySystem, id); err != nil {
			errs = append(errs, fmt.Errorf("close session %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) restoreSessions(ctx context.Context, keySystem string) error {
	e.mu.Lock()
	ids := make([]string, 0, len(e.sessions))
	for _, s := range e.sessions {
		ids = append(ids, s.ID)
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.setSessionState(id, SessionInitializing)
		if err := e.cdm.LoadSession(ctx, keySystem, id); err != nil {
			e.setSessionState(id, SessionFailed)
			return fmt.Errorf("load session %s: %w", id, err)
		}
		e.setSessionState(id, SessionReady)
		e.log.Debug("session restored", slog.String("key_system", keySystem), slog.String("session_id", id))
	}
	return nil
}

func (e *Engine) createSessions(ctx context.Context, keySystem string, info manifest.DrmInfo) error {
	inits := info.InitData
	if len(inits) == 0 {
		inits = []manifest.InitData{{}}
	}
	for _, data := range inits {
		id, err := e.cdm.CreateSession(ctx, keySystem, info, data, info.PersistentStateRequired)
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		e.mu.Lock()
		e.sessions = append(e.sessions, Session{ID: id, State: SessionReady, Persistent: info.PersistentStateRequired})
		e.mu.Unlock()
		e.log.Debug("session created",
			slog.String("key_system", keySystem),
			slog.String("session_id", id),
			slog.String("init_data_type", data.Type))
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (e *Engine) setSessionState(id string, st SessionState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.sessions {
		if e.sessions[i].ID == id {
			e.sessions[i].State = st
		}
	}
}

// Initialized implements Manager.Initialized.
func (e *Engine) Initialized() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == stateAttached
}

// KeySystem implements Manager.KeySystem. It is empty for unprotected
// content and before Init.
func (e *Engine) KeySystem() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.keySystem
}

// SupportedTypes implements Manager.SupportedTypes.
func (e *Engine) SupportedTypes() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.supported)
}

// IsSupportedByKeySystem implements Manager.IsSupportedByKeySystem.
// Unprotected streams are always supported.
func (e *Engine) IsSupportedByKeySystem(s *manifest.Stream) bool {
	if s == nil {
		return false
	}
	if !s.Encrypted() {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.keySystem == "" {
		return false
	}
	if !e.anyStream && !declares(s, e.keySystem) {
		return false
	}
	return slices.Contains(e.supported, s.FullMimeType())
}

// DrmInfo implements Manager.DrmInfo. It returns nil for unprotected
// content.
func (e *Engine) DrmInfo() *manifest.DrmInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.info == nil {
		return nil
	}
	info := *e.info
	return &info
}

// SessionIDs implements Manager.SessionIDs.
func (e *Engine) SessionIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.sessions))
	for _, s := range e.sessions {
		ids = append(ids, s.ID)
	}
	return ids
}

// Sessions returns a snapshot of every key session.
func (e *Engine) Sessions() []Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.sessions)
}

// Destroy implements Manager.Destroy. It cancels in-flight Init and
// Attach calls, waits for them, and closes every open session. When ctx
// ends first Destroy returns its error while the release finishes in the
// background; later calls wait for that same release and return its
// result.
func (e *Engine) Destroy(ctx context.Context) error {
	e.mu.Lock()
	if e.released == nil {
		e.state = stateDestroyed
		e.released = make(chan struct{})
		go e.release(context.WithoutCancel(ctx))
	}
	released := e.released
	e.mu.Unlock()

	e.cancel()

	select {
	case <-released:
		return e.releaseErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) release(ctx context.Context) {
	e.wg.Wait()

	e.mu.Lock()
	ks := e.keySystem
	ids := e.takeReadyLocked()
	e.sessions = nil
	e.mu.Unlock()

	e.releaseErr = e.closeSessions(ctx, ks, ids)
	e.log.Info("drm destroyed", slog.String("key_system", ks), slog.Int("sessions", len(ids)))
	close(e.released)
}
