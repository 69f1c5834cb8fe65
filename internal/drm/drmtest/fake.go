// Package drmtest provides fakes for the drm package: a Manager that
// accepts everything and a scriptable CDM.
package drmtest

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"adaptive-playback/internal/drm"
	"adaptive-playback/internal/manifest"
	"adaptive-playback/internal/manifest/manifesttest"
)

// Manager is a drm.Manager that is always initialized with the fake key
// system and supports every stream.
type Manager struct {
	mu sync.Mutex

	InitErr   error
	AttachErr error

	sessionIDs []string
	drmInfo    *manifest.DrmInfo
	offlineIDs []string
	calls      map[string]int
}

var _ drm.Manager = (*Manager)(nil)

// New returns a fake Manager.
func New() *Manager {
	return &Manager{calls: make(map[string]int)}
}

func (m *Manager) record(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[name]++
}

// Calls returns how many times the named method was called.
func (m *Manager) Calls(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[name]
}

// SetSessionIDs sets the ids returned by SessionIDs.
func (m *Manager) SetSessionIDs(ids []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionIDs = ids
}

// SetDrmInfo sets the value returned by DrmInfo.
func (m *Manager) SetDrmInfo(info *manifest.DrmInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drmInfo = info
}

// OfflineIDs returns the ids passed to the last Init.
func (m *Manager) OfflineIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offlineIDs
}

// Configure implements drm.Manager.Configure.
func (m *Manager) Configure(cfg drm.Config) error {
	m.record("Configure")
	return nil
}

// Init implements drm.Manager.Init.
func (m *Manager) Init(ctx context.Context, mf *manifest.Manifest, offlineSessionIDs []string) error {
	m.record("Init")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offlineIDs = offlineSessionIDs
	return m.InitErr
}

// Attach implements drm.Manager.Attach.
func (m *Manager) Attach(ctx context.Context, sink drm.Sink) error {
	m.record("Attach")
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.AttachErr
}

// Initialized implements drm.Manager.Initialized.
func (m *Manager) Initialized() bool { return true }

// KeySystem implements drm.Manager.KeySystem.
func (m *Manager) KeySystem() string { return manifesttest.FakeKeySystem }

// SupportedTypes implements drm.Manager.SupportedTypes.
func (m *Manager) SupportedTypes() []string {
	return []string{manifesttest.FakeVideoType}
}

// IsSupportedByKeySystem implements drm.Manager.IsSupportedByKeySystem.
func (m *Manager) IsSupportedByKeySystem(s *manifest.Stream) bool { return true }

// DrmInfo implements drm.Manager.DrmInfo.
func (m *Manager) DrmInfo() *manifest.DrmInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drmInfo
}

// SessionIDs implements drm.Manager.SessionIDs.
func (m *Manager) SessionIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionIDs
}

// Destroy implements drm.Manager.Destroy.
func (m *Manager) Destroy(ctx context.Context) error {
	m.record("Destroy")
	return nil
}

// CDM is a drm.CDM whose capabilities and failures are set by the test.
type CDM struct {
	mu sync.Mutex

	// Supported maps a key system to the content types it can play.
	Supported map[string][]string

	AttachErr error
	CreateErr error
	LoadErr   error

	// CreateOK is the number of sessions created before CreateErr
	// applies.
	CreateOK int

	// Gate, when set, makes CreateSession wait for it to close or for
	// its context to end. Each waiting call is announced on Waiting when
	// that is set too. With IgnoreCancel only the gate releases it.
	Gate         chan struct{}
	Waiting      chan struct{}
	IgnoreCancel bool

	next     int
	attached []string
	created  []manifest.InitData
	loaded   []string
	closed   []string
}

var _ drm.CDM = (*CDM)(nil)

// NewCDM returns a CDM supporting the fake key system for FakeVideoType.
func NewCDM() *CDM {
	return &CDM{Supported: map[string][]string{
		manifesttest.FakeKeySystem: {manifesttest.FakeVideoType},
	}}
}

// IsTypeSupported implements drm.CDM.IsTypeSupported.
func (c *CDM) IsTypeSupported(keySystem, contentType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Contains(c.Supported[keySystem], contentType)
}

// Attach implements drm.CDM.Attach.
func (c *CDM) Attach(ctx context.Context, keySystem string, sink drm.Sink) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attached = append(c.attached, keySystem)
	return c.AttachErr
}

// CreateSession implements drm.CDM.CreateSession.
func (c *CDM) CreateSession(ctx context.Context, keySystem string, info manifest.DrmInfo, initData manifest.InitData, persistent bool) (string, error) {
	c.mu.Lock()
	gate, waiting := c.Gate, c.Waiting
	canceled := ctx.Done()
	if c.IgnoreCancel {
		canceled = nil
	}
	c.mu.Unlock()
	if gate != nil {
		if waiting != nil {
			select {
			case waiting <- struct{}{}:
			case <-canceled:
				return "", ctx.Err()
			}
		}
		select {
		case <-gate:
		case <-canceled:
			return "", ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.CreateErr != nil && c.next >= c.CreateOK {
		return "", c.CreateErr
	}
	c.next++
	c.created = append(c.created, initData)
	return fmt.Sprintf("session-%d", c.next), nil
}

// LoadSession implements drm.CDM.LoadSession.
func (c *CDM) LoadSession(ctx context.Context, keySystem, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaded = append(c.loaded, sessionID)
	return c.LoadErr
}

// CloseSession implements drm.CDM.CloseSession.
func (c *CDM) CloseSession(ctx context.Context, keySystem, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = append(c.closed, sessionID)
	return nil
}

// Attached returns the key systems passed to Attach.
func (c *CDM) Attached() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.attached)
}

// Created returns the init data of every created session.
func (c *CDM) Created() []manifest.InitData {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.created)
}

// Loaded returns the session ids passed to LoadSession.
func (c *CDM) Loaded() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.loaded)
}

// Closed returns the session ids passed to CloseSession.
func (c *CDM) Closed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.closed)
}
