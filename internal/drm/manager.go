// Package drm selects a key system for protected content, binds it to a
// playback sink and owns the resulting key sessions.
package drm

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"

	"adaptive-playback/internal/manifest"
)

var (
	// ErrInvalidConfig is returned by Configure for malformed options.
	ErrInvalidConfig = errors.New("invalid drm config")

	// ErrUnsupportedKeySystem is returned by Init when none of the key
	// systems declared by the manifest can be used here. It is permanent.
	ErrUnsupportedKeySystem = errors.New("no supported key system")

	// ErrAttachFailed wraps a failure to bind the key system or open its
	// sessions. It is permanent: later Attach calls fail with it too.
	ErrAttachFailed = errors.New("key system attach failed")

	// ErrNotInitialized is returned by Attach before a successful Init.
	ErrNotInitialized = errors.New("drm engine not initialized")

	// ErrAlreadyInitialized is returned by a second Init.
	ErrAlreadyInitialized = errors.New("drm engine already initialized")

	// ErrDestroyed is returned by operations called after Destroy.
	ErrDestroyed = errors.New("drm engine destroyed")

	// ErrCanceled is the result of an operation interrupted by Destroy or
	// by its caller's context.
	ErrCanceled = fmt.Errorf("drm operation canceled: %w", context.Canceled)
)

// ClearKeySystem is the W3C clear key system identifier.
const ClearKeySystem = "org.w3.clearkey"

// Sink is the opaque playback sink a key system is attached to.
type Sink any

// Manager is the license session manager contract.
type Manager interface {
	Configure(cfg Config) error
	Init(ctx context.Context, m *manifest.Manifest, offlineSessionIDs []string) error
	Attach(ctx context.Context, sink Sink) error
	Initialized() bool
	KeySystem() string
	SupportedTypes() []string
	IsSupportedByKeySystem(s *manifest.Stream) bool
	DrmInfo() *manifest.DrmInfo
	SessionIDs() []string
	Destroy(ctx context.Context) error
}

// CDM is the platform content decryption module the Engine drives.
type CDM interface {
	IsTypeSupported(keySystem, contentType string) bool
	Attach(ctx context.Context, keySystem string, sink Sink) error
	CreateSession(ctx context.Context, keySystem string, info manifest.DrmInfo, initData manifest.InitData, persistent bool) (string, error)
	LoadSession(ctx context.Context, keySystem, sessionID string) error
	CloseSession(ctx context.Context, keySystem, sessionID string) error
}

// SessionState is the lifecycle state of one key session.
type SessionState int

const (
	SessionUninitialized SessionState = iota
	SessionInitializing
	SessionReady
	SessionFailed
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionUninitialized:
		return "uninitialized"
	case SessionInitializing:
		return "initializing"
	case SessionReady:
		return "ready"
	case SessionFailed:
		return "failed"
	case SessionClosed:
		return "closed"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// Session is a snapshot of one key session.
type Session struct {
	ID         string
	State      SessionState
	Persistent bool
}

// Config holds license server and clear key settings.
type Config struct {
	// Servers maps a key system to the license server used when the
	// manifest does not name one.
	Servers map[string]string

	// ClearKeys maps hex key ids to hex keys. When set, the manifest's
	// protection info is replaced by a clear key DrmInfo for these ids,
	// and content without protection info is offered to clear key too.
	ClearKeys map[string]string
}

func (c Config) validate() error {
	for ks, uri := range c.Servers {
		if ks == "" {
			return fmt.Errorf("%w: empty key system in servers", ErrInvalidConfig)
		}
		u, err := url.Parse(uri)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%w: license server for %s is not an absolute url: %q", ErrInvalidConfig, ks, uri)
		}
	}
	for kid, key := range c.ClearKeys {
		if b, err := hex.DecodeString(kid); err != nil || len(b) != 16 {
			return fmt.Errorf("%w: clear key id %q is not 16 hex bytes", ErrInvalidConfig, kid)
		}
		if b, err := hex.DecodeString(key); err != nil || len(b) != 16 {
			return fmt.Errorf("%w: clear key for %s is not 16 hex bytes", ErrInvalidConfig, kid)
		}
	}
	return nil
}
