package drm

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"adaptive-playback/internal/manifest"

	"github.com/google/uuid"
)

var clearKeyContainers = []string{"video/mp4", "audio/mp4", "video/webm", "audio/webm"}

// ClearKeyCDM is a software CDM for org.w3.clearkey. Keys are supplied up
// front instead of being fetched from a license server.
type ClearKeyCDM struct {
	mu       sync.Mutex
	keys     map[string][]byte
	sink     Sink
	sessions map[string]bool
}

var _ CDM = (*ClearKeyCDM)(nil)

// NewClearKeyCDM returns a ClearKeyCDM holding keys, which maps hex key
// ids to hex keys.
func NewClearKeyCDM(keys map[string]string) (*ClearKeyCDM, error) {
	c := &ClearKeyCDM{
		keys:     make(map[string][]byte, len(keys)),
		sessions: make(map[string]bool),
	}
	for kid, key := range keys {
		b, err := hex.DecodeString(key)
		if err != nil {
			return nil, fmt.Errorf("clear key for %s: %w", kid, err)
		}
		c.keys[strings.ToLower(kid)] = b
	}
	return c, nil
}

// IsTypeSupported implements CDM.IsTypeSupported.
func (c *ClearKeyCDM) IsTypeSupported(keySystem, contentType string) bool {
	if keySystem != ClearKeySystem {
		return false
	}
	container, _, _ := strings.Cut(contentType, ";")
	for _, ct := range clearKeyContainers {
		if strings.TrimSpace(container) == ct {
			return true
		}
	}
	return false
}

// Attach implements CDM.Attach.
func (c *ClearKeyCDM) Attach(ctx context.Context, keySystem string, sink Sink) error {
	if keySystem != ClearKeySystem {
		return fmt.Errorf("clear key cdm cannot attach %s", keySystem)
	}
	if sink == nil {
		return errors.New("clear key cdm: nil sink")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
	return nil
}

// CreateSession implements CDM.CreateSession. Every key id named by info
// must have a key.
func (c *ClearKeyCDM) CreateSession(ctx context.Context, keySystem string, info manifest.DrmInfo, initData manifest.InitData, persistent bool) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sink == nil {
		return "", errors.New("clear key cdm: not attached")
	}
	for _, kid := range info.KeyIDs {
		if _, ok := c.keys[strings.ToLower(kid)]; !ok {
			return "", fmt.Errorf("clear key cdm: no key for key id %s", kid)
		}
	}
	id := uuid.NewString()
	c.sessions[id] = true
	return id, nil
}

// LoadSession implements CDM.LoadSession. Keys are held locally, so any
// well-formed session id can be reopened.
func (c *ClearKeyCDM) LoadSession(ctx context.Context, keySystem, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := uuid.Parse(sessionID); err != nil {
		return fmt.Errorf("clear key cdm: malformed session id %q: %w", sessionID, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sink == nil {
		return errors.New("clear key cdm: not attached")
	}
	c.sessions[sessionID] = true
	return nil
}

// CloseSession implements CDM.CloseSession.
func (c *ClearKeyCDM) CloseSession(ctx context.Context, keySystem, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sessions[sessionID] {
		return fmt.Errorf("clear key cdm: unknown session %s", sessionID)
	}
	delete(c.sessions, sessionID)
	return nil
}

// OpenSessions returns how many sessions are currently open.
func (c *ClearKeyCDM) OpenSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}
