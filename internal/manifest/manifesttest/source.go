// Package manifesttest provides a fake manifest.Source and helpers for
// building manifests in tests.
package manifesttest

import (
	"context"
	"sync"

	"adaptive-playback/internal/manifest"
)

// Source is a manifest.Source that returns a fixed Manifest.
type Source struct {
	mu         sync.Mutex
	manifest   *manifest.Manifest
	err        error
	starts     int
	stops      int
	configures []manifest.SourceConfig
}

// NewSource returns a Source yielding m.
func NewSource(m *manifest.Manifest) *Source {
	return &Source{manifest: m}
}

// FailWith makes subsequent Start calls return err.
func (s *Source) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Start implements manifest.Source.Start.
func (s *Source) Start(ctx context.Context) (*manifest.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	if s.err != nil {
		return nil, s.err
	}
	return s.manifest, nil
}

// Stop implements manifest.Source.Stop.
func (s *Source) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	return nil
}

// Configure implements manifest.Source.Configure.
func (s *Source) Configure(cfg manifest.SourceConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configures = append(s.configures, cfg)
	return nil
}

// Calls reports how many times Start and Stop were invoked.
func (s *Source) Calls() (starts, stops int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts, s.stops
}
