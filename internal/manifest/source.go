package manifest

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidConfig is returned by Configure for out-of-range options.
	ErrInvalidConfig = errors.New("invalid manifest source config")

	// ErrStopped is returned when Start is called on a stopped Source.
	ErrStopped = errors.New("manifest source stopped")
)

// Source produces a Manifest snapshot and owns whatever background work
// keeps it fresh. The returned Manifest is never mutated afterwards.
type Source interface {
	Start(ctx context.Context) (*Manifest, error)
	Stop(ctx context.Context) error
	Configure(cfg SourceConfig) error
}

// SourceConfig tunes how a Source fetches manifests.
type SourceConfig struct {
	// RequestTimeout bounds a single manifest fetch. Zero means no timeout.
	RequestTimeout time.Duration

	// CacheTTL is how long a parsed manifest is reused for the same URI.
	// Zero disables caching.
	CacheTTL time.Duration
}

// DefaultSourceConfig returns the configuration used by NewHLSSource.
func DefaultSourceConfig() SourceConfig {
	return SourceConfig{
		RequestTimeout: 10 * time.Second,
		CacheTTL:       30 * time.Second,
	}
}

func (c SourceConfig) validate() error {
	if c.RequestTimeout < 0 {
		return fmt.Errorf("%w: request timeout must not be negative", ErrInvalidConfig)
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("%w: cache ttl must not be negative", ErrInvalidConfig)
	}
	return nil
}
