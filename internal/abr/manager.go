// Package abr selects which renditions should be playing given the
// candidate streams of the current period and a running bandwidth estimate.
package abr

import (
	"errors"
	"fmt"
	"time"

	"adaptive-playback/internal/manifest"
)

// ErrInvalidConfig is returned by Configure for out-of-range options.
var ErrInvalidConfig = errors.New("invalid abr config")

// SwitchCallback receives streams chosen by an automatic reselection.
type SwitchCallback func(chosen map[manifest.MediaType]*manifest.Stream)

// Manager is the adaptation engine contract.
type Manager interface {
	Init(switchFn SwitchCallback)
	Stop()
	Configure(cfg Config) error
	Enable()
	Disable()
	SetVariants(variants []*manifest.Variant)
	SetTextStreams(streams []*manifest.Stream)
	ChooseStreams(types ...manifest.MediaType) map[manifest.MediaType]*manifest.Stream
	SegmentDownloaded(size int64, duration time.Duration)
	BandwidthEstimate() float64
}

// Config holds the tunable adaptation parameters.
type Config struct {
	// DefaultBandwidthEstimate is the bandwidth assumed, in bits per
	// second, before enough samples have arrived.
	DefaultBandwidthEstimate float64

	// SwitchInterval is the minimum spacing between automatic switches.
	SwitchInterval time.Duration

	// BandwidthUpgradeTarget is the fraction of the estimate a variant's
	// bandwidth may use.
	BandwidthUpgradeTarget float64
}

// DefaultConfig returns the configuration a new SimpleManager starts with.
func DefaultConfig() Config {
	return Config{
		DefaultBandwidthEstimate: 500e3,
		SwitchInterval:           8 * time.Second,
		BandwidthUpgradeTarget:   0.85,
	}
}

func (c Config) validate() error {
	if c.DefaultBandwidthEstimate <= 0 {
		return fmt.Errorf("%w: default bandwidth estimate must be positive, got %v", ErrInvalidConfig, c.DefaultBandwidthEstimate)
	}
	if c.SwitchInterval < 0 {
		return fmt.Errorf("%w: switch interval must not be negative, got %v", ErrInvalidConfig, c.SwitchInterval)
	}
	if c.BandwidthUpgradeTarget <= 0 || c.BandwidthUpgradeTarget > 1 {
		return fmt.Errorf("%w: bandwidth upgrade target must be in (0, 1], got %v", ErrInvalidConfig, c.BandwidthUpgradeTarget)
	}
	return nil
}

// TypeSet builds a lookup set from a list of media types.
func TypeSet(types ...manifest.MediaType) map[manifest.MediaType]bool {
	set := make(map[manifest.MediaType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return set
}
