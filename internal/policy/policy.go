// Package policy holds the per-provider fallback configuration. Values are
// authored in seconds in an optional YAML file and converted to durations
// exactly once here; nothing downstream re-derives them.
//
// Precedence: built-in defaults, then the YAML file (per provider, field by
// field where a value is present). There are no other sources.
package policy

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/strefethen/nowplaying-hub/internal/provider"
)

// DefaultSecondaryClamp is the reduced effective error threshold applied to
// a non-primary provider on its first attempt, so the system walks down the
// priority list quickly instead of lingering on a struggling fallback.
const DefaultSecondaryClamp = 3

// Fallback is the immutable fallback policy for one provider.
type Fallback struct {
	// ErrorThreshold is the error count that forces cooldown. Always >= 1.
	ErrorThreshold int
	// FallbackWindow forces cooldown once this long has passed since the
	// first error of a streak, even if the count never reaches the
	// threshold. Zero disables window enforcement (count only).
	FallbackWindow time.Duration
	// RetryInterval is the cadence for retrying or probing the provider
	// after it fell back.
	RetryInterval time.Duration
	// RetryCooldown is how long the provider is suspended after crossing
	// its threshold.
	RetryCooldown time.Duration
	// RetryMaxWindow bounds one recovery window. Zero means unbounded.
	RetryMaxWindow time.Duration
	// DataTimeout declares the provider failed when no data arrives for
	// this long. Zero disables the watchdog (push providers).
	DataTimeout time.Duration
	// TriggersFallback controls whether errors count toward fallback at
	// all. When false errors are logged and dropped.
	TriggersFallback bool
}

// Set is the full policy table plus cross-provider knobs.
type Set struct {
	Providers map[provider.ID]Fallback
	// SecondaryClamp caps the effective threshold for non-primary active
	// providers on their first attempt.
	SecondaryClamp int
	// ClampAfterRecovery re-applies the clamp after a provider has
	// recovered once and fails again. Off by default: a provider that
	// proved it can recover earns its full threshold back.
	ClampAfterRecovery bool
}

// For returns the policy for a provider, falling back to conservative
// defaults for unknown IDs.
func (s Set) For(id provider.ID) Fallback {
	if f, ok := s.Providers[id]; ok {
		return f
	}
	return Fallback{
		ErrorThreshold:   3,
		FallbackWindow:   30 * time.Second,
		RetryInterval:    30 * time.Second,
		RetryCooldown:    60 * time.Second,
		TriggersFallback: true,
	}
}

// Defaults returns the built-in policy table.
func Defaults() Set {
	return Set{
		SecondaryClamp: DefaultSecondaryClamp,
		Providers: map[provider.ID]Fallback{
			provider.CloudPoll: {
				ErrorThreshold:   5,
				FallbackWindow:   30 * time.Second,
				RetryInterval:    30 * time.Second,
				RetryCooldown:    60 * time.Second,
				DataTimeout:      45 * time.Second,
				TriggersFallback: true,
			},
			provider.CloudPushA: {
				ErrorThreshold:   5,
				FallbackWindow:   30 * time.Second,
				RetryInterval:    30 * time.Second,
				RetryCooldown:    60 * time.Second,
				TriggersFallback: true,
			},
			provider.CloudPushB: {
				ErrorThreshold:   5,
				FallbackWindow:   30 * time.Second,
				RetryInterval:    30 * time.Second,
				RetryCooldown:    60 * time.Second,
				TriggersFallback: true,
			},
			provider.LocalNetwork: {
				ErrorThreshold:   3,
				FallbackWindow:   20 * time.Second,
				RetryInterval:    20 * time.Second,
				RetryCooldown:    45 * time.Second,
				RetryMaxWindow:   10 * time.Minute,
				DataTimeout:      30 * time.Second,
				TriggersFallback: true,
			},
		},
	}
}

// fileProvider is the YAML shape for one provider. Pointer fields so an
// absent key keeps the default instead of zeroing it.
type fileProvider struct {
	ErrorThreshold   *int  `yaml:"error_threshold"`
	FallbackWindowS  *int  `yaml:"fallback_time_window_seconds"`
	RetryIntervalS   *int  `yaml:"retry_interval_seconds"`
	RetryCooldownS   *int  `yaml:"retry_cooldown_seconds"`
	RetryMaxWindowS  *int  `yaml:"retry_max_window_seconds"`
	TimeoutS         *int  `yaml:"timeout_seconds"`
	TriggersFallback *bool `yaml:"triggers_fallback_on_error"`
}

type fileConfig struct {
	SecondaryClamp     *int                         `yaml:"secondary_error_threshold_clamp"`
	ClampAfterRecovery *bool                        `yaml:"clamp_after_recovery"`
	Providers          map[provider.ID]fileProvider `yaml:"providers"`
}

// Load reads the policy file at path and merges it over the defaults.
// An empty path returns the defaults unchanged.
func Load(path string) (Set, error) {
	set := Defaults()
	if path == "" {
		return set, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Set{}, fmt.Errorf("read policy file: %w", err)
	}

	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Set{}, fmt.Errorf("parse policy file: %w", err)
	}

	if file.SecondaryClamp != nil {
		set.SecondaryClamp = *file.SecondaryClamp
	}
	if file.ClampAfterRecovery != nil {
		set.ClampAfterRecovery = *file.ClampAfterRecovery
	}

	for id, fp := range file.Providers {
		if _, ok := provider.Describe(id); !ok {
			return Set{}, fmt.Errorf("policy file: unknown provider %q", id)
		}
		f := set.For(id)
		if fp.ErrorThreshold != nil {
			f.ErrorThreshold = *fp.ErrorThreshold
		}
		if fp.FallbackWindowS != nil {
			f.FallbackWindow = time.Duration(*fp.FallbackWindowS) * time.Second
		}
		if fp.RetryIntervalS != nil {
			f.RetryInterval = time.Duration(*fp.RetryIntervalS) * time.Second
		}
		if fp.RetryCooldownS != nil {
			f.RetryCooldown = time.Duration(*fp.RetryCooldownS) * time.Second
		}
		if fp.RetryMaxWindowS != nil {
			f.RetryMaxWindow = time.Duration(*fp.RetryMaxWindowS) * time.Second
		}
		if fp.TimeoutS != nil {
			f.DataTimeout = time.Duration(*fp.TimeoutS) * time.Second
		}
		if fp.TriggersFallback != nil {
			f.TriggersFallback = *fp.TriggersFallback
		}
		if f.ErrorThreshold < 1 {
			return Set{}, fmt.Errorf("policy file: %s: error_threshold must be >= 1", id)
		}
		set.Providers[id] = f
	}

	return set, nil
}
