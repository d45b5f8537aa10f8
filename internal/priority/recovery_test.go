package priority

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/strefethen/nowplaying-hub/internal/policy"
	"github.com/strefethen/nowplaying-hub/internal/provider"
)

func fastPolicies(id provider.ID, threshold int) policy.Set {
	s := policy.Defaults()
	s.Providers[id] = policy.Fallback{
		ErrorThreshold:   threshold,
		RetryInterval:    10 * time.Millisecond,
		RetryCooldown:    time.Hour,
		TriggersFallback: true,
	}
	return s
}

func TestRecovery_ProbeSuccessPromotesFailedProvider(t *testing.T) {
	var healthy atomic.Bool
	var probes atomic.Int32
	probe := func(ctx context.Context, id provider.ID) (bool, error) {
		probes.Add(1)
		return healthy.Load(), nil
	}

	m := newTestMachine(t, Config{
		Policies: fastPolicies(provider.CloudPoll, 2),
		Probe:    probe,
	})
	m.UpdateEnabledProviders(allEnabled())

	tripProvider(t, m, provider.CloudPoll, 2)
	require.Equal(t, provider.CloudPushA, m.Current())
	snap := m.Snapshot()
	require.True(t, snap.Providers[0].UnderRecovery)

	// Let a few probes fail first; the provider must stay demoted.
	require.Eventually(t, func() bool {
		return probes.Load() >= 2
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, provider.CloudPushA, m.Current())

	healthy.Store(true)
	require.Eventually(t, func() bool {
		return m.Current() == provider.CloudPoll
	}, time.Second, 5*time.Millisecond)

	h, _ := m.HealthOf(provider.CloudPoll)
	require.Equal(t, StatusActive, h.Status)
	require.Equal(t, 1, h.Recoveries)
	snap = m.Snapshot()
	require.False(t, snap.Providers[0].UnderRecovery)
	require.False(t, snap.Providers[0].AwaitingRecovery)
}

func TestRecovery_OnlyProviderRestoredByProbe(t *testing.T) {
	var healthy atomic.Bool
	probe := func(ctx context.Context, id provider.ID) (bool, error) {
		return healthy.Load(), nil
	}

	m := newTestMachine(t, Config{
		Policies: fastPolicies(provider.LocalNetwork, 2),
		Probe:    probe,
	})
	e := Enablement{
		Credentials: map[provider.CredentialSet]bool{},
		Providers:   map[provider.ID]bool{provider.LocalNetwork: true},
	}
	m.UpdateEnabledProviders(e)
	require.Equal(t, provider.LocalNetwork, m.Current())

	tripProvider(t, m, provider.LocalNetwork, 2)
	require.Empty(t, m.Current())

	healthy.Store(true)
	require.Eventually(t, func() bool {
		return m.Current() == provider.LocalNetwork
	}, time.Second, 5*time.Millisecond)
}

func TestRecovery_WindowExpiryParksProbingThenResumes(t *testing.T) {
	var healthy atomic.Bool
	var probes atomic.Int32
	probe := func(ctx context.Context, id provider.ID) (bool, error) {
		probes.Add(1)
		return healthy.Load(), nil
	}

	policies := policy.Defaults()
	policies.Providers[provider.LocalNetwork] = policy.Fallback{
		ErrorThreshold:   2,
		RetryInterval:    10 * time.Millisecond,
		RetryCooldown:    300 * time.Millisecond,
		RetryMaxWindow:   25 * time.Millisecond,
		TriggersFallback: true,
	}
	m := newTestMachine(t, Config{Policies: policies, Probe: probe})
	e := Enablement{
		Credentials: map[provider.CredentialSet]bool{},
		Providers:   map[provider.ID]bool{provider.LocalNetwork: true},
	}
	m.UpdateEnabledProviders(e)

	tripProvider(t, m, provider.LocalNetwork, 2)
	require.Empty(t, m.Current())
	require.Eventually(t, func() bool {
		return probes.Load() >= 2
	}, time.Second, 5*time.Millisecond)

	// The retry window elapses and parks the recovery state: probing
	// pauses for the cooldown but monitoring is never abandoned.
	require.Eventually(t, func() bool {
		before := probes.Load()
		time.Sleep(50 * time.Millisecond)
		return probes.Load() == before
	}, 2*time.Second, 5*time.Millisecond)
	snap := m.Snapshot()
	require.True(t, snap.Providers[3].UnderRecovery)
	parked := probes.Load()

	// Once the cooldown ends the window restarts and probes resume.
	healthy.Store(true)
	require.Eventually(t, func() bool {
		return m.Current() == provider.LocalNetwork
	}, 2*time.Second, 5*time.Millisecond)
	require.Greater(t, probes.Load(), parked)

	h, _ := m.HealthOf(provider.LocalNetwork)
	require.Equal(t, 1, h.Recoveries)
}

func TestRecovery_NoProbeConfiguredSkipsMonitoring(t *testing.T) {
	m := newTestMachine(t, Config{})
	m.UpdateEnabledProviders(allEnabled())

	tripProvider(t, m, provider.CloudPoll, 5)

	snap := m.Snapshot()
	require.False(t, snap.Providers[0].UnderRecovery)
}

func TestRecovery_DisablingProviderStopsMonitoring(t *testing.T) {
	probe := func(ctx context.Context, id provider.ID) (bool, error) {
		return false, nil
	}
	m := newTestMachine(t, Config{Probe: probe})
	m.UpdateEnabledProviders(allEnabled())

	tripProvider(t, m, provider.CloudPoll, 5)
	snap := m.Snapshot()
	require.True(t, snap.Providers[0].UnderRecovery)

	e := allEnabled()
	e.Providers[provider.CloudPoll] = false
	m.UpdateEnabledProviders(e)

	snap = m.Snapshot()
	require.False(t, snap.Providers[0].UnderRecovery)
}
