package priority

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/strefethen/nowplaying-hub/internal/policy"
	"github.com/strefethen/nowplaying-hub/internal/provider"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func allEnabled() Enablement {
	return Enablement{
		Credentials: map[provider.CredentialSet]bool{
			provider.CredentialPrimary:   true,
			provider.CredentialSecondary: true,
		},
		Providers: map[provider.ID]bool{},
	}
}

func newTestMachine(t *testing.T, cfg Config) *Machine {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	if cfg.Policies.Providers == nil {
		cfg.Policies = policy.Defaults()
	}
	m := NewMachine(cfg)
	t.Cleanup(m.Close)
	return m
}

func tripProvider(t *testing.T, m *Machine, id provider.ID, count int) {
	t.Helper()
	for i := 0; i < count; i++ {
		m.ReportError(id, false)
	}
}

func TestMachine_EnablementActivatesHighestPriority(t *testing.T) {
	m := newTestMachine(t, Config{})
	m.UpdateEnabledProviders(allEnabled())

	require.Equal(t, provider.CloudPoll, m.Current())
	snap := m.Snapshot()
	require.Equal(t, provider.CloudPoll, snap.Current)
	require.True(t, snap.Transitioning)
	for _, ps := range snap.Providers {
		if ps.ID == provider.CloudPoll {
			require.Equal(t, StatusActive, ps.Status)
		} else {
			require.Equal(t, StatusStandby, ps.Status)
		}
		require.True(t, ps.Enabled)
	}
}

func TestMachine_MissingCredentialDisablesProvider(t *testing.T) {
	m := newTestMachine(t, Config{})
	e := allEnabled()
	e.Credentials[provider.CredentialSecondary] = false
	m.UpdateEnabledProviders(e)

	snap := m.Snapshot()
	for _, ps := range snap.Providers {
		if ps.ID == provider.CloudPushB {
			require.Equal(t, StatusDisabled, ps.Status)
			require.False(t, ps.Enabled)
		} else {
			require.True(t, ps.Enabled)
		}
	}
}

func TestMachine_ErrorThresholdTriggersFallback(t *testing.T) {
	m := newTestMachine(t, Config{})
	m.UpdateEnabledProviders(allEnabled())

	// CloudPoll's threshold is 5.
	tripProvider(t, m, provider.CloudPoll, 5)

	require.Equal(t, provider.CloudPushA, m.Current())
	h, ok := m.HealthOf(provider.CloudPoll)
	require.True(t, ok)
	require.Equal(t, StatusCooldown, h.Status)
	require.Equal(t, 1, h.Cooldowns)
	require.Zero(t, h.ErrorCount)
	require.True(t, h.CooldownUntil.After(time.Now()))
}

func TestMachine_AuthErrorsNeverCountTowardFallback(t *testing.T) {
	m := newTestMachine(t, Config{})
	m.UpdateEnabledProviders(allEnabled())

	for i := 0; i < 10; i++ {
		m.ReportError(provider.CloudPoll, true)
	}

	require.Equal(t, provider.CloudPoll, m.Current())
	h, _ := m.HealthOf(provider.CloudPoll)
	require.Equal(t, StatusActive, h.Status)
	require.Zero(t, h.ErrorCount)
}

func TestMachine_SuccessResetsErrorStreak(t *testing.T) {
	m := newTestMachine(t, Config{})
	m.UpdateEnabledProviders(allEnabled())

	tripProvider(t, m, provider.CloudPoll, 2)
	h, _ := m.HealthOf(provider.CloudPoll)
	require.Equal(t, StatusFailing, h.Status)
	require.Equal(t, 2, h.ErrorCount)

	m.ReportSuccess(provider.CloudPoll)
	h, _ = m.HealthOf(provider.CloudPoll)
	require.Equal(t, StatusActive, h.Status)
	require.Zero(t, h.ErrorCount)
	require.False(t, h.LastDataAt.IsZero())
}

func TestMachine_SuccessFromInactiveProviderIsNoOp(t *testing.T) {
	m := newTestMachine(t, Config{})
	m.UpdateEnabledProviders(allEnabled())

	m.ReportSuccess(provider.LocalNetwork)

	h, _ := m.HealthOf(provider.LocalNetwork)
	require.Equal(t, StatusStandby, h.Status)
	require.True(t, h.LastDataAt.IsZero())
	require.Equal(t, provider.CloudPoll, m.Current())
}

func TestMachine_SecondaryClampTightensThreshold(t *testing.T) {
	m := newTestMachine(t, Config{})
	m.UpdateEnabledProviders(allEnabled())

	tripProvider(t, m, provider.CloudPoll, 5)
	require.Equal(t, provider.CloudPushA, m.Current())

	// CloudPushA's own threshold is 5, but as a first-attempt fallback it
	// is clamped to 3.
	tripProvider(t, m, provider.CloudPushA, 3)

	require.Equal(t, provider.CloudPushB, m.Current())
	h, _ := m.HealthOf(provider.CloudPushA)
	require.Equal(t, StatusCooldown, h.Status)
}

func TestMachine_FallbackWindowElapsedForcesCooldown(t *testing.T) {
	policies := policy.Defaults()
	policies.Providers[provider.CloudPoll] = policy.Fallback{
		ErrorThreshold:   100,
		FallbackWindow:   30 * time.Millisecond,
		RetryInterval:    time.Hour,
		RetryCooldown:    time.Hour,
		TriggersFallback: true,
	}
	m := newTestMachine(t, Config{Policies: policies})
	m.UpdateEnabledProviders(allEnabled())

	m.ReportError(provider.CloudPoll, false)

	require.Eventually(t, func() bool {
		h, _ := m.HealthOf(provider.CloudPoll)
		return h.Status == StatusCooldown
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, provider.CloudPushA, m.Current())
}

func TestMachine_StandbyThresholdTripDoesNotDemoteActive(t *testing.T) {
	m := newTestMachine(t, Config{})
	m.UpdateEnabledProviders(allEnabled())
	m.ReportSuccess(provider.CloudPoll)

	// A warm standby source erroring past its threshold cools down but
	// must leave the healthy active provider in place.
	tripProvider(t, m, provider.CloudPushB, 5)

	require.Equal(t, provider.CloudPoll, m.Current())
	h, _ := m.HealthOf(provider.CloudPoll)
	require.Equal(t, StatusActive, h.Status)
	h, _ = m.HealthOf(provider.CloudPushB)
	require.Equal(t, StatusCooldown, h.Status)
	require.Equal(t, 1, h.Cooldowns)
	h, _ = m.HealthOf(provider.LocalNetwork)
	require.Equal(t, StatusStandby, h.Status)
}

func TestMachine_StandbyTripOfHigherPriorityStartsRecovery(t *testing.T) {
	probe := func(ctx context.Context, id provider.ID) (bool, error) {
		return false, nil
	}
	m := newTestMachine(t, Config{Probe: probe})
	m.UpdateEnabledProviders(allEnabled())
	require.NoError(t, m.SwitchToService(provider.LocalNetwork))

	tripProvider(t, m, provider.CloudPushA, 5)

	require.Equal(t, provider.LocalNetwork, m.Current())
	snap := m.Snapshot()
	require.True(t, snap.Providers[1].UnderRecovery)
}

func TestMachine_RetryWindowExhaustionStopsRetry(t *testing.T) {
	policies := policy.Defaults()
	policies.Providers[provider.LocalNetwork] = policy.Fallback{
		ErrorThreshold:   2,
		RetryInterval:    10 * time.Millisecond,
		RetryCooldown:    40 * time.Millisecond,
		RetryMaxWindow:   20 * time.Millisecond,
		TriggersFallback: true,
	}
	m := newTestMachine(t, Config{Policies: policies})
	e := Enablement{
		Credentials: map[provider.CredentialSet]bool{},
		Providers:   map[provider.ID]bool{provider.LocalNetwork: true},
	}
	m.UpdateEnabledProviders(e)

	tripProvider(t, m, provider.LocalNetwork, 2)
	require.Empty(t, m.Current())

	// The retry window is shorter than the cooldown, so the retry timer
	// gives up before the cooldown elapses and nothing reactivates the
	// provider. With no probe configured there is no recovery path either.
	require.Never(t, func() bool {
		return m.Current() != ""
	}, 200*time.Millisecond, 10*time.Millisecond)
	h, _ := m.HealthOf(provider.LocalNetwork)
	require.Equal(t, StatusCooldown, h.Status)
	require.True(t, h.CooldownUntil.Before(time.Now()))
}

func TestMachine_TimeoutCountsLikeError(t *testing.T) {
	m := newTestMachine(t, Config{})
	m.UpdateEnabledProviders(allEnabled())

	m.ReportTimeout(provider.CloudPoll)

	h, _ := m.HealthOf(provider.CloudPoll)
	require.Equal(t, 1, h.ErrorCount)
	require.Equal(t, StatusFailing, h.Status)
}

func TestMachine_ErrorsIgnoredWhenProviderDoesNotTriggerFallback(t *testing.T) {
	policies := policy.Defaults()
	p := policies.Providers[provider.CloudPoll]
	p.TriggersFallback = false
	policies.Providers[provider.CloudPoll] = p
	m := newTestMachine(t, Config{Policies: policies})
	m.UpdateEnabledProviders(allEnabled())

	tripProvider(t, m, provider.CloudPoll, 20)

	require.Equal(t, provider.CloudPoll, m.Current())
	h, _ := m.HealthOf(provider.CloudPoll)
	require.Zero(t, h.ErrorCount)
}

func TestMachine_SwitchToServicePreservesErrorCount(t *testing.T) {
	m := newTestMachine(t, Config{})
	m.UpdateEnabledProviders(allEnabled())

	tripProvider(t, m, provider.CloudPoll, 2)
	require.NoError(t, m.SwitchToService(provider.CloudPushB))
	require.Equal(t, provider.CloudPushB, m.Current())

	h, _ := m.HealthOf(provider.CloudPoll)
	require.Equal(t, 2, h.ErrorCount)

	// Switching back does not reset either.
	require.NoError(t, m.SwitchToService(provider.CloudPoll))
	h, _ = m.HealthOf(provider.CloudPoll)
	require.Equal(t, 2, h.ErrorCount)
}

func TestMachine_ActivateServiceValidation(t *testing.T) {
	m := newTestMachine(t, Config{})
	m.UpdateEnabledProviders(allEnabled())

	err := m.ActivateService(provider.ID("bogus"))
	require.ErrorIs(t, err, ErrUnknownProvider)

	e := allEnabled()
	e.Providers[provider.LocalNetwork] = false
	m.UpdateEnabledProviders(e)
	err = m.ActivateService(provider.LocalNetwork)
	require.ErrorIs(t, err, ErrProviderDisabled)

	m.UpdateEnabledProviders(allEnabled())
	tripProvider(t, m, provider.CloudPoll, 5)
	err = m.ActivateService(provider.CloudPoll)
	require.ErrorIs(t, err, ErrProviderCoolingDown)
}

func TestMachine_ActivateServiceResetsErrors(t *testing.T) {
	m := newTestMachine(t, Config{})
	m.UpdateEnabledProviders(allEnabled())

	tripProvider(t, m, provider.CloudPoll, 2)
	require.NoError(t, m.ActivateService(provider.CloudPushA))
	require.NoError(t, m.ActivateService(provider.CloudPoll))

	h, _ := m.HealthOf(provider.CloudPoll)
	require.Zero(t, h.ErrorCount)
	require.Equal(t, StatusActive, h.Status)
}

func TestMachine_DisablingActiveProviderFallsBack(t *testing.T) {
	m := newTestMachine(t, Config{})
	m.UpdateEnabledProviders(allEnabled())
	require.Equal(t, provider.CloudPoll, m.Current())

	e := allEnabled()
	e.Providers[provider.CloudPoll] = false
	m.UpdateEnabledProviders(e)

	require.Equal(t, provider.CloudPushA, m.Current())
	h, _ := m.HealthOf(provider.CloudPoll)
	require.Equal(t, StatusDisabled, h.Status)
}

func TestMachine_ReenablingHigherPriorityPromotesIt(t *testing.T) {
	m := newTestMachine(t, Config{})
	e := allEnabled()
	e.Providers[provider.CloudPoll] = false
	m.UpdateEnabledProviders(e)
	require.Equal(t, provider.CloudPushA, m.Current())

	m.UpdateEnabledProviders(allEnabled())
	require.Equal(t, provider.CloudPoll, m.Current())
}

func TestMachine_ForcedResetWhenNothingCleanlyAvailable(t *testing.T) {
	m := newTestMachine(t, Config{})
	e := Enablement{
		Credentials: map[provider.CredentialSet]bool{},
		Providers: map[provider.ID]bool{
			provider.LocalNetwork: true,
		},
	}
	m.UpdateEnabledProviders(e)
	require.Equal(t, provider.LocalNetwork, m.Current())

	// Trip the only enabled provider so nothing is cleanly available, then
	// recompute enablement. The recompute must force-reset the provider
	// rather than strand the system with nothing active.
	tripProvider(t, m, provider.LocalNetwork, 3)
	require.Empty(t, m.Current())

	m.UpdateEnabledProviders(e)

	require.Equal(t, provider.LocalNetwork, m.Current())
	h, _ := m.HealthOf(provider.LocalNetwork)
	require.Equal(t, StatusActive, h.Status)
}

func TestMachine_ApplyHealthSignalFallback(t *testing.T) {
	m := newTestMachine(t, Config{})
	m.UpdateEnabledProviders(allEnabled())

	m.ApplyHealthSignal(HealthSignal{
		Provider:       provider.CloudPoll,
		Status:         HealthUnavailable,
		ShouldFallback: true,
		RetryIn:        time.Minute,
	})

	require.Equal(t, provider.CloudPushA, m.Current())
	h, _ := m.HealthOf(provider.CloudPoll)
	require.Equal(t, StatusCooldown, h.Status)
}

func TestMachine_ApplyHealthSignalHealthyRestoresProvider(t *testing.T) {
	m := newTestMachine(t, Config{})
	m.UpdateEnabledProviders(allEnabled())
	tripProvider(t, m, provider.CloudPoll, 5)
	require.Equal(t, provider.CloudPushA, m.Current())

	m.ApplyHealthSignal(HealthSignal{
		Provider: provider.CloudPoll,
		Status:   HealthHealthy,
	})

	require.Equal(t, provider.CloudPoll, m.Current())
	h, _ := m.HealthOf(provider.CloudPoll)
	require.Equal(t, StatusActive, h.Status)
	require.Equal(t, 1, h.Recoveries)
}

func TestMachine_RecoveringSignalSuppressesLocalErrors(t *testing.T) {
	m := newTestMachine(t, Config{})
	m.UpdateEnabledProviders(allEnabled())

	m.ApplyHealthSignal(HealthSignal{
		Provider: provider.CloudPoll,
		Status:   HealthRecovering,
	})
	tripProvider(t, m, provider.CloudPoll, 10)

	require.Equal(t, provider.CloudPoll, m.Current())
	h, _ := m.HealthOf(provider.CloudPoll)
	require.Zero(t, h.ErrorCount)

	snap := m.Snapshot()
	require.True(t, snap.Providers[0].AwaitingRecovery)
}

func TestMachine_OnExternalReconnectClearsCloudProviders(t *testing.T) {
	m := newTestMachine(t, Config{})
	m.UpdateEnabledProviders(allEnabled())
	tripProvider(t, m, provider.CloudPoll, 5)
	require.Equal(t, provider.CloudPushA, m.Current())

	m.OnExternalReconnect()

	require.Equal(t, provider.CloudPoll, m.Current())
	h, _ := m.HealthOf(provider.CloudPoll)
	require.Equal(t, StatusActive, h.Status)
	require.Zero(t, h.ErrorCount)
}

func TestMachine_SubscribeReceivesTransitions(t *testing.T) {
	m := newTestMachine(t, Config{})

	var mu sync.Mutex
	var got []Transition
	m.Subscribe(func(tr Transition) {
		mu.Lock()
		got = append(got, tr)
		mu.Unlock()
	})

	m.UpdateEnabledProviders(allEnabled())

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, got)
	last := got[len(got)-1]
	require.Equal(t, provider.CloudPoll, last.Provider)
	require.Equal(t, StatusActive, last.To)
	require.Equal(t, provider.CloudPoll, last.Current)
	require.False(t, last.At.IsZero())
}

func TestMachine_QuiesceLowerPriorityDropsRecovery(t *testing.T) {
	probe := func(ctx context.Context, id provider.ID) (bool, error) {
		return false, nil
	}
	m := newTestMachine(t, Config{Probe: probe})
	e := allEnabled()
	e.Providers[provider.CloudPoll] = false
	m.UpdateEnabledProviders(e)

	// With CloudPoll disabled, CloudPushA is the highest enabled provider
	// and gets its full threshold of 5.
	tripProvider(t, m, provider.CloudPushA, 5)
	snap := m.Snapshot()
	require.True(t, snap.Providers[1].UnderRecovery)

	m.QuiesceLowerPriority(provider.CloudPoll)
	snap = m.Snapshot()
	require.False(t, snap.Providers[1].UnderRecovery)
}

func TestMachine_ResetReturnsToColdStart(t *testing.T) {
	m := newTestMachine(t, Config{})
	m.UpdateEnabledProviders(allEnabled())
	tripProvider(t, m, provider.CloudPoll, 5)

	m.Reset()

	require.Empty(t, m.Current())
	snap := m.Snapshot()
	require.False(t, snap.Transitioning)
	for _, ps := range snap.Providers {
		require.Equal(t, StatusStandby, ps.Status)
		require.Zero(t, ps.ErrorCount)
		require.Nil(t, ps.CooldownUntil)
	}
}
