package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/strefethen/nowplaying-hub/internal/policy"
	"github.com/strefethen/nowplaying-hub/internal/provider"
)

func fastCycling() CyclingConfig {
	return CyclingConfig{
		Enabled:           true,
		PausedNoTrackWait: 30 * time.Millisecond,
		StoppedWait:       30 * time.Millisecond,
		IdleWait:          30 * time.Millisecond,
		ResetCooldown:     time.Hour,
	}
}

func TestCyclingConfig_Defaults(t *testing.T) {
	c := CyclingConfig{Enabled: true}.withDefaults()
	require.Equal(t, 30*time.Second, c.PausedNoTrackWait)
	require.Equal(t, 20*time.Second, c.StoppedWait)
	require.Equal(t, 20*time.Second, c.IdleWait)
	require.Equal(t, 5*time.Minute, c.ResetCooldown)
	require.Zero(t, c.PausedWithTrackWait)
}

func TestCyclingConfig_IdleWaitSelection(t *testing.T) {
	c := fastCycling()

	_, ok := c.idleWait(provider.Payload{Title: "Song", State: provider.StatePaused})
	require.False(t, ok, "paused with track must not cycle when the wait is zero")

	c.PausedWithTrackWait = time.Minute
	wait, ok := c.idleWait(provider.Payload{Title: "Song", State: provider.StatePaused})
	require.True(t, ok)
	require.Equal(t, time.Minute, wait)

	wait, ok = c.idleWait(provider.Payload{State: provider.StatePaused})
	require.True(t, ok)
	require.Equal(t, c.PausedNoTrackWait, wait)

	wait, ok = c.idleWait(provider.Payload{State: provider.StateStopped})
	require.True(t, ok)
	require.Equal(t, c.StoppedWait, wait)

	wait, ok = c.idleWait(provider.Payload{State: provider.StateIdle})
	require.True(t, ok)
	require.Equal(t, c.IdleWait, wait)

	_, ok = c.idleWait(provider.Payload{Title: "Song", State: provider.StatePlaying, IsPlaying: true})
	require.False(t, ok)
}

func TestCycling_SweepSkipsSharedCredentialProvider(t *testing.T) {
	h := newHarness(t, policy.Set{}, fastCycling())
	h.waitForActive(t, provider.CloudPoll)

	// CloudPoll goes idle. CloudPushA shares its account so the sweep must
	// jump straight to CloudPushB.
	h.sources[provider.CloudPoll].emit(provider.Event{
		Payload: &provider.Payload{State: provider.StatePaused},
	})

	h.waitForActive(t, provider.CloudPushB)
}

func TestCycling_SnapBackWhenOriginalResumes(t *testing.T) {
	h := newHarness(t, policy.Set{}, fastCycling())
	h.waitForActive(t, provider.CloudPoll)

	h.sources[provider.CloudPoll].emit(provider.Event{
		Payload: &provider.Payload{State: provider.StateStopped},
	})
	h.waitForActive(t, provider.CloudPushB)

	// The original provider starts playing again; the sweep must snap back
	// without treating the cycle as a failure.
	h.sources[provider.CloudPoll].emit(provider.Event{Payload: playingPayload("Back Again")})

	h.waitForActive(t, provider.CloudPoll)
	hp, _ := h.machine.HealthOf(provider.CloudPoll)
	require.Zero(t, hp.Cooldowns)
}

func TestCycling_FullSweepSettlesOnHighestPriority(t *testing.T) {
	h := newHarness(t, policy.Set{}, fastCycling())
	h.waitForActive(t, provider.CloudPoll)

	idle := func(id provider.ID) {
		h.sources[id].emit(provider.Event{
			Payload: &provider.Payload{State: provider.StateStopped},
		})
	}

	idle(provider.CloudPoll)
	h.waitForActive(t, provider.CloudPushB)
	idle(provider.CloudPushB)
	h.waitForActive(t, provider.LocalNetwork)
	idle(provider.LocalNetwork)

	// Every provider was checked and nothing is playing; the sweep settles
	// back on the highest-priority provider.
	h.waitForActive(t, provider.CloudPoll)
}

func TestCycling_PausedWithTrackDoesNotCycleByDefault(t *testing.T) {
	h := newHarness(t, policy.Set{}, fastCycling())
	h.waitForActive(t, provider.CloudPoll)

	h.sources[provider.CloudPoll].emit(provider.Event{
		Payload: &provider.Payload{Title: "Song A", State: provider.StatePaused},
	})

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, provider.CloudPoll, h.orch.View().ActiveProvider)
}

func TestCycling_DisabledMeansNoSweep(t *testing.T) {
	h := newHarness(t, policy.Set{}, CyclingConfig{})
	h.waitForActive(t, provider.CloudPoll)

	h.sources[provider.CloudPoll].emit(provider.Event{
		Payload: &provider.Payload{State: provider.StatePaused},
	})

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, provider.CloudPoll, h.orch.View().ActiveProvider)
}

func TestCycling_IdlePayloadFromInactiveProviderIgnored(t *testing.T) {
	h := newHarness(t, policy.Set{}, fastCycling())
	h.waitForActive(t, provider.CloudPoll)

	h.sources[provider.LocalNetwork].emit(provider.Event{
		Payload: &provider.Payload{State: provider.StatePaused},
	})

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, provider.CloudPoll, h.orch.View().ActiveProvider)
}
