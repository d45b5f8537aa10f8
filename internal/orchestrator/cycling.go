package orchestrator

import (
	"time"

	"github.com/strefethen/nowplaying-hub/internal/priority"
	"github.com/strefethen/nowplaying-hub/internal/provider"
)

// CyclingConfig controls pause-cycling: trying the next provider when the
// active one goes idle, while remembering the original provider so the
// view snaps back once it resumes.
type CyclingConfig struct {
	Enabled bool
	// PausedWithTrackWait applies when playback pauses but track metadata
	// is still present. Zero keeps cycling off for this case: the user is
	// likely to resume.
	PausedWithTrackWait time.Duration
	// PausedNoTrackWait applies when playback pauses with no metadata.
	PausedNoTrackWait time.Duration
	// StoppedWait applies to an explicit stopped report.
	StoppedWait time.Duration
	// IdleWait applies when the provider reports no media at all.
	IdleWait time.Duration
	// ResetCooldown is how long after a full unsuccessful sweep the
	// checked set is held before the sweep may run again.
	ResetCooldown time.Duration
}

func (c CyclingConfig) withDefaults() CyclingConfig {
	if c.PausedNoTrackWait <= 0 {
		c.PausedNoTrackWait = 30 * time.Second
	}
	if c.StoppedWait <= 0 {
		c.StoppedWait = 20 * time.Second
	}
	if c.IdleWait <= 0 {
		c.IdleWait = 20 * time.Second
	}
	if c.ResetCooldown <= 0 {
		c.ResetCooldown = 5 * time.Minute
	}
	return c
}

// idleWait picks the wait duration for an idle payload. The second return
// is false when this idle kind does not cycle at all.
func (c CyclingConfig) idleWait(p provider.Payload) (time.Duration, bool) {
	switch {
	case p.State == provider.StatePaused && p.HasTrack():
		if c.PausedWithTrackWait <= 0 {
			return 0, false
		}
		return c.PausedWithTrackWait, true
	case p.State == provider.StatePaused:
		return c.PausedNoTrackWait, true
	case p.State == provider.StateStopped:
		return c.StoppedWait, true
	case p.State == provider.StateIdle || !p.HasTrack():
		return c.IdleWait, true
	default:
		return 0, false
	}
}

// handleCyclingPayload runs on the loop goroutine for every payload.
func (o *Orchestrator) handleCyclingPayload(id provider.ID, p provider.Payload) {
	if !o.cycling.Enabled {
		return
	}

	if p.IsPlaying {
		o.cancelPauseTimer()
		if o.waitingFor != "" && id == o.waitingFor {
			// The original provider resumed. Snap back and freeze cycling.
			if id != o.active {
				if err := o.machine.SwitchToService(id); err != nil {
					o.logger.Printf("CYCLE: snap back to %s: %v", id, err)
				}
			}
			o.resetCycleState()
		} else if id == o.active {
			o.resetCycleState()
		}
		return
	}

	if id != o.active {
		return
	}

	wait, ok := o.cycling.idleWait(p)
	if !ok {
		o.cancelPauseTimer()
		return
	}
	if o.pauseTimer != nil && o.pauseWaitingOn == id {
		return // already waiting on this provider
	}
	o.armPauseTimer(id, wait)
}

func (o *Orchestrator) armPauseTimer(id provider.ID, wait time.Duration) {
	o.cancelPauseTimer()
	o.pauseGen++
	gen := o.pauseGen
	o.pauseWaitingOn = id
	o.logger.Printf("CYCLE: %s idle, waiting %s before trying the next provider", id, wait)
	o.pauseTimer = time.AfterFunc(wait, func() {
		o.postFn(func() { o.onPauseExpired(id, gen) })
	})
}

func (o *Orchestrator) cancelPauseTimer() {
	if o.pauseTimer != nil {
		o.pauseTimer.Stop()
		o.pauseTimer = nil
	}
	o.pauseWaitingOn = ""
	o.pauseGen++
}

// onPauseExpired marks the idle provider checked for this sweep and
// switches to the next unchecked provider, if any.
func (o *Orchestrator) onPauseExpired(id provider.ID, gen int) {
	if gen != o.pauseGen || id != o.active {
		return
	}
	o.pauseTimer = nil
	o.pauseWaitingOn = ""

	o.checked[id] = true
	// A provider sharing this one's account has nothing different to say.
	for _, d := range provider.Descriptors() {
		if provider.SharesCredential(id, d.ID) {
			o.checked[d.ID] = true
		}
	}

	snap := o.machine.Snapshot()
	if o.waitingFor == "" {
		for _, ps := range snap.Providers {
			if ps.Enabled {
				o.waitingFor = ps.ID
				break
			}
		}
	}

	if next := o.nextUnchecked(snap); next != "" {
		o.logger.Printf("CYCLE: %s not playing, trying %s", id, next)
		if err := o.machine.SwitchToService(next); err != nil {
			o.logger.Printf("CYCLE: switch to %s: %v", next, err)
			o.checked[next] = true
		}
		return
	}

	// Sweep exhausted: settle on the highest-priority provider and let the
	// checked set age out so the sweep can run again.
	o.logger.Printf("CYCLE: sweep exhausted, settling on %s", o.waitingFor)
	if o.waitingFor != "" && o.waitingFor != o.active {
		if err := o.machine.SwitchToService(o.waitingFor); err != nil {
			o.logger.Printf("CYCLE: return to %s: %v", o.waitingFor, err)
		}
	}
	o.armCycleReset()
}

// nextUnchecked finds the first provider in priority order that has not
// been checked this sweep and is currently switchable.
func (o *Orchestrator) nextUnchecked(snap priority.Snapshot) provider.ID {
	for _, ps := range snap.Providers {
		if ps.ID == o.active || o.checked[ps.ID] {
			continue
		}
		if !ps.Enabled || ps.AwaitingRecovery || ps.UnderRecovery {
			continue
		}
		if ps.Status == priority.StatusCooldown || ps.Status == priority.StatusDisabled {
			continue
		}
		return ps.ID
	}
	return ""
}

func (o *Orchestrator) armCycleReset() {
	o.cancelCycleReset()
	gen := o.cycleResetGen
	o.cycleResetTimer = time.AfterFunc(o.cycling.ResetCooldown, func() {
		o.postFn(func() { o.onCycleReset(gen) })
	})
}

func (o *Orchestrator) cancelCycleReset() {
	if o.cycleResetTimer != nil {
		o.cycleResetTimer.Stop()
		o.cycleResetTimer = nil
	}
	o.cycleResetGen++
}

func (o *Orchestrator) onCycleReset(gen int) {
	if gen != o.cycleResetGen {
		return
	}
	o.cycleResetTimer = nil
	o.checked = make(map[provider.ID]bool)
}

// resetCycleState clears every trace of the current sweep.
func (o *Orchestrator) resetCycleState() {
	o.cancelPauseTimer()
	o.cancelCycleReset()
	o.checked = make(map[provider.ID]bool)
	o.waitingFor = ""
}
