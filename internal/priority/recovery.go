package priority

import (
	"context"
	"time"

	"github.com/strefethen/nowplaying-hub/internal/provider"
)

// recoveryState tracks one failed higher-priority provider being probed
// back into service. It exists from the fallback that demoted the provider
// until re-promotion, disablement, or quiescing; window expiry only parks
// it in cooldown, it never abandons recovery outright.
type recoveryState struct {
	id                  provider.ID
	windowStart         time.Time
	lastProbeAt         time.Time
	consecutiveFailures int
	inCooldown          bool
	cooldownEnd         time.Time
	probing             bool
}

func (m *Machine) startRecoveryLocked(id provider.ID) {
	if _, exists := m.recovery[id]; exists {
		return
	}
	if m.probe == nil {
		m.logger.Printf("PRIORITY: no probe configured, skipping recovery monitoring for %s", id)
		return
	}
	m.recovery[id] = &recoveryState{id: id, windowStart: m.now()}
	m.logger.Printf("PRIORITY: recovery monitoring started for %s", id)
	m.scheduleRecoveryLocked()
}

func (m *Machine) removeRecoveryLocked(id provider.ID) {
	if _, exists := m.recovery[id]; !exists {
		return
	}
	delete(m.recovery, id)
	m.scheduleRecoveryLocked()
}

// scheduleRecoveryLocked re-arms the single shared recovery timer at the
// minimum retry interval across all providers under recovery.
func (m *Machine) scheduleRecoveryLocked() {
	if m.recoveryTimer != nil {
		m.recoveryTimer.Stop()
		m.recoveryTimer = nil
	}
	if m.closed || len(m.recovery) == 0 {
		return
	}
	var interval time.Duration
	for id := range m.recovery {
		ri := m.policies.For(id).RetryInterval
		if ri <= 0 {
			ri = 30 * time.Second
		}
		if interval == 0 || ri < interval {
			interval = ri
		}
	}
	m.recoveryTimer = time.AfterFunc(interval, m.onRecoveryTick)
}

func (m *Machine) onRecoveryTick() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	now := m.now()

	// Drop states that no longer matter: disabled providers, and providers
	// that are no longer higher priority than whatever is active.
	for id := range m.recovery {
		if !m.enabled[id] || (m.current != "" && m.indexOf(id) >= m.indexOf(m.current)) {
			delete(m.recovery, id)
		}
	}

	for _, rs := range m.recovery {
		p := m.policies.For(rs.id)
		if rs.inCooldown {
			if !rs.cooldownEnd.After(now) {
				rs.inCooldown = false
				rs.windowStart = now
				rs.consecutiveFailures = 0
			}
			continue
		}
		if p.RetryMaxWindow > 0 && now.Sub(rs.windowStart) > p.RetryMaxWindow {
			rs.inCooldown = true
			rs.cooldownEnd = now.Add(p.RetryCooldown)
			m.logger.Printf("PRIORITY: recovery window expired for %s, pausing probes for %s", rs.id, p.RetryCooldown)
		}
	}

	// Probe at most one provider per tick: the highest-priority state that
	// is due and has no probe already in flight.
	var due *recoveryState
	for _, id := range m.order {
		rs, ok := m.recovery[id]
		if !ok || rs.inCooldown || rs.probing {
			continue
		}
		p := m.policies.For(id)
		if rs.lastProbeAt.IsZero() || now.Sub(rs.lastProbeAt) >= p.RetryInterval {
			due = rs
			break
		}
	}
	if due != nil {
		due.probing = true
		due.lastProbeAt = now
		id := due.id
		go m.runProbe(id)
	}

	m.scheduleRecoveryLocked()
	m.mu.Unlock()
}

func (m *Machine) runProbe(id provider.ID) {
	ctx, cancel := context.WithTimeout(context.Background(), m.probeTimeout)
	defer cancel()
	ok, err := m.probe(ctx, id)
	m.onProbeResult(id, ok, err)
}

func (m *Machine) onProbeResult(id provider.ID, ok bool, err error) {
	var events []Transition
	m.mu.Lock()
	rs, exists := m.recovery[id]
	if exists {
		rs.probing = false
	}
	if m.closed || !exists {
		m.mu.Unlock()
		return
	}

	if ok {
		delete(m.recovery, id)
		delete(m.awaitingRecovery, id)
		h := m.health[id]
		h.ErrorCount = 0
		h.ErrorWindowStart = time.Time{}
		h.CooldownUntil = time.Time{}
		h.Recoveries++
		m.cancelFallbackTimerLocked(id)
		m.setStatusLocked(id, StatusStandby, "probe succeeded", &events)

		promote := m.current == "" ||
			m.indexOf(id) < m.indexOf(m.current) ||
			id == m.highestEnabledLocked()
		if promote && !m.unhealthy[id] {
			m.activateLocked(id, true, "recovered", &events)
		}
		m.scheduleRecoveryLocked()
	} else if m.descriptors[id].CloudHosted {
		// Cloud recovery is driven by server-reported health; a failed
		// local guess carries no penalty.
		m.logger.Printf("PRIORITY: probe failed for cloud provider %s: %v", id, err)
	} else {
		rs.consecutiveFailures++
		m.logger.Printf("PRIORITY: probe failed for %s (consecutive=%d): %v", id, rs.consecutiveFailures, err)
	}
	m.mu.Unlock()
	m.emit(events)
}
