package priority

import (
	"time"

	"github.com/strefethen/nowplaying-hub/internal/provider"
)

// HealthStatus is a server-reported health level for a cloud provider.
type HealthStatus string

const (
	HealthHealthy     HealthStatus = "healthy"
	HealthDegraded    HealthStatus = "degraded"
	HealthRecovering  HealthStatus = "recovering"
	HealthUnavailable HealthStatus = "unavailable"
)

// HealthSignal is one event from the external health collaborator.
type HealthSignal struct {
	Provider       provider.ID
	Status         HealthStatus
	ShouldFallback bool
	RetryIn        time.Duration
}

// ProviderSnapshot is a read-only copy of one provider's health.
type ProviderSnapshot struct {
	ID               provider.ID `json:"provider"`
	Status           Status      `json:"status"`
	Enabled          bool        `json:"enabled"`
	ErrorCount       int         `json:"error_count"`
	CooldownUntil    *time.Time  `json:"cooldown_until,omitempty"`
	LastDataAt       *time.Time  `json:"last_data_at,omitempty"`
	AwaitingRecovery bool        `json:"awaiting_recovery"`
	UnderRecovery    bool        `json:"under_recovery"`
	Unhealthy        bool        `json:"unhealthy"`
}

// Snapshot is a read-only copy of the machine's aggregate state.
type Snapshot struct {
	Current       provider.ID        `json:"current"`
	Previous      provider.ID        `json:"previous,omitempty"`
	Transitioning bool               `json:"transitioning"`
	Providers     []ProviderSnapshot `json:"providers"`
}

// Snapshot returns a copy of the aggregate state in priority order.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		Current:       m.current,
		Previous:      m.previous,
		Transitioning: m.transitioning,
		Providers:     make([]ProviderSnapshot, 0, len(m.order)),
	}
	for _, id := range m.order {
		h := m.health[id]
		ps := ProviderSnapshot{
			ID:               id,
			Status:           h.Status,
			Enabled:          m.enabled[id],
			ErrorCount:       h.ErrorCount,
			AwaitingRecovery: m.awaitingRecovery[id],
			Unhealthy:        m.unhealthy[id],
		}
		if !h.CooldownUntil.IsZero() {
			t := h.CooldownUntil
			ps.CooldownUntil = &t
		}
		if !h.LastDataAt.IsZero() {
			t := h.LastDataAt
			ps.LastDataAt = &t
		}
		if _, ok := m.recovery[id]; ok {
			ps.UnderRecovery = true
		}
		snap.Providers = append(snap.Providers, ps)
	}
	return snap
}

// HealthOf returns a copy of one provider's health record.
func (m *Machine) HealthOf(id provider.ID) (Health, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.health[id]
	if !ok {
		return Health{}, false
	}
	return *h, true
}
