// Package priority implements the provider priority/fallback state machine:
// per-provider health bookkeeping, time-windowed error accounting, cooldown
// and retry timers, and recovery probing for failed higher-priority
// providers. All mutable state is owned by the Machine and mutated only
// under its lock; timer callbacks re-validate state before acting so a
// fire racing a cancellation is a no-op.
package priority

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/strefethen/nowplaying-hub/internal/policy"
	"github.com/strefethen/nowplaying-hub/internal/provider"
)

// Status is the lifecycle state of one provider.
type Status string

const (
	StatusStandby  Status = "standby"
	StatusActive   Status = "active"
	StatusFailing  Status = "failing"
	StatusCooldown Status = "cooldown"
	StatusDisabled Status = "disabled"
)

// DefaultTransitionGrace is how long isTransitioning stays set after an
// activation, giving the new source time to produce its first payload.
const DefaultTransitionGrace = 2 * time.Second

// DefaultProbeTimeout bounds a single recovery probe.
const DefaultProbeTimeout = 10 * time.Second

var (
	ErrUnknownProvider    = errors.New("unknown provider")
	ErrProviderDisabled   = errors.New("provider is disabled")
	ErrProviderCoolingDown = errors.New("provider is in cooldown")
	ErrProviderRecovering = errors.New("provider is under recovery")
)

// Health is the mutable per-provider bookkeeping. The Machine owns the
// authoritative copies; callers only ever see value snapshots.
type Health struct {
	Status           Status
	ErrorCount       int
	ErrorWindowStart time.Time // anchors the first error of the current streak
	CooldownUntil    time.Time
	LastRetryAt      time.Time
	LastDataAt       time.Time
	Cooldowns        int // lifetime count of threshold trips
	Recoveries       int // lifetime count of successful recoveries
}

// Transition describes one provider status change.
type Transition struct {
	Provider provider.ID
	From     Status
	To       Status
	// Current is the active provider after this transition ("" if none).
	Current provider.ID
	Reason  string
	At      time.Time
}

// Enablement is the external capability input for recomputing the enabled
// set: which credential sets are present and which providers the user has
// switched on. A provider missing from Providers defaults to enabled.
type Enablement struct {
	Credentials map[provider.CredentialSet]bool
	Providers   map[provider.ID]bool
}

func (e Enablement) allows(d provider.Descriptor) bool {
	if on, ok := e.Providers[d.ID]; ok && !on {
		return false
	}
	if d.Credential != provider.CredentialNone && !e.Credentials[d.Credential] {
		return false
	}
	return true
}

// Probe checks whether a provider is reachable again. It is invoked off
// the machine's lock and must respect the context deadline.
type Probe func(ctx context.Context, id provider.ID) (bool, error)

// Config wires a Machine.
type Config struct {
	Order           []provider.ID
	Policies        policy.Set
	Probe           Probe
	Logger          *log.Logger
	TransitionGrace time.Duration
	ProbeTimeout    time.Duration
	Now             func() time.Time
}

// Machine is the single authoritative priority/fallback aggregate.
type Machine struct {
	logger          *log.Logger
	policies        policy.Set
	order           []provider.ID
	descriptors     map[provider.ID]provider.Descriptor
	probe           Probe
	transitionGrace time.Duration
	probeTimeout    time.Duration
	now             func() time.Time

	subMu       sync.Mutex
	subscribers []func(Transition)

	mu               sync.Mutex
	enabled          map[provider.ID]bool
	health           map[provider.ID]*Health
	recovery         map[provider.ID]*recoveryState
	awaitingRecovery map[provider.ID]bool
	unhealthy        map[provider.ID]bool
	current          provider.ID
	previous         provider.ID
	transitioning    bool
	transitionTimer  *time.Timer
	fallbackTimers   map[provider.ID]*time.Timer
	retryTimer       *time.Timer
	retryTarget      provider.ID
	retryWindowStart time.Time
	recoveryTimer    *time.Timer
	closed           bool
}

// NewMachine creates a Machine with every known provider Disabled until the
// first UpdateEnabledProviders call.
func NewMachine(cfg Config) *Machine {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	order := cfg.Order
	if len(order) == 0 {
		order = provider.DefaultOrder()
	}
	grace := cfg.TransitionGrace
	if grace <= 0 {
		grace = DefaultTransitionGrace
	}
	probeTimeout := cfg.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = DefaultProbeTimeout
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	m := &Machine{
		logger:          logger,
		policies:        cfg.Policies,
		order:           order,
		descriptors:     make(map[provider.ID]provider.Descriptor, len(order)),
		probe:           cfg.Probe,
		transitionGrace: grace,
		probeTimeout:    probeTimeout,
		now:             now,
		enabled:          make(map[provider.ID]bool, len(order)),
		health:           make(map[provider.ID]*Health, len(order)),
		recovery:         make(map[provider.ID]*recoveryState),
		awaitingRecovery: make(map[provider.ID]bool),
		unhealthy:        make(map[provider.ID]bool),
		fallbackTimers:   make(map[provider.ID]*time.Timer),
	}
	for _, id := range order {
		d, ok := provider.Describe(id)
		if !ok {
			d = provider.Descriptor{ID: id}
		}
		m.descriptors[id] = d
		m.health[id] = &Health{Status: StatusDisabled}
	}
	return m
}

// Subscribe registers a transition listener. Listeners are invoked outside
// the machine's lock, in registration order, on the goroutine that caused
// the transition.
func (m *Machine) Subscribe(fn func(Transition)) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

func (m *Machine) emit(events []Transition) {
	if len(events) == 0 {
		return
	}
	m.subMu.Lock()
	subs := make([]func(Transition), len(m.subscribers))
	copy(subs, m.subscribers)
	m.subMu.Unlock()
	for _, t := range events {
		for _, fn := range subs {
			fn(t)
		}
	}
}

// Current returns the currently active provider ("" if none).
func (m *Machine) Current() provider.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// UpdateEnabledProviders recomputes the enabled set from external
// capability flags. Newly disabled providers are fully cleared; newly
// enabled providers come up in Standby. The machine guarantees an active
// provider whenever at least one provider is enabled.
func (m *Machine) UpdateEnabledProviders(e Enablement) {
	var events []Transition
	m.mu.Lock()

	for _, id := range m.order {
		want := e.allows(m.descriptors[id])
		was := m.enabled[id]
		switch {
		case was && !want:
			m.disableLocked(id, &events)
		case !was && want:
			m.enabled[id] = true
			h := m.health[id]
			h.ErrorCount = 0
			h.ErrorWindowStart = time.Time{}
			h.CooldownUntil = time.Time{}
			m.setStatusLocked(id, StatusStandby, "enabled", &events)
		case !was && !want:
			m.enabled[id] = false
		}
	}

	if m.current != "" && !m.enabled[m.current] {
		m.current = ""
	}

	if m.current == "" {
		next := m.firstAvailableLocked()
		if next == "" {
			// Nothing is cleanly available. Force-reset the first enabled
			// provider so a disable/re-enable round trip never strands the
			// system with no active provider.
			if forced := m.firstEnabledLocked(); forced != "" {
				h := m.health[forced]
				h.ErrorCount = 0
				h.ErrorWindowStart = time.Time{}
				h.CooldownUntil = time.Time{}
				delete(m.awaitingRecovery, forced)
				m.removeRecoveryLocked(forced)
				m.cancelFallbackTimerLocked(forced)
				m.setStatusLocked(forced, StatusStandby, "forced reset", &events)
				next = forced
			}
		}
		if next != "" {
			m.activateLocked(next, true, "enablement change", &events)
		}
	} else if better := m.betterAvailableLocked(m.current); better != "" {
		m.activateLocked(better, true, "higher priority available", &events)
	}

	m.mu.Unlock()
	m.emit(events)
}

// ActivateService makes id the active provider, resetting its error
// bookkeeping. Guarded against reactivating a provider that just failed.
func (m *Machine) ActivateService(id provider.ID) error {
	return m.activate(id, true, "activate")
}

// SwitchToService makes id the active provider without resetting its error
// count; pause-cycling uses this so cycling onto a provider is not
// mistaken for recovery.
func (m *Machine) SwitchToService(id provider.ID) error {
	return m.activate(id, false, "pause cycle")
}

func (m *Machine) activate(id provider.ID, resetErrors bool, reason string) error {
	var events []Transition
	m.mu.Lock()
	h, ok := m.health[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	if !m.enabled[id] {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrProviderDisabled, id)
	}
	if h.Status == StatusCooldown && h.CooldownUntil.After(m.now()) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s until %s", ErrProviderCoolingDown, id, h.CooldownUntil.Format(time.RFC3339))
	}
	if _, recovering := m.recovery[id]; recovering {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrProviderRecovering, id)
	}
	m.activateLocked(id, resetErrors, reason, &events)
	m.mu.Unlock()
	m.emit(events)
	return nil
}

// ActivateFirstAvailable activates the highest-priority enabled provider
// that is not cooling down, not awaiting recovery, and not under active
// recovery. Returns "" when nothing qualifies.
func (m *Machine) ActivateFirstAvailable() provider.ID {
	var events []Transition
	m.mu.Lock()
	id := m.firstAvailableLocked()
	if id != "" {
		m.activateLocked(id, true, "initial activation", &events)
	}
	m.mu.Unlock()
	m.emit(events)
	return id
}

// ReportSuccess records healthy data from the active provider. Reports for
// any other provider are no-ops.
func (m *Machine) ReportSuccess(id provider.ID) {
	var events []Transition
	m.mu.Lock()
	if m.closed || id != m.current {
		m.mu.Unlock()
		return
	}
	h := m.health[id]
	h.ErrorCount = 0
	h.ErrorWindowStart = time.Time{}
	h.LastDataAt = m.now()
	m.cancelFallbackTimerLocked(id)
	if h.Status != StatusActive {
		m.setStatusLocked(id, StatusActive, "data received", &events)
	}
	if id == m.highestEnabledLocked() {
		// Nothing above the current provider to retry toward.
		m.cancelRetryLocked()
	}
	m.mu.Unlock()
	m.emit(events)
}

// ReportError records a failure from a provider. Auth errors signal a
// credential refresh elsewhere and never count toward fallback.
func (m *Machine) ReportError(id provider.ID, isAuthError bool) {
	m.reportError(id, isAuthError, "error")
}

// ReportTimeout records a data-timeout for a provider; it counts exactly
// like a transient error.
func (m *Machine) ReportTimeout(id provider.ID) {
	m.reportError(id, false, "timeout")
}

func (m *Machine) reportError(id provider.ID, isAuthError bool, kind string) {
	var events []Transition
	m.mu.Lock()
	h, ok := m.health[id]
	if !ok || m.closed {
		m.mu.Unlock()
		return
	}
	if isAuthError {
		m.logger.Printf("PRIORITY: auth error from %s, deferring to credential refresh", id)
		m.mu.Unlock()
		return
	}
	if !m.enabled[id] || h.Status == StatusDisabled || h.Status == StatusCooldown {
		m.mu.Unlock()
		return
	}
	if m.awaitingRecovery[id] {
		m.logger.Printf("PRIORITY: %s from %s suppressed while awaiting server recovery", kind, id)
		m.mu.Unlock()
		return
	}
	p := m.policies.For(id)
	if !p.TriggersFallback {
		m.logger.Printf("PRIORITY: %s from %s ignored, provider does not trigger fallback", kind, id)
		m.mu.Unlock()
		return
	}

	h.ErrorCount++
	if h.ErrorWindowStart.IsZero() {
		h.ErrorWindowStart = m.now()
		if p.FallbackWindow > 0 {
			m.armFallbackDeadlineLocked(id, h.ErrorWindowStart, p.FallbackWindow)
		}
	}
	if h.Status == StatusActive || h.Status == StatusStandby {
		m.setStatusLocked(id, StatusFailing, kind, &events)
	}

	threshold := m.effectiveThresholdLocked(id, p)
	m.logger.Printf("PRIORITY: %s from %s (count=%d threshold=%d)", kind, id, h.ErrorCount, threshold)
	if h.ErrorCount >= threshold {
		m.triggerFallbackLocked(id, "error threshold reached", 0, &events)
	}
	m.mu.Unlock()
	m.emit(events)
}

// OnExternalReconnect is called when the push transport reconnects. Cloud
// providers get a clean slate and the initial-activation sequence re-runs
// so the priority order is re-evaluated instead of staying pinned to
// whatever fallback was active.
func (m *Machine) OnExternalReconnect() {
	var events []Transition
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	for _, id := range m.order {
		if !m.descriptors[id].CloudHosted {
			continue
		}
		delete(m.awaitingRecovery, id)
		delete(m.unhealthy, id)
		m.removeRecoveryLocked(id)
		m.cancelFallbackTimerLocked(id)
		h := m.health[id]
		if h.Status == StatusCooldown || h.Status == StatusFailing {
			h.ErrorCount = 0
			h.ErrorWindowStart = time.Time{}
			h.CooldownUntil = time.Time{}
			m.setStatusLocked(id, StatusStandby, "transport reconnected", &events)
		}
	}
	m.cancelRetryLocked()
	if next := m.firstAvailableLocked(); next != "" && next != m.current {
		m.activateLocked(next, true, "transport reconnected", &events)
	}
	m.mu.Unlock()
	m.emit(events)
}

// QuiesceLowerPriority clears retry and recovery bookkeeping for every
// provider strictly below activeID so stale timers don't cause churn once
// a provider at or above that priority is confirmed healthy.
func (m *Machine) QuiesceLowerPriority(activeID provider.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.indexOf(activeID)
	if idx < 0 {
		return
	}
	for _, id := range m.order[idx+1:] {
		m.cancelFallbackTimerLocked(id)
		m.removeRecoveryLocked(id)
		if m.retryTarget == id {
			m.cancelRetryLocked()
		}
	}
}

// ApplyHealthSignal ingests a server-reported health event for a
// cloud-hosted provider. Server health, not local probing, drives
// awaiting-recovery for those providers.
func (m *Machine) ApplyHealthSignal(sig HealthSignal) {
	var events []Transition
	m.mu.Lock()
	h, ok := m.health[sig.Provider]
	if !ok || m.closed {
		m.mu.Unlock()
		return
	}
	id := sig.Provider
	switch sig.Status {
	case HealthHealthy:
		delete(m.unhealthy, id)
		delete(m.awaitingRecovery, id)
		if h.Status == StatusCooldown || h.Status == StatusFailing {
			h.ErrorCount = 0
			h.ErrorWindowStart = time.Time{}
			h.CooldownUntil = time.Time{}
			h.Recoveries++
			m.cancelFallbackTimerLocked(id)
			m.removeRecoveryLocked(id)
			m.setStatusLocked(id, StatusStandby, "server reports healthy", &events)
		}
		if m.enabled[id] && (m.current == "" || m.indexOf(id) < m.indexOf(m.current)) && m.availableLocked(id) {
			m.activateLocked(id, true, "server reports healthy", &events)
		}
	case HealthRecovering:
		m.awaitingRecovery[id] = true
		m.logger.Printf("PRIORITY: %s awaiting server-side recovery", id)
	case HealthDegraded, HealthUnavailable:
		m.unhealthy[id] = true
		if sig.ShouldFallback && m.current == id {
			m.triggerFallbackLocked(id, "server requested fallback", sig.RetryIn, &events)
		}
	}
	m.mu.Unlock()
	m.emit(events)
}

// Reset returns all bookkeeping to the cold-start shape. The configured
// order survives; the enabled set is recomputed on the next
// UpdateEnabledProviders call.
func (m *Machine) Reset() {
	m.mu.Lock()
	m.cancelAllTimersLocked()
	for _, id := range m.order {
		h := m.health[id]
		status := StatusDisabled
		if m.enabled[id] {
			status = StatusStandby
		}
		*h = Health{Status: status}
	}
	m.recovery = make(map[provider.ID]*recoveryState)
	m.awaitingRecovery = make(map[provider.ID]bool)
	m.unhealthy = make(map[provider.ID]bool)
	m.current = ""
	m.previous = ""
	m.transitioning = false
	m.retryTarget = ""
	m.retryWindowStart = time.Time{}
	m.mu.Unlock()
}

// Close cancels every outstanding timer. The machine must not be used
// afterwards.
func (m *Machine) Close() {
	m.mu.Lock()
	m.closed = true
	m.cancelAllTimersLocked()
	m.mu.Unlock()
}

// ----------------------------------------------------------------------
// internals (all require m.mu held)
// ----------------------------------------------------------------------

func (m *Machine) indexOf(id provider.ID) int {
	for i, o := range m.order {
		if o == id {
			return i
		}
	}
	return -1
}

func (m *Machine) firstEnabledLocked() provider.ID {
	for _, id := range m.order {
		if m.enabled[id] {
			return id
		}
	}
	return ""
}

func (m *Machine) highestEnabledLocked() provider.ID {
	return m.firstEnabledLocked()
}

// availableLocked reports whether id can be activated right now.
func (m *Machine) availableLocked(id provider.ID) bool {
	h, ok := m.health[id]
	if !ok || !m.enabled[id] || h.Status == StatusDisabled {
		return false
	}
	if h.Status == StatusCooldown && h.CooldownUntil.After(m.now()) {
		return false
	}
	if m.awaitingRecovery[id] {
		return false
	}
	if _, recovering := m.recovery[id]; recovering {
		return false
	}
	return true
}

func (m *Machine) firstAvailableLocked() provider.ID {
	for _, id := range m.order {
		if m.availableLocked(id) {
			return id
		}
	}
	return ""
}

// betterAvailableLocked finds a strictly higher-priority provider than
// current that is available and not externally flagged unhealthy.
func (m *Machine) betterAvailableLocked(current provider.ID) provider.ID {
	idx := m.indexOf(current)
	if idx <= 0 {
		return ""
	}
	for _, id := range m.order[:idx] {
		if m.availableLocked(id) && !m.unhealthy[id] {
			return id
		}
	}
	return ""
}

// nextAvailableAfterLocked finds the first available provider strictly
// after failed in priority order.
func (m *Machine) nextAvailableAfterLocked(failed provider.ID) provider.ID {
	idx := m.indexOf(failed)
	if idx < 0 || idx+1 >= len(m.order) {
		return ""
	}
	for _, id := range m.order[idx+1:] {
		if m.availableLocked(id) {
			return id
		}
	}
	return ""
}

func (m *Machine) setStatusLocked(id provider.ID, to Status, reason string, events *[]Transition) {
	h := m.health[id]
	if h.Status == to {
		return
	}
	from := h.Status
	h.Status = to
	*events = append(*events, Transition{
		Provider: id,
		From:     from,
		To:       to,
		Current:  m.current,
		Reason:   reason,
		At:       m.now(),
	})
}

func (m *Machine) activateLocked(id provider.ID, resetErrors bool, reason string, events *[]Transition) {
	if m.current == id {
		if m.health[id].Status != StatusActive {
			m.setStatusLocked(id, StatusActive, reason, events)
		}
		return
	}

	prev := m.current
	if prev != "" {
		ph := m.health[prev]
		// Cooldown and Disabled survive deactivation untouched.
		if ph.Status == StatusActive || ph.Status == StatusFailing {
			m.current = ""
			m.setStatusLocked(prev, StatusStandby, "deactivated", events)
		}
	}
	m.previous = prev
	m.current = id

	h := m.health[id]
	if resetErrors {
		h.ErrorCount = 0
		h.ErrorWindowStart = time.Time{}
		m.cancelFallbackTimerLocked(id)
	}
	m.setStatusLocked(id, StatusActive, reason, events)
	m.beginTransitionGraceLocked()
	m.logger.Printf("PRIORITY: %s active (%s)", id, reason)
}

func (m *Machine) beginTransitionGraceLocked() {
	m.transitioning = true
	if m.transitionTimer != nil {
		m.transitionTimer.Stop()
	}
	m.transitionTimer = time.AfterFunc(m.transitionGrace, func() {
		m.mu.Lock()
		m.transitioning = false
		m.mu.Unlock()
	})
}

func (m *Machine) effectiveThresholdLocked(id provider.ID, p policy.Fallback) int {
	threshold := p.ErrorThreshold
	if threshold < 1 {
		threshold = 1
	}
	h := m.health[id]
	firstAttempt := h.Recoveries == 0
	if id == m.current && id != m.highestEnabledLocked() && (firstAttempt || m.policies.ClampAfterRecovery) {
		clamp := m.policies.SecondaryClamp
		if clamp <= 0 {
			clamp = policy.DefaultSecondaryClamp
		}
		if threshold > clamp {
			threshold = clamp
		}
	}
	return threshold
}

func (m *Machine) triggerFallbackLocked(id provider.ID, reason string, cooldownOverride time.Duration, events *[]Transition) {
	h := m.health[id]
	if h.Status == StatusCooldown || h.Status == StatusDisabled {
		return
	}
	p := m.policies.For(id)
	cooldown := p.RetryCooldown
	if cooldownOverride > 0 {
		cooldown = cooldownOverride
	}

	m.cancelFallbackTimerLocked(id)
	h.CooldownUntil = m.now().Add(cooldown)
	h.Cooldowns++
	h.ErrorCount = 0
	h.ErrorWindowStart = time.Time{}
	wasCurrent := m.current == id
	if wasCurrent {
		m.current = ""
	}
	m.setStatusLocked(id, StatusCooldown, reason, events)
	m.logger.Printf("PRIORITY: %s in cooldown until %s (%s)", id, h.CooldownUntil.Format(time.RFC3339), reason)

	if m.descriptors[id].CloudHosted {
		m.awaitingRecovery[id] = true
	}

	if !wasCurrent && m.current != "" {
		// A standby provider tripping its threshold must not demote the
		// healthy active one. Probe it back if it outranks current;
		// otherwise cooldown expiry makes it eligible again.
		if m.indexOf(id) < m.indexOf(m.current) {
			m.startRecoveryLocked(id)
		}
		return
	}

	next := m.nextAvailableAfterLocked(id)
	if next == "" {
		next = m.firstAvailableLocked()
	}
	if next != "" {
		m.activateLocked(next, true, "fallback from "+string(id), events)
	} else {
		m.logger.Printf("PRIORITY: no provider available after %s fell back", id)
	}

	m.scheduleRetryLocked(id)
	if next == "" || m.indexOf(id) < m.indexOf(next) {
		m.startRecoveryLocked(id)
	}
}

func (m *Machine) disableLocked(id provider.ID, events *[]Transition) {
	m.enabled[id] = false
	h := m.health[id]
	h.ErrorCount = 0
	h.ErrorWindowStart = time.Time{}
	h.CooldownUntil = time.Time{}
	m.cancelFallbackTimerLocked(id)
	m.removeRecoveryLocked(id)
	delete(m.awaitingRecovery, id)
	delete(m.unhealthy, id)
	if m.retryTarget == id {
		m.cancelRetryLocked()
	}
	if m.current == id {
		m.current = ""
	}
	m.setStatusLocked(id, StatusDisabled, "capability disabled", events)
}

// ----------------------------------------------------------------------
// fallback deadline timer
// ----------------------------------------------------------------------

func (m *Machine) armFallbackDeadlineLocked(id provider.ID, windowStart time.Time, window time.Duration) {
	m.cancelFallbackTimerLocked(id)
	m.fallbackTimers[id] = time.AfterFunc(window, func() {
		m.onFallbackDeadline(id, windowStart)
	})
}

func (m *Machine) cancelFallbackTimerLocked(id provider.ID) {
	if t, ok := m.fallbackTimers[id]; ok {
		t.Stop()
		delete(m.fallbackTimers, id)
	}
}

// onFallbackDeadline fires when the error time window elapses. The window
// anchor doubles as a generation token: if the streak was cleared or
// replaced since the timer was armed, this fire is stale.
func (m *Machine) onFallbackDeadline(id provider.ID, windowStart time.Time) {
	var events []Transition
	m.mu.Lock()
	h, ok := m.health[id]
	if !ok || m.closed || !h.ErrorWindowStart.Equal(windowStart) || h.ErrorCount == 0 {
		m.mu.Unlock()
		return
	}
	delete(m.fallbackTimers, id)
	m.triggerFallbackLocked(id, "error window elapsed", 0, &events)
	m.mu.Unlock()
	m.emit(events)
}

// ----------------------------------------------------------------------
// system retry timer
// ----------------------------------------------------------------------

func (m *Machine) scheduleRetryLocked(id provider.ID) {
	p := m.policies.For(id)
	if m.retryTimer != nil {
		m.retryTimer.Stop()
	}
	if m.retryTarget != id {
		m.retryWindowStart = m.now()
	}
	m.retryTarget = id
	m.retryTimer = time.AfterFunc(p.RetryInterval, func() {
		m.onRetryTimer(id)
	})
}

func (m *Machine) cancelRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.retryTarget = ""
	m.retryWindowStart = time.Time{}
}

func (m *Machine) onRetryTimer(id provider.ID) {
	var events []Transition
	m.mu.Lock()
	if m.closed || m.retryTarget != id || !m.enabled[id] {
		m.mu.Unlock()
		return
	}
	h := m.health[id]
	p := m.policies.For(id)
	h.LastRetryAt = m.now()

	if p.RetryMaxWindow > 0 && m.now().Sub(m.retryWindowStart) > p.RetryMaxWindow {
		m.logger.Printf("PRIORITY: retry window exhausted for %s", id)
		m.cancelRetryLocked()
		m.mu.Unlock()
		return
	}

	if h.Status == StatusCooldown && !h.CooldownUntil.After(m.now()) {
		h.CooldownUntil = time.Time{}
		m.setStatusLocked(id, StatusStandby, "cooldown elapsed", &events)
	}

	if m.current == "" {
		if next := m.firstAvailableLocked(); next != "" {
			m.activateLocked(next, true, "retry", &events)
		}
	} else if m.indexOf(id) < m.indexOf(m.current) && m.availableLocked(id) && !m.unhealthy[id] {
		m.activateLocked(id, true, "retry promotion", &events)
	}

	if m.current == id {
		m.cancelRetryLocked()
	} else {
		m.retryTimer = time.AfterFunc(p.RetryInterval, func() {
			m.onRetryTimer(id)
		})
	}
	m.mu.Unlock()
	m.emit(events)
}

func (m *Machine) cancelAllTimersLocked() {
	if m.transitionTimer != nil {
		m.transitionTimer.Stop()
		m.transitionTimer = nil
	}
	for id, t := range m.fallbackTimers {
		t.Stop()
		delete(m.fallbackTimers, id)
	}
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.retryTarget = ""
	if m.recoveryTimer != nil {
		m.recoveryTimer.Stop()
		m.recoveryTimer = nil
	}
}
