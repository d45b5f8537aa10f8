// Package orchestrator consumes state-machine transitions and raw provider
// events, folds them into the unified now-playing view, and runs the
// pause-cycling sweep. All view and cycling state is mutated on a single
// loop goroutine; timers post back into that loop instead of touching
// state directly.
package orchestrator

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/strefethen/nowplaying-hub/internal/policy"
	"github.com/strefethen/nowplaying-hub/internal/priority"
	"github.com/strefethen/nowplaying-hub/internal/provider"
)

const sourceStopTimeout = 5 * time.Second

// Config wires an Orchestrator.
type Config struct {
	Machine  *priority.Machine
	Sources  map[provider.ID]provider.Source
	Policies policy.Set
	Cycling  CyclingConfig
	Logger   *log.Logger
	// OnView receives every new unified-view snapshot (feed broadcast).
	OnView func(View)
	// OnTransition receives every machine transition (audit recording).
	OnTransition func(priority.Transition)
	// OnAuthError is the credential-refresh side channel for auth failures.
	OnAuthError func(provider.CredentialSet)
	// SendConfig informs the push transport which provider is active.
	SendConfig func(provider.ID)
	Now        func() time.Time
}

type loopMsg struct {
	event      *provider.Event
	transition *priority.Transition
	fn         func()
}

// Orchestrator owns the unified playback view and the pause-cycling state.
type Orchestrator struct {
	logger       *log.Logger
	machine      *priority.Machine
	sources      map[provider.ID]provider.Source
	policies     policy.Set
	cycling      CyclingConfig
	onView       func(View)
	onTransition func(priority.Transition)
	onAuthError  func(provider.CredentialSet)
	sendConfig   func(provider.ID)
	now          func() time.Time

	// Posting must never block: the loop goroutine's own machine calls emit
	// transitions that post back into the queue, so a bounded channel could
	// wedge the loop on itself. The queue grows instead.
	queueMu  sync.Mutex
	queue    []loopMsg
	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	started  atomic.Bool
	wg       sync.WaitGroup

	viewMu sync.RWMutex
	view   View

	// Loop-owned state below; touched only on the Run goroutine.
	active          provider.ID
	watchdogGen     int
	watchdogTimer   *time.Timer
	pauseGen        int
	pauseTimer      *time.Timer
	pauseWaitingOn  provider.ID
	cycleResetTimer *time.Timer
	cycleResetGen   int
	checked         map[provider.ID]bool
	waitingFor      provider.ID
}

// New creates an Orchestrator. Run must be called before it does anything.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	o := &Orchestrator{
		logger:       logger,
		machine:      cfg.Machine,
		sources:      cfg.Sources,
		policies:     cfg.Policies,
		cycling:      cfg.Cycling.withDefaults(),
		onView:       cfg.OnView,
		onTransition: cfg.OnTransition,
		onAuthError:  cfg.OnAuthError,
		sendConfig:   cfg.SendConfig,
		now:          now,
		wake:         make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
		checked:      make(map[provider.ID]bool),
		view:         View{IsLoading: true},
	}
	return o
}

// Run drives the orchestration loop until ctx is cancelled or Stop is
// called. It subscribes to the machine, starts event forwarding from every
// source, and performs the initial activation.
func (o *Orchestrator) Run(ctx context.Context) {
	o.started.Store(true)
	defer close(o.done)

	o.machine.Subscribe(func(t priority.Transition) {
		o.post(loopMsg{transition: &t})
	})

	for _, src := range o.sources {
		o.wg.Add(1)
		go o.forward(src)
	}

	if initial := o.machine.ActivateFirstAvailable(); initial == "" {
		o.logger.Printf("ORCH: no provider available at startup")
		o.updateView(func(v *View) {
			v.IsLoading = false
			v.Error = "no provider available"
		})
	} else if initial != o.active {
		// The machine may have been activated before the subscription above
		// existed; reconcile directly so the initial source gets started.
		o.reconcileActive(initial)
	}

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return
		case <-o.stopCh:
			o.shutdown()
			return
		case <-o.wake:
			o.drain()
		}
	}
}

func (o *Orchestrator) drain() {
	for {
		o.queueMu.Lock()
		if len(o.queue) == 0 {
			o.queue = nil
			o.queueMu.Unlock()
			return
		}
		msg := o.queue[0]
		o.queue = o.queue[1:]
		o.queueMu.Unlock()

		switch {
		case msg.event != nil:
			o.handleEvent(*msg.event)
		case msg.transition != nil:
			o.handleTransition(*msg.transition)
		case msg.fn != nil:
			msg.fn()
		}
	}
}

// Stop terminates the loop. Safe to call repeatedly, and safe to call
// even when Run was never started.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })
	if o.started.Load() {
		<-o.done
	}
}

func (o *Orchestrator) post(msg loopMsg) {
	o.queueMu.Lock()
	o.queue = append(o.queue, msg)
	o.queueMu.Unlock()
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// postFn marshals a timer callback onto the loop goroutine.
func (o *Orchestrator) postFn(fn func()) {
	o.post(loopMsg{fn: fn})
}

func (o *Orchestrator) forward(src provider.Source) {
	defer o.wg.Done()
	for {
		select {
		case ev, ok := <-src.Events():
			if !ok {
				return
			}
			o.post(loopMsg{event: &ev})
		case <-o.stopCh:
			return
		}
	}
}

func (o *Orchestrator) shutdown() {
	o.cancelWatchdog()
	o.cancelPauseTimer()
	o.cancelCycleReset()
	for id, src := range o.sources {
		ctx, cancel := context.WithTimeout(context.Background(), sourceStopTimeout)
		if err := src.Stop(ctx); err != nil {
			o.logger.Printf("ORCH: stop %s: %v", id, err)
		}
		cancel()
	}
}

// ----------------------------------------------------------------------
// transitions
// ----------------------------------------------------------------------

func (o *Orchestrator) handleTransition(t priority.Transition) {
	if o.onTransition != nil {
		o.onTransition(t)
	}
	if t.Current != o.active {
		o.reconcileActive(t.Current)
	}
}

// reconcileActive stops the outgoing provider's transport, starts the
// incoming one, and re-arms the data watchdog.
func (o *Orchestrator) reconcileActive(next provider.ID) {
	old := o.active
	o.active = next
	o.cancelWatchdog()

	if old != "" && old != next {
		if src, ok := o.sources[old]; ok {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), sourceStopTimeout)
				defer cancel()
				if err := src.Stop(ctx); err != nil {
					o.logger.Printf("ORCH: stop %s: %v", old, err)
				}
			}()
		}
	}

	if next == "" {
		o.updateView(func(v *View) {
			v.ActiveProvider = ""
			v.IsConnected = false
			v.IsLoading = false
			v.IsPlaying = false
			v.Track = nil
			v.Playback = nil
			v.Error = "no provider available"
		})
		return
	}

	o.logger.Printf("ORCH: active provider now %s", next)
	if src, ok := o.sources[next]; ok {
		id := next
		go func() {
			if err := src.Start(context.Background()); err != nil {
				o.logger.Printf("ORCH: start %s: %v", id, err)
				o.machine.ReportError(id, provider.IsAuthError(err))
			}
		}()
	}
	o.armWatchdog(next)
	if o.sendConfig != nil {
		o.sendConfig(next)
	}
	o.updateView(func(v *View) {
		v.ActiveProvider = next
		v.IsLoading = true
		v.Error = ""
	})
}

// ----------------------------------------------------------------------
// provider events
// ----------------------------------------------------------------------

func (o *Orchestrator) handleEvent(ev provider.Event) {
	switch {
	case ev.Payload != nil:
		o.handlePayload(ev)
	case ev.Err != nil:
		o.handleError(ev)
	case ev.Status != nil:
		o.handleStatus(ev)
	}
}

func (o *Orchestrator) handlePayload(ev provider.Event) {
	p := *ev.Payload
	if ev.Provider == o.active {
		o.machine.ReportSuccess(ev.Provider)
		o.machine.QuiesceLowerPriority(ev.Provider)
		o.resetWatchdog(ev.Provider)
		o.applyPayload(ev.Provider, p)
	}
	o.handleCyclingPayload(ev.Provider, p)
}

func (o *Orchestrator) handleError(ev provider.Event) {
	if provider.IsAuthError(ev.Err) {
		o.machine.ReportError(ev.Provider, true)
		if d, ok := provider.Describe(ev.Provider); ok && d.Credential != provider.CredentialNone && o.onAuthError != nil {
			o.onAuthError(d.Credential)
		}
		return
	}
	o.machine.ReportError(ev.Provider, false)
	if ev.Provider == o.active {
		msg := ev.Err.Error()
		o.updateView(func(v *View) {
			v.Error = msg
		})
	}
}

func (o *Orchestrator) handleStatus(ev provider.Event) {
	if ev.Status.Reconnected {
		o.logger.Printf("ORCH: %s transport reconnected", ev.Provider)
		o.machine.OnExternalReconnect()
		return
	}
	if ev.Provider == o.active {
		connected := ev.Status.Connected
		o.updateView(func(v *View) {
			v.IsConnected = connected
		})
	}
}

// ----------------------------------------------------------------------
// data watchdog
// ----------------------------------------------------------------------

func (o *Orchestrator) armWatchdog(id provider.ID) {
	p := o.policies.For(id)
	d, _ := provider.Describe(id)
	if d.PushDriven || p.DataTimeout <= 0 {
		return
	}
	o.watchdogGen++
	gen := o.watchdogGen
	o.watchdogTimer = time.AfterFunc(p.DataTimeout, func() {
		o.postFn(func() { o.onWatchdog(id, gen) })
	})
}

func (o *Orchestrator) resetWatchdog(id provider.ID) {
	o.cancelWatchdog()
	o.armWatchdog(id)
}

func (o *Orchestrator) cancelWatchdog() {
	if o.watchdogTimer != nil {
		o.watchdogTimer.Stop()
		o.watchdogTimer = nil
	}
	o.watchdogGen++
}

func (o *Orchestrator) onWatchdog(id provider.ID, gen int) {
	if gen != o.watchdogGen || id != o.active {
		return
	}
	o.logger.Printf("ORCH: no data from %s within timeout", id)
	o.machine.ReportTimeout(id)
}
