// Package localdisco implements the local-network provider: SSDP
// discovery of a compatible device on the LAN, then direct HTTP status
// polling against it. Lost devices trigger rediscovery rather than a
// permanent failure.
package localdisco

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/strefethen/nowplaying-hub/internal/provider"
)

const (
	eventBuffer = 16
	// lostAfterFailures is how many consecutive poll failures it takes
	// to forget the device and rediscover.
	lostAfterFailures = 3
)

// Config wires a local discovery Source.
type Config struct {
	PollInterval    time.Duration
	DiscoveryPasses int
	PassInterval    time.Duration
	SearchTimeout   time.Duration
	// StaticIPs are probed when SSDP finds nothing, for networks that
	// filter multicast.
	StaticIPs []string
	Logger    *log.Logger
}

// Source polls the first discovered local device.
type Source struct {
	cfg    Config
	logger *log.Logger
	events chan provider.Event

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	deviceIP string
	failures int
}

// New creates the local network source.
func New(cfg Config) *Source {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.DiscoveryPasses <= 0 {
		cfg.DiscoveryPasses = 3
	}
	if cfg.PassInterval <= 0 {
		cfg.PassInterval = 2 * time.Second
	}
	if cfg.SearchTimeout <= 0 {
		cfg.SearchTimeout = 5 * time.Second
	}
	return &Source{
		cfg:    cfg,
		logger: cfg.Logger,
		events: make(chan provider.Event, eventBuffer),
	}
}

// ID implements provider.Source.
func (s *Source) ID() provider.ID { return provider.LocalNetwork }

// Events implements provider.Source.
func (s *Source) Events() <-chan provider.Event { return s.events }

// Start begins discovery and polling.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return nil // already running
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.pollLoop(loopCtx, s.done)
	s.logger.Printf("LOCAL: started (poll interval %v)", s.cfg.PollInterval)
	return nil
}

// Stop halts polling and waits for the loop to exit.
func (s *Source) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Probe checks reachability: a status fetch against the known device,
// or a fresh discovery when no device is known.
func (s *Source) Probe(ctx context.Context) (bool, error) {
	s.mu.Lock()
	ip := s.deviceIP
	s.mu.Unlock()

	if ip != "" {
		if _, err := fetchStatus(ctx, ip); err == nil {
			return true, nil
		}
	}

	found := s.findDevice(ctx)
	if found == "" {
		return false, provider.NewTransientError(provider.LocalNetwork, "no local device found", nil)
	}

	s.mu.Lock()
	s.deviceIP = found
	s.failures = 0
	s.mu.Unlock()
	return true, nil
}

func (s *Source) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.pollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce(ctx)
		}
	}
}

func (s *Source) pollOnce(ctx context.Context) {
	s.mu.Lock()
	ip := s.deviceIP
	s.mu.Unlock()

	if ip == "" {
		found := s.findDevice(ctx)
		if ctx.Err() != nil {
			return
		}
		if found == "" {
			s.emit(provider.Event{
				Provider: provider.LocalNetwork,
				Err:      provider.NewTransientError(provider.LocalNetwork, "no local device found", nil),
			})
			return
		}
		s.mu.Lock()
		s.deviceIP = found
		s.failures = 0
		s.mu.Unlock()
		ip = found
		s.logger.Printf("LOCAL: using device at %s", ip)
	}

	payload, err := fetchStatus(ctx, ip)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		s.mu.Lock()
		s.failures++
		lost := s.failures >= lostAfterFailures
		if lost {
			s.deviceIP = ""
			s.failures = 0
		}
		s.mu.Unlock()

		if lost {
			s.logger.Printf("LOCAL: device %s unreachable, will rediscover", ip)
		}
		s.emit(provider.Event{Provider: provider.LocalNetwork, Err: err})
		return
	}

	s.mu.Lock()
	s.failures = 0
	s.mu.Unlock()
	s.emit(provider.Event{Provider: provider.LocalNetwork, Payload: payload})
}

// findDevice runs SSDP discovery, falling back to static IP probes.
func (s *Source) findDevice(ctx context.Context) string {
	searchCtx, cancel := context.WithTimeout(ctx, s.cfg.SearchTimeout+time.Duration(s.cfg.DiscoveryPasses)*s.cfg.PassInterval)
	defer cancel()

	responses, err := discover(searchCtx, s.cfg.DiscoveryPasses, s.cfg.PassInterval, s.cfg.SearchTimeout)
	if err != nil && len(responses) == 0 {
		s.logger.Printf("LOCAL: discovery error: %v", err)
	}

	for _, resp := range responses {
		ip := extractHost(resp.Location)
		if ip == "" {
			ip = resp.FromIP
		}
		if ip == "" {
			continue
		}
		if s.deviceResponds(ctx, ip) {
			return ip
		}
	}

	for _, ip := range s.cfg.StaticIPs {
		if s.deviceResponds(ctx, ip) {
			s.logger.Printf("LOCAL: static IP %s responded", ip)
			return ip
		}
	}

	return ""
}

func (s *Source) deviceResponds(ctx context.Context, ip string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := fetchStatus(probeCtx, ip)
	return err == nil
}

func (s *Source) emit(ev provider.Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Printf("LOCAL: event channel full, dropping update")
	}
}
