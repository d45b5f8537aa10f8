// Package directpoll implements the cloud polling provider: a fixed
// interval REST poll against the cloud playback endpoint, emitting
// payloads and classified errors on its event channel.
package directpoll

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/strefethen/nowplaying-hub/internal/provider"
)

const eventBuffer = 16

// Config wires a polling Source.
type Config struct {
	Client   *Client
	Interval time.Duration
	Logger   *log.Logger
}

// Source polls the cloud API on a fixed interval.
type Source struct {
	client   *Client
	interval time.Duration
	logger   *log.Logger
	events   chan provider.Event

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates the polling source.
func New(cfg Config) *Source {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	return &Source{
		client:   cfg.Client,
		interval: cfg.Interval,
		logger:   cfg.Logger,
		events:   make(chan provider.Event, eventBuffer),
	}
}

// ID implements provider.Source.
func (s *Source) ID() provider.ID { return provider.CloudPoll }

// Events implements provider.Source.
func (s *Source) Events() <-chan provider.Event { return s.events }

// Start begins the poll loop. Restartable after Stop.
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
	s.logger.Printf("POLL: started (interval %v)", s.interval)
	return nil
}

// Stop halts the poll loop and waits for it to exit.
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

// Probe implements provider.Source with a single fetch.
func (s *Source) Probe(ctx context.Context) (bool, error) {
	if _, err := s.client.FetchNowPlaying(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Source) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	// First poll fires immediately so activation isn't a full interval
	// behind.
	s.pollOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

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
	payload, err := s.client.FetchNowPlaying(ctx)
	if ctx.Err() != nil {
		return
	}

	var ev provider.Event
	if err != nil {
		ev = provider.Event{Provider: provider.CloudPoll, Err: err}
	} else {
		ev = provider.Event{Provider: provider.CloudPoll, Payload: payload}
	}

	select {
	case s.events <- ev:
	default:
		s.logger.Printf("POLL: event channel full, dropping update")
	}
}
