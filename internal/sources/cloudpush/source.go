package cloudpush

import (
	"context"

	"github.com/strefethen/nowplaying-hub/internal/provider"
)

const eventBuffer = 16

// Source is one household's view of the shared push transport. The
// subscription stays warm across activation changes: payloads from an
// inactive push provider still feed pause cycling.
type Source struct {
	transport   *Transport
	id          provider.ID
	householdID string
	credential  provider.CredentialSet
	events      chan provider.Event
}

// ID implements provider.Source.
func (s *Source) ID() provider.ID { return s.id }

// Events implements provider.Source.
func (s *Source) Events() <-chan provider.Event { return s.events }

// Start ensures the shared transport is running. The subscription for
// this household is (re)sent on every connect.
func (s *Source) Start(ctx context.Context) error {
	s.transport.Run(context.WithoutCancel(ctx))
	return nil
}

// Stop keeps the subscription alive; the shared socket serves the
// other household too.
func (s *Source) Stop(ctx context.Context) error {
	return nil
}

// Probe reports whether the shared socket is up.
func (s *Source) Probe(ctx context.Context) (bool, error) {
	if !s.transport.Connected() {
		return false, provider.NewTransientError(s.id, "push transport disconnected", nil)
	}
	return true, nil
}

func (s *Source) emitPayload(payload *provider.Payload) {
	s.emit(provider.Event{Provider: s.id, Payload: payload})
}

func (s *Source) emitError(err error) {
	s.emit(provider.Event{Provider: s.id, Err: err})
}

func (s *Source) emitStatus(status provider.Status) {
	s.emit(provider.Event{Provider: s.id, Status: &status})
}

func (s *Source) emit(ev provider.Event) {
	select {
	case s.events <- ev:
	default:
		s.transport.logger.Printf("PUSH: event channel full for %s, dropping", s.id)
	}
}
