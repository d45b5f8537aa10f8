package audit

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/strefethen/nowplaying-hub/internal/priority"
)

// Default configuration values
const (
	DefaultRetentionDays = 30
	DefaultQueryLimit    = 100
	MaxQueryLimit        = 1000
)

// Service records provider transitions and manages the pruned event log.
type Service struct {
	logger            *log.Logger
	repo              *Repository
	retentionDays     int
	pruneSchedule     cron.Schedule
	defaultQueryLimit int
	maxQueryLimit     int
	stopCh            chan struct{}
	stopOnce          sync.Once
	wg                sync.WaitGroup
}

// NewService creates a new audit service. pruneCron is a 5-field cron
// expression for the retention sweep; an invalid expression falls back
// to a daily sweep.
func NewService(dbPair DBPair, retentionDays int, pruneCron string, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(pruneCron)
	if err != nil {
		logger.Printf("AUDIT: invalid prune cron %q, using daily sweep: %v", pruneCron, err)
		schedule, _ = parser.Parse("0 4 * * *")
	}

	return &Service{
		logger:            logger,
		repo:              NewRepository(dbPair),
		retentionDays:     retentionDays,
		pruneSchedule:     schedule,
		defaultQueryLimit: DefaultQueryLimit,
		maxQueryLimit:     MaxQueryLimit,
		stopCh:            make(chan struct{}),
	}
}

// RecordTransition persists one provider status change.
func (s *Service) RecordTransition(t priority.Transition) {
	from := string(t.From)
	to := string(t.To)
	input := WriteEventInput{
		ProviderID: string(t.Provider),
		Type:       classifyTransition(t),
		FromStatus: &from,
		ToStatus:   &to,
		Reason:     t.Reason,
	}
	if _, err := s.repo.InsertEvent(input); err != nil {
		s.logger.Printf("AUDIT: failed to record transition for %s: %v", t.Provider, err)
	}
}

// RecordEvent writes an arbitrary provider event.
func (s *Service) RecordEvent(input WriteEventInput) (*ProviderEvent, error) {
	event, err := s.repo.InsertEvent(input)
	if err != nil {
		return nil, fmt.Errorf("failed to record provider event: %w", err)
	}
	return event, nil
}

// QueryEvents retrieves events with filters and pagination.
// Clamps limit to maxQueryLimit.
// Returns: events, total count, hasMore flag, error.
func (s *Service) QueryEvents(filters EventQueryFilters) ([]ProviderEvent, int, bool, error) {
	if filters.Limit == 0 {
		filters.Limit = s.defaultQueryLimit
	}
	if filters.Limit > s.maxQueryLimit {
		filters.Limit = s.maxQueryLimit
	}

	events, total, err := s.repo.QueryEvents(filters)
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to query provider events: %w", err)
	}

	hasMore := filters.Offset+len(events) < total
	return events, total, hasMore, nil
}

// GetEvent retrieves a single event by ID.
func (s *Service) GetEvent(eventID string) (*ProviderEvent, error) {
	event, err := s.repo.GetEvent(eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to get provider event: %w", err)
	}
	if event == nil {
		return nil, &EventNotFoundError{EventID: eventID}
	}
	return event, nil
}

// StartPruneJob starts the background prune job. The first sweep runs
// immediately; subsequent sweeps follow the cron schedule.
func (s *Service) StartPruneJob() {
	s.logger.Printf("AUDIT: starting prune job (retention: %d days)", s.retentionDays)

	s.wg.Add(1)
	go s.runPruneLoop()
}

// StopPruneJob stops the background prune job.
func (s *Service) StopPruneJob() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *Service) runPruneLoop() {
	defer s.wg.Done()

	if count, err := s.Prune(); err != nil {
		s.logger.Printf("AUDIT: prune on start failed: %v", err)
	} else if count > 0 {
		s.logger.Printf("AUDIT: pruned %d events on startup", count)
	}

	for {
		next := s.pruneSchedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))

		select {
		case <-s.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			if count, err := s.Prune(); err != nil {
				s.logger.Printf("AUDIT: prune failed: %v", err)
			} else if count > 0 {
				s.logger.Printf("AUDIT: pruned %d events", count)
			}
		}
	}
}

// Prune manually triggers pruning, returns count deleted.
func (s *Service) Prune() (int64, error) {
	count, err := s.repo.PruneOldEvents(s.retentionDays)
	if err != nil {
		return 0, fmt.Errorf("failed to prune provider events: %w", err)
	}
	return count, nil
}

func classifyTransition(t priority.Transition) EventType {
	if strings.Contains(t.Reason, "cycl") {
		return EventProviderCycled
	}
	switch t.To {
	case priority.StatusActive:
		return EventProviderActivated
	case priority.StatusCooldown:
		return EventProviderCooldown
	case priority.StatusDisabled:
		return EventProviderDisabled
	case priority.StatusStandby:
		switch {
		case t.From == priority.StatusDisabled:
			return EventProviderEnabled
		case t.From == priority.StatusCooldown || t.From == priority.StatusFailing:
			return EventProviderRecovered
		}
	}
	return EventProviderFallback
}

// EventNotFoundError is returned when a provider event is not found.
type EventNotFoundError struct {
	EventID string
}

func (e *EventNotFoundError) Error() string {
	return fmt.Sprintf("provider event not found: %s", e.EventID)
}
