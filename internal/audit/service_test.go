package audit

import (
	"io"
	"log"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/strefethen/nowplaying-hub/internal/db"
	"github.com/strefethen/nowplaying-hub/internal/priority"
	"github.com/strefethen/nowplaying-hub/internal/provider"
)

func setupTestService(t *testing.T) *Service {
	t.Helper()
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")

	dbPair, err := db.Init(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { dbPair.Close() })

	return NewService(dbPair, 30, "0 4 * * *", log.New(io.Discard, "", 0))
}

func TestClassifyTransition(t *testing.T) {
	cases := []struct {
		name string
		tr   priority.Transition
		want EventType
	}{
		{
			name: "activation",
			tr:   priority.Transition{From: priority.StatusStandby, To: priority.StatusActive, Reason: "activate"},
			want: EventProviderActivated,
		},
		{
			name: "cooldown",
			tr:   priority.Transition{From: priority.StatusFailing, To: priority.StatusCooldown, Reason: "error threshold reached"},
			want: EventProviderCooldown,
		},
		{
			name: "disabled",
			tr:   priority.Transition{From: priority.StatusStandby, To: priority.StatusDisabled, Reason: "capability disabled"},
			want: EventProviderDisabled,
		},
		{
			name: "enabled",
			tr:   priority.Transition{From: priority.StatusDisabled, To: priority.StatusStandby, Reason: "enabled"},
			want: EventProviderEnabled,
		},
		{
			name: "recovered from cooldown",
			tr:   priority.Transition{From: priority.StatusCooldown, To: priority.StatusStandby, Reason: "probe succeeded"},
			want: EventProviderRecovered,
		},
		{
			name: "recovered from failing",
			tr:   priority.Transition{From: priority.StatusFailing, To: priority.StatusStandby, Reason: "transport reconnected"},
			want: EventProviderRecovered,
		},
		{
			name: "deactivation is a fallback",
			tr:   priority.Transition{From: priority.StatusActive, To: priority.StatusStandby, Reason: "deactivated"},
			want: EventProviderFallback,
		},
		{
			name: "pause cycle switch",
			tr:   priority.Transition{From: priority.StatusStandby, To: priority.StatusActive, Reason: "pause cycle"},
			want: EventProviderCycled,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, classifyTransition(tc.tr))
		})
	}
}

func TestService_RecordTransitionPersists(t *testing.T) {
	service := setupTestService(t)

	service.RecordTransition(priority.Transition{
		Provider: provider.CloudPoll,
		From:     priority.StatusFailing,
		To:       priority.StatusCooldown,
		Current:  provider.CloudPushA,
		Reason:   "error threshold reached",
	})

	events, total, hasMore, err := service.QueryEvents(EventQueryFilters{})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.False(t, hasMore)
	require.Len(t, events, 1)
	require.Equal(t, string(provider.CloudPoll), events[0].ProviderID)
	require.Equal(t, EventProviderCooldown, events[0].Type)
	require.NotNil(t, events[0].FromStatus)
	require.Equal(t, "failing", *events[0].FromStatus)
	require.Equal(t, "error threshold reached", events[0].Reason)
}

func TestService_QueryEventsClampsLimit(t *testing.T) {
	service := setupTestService(t)

	for i := 0; i < 3; i++ {
		service.RecordTransition(priority.Transition{
			Provider: provider.LocalNetwork,
			From:     priority.StatusStandby,
			To:       priority.StatusActive,
			Reason:   "activate",
		})
	}

	events, total, hasMore, err := service.QueryEvents(EventQueryFilters{Limit: MaxQueryLimit + 500})
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.False(t, hasMore)
	require.Len(t, events, 3)
}

func TestService_GetEventNotFound(t *testing.T) {
	service := setupTestService(t)

	_, err := service.GetEvent("missing-id")
	var notFound *EventNotFoundError
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, "missing-id", notFound.EventID)
}

func TestService_InvalidCronFallsBackToDaily(t *testing.T) {
	tempDir := t.TempDir()
	dbPair, err := db.Init(filepath.Join(tempDir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { dbPair.Close() })

	service := NewService(dbPair, 30, "not a cron", log.New(io.Discard, "", 0))
	require.NotNil(t, service.pruneSchedule)
}
