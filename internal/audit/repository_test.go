package audit

import (
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/strefethen/nowplaying-hub/internal/db"
)

func setupTestRepo(t *testing.T) *Repository {
	t.Helper()
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")

	dbPair, err := db.Init(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { dbPair.Close() })

	return NewRepository(dbPair)
}

func strPtr(s string) *string { return &s }

func TestRepository_InsertAndGetEvent(t *testing.T) {
	repo := setupTestRepo(t)

	event, err := repo.InsertEvent(WriteEventInput{
		ProviderID: "cloud-poll",
		Type:       EventProviderFallback,
		FromStatus: strPtr("active"),
		ToStatus:   strPtr("cooldown"),
		Reason:     "error threshold reached",
	})
	require.NoError(t, err)
	require.NotEmpty(t, event.EventID)
	require.Equal(t, "cloud-poll", event.ProviderID)
	require.Equal(t, EventProviderFallback, event.Type)
	require.NotNil(t, event.FromStatus)
	require.Equal(t, "active", *event.FromStatus)
	require.Equal(t, "error threshold reached", event.Reason)
	require.False(t, event.Timestamp.IsZero())

	fetched, err := repo.GetEvent(event.EventID)
	require.NoError(t, err)
	require.NotNil(t, fetched)
	require.Equal(t, event.EventID, fetched.EventID)
}

func TestRepository_GetEvent_NotFound(t *testing.T) {
	repo := setupTestRepo(t)

	event, err := repo.GetEvent("nonexistent")
	require.NoError(t, err)
	require.Nil(t, event)
}

func TestRepository_QueryEvents_Filters(t *testing.T) {
	repo := setupTestRepo(t)

	for i := 0; i < 3; i++ {
		_, err := repo.InsertEvent(WriteEventInput{
			ProviderID: "cloud-poll",
			Type:       EventProviderFallback,
			Reason:     "errors",
		})
		require.NoError(t, err)
	}
	_, err := repo.InsertEvent(WriteEventInput{
		ProviderID: "local-network",
		Type:       EventProviderActivated,
		Reason:     "promoted",
	})
	require.NoError(t, err)

	events, total, err := repo.QueryEvents(EventQueryFilters{
		ProviderID: strPtr("cloud-poll"),
	})
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Len(t, events, 3)

	eventType := string(EventProviderActivated)
	events, total, err = repo.QueryEvents(EventQueryFilters{Type: &eventType})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, "local-network", events[0].ProviderID)
}

func TestRepository_QueryEvents_Pagination(t *testing.T) {
	repo := setupTestRepo(t)

	for i := 0; i < 5; i++ {
		_, err := repo.InsertEvent(WriteEventInput{
			ProviderID: "cloud-poll",
			Type:       EventProviderFallback,
			Reason:     "errors",
		})
		require.NoError(t, err)
	}

	events, total, err := repo.QueryEvents(EventQueryFilters{Limit: 2})
	require.NoError(t, err)
	require.Equal(t, 5, total)
	require.Len(t, events, 2)

	events, _, err = repo.QueryEvents(EventQueryFilters{Limit: 2, Offset: 4})
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestRepository_PruneOldEvents_KeepsRecent(t *testing.T) {
	repo := setupTestRepo(t)

	_, err := repo.InsertEvent(WriteEventInput{
		ProviderID: "cloud-poll",
		Type:       EventProviderCooldown,
		Reason:     "errors",
	})
	require.NoError(t, err)

	deleted, err := repo.PruneOldEvents(30)
	require.NoError(t, err)
	require.Zero(t, deleted)

	_, total, err := repo.QueryEvents(EventQueryFilters{})
	require.NoError(t, err)
	require.Equal(t, 1, total)
}
