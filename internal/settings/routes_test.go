package settings

import (
	"io"
	"log"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/strefethen/nowplaying-hub/internal/db"
	"github.com/strefethen/nowplaying-hub/internal/provider"
)

func setupTestService(t *testing.T, onChange func(map[provider.ID]bool)) *Service {
	t.Helper()
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")

	dbPair, err := db.Init(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { dbPair.Close() })

	return NewService(dbPair, log.New(io.Discard, "", 0), onChange)
}

func TestService_ListDefaultsToEnabled(t *testing.T) {
	service := setupTestService(t, nil)

	settings, err := service.List()
	require.NoError(t, err)
	require.Len(t, settings, len(provider.DefaultOrder()))
	for i, id := range provider.DefaultOrder() {
		require.Equal(t, "provider_setting", settings[i].Object)
		require.Equal(t, string(id), settings[i].ProviderID)
		require.True(t, settings[i].Enabled)
	}
}

func TestService_SetEnabledPersists(t *testing.T) {
	service := setupTestService(t, nil)

	setting, err := service.SetEnabled(provider.LocalNetwork, false)
	require.NoError(t, err)
	require.False(t, setting.Enabled)
	require.False(t, setting.UpdatedAt.IsZero())

	enabled, err := service.EnabledMap()
	require.NoError(t, err)
	require.False(t, enabled[provider.LocalNetwork])
	require.True(t, enabled[provider.CloudPoll])
}

func TestService_SetEnabledUpserts(t *testing.T) {
	service := setupTestService(t, nil)

	_, err := service.SetEnabled(provider.CloudPoll, false)
	require.NoError(t, err)
	_, err = service.SetEnabled(provider.CloudPoll, true)
	require.NoError(t, err)

	enabled, err := service.EnabledMap()
	require.NoError(t, err)
	require.True(t, enabled[provider.CloudPoll])
}

func TestService_SetEnabledFiresOnChange(t *testing.T) {
	var got map[provider.ID]bool
	service := setupTestService(t, func(m map[provider.ID]bool) { got = m })

	_, err := service.SetEnabled(provider.CloudPushB, false)
	require.NoError(t, err)

	require.NotNil(t, got)
	require.False(t, got[provider.CloudPushB])
	require.True(t, got[provider.CloudPoll])
	require.Len(t, got, len(provider.DefaultOrder()))
}
