package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/strefethen/nowplaying-hub/internal/config"
)

func setupTestServer(t *testing.T) http.Handler {
	t.Helper()
	tempDir := t.TempDir()

	cfg := config.Config{
		SQLiteDBPath:        filepath.Join(tempDir, "test.db"),
		CloudPollIntervalMs: 1000,
		AuditRetentionDays:  30,
		AuditPruneCron:      "0 4 * * *",
	}

	handler, shutdown, err := NewHandler(cfg, Options{DisableSources: true})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, shutdown(context.Background()))
	})
	return handler
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}
	req := httptest.NewRequest(method, path, &reqBody)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestServer_Health(t *testing.T) {
	handler := setupTestServer(t)

	rec, body := doJSON(t, handler, http.MethodGet, "/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "healthy", body["status"])
	require.Equal(t, "nowplaying-hub", body["service"])

	rec, _ = doJSON(t, handler, http.MethodGet, "/v1/health/live", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = doJSON(t, handler, http.MethodGet, "/v1/health/ready", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_NowPlayingStartsLoading(t *testing.T) {
	handler := setupTestServer(t)

	rec, body := doJSON(t, handler, http.MethodGet, "/v1/nowplaying", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, body["is_loading"])
	require.Equal(t, false, body["is_playing"])
}

func TestServer_ProviderSnapshot(t *testing.T) {
	handler := setupTestServer(t)

	rec, body := doJSON(t, handler, http.MethodGet, "/v1/providers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "provider_snapshot", body["object"])
	providers, ok := body["providers"].([]any)
	require.True(t, ok)
	require.Len(t, providers, 4)
}

func TestServer_ProviderHealth(t *testing.T) {
	handler := setupTestServer(t)

	rec, body := doJSON(t, handler, http.MethodGet, "/v1/providers/cloud-poll", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "provider_health", body["object"])
	require.Equal(t, "cloud-poll", body["provider_id"])

	rec, body = doJSON(t, handler, http.MethodGet, "/v1/providers/bogus", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	errBody, ok := body["error"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "PROVIDER_NOT_FOUND", errBody["code"])
}

func TestServer_ActivateDisabledProviderConflicts(t *testing.T) {
	handler := setupTestServer(t)

	// Sources are disabled so no enablement was ever applied; every
	// provider starts out disabled.
	rec, body := doJSON(t, handler, http.MethodPost, "/v1/providers/cloud-poll/activate", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	errBody, ok := body["error"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "PROVIDER_DISABLED", errBody["code"])
}

func TestServer_SettingsRoundTrip(t *testing.T) {
	handler := setupTestServer(t)

	rec, body := doJSON(t, handler, http.MethodGet, "/v1/settings/providers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data, ok := body["data"].([]any)
	require.True(t, ok)
	require.Len(t, data, 4)

	rec, body = doJSON(t, handler, http.MethodPut, "/v1/settings/providers/local-network",
		map[string]any{"enabled": false})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, false, body["enabled"])

	rec, body = doJSON(t, handler, http.MethodGet, "/v1/settings/providers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data = body["data"].([]any)
	for _, item := range data {
		setting := item.(map[string]any)
		if setting["provider_id"] == "local-network" {
			require.Equal(t, false, setting["enabled"])
		}
	}

	rec, _ = doJSON(t, handler, http.MethodPut, "/v1/settings/providers/bogus",
		map[string]any{"enabled": false})
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = doJSON(t, handler, http.MethodPut, "/v1/settings/providers/local-network",
		map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_AuditEventsEmpty(t *testing.T) {
	handler := setupTestServer(t)

	rec, body := doJSON(t, handler, http.MethodGet, "/v1/audit/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data, ok := body["data"].([]any)
	require.True(t, ok)
	require.Empty(t, data)

	rec, _ = doJSON(t, handler, http.MethodGet, "/v1/audit/events/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = doJSON(t, handler, http.MethodGet, "/v1/audit/events?type=NOT_A_TYPE", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Reset(t *testing.T) {
	handler := setupTestServer(t)

	rec, body := doJSON(t, handler, http.MethodPost, "/v1/providers/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "reset", body["object"])
	// No enablement was applied, so nothing comes back up.
	require.Equal(t, "", body["current"])
}

func TestServer_RequestIDHeader(t *testing.T) {
	handler := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.NotEmpty(t, rec.Header().Get("x-request-id"))
}
