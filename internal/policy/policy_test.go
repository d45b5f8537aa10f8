package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/strefethen/nowplaying-hub/internal/provider"
)

func TestDefaults_CoverAllProviders(t *testing.T) {
	set := Defaults()

	for _, id := range provider.DefaultOrder() {
		f := set.For(id)
		require.GreaterOrEqual(t, f.ErrorThreshold, 1, "provider %s", id)
		require.Greater(t, f.FallbackWindow, time.Duration(0), "provider %s", id)
		require.Greater(t, f.RetryInterval, time.Duration(0), "provider %s", id)
	}
}

func TestDefaults_PushProvidersHaveNoDataTimeout(t *testing.T) {
	set := Defaults()

	require.Zero(t, set.For(provider.CloudPushA).DataTimeout)
	require.Zero(t, set.For(provider.CloudPushB).DataTimeout)
	require.Greater(t, set.For(provider.CloudPoll).DataTimeout, time.Duration(0))
}

func TestFor_UnknownProviderGetsConservativeFallback(t *testing.T) {
	set := Defaults()

	f := set.For(provider.ID("not-a-real-provider"))
	require.GreaterOrEqual(t, f.ErrorThreshold, 1)
	require.Greater(t, f.FallbackWindow, time.Duration(0))
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	set, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Defaults().For(provider.CloudPoll), set.For(provider.CloudPoll))
}

func TestLoad_MergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	content := `
secondary_error_threshold_clamp: 2
clamp_after_recovery: true
providers:
  cloud-poll:
    error_threshold: 10
    fallback_time_window_seconds: 60
  local-network:
    retry_interval_seconds: 5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	set, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 2, set.SecondaryClamp)
	require.True(t, set.ClampAfterRecovery)

	cloud := set.For(provider.CloudPoll)
	require.Equal(t, 10, cloud.ErrorThreshold)
	require.Equal(t, 60*time.Second, cloud.FallbackWindow)
	// Untouched fields keep their defaults
	require.Equal(t, Defaults().For(provider.CloudPoll).RetryInterval, cloud.RetryInterval)

	local := set.For(provider.LocalNetwork)
	require.Equal(t, 5*time.Second, local.RetryInterval)
	require.Equal(t, Defaults().For(provider.LocalNetwork).ErrorThreshold, local.ErrorThreshold)
}

func TestLoad_RejectsUnknownProvider(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	content := `
providers:
  no-such-provider:
    error_threshold: 3
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown provider")
}

func TestLoad_RejectsZeroThreshold(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	content := `
providers:
  cloud-poll:
    error_threshold: 0
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
