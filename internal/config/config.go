package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds the base server configuration.
type Config struct {
	Host         string
	Port         string
	SQLiteDBPath string
	PolicyFile   string

	// Cloud account A (primary) settings. Used by both the polling
	// provider and the first push provider.
	CloudAPIURL         string
	CloudWSURL          string
	CloudTokenURL       string
	CloudHouseholdID    string
	CloudPollIntervalMs int
	CloudTimeoutMs      int
	CloudClientID       string
	CloudClientSecret   string

	// Cloud account B (secondary) settings.
	CloudBHouseholdID  string
	CloudBClientID     string
	CloudBClientSecret string

	// Local network discovery settings
	SSDPDiscoveryTimeoutMs int
	SSDPDiscoveryPasses    int
	SSDPPassIntervalMs     int
	SSDPRescanIntervalMs   int
	StaticDeviceIPs        []string
	LocalPollIntervalMs    int
	LocalTimeoutMs         int

	// Pause-cycling waits in seconds. Zero disables cycling for that case.
	CyclingEnabled          bool
	CyclePausedWithTrackSec int
	CyclePausedNoTrackSec   int
	CycleStoppedSec         int
	CycleIdleSec            int
	CycleResetCooldownSec   int

	// State machine tuning
	TransitionGraceMs int
	ProbeTimeoutMs    int

	// Audit settings
	AuditRetentionDays int
	AuditPruneCron     string
}

// Load reads configuration from environment variables with defaults.
func Load() (Config, error) {
	host := envString("HOST", "0.0.0.0")
	port := envString("PORT", "9000")
	sqlitePath := envString("SQLITE_DB_PATH", "./data/nowplaying-hub.db")
	policyFile := envString("POLICY_FILE", "")

	cloudAPIURL := envString("CLOUD_API_URL", "https://api.ws.sonos.com/control/api/v1")
	cloudWSURL := envString("CLOUD_WS_URL", "wss://ws.sonos.com/control/websocket")
	cloudTokenURL := envString("CLOUD_TOKEN_URL", "https://api.sonos.com/login/v3/oauth/access")
	cloudHouseholdID := envString("CLOUD_HOUSEHOLD_ID", "")
	cloudPollInterval := envInt("CLOUD_POLL_INTERVAL_MS", 5000)
	cloudTimeout := envInt("CLOUD_TIMEOUT_MS", 10000)
	cloudClientID := envString("CLOUD_CLIENT_ID", "")
	cloudClientSecret := envString("CLOUD_CLIENT_SECRET", "")

	cloudBHouseholdID := envString("CLOUD_B_HOUSEHOLD_ID", "")
	cloudBClientID := envString("CLOUD_B_CLIENT_ID", "")
	cloudBClientSecret := envString("CLOUD_B_CLIENT_SECRET", "")

	ssdpTimeout := envInt("SSDP_DISCOVERY_TIMEOUT_MS", 5000)
	ssdpPasses := envInt("SSDP_DISCOVERY_PASSES", 3)
	ssdpPassInterval := envInt("SSDP_PASS_INTERVAL_MS", 2000)
	ssdpRescanInterval := envInt("SSDP_RESCAN_INTERVAL_MS", 60000)
	staticIPs := envCSV("STATIC_DEVICE_IPS")
	localPollInterval := envInt("LOCAL_POLL_INTERVAL_MS", 2000)
	localTimeout := envInt("LOCAL_TIMEOUT_MS", 5000)

	cyclingEnabled := envBool("CYCLING_ENABLED", true)
	cyclePausedWithTrack := envInt("CYCLE_PAUSED_WITH_TRACK_SECONDS", 0)
	cyclePausedNoTrack := envInt("CYCLE_PAUSED_NO_TRACK_SECONDS", 30)
	cycleStopped := envInt("CYCLE_STOPPED_SECONDS", 20)
	cycleIdle := envInt("CYCLE_IDLE_SECONDS", 20)
	cycleResetCooldown := envInt("CYCLE_RESET_COOLDOWN_SECONDS", 300)

	transitionGrace := envInt("TRANSITION_GRACE_MS", 2000)
	probeTimeout := envInt("PROBE_TIMEOUT_MS", 10000)

	auditRetentionDays := envInt("AUDIT_RETENTION_DAYS", 30)
	auditPruneCron := envString("AUDIT_PRUNE_CRON", "0 4 * * *")

	if cloudPollInterval < 1000 {
		return Config{}, fmt.Errorf("CLOUD_POLL_INTERVAL_MS must be at least 1000, got %d", cloudPollInterval)
	}
	if auditRetentionDays < 1 {
		return Config{}, fmt.Errorf("AUDIT_RETENTION_DAYS must be at least 1, got %d", auditRetentionDays)
	}

	return Config{
		Host:                    host,
		Port:                    port,
		SQLiteDBPath:            sqlitePath,
		PolicyFile:              policyFile,
		CloudAPIURL:             cloudAPIURL,
		CloudWSURL:              cloudWSURL,
		CloudTokenURL:           cloudTokenURL,
		CloudHouseholdID:        cloudHouseholdID,
		CloudPollIntervalMs:     cloudPollInterval,
		CloudTimeoutMs:          cloudTimeout,
		CloudClientID:           cloudClientID,
		CloudClientSecret:       cloudClientSecret,
		CloudBHouseholdID:       cloudBHouseholdID,
		CloudBClientID:          cloudBClientID,
		CloudBClientSecret:      cloudBClientSecret,
		SSDPDiscoveryTimeoutMs:  ssdpTimeout,
		SSDPDiscoveryPasses:     ssdpPasses,
		SSDPPassIntervalMs:      ssdpPassInterval,
		SSDPRescanIntervalMs:    ssdpRescanInterval,
		StaticDeviceIPs:         staticIPs,
		LocalPollIntervalMs:     localPollInterval,
		LocalTimeoutMs:          localTimeout,
		CyclingEnabled:          cyclingEnabled,
		CyclePausedWithTrackSec: cyclePausedWithTrack,
		CyclePausedNoTrackSec:   cyclePausedNoTrack,
		CycleStoppedSec:         cycleStopped,
		CycleIdleSec:            cycleIdle,
		CycleResetCooldownSec:   cycleResetCooldown,
		TransitionGraceMs:       transitionGrace,
		ProbeTimeoutMs:          probeTimeout,
		AuditRetentionDays:      auditRetentionDays,
		AuditPruneCron:          auditPruneCron,
	}, nil
}

func envString(key, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func envInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return strings.EqualFold(val, "true")
}

func envCSV(key string) []string {
	val := os.Getenv(key)
	if val == "" {
		return []string{}
	}
	parts := strings.Split(val, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		result = append(result, trimmed)
	}
	return result
}
