package settings

import (
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/strefethen/nowplaying-hub/internal/api"
	"github.com/strefethen/nowplaying-hub/internal/apperrors"
	"github.com/strefethen/nowplaying-hub/internal/db"
	"github.com/strefethen/nowplaying-hub/internal/provider"
)

// ProviderSetting is the persisted enablement state for one provider.
type ProviderSetting struct {
	Object     string    `json:"object"`
	ProviderID string    `json:"provider_id"`
	Enabled    bool      `json:"enabled"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// DBPair interface for dependency injection (matches db.DBPair).
type DBPair interface {
	Reader() *sql.DB
	Writer() *sql.DB
}

// Service provides provider enablement management.
// Uses separate reader/writer connections for optimal SQLite concurrency.
type Service struct {
	reader   *sql.DB // For SELECT queries
	writer   *sql.DB // For INSERT/UPDATE/DELETE
	logger   *log.Logger
	onChange func(enabled map[provider.ID]bool)
}

// NewService creates a new settings service. onChange fires after each
// persisted update with the full enablement map; pass nil to ignore.
func NewService(dbPair DBPair, logger *log.Logger, onChange func(enabled map[provider.ID]bool)) *Service {
	if logger == nil {
		logger = log.Default()
	}

	return &Service{
		reader:   dbPair.Reader(),
		writer:   dbPair.Writer(),
		logger:   logger,
		onChange: onChange,
	}
}

// RegisterRoutes wires settings routes to the router.
func RegisterRoutes(router chi.Router, service *Service) {
	router.Method(http.MethodGet, "/v1/settings/providers", api.Handler(listProviderSettings(service)))
	router.Method(http.MethodPut, "/v1/settings/providers/{providerID}", api.Handler(updateProviderSetting(service)))
}

// listProviderSettings handles GET /v1/settings/providers
func listProviderSettings(service *Service) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		settings, err := service.List()
		if err != nil {
			return apperrors.NewInternalError("Failed to list provider settings")
		}
		return api.WriteList(w, "/v1/settings/providers", settings, false)
	}
}

// UpdateProviderSettingInput is the request body for updating enablement.
type UpdateProviderSettingInput struct {
	Enabled *bool `json:"enabled"`
}

// updateProviderSetting handles PUT /v1/settings/providers/{providerID}
func updateProviderSetting(service *Service) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		providerID := provider.ID(chi.URLParam(r, "providerID"))
		if _, ok := provider.Describe(providerID); !ok {
			return apperrors.NewProviderNotFound(string(providerID))
		}

		var input UpdateProviderSettingInput
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			return apperrors.NewValidationError("invalid request body", nil)
		}
		if input.Enabled == nil {
			return apperrors.NewValidationError("enabled is required", nil)
		}

		setting, err := service.SetEnabled(providerID, *input.Enabled)
		if err != nil {
			return apperrors.NewInternalError("Failed to update provider setting")
		}
		return api.WriteResource(w, http.StatusOK, setting)
	}
}

// List returns the enablement state for every known provider.
// Providers with no stored row default to enabled.
func (s *Service) List() ([]ProviderSetting, error) {
	stored, err := s.storedSettings()
	if err != nil {
		return nil, err
	}

	settings := make([]ProviderSetting, 0, len(provider.DefaultOrder()))
	for _, id := range provider.DefaultOrder() {
		if setting, ok := stored[id]; ok {
			settings = append(settings, setting)
			continue
		}
		settings = append(settings, ProviderSetting{
			Object:     "provider_setting",
			ProviderID: string(id),
			Enabled:    true,
		})
	}
	return settings, nil
}

// EnabledMap returns provider enablement keyed by provider ID.
func (s *Service) EnabledMap() (map[provider.ID]bool, error) {
	settings, err := s.List()
	if err != nil {
		return nil, err
	}
	enabled := make(map[provider.ID]bool, len(settings))
	for _, setting := range settings {
		enabled[provider.ID(setting.ProviderID)] = setting.Enabled
	}
	return enabled, nil
}

// SetEnabled persists the enablement state for one provider.
func (s *Service) SetEnabled(id provider.ID, enabled bool) (*ProviderSetting, error) {
	enabledInt := 0
	if enabled {
		enabledInt = 1
	}

	now := db.NowISO()
	_, err := s.writer.Exec(`
		INSERT INTO provider_settings (provider_id, enabled, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(provider_id) DO UPDATE SET
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`, string(id), enabledInt, now)
	if err != nil {
		return nil, err
	}

	s.logger.Printf("SETTINGS: provider %s enabled=%v", id, enabled)

	if s.onChange != nil {
		if enabledMap, err := s.EnabledMap(); err == nil {
			s.onChange(enabledMap)
		} else {
			s.logger.Printf("SETTINGS: failed to rebuild enablement map: %v", err)
		}
	}

	updatedAt, _ := time.Parse(time.RFC3339, now)
	return &ProviderSetting{
		Object:     "provider_setting",
		ProviderID: string(id),
		Enabled:    enabled,
		UpdatedAt:  updatedAt,
	}, nil
}

func (s *Service) storedSettings() (map[provider.ID]ProviderSetting, error) {
	rows, err := s.reader.Query(`
		SELECT provider_id, enabled, updated_at
		FROM provider_settings
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stored := make(map[provider.ID]ProviderSetting)
	for rows.Next() {
		var setting ProviderSetting
		var enabledInt int
		var updatedAt string
		if err := rows.Scan(&setting.ProviderID, &enabledInt, &updatedAt); err != nil {
			return nil, err
		}
		setting.Object = "provider_setting"
		setting.Enabled = enabledInt == 1
		setting.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		stored[provider.ID(setting.ProviderID)] = setting
	}
	return stored, rows.Err()
}
