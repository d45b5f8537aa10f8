package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/strefethen/nowplaying-hub/internal/api"
	"github.com/strefethen/nowplaying-hub/internal/apperrors"
	"github.com/strefethen/nowplaying-hub/internal/orchestrator"
	"github.com/strefethen/nowplaying-hub/internal/priority"
	"github.com/strefethen/nowplaying-hub/internal/provider"
)

// registerStatusRoutes wires the read-side playback surface.
func registerStatusRoutes(router chi.Router, orch *orchestrator.Orchestrator, machine *priority.Machine) {
	router.Method(http.MethodGet, "/v1/nowplaying", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		view := orch.View()
		return api.WriteResource(w, http.StatusOK, view)
	}))

	router.Method(http.MethodGet, "/v1/providers", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		snap := machine.Snapshot()
		return api.WriteResource(w, http.StatusOK, map[string]any{
			"object":        "provider_snapshot",
			"current":       snap.Current,
			"previous":      snap.Previous,
			"transitioning": snap.Transitioning,
			"providers":     snap.Providers,
		})
	}))

	router.Method(http.MethodGet, "/v1/providers/{providerID}", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		id := provider.ID(chi.URLParam(r, "providerID"))
		if _, ok := provider.Describe(id); !ok {
			return apperrors.NewProviderNotFound(string(id))
		}

		health, ok := machine.HealthOf(id)
		if !ok {
			return apperrors.NewProviderNotFound(string(id))
		}
		return api.WriteResource(w, http.StatusOK, map[string]any{
			"object":      "provider_health",
			"provider_id": id,
			"status":      health.Status,
			"error_count": health.ErrorCount,
			"cooldowns":   health.Cooldowns,
			"recoveries":  health.Recoveries,
		})
	}))

	router.Method(http.MethodPost, "/v1/providers/reset", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		machine.Reset()
		current := machine.ActivateFirstAvailable()
		return api.WriteAction(w, http.StatusOK, map[string]any{
			"object":  "reset",
			"current": current,
		})
	}))

	router.Method(http.MethodPost, "/v1/providers/{providerID}/activate", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		id := provider.ID(chi.URLParam(r, "providerID"))
		if _, ok := provider.Describe(id); !ok {
			return apperrors.NewProviderNotFound(string(id))
		}

		if err := machine.ActivateService(id); err != nil {
			return mapActivationError(id, err)
		}
		return api.WriteAction(w, http.StatusOK, map[string]any{
			"object":      "activation",
			"provider_id": id,
			"status":      "active",
		})
	}))
}

func mapActivationError(id provider.ID, err error) error {
	switch {
	case errors.Is(err, priority.ErrUnknownProvider):
		return apperrors.NewProviderNotFound(string(id))
	case errors.Is(err, priority.ErrProviderDisabled):
		return apperrors.NewProviderDisabled(string(id))
	case errors.Is(err, priority.ErrProviderCoolingDown):
		return apperrors.NewAppError(apperrors.ErrorCodeProviderCoolingDown,
			"provider is cooling down: "+string(id), 409, map[string]any{"provider": string(id)}, nil)
	case errors.Is(err, priority.ErrProviderRecovering):
		return apperrors.NewAppError(apperrors.ErrorCodeProviderRecovering,
			"provider is under recovery: "+string(id), 409, map[string]any{"provider": string(id)}, nil)
	default:
		return apperrors.NewInternalError("Failed to activate provider")
	}
}
