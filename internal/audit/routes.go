package audit

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/strefethen/nowplaying-hub/internal/api"
	"github.com/strefethen/nowplaying-hub/internal/apperrors"
)

// RegisterRoutes wires audit routes to the router.
func RegisterRoutes(router chi.Router, service *Service) {
	router.Method(http.MethodGet, "/v1/audit/events", api.Handler(listEvents(service)))
	router.Method(http.MethodGet, "/v1/audit/events/{eventID}", api.Handler(getEvent(service)))
}

// listEvents handles GET /v1/audit/events
func listEvents(service *Service) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		filters, err := parseFilters(r)
		if err != nil {
			return err
		}

		events, _, hasMore, err := service.QueryEvents(filters)
		if err != nil {
			return apperrors.NewInternalError("Failed to query provider events")
		}
		return api.WriteList(w, "/v1/audit/events", events, hasMore)
	}
}

// getEvent handles GET /v1/audit/events/{eventID}
func getEvent(service *Service) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		eventID := chi.URLParam(r, "eventID")

		event, err := service.GetEvent(eventID)
		if err != nil {
			var notFound *EventNotFoundError
			if errors.As(err, &notFound) {
				return apperrors.NewNotFoundResource("provider event", eventID)
			}
			return apperrors.NewInternalError("Failed to get provider event")
		}
		return api.WriteResource(w, http.StatusOK, event)
	}
}

func parseFilters(r *http.Request) (EventQueryFilters, error) {
	query := r.URL.Query()
	filters := EventQueryFilters{}

	if value := query.Get("provider_id"); value != "" {
		filters.ProviderID = &value
	}
	if value := query.Get("type"); value != "" {
		if !ValidEventType(value) {
			return filters, apperrors.NewAppError(apperrors.ErrorCodeInvalidEventType,
				"unknown event type: "+value, 400, nil, nil)
		}
		filters.Type = &value
	}
	if value := query.Get("start_date"); value != "" {
		filters.StartDate = &value
	}
	if value := query.Get("end_date"); value != "" {
		filters.EndDate = &value
	}
	if value := query.Get("limit"); value != "" {
		limit, err := strconv.Atoi(value)
		if err != nil || limit < 1 {
			return filters, apperrors.NewValidationError("limit must be a positive integer", nil)
		}
		filters.Limit = limit
	}
	if value := query.Get("offset"); value != "" {
		offset, err := strconv.Atoi(value)
		if err != nil || offset < 0 {
			return filters, apperrors.NewValidationError("offset must be a non-negative integer", nil)
		}
		filters.Offset = offset
	}

	return filters, nil
}
