package api

import (
	"log"
	"net/http"

	"github.com/strefethen/nowplaying-hub/internal/apperrors"
)

// Handler is an http.Handler whose ServeHTTP routes the returned error
// through WriteError, so route code can just return apperrors values.
type Handler func(w http.ResponseWriter, r *http.Request) error

func (h Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h(w, r); err != nil {
		WriteError(w, r, err)
	}
}

// RecovererMiddleware turns a handler panic into a 500 response instead of
// dropping the connection.
func RecovererMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if recovered := recover(); recovered != nil {
				log.Printf("panic in %s %s (request %s): %v", r.Method, r.URL.Path, GetRequestID(r), recovered)
				WriteError(w, r, apperrors.NewInternalError("Internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
