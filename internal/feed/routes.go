package feed

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/strefethen/nowplaying-hub/internal/api"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Local-network clients connect from arbitrary origins
	},
}

// RegisterRoutes wires feed routes to the router.
func RegisterRoutes(router chi.Router, hub *Hub) {
	router.HandleFunc("/v1/feed", websocketHandler(hub))
	router.Method(http.MethodGet, "/v1/feed/status", api.Handler(statusHandler(hub)))
}

func websocketHandler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade failed - error already written to response
			return
		}

		hub.AddConnection(conn)
	}
}

func statusHandler(hub *Hub) api.Handler {
	return func(w http.ResponseWriter, r *http.Request) error {
		return api.WriteResource(w, http.StatusOK, map[string]any{
			"object":  "feed_status",
			"clients": hub.ClientCount(),
		})
	}
}
