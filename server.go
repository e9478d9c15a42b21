package main

import (
	"log/slog"
	"net/http"
)

// NewRouter registers all routes and wraps them with the middleware chain.
func NewRouter(h *SettingsHandler, cfg Config, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Health check, unauthenticated.
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Message relay envelope
	mux.HandleFunc("POST "+relayPath, h.Relay)

	// Settings record
	mux.HandleFunc("GET /api/v1/owners/{ownerId}/settings", h.GetAll)
	mux.HandleFunc("GET /api/v1/owners/{ownerId}/settings/{key}", h.GetOne)
	mux.HandleFunc("PUT /api/v1/owners/{ownerId}/settings", h.Save)
	mux.HandleFunc("POST /api/v1/owners/{ownerId}/settings", h.Save)
	mux.HandleFunc("DELETE /api/v1/owners/{ownerId}/settings", h.Clear)
	mux.HandleFunc("DELETE /api/v1/owners/{ownerId}/settings/{key}", h.ClearOne)

	// Recovery -> CORS -> RequestLogging -> JWTAuth -> mux
	var handler http.Handler = mux
	handler = JWTAuth(cfg.JWTSecret, cfg.JWTIssuer, cfg.DevBypassAuth)(handler)
	handler = RequestLogging(logger)(handler)
	handler = CORS(cfg.CORSAllowOrigin)(handler)
	handler = Recovery(logger)(handler)

	return handler
}
