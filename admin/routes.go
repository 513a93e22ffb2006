package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// RegisterRoutes mounts the sync status API under /sync and, when given, the
// Prometheus handler at /metrics.
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers, secret string, metrics http.Handler) {
	r := chi.NewRouter()

	r.Route("/sync", func(r chi.Router) {
		r.Use(AuthMiddleware(secret))

		r.Get("/status", handlers.handleStatus)
		r.Get("/channels", handlers.handleChannels)
		r.Get("/channels/{scopeKey}", handlers.wrapWithScopeKey(handlers.handleChannel))
		r.Get("/metrics", handlers.handleMetrics)
		r.Get("/events", handlers.handleEvents)

		r.Post("/poll", handlers.handlePoll)
		r.Post("/retries/drain", handlers.handleDrain)
	})

	mux.Handle("/sync/", r)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	log.Info().Bool("auth", secret != "").Bool("prometheus", metrics != nil).
		Msg("Admin endpoints enabled at /sync/*")
}

func (h *AdminHandlers) wrapWithScopeKey(fn func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scopeKey := chi.URLParam(r, "scopeKey")
		if scopeKey == "" {
			writeErrorResponse(w, http.StatusBadRequest, "scope key is required")
			return
		}
		fn(w, r, scopeKey)
	}
}
