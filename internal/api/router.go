// internal/api/router.go
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"telemetry-gateway/internal/auth"
)

// RequestLogger logs every request through zerolog.
func RequestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Debug().
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("elapsed", time.Since(start)).
					Str("remote", r.RemoteAddr).
					Msg("HTTP request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func baseRouter(logger zerolog.Logger) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)
	return r
}

// SetupDataRouter serves device ingestion.
func SetupDataRouter(apiHandler *APIHandler) *chi.Mux {
	r := baseRouter(apiHandler.logger)

	r.Post("/readings", apiHandler.HandleIngest)
	r.Get("/healthz", apiHandler.HandleHealth)

	return r
}

// SetupUIRouter serves observers and operators. Everything except health
// and metrics needs a tenant token.
func SetupUIRouter(apiHandler *APIHandler, tokens *auth.TokenManager, gatherer prometheus.Gatherer) *chi.Mux {
	r := baseRouter(apiHandler.logger)

	r.Get("/healthz", apiHandler.HandleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(tokens.JWTMiddleware)
		r.Get("/ws", apiHandler.HandleWebSocket)
		r.Get("/alerts", apiHandler.HandleListAlerts)
		r.Post("/alerts/{id}/ack", apiHandler.HandleAcknowledge)
		r.Post("/alerts/{id}/resolve", apiHandler.HandleResolve)
	})

	return r
}
