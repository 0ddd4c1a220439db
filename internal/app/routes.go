package app

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chat-backend/internal/handlers"
	"chat-backend/internal/middleware"
)

// Routes builds the ops router: health, metrics and limiter stats
func (app *App) Routes() http.Handler {
	h := handlers.New(app.Stores, Version, app.Logger)

	router := mux.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logging(app.Logger))

	router.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(app.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/limits/stats", h.GetLimitStats).Methods(http.MethodGet)

	return router
}
