// Package handlers serves the limits service's operational endpoints.
package handlers

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"time"

	"chat-backend/internal/common/errors"
	"chat-backend/internal/common/logging"
	"chat-backend/internal/common/ratelimit"
)

const healthTimeout = 2 * time.Second

// Stores is what the handlers need from the limit stores
type Stores interface {
	Backend() ratelimit.Backend
	Health(ctx context.Context) error
	Stats() map[string]interface{}
}

type Handlers struct {
	stores    Stores
	logger    logging.Logger
	version   string
	startedAt time.Time
}

func New(stores Stores, version string, logger logging.Logger) *Handlers {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Handlers{
		stores:    stores,
		logger:    logger.WithFields(logging.String("component", "handlers")),
		version:   version,
		startedAt: time.Now(),
	}
}

// HealthCheck reports whether the limit storage is reachable. An unreachable
// store answers 503 so the instance drops out of rotation.
// @Summary Health check
// @Description Returns the service status and whether the limit storage is reachable
// @Tags system
// @Produce json
// @Success 200 {object} map[string]interface{} "Health status"
// @Failure 503 {object} map[string]interface{} "Limit storage unreachable"
// @Router /health [get]
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	status := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now(),
		"version":   h.version,
		"backend":   string(h.stores.Backend()),
	}

	code := http.StatusOK
	if err := h.stores.Health(ctx); err != nil {
		h.logger.WithContext(r.Context()).Warn("Limit storage unhealthy", logging.Err(err))
		status["status"] = "unhealthy"
		status["storage_error"] = publicMessage(err)
		code = http.StatusServiceUnavailable
	}

	h.sendJSON(w, code, status)
}

// GetLimitStats returns the store statistics
// @Summary Get limiter statistics
// @Description Returns backend, failure policy, active keys or Redis details, and breaker state
// @Tags limits
// @Produce json
// @Success 200 {object} map[string]interface{} "Limiter statistics"
// @Router /api/limits/stats [get]
func (h *Handlers) GetLimitStats(w http.ResponseWriter, r *http.Request) {
	stats := h.stores.Stats()
	stats["uptime_seconds"] = int64(time.Since(h.startedAt).Seconds())
	h.sendJSON(w, http.StatusOK, stats)
}

// publicMessage drops the backend detail kept in the error context
func publicMessage(err error) string {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return appErr.Message
	}
	return "limit storage unavailable"
}

func (h *Handlers) sendJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", err)
	}
}
