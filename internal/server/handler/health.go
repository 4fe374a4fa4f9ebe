package handler

import (
	"context"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"time"
)

// checkTimeout bounds each backend check.
const checkTimeout = 2 * time.Second

// Check reports the health of one backend.
type Check func(ctx context.Context) error

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	mode      string
	startedAt time.Time
	tasks     func() int
	checks    map[string]Check
	logger    *slog.Logger
}

// NewHealthHandler creates a HealthHandler. tasks reports the number of
// registered trade tasks and may be nil.
func NewHealthHandler(mode string, tasks func() int, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		mode:      mode,
		startedAt: time.Now(),
		tasks:     tasks,
		checks:    make(map[string]Check),
		logger:    logHandler(logger, "health"),
	}
}

// AddCheck registers a backend check. Call before serving.
func (h *HealthHandler) AddCheck(name string, c Check) { h.checks[name] = c }

// HealthCheck responds with the process status. Any failing backend makes
// the answer 503 with status "degraded".
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":         "ok",
		"mode":           h.mode,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}
	if h.tasks != nil {
		body["tasks"] = h.tasks()
	}

	status := http.StatusOK
	if len(h.checks) > 0 {
		results := make(map[string]string, len(h.checks))
		for _, name := range slices.Sorted(maps.Keys(h.checks)) {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			err := h.checks[name](ctx)
			cancel()
			if err != nil {
				h.logger.Warn("backend unhealthy", slog.String("backend", name), slog.String("error", err.Error()))
				results[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}
		body["checks"] = results
	}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	writeJSON(w, status, body)
}
