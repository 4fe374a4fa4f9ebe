package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/chaintrader/internal/metrics"
	"github.com/alanyoungcy/chaintrader/internal/rule"
	"github.com/alanyoungcy/chaintrader/internal/server/handler"
	"github.com/alanyoungcy/chaintrader/internal/server/middleware"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestServer(apiKey string, rate int) http.Handler {
	logger := quiet()
	handlers := Handlers{
		Health:  handler.NewHealthHandler("monitor", nil, logger),
		Rules:   handler.NewRuleHandler(rule.NewDispatcher(nil, 0, nil, logger), logger),
		Metrics: metrics.New().Handler(),
	}
	cfg := Config{Port: 0, APIKey: apiKey, RatePerMin: rate, CORSOrigins: []string{"http://localhost:3000"}}
	return NewServer(cfg, handlers, middleware.NewLocalLimiter(), logger).Handler()
}

func serve(h http.Handler, method, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRoutesAndAuth(t *testing.T) {
	h := newTestServer("secret", 0)
	key := map[string]string{"X-API-Key": "secret"}

	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/api/health", nil).Code)
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/metrics", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(h, http.MethodGet, "/api/rules", nil).Code)
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/api/rules", key).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, serve(h, http.MethodPut, "/api/rules", key).Code)

	// Handlers left nil have no routes.
	assert.Equal(t, http.StatusNotFound, serve(h, http.MethodGet, "/api/tasks", key).Code)
	assert.Equal(t, http.StatusNotFound, serve(h, http.MethodGet, "/api/ws", key).Code)
}

func TestMiddlewareOrder(t *testing.T) {
	h := newTestServer("secret", 1)

	// Preflight answers before auth.
	rec := serve(h, http.MethodOptions, "/api/rules", map[string]string{
		"Origin":                        "http://localhost:3000",
		"Access-Control-Request-Method": "POST",
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = serve(h, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))

	rec = serve(h, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}
