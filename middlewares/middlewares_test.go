package middlewares

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/yeremiapane/kitchen-router/metrics"
	"github.com/yeremiapane/kitchen-router/utils"
)

func newEngine(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	utils.SilenceLoggers()
	r := gin.New()
	r.Use(handlers...)
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	return r
}

func get(r http.Handler, remote, origin string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = remote
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimiterPerClient(t *testing.T) {
	rl := NewRateLimiter(0.001, 2)
	r := newEngine(rl.RateLimit())

	assert.Equal(t, http.StatusOK, get(r, "10.0.0.1:5000", "").Code)
	assert.Equal(t, http.StatusOK, get(r, "10.0.0.1:5001", "").Code)

	w := get(r, "10.0.0.1:5002", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.JSONEq(t, `{"status":false,"message":"Too many requests"}`, w.Body.String())

	// Another client has its own bucket.
	assert.Equal(t, http.StatusOK, get(r, "10.0.0.2:5000", "").Code)
}

func TestCORS(t *testing.T) {
	r := newEngine(CORSMiddlewares([]string{"https://kds.local"}))

	w := get(r, "10.0.0.1:5000", "https://kds.local")
	assert.Equal(t, "https://kds.local", w.Header().Get("Access-Control-Allow-Origin"))

	w = get(r, "10.0.0.1:5000", "https://evil.example")
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, http.StatusOK, w.Code)

	open := newEngine(CORSMiddlewares([]string{"*"}))
	w = get(open, "10.0.0.1:5000", "http://192.168.1.20:3000")
	assert.Equal(t, "http://192.168.1.20:3000", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSPreflight(t *testing.T) {
	r := newEngine(CORSMiddlewares([]string{"*"}))
	req := httptest.NewRequest(http.MethodOptions, "/ping", nil)
	req.Header.Set("Origin", "https://kds.local")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "PATCH")
}

func TestSecurityHeaders(t *testing.T) {
	w := get(newEngine(SecurityHeaders()), "10.0.0.1:5000", "")
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestLoggerMiddlewareObservesLatency(t *testing.T) {
	w := get(newEngine(LoggerMiddleware()), "10.0.0.1:5000", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pong", w.Body.String())
	assert.GreaterOrEqual(t, testutil.CollectAndCount(metrics.HTTPRequestDuration), 1)
}
