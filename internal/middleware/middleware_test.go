package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"spsh/backend/internal/auth/jwt"
	"spsh/backend/internal/monitoring"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func init() {
	gin.SetMode(gin.TestMode)
}

func newEngine(mw ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(mw...)
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, c.GetString("clientID")) })
	r.GET("/panic", func(*gin.Context) { panic("boom") })
	return r
}

func do(r http.Handler, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestJWTAuth_RequireScope(t *testing.T) {
	manager := jwt.NewManager(testSecret, "spsh", time.Hour)
	r := newEngine(NewJWTAuth(manager, nil).RequireScope(jwt.ScopeEmailWrite))

	writer, err := manager.IssueToken("schulportal", jwt.ScopeEmailRead, jwt.ScopeEmailWrite)
	require.NoError(t, err)
	reader, err := manager.IssueToken("reporting", jwt.ScopeEmailRead)
	require.NoError(t, err)

	rec := do(r, "/ping", writer)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "schulportal", rec.Body.String())

	assert.Equal(t, http.StatusForbidden, do(r, "/ping", reader).Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, "/ping", "garbage").Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, "/ping", "").Code)
}

func TestMonitoring_RecordsRequestsAndPanics(t *testing.T) {
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	mm := NewMonitoringMiddleware(metrics, nil)
	r := newEngine(mm.HTTPMetrics(), mm.PanicRecovery())

	assert.Equal(t, http.StatusOK, do(r, "/ping", "").Code)
	assert.Equal(t, http.StatusInternalServerError, do(r, "/panic", "").Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "/ping", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "/panic", "500")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PanicsTotal))
}

func TestRateLimit(t *testing.T) {
	r := newEngine(RateLimit(rate.NewLimiter(0, 1)))

	assert.Equal(t, http.StatusOK, do(r, "/ping", "").Code)
	rec := do(r, "/ping", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestRequestID(t *testing.T) {
	r := newEngine(RequestID(), SecurityHeaders())

	rec := do(r, "/ping", "")
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))
}
