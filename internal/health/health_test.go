package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChecker_Readiness(t *testing.T) {
	c := NewChecker(0, nil)
	c.AddReadiness("database", PingerFunc(func(context.Context) error { return nil }))

	rec := httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	c.AddReadiness("ldap", PingerFunc(func(context.Context) error { return errors.New("connection refused") }))

	rec = httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready?full=1", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestChecker_LivenessIgnoresReadiness(t *testing.T) {
	c := NewChecker(0, nil)
	c.AddReadiness("ox", PingerFunc(func(context.Context) error { return errors.New("down") }))

	rec := httptest.NewRecorder()
	c.LiveHandler()(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
