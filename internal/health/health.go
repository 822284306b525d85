// Package health exposes liveness and readiness endpoints.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"
)

// Pinger checks a dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc adapts a function to Pinger.
type PingerFunc func(ctx context.Context) error

// Ping calls f.
func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// Checker wraps a healthcheck.Handler. Liveness covers the process, readiness
// covers the backing services.
type Checker struct {
	handler healthcheck.Handler
	timeout time.Duration
	logger  *zap.Logger
}

// NewChecker creates a Checker with a goroutine leak liveness check.
func NewChecker(timeout time.Duration, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	h := healthcheck.NewHandler()
	h.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))
	return &Checker{handler: h, timeout: timeout, logger: logger.Named("health")}
}

// AddReadiness registers a readiness check for a dependency.
func (c *Checker) AddReadiness(name string, p Pinger) {
	c.handler.AddReadinessCheck(name, c.check(name, p))
}

// AddAsyncReadiness registers a readiness check that runs in the background every
// interval, for dependencies too slow or too rate limited to ping per request.
func (c *Checker) AddAsyncReadiness(name string, p Pinger, interval time.Duration) {
	c.handler.AddReadinessCheck(name, healthcheck.Async(c.check(name, p), interval))
}

func (c *Checker) check(name string, p Pinger) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			c.logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
			return err
		}
		return nil
	}
}

// Handler serves /live and /ready.
func (c *Checker) Handler() http.Handler {
	return c.handler
}

// LiveHandler serves the liveness endpoint.
func (c *Checker) LiveHandler() http.HandlerFunc {
	return c.handler.LiveEndpoint
}

// ReadyHandler serves the readiness endpoint.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return c.handler.ReadyEndpoint
}
