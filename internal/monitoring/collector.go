package monitoring

import (
	"context"
	"runtime"
	"time"

	"go.uber.org/zap"
)

// ConnStats reports the number of open database connections.
type ConnStats interface {
	OpenConnections() int
}

// Collector refreshes the gauges that are not driven by requests.
type Collector struct {
	metrics   *Metrics
	counter   StatusCounter
	conns     ConnStats
	startTime time.Time
	logger    *zap.Logger
}

// NewCollector creates a Collector. conns may be nil.
func NewCollector(metrics *Metrics, counter StatusCounter, conns ConnStats, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		metrics:   metrics,
		counter:   counter,
		conns:     conns,
		startTime: time.Now(),
		logger:    logger.Named("collector"),
	}
}

// Collect updates every gauge once.
func (c *Collector) Collect(ctx context.Context) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	c.metrics.UpdateMemoryUsage(int64(m.Alloc))
	c.metrics.UpdateSystemUptime(time.Since(c.startTime))

	if c.conns != nil {
		c.metrics.UpdateDatabaseConnections(c.conns.OpenConnections())
	}

	counts, err := c.counter.CountEmailAddressesByStatus(ctx)
	if err != nil {
		c.logger.Warn("failed to count e-mail addresses", zap.Error(err))
		c.metrics.RecordError("count_addresses", "collector")
		return
	}
	c.metrics.UpdateAddressesByStatus(counts)
}

// Run collects every interval until ctx is done.
func (c *Collector) Run(ctx context.Context, interval time.Duration) error {
	c.Collect(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}
