package resilient

import (
	"context"
	"time"

	"github.com/migadu/pgkeeper/logger"
	"github.com/migadu/pgkeeper/pkg/metrics"
)

// StartPoolMetrics exports pool occupancy until ctx is done or Shutdown is called.
func (m *Manager) StartPoolMetrics(ctx context.Context) {
	m.background.Add(1)
	go func() {
		defer m.background.Done()
		ticker := time.NewTicker(m.metricsInterval)
		defer ticker.Stop()

		m.collectPoolStats()
		for {
			select {
			case <-ctx.Done():
				logger.Info("Stopped pool metrics collection", "component", "POOL")
				return
			case <-m.ctx.Done():
				logger.Info("Stopped pool metrics collection (shutdown)", "component", "POOL")
				return
			case <-ticker.C:
				m.collectPoolStats()
			}
		}
	}()
}

func (m *Manager) collectPoolStats() {
	stats := m.PoolStats()
	metrics.DBPoolTotalConns.Set(float64(stats.Total))
	metrics.DBPoolIdleConns.Set(float64(stats.Idle))
	metrics.DBPoolWaiting.Set(float64(stats.Waiting))
}
