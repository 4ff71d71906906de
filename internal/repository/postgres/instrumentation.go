package postgres

import (
	"time"

	"github.com/configplane/controlplane/internal/platform/metrics"
)

// observe records the duration and outcome of a single repository
// operation against the shared repository metrics group.
func observe(m *metrics.RepositoryMetrics, entity, operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.QueryDuration.WithLabelValues(entity, operation, status).Observe(time.Since(start).Seconds())
}

func observeError(m *metrics.RepositoryMetrics, entity, operation, kind string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(entity, operation, kind).Inc()
}
