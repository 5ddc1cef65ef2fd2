package scheduler

import (
	"context"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mohammad-safakhou/linsight/models"
)

var (
	metricsOnce   sync.Once
	sessionsGauge metric.Int64UpDownCounter
	finished      metric.Int64Counter
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("linsight/scheduler")
		var err error
		sessionsGauge, err = meter.Int64UpDownCounter("linsight_sessions_active")
		if err != nil {
			log.Printf("scheduler metrics: %v", err)
		}
		finished, err = meter.Int64Counter("linsight_versions_finished_total")
		if err != nil {
			log.Printf("scheduler metrics: %v", err)
		}
	})
}

func activeSessions(ctx context.Context, delta int64) {
	initMetrics()
	if sessionsGauge == nil {
		return
	}
	sessionsGauge.Add(ctx, delta)
}

func versionFinished(ctx context.Context, status models.VersionStatus) {
	initMetrics()
	if finished == nil {
		return
	}
	finished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
}
