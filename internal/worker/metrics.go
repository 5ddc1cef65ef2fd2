package worker

import (
	"context"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/mohammad-safakhou/linsight/models"
)

var (
	metricsOnce     sync.Once
	finishedCounter otelmetric.Int64Counter
	reapedCounter   otelmetric.Int64Counter
)

func initMetrics() {
	meter := otel.Meter("linsight/worker")
	var err error
	finishedCounter, err = meter.Int64Counter("linsight_worker_versions_total",
		otelmetric.WithDescription("Versions finished on this worker by final status"))
	if err != nil {
		log.Printf("warn: create versions counter failed: %v", err)
	}
	reapedCounter, err = meter.Int64Counter("linsight_worker_orphans_failed_total",
		otelmetric.WithDescription("Versions failed because their worker stopped heartbeating"))
	if err != nil {
		log.Printf("warn: create orphan counter failed: %v", err)
	}
}

func versionsFinished(ctx context.Context, status models.VersionStatus) {
	metricsOnce.Do(initMetrics)
	if finishedCounter != nil {
		finishedCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("status", string(status))))
	}
}

func versionsReaped(ctx context.Context) {
	metricsOnce.Do(initMetrics)
	if reapedCounter != nil {
		reapedCounter.Add(ctx, 1)
	}
}
