package executor

import (
	"context"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce sync.Once
	stepCounter metric.Int64Counter
	runOutcomes metric.Int64Counter
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("linsight/executor")
		var err error
		stepCounter, err = meter.Int64Counter("linsight_executor_steps_total")
		if err != nil {
			log.Printf("executor metrics: %v", err)
		}
		runOutcomes, err = meter.Int64Counter("linsight_executor_runs_total")
		if err != nil {
			log.Printf("executor metrics: %v", err)
		}
	})
}

func recordStep(ctx context.Context, mode, kind string) {
	initMetrics()
	if stepCounter == nil {
		return
	}
	stepCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode), attribute.String("kind", kind)))
}

func recordOutcome(ctx context.Context, status Status) {
	initMetrics()
	if runOutcomes == nil {
		return
	}
	runOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
}
