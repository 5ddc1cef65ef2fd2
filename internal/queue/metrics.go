package queue

import (
	"context"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	queueMetricsOnce sync.Once
	waitingGauge     otelmetric.Int64UpDownCounter
	admittedCounter  otelmetric.Int64Counter
	rejectedCounter  otelmetric.Int64Counter
	reapedCounter    otelmetric.Int64Counter
)

func initQueueMetrics() {
	meter := otel.Meter("linsight/queue")
	var err error
	waitingGauge, err = meter.Int64UpDownCounter("linsight_queue_waiting",
		otelmetric.WithDescription("Session-versions parked waiting for a slot"))
	if err != nil {
		log.Printf("queue metrics init: linsight_queue_waiting: %v", err)
	}
	admittedCounter, err = meter.Int64Counter("linsight_queue_admitted_total",
		otelmetric.WithDescription("Session-versions admitted to a slot"))
	if err != nil {
		log.Printf("queue metrics init: linsight_queue_admitted_total: %v", err)
	}
	rejectedCounter, err = meter.Int64Counter("linsight_queue_rejected_total",
		otelmetric.WithDescription("Admissions refused because the waiting list was full"))
	if err != nil {
		log.Printf("queue metrics init: linsight_queue_rejected_total: %v", err)
	}
	reapedCounter, err = meter.Int64Counter("linsight_queue_reaped_total",
		otelmetric.WithDescription("Slots released on behalf of dead workers"))
	if err != nil {
		log.Printf("queue metrics init: linsight_queue_reaped_total: %v", err)
	}
}

func recordWaiting(ctx context.Context, delta int64) {
	queueMetricsOnce.Do(initQueueMetrics)
	if waitingGauge != nil {
		waitingGauge.Add(context.WithoutCancel(ctx), delta)
	}
}

func recordAdmitted(ctx context.Context) {
	queueMetricsOnce.Do(initQueueMetrics)
	if admittedCounter != nil {
		admittedCounter.Add(ctx, 1)
	}
}

func recordRejected(ctx context.Context) {
	queueMetricsOnce.Do(initQueueMetrics)
	if rejectedCounter != nil {
		rejectedCounter.Add(ctx, 1)
	}
}

func recordReaped(ctx context.Context) {
	queueMetricsOnce.Do(initQueueMetrics)
	if reapedCounter != nil {
		reapedCounter.Add(ctx, 1)
	}
}
